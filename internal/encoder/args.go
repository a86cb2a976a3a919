package encoder

import (
	"strconv"
	"time"
)

// Options are the transcoder tuning knobs. Zero values take the defaults
// the browser-side MPEG-1 decoder is known to play.
type Options struct {
	Path         string
	VideoCodec   string
	VideoBitrate string
	AudioCodec   string
	AudioBitrate string
	Width        int
	Height       int
	FrameRate    int
	SampleRate   int
	StopGrace    time.Duration
}

func (o Options) binary() string {
	if o.Path == "" {
		return "ffmpeg"
	}
	return o.Path
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func orDefaultInt(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}

// Args builds the ffmpeg argument list: read input at native rate, encode
// MPEG-1 video and MP2 mono audio, mux MPEG-TS to stdout.
func Args(input string, o Options) []string {
	width := orDefaultInt(o.Width, 960)
	height := orDefaultInt(o.Height, 540)
	return []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-re",
		"-i", input,

		"-c:v", orDefault(o.VideoCodec, "mpeg1video"),
		"-b:v", orDefault(o.VideoBitrate, "1500k"),
		"-s", strconv.Itoa(width) + "x" + strconv.Itoa(height),
		"-r", strconv.Itoa(orDefaultInt(o.FrameRate, 25)),
		"-bf", "0",

		"-c:a", orDefault(o.AudioCodec, "mp2"),
		"-ar", strconv.Itoa(orDefaultInt(o.SampleRate, 44100)),
		"-ac", "1",
		"-b:a", orDefault(o.AudioBitrate, "128k"),

		"-f", "mpegts",
		"pipe:1",
	}
}
