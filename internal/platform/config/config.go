package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files (e.g. ".env"); with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvDuration returns the duration value (e.g. "40ms", "3s") of the
// environment variable named by key, or fallback if the variable is unset,
// empty, or not a valid duration.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	if s := os.Getenv(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return fallback
}

// GetEnvList splits a comma-separated environment variable into trimmed,
// non-empty items. fallback is returned when nothing usable is set.
func GetEnvList(key string, fallback []string) []string {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

// Encoder holds the transcoder tuning knobs.
type Encoder struct {
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

// Relay holds the delivery transport settings.
type Relay struct {
	BasePort   int
	PortRange  int
	PublicHost string
	Bitrate    int
	Tick       time.Duration
	MaxBuffer  int
}

// Session holds the session garbage-collection settings.
type Session struct {
	IdleTimeout  time.Duration
	ReapInterval time.Duration
}

// Proxy holds the upstream fetch settings.
type Proxy struct {
	Timeout              time.Duration
	ManifestMaxRedirects int
	VideoMaxRedirects    int
	UserAgent            string
	RateLimit            int
}

// Config is the complete server configuration.
type Config struct {
	Port         string
	LogLevel     string
	LogFormat    string
	CORSOrigins  []string
	ChannelsFile string
	ChannelsM3U  string

	Encoder Encoder
	Relay   Relay
	Session Session
	Proxy   Proxy
}

// DefaultUserAgent is sent upstream; several Xtream CDNs reject non-browser agents.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// FromEnv builds a Config from the process environment. Call Load first to
// pick up a .env file.
func FromEnv() Config {
	return Config{
		Port:         GetEnv("PORT", "4000"),
		LogLevel:     GetEnv("LOG_LEVEL", "info"),
		LogFormat:    GetEnv("LOG_FORMAT", "json"),
		CORSOrigins:  GetEnvList("CORS_ORIGINS", []string{"http://localhost:3000"}),
		ChannelsFile: GetEnv("CHANNELS_FILE", ""),
		ChannelsM3U:  GetEnv("CHANNELS_M3U", ""),
		Encoder: Encoder{
			Path:         GetEnv("FFMPEG_PATH", "ffmpeg"),
			VideoCodec:   GetEnv("ENCODER_VIDEO_CODEC", "mpeg1video"),
			VideoBitrate: GetEnv("ENCODER_VIDEO_BITRATE", "1500k"),
			AudioCodec:   GetEnv("ENCODER_AUDIO_CODEC", "mp2"),
			AudioBitrate: GetEnv("ENCODER_AUDIO_BITRATE", "128k"),
			Width:        GetEnvInt("ENCODER_WIDTH", 960),
			Height:       GetEnvInt("ENCODER_HEIGHT", 540),
			FrameRate:    GetEnvInt("ENCODER_FRAME_RATE", 25),
			SampleRate:   GetEnvInt("ENCODER_SAMPLE_RATE", 44100),
			StopGrace:    GetEnvDuration("ENCODER_STOP_GRACE", 3*time.Second),
		},
		Relay: Relay{
			BasePort:   GetEnvInt("WS_BASE_PORT", 8081),
			PortRange:  GetEnvInt("WS_PORT_RANGE", 100),
			PublicHost: GetEnv("WS_PUBLIC_HOST", "localhost"),
			Bitrate:    GetEnvInt("RELAY_BITRATE", 2_000_000),
			Tick:       GetEnvDuration("RELAY_TICK", 40*time.Millisecond),
			MaxBuffer:  GetEnvInt("RELAY_MAX_BUFFER", 2<<20),
		},
		Session: Session{
			IdleTimeout:  GetEnvDuration("SESSION_IDLE_TIMEOUT", 60*time.Second),
			ReapInterval: GetEnvDuration("SESSION_REAP_INTERVAL", 15*time.Second),
		},
		Proxy: Proxy{
			Timeout:              GetEnvDuration("PROXY_TIMEOUT", 30*time.Second),
			ManifestMaxRedirects: GetEnvInt("PROXY_MANIFEST_MAX_REDIRECTS", 5),
			VideoMaxRedirects:    GetEnvInt("PROXY_VIDEO_MAX_REDIRECTS", 10),
			UserAgent:            GetEnv("PROXY_USER_AGENT", DefaultUserAgent),
			RateLimit:            GetEnvInt("PROXY_RATE_LIMIT", 600),
		},
	}
}
