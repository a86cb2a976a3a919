// Package proxy relays upstream HLS playlists, segments and progressive
// video files through the server so browsers never talk to the upstream
// directly. It keeps no state between requests.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"iptv-relay/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
)

const (
	// DefaultPrefix is where the proxy routes are mounted.
	DefaultPrefix = "/api/stream"

	defaultTimeout              = 30 * time.Second
	defaultManifestMaxRedirects = 5
	defaultVideoMaxRedirects    = 10
	defaultMaxManifestBytes     = 8 << 20

	copyChunk = 32 * 1024
)

// Options configures a Proxy. Zero values take the defaults.
type Options struct {
	Prefix string
	// Timeout bounds a whole playlist fetch, and for streamed media the wait
	// for response headers and the gap between two body chunks.
	Timeout              time.Duration
	ManifestMaxRedirects int
	VideoMaxRedirects    int
	// MaxManifestBytes is the largest playlist body that is buffered for
	// rewriting. Larger bodies are rejected with 502.
	MaxManifestBytes int64
	UserAgent        string
}

// Proxy serves the manifest, segment and video proxy endpoints.
type Proxy struct {
	opts    Options
	client  *http.Client
	log     *slog.Logger
	metrics *metrics.Metrics
}

// New returns a Proxy. m may be nil.
func New(opts Options, log *slog.Logger, m *metrics.Metrics) *Proxy {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.ManifestMaxRedirects <= 0 {
		opts.ManifestMaxRedirects = defaultManifestMaxRedirects
	}
	if opts.VideoMaxRedirects <= 0 {
		opts.VideoMaxRedirects = defaultVideoMaxRedirects
	}
	if opts.MaxManifestBytes <= 0 {
		opts.MaxManifestBytes = defaultMaxManifestBytes
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "Mozilla/5.0"
	}
	return &Proxy{opts: opts, client: newClient(opts.Timeout), log: log, metrics: m}
}

// Routes mounts the three proxy endpoints on r, relative to the prefix.
func (p *Proxy) Routes(r chi.Router) {
	r.Get("/hls-proxy", p.Manifest)
	r.Get("/segment-proxy", p.Segment)
	r.Get("/video-proxy", p.Video)
}

func (p *Proxy) count(kind, outcome string) {
	if p.metrics != nil {
		p.metrics.IncProxyRequests(kind, outcome)
	}
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, ErrTooManyRedirects):
		return "redirect_limit"
	case errors.Is(err, ErrInvalidURL):
		return "bad_request"
	case errors.Is(err, ErrManifestTooLarge):
		return "too_large"
	default:
		return "upstream_error"
	}
}

func (p *Proxy) fail(w http.ResponseWriter, kind string, err error, msg string) {
	status := StatusFor(err)
	p.count(kind, outcomeFor(err))
	p.log.Warn("proxy request failed",
		slog.String("kind", kind),
		slog.Int("status", status),
		slog.String("error", err.Error()))
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// Manifest handles GET {prefix}/hls-proxy?url=. Redirects are followed by
// hand so relative references resolve against the final location. The
// whole fetch, redirects and body included, is bounded by Options.Timeout.
func (p *Proxy) Manifest(w http.ResponseWriter, r *http.Request) {
	const kind = "manifest"
	target, err := ParseTarget(r.URL.Query().Get("url"))
	if err != nil {
		p.fail(w, kind, err, "url parameter is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), p.opts.Timeout)
	defer cancel()
	resp, final, err := p.fetch(ctx, target, p.upstreamHeaders(target, false), p.opts.ManifestMaxRedirects)
	if err != nil {
		p.fail(w, kind, err, "Failed to fetch playlist")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		p.fail(w, kind, &FetchError{URL: final.Redacted(), Status: resp.StatusCode}, "Failed to fetch playlist")
		return
	}

	limit := p.opts.MaxManifestBytes
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("read playlist: %w", ctxErr)
		}
		p.fail(w, kind, err, "Failed to read playlist")
		return
	}
	if int64(len(body)) > limit {
		p.fail(w, kind, fmt.Errorf("%w: more than %d bytes from %s", ErrManifestTooLarge, limit, final.Redacted()), "Playlist too large")
		return
	}

	contentType := contentTypeOr(resp, "application/vnd.apple.mpegurl")
	if IsManifest(contentType, final.String(), body) {
		body = []byte(RewriteManifest(string(body), final, p.opts.Prefix))
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
	p.count(kind, "ok")
}

// Segment handles GET {prefix}/segment-proxy?url=.
func (p *Proxy) Segment(w http.ResponseWriter, r *http.Request) {
	p.stream(w, r, "segment", "video/mp2t")
}

// Video handles GET {prefix}/video-proxy?url= for progressive files with
// Range-based seeking.
func (p *Proxy) Video(w http.ResponseWriter, r *http.Request) {
	p.stream(w, r, "video", "video/mp4")
}

// stream relays an upstream media body chunk by chunk. The inbound Range
// header is forwarded and the range headers and 200/206 status are passed
// back. The upstream request is bound to the client request context, so a
// disconnecting client cancels it, and is abandoned once the body goes
// quiet for longer than Options.Timeout.
func (p *Proxy) stream(w http.ResponseWriter, r *http.Request, kind, defaultType string) {
	target, err := ParseTarget(r.URL.Query().Get("url"))
	if err != nil {
		p.fail(w, kind, err, "url parameter is required")
		return
	}

	header := p.upstreamHeaders(target, true)
	if rng := r.Header.Get("Range"); rng != "" {
		header.Set("Range", rng)
	}

	ctx, cancel := context.WithCancelCause(r.Context())
	defer cancel(nil)
	resp, final, err := p.fetch(ctx, target, header, p.opts.VideoMaxRedirects)
	if err != nil {
		p.fail(w, kind, err, "Failed to fetch "+kind)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		p.fail(w, kind, &FetchError{URL: final.Redacted(), Status: resp.StatusCode}, "Failed to fetch "+kind)
		return
	}

	h := w.Header()
	h.Set("Content-Type", contentTypeOr(resp, defaultType))
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Expose-Headers", "Content-Length, Content-Range, Accept-Ranges")
	h.Set("Cache-Control", "no-cache")
	for _, k := range []string{"Content-Length", "Content-Range"} {
		if v := resp.Header.Get(k); v != "" {
			h.Set(k, v)
		}
	}
	if v := resp.Header.Get("Accept-Ranges"); v != "" {
		h.Set("Accept-Ranges", v)
	} else if kind == "video" {
		h.Set("Accept-Ranges", "bytes")
	}
	w.WriteHeader(resp.StatusCode)

	n, err := copyFlushing(w, resp.Body, p.opts.Timeout, cancel)
	if err != nil {
		outcome := "aborted"
		if errors.Is(context.Cause(ctx), ErrUpstreamIdle) {
			outcome = "stalled"
			err = fmt.Errorf("%w after %s", ErrUpstreamIdle, p.opts.Timeout)
		}
		p.log.Debug("proxy stream ended early",
			slog.String("kind", kind),
			slog.Int64("bytes", n),
			slog.String("error", err.Error()))
		p.count(kind, outcome)
		return
	}
	p.count(kind, "ok")
}

// copyFlushing writes src to w as it arrives, flushing after every chunk so
// the client sees bytes without waiting for the full body. If no bytes
// arrive for idle, cancel is called with ErrUpstreamIdle.
func copyFlushing(w http.ResponseWriter, src io.Reader, idle time.Duration, cancel context.CancelCauseFunc) (int64, error) {
	timer := time.AfterFunc(idle, func() { cancel(ErrUpstreamIdle) })
	defer timer.Stop()

	rc := http.NewResponseController(w)
	buf := make([]byte, copyChunk)
	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			timer.Reset(idle)
			written, werr := w.Write(buf[:n])
			total += int64(written)
			if werr != nil {
				return total, werr
			}
			_ = rc.Flush()
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}
