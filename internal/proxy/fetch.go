package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrTooManyRedirects is returned when an upstream keeps redirecting past
	// the configured hop limit.
	ErrTooManyRedirects = errors.New("too many redirects")
	// ErrInvalidURL is returned for missing, relative or non-http(s) targets.
	ErrInvalidURL = errors.New("invalid upstream url")
	// ErrManifestTooLarge is returned when a playlist body exceeds the read limit.
	ErrManifestTooLarge = errors.New("playlist too large")
	// ErrUpstreamIdle is returned when a streamed body stops producing bytes
	// for longer than the proxy timeout.
	ErrUpstreamIdle = errors.New("upstream stalled")
)

// FetchError reports an upstream that answered with an error status.
type FetchError struct {
	URL    string
	Status int
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("upstream %s returned status %d", e.URL, e.Status)
}

// StatusFor maps a fetch failure to the HTTP status the proxy replies with:
// the upstream's own status when it sent one, 504 on timeouts, 502 otherwise.
func StatusFor(err error) int {
	var fe *FetchError
	switch {
	case errors.As(err, &fe):
		return fe.Status
	case errors.Is(err, ErrInvalidURL):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrUpstreamIdle):
		return http.StatusGatewayTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

// ParseTarget validates the ?url= parameter.
func ParseTarget(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: url parameter is required", ErrInvalidURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return u, nil
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// newClient returns a client that never follows redirects on its own, so
// every hop goes through fetch and is counted.
func newClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// fetch GETs target, following at most maxRedirects redirects by hand. It
// returns the final non-redirect response (status unchecked) and its URL.
// The caller owns resp.Body.
func (p *Proxy) fetch(ctx context.Context, target *url.URL, header http.Header, maxRedirects int) (*http.Response, *url.URL, error) {
	current := target
	for hop := 0; ; hop++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, current.String(), nil)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
		}
		for k, vs := range header {
			req.Header[k] = vs
		}

		resp, err := p.client.Do(req)
		if err != nil {
			return nil, nil, fmt.Errorf("fetch %s: %w", current.Redacted(), err)
		}
		if !isRedirect(resp.StatusCode) {
			return resp, current, nil
		}
		resp.Body.Close()

		loc := resp.Header.Get("Location")
		if loc == "" {
			return nil, nil, &FetchError{URL: current.Redacted(), Status: http.StatusBadGateway}
		}
		if hop >= maxRedirects {
			return nil, nil, fmt.Errorf("%w: more than %d hops from %s", ErrTooManyRedirects, maxRedirects, target.Redacted())
		}
		next, err := current.Parse(loc)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: bad redirect location %q", ErrInvalidURL, loc)
		}
		p.log.Debug("following redirect",
			slog.String("from", current.Redacted()),
			slog.String("to", next.Redacted()))
		current = next
	}
}

// upstreamHeaders builds the request headers CDNs behind Xtream panels
// expect: a browser user agent and, for media, a same-origin referer.
func (p *Proxy) upstreamHeaders(target *url.URL, media bool) http.Header {
	h := http.Header{}
	h.Set("User-Agent", p.opts.UserAgent)
	h.Set("Accept", "*/*")
	if media {
		origin := target.Scheme + "://" + target.Host
		h.Set("Referer", origin+"/")
		h.Set("Origin", origin)
		h.Set("Accept-Language", "en-US,en;q=0.9")
	}
	return h
}

func contentTypeOr(resp *http.Response, fallback string) string {
	if ct := resp.Header.Get("Content-Type"); strings.TrimSpace(ct) != "" {
		return ct
	}
	return fallback
}
