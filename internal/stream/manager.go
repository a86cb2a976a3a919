// Package stream multiplexes viewers onto shared upstream transcodes.
//
// The Manager maps a session key (a channel id, or a hash of an on-demand
// URL) to at most one encoder and relay pair. Sessions are created by the
// first Start for a key and torn down when the last viewer stops, when the
// encoder exits, when nobody has been connected for the idle timeout, or on
// Shutdown.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"iptv-relay/internal/catalog"
	"iptv-relay/internal/encoder"
	"iptv-relay/internal/platform/metrics"

	"github.com/google/uuid"
)

var (
	// ErrSourceNotFound is returned when neither a known channel id nor a
	// source URL was given.
	ErrSourceNotFound = errors.New("source not found")
	// ErrUpstreamStart is returned when the relay cannot bind or the encoder
	// cannot be spawned. No session is left registered.
	ErrUpstreamStart = errors.New("upstream start failed")
	// ErrClosed is returned by Start after Shutdown.
	ErrClosed = errors.New("session manager closed")
)

// Teardown reasons, also used as metric labels.
const (
	reasonLastViewer  = "last_viewer"
	reasonEncoderExit = "encoder_exit"
	reasonIdle        = "idle"
	reasonShutdown    = "shutdown"
)

// Reaper defaults.
const (
	DefaultIdleTimeout  = 60 * time.Second
	DefaultReapInterval = 15 * time.Second
)

// Resolver maps channel ids to catalog entries. *catalog.Catalog satisfies it.
type Resolver interface {
	Lookup(id string) (catalog.Channel, bool)
}

// Options configures a Manager.
type Options struct {
	// PublicHost is the host put into delivery addresses.
	PublicHost string
	// IdleTimeout tears down sessions whose relay had no socket attached
	// for this long.
	IdleTimeout time.Duration
	// ReapInterval is how often Run looks for idle sessions.
	ReapInterval time.Duration
}

// Manager is the session registry. All registry mutation for one key is
// serialized by a per-key lock, so concurrent first viewers converge on a
// single encoder.
type Manager struct {
	opts       Options
	channels   Resolver
	newEncoder EncoderFactory
	newRelay   RelayFactory
	ports      Ports
	log        *slog.Logger
	metrics    *metrics.Metrics

	keys *keyLock

	mu     sync.RWMutex
	store  Store
	closed bool

	pumps sync.WaitGroup
}

// NewManager returns a Manager. m may be nil.
func NewManager(opts Options, channels Resolver, newEncoder EncoderFactory, newRelay RelayFactory, ports Ports, log *slog.Logger, m *metrics.Metrics) *Manager {
	return NewManagerWithStore(NewInMemoryStore(), opts, channels, newEncoder, newRelay, ports, log, m)
}

// NewManagerWithStore is NewManager with an explicit registry store.
func NewManagerWithStore(store Store, opts Options, channels Resolver, newEncoder EncoderFactory, newRelay RelayFactory, ports Ports, log *slog.Logger, m *metrics.Metrics) *Manager {
	if opts.PublicHost == "" {
		opts.PublicHost = "localhost"
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = DefaultReapInterval
	}
	return &Manager{
		opts:       opts,
		channels:   channels,
		newEncoder: newEncoder,
		newRelay:   newRelay,
		ports:      ports,
		log:        log,
		metrics:    m,
		keys:       newKeyLock(),
		store:      store,
	}
}

// Start joins the session for the request, creating it if needed. With a
// sourceURL the key is derived from the URL; otherwise channelID must name
// a catalog channel. Joining never spawns a second encoder.
func (m *Manager) Start(channelID, sourceURL string) (StartResult, error) {
	if channelID == "" && sourceURL == "" {
		return StartResult{}, ErrSourceNotFound
	}
	key := DeriveKey(channelID, sourceURL)

	unlock := m.keys.Lock(key)
	defer unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return StartResult{}, ErrClosed
	}
	if s, ok := m.store.GetSession(key); ok {
		s.ViewerCount++
		res := StartResult{Key: key, DeliveryAddress: s.DeliveryAddress, WSPort: s.Port, ViewerCount: s.ViewerCount}
		m.mu.Unlock()
		m.log.Info("viewer joined session", slog.String("key", key), slog.Int("viewer_count", res.ViewerCount))
		return res, nil
	}
	m.mu.Unlock()

	src := sourceURL
	if src == "" {
		ch, ok := m.channels.Lookup(channelID)
		if !ok {
			return StartResult{}, fmt.Errorf("%w: channel %q", ErrSourceNotFound, channelID)
		}
		src = ch.URL
	}

	s, err := m.spawn(key, channelID, src)
	if err != nil {
		return StartResult{}, err
	}

	m.mu.Lock()
	closed := m.closed
	if !closed {
		m.store.SetSession(s)
	}
	m.mu.Unlock()

	// The pump also drains a session that lost the race with Shutdown.
	m.pumps.Add(1)
	go m.pump(s)
	if closed {
		m.release(s)
		return StartResult{}, ErrClosed
	}

	if m.metrics != nil {
		m.metrics.IncSessionsStarted()
	}
	m.log.Info("session started",
		slog.String("key", key),
		slog.String("session_id", s.ID),
		slog.Int("ws_port", s.Port))

	return StartResult{Key: key, DeliveryAddress: s.DeliveryAddress, WSPort: s.Port, ViewerCount: 1, Created: true}, nil
}

// spawn binds a relay and launches the encoder. On failure everything that
// was acquired is released again.
func (m *Manager) spawn(key, channelID, src string) (*Session, error) {
	ln, port, err := m.ports.Listen()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamStart, err)
	}

	r := m.newRelay()
	if err := r.Start(ln); err != nil {
		_ = ln.Close()
		m.ports.Release(port)
		return nil, fmt.Errorf("%w: relay: %v", ErrUpstreamStart, err)
	}

	enc := m.newEncoder(src)
	if err := enc.Start(); err != nil {
		r.Stop()
		m.ports.Release(port)
		return nil, fmt.Errorf("%w: %v", ErrUpstreamStart, err)
	}

	return &Session{
		ID:              uuid.NewString(),
		Key:             key,
		ChannelID:       channelID,
		SourceURL:       src,
		Port:            port,
		DeliveryAddress: "ws://" + net.JoinHostPort(m.opts.PublicHost, strconv.Itoa(port)) + "/",
		ViewerCount:     1,
		CreatedAt:       time.Now(),
		encoder:         enc,
		relay:           r,
	}, nil
}

// Stop removes one viewer from the session for the request and tears the
// session down when none are left. Unknown sessions are a no-op.
func (m *Manager) Stop(channelID, sourceURL string) Status {
	key := DeriveKey(channelID, sourceURL)
	if key == "" {
		return Status{}
	}

	unlock := m.keys.Lock(key)
	defer unlock()

	m.mu.Lock()
	s, ok := m.store.GetSession(key)
	if !ok {
		m.mu.Unlock()
		return Status{Key: key}
	}
	if s.ViewerCount > 0 {
		s.ViewerCount--
	}
	if s.ViewerCount > 0 {
		st := statusOf(s)
		m.mu.Unlock()
		m.log.Info("viewer left session", slog.String("key", key), slog.Int("viewer_count", st.ViewerCount))
		return st
	}
	m.store.DeleteSession(key)
	m.mu.Unlock()

	m.teardown(s, reasonLastViewer)
	return Status{Key: key}
}

// Status reports the session for key without side effects.
func (m *Manager) Status(key string) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.store.GetSession(key)
	if !ok {
		return Status{Key: key}
	}
	return statusOf(s)
}

func statusOf(s *Session) Status {
	return Status{
		Key:             s.Key,
		Active:          true,
		ViewerCount:     s.ViewerCount,
		DeliveryAddress: s.DeliveryAddress,
		WSPort:          s.Port,
	}
}

// List returns a snapshot of every active session, oldest first.
func (m *Manager) List() []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sessions := m.store.ListSessions()
	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SessionInfo{
			ID:              s.ID,
			Key:             s.Key,
			ChannelID:       s.ChannelID,
			SourceURL:       s.SourceURL,
			ViewerCount:     s.ViewerCount,
			AttachedSockets: s.relay.ViewerCount(),
			DeliveryAddress: s.DeliveryAddress,
			WSPort:          s.Port,
			EncoderRunning:  s.encoder.IsRunning(),
			CreatedAt:       s.CreatedAt,
		})
	}
	return out
}

// Stats returns the number of sessions and attached viewer sockets.
func (m *Manager) Stats() (sessions, sockets int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.store.ListSessions()
	for _, s := range all {
		sockets += s.relay.ViewerCount()
	}
	return len(all), sockets
}

// pump feeds encoder output into the relay until the encoder closes its
// event stream. An exit nobody asked for tears the session down.
func (m *Manager) pump(s *Session) {
	defer m.pumps.Done()
	log := m.log.With(slog.String("key", s.Key), slog.String("session_id", s.ID))

	for ev := range s.encoder.Events() {
		switch ev.Type {
		case encoder.EventData:
			s.relay.Broadcast(ev.Data)
		case encoder.EventError:
			log.Warn("encoder reported error", slog.String("error", ev.Err.Error()))
		case encoder.EventClosed:
			m.recordExit(ev)
			if ev.Requested {
				continue
			}
			if ev.Crashed() {
				log.Warn("encoder crashed", slog.Int("exit_code", ev.ExitCode))
			} else {
				log.Info("encoder finished", slog.Int("exit_code", ev.ExitCode))
			}
			m.dropIfCurrent(s, reasonEncoderExit)
		}
	}
}

func (m *Manager) recordExit(ev encoder.Event) {
	if m.metrics == nil {
		return
	}
	switch {
	case ev.Requested:
		m.metrics.IncEncoderExits("stopped")
	case ev.ExitCode == 0:
		m.metrics.IncEncoderExits("clean")
	default:
		m.metrics.IncEncoderExits("crash")
	}
}

// dropIfCurrent tears s down if the registry still maps its key to s. A
// newer session under the same key is left alone.
func (m *Manager) dropIfCurrent(s *Session, reason string) bool {
	unlock := m.keys.Lock(s.Key)
	defer unlock()

	m.mu.Lock()
	current, ok := m.store.GetSession(s.Key)
	if !ok || current != s {
		m.mu.Unlock()
		return false
	}
	m.store.DeleteSession(s.Key)
	m.mu.Unlock()

	m.teardown(s, reason)
	return true
}

// teardown stops the encoder and relay of a session already removed from
// the registry. Attached viewer sockets are closed by the relay.
func (m *Manager) teardown(s *Session, reason string) {
	m.release(s)
	if m.metrics != nil {
		m.metrics.IncSessionsTornDown(reason)
	}
	m.log.Info("session torn down",
		slog.String("key", s.Key),
		slog.String("session_id", s.ID),
		slog.String("reason", reason),
		slog.Duration("age", time.Since(s.CreatedAt)))
}

func (m *Manager) release(s *Session) {
	s.encoder.Stop()
	s.relay.Stop()
	m.ports.Release(s.Port)
}

// Run reaps idle sessions every ReapInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	t := time.NewTicker(m.opts.ReapInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			m.ReapIdle(now)
		}
	}
}

// ReapIdle tears down every session whose relay has had no socket attached
// for at least IdleTimeout as of now, and returns how many were removed.
// This covers clients that disappear without calling stop.
func (m *Manager) ReapIdle(now time.Time) int {
	m.mu.RLock()
	candidates := make([]*Session, 0)
	for _, s := range m.store.ListSessions() {
		if since, idle := s.relay.IdleSince(); idle && now.Sub(since) >= m.opts.IdleTimeout {
			candidates = append(candidates, s)
		}
	}
	m.mu.RUnlock()

	reaped := 0
	for _, s := range candidates {
		// Re-check: a socket may have attached since the scan.
		if since, idle := s.relay.IdleSince(); !idle || now.Sub(since) < m.opts.IdleTimeout {
			continue
		}
		if m.dropIfCurrent(s, reasonIdle) {
			reaped++
		}
	}
	return reaped
}

// Shutdown tears down every session and waits for the encoder pumps to
// finish or ctx to expire. Start fails with ErrClosed afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	sessions := m.store.ListSessions()
	m.mu.Unlock()

	for _, s := range sessions {
		m.dropIfCurrent(s, reasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		m.pumps.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for encoders: %w", ctx.Err())
	}
}
