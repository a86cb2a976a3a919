package stream

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"iptv-relay/internal/catalog"
	"iptv-relay/internal/encoder"
	"iptv-relay/internal/platform/logger"
	"iptv-relay/internal/relay"
)

// fakeEncoder is an Encoder whose output and exit are driven by the test.
type fakeEncoder struct {
	src      string
	startErr error
	events   chan encoder.Event

	mu      sync.Mutex
	running bool
	stopped bool
	closed  bool
}

func (f *fakeEncoder) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	return nil
}

func (f *fakeEncoder) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return
	}
	f.running = false
	f.stopped = true
	f.closeLocked(encoder.Event{Type: encoder.EventClosed, ExitCode: -1, Requested: true})
}

func (f *fakeEncoder) Events() <-chan encoder.Event { return f.events }

func (f *fakeEncoder) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

// emit queues one data chunk.
func (f *fakeEncoder) emit(b []byte) {
	f.events <- encoder.Event{Type: encoder.EventData, Data: b}
}

// exit simulates the process ending on its own.
func (f *fakeEncoder) exit(code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return
	}
	f.running = false
	f.closeLocked(encoder.Event{Type: encoder.EventClosed, ExitCode: code})
}

func (f *fakeEncoder) closeLocked(ev encoder.Event) {
	if f.closed {
		return
	}
	f.closed = true
	f.events <- ev
	close(f.events)
}

func (f *fakeEncoder) wasStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// fakeRelay is a Relay that records what it was given.
type fakeRelay struct {
	startErr error

	mu        sync.Mutex
	started   bool
	stopped   bool
	received  []byte
	viewers   int
	idleSince time.Time
}

func (r *fakeRelay) Start(ln net.Listener) error {
	_ = ln.Close()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	r.started = true
	return nil
}

func (r *fakeRelay) Broadcast(chunk []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, chunk...)
}

func (r *fakeRelay) ViewerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.viewers
}

func (r *fakeRelay) IdleSince() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.viewers > 0 {
		return time.Time{}, false
	}
	return r.idleSince, true
}

func (r *fakeRelay) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
}

func (r *fakeRelay) setViewers(n int, idleSince time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.viewers = n
	r.idleSince = idleSince
}

func (r *fakeRelay) bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.received...)
}

func (r *fakeRelay) wasStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// fakeFactory builds fake encoders and relays and keeps every instance.
type fakeFactory struct {
	encoderErr error
	relayErr   error

	mu       sync.Mutex
	encoders []*fakeEncoder
	relays   []*fakeRelay
}

func (f *fakeFactory) newEncoder(src string) Encoder {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := &fakeEncoder{src: src, startErr: f.encoderErr, events: make(chan encoder.Event, 16)}
	f.encoders = append(f.encoders, e)
	return e
}

func (f *fakeFactory) newRelay() Relay {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := &fakeRelay{startErr: f.relayErr, idleSince: time.Now()}
	f.relays = append(f.relays, r)
	return r
}

func (f *fakeFactory) encoderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.encoders)
}

func (f *fakeFactory) encoder(i int) *fakeEncoder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.encoders[i]
}

func (f *fakeFactory) relay(i int) *fakeRelay {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.relays[i]
}

// failingPorts is a Ports that never has a free port.
type failingPorts struct{}

func (failingPorts) Listen() (net.Listener, int, error) {
	return nil, 0, errors.New("address already in use")
}

func (failingPorts) Release(int) {}

var testChannels = catalog.New(
	catalog.Channel{ID: "ch1", Name: "Channel One", URL: "http://upstream.example.com/ch1.m3u8"},
	catalog.Channel{ID: "ch2", Name: "Channel Two", URL: "http://upstream.example.com/ch2.m3u8"},
)

func newTestManager(t *testing.T, f *fakeFactory) (*Manager, *relay.PortPool) {
	t.Helper()
	ports := relay.NewPortPool("127.0.0.1", 0, 1)
	m := NewManager(Options{PublicHost: "127.0.0.1", IdleTimeout: time.Minute}, testChannels, f.newEncoder, f.newRelay, ports, logger.Discard(), nil)
	return m, ports
}

func (m *Manager) sessionForTest(key string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, _ := m.store.GetSession(key)
	return s
}
