package relay

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"iptv-relay/internal/platform/metrics"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Magic is the 4-byte container token the browser decoder expects at the
// start of every connection.
const Magic = "jsmp"

// HeaderSize is the length of the connection preamble.
const HeaderSize = 8

const (
	// DefaultTick is the send-loop cadence.
	DefaultTick = 40 * time.Millisecond
	// DefaultBitrate is the output rate in bits per second.
	DefaultBitrate = 2_000_000
	// DefaultWidth and DefaultHeight match the encoder's default frame size.
	DefaultWidth  = 960
	DefaultHeight = 540
	// DefaultMaxBuffer bounds buffered encoder output in bytes.
	DefaultMaxBuffer = 2 << 20
	// DefaultWriteTimeout bounds a single socket write.
	DefaultWriteTimeout = 5 * time.Second

	// viewerQueue is how many ticks a viewer may lag before it is
	// considered not writable and skipped.
	viewerQueue = 8
)

// Header builds the preamble: magic token followed by big-endian width and
// height. Dimensions are clamped to the uint16 range.
func Header(width, height int) []byte {
	h := make([]byte, HeaderSize)
	copy(h, Magic)
	binary.BigEndian.PutUint16(h[4:6], clampDim(width))
	binary.BigEndian.PutUint16(h[6:8], clampDim(height))
	return h
}

func clampDim(v int) uint16 {
	return uint16(max(0, min(v, math.MaxUint16)))
}

// Options configures a Relay. Zero values fall back to the package defaults.
type Options struct {
	Width        int
	Height       int
	Bitrate      int
	Tick         time.Duration
	MaxBuffer    int
	WriteTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Width <= 0 {
		o.Width = DefaultWidth
	}
	if o.Height <= 0 {
		o.Height = DefaultHeight
	}
	if o.Tick <= 0 {
		o.Tick = DefaultTick
	}
	if o.Bitrate <= 0 {
		o.Bitrate = DefaultBitrate
	}
	if o.MaxBuffer <= 0 {
		o.MaxBuffer = DefaultMaxBuffer
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	return o
}

// BytesPerTick is the fixed byte budget of one send-loop tick.
func (o Options) BytesPerTick() int {
	o = o.withDefaults()
	n := int(int64(o.Bitrate) * int64(o.Tick) / int64(8*time.Second))
	if n < 1 {
		n = 1
	}
	return n
}

var (
	// ErrStopped is returned when starting a relay that was already stopped.
	ErrStopped = errors.New("relay stopped")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("relay already started")
)

// Relay fans one byte stream out to many WebSocket viewers at a fixed
// cadence. Broadcast feeds a drop-oldest buffer; every tick the send loop
// takes at most BytesPerTick bytes from it and hands the same payload to each
// viewer that can accept it.
//
// Relay implements http.Handler so it can be served on its own listener
// (Start) or mounted on an existing server.
type Relay struct {
	opts    Options
	budget  int
	header  []byte
	buf     *Buffer
	log     *slog.Logger
	metrics *metrics.Metrics

	upgrader websocket.Upgrader

	mu        sync.Mutex
	viewers   map[*viewer]struct{}
	idleSince time.Time
	started   bool
	stopped   bool
	srv       *http.Server
	ln        net.Listener
	cancel    context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New returns a relay that is not yet accepting viewers. m may be nil.
func New(opts Options, log *slog.Logger, m *metrics.Metrics) *Relay {
	opts = opts.withDefaults()
	return &Relay{
		opts:    opts,
		budget:  opts.BytesPerTick(),
		header:  Header(opts.Width, opts.Height),
		buf:     NewBuffer(opts.MaxBuffer),
		log:     log,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			// Viewers connect from the web front-end on another origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		viewers:   make(map[*viewer]struct{}),
		idleSince: time.Now(),
	}
}

// Start serves viewer connections on ln and launches the send loop. The
// relay owns ln from here on and closes it in Stop.
func (r *Relay) Start(ln net.Listener) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		_ = ln.Close()
		return ErrStopped
	}
	if r.started {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	r.started = true
	r.ln = ln
	r.srv = &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(2)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		if err := r.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Warn("relay listener stopped", slog.String("addr", ln.Addr().String()), slog.String("error", err.Error()))
		}
	}()
	go func() {
		defer r.wg.Done()
		r.run(ctx)
	}()

	r.log.Debug("relay listening", slog.String("addr", ln.Addr().String()), slog.Int("bytes_per_tick", r.budget))
	return nil
}

// StartLoop launches only the send loop, for relays mounted on an external
// server via ServeHTTP.
func (r *Relay) StartLoop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return ErrStopped
	}
	if r.started {
		return ErrAlreadyStarted
	}
	r.started = true
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(ctx)
	}()
	return nil
}

// Addr returns the listener address, or nil if the relay was not started
// with a listener.
func (r *Relay) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ln == nil {
		return nil
	}
	return r.ln.Addr()
}

// Broadcast queues encoder output for delivery. It never blocks on viewers.
func (r *Relay) Broadcast(chunk []byte) {
	if dropped := r.buf.Push(chunk); dropped > 0 && r.metrics != nil {
		r.metrics.AddRelayBytesDropped(dropped)
	}
}

// Buffered returns the number of bytes waiting for the next ticks.
func (r *Relay) Buffered() int {
	return r.buf.Len()
}

// BytesPerTick returns the per-tick delivery budget.
func (r *Relay) BytesPerTick() int {
	return r.budget
}

// ViewerCount returns the number of attached viewer sockets.
func (r *Relay) ViewerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.viewers)
}

// IdleSince reports when the relay last became viewer-less. ok is false
// while at least one viewer is attached.
func (r *Relay) IdleSince() (since time.Time, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.viewers) > 0 {
		return time.Time{}, false
	}
	return r.idleSince, true
}

// Stop cancels the send loop, closes every viewer, releases the listener
// and clears the buffer. It is idempotent.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.stopped = true
		viewers := r.viewers
		r.viewers = make(map[*viewer]struct{})
		srv := r.srv
		cancel := r.cancel
		r.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		for v := range viewers {
			v.close(websocket.CloseGoingAway, "stream ended")
		}
		if srv != nil {
			_ = srv.Close()
		}
		r.wg.Wait()
		r.buf.Reset()
	})
}

// ServeHTTP upgrades the request to a WebSocket viewer. The preamble is
// written before the viewer joins the fan-out set so it always comes first.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		r.log.Debug("viewer upgrade failed", slog.String("error", err.Error()))
		return
	}

	v := &viewer{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, viewerQueue),
		done: make(chan struct{}),
	}

	_ = conn.SetWriteDeadline(time.Now().Add(r.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, r.header); err != nil {
		r.log.Debug("viewer header write failed", slog.String("viewer", v.id), slog.String("error", err.Error()))
		_ = conn.Close()
		return
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		v.close(websocket.CloseGoingAway, "stream ended")
		return
	}
	r.viewers[v] = struct{}{}
	r.wg.Add(1)
	n := len(r.viewers)
	r.mu.Unlock()

	r.log.Info("viewer connected", slog.String("viewer", v.id), slog.String("remote", req.RemoteAddr), slog.Int("viewers", n))

	go r.writeLoop(v)
	r.readLoop(v)
}

// writeLoop drains one viewer's queue onto its socket.
func (r *Relay) writeLoop(v *viewer) {
	defer r.wg.Done()
	for {
		select {
		case <-v.done:
			return
		case payload := <-v.send:
			_ = v.conn.SetWriteDeadline(time.Now().Add(r.opts.WriteTimeout))
			if err := v.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				r.detach(v, err)
				return
			}
			if r.metrics != nil {
				r.metrics.AddRelayBytesSent(len(payload))
			}
		}
	}
}

// readLoop consumes client frames so control messages (ping, close) are
// processed; it returns when the socket closes.
func (r *Relay) readLoop(v *viewer) {
	for {
		if _, _, err := v.conn.ReadMessage(); err != nil {
			r.detach(v, err)
			return
		}
	}
}

// detach removes v after a transport error or disconnect. Other viewers are
// not affected.
func (r *Relay) detach(v *viewer, cause error) {
	r.mu.Lock()
	_, attached := r.viewers[v]
	if attached {
		delete(r.viewers, v)
		if len(r.viewers) == 0 {
			r.idleSince = time.Now()
		}
	}
	n := len(r.viewers)
	r.mu.Unlock()

	v.close(websocket.CloseNormalClosure, "")
	if !attached {
		return
	}

	if websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		r.log.Info("viewer disconnected", slog.String("viewer", v.id), slog.Int("viewers", n))
		return
	}
	r.log.Info("viewer dropped", slog.String("viewer", v.id), slog.Int("viewers", n), slog.String("error", cause.Error()))
	if r.metrics != nil {
		r.metrics.IncViewerFailures()
	}
}

func (r *Relay) run(ctx context.Context) {
	t := time.NewTicker(r.opts.Tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.tick()
		}
	}
}

// tick emits one budget's worth of bytes to every writable viewer and
// returns the payload size. With no viewers or no data it is a no-op.
func (r *Relay) tick() int {
	r.mu.Lock()
	if len(r.viewers) == 0 {
		r.mu.Unlock()
		return 0
	}
	targets := make([]*viewer, 0, len(r.viewers))
	for v := range r.viewers {
		targets = append(targets, v)
	}
	r.mu.Unlock()

	payload := r.buf.Take(r.budget)
	if len(payload) == 0 {
		return 0
	}

	for _, v := range targets {
		select {
		case v.send <- payload:
		default:
			// Viewer is still behind; it misses this tick.
		}
	}
	return len(payload)
}

type viewer struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (v *viewer) close(code int, text string) {
	v.closeOnce.Do(func() {
		close(v.done)
		msg := websocket.FormatCloseMessage(code, text)
		_ = v.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = v.conn.Close()
	})
}
