// Package encoder supervises one external transcoding process and exposes
// its output and lifecycle as a single ordered event stream.
//
// A Process moves through Idle -> Running -> (Stopping) -> Exited. Every
// event (data chunks, diagnostics, the final exit) is delivered on one
// channel so a single consumer observes them in order; the channel is closed
// after the EventClosed event.
package encoder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// State is the lifecycle state of a Process.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateExited
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateExited:
		return "exited"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// EventType distinguishes the events a Process emits.
type EventType int

const (
	// EventData carries a chunk of stdout.
	EventData EventType = iota
	// EventError reports a launch failure or an error line on stderr.
	EventError
	// EventClosed is the last event; the process is gone.
	EventClosed
)

// Event is one item of the process event stream.
type Event struct {
	Type EventType
	Data []byte
	Err  error
	// ExitCode is set on EventClosed; -1 when killed by a signal or never started.
	ExitCode int
	// Requested is set on EventClosed when the exit followed Stop.
	Requested bool
}

// Crashed reports whether a closed event is an exit nobody asked for with a
// failure code.
func (e Event) Crashed() bool {
	return e.Type == EventClosed && !e.Requested && e.ExitCode != 0
}

var (
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("encoder already started")
	// ErrSpawn wraps failures to launch the process.
	ErrSpawn = errors.New("encoder spawn failed")
)

const (
	// DefaultStopGrace is how long a stopped process gets before SIGKILL.
	DefaultStopGrace = 3 * time.Second

	readChunk   = 32 * 1024
	eventBuffer = 64
)

// Process owns exactly one external process.
type Process struct {
	name  string
	args  []string
	grace time.Duration
	log   *slog.Logger

	events chan Event
	done   chan struct{}

	mu        sync.Mutex
	state     State
	requested bool
	cancel    context.CancelFunc
}

// New returns an idle Process that transcodes sourceURL with opts.
func New(sourceURL string, opts Options, log *slog.Logger) *Process {
	return NewCommand(opts.binary(), Args(sourceURL, opts), opts.StopGrace, log)
}

// NewCommand returns an idle Process running name with a fixed argument list.
func NewCommand(name string, args []string, grace time.Duration, log *slog.Logger) *Process {
	if grace <= 0 {
		grace = DefaultStopGrace
	}
	return &Process{
		name:   name,
		args:   append([]string(nil), args...),
		grace:  grace,
		log:    log,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
}

// Events returns the event stream. The consumer must drain it until closed.
func (p *Process) Events() <-chan Event {
	return p.events
}

// Done is closed once the process has exited and EventClosed was queued.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// State returns the current lifecycle state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// IsRunning reports whether the process was started and has not been
// stopped or exited.
func (p *Process) IsRunning() bool {
	return p.State() == StateRunning
}

// Start launches the process. It returns once the process is spawned, not
// when the first byte arrives. On a launch failure the event stream still
// receives EventError and EventClosed.
func (p *Process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateIdle {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, p.name, p.args...)
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return signalGroup(cmd, false) }

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return p.failLocked(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return p.failLocked(err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return p.failLocked(err)
	}

	p.state = StateRunning
	p.cancel = cancel
	p.log.Info("encoder started", slog.Int("pid", cmd.Process.Pid), slog.String("bin", p.name))

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		p.pumpStdout(ctx, stdout)
	}()
	go func() {
		defer readers.Done()
		p.scanStderr(ctx, stderr)
	}()
	go func() {
		// Wait must follow the pipe readers.
		readers.Wait()
		err := cmd.Wait()
		p.finish(cmd.ProcessState, err)
		cancel()
	}()
	go p.escalate(ctx, cmd)

	return nil
}

// Stop asks the process to terminate (SIGTERM to its group, SIGKILL after
// the grace period). It does not wait; watch Done for the exit. Stop is a
// no-op unless the process is running.
func (p *Process) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateRunning {
		return
	}
	p.state = StateStopping
	p.requested = true
	p.cancel()
}

// escalate kills the process group if it outlives the grace period after a
// stop request.
func (p *Process) escalate(ctx context.Context, cmd *exec.Cmd) {
	select {
	case <-p.done:
		return
	case <-ctx.Done():
	}
	t := time.NewTimer(p.grace)
	defer t.Stop()
	select {
	case <-p.done:
	case <-t.C:
		p.log.Warn("encoder ignored SIGTERM, killing", slog.Duration("grace", p.grace))
		_ = signalGroup(cmd, true)
	}
}

func (p *Process) failLocked(cause error) error {
	err := fmt.Errorf("%w: %s: %v", ErrSpawn, p.name, cause)
	p.state = StateExited
	p.events <- Event{Type: EventError, Err: err}
	p.events <- Event{Type: EventClosed, Err: err, ExitCode: -1}
	close(p.events)
	close(p.done)
	return err
}

func (p *Process) pumpStdout(ctx context.Context, r io.Reader) {
	for {
		buf := make([]byte, readChunk)
		n, err := r.Read(buf)
		if n > 0 {
			select {
			case p.events <- Event{Type: EventData, Data: buf[:n]}:
			case <-ctx.Done():
				// Stopping: output is no longer wanted, keep draining the pipe.
			}
		}
		if err != nil {
			return
		}
	}
}

func (p *Process) scanStderr(ctx context.Context, r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 4096), 64*1024)
	for sc.Scan() {
		line := sc.Text()
		if !strings.Contains(strings.ToLower(line), "error") {
			p.log.Debug("encoder output", slog.String("line", line))
			continue
		}
		p.log.Warn("encoder error", slog.String("line", line))
		select {
		case p.events <- Event{Type: EventError, Err: errors.New(line)}:
		case <-ctx.Done():
		}
	}
	// Drain whatever the scanner refused (overlong line) so the process never blocks on stderr.
	_, _ = io.Copy(io.Discard, r)
}

func (p *Process) finish(ps *os.ProcessState, waitErr error) {
	code := -1
	if ps != nil {
		code = ps.ExitCode()
	}

	p.mu.Lock()
	requested := p.requested
	p.state = StateExited
	p.mu.Unlock()

	p.log.Info("encoder exited", slog.Int("exit_code", code), slog.Bool("requested", requested))

	p.events <- Event{Type: EventClosed, Err: waitErr, ExitCode: code, Requested: requested}
	close(p.events)
	close(p.done)
}
