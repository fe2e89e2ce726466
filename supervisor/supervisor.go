package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amas-editor/host-proxy-go/dispatch"
	"github.com/amas-editor/host-proxy-go/internal/logctx"
	"github.com/amas-editor/host-proxy-go/wire"
)

// DefaultStartupGrace is how long a freshly spawned process has to produce
// its first valid frame.
const DefaultStartupGrace = 10 * time.Second

// DefaultMalformedThreshold is the number of malformed frames tolerated
// within DefaultMalformedWindow before a backend is degraded.
const (
	DefaultMalformedThreshold = 5
	DefaultMalformedWindow    = 10 * time.Second
)

// FatalFunc is invoked when a backend becomes permanently unavailable for
// the session: failed startup or an exhausted restart budget. The proxy core
// uses it to push a persistent backend-unavailable notification to the
// frontend.
type FatalFunc func(h *Handle, reason string)

// Supervisor spawns, monitors, restarts, and terminates backend processes
// for one session.
type Supervisor struct {
	log    *slog.Logger
	d      *dispatch.Dispatcher
	spawn  Spawner
	policy RestartPolicy

	grace              time.Duration
	maxFrame           int
	malformedThreshold int
	malformedWindow    time.Duration
	onFatal            FatalFunc

	mu      sync.Mutex
	handles map[string]*Handle
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithSpawner replaces the process spawner; tests inject fakes.
func WithSpawner(spawn Spawner) Option {
	return func(s *Supervisor) { s.spawn = spawn }
}

// WithRestartPolicy sets the restart policy.
func WithRestartPolicy(p RestartPolicy) Option {
	return func(s *Supervisor) { s.policy = p.withDefaults() }
}

// WithStartupGrace sets the first-frame deadline for spawned processes.
func WithStartupGrace(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.grace = d
		}
	}
}

// WithMalformedLimit sets the malformed-frame threshold and rolling window.
func WithMalformedLimit(threshold int, window time.Duration) Option {
	return func(s *Supervisor) {
		if threshold > 0 {
			s.malformedThreshold = threshold
		}
		if window > 0 {
			s.malformedWindow = window
		}
	}
}

// WithMaxFrameSize bounds frames on backend streams.
func WithMaxFrameSize(n int) Option {
	return func(s *Supervisor) { s.maxFrame = n }
}

// WithFatalFunc registers the permanent-unavailability callback.
func WithFatalFunc(fn FatalFunc) Option {
	return func(s *Supervisor) { s.onFatal = fn }
}

// New constructs a Supervisor bound to the session's dispatcher.
func New(d *dispatch.Dispatcher, opts ...Option) *Supervisor {
	s := &Supervisor{
		log:                slog.Default(),
		d:                  d,
		spawn:              ExecSpawner,
		policy:             RestartPolicy{}.withDefaults(),
		grace:              DefaultStartupGrace,
		maxFrame:           wire.DefaultMaxFrameSize,
		malformedThreshold: DefaultMalformedThreshold,
		malformedWindow:    DefaultMalformedWindow,
		handles:            make(map[string]*Handle),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start spawns the backend described by spec and registers its namespaces
// with the dispatcher. The returned handle is Running once the process
// produces its first valid frame.
func (s *Supervisor) Start(ctx context.Context, spec CommandSpec) (*Handle, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("start %s: empty command", spec.Name)
	}
	if len(spec.Namespaces) == 0 {
		return nil, fmt.Errorf("start %s: no namespaces", spec.Name)
	}

	h := &Handle{
		id:    uuid.NewString(),
		spec:  spec,
		s:     s,
		state: StateStarting,
	}

	for i, ns := range spec.Namespaces {
		if err := s.d.RegisterRoute(ns, spec.Selector, h); err != nil {
			for _, prev := range spec.Namespaces[:i] {
				s.d.UnregisterRoute(prev, spec.Selector)
			}
			return nil, fmt.Errorf("start %s: %w", spec.Name, err)
		}
	}

	// The exit path deletes the handle from the table, so it must be
	// present before the pump can observe an instant exit.
	s.mu.Lock()
	s.handles[h.id] = h
	s.mu.Unlock()

	if err := s.spawnInto(ctx, h); err != nil {
		s.mu.Lock()
		delete(s.handles, h.id)
		s.mu.Unlock()
		s.d.FailBackend(h, wire.KindBackendGone, err.Error())
		return nil, fmt.Errorf("start %s: %w", spec.Name, err)
	}

	s.log.InfoContext(s.backendCtx(ctx, h), "backend started",
		slog.String("command", spec.Command))
	return h, nil
}

// Get returns a handle by id.
func (s *Supervisor) Get(id string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	return h, ok
}

// List snapshots all live handles.
func (s *Supervisor) List() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, h.Snapshot())
	}
	return out
}

// Stop terminates a backend explicitly. This is the normal-exit path: no
// restart is attempted and no fatal notification is raised.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	s.mu.Lock()
	h, ok := s.handles[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("stop: unknown backend %s", id)
	}
	s.terminate(ctx, h, "backend stopped", false)
	return nil
}

// StopAll terminates every backend; used on session teardown after the
// dispatcher has already resolved pending calls as "session closed".
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	all := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		all = append(all, h)
	}
	s.mu.Unlock()
	for _, h := range all {
		s.terminate(ctx, h, "session closed", false)
	}
}

// spawnInto starts (or restarts) the process for h and wires its streams.
func (s *Supervisor) spawnInto(ctx context.Context, h *Handle) error {
	proc, err := s.spawn(ctx, h.spec)
	if err != nil {
		return fmt.Errorf("spawn: %w", err)
	}

	h.mu.Lock()
	h.gen++
	gen := h.gen
	h.proc = proc
	h.enc = wire.NewEncoder(proc.Stdin(), s.maxFrame)
	h.mu.Unlock()

	if stderr := proc.Stderr(); stderr != nil {
		go s.drainStderr(h, stderr)
	}
	go s.readPump(ctx, h, gen, wire.NewDecoder(proc.Stdout(), s.maxFrame))
	h.armGrace(gen, s.grace)
	return nil
}

// readPump decodes the process's output stream and feeds every message into
// the dispatcher. Frame-level errors are counted, not fatal; a stream error
// ends the pump and triggers supervision.
func (s *Supervisor) readPump(ctx context.Context, h *Handle, gen int, dec *wire.Decoder) {
	bctx := s.backendCtx(ctx, h)
	for {
		msg, err := dec.Decode()
		if err == nil {
			h.markFrame(gen)
			s.d.DispatchInbound(bctx, msg, h)
			continue
		}
		switch err.(type) {
		case *wire.MalformedPayloadError, *wire.FrameTooLargeError:
			s.log.WarnContext(bctx, "malformed frame from backend",
				slog.String("err", err.Error()))
			if h.noteMalformed(gen, s.malformedThreshold, s.malformedWindow) {
				s.log.WarnContext(bctx, "malformed-frame threshold exceeded; degrading")
				// The pump exits via the read error that follows the kill.
				h.killProc(gen)
			}
			continue
		}
		// Stream closed or unreadable.
		s.handleExit(ctx, h, gen, fmt.Errorf("output stream: %w", err))
		return
	}
}

// handleExit runs when a generation's output stream ends. Pending calls
// routed to the handle resolve with "backend gone" before any restart
// attempt begins.
func (s *Supervisor) handleExit(ctx context.Context, h *Handle, gen int, cause error) {
	h.mu.Lock()
	if gen != h.gen || h.state == StateTerminated {
		h.mu.Unlock()
		return
	}
	if h.stopping {
		h.mu.Unlock()
		return
	}
	wasStarting := h.state == StateStarting
	h.state = StateDegraded
	if h.grace != nil {
		h.grace.Stop()
		h.grace = nil
	}
	proc := h.proc
	h.mu.Unlock()

	// Reap the dead process.
	go func() { _ = proc.Wait() }()

	s.d.FailBackend(h, wire.KindBackendGone, fmt.Sprintf("%s: %v", h.spec.Name, cause))
	s.log.WarnContext(s.backendCtx(ctx, h), "backend degraded", slog.String("cause", cause.Error()))

	if wasStarting {
		// Never produced a frame: failed-to-start, no retry.
		s.terminate(ctx, h, "no valid frame before output closed", true)
		return
	}
	go s.restartLoop(ctx, h)
}

// restartLoop applies the restart policy until a spawn succeeds, the budget
// is exhausted, or the session ends.
func (s *Supervisor) restartLoop(ctx context.Context, h *Handle) {
	for {
		h.mu.Lock()
		if h.stopping || h.state == StateTerminated {
			h.mu.Unlock()
			return
		}
		now := time.Now()
		h.restarts = pruneWindow(h.restarts, now, s.policy.Window)
		if len(h.restarts) >= s.policy.MaxRestarts {
			h.mu.Unlock()
			s.terminate(ctx, h, fmt.Sprintf("restart budget exhausted (%d within %s)", s.policy.MaxRestarts, s.policy.Window), true)
			return
		}
		attempt := len(h.restarts)
		h.restarts = append(h.restarts, now)
		h.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.policy.backoff(attempt)):
		}

		s.log.InfoContext(s.backendCtx(ctx, h), "restarting backend",
			slog.Int("attempt", attempt+1))
		if err := s.spawnInto(ctx, h); err != nil {
			s.log.WarnContext(s.backendCtx(ctx, h), "restart failed",
				slog.String("err", err.Error()))
			continue
		}
		return
	}
}

// failStartup fires when the startup grace expires with no valid frame.
func (s *Supervisor) failStartup(ctx context.Context, h *Handle, gen int) {
	h.mu.Lock()
	if gen != h.gen || h.state == StateRunning || h.state == StateTerminated {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	s.terminate(ctx, h, "no valid frame within startup grace", true)
}

// terminate moves h to Terminated exactly once: graceful stdin close, short
// wait, then kill, mirroring the usual language-server shutdown sequence.
// Pending calls resolve before the handle leaves the route tables; both are
// complete before terminate returns.
func (s *Supervisor) terminate(ctx context.Context, h *Handle, reason string, fatal bool) {
	h.mu.Lock()
	if h.state == StateTerminated {
		h.mu.Unlock()
		return
	}
	h.state = StateTerminated
	h.stopping = true
	if h.grace != nil {
		h.grace.Stop()
		h.grace = nil
	}
	proc := h.proc
	h.mu.Unlock()

	if proc != nil {
		stopProc(proc, 2*time.Second)
	}

	s.d.FailBackend(h, wire.KindBackendGone, fmt.Sprintf("%s: %s", h.spec.Name, reason))

	s.mu.Lock()
	delete(s.handles, h.id)
	s.mu.Unlock()

	s.log.InfoContext(s.backendCtx(ctx, h), "backend terminated",
		slog.String("reason", reason), slog.Bool("fatal", fatal))
	if fatal && s.onFatal != nil {
		s.onFatal(h, reason)
	}
}

// stopProc closes stdin, waits briefly for a voluntary exit, then kills.
func stopProc(proc Proc, wait time.Duration) {
	if stdin := proc.Stdin(); stdin != nil {
		_ = stdin.Close()
	}
	done := make(chan struct{})
	go func() {
		_ = proc.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(wait):
		_ = proc.Kill()
		<-done
	}
}

// drainStderr forwards the process's diagnostic stream into the log.
func (s *Supervisor) drainStderr(h *Handle, stderr io.Reader) {
	sc := bufio.NewScanner(stderr)
	sc.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for sc.Scan() {
		s.log.Debug("backend stderr",
			slog.String("backend", h.spec.Name), slog.String("line", sc.Text()))
	}
}

func (s *Supervisor) backendCtx(ctx context.Context, h *Handle) context.Context {
	return logctx.WithBackendData(ctx, &logctx.BackendData{
		BackendID: h.id,
		Name:      h.spec.Name,
		Kind:      "process",
	})
}
