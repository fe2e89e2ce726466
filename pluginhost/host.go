package pluginhost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amas-editor/host-proxy-go/dispatch"
	"github.com/amas-editor/host-proxy-go/internal/logctx"
	"github.com/amas-editor/host-proxy-go/supervisor"
	"github.com/amas-editor/host-proxy-go/wire"
)

const (
	// DefaultPanicThreshold panics within DefaultPanicWindow degrade an
	// instance and replace its module with a fresh one.
	DefaultPanicThreshold = 3
	DefaultPanicWindow    = 30 * time.Second
)

// ErrUnknownPlugin is returned when no registered factory matches a
// manifest's name.
var ErrUnknownPlugin = errors.New("no module registered for plugin")

// Host owns the plugin instances of one session.
type Host struct {
	log            *slog.Logger
	d              *dispatch.Dispatcher
	workspaceRoot  string
	spawn          SpawnFunc
	panicThreshold int
	panicWindow    time.Duration

	mu        sync.Mutex
	instances map[string]*Instance
}

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(h *Host) { h.log = log }
}

// WithSpawnFunc supplies the process-spawn capability, normally the session
// supervisor's Start.
func WithSpawnFunc(spawn SpawnFunc) Option {
	return func(h *Host) { h.spawn = spawn }
}

// WithPanicLimit overrides how many panics within window trigger a module
// replacement.
func WithPanicLimit(threshold int, window time.Duration) Option {
	return func(h *Host) {
		h.panicThreshold = threshold
		h.panicWindow = window
	}
}

// New creates a host routing plugin calls through d, with filesystem
// capabilities rooted at workspaceRoot.
func New(d *dispatch.Dispatcher, workspaceRoot string, opts ...Option) *Host {
	h := &Host{
		log:            slog.Default(),
		d:              d,
		workspaceRoot:  workspaceRoot,
		panicThreshold: DefaultPanicThreshold,
		panicWindow:    DefaultPanicWindow,
		instances:      make(map[string]*Instance),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// LoadAll discovers manifests under searchPath and loads every plugin with a
// registered factory. Individual failures are logged and collected; one bad
// plugin never blocks the rest.
func (h *Host) LoadAll(ctx context.Context, searchPath string) error {
	manifests, errs := Discover(searchPath)
	for _, err := range errs {
		h.log.WarnContext(ctx, "skipping plugin", slog.String("err", err.Error()))
	}
	for _, m := range manifests {
		if _, err := h.Load(ctx, m); err != nil {
			h.log.WarnContext(ctx, "plugin failed to load",
				slog.String("plugin", m.Name), slog.String("err", err.Error()))
			errs = append(errs, fmt.Errorf("%s: %w", m.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Load instantiates one plugin and registers its namespaces.
func (h *Host) Load(ctx context.Context, m Manifest) (*Instance, error) {
	factory, ok := lookupFactory(m.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlugin, m.Name)
	}

	inst := &Instance{
		id:       uuid.NewString(),
		host:     h,
		manifest: m,
		state:    supervisor.StateStarting,
		inflight: make(map[uint64]context.CancelFunc),
	}
	inst.caps = newCaps(m, h.workspaceRoot, h.spawn)

	pctx := h.pluginCtx(inst)
	module, err := factory(m)
	if err != nil {
		return nil, fmt.Errorf("instantiate %s: %w", m.Name, err)
	}

	var registered []string
	for _, ns := range m.Namespaces {
		if err := h.d.RegisterRoute(ns, m.Selector, inst); err != nil {
			for _, done := range registered {
				h.d.UnregisterRoute(done, m.Selector)
			}
			_ = module.Stop(ctx)
			return nil, err
		}
		registered = append(registered, ns)
	}

	inst.mu.Lock()
	inst.module = module
	inst.state = supervisor.StateRunning
	inst.mu.Unlock()

	h.mu.Lock()
	h.instances[inst.id] = inst
	h.mu.Unlock()

	h.log.InfoContext(pctx, "plugin loaded",
		slog.Any("namespaces", m.Namespaces),
		slog.Any("capabilities", m.Capabilities),
	)
	return inst, nil
}

// Get looks an instance up by id.
func (h *Host) Get(id string) (*Instance, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	inst, ok := h.instances[id]
	return inst, ok
}

// List snapshots the loaded instances, sorted by name.
func (h *Host) List() []Info {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Info, 0, len(h.instances))
	for _, inst := range h.instances {
		out = append(out, inst.Snapshot())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// Unload stops one instance. Pending calls routed to it resolve with
// "backend gone" before its routes disappear.
func (h *Host) Unload(ctx context.Context, id string) error {
	h.mu.Lock()
	inst, ok := h.instances[id]
	if ok {
		delete(h.instances, id)
	}
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown plugin instance %s", id)
	}
	h.teardown(ctx, inst)
	return nil
}

// Close unloads every instance, for session teardown.
func (h *Host) Close(ctx context.Context) {
	h.mu.Lock()
	instances := make([]*Instance, 0, len(h.instances))
	for _, inst := range h.instances {
		instances = append(instances, inst)
	}
	h.instances = make(map[string]*Instance)
	h.mu.Unlock()

	for _, inst := range instances {
		h.teardown(ctx, inst)
	}
}

func (h *Host) teardown(ctx context.Context, inst *Instance) {
	inst.mu.Lock()
	module := inst.module
	inst.module = nil
	inst.state = supervisor.StateTerminated
	for _, cancel := range inst.inflight {
		cancel()
	}
	inst.mu.Unlock()

	h.d.FailBackend(inst, wire.KindBackendGone,
		fmt.Sprintf("plugin %s unloaded", inst.manifest.Name))
	if module != nil {
		if err := module.Stop(ctx); err != nil {
			h.log.WarnContext(h.pluginCtx(inst), "plugin stop failed",
				slog.String("err", err.Error()))
		}
	}
	h.log.InfoContext(h.pluginCtx(inst), "plugin unloaded")
}

// notePanic is called after a recovered module panic. Crossing the panic
// budget degrades the instance: pending calls fail with "backend gone", the
// old module is stopped, and a fresh one from the factory takes over.
func (h *Host) notePanic(inst *Instance) {
	if !inst.recordPanic(h.panicThreshold, h.panicWindow) {
		return
	}
	go h.replaceModule(inst)
}

func (h *Host) replaceModule(inst *Instance) {
	ctx := h.pluginCtx(inst)

	inst.mu.Lock()
	if inst.state != supervisor.StateRunning {
		inst.mu.Unlock()
		return
	}
	inst.state = supervisor.StateDegraded
	old := inst.module
	inst.module = nil
	inst.panics = nil
	inst.mu.Unlock()

	h.log.WarnContext(ctx, "panic budget exceeded; replacing plugin module")
	h.d.FailBackend(inst, wire.KindBackendGone,
		fmt.Sprintf("plugin %s restarting after repeated panics", inst.manifest.Name))
	if old != nil {
		_ = old.Stop(ctx)
	}

	factory, ok := lookupFactory(inst.manifest.Name)
	if !ok {
		h.terminate(ctx, inst, "factory vanished")
		return
	}
	module, err := factory(inst.manifest)
	if err != nil {
		h.terminate(ctx, inst, fmt.Sprintf("reinstantiate failed: %v", err))
		return
	}

	m := inst.manifest
	var registered []string
	for _, ns := range m.Namespaces {
		if err := h.d.RegisterRoute(ns, m.Selector, inst); err != nil {
			for _, done := range registered {
				h.d.UnregisterRoute(done, m.Selector)
			}
			_ = module.Stop(ctx)
			h.terminate(ctx, inst, fmt.Sprintf("reregister failed: %v", err))
			return
		}
		registered = append(registered, ns)
	}

	inst.mu.Lock()
	inst.module = module
	inst.state = supervisor.StateRunning
	inst.mu.Unlock()
	h.log.InfoContext(ctx, "plugin module replaced")
}

func (h *Host) terminate(ctx context.Context, inst *Instance, reason string) {
	inst.mu.Lock()
	inst.state = supervisor.StateTerminated
	inst.mu.Unlock()
	h.mu.Lock()
	delete(h.instances, inst.id)
	h.mu.Unlock()
	h.log.ErrorContext(ctx, "plugin terminated", slog.String("reason", reason))
}

func (h *Host) pluginCtx(inst *Instance) context.Context {
	return logctx.WithBackendData(context.Background(), &logctx.BackendData{
		BackendID: inst.id,
		Name:      inst.manifest.Name,
		Kind:      "plugin",
	})
}
