package pluginhost

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/amas-editor/host-proxy-go/dispatch"
	"github.com/amas-editor/host-proxy-go/supervisor"
	"github.com/amas-editor/host-proxy-go/wire"
)

// Instance is one loaded plugin. It implements dispatch.Peer: the dispatcher
// forwards requests to it exactly as it would to a process backend, and the
// instance feeds responses back through DispatchInbound.
type Instance struct {
	id       string
	host     *Host
	manifest Manifest
	caps     *Caps

	mu       sync.Mutex
	state    supervisor.State
	module   Module
	inflight map[uint64]context.CancelFunc
	panics   []time.Time
}

// Info is a point-in-time snapshot of an instance.
type Info struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	State        string       `json:"state"`
	Namespaces   []string     `json:"namespaces"`
	Capabilities []Capability `json:"capabilities,omitempty"`
}

// PeerID implements dispatch.Peer.
func (i *Instance) PeerID() string { return i.id }

// Name returns the manifest name.
func (i *Instance) Name() string { return i.manifest.Name }

// State returns the current liveness state.
func (i *Instance) State() supervisor.State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Snapshot returns the instance's Info.
func (i *Instance) Snapshot() Info {
	i.mu.Lock()
	defer i.mu.Unlock()
	return Info{
		ID:           i.id,
		Name:         i.manifest.Name,
		State:        i.state.String(),
		Namespaces:   i.manifest.Namespaces,
		Capabilities: i.manifest.Capabilities,
	}
}

// Send implements dispatch.Peer. Requests are served by the module on their
// own goroutine; cancellation notifications abort the matching in-flight
// call. Anything else a plugin cannot act on is dropped.
func (i *Instance) Send(ctx context.Context, msg *wire.Message) error {
	i.mu.Lock()
	state := i.state
	module := i.module
	i.mu.Unlock()
	if state != supervisor.StateRunning || module == nil {
		return fmt.Errorf("plugin %s is %s", i.manifest.Name, state)
	}

	switch msg.Type() {
	case wire.TypeRequest:
		go i.serve(i.host.pluginCtx(i), module, msg)
	case wire.TypeNotification:
		if msg.Method == dispatch.CancelMethod {
			i.cancelCall(msg.Params)
			return nil
		}
		go i.serveNotification(i.host.pluginCtx(i), module, msg)
	}
	return nil
}

func (i *Instance) serve(ctx context.Context, module Module, req *wire.Message) {
	id := *req.ID
	ctx, cancel := context.WithCancel(ctx)
	i.mu.Lock()
	i.inflight[id] = cancel
	i.mu.Unlock()
	defer func() {
		cancel()
		i.mu.Lock()
		delete(i.inflight, id)
		i.mu.Unlock()
	}()

	defer func() {
		if r := recover(); r != nil {
			i.host.log.ErrorContext(ctx, "plugin panicked",
				slog.String("method", req.Method),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			i.respond(ctx, wire.NewErrorResponse(id, wire.KindInternal,
				fmt.Sprintf("plugin %s panicked serving %s", i.manifest.Name, req.Method), nil))
			i.host.notePanic(i)
		}
	}()

	result, werr := module.Serve(ctx, Call{Method: req.Method, Params: req.Params}, i.caps)
	if ctx.Err() != nil && werr == nil && result == nil {
		// The call was cancelled; the dispatcher already resolved it.
		return
	}
	if werr != nil {
		i.respond(ctx, &wire.Message{ID: req.ID, Error: werr})
		return
	}
	resp, err := wire.NewResultResponse(id, result)
	if err != nil {
		i.respond(ctx, wire.NewErrorResponse(id, wire.KindInternal,
			fmt.Sprintf("encode result for %s: %v", req.Method, err), nil))
		return
	}
	i.respond(ctx, resp)
}

func (i *Instance) serveNotification(ctx context.Context, module Module, msg *wire.Message) {
	defer func() {
		if r := recover(); r != nil {
			i.host.log.ErrorContext(ctx, "plugin panicked on notification",
				slog.String("method", msg.Method), slog.Any("panic", r))
			i.host.notePanic(i)
		}
	}()
	_, _ = module.Serve(ctx, Call{Method: msg.Method, Params: msg.Params}, i.caps)
}

func (i *Instance) respond(ctx context.Context, resp *wire.Message) {
	i.host.d.DispatchInbound(ctx, resp, i)
}

func (i *Instance) cancelCall(params json.RawMessage) {
	var p struct {
		ID uint64 `json:"id"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	i.mu.Lock()
	cancel := i.inflight[p.ID]
	i.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// recordPanic counts a panic in the rolling window and reports whether the
// threshold was crossed.
func (i *Instance) recordPanic(threshold int, window time.Duration) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	now := time.Now()
	cutoff := now.Add(-window)
	kept := i.panics[:0]
	for _, t := range i.panics {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	i.panics = append(kept, now)
	return len(i.panics) > threshold
}
