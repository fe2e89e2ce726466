package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/amas-editor/host-proxy-go/wire"
)

// Handle is the supervisor-owned identity of one managed process. It
// implements dispatch.Peer: the dispatcher routes requests to it but never
// controls its lifecycle.
type Handle struct {
	id   string
	spec CommandSpec
	s    *Supervisor

	mu        sync.Mutex
	state     State
	proc      Proc
	enc       *wire.Encoder
	gen       int // incremented per spawn; stale pumps and timers no-op
	stopping  bool
	grace     *time.Timer
	malformed []time.Time
	restarts  []time.Time
}

// Info is a point-in-time snapshot of a handle.
type Info struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	State      string   `json:"state"`
	Namespaces []string `json:"namespaces"`
	Selector   string   `json:"selector,omitempty"`
}

// PeerID implements dispatch.Peer.
func (h *Handle) PeerID() string { return h.id }

// Name returns the operator-facing backend name.
func (h *Handle) Name() string { return h.spec.Name }

// State returns the current liveness state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Snapshot returns the handle's Info.
func (h *Handle) Snapshot() Info {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Info{
		ID:         h.id,
		Name:       h.spec.Name,
		State:      h.state.String(),
		Namespaces: h.spec.Namespaces,
		Selector:   h.spec.Selector,
	}
}

// Send implements dispatch.Peer by writing one frame to the process's
// stdin. Sends to a process that is not accepting frames fail immediately;
// the dispatcher translates the failure into a "backend gone" outcome.
func (h *Handle) Send(ctx context.Context, msg *wire.Message) error {
	h.mu.Lock()
	enc := h.enc
	state := h.state
	h.mu.Unlock()

	if enc == nil || state == StateTerminated || state == StateDegraded {
		return fmt.Errorf("backend %s is %s", h.spec.Name, state)
	}
	return enc.Encode(msg)
}

// armGrace starts the startup grace timer for the given generation. A
// process that produces no valid frame before expiry failed to start.
func (h *Handle) armGrace(gen int, grace time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.grace != nil {
		h.grace.Stop()
	}
	h.grace = time.AfterFunc(grace, func() {
		h.s.failStartup(context.Background(), h, gen)
	})
}

// markFrame records that the current generation produced a valid frame,
// promoting Starting/Degraded to Running.
func (h *Handle) markFrame(gen int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if gen != h.gen || h.stopping {
		return
	}
	if h.grace != nil {
		h.grace.Stop()
		h.grace = nil
	}
	if h.state == StateStarting || h.state == StateDegraded {
		h.state = StateRunning
	}
}

// killProc kills the process backing the given generation, if it is still
// current.
func (h *Handle) killProc(gen int) {
	h.mu.Lock()
	proc := h.proc
	current := gen == h.gen
	h.mu.Unlock()
	if current && proc != nil {
		_ = proc.Kill()
	}
}

// noteMalformed counts a malformed frame within the rolling window and
// reports whether the threshold was crossed.
func (h *Handle) noteMalformed(gen int, threshold int, window time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if gen != h.gen || h.stopping {
		return false
	}
	now := time.Now()
	h.malformed = pruneWindow(h.malformed, now, window)
	h.malformed = append(h.malformed, now)
	return len(h.malformed) > threshold
}
