package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amas-editor/host-proxy-go/internal/logctx"
	"github.com/amas-editor/host-proxy-go/wire"
)

// CancelMethod is the reserved notification method carrying a best-effort
// cancellation toward a backend. Params: {"id": <request id>}.
const CancelMethod = "rpc.cancel"

// DefaultCallTimeout applies to calls without an explicit deadline.
const DefaultCallTimeout = 30 * time.Second

// CallError is the Go-side form of a terminal error outcome for a call.
type CallError struct {
	Err *wire.Error
}

func (e *CallError) Error() string { return e.Err.String() }

// Outcome is the single terminal resolution of a pending call.
type Outcome struct {
	Result json.RawMessage
	Err    *wire.Error
}

// pendingCall tracks one in-flight request issued by this dispatcher toward
// a peer. Exactly one of the terminal producers (response, cancel, timeout,
// backend termination, shutdown) wins the resolved flag.
type pendingCall struct {
	id     uint64
	peer   Peer
	method string
	issued time.Time

	// origin is set for forwarded requests: the requester and its original
	// id, used to route rpc.cancel from the requester and to reply.
	originPeer string
	originID   uint64

	resolved atomic.Bool
	timer    *time.Timer
	deliver  func(Outcome)
}

// Dispatcher routes messages for one session. All table mutations happen
// under a single mutex held only for map operations, never across I/O.
type Dispatcher struct {
	log         *slog.Logger
	callTimeout time.Duration

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]*pendingCall
	origins map[originKey]uint64 // (requester, original id) -> pending id
	routes  map[string][]routeEntry
	subs    []notifSub

	errs chan error

	closed atomic.Bool
}

type originKey struct {
	peer string
	id   uint64
}

type notifSub struct {
	prefix string
	fn     func(ctx context.Context, msg *wire.Message)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = log }
}

// WithCallTimeout sets the default per-call timeout.
func WithCallTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.callTimeout = timeout
		}
	}
}

// New constructs an empty Dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		log:         slog.Default(),
		callTimeout: DefaultCallTimeout,
		pending:     make(map[uint64]*pendingCall),
		origins:     make(map[originKey]uint64),
		routes:      make(map[string][]routeEntry),
		errs:        make(chan error, 16),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Errors exposes asynchronous delivery failures (fire-and-forget notifies,
// reply writes). The channel is never closed; reads should race a done
// signal.
func (d *Dispatcher) Errors() <-chan error { return d.errs }

func (d *Dispatcher) reportErr(err error) {
	select {
	case d.errs <- err:
	default:
		// Nobody draining; drop rather than block dispatch.
	}
}

// CallOption configures one Call.
type CallOption func(*callOpts)

type callOpts struct {
	selector string
	timeout  time.Duration
}

// WithSelector disambiguates among multiple backends serving the namespace.
func WithSelector(selector string) CallOption {
	return func(o *callOpts) { o.selector = selector }
}

// WithTimeout overrides the dispatcher's default call timeout.
func WithTimeout(timeout time.Duration) CallOption {
	return func(o *callOpts) { o.timeout = timeout }
}

// Call issues a request to the backend routed for method and blocks until a
// terminal outcome: response, error response, timeout, cancellation via ctx,
// or backend termination. The returned error is a *CallError when the
// outcome was a protocol-level error.
func (d *Dispatcher) Call(ctx context.Context, method string, params json.RawMessage, opts ...CallOption) (json.RawMessage, error) {
	if d.closed.Load() {
		return nil, &CallError{Err: &wire.Error{Kind: wire.KindSessionClosed, Message: "session closed"}}
	}

	o := callOpts{timeout: d.callTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	entry, werr := d.lookupRoute(method, o.selector)
	if werr != nil {
		return nil, &CallError{Err: werr}
	}

	if entry.local != nil {
		result, lerr := entry.local(ctx, wire.NewRequest(0, method, o.selector, params))
		if lerr != nil {
			return nil, &CallError{Err: lerr}
		}
		raw, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("marshal local result: %w", err)
		}
		return raw, nil
	}

	ch := make(chan Outcome, 1)
	pc := d.newPending(entry.peer, method, o.timeout, func(out Outcome) { ch <- out })

	req := wire.NewRequest(pc.id, method, o.selector, params)
	if err := entry.peer.Send(ctx, req); err != nil {
		d.resolve(pc, Outcome{Err: &wire.Error{Kind: wire.KindBackendGone, Message: err.Error()}})
		return nil, &CallError{Err: (<-ch).Err}
	}

	select {
	case out := <-ch:
		if out.Err != nil {
			return nil, &CallError{Err: out.Err}
		}
		return out.Result, nil
	case <-ctx.Done():
		d.cancelPending(pc)
		out := <-ch
		if out.Err != nil {
			return nil, &CallError{Err: out.Err}
		}
		// Response won the race against cancellation.
		return out.Result, nil
	}
}

// Notify sends a fire-and-forget notification to the backend routed for
// method. Delivery failures are reported on the Errors channel, never by
// blocking or failing the caller.
func (d *Dispatcher) Notify(ctx context.Context, method string, params json.RawMessage, opts ...CallOption) {
	o := callOpts{}
	for _, opt := range opts {
		opt(&o)
	}

	entry, werr := d.lookupRoute(method, o.selector)
	if werr != nil {
		d.reportErr(fmt.Errorf("notify %s: %s", method, werr))
		return
	}

	msg := wire.NewNotification(method, params)
	if entry.local != nil {
		go func() {
			if _, lerr := entry.local(ctx, msg); lerr != nil {
				d.reportErr(fmt.Errorf("notify %s: %s", method, lerr))
			}
		}()
		return
	}
	if err := entry.peer.Send(ctx, msg); err != nil {
		d.reportErr(fmt.Errorf("notify %s: %w", method, err))
	}
}

// SubscribeNotifications registers fn for inbound notifications whose method
// starts with prefix. Multiple subscribers may match one notification.
func (d *Dispatcher) SubscribeNotifications(prefix string, fn func(ctx context.Context, msg *wire.Message)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs = append(d.subs, notifSub{prefix: prefix, fn: fn})
}

// DispatchInbound is the single entry point for every decoded frame, whether
// it arrived from the frontend or from a backend's output stream.
func (d *Dispatcher) DispatchInbound(ctx context.Context, msg *wire.Message, from Peer) {
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		Type:   string(msg.Type()),
	})

	switch msg.Type() {
	case wire.TypeRequest:
		d.dispatchRequest(ctx, msg, from)
	case wire.TypeResponse:
		d.dispatchResponse(ctx, msg, from)
	case wire.TypeNotification:
		d.dispatchNotification(ctx, msg, from)
	}
}

func (d *Dispatcher) dispatchRequest(ctx context.Context, req *wire.Message, from Peer) {
	origID := *req.ID

	entry, werr := d.lookupRoute(req.Method, req.Selector)
	if werr != nil {
		d.reply(ctx, from, wire.NewErrorResponse(origID, werr.Kind, werr.Message, werr.Data))
		return
	}

	if entry.local != nil {
		// Local handlers may block (file reads, subprocess spawns); never
		// run them on the dispatch goroutine.
		go func() {
			result, lerr := entry.local(ctx, req)
			if lerr != nil {
				d.reply(ctx, from, wire.NewErrorResponse(origID, lerr.Kind, lerr.Message, lerr.Data))
				return
			}
			resp, err := wire.NewResultResponse(origID, result)
			if err != nil {
				d.reply(ctx, from, wire.NewErrorResponse(origID, wire.KindInternal, err.Error(), nil))
				return
			}
			d.reply(ctx, from, resp)
		}()
		return
	}

	// Forward to a backend peer under a fresh id; the eventual outcome is
	// translated back into a response carrying the requester's id.
	fromID := from.PeerID()
	pc := d.newPending(entry.peer, req.Method, d.callTimeout, func(out Outcome) {
		var resp *wire.Message
		switch {
		case out.Err != nil:
			resp = wire.NewErrorResponse(origID, out.Err.Kind, out.Err.Message, out.Err.Data)
		case len(out.Result) > 0:
			resp = &wire.Message{ID: &origID, Result: out.Result}
		default:
			resp = &wire.Message{ID: &origID, Result: json.RawMessage("null")}
		}
		d.reply(context.Background(), from, resp)
	})
	pc.originPeer = fromID
	pc.originID = origID

	d.mu.Lock()
	d.origins[originKey{peer: fromID, id: origID}] = pc.id
	d.mu.Unlock()

	fwd := wire.NewRequest(pc.id, req.Method, req.Selector, req.Params)
	if err := entry.peer.Send(ctx, fwd); err != nil {
		d.resolve(pc, Outcome{Err: &wire.Error{Kind: wire.KindBackendGone, Message: err.Error()}})
	}
}

func (d *Dispatcher) dispatchResponse(ctx context.Context, msg *wire.Message, from Peer) {
	d.mu.Lock()
	pc, ok := d.pending[*msg.ID]
	d.mu.Unlock()

	if !ok || pc.peer.PeerID() != from.PeerID() {
		// Late arrival after cancellation/timeout, or an id we never issued.
		d.log.DebugContext(ctx, "dropping unmatched response",
			slog.Uint64("id", *msg.ID), slog.String("from", from.PeerID()))
		return
	}

	out := Outcome{Result: msg.Result}
	if msg.Error != nil {
		out = Outcome{Err: msg.Error}
	}
	d.resolve(pc, out)
}

func (d *Dispatcher) dispatchNotification(ctx context.Context, msg *wire.Message, from Peer) {
	if msg.Method == CancelMethod {
		d.handleCancel(ctx, msg, from)
		return
	}

	d.mu.Lock()
	var matched []notifSub
	for _, s := range d.subs {
		if strings.HasPrefix(msg.Method, s.prefix) {
			matched = append(matched, s)
		}
	}
	d.mu.Unlock()

	if len(matched) == 0 {
		d.log.DebugContext(ctx, "dropping unmatched notification",
			slog.String("method", msg.Method), slog.String("from", from.PeerID()))
		return
	}
	for _, s := range matched {
		s.fn(ctx, msg)
	}
}

// handleCancel processes rpc.cancel from a requester: the forwarded call
// resolves locally as cancelled and the cancellation is relayed best-effort
// to the backend.
func (d *Dispatcher) handleCancel(ctx context.Context, msg *wire.Message, from Peer) {
	var p struct {
		ID uint64 `json:"id"`
	}
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		d.log.DebugContext(ctx, "malformed rpc.cancel params", slog.String("err", err.Error()))
		return
	}

	d.mu.Lock()
	pendingID, ok := d.origins[originKey{peer: from.PeerID(), id: p.ID}]
	var pc *pendingCall
	if ok {
		pc = d.pending[pendingID]
	}
	d.mu.Unlock()
	if pc == nil {
		return
	}
	d.cancelPending(pc)
}

// cancelPending resolves pc as cancelled and relays rpc.cancel toward the
// backend. The backend's eventual response, if any, is dropped as unmatched.
func (d *Dispatcher) cancelPending(pc *pendingCall) {
	raw, _ := json.Marshal(struct {
		ID uint64 `json:"id"`
	}{ID: pc.id})
	if err := pc.peer.Send(context.Background(), wire.NewNotification(CancelMethod, raw)); err != nil {
		d.log.Debug("cancel relay failed", slog.String("peer", pc.peer.PeerID()), slog.String("err", err.Error()))
	}
	d.resolve(pc, Outcome{Err: &wire.Error{Kind: wire.KindCancelled, Message: "cancelled by caller"}})
}

// FailBackend resolves every pending call routed to p with the given error
// kind, then removes p from all route entries. The resolution happens before
// route removal, matching the termination cascade contract.
func (d *Dispatcher) FailBackend(p Peer, kind, message string) {
	d.mu.Lock()
	var doomed []*pendingCall
	for _, pc := range d.pending {
		if pc.peer.PeerID() == p.PeerID() {
			doomed = append(doomed, pc)
		}
	}
	d.mu.Unlock()

	for _, pc := range doomed {
		d.resolve(pc, Outcome{Err: &wire.Error{Kind: kind, Message: message}})
	}

	touched := d.removePeerRoutes(p)
	if len(touched) > 0 {
		d.log.Info("backend removed from routes",
			slog.String("backend", p.PeerID()), slog.Any("namespaces", touched))
	}
}

// Shutdown resolves every pending call with "session closed" and stops
// accepting new calls.
func (d *Dispatcher) Shutdown() {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	d.mu.Lock()
	var all []*pendingCall
	for _, pc := range d.pending {
		all = append(all, pc)
	}
	d.routes = make(map[string][]routeEntry)
	d.mu.Unlock()

	for _, pc := range all {
		d.resolve(pc, Outcome{Err: &wire.Error{Kind: wire.KindSessionClosed, Message: "session closed"}})
	}
}

// newPending allocates an id, registers the pending entry, and arms its
// timeout. deliver runs exactly once with the terminal outcome.
func (d *Dispatcher) newPending(p Peer, method string, timeout time.Duration, deliver func(Outcome)) *pendingCall {
	pc := &pendingCall{
		id:      d.nextID.Add(1),
		peer:    p,
		method:  method,
		issued:  time.Now(),
		deliver: deliver,
	}

	d.mu.Lock()
	d.pending[pc.id] = pc
	d.mu.Unlock()

	if d.closed.Load() {
		// Shutdown may have drained the table between the caller's closed
		// check and this insert; resolve the straggler the same way.
		d.resolve(pc, Outcome{Err: &wire.Error{Kind: wire.KindSessionClosed, Message: "session closed"}})
		return pc
	}

	if timeout > 0 {
		pc.timer = time.AfterFunc(timeout, func() {
			d.log.Warn("call timed out",
				slog.String("method", pc.method),
				slog.String("backend", pc.peer.PeerID()),
				slog.Duration("timeout", timeout))
			d.resolve(pc, Outcome{Err: &wire.Error{Kind: wire.KindTimedOut, Message: fmt.Sprintf("%s timed out after %s", pc.method, timeout)}})
		})
	}
	return pc
}

// resolve delivers the terminal outcome at most once and removes the entry
// from the pending tables.
func (d *Dispatcher) resolve(pc *pendingCall, out Outcome) {
	if !pc.resolved.CompareAndSwap(false, true) {
		return
	}
	if pc.timer != nil {
		pc.timer.Stop()
	}

	d.mu.Lock()
	delete(d.pending, pc.id)
	if pc.originPeer != "" {
		delete(d.origins, originKey{peer: pc.originPeer, id: pc.originID})
	}
	d.mu.Unlock()

	if out.Err != nil {
		switch out.Err.Kind {
		case wire.KindBackendGone, wire.KindTimedOut:
			d.log.Warn("call failed",
				slog.String("method", pc.method),
				slog.String("backend", pc.peer.PeerID()),
				slog.String("kind", out.Err.Kind))
		}
	}
	pc.deliver(out)
}

// reply writes a response toward a requester; failures surface on the
// Errors channel because the requester may have disconnected meanwhile.
func (d *Dispatcher) reply(ctx context.Context, to Peer, resp *wire.Message) {
	if err := to.Send(ctx, resp); err != nil {
		d.reportErr(fmt.Errorf("reply to %s: %w", to.PeerID(), err))
	}
}

// PendingCount reports the number of in-flight calls. Intended for tests and
// diagnostics.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
