package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/amas-editor/host-proxy-go/wire"
)

// fakePeer records everything sent to it and can answer requests with a
// configurable hook, optionally after a delay.
type fakePeer struct {
	id string

	mu      sync.Mutex
	sent    []*wire.Message
	sendErr error
	onSend  func(msg *wire.Message)
}

func newFakePeer(id string) *fakePeer { return &fakePeer{id: id} }

func (p *fakePeer) PeerID() string { return p.id }

func (p *fakePeer) Send(ctx context.Context, msg *wire.Message) error {
	p.mu.Lock()
	p.sent = append(p.sent, msg)
	err := p.sendErr
	hook := p.onSend
	p.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		hook(msg)
	}
	return nil
}

func (p *fakePeer) sentMessages() []*wire.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*wire.Message, len(p.sent))
	copy(out, p.sent)
	return out
}

// respondWith wires the peer to answer every request through the dispatcher
// after the latency returned by delay.
func respondWith(d *Dispatcher, p *fakePeer, delay func() time.Duration, result func(req *wire.Message) any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onSend = func(msg *wire.Message) {
		if msg.Type() != wire.TypeRequest {
			return
		}
		req := *msg
		go func() {
			if delay != nil {
				time.Sleep(delay())
			}
			resp, err := wire.NewResultResponse(*req.ID, result(&req))
			if err != nil {
				panic(err)
			}
			d.DispatchInbound(context.Background(), resp, p)
		}()
	}
}

func callErrKind(t *testing.T, err error) string {
	t.Helper()
	var ce *CallError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CallError, got %v", err)
	}
	return ce.Err.Kind
}

func TestCallRoutesAndReturnsResult(t *testing.T) {
	t.Parallel()

	d := New()
	backend := newFakePeer("lsp-1")
	respondWith(d, backend, nil, func(req *wire.Message) any {
		return map[string]any{"echo": req.Method}
	})
	if err := d.RegisterRoute("textlsp", "go", backend); err != nil {
		t.Fatalf("register: %v", err)
	}

	result, err := d.Call(context.Background(), "textlsp.hover", nil, WithSelector("go"))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(result, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["echo"] != "textlsp.hover" {
		t.Fatalf("unexpected result: %v", got)
	}
}

func TestCallMethodNotFoundThenRegistered(t *testing.T) {
	t.Parallel()

	d := New()

	_, err := d.Call(context.Background(), "textlsp.hover", nil, WithSelector("rust"))
	if kind := callErrKind(t, err); kind != wire.KindMethodNotFound {
		t.Fatalf("expected method not found, got %q", kind)
	}

	backend := newFakePeer("rust-analyzer")
	respondWith(d, backend, nil, func(*wire.Message) any { return "ok" })
	if err := d.RegisterRoute("textlsp", "rust", backend); err != nil {
		t.Fatalf("register: %v", err)
	}

	result, err := d.Call(context.Background(), "textlsp.hover", nil, WithSelector("rust"))
	if err != nil {
		t.Fatalf("call after register: %v", err)
	}
	if string(result) != `"ok"` {
		t.Fatalf("unexpected result: %s", result)
	}
}

func TestCallAmbiguousRoute(t *testing.T) {
	t.Parallel()

	d := New()
	if err := d.RegisterRoute("textlsp", "go", newFakePeer("a")); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if err := d.RegisterRoute("textlsp", "rust", newFakePeer("b")); err != nil {
		t.Fatalf("register b: %v", err)
	}

	_, err := d.Call(context.Background(), "textlsp.hover", nil)
	if kind := callErrKind(t, err); kind != wire.KindAmbiguousRoute {
		t.Fatalf("expected ambiguous route, got %q", kind)
	}

	// An explicit selector resolves the ambiguity.
	backend := newFakePeer("c")
	respondWith(d, backend, nil, func(*wire.Message) any { return true })
	if err := d.RegisterRoute("fmt", "x", backend); err != nil {
		t.Fatalf("register c: %v", err)
	}
	if _, err := d.Call(context.Background(), "fmt.run", nil, WithSelector("x")); err != nil {
		t.Fatalf("selector call: %v", err)
	}
}

func TestUnqualifiedRouteServesAnySelector(t *testing.T) {
	t.Parallel()

	d := New()
	backend := newFakePeer("multi-lsp")
	respondWith(d, backend, nil, func(*wire.Message) any { return "unqualified" })
	if err := d.RegisterRoute("textlsp", "", backend); err != nil {
		t.Fatalf("register: %v", err)
	}

	// A selector the backend never registered still routes to it.
	result, err := d.Call(context.Background(), "textlsp.hover", nil, WithSelector("rust"))
	if err != nil {
		t.Fatalf("selector call against unqualified backend: %v", err)
	}
	if string(result) != `"unqualified"` {
		t.Fatalf("unexpected result: %s", result)
	}

	// An exact registration takes precedence over the unqualified one.
	exact := newFakePeer("rust-analyzer")
	respondWith(d, exact, nil, func(*wire.Message) any { return "exact" })
	if err := d.RegisterRoute("textlsp", "rust", exact); err != nil {
		t.Fatalf("register exact: %v", err)
	}
	result, err = d.Call(context.Background(), "textlsp.hover", nil, WithSelector("rust"))
	if err != nil {
		t.Fatalf("call after exact register: %v", err)
	}
	if string(result) != `"exact"` {
		t.Fatalf("exact registration not preferred: %s", result)
	}
}

func TestDuplicateRouteRejected(t *testing.T) {
	t.Parallel()

	d := New()
	if err := d.RegisterRoute("term", "", newFakePeer("a")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := d.RegisterRoute("term", "", newFakePeer("b")); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestPerBackendIssuanceOrder(t *testing.T) {
	t.Parallel()

	d := New()
	backend := newFakePeer("lsp")
	// Random response latency: completion order may scramble, issuance
	// order toward the backend must not.
	respondWith(d, backend, func() time.Duration {
		return time.Duration(rand.Intn(5)) * time.Millisecond
	}, func(req *wire.Message) any { return nil })
	if err := d.RegisterRoute("textlsp", "", backend); err != nil {
		t.Fatalf("register: %v", err)
	}

	const n = 50
	for i := 0; i < n; i++ {
		method := fmt.Sprintf("textlsp.m%03d", i)
		if _, err := d.Call(context.Background(), method, nil); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	var idx int
	var lastID uint64
	for _, msg := range backend.sentMessages() {
		if msg.Type() != wire.TypeRequest {
			continue
		}
		want := fmt.Sprintf("textlsp.m%03d", idx)
		if msg.Method != want {
			t.Fatalf("request %d out of order: got %s, want %s", idx, msg.Method, want)
		}
		if msg.ID == nil || *msg.ID <= lastID {
			t.Fatalf("request ids not strictly increasing at %d", idx)
		}
		lastID = *msg.ID
		idx++
	}
	if idx != n {
		t.Fatalf("expected %d requests, saw %d", n, idx)
	}
}

func TestUnknownResponseAndNotificationAreInert(t *testing.T) {
	t.Parallel()

	d := New()
	backend := newFakePeer("lsp")
	if err := d.RegisterRoute("textlsp", "", backend); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Response with an id that was never issued.
	stray, err := wire.NewResultResponse(9999, "stray")
	if err != nil {
		t.Fatalf("response: %v", err)
	}
	d.DispatchInbound(context.Background(), stray, backend)

	// Notification nobody subscribed to.
	d.DispatchInbound(context.Background(), wire.NewNotification("unknown.event", nil), backend)

	if n := d.PendingCount(); n != 0 {
		t.Fatalf("pending table mutated: %d entries", n)
	}
	// The backend must still be routable.
	respondWith(d, backend, nil, func(*wire.Message) any { return "ok" })
	if _, err := d.Call(context.Background(), "textlsp.hover", nil); err != nil {
		t.Fatalf("call after stray traffic: %v", err)
	}
}

func TestFailBackendResolvesExactlyOutstandingCalls(t *testing.T) {
	t.Parallel()

	d := New()
	doomed := newFakePeer("dying")
	healthy := newFakePeer("healthy")
	if err := d.RegisterRoute("textlsp", "a", doomed); err != nil {
		t.Fatalf("register doomed: %v", err)
	}
	if err := d.RegisterRoute("textlsp", "b", healthy); err != nil {
		t.Fatalf("register healthy: %v", err)
	}

	const n = 3
	results := make(chan error, n+1)
	for i := 0; i < n; i++ {
		go func() {
			_, err := d.Call(context.Background(), "textlsp.hover", nil, WithSelector("a"))
			results <- err
		}()
	}
	// One call against the healthy backend must be untouched.
	healthyDone := make(chan error, 1)
	go func() {
		_, err := d.Call(context.Background(), "textlsp.hover", nil, WithSelector("b"))
		healthyDone <- err
	}()

	// Wait until all four requests are in flight.
	deadline := time.Now().Add(2 * time.Second)
	for d.PendingCount() < n+1 {
		if time.Now().After(deadline) {
			t.Fatalf("calls never became pending: %d", d.PendingCount())
		}
		time.Sleep(time.Millisecond)
	}

	d.FailBackend(doomed, wire.KindBackendGone, "process exited")

	for i := 0; i < n; i++ {
		err := <-results
		if kind := callErrKind(t, err); kind != wire.KindBackendGone {
			t.Fatalf("call %d: expected backend gone, got %q", i, kind)
		}
	}

	// The failed backend is out of the route table.
	_, err := d.Call(context.Background(), "textlsp.hover", nil, WithSelector("a"))
	if kind := callErrKind(t, err); kind != wire.KindMethodNotFound {
		t.Fatalf("expected method not found after removal, got %q", kind)
	}

	// The healthy backend's call is still pending, then completes normally.
	select {
	case err := <-healthyDone:
		t.Fatalf("healthy call resolved by another backend's failure: %v", err)
	default:
	}
	resp, err := wire.NewResultResponse(*lastRequestID(t, healthy), "late but fine")
	if err != nil {
		t.Fatalf("response: %v", err)
	}
	d.DispatchInbound(context.Background(), resp, healthy)
	if err := <-healthyDone; err != nil {
		t.Fatalf("healthy call: %v", err)
	}
}

func lastRequestID(t *testing.T, p *fakePeer) *uint64 {
	t.Helper()
	msgs := p.sentMessages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Type() == wire.TypeRequest {
			return msgs[i].ID
		}
	}
	t.Fatal("no request sent to peer")
	return nil
}

func TestCallTimeoutThenLateResponseDropped(t *testing.T) {
	t.Parallel()

	d := New(WithCallTimeout(20 * time.Millisecond))
	backend := newFakePeer("slow")
	if err := d.RegisterRoute("textlsp", "", backend); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err := d.Call(context.Background(), "textlsp.hover", nil)
	if kind := callErrKind(t, err); kind != wire.KindTimedOut {
		t.Fatalf("expected timed out, got %q", kind)
	}

	// The late response is discarded without touching tables.
	resp, rerr := wire.NewResultResponse(*lastRequestID(t, backend), "late")
	if rerr != nil {
		t.Fatalf("response: %v", rerr)
	}
	d.DispatchInbound(context.Background(), resp, backend)
	if n := d.PendingCount(); n != 0 {
		t.Fatalf("pending table mutated by late response: %d", n)
	}
}

func TestCallContextCancelSendsCancelNotification(t *testing.T) {
	t.Parallel()

	d := New()
	backend := newFakePeer("lsp")
	if err := d.RegisterRoute("textlsp", "", backend); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := d.Call(ctx, "textlsp.hover", nil)
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for d.PendingCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("call never became pending")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	err := <-done
	if kind := callErrKind(t, err); kind != wire.KindCancelled {
		t.Fatalf("expected cancelled, got %q", kind)
	}

	var sawCancel bool
	for _, msg := range backend.sentMessages() {
		if msg.Type() == wire.TypeNotification && msg.Method == CancelMethod {
			sawCancel = true
		}
	}
	if !sawCancel {
		t.Fatal("no rpc.cancel relayed to backend")
	}
}

func TestNoDoubleResolutionUnderRacingProducers(t *testing.T) {
	t.Parallel()

	const rounds = 200
	for i := 0; i < rounds; i++ {
		d := New(WithCallTimeout(time.Duration(rand.Intn(3)+1) * time.Millisecond))
		backend := newFakePeer("racy")
		if err := d.RegisterRoute("x", "", backend); err != nil {
			t.Fatalf("register: %v", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		resolved := make(chan error, 1)
		go func() {
			_, err := d.Call(ctx, "x.op", nil)
			resolved <- err
		}()

		// Three producers race: response, context cancel, timeout.
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
			if id := requestIDIfAny(backend); id != nil {
				resp, _ := wire.NewResultResponse(*id, "won")
				d.DispatchInbound(context.Background(), resp, backend)
			}
		}()
		go func() {
			defer wg.Done()
			time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
			cancel()
		}()

		select {
		case <-resolved:
		case <-time.After(5 * time.Second):
			t.Fatal("call never resolved")
		}
		wg.Wait()
		cancel()

		// Exactly one resolution happened: a second would have panicked on
		// the closed result channel or left the pending table dirty.
		if n := d.PendingCount(); n != 0 {
			t.Fatalf("round %d: pending table not empty: %d", i, n)
		}
		select {
		case err := <-resolved:
			t.Fatalf("round %d: call resolved twice: %v", i, err)
		default:
		}
	}
}

func requestIDIfAny(p *fakePeer) *uint64 {
	for _, msg := range p.sentMessages() {
		if msg.Type() == wire.TypeRequest {
			return msg.ID
		}
	}
	return nil
}

func TestDispatchInboundForwardsWithIDRemap(t *testing.T) {
	t.Parallel()

	d := New()
	frontend := newFakePeer("frontend")
	backend := newFakePeer("lsp")
	respondWith(d, backend, nil, func(req *wire.Message) any {
		return map[string]any{"forwarded": req.Method}
	})
	if err := d.RegisterRoute("textlsp", "", backend); err != nil {
		t.Fatalf("register: %v", err)
	}

	req := wire.NewRequest(77, "textlsp.hover", "", json.RawMessage(`{"line":1}`))
	d.DispatchInbound(context.Background(), req, frontend)

	resp := waitForResponse(t, frontend, 77)
	if resp.Error != nil {
		t.Fatalf("unexpected error response: %v", resp.Error)
	}

	// The backend saw a proxy-issued id, not the frontend's.
	fwd := backend.sentMessages()[0]
	if fwd.ID == nil || *fwd.ID == 77 {
		t.Fatalf("request id not remapped: %v", fwd.ID)
	}
}

func TestDispatchInboundRequestNoRoute(t *testing.T) {
	t.Parallel()

	d := New()
	frontend := newFakePeer("frontend")
	d.DispatchInbound(context.Background(), wire.NewRequest(5, "nobody.home", "", nil), frontend)

	resp := waitForResponse(t, frontend, 5)
	if resp.Error == nil || resp.Error.Kind != wire.KindMethodNotFound {
		t.Fatalf("expected method not found response, got %+v", resp)
	}
}

func TestFrontendCancelOfForwardedRequest(t *testing.T) {
	t.Parallel()

	d := New()
	frontend := newFakePeer("frontend")
	backend := newFakePeer("lsp")
	if err := d.RegisterRoute("textlsp", "", backend); err != nil {
		t.Fatalf("register: %v", err)
	}

	d.DispatchInbound(context.Background(), wire.NewRequest(9, "textlsp.rename", "", nil), frontend)
	raw, _ := json.Marshal(map[string]uint64{"id": 9})
	d.DispatchInbound(context.Background(), wire.NewNotification(CancelMethod, raw), frontend)

	resp := waitForResponse(t, frontend, 9)
	if resp.Error == nil || resp.Error.Kind != wire.KindCancelled {
		t.Fatalf("expected cancelled response, got %+v", resp)
	}

	// The backend received the relayed cancellation.
	var sawCancel bool
	for _, msg := range backend.sentMessages() {
		if msg.Type() == wire.TypeNotification && msg.Method == CancelMethod {
			sawCancel = true
		}
	}
	if !sawCancel {
		t.Fatal("cancel not relayed to backend")
	}

	// The backend's eventual response is dropped.
	late, _ := wire.NewResultResponse(*requestIDIfAny(backend), "late")
	d.DispatchInbound(context.Background(), late, backend)
	if got := countResponses(frontend, 9); got != 1 {
		t.Fatalf("frontend saw %d responses for id 9, want 1", got)
	}
}

func TestLocalHandlerServesRequests(t *testing.T) {
	t.Parallel()

	d := New()
	frontend := newFakePeer("frontend")
	err := d.RegisterLocal("watch", "", func(ctx context.Context, req *wire.Message) (any, *wire.Error) {
		if req.Method == "watch.subscribe" {
			return map[string]string{"subscription": "sub-1"}, nil
		}
		return nil, &wire.Error{Kind: wire.KindMethodNotFound, Message: req.Method}
	})
	if err != nil {
		t.Fatalf("register local: %v", err)
	}

	d.DispatchInbound(context.Background(), wire.NewRequest(1, "watch.subscribe", "", nil), frontend)
	resp := waitForResponse(t, frontend, 1)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
}

func TestShutdownResolvesSessionClosed(t *testing.T) {
	t.Parallel()

	d := New()
	backend := newFakePeer("lsp")
	if err := d.RegisterRoute("textlsp", "", backend); err != nil {
		t.Fatalf("register: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := d.Call(context.Background(), "textlsp.hover", nil)
		done <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for d.PendingCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("call never became pending")
		}
		time.Sleep(time.Millisecond)
	}

	d.Shutdown()
	if kind := callErrKind(t, <-done); kind != wire.KindSessionClosed {
		t.Fatalf("expected session closed, got %q", kind)
	}

	_, err := d.Call(context.Background(), "textlsp.hover", nil)
	if kind := callErrKind(t, err); kind != wire.KindSessionClosed {
		t.Fatalf("expected session closed for new call, got %q", kind)
	}
}

func TestPendingRegisteredDuringShutdownResolvesSessionClosed(t *testing.T) {
	t.Parallel()

	d := New()
	backend := newFakePeer("lsp")
	if err := d.RegisterRoute("textlsp", "", backend); err != nil {
		t.Fatalf("register: %v", err)
	}
	d.Shutdown()

	// A pending entry that slips in after the drain must resolve as
	// session closed, not wait out its timeout.
	done := make(chan Outcome, 1)
	pc := d.newPending(backend, "textlsp.hover", time.Minute, func(out Outcome) { done <- out })
	select {
	case out := <-done:
		if out.Err == nil || out.Err.Kind != wire.KindSessionClosed {
			t.Fatalf("expected session closed, got %+v", out)
		}
	case <-time.After(time.Second):
		t.Fatal("straggler pending entry never resolved")
	}
	if pc.timer != nil {
		t.Fatal("timeout armed on a resolved straggler")
	}
	if n := d.PendingCount(); n != 0 {
		t.Fatalf("pending table not empty: %d", n)
	}
}

func TestNotificationFanout(t *testing.T) {
	t.Parallel()

	d := New()
	backend := newFakePeer("watcher")
	got := make(chan string, 2)
	d.SubscribeNotifications("watch.", func(ctx context.Context, msg *wire.Message) {
		got <- msg.Method
	})
	d.SubscribeNotifications("watch.event", func(ctx context.Context, msg *wire.Message) {
		got <- msg.Method
	})

	d.DispatchInbound(context.Background(), wire.NewNotification("watch.event", nil), backend)
	for i := 0; i < 2; i++ {
		select {
		case m := <-got:
			if m != "watch.event" {
				t.Fatalf("unexpected method %q", m)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber not invoked")
		}
	}
}

func waitForResponse(t *testing.T, p *fakePeer, id uint64) *wire.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		for _, msg := range p.sentMessages() {
			if msg.Type() == wire.TypeResponse && msg.ID != nil && *msg.ID == id {
				return msg
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("no response for id %d", id)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func countResponses(p *fakePeer, id uint64) int {
	n := 0
	for _, msg := range p.sentMessages() {
		if msg.Type() == wire.TypeResponse && msg.ID != nil && *msg.ID == id {
			n++
		}
	}
	return n
}
