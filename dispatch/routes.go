package dispatch

import (
	"context"
	"fmt"

	"github.com/amas-editor/host-proxy-go/wire"
)

// Peer is anything protocol messages can be sent to: the frontend
// connection, a supervised process, or a plugin instance. Implementations
// must serialize concurrent Sends to their underlying stream.
type Peer interface {
	PeerID() string
	Send(ctx context.Context, msg *wire.Message) error
}

// HandlerFunc serves a request inside the proxy process. A non-nil *wire.Error
// return becomes an error response; otherwise the result is marshaled into a
// success response.
type HandlerFunc func(ctx context.Context, req *wire.Message) (any, *wire.Error)

// routeEntry is one registration under a namespace: either a peer backend or
// a local handler, qualified by an optional selector.
type routeEntry struct {
	selector string
	peer     Peer
	local    HandlerFunc
}

// RegisterRoute registers a peer backend for a method namespace. An empty
// selector registers the backend as the namespace's sole unqualified target,
// serving requests with any selector unless an exact registration matches.
// Registering a (namespace, selector) pair twice is an error.
func (d *Dispatcher) RegisterRoute(namespace, selector string, p Peer) error {
	if p == nil {
		return fmt.Errorf("register %s: nil peer", namespace)
	}
	return d.addRoute(namespace, routeEntry{selector: selector, peer: p})
}

// RegisterLocal registers an in-process handler for a method namespace.
func (d *Dispatcher) RegisterLocal(namespace, selector string, fn HandlerFunc) error {
	if fn == nil {
		return fmt.Errorf("register %s: nil handler", namespace)
	}
	return d.addRoute(namespace, routeEntry{selector: selector, local: fn})
}

func (d *Dispatcher) addRoute(namespace string, e routeEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.routes[namespace] {
		if existing.selector == e.selector {
			return fmt.Errorf("route %s[%s]: already registered", namespace, e.selector)
		}
	}
	d.routes[namespace] = append(d.routes[namespace], e)
	return nil
}

// UnregisterRoute removes the (namespace, selector) registration if present.
// In-flight calls already dispatched through the route still resolve
// normally; unregistration affects routing of future requests only.
func (d *Dispatcher) UnregisterRoute(namespace, selector string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entries := d.routes[namespace]
	for i, e := range entries {
		if e.selector == selector {
			d.routes[namespace] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(d.routes[namespace]) == 0 {
		delete(d.routes, namespace)
	}
}

// lookupRoute resolves (method, selector) to a single entry. Callers hold no
// lock; the returned entry is a copy.
func (d *Dispatcher) lookupRoute(method, selector string) (routeEntry, *wire.Error) {
	ns := wire.Namespace(method)

	d.mu.Lock()
	entries := d.routes[ns]
	var matches []routeEntry
	for _, e := range entries {
		if selector == "" || e.selector == selector {
			matches = append(matches, e)
		}
	}
	if selector != "" && len(matches) == 0 {
		// An unqualified registration serves any request selector; exact
		// registrations take precedence over it.
		for _, e := range entries {
			if e.selector == "" {
				matches = append(matches, e)
			}
		}
	}
	d.mu.Unlock()

	switch {
	case len(matches) == 1:
		return matches[0], nil
	case len(matches) == 0:
		return routeEntry{}, &wire.Error{
			Kind:    wire.KindMethodNotFound,
			Message: fmt.Sprintf("no backend serves %s", method),
		}
	default:
		// More than one match is only legal when a selector disambiguates.
		if selector == "" {
			return routeEntry{}, &wire.Error{
				Kind:    wire.KindAmbiguousRoute,
				Message: fmt.Sprintf("%d backends serve %s; a selector is required", len(matches), ns),
			}
		}
		return routeEntry{}, &wire.Error{
			Kind:    wire.KindAmbiguousRoute,
			Message: fmt.Sprintf("selector %q matches %d backends under %s", selector, len(matches), ns),
		}
	}
}

// removePeerRoutes strips p from every namespace. Returns the namespaces
// that referenced it.
func (d *Dispatcher) removePeerRoutes(p Peer) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var touched []string
	for ns, entries := range d.routes {
		kept := entries[:0]
		for _, e := range entries {
			if e.peer != nil && e.peer.PeerID() == p.PeerID() {
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) != len(entries) {
			touched = append(touched, ns)
		}
		if len(kept) == 0 {
			delete(d.routes, ns)
		} else {
			d.routes[ns] = kept
		}
	}
	return touched
}
