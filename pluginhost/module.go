package pluginhost

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/amas-editor/host-proxy-go/wire"
)

// Call is one inbound RPC delivered to a module.
type Call struct {
	Method string
	Params json.RawMessage
}

// Module is the contract a plugin implementation fulfills. Serve handles one
// call at a time from the host's perspective of a single request; the host
// invokes it concurrently, so implementations guard their own state. Stop is
// called once when the instance is unloaded or replaced.
type Module interface {
	Serve(ctx context.Context, call Call, caps *Caps) (any, *wire.Error)
	Stop(ctx context.Context) error
}

// Factory builds a fresh module for a manifest. The host calls it again
// when restarting a degraded instance.
type Factory func(m Manifest) (Module, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{}
)

// RegisterModule makes a factory available under a plugin name. It panics on
// a duplicate name, mirroring how driver registries behave: duplicates are a
// programmer error, not a runtime condition.
func RegisterModule(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if f == nil {
		panic("pluginhost: RegisterModule with nil factory")
	}
	if _, dup := factories[name]; dup {
		panic(fmt.Sprintf("pluginhost: RegisterModule called twice for %q", name))
	}
	factories[name] = f
}

// RegisteredModules lists the registered plugin names, sorted.
func RegisteredModules() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookupFactory(name string) (Factory, bool) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := factories[name]
	return f, ok
}
