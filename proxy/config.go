package proxy

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/amas-editor/host-proxy-go/supervisor"
)

// Config is the immutable per-process configuration. Sessions treat it as
// fixed input for their whole lifetime.
type Config struct {
	// WorkspaceRoot anchors filesystem capabilities, watches, and backend
	// working directories. ENV: AMAS_WORKSPACE_ROOT
	WorkspaceRoot string `env:"AMAS_WORKSPACE_ROOT,default=."`

	// ListenAddr enables the TCP listener when set, e.g. ":7763". Empty
	// means stdio only. ENV: AMAS_LISTEN_ADDR
	ListenAddr string `env:"AMAS_LISTEN_ADDR"`

	// AuthKey is the HMAC secret remote sessions must present a token
	// signed with. Remote connections are refused without it.
	// ENV: AMAS_AUTH_KEY
	AuthKey string `env:"AMAS_AUTH_KEY"`

	// Backends is a JSON array of backend process specs started at session
	// open. ENV: AMAS_BACKENDS
	Backends string `env:"AMAS_BACKENDS"`

	// PluginPath is the plugin search directory. Empty disables plugins.
	// ENV: AMAS_PLUGIN_PATH
	PluginPath string `env:"AMAS_PLUGIN_PATH"`

	// CallTimeout bounds every forwarded call. ENV: AMAS_CALL_TIMEOUT
	CallTimeout time.Duration `env:"AMAS_CALL_TIMEOUT,default=30s"`

	// MaxFrameSize caps frame payloads in bytes. ENV: AMAS_MAX_FRAME_SIZE
	MaxFrameSize int `env:"AMAS_MAX_FRAME_SIZE,default=8388608"`

	// WatchDebounce is the filesystem event coalescing window.
	// ENV: AMAS_WATCH_DEBOUNCE
	WatchDebounce time.Duration `env:"AMAS_WATCH_DEBOUNCE,default=50ms"`

	// Shell overrides the default terminal shell. ENV: AMAS_SHELL
	Shell string `env:"AMAS_SHELL"`

	// StorageBackend selects "memory" or "redis". ENV: AMAS_STORAGE
	StorageBackend string `env:"AMAS_STORAGE,default=memory"`

	// StorageMaxItems bounds the in-memory store. ENV: AMAS_STORAGE_MAX_ITEMS
	StorageMaxItems int `env:"AMAS_STORAGE_MAX_ITEMS,default=4096"`

	// RedisAddr is used when StorageBackend is "redis". ENV: AMAS_REDIS_ADDR
	RedisAddr string `env:"AMAS_REDIS_ADDR,default=localhost:6379"`

	// Restart bounds backend restart attempts.
	Restart supervisor.RestartPolicy
}

// FromEnv populates a Config from the environment.
func FromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// BackendSpecs parses the configured backend table.
func (c Config) BackendSpecs() ([]supervisor.CommandSpec, error) {
	if c.Backends == "" {
		return nil, nil
	}
	var specs []supervisor.CommandSpec
	if err := json.Unmarshal([]byte(c.Backends), &specs); err != nil {
		return nil, fmt.Errorf("parse backend table: %w", err)
	}
	for i, spec := range specs {
		if spec.Name == "" || spec.Command == "" || len(spec.Namespaces) == 0 {
			return nil, fmt.Errorf("backend %d: name, command, and namespaces are required", i)
		}
	}
	return specs, nil
}
