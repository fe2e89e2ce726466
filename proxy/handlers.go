package proxy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/amas-editor/host-proxy-go/pluginhost"
	"github.com/amas-editor/host-proxy-go/storage"
	"github.com/amas-editor/host-proxy-go/supervisor"
	"github.com/amas-editor/host-proxy-go/terminal"
	"github.com/amas-editor/host-proxy-go/watch"
	"github.com/amas-editor/host-proxy-go/wire"
)

// registerLocalHandlers claims the reserved namespaces served by the proxy
// core itself.
func (s *Session) registerLocalHandlers() error {
	for ns, fn := range map[string]func(ctx context.Context, req *wire.Message) (any, *wire.Error){
		"session":  s.handleSession,
		"watch":    s.handleWatch,
		"proc":     s.handleProc,
		"plugin":   s.handlePlugin,
		"storage":  s.handleStorage,
		"terminal": s.handleTerminal,
	} {
		if err := s.d.RegisterLocal(ns, "", fn); err != nil {
			return fmt.Errorf("register %s namespace: %w", ns, err)
		}
	}
	return nil
}

func decodeParams[T any](req *wire.Message) (T, *wire.Error) {
	var p T
	if len(req.Params) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return p, &wire.Error{Kind: wire.KindInvalidParams, Message: fmt.Sprintf("%s: %v", req.Method, err)}
	}
	return p, nil
}

func methodNotFound(method string) *wire.Error {
	return &wire.Error{Kind: wire.KindMethodNotFound, Message: method}
}

func internalError(err error) *wire.Error {
	return &wire.Error{Kind: wire.KindInternal, Message: err.Error()}
}

// --- session.* ---

func (s *Session) handleSession(ctx context.Context, req *wire.Message) (any, *wire.Error) {
	switch req.Method {
	case "session.hello":
		p, werr := decodeParams[struct {
			Token string `json:"token,omitempty"`
		}](req)
		if werr != nil {
			return nil, werr
		}
		if s.needsAuth && !s.authorized.Load() {
			subject, err := s.auth.Verify(ctx, p.Token)
			if err != nil {
				return nil, &wire.Error{Kind: wire.KindUnauthorized, Message: err.Error()}
			}
			s.authorized.Store(true)
			s.log.InfoContext(ctx, "session authenticated", slog.String("subject", subject))
		}
		return map[string]string{
			"session":   s.id,
			"workspace": s.cfg.WorkspaceRoot,
		}, nil

	case "session.shutdown":
		// Let the acknowledgement flush before the transport closes.
		time.AfterFunc(100*time.Millisecond, s.requestShutdown)
		return map[string]bool{"ok": true}, nil

	default:
		return nil, methodNotFound(req.Method)
	}
}

// --- watch.* ---

func (s *Session) handleWatch(ctx context.Context, req *wire.Message) (any, *wire.Error) {
	switch req.Method {
	case "watch.subscribe":
		p, werr := decodeParams[struct {
			Path      string `json:"path"`
			Recursive bool   `json:"recursive,omitempty"`
		}](req)
		if werr != nil {
			return nil, werr
		}
		if p.Path == "" {
			return nil, &wire.Error{Kind: wire.KindInvalidParams, Message: "path is required"}
		}
		sub, err := s.watcher.Subscribe(p.Path, p.Recursive)
		if err != nil {
			return nil, internalError(err)
		}
		return sub, nil

	case "watch.unsubscribe":
		p, werr := decodeParams[struct {
			Subscription string `json:"subscription"`
		}](req)
		if werr != nil {
			return nil, werr
		}
		if err := s.watcher.Unsubscribe(p.Subscription); err != nil {
			if errors.Is(err, watch.ErrUnknownSubscription) {
				return nil, &wire.Error{Kind: wire.KindInvalidParams, Message: err.Error()}
			}
			return nil, internalError(err)
		}
		return map[string]bool{"ok": true}, nil

	case "watch.list":
		return s.watcher.Subscriptions(), nil

	default:
		return nil, methodNotFound(req.Method)
	}
}

// --- proc.* ---

func (s *Session) handleProc(ctx context.Context, req *wire.Message) (any, *wire.Error) {
	switch req.Method {
	case "proc.start":
		spec, werr := decodeParams[supervisor.CommandSpec](req)
		if werr != nil {
			return nil, werr
		}
		if spec.Name == "" || spec.Command == "" || len(spec.Namespaces) == 0 {
			return nil, &wire.Error{Kind: wire.KindInvalidParams,
				Message: "name, command, and namespaces are required"}
		}
		if spec.Dir == "" {
			spec.Dir = s.cfg.WorkspaceRoot
		}
		h, err := s.sup.Start(ctx, spec)
		if err != nil {
			return nil, internalError(err)
		}
		return h.Snapshot(), nil

	case "proc.stop":
		p, werr := decodeParams[struct {
			ID string `json:"id"`
		}](req)
		if werr != nil {
			return nil, werr
		}
		if err := s.sup.Stop(ctx, p.ID); err != nil {
			return nil, &wire.Error{Kind: wire.KindInvalidParams, Message: err.Error()}
		}
		return map[string]bool{"ok": true}, nil

	case "proc.list":
		return s.sup.List(), nil

	default:
		return nil, methodNotFound(req.Method)
	}
}

// --- plugin.* ---

func (s *Session) handlePlugin(ctx context.Context, req *wire.Message) (any, *wire.Error) {
	switch req.Method {
	case "plugin.list":
		return s.plugins.List(), nil

	case "plugin.registered":
		return pluginhost.RegisteredModules(), nil

	case "plugin.unload":
		p, werr := decodeParams[struct {
			ID string `json:"id"`
		}](req)
		if werr != nil {
			return nil, werr
		}
		if err := s.plugins.Unload(ctx, p.ID); err != nil {
			return nil, &wire.Error{Kind: wire.KindInvalidParams, Message: err.Error()}
		}
		return map[string]bool{"ok": true}, nil

	default:
		return nil, methodNotFound(req.Method)
	}
}

// --- storage.* ---

type storageParams struct {
	Plugin string `json:"plugin,omitempty"`
	Key    string `json:"key,omitempty"`
	Value  string `json:"value,omitempty"` // base64
	TTLMs  int64  `json:"ttl_ms,omitempty"`
}

// scopeOptions maps RPC params onto a storage scope: plugin-scoped when a
// plugin is named, session-scoped otherwise.
func (s *Session) scopeOptions(p storageParams) storage.Option {
	if p.Plugin != "" {
		return storage.WithPlugin(s.id, p.Plugin)
	}
	return storage.WithSession(s.id)
}

func (s *Session) handleStorage(ctx context.Context, req *wire.Message) (any, *wire.Error) {
	p, werr := decodeParams[storageParams](req)
	if werr != nil {
		return nil, werr
	}

	switch req.Method {
	case "storage.get":
		if p.Key == "" {
			return nil, &wire.Error{Kind: wire.KindInvalidParams, Message: "key is required"}
		}
		item, err := s.store.Get(ctx, p.Key, s.scopeOptions(p))
		if err != nil {
			return nil, internalError(err)
		}
		if item == nil {
			return map[string]any{"value": nil}, nil
		}
		return map[string]any{
			"value":      base64.StdEncoding.EncodeToString(item.Data),
			"created_at": item.CreatedAt.UnixMilli(),
		}, nil

	case "storage.set":
		if p.Key == "" {
			return nil, &wire.Error{Kind: wire.KindInvalidParams, Message: "key is required"}
		}
		data, err := base64.StdEncoding.DecodeString(p.Value)
		if err != nil {
			return nil, &wire.Error{Kind: wire.KindInvalidParams, Message: "value must be base64"}
		}
		opts := []storage.Option{s.scopeOptions(p)}
		if p.TTLMs > 0 {
			opts = append(opts, storage.WithTTL(time.Duration(p.TTLMs)*time.Millisecond))
		}
		if err := s.store.Set(ctx, p.Key, data, opts...); err != nil {
			return nil, internalError(err)
		}
		return map[string]bool{"ok": true}, nil

	case "storage.delete":
		opts := []storage.Option{s.scopeOptions(p)}
		if p.Key != "" {
			opts = append(opts, storage.WithKey(p.Key))
		}
		if err := s.store.Delete(ctx, opts...); err != nil {
			return nil, internalError(err)
		}
		return map[string]bool{"ok": true}, nil

	default:
		return nil, methodNotFound(req.Method)
	}
}

// --- terminal.* ---

func (s *Session) handleTerminal(ctx context.Context, req *wire.Message) (any, *wire.Error) {
	switch req.Method {
	case "terminal.open":
		p, werr := decodeParams[terminal.OpenParams](req)
		if werr != nil {
			return nil, werr
		}
		info, err := s.terms.Open(ctx, p)
		if err != nil {
			return nil, internalError(err)
		}
		return info, nil

	case "terminal.write":
		p, werr := decodeParams[struct {
			Terminal string `json:"terminal"`
			Data     string `json:"data"` // base64
		}](req)
		if werr != nil {
			return nil, werr
		}
		data, err := base64.StdEncoding.DecodeString(p.Data)
		if err != nil {
			return nil, &wire.Error{Kind: wire.KindInvalidParams, Message: "data must be base64"}
		}
		if err := s.terms.Write(p.Terminal, data); err != nil {
			return nil, terminalError(err)
		}
		return map[string]bool{"ok": true}, nil

	case "terminal.resize":
		p, werr := decodeParams[struct {
			Terminal string `json:"terminal"`
			Cols     uint16 `json:"cols"`
			Rows     uint16 `json:"rows"`
		}](req)
		if werr != nil {
			return nil, werr
		}
		if err := s.terms.Resize(p.Terminal, p.Cols, p.Rows); err != nil {
			return nil, terminalError(err)
		}
		return map[string]bool{"ok": true}, nil

	case "terminal.close":
		p, werr := decodeParams[struct {
			Terminal string `json:"terminal"`
		}](req)
		if werr != nil {
			return nil, werr
		}
		if err := s.terms.Close(p.Terminal); err != nil {
			return nil, terminalError(err)
		}
		return map[string]bool{"ok": true}, nil

	case "terminal.list":
		return s.terms.List(), nil

	default:
		return nil, methodNotFound(req.Method)
	}
}

func terminalError(err error) *wire.Error {
	if errors.Is(err, terminal.ErrUnknownTerminal) {
		return &wire.Error{Kind: wire.KindInvalidParams, Message: err.Error()}
	}
	return &wire.Error{Kind: wire.KindInternal, Message: err.Error()}
}
