// Package logctx enriches slog records with session, backend, and rpc
// attributes carried in the context, so call sites never thread identifiers
// through logging arguments by hand.
package logctx

import (
	"context"
	"log/slog"
)

// Handler wraps another slog.Handler and appends grouped attributes drawn
// from the record's context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionID),
			slog.String("workspace", sd.Workspace),
			slog.String("remote_addr", sd.RemoteAddr),
		))
	}

	if bd, ok := ctx.Value(backendDataKey{}).(*BackendData); ok {
		r.AddAttrs(slog.Group("backend",
			slog.String("id", bd.BackendID),
			slog.String("name", bd.Name),
			slog.String("kind", bd.Kind),
		))
	}

	if msg, ok := ctx.Value(rpcMsgKey{}).(*RPCMessage); ok {
		r.AddAttrs(slog.Group("rpc",
			slog.String("method", msg.Method),
			slog.String("type", msg.Type),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type sessionDataKey struct{}

// SessionData identifies the frontend session a record belongs to.
type SessionData struct {
	SessionID  string
	Workspace  string
	RemoteAddr string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type backendDataKey struct{}

// BackendData identifies the backend a record concerns. Kind is "process",
// "plugin", or "terminal".
type BackendData struct {
	BackendID string
	Name      string
	Kind      string
}

func WithBackendData(ctx context.Context, data *BackendData) context.Context {
	return context.WithValue(ctx, backendDataKey{}, data)
}

type rpcMsgKey struct{}

// RPCMessage describes the protocol message being dispatched.
type RPCMessage struct {
	Method string
	Type   string
}

func WithRPCMessage(ctx context.Context, msg *RPCMessage) context.Context {
	return context.WithValue(ctx, rpcMsgKey{}, msg)
}
