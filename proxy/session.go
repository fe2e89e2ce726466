package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/amas-editor/host-proxy-go/dispatch"
	"github.com/amas-editor/host-proxy-go/internal/logctx"
	"github.com/amas-editor/host-proxy-go/pluginhost"
	"github.com/amas-editor/host-proxy-go/storage"
	"github.com/amas-editor/host-proxy-go/supervisor"
	"github.com/amas-editor/host-proxy-go/terminal"
	"github.com/amas-editor/host-proxy-go/watch"
	"github.com/amas-editor/host-proxy-go/wire"
)

// frontendPeer is the dispatch.Peer for the connected editor frontend.
type frontendPeer struct {
	id  string
	enc *wire.Encoder
}

func (p *frontendPeer) PeerID() string { return p.id }

func (p *frontendPeer) Send(ctx context.Context, msg *wire.Message) error {
	return p.enc.Encode(msg)
}

// Session binds one frontend connection to its dispatcher, backends,
// plugins, watches, terminals, and storage. Everything it owns dies with
// it.
type Session struct {
	id  string
	log *slog.Logger
	cfg Config

	conn    io.ReadWriteCloser
	dec     *wire.Decoder
	fe      *frontendPeer
	d       *dispatch.Dispatcher
	sup     *supervisor.Supervisor
	plugins *pluginhost.Host
	terms   *terminal.Manager
	watcher *watch.Watcher
	store   storage.Store

	auth       Authenticator
	needsAuth  bool
	remoteAddr string
	authorized atomic.Bool

	closed       atomic.Bool
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

type sessionParams struct {
	cfg   Config
	log   *slog.Logger
	conn  io.ReadWriteCloser
	store storage.Store
	auth  Authenticator
	// remote sessions must pass session.hello before anything routes
	remote     bool
	remoteAddr string
}

func newSession(p sessionParams) (*Session, error) {
	s := &Session{
		id:        uuid.NewString(),
		cfg:       p.cfg,
		conn:      p.conn,
		store:     p.store,
		auth:      p.auth,
		needsAuth: p.remote,
		shutdown:  make(chan struct{}),
	}
	if p.remote && p.auth == nil {
		return nil, errors.New("remote session without an authenticator")
	}
	s.remoteAddr = p.remoteAddr
	s.log = p.log
	if s.log == nil {
		s.log = slog.Default()
	}

	s.dec = wire.NewDecoder(p.conn, p.cfg.MaxFrameSize)
	s.fe = &frontendPeer{id: "frontend:" + s.id, enc: wire.NewEncoder(p.conn, p.cfg.MaxFrameSize)}

	s.d = dispatch.New(
		dispatch.WithLogger(s.log),
		dispatch.WithCallTimeout(p.cfg.CallTimeout),
	)

	s.sup = supervisor.New(s.d,
		supervisor.WithLogger(s.log),
		supervisor.WithRestartPolicy(p.cfg.Restart),
		supervisor.WithMaxFrameSize(p.cfg.MaxFrameSize),
		supervisor.WithFatalFunc(s.onBackendFatal),
	)

	s.plugins = pluginhost.New(s.d, p.cfg.WorkspaceRoot,
		pluginhost.WithLogger(s.log),
		pluginhost.WithSpawnFunc(s.sup.Start),
	)

	s.terms = terminal.New(p.cfg.WorkspaceRoot, s.notifyFrontend,
		terminal.WithLogger(s.log),
		terminal.WithDefaultShell(p.cfg.Shell),
	)

	watcher, err := watch.New(s.onWatchEvent,
		watch.WithLogger(s.log),
		watch.WithDebounce(p.cfg.WatchDebounce),
	)
	if err != nil {
		return nil, fmt.Errorf("session watcher: %w", err)
	}
	s.watcher = watcher

	if err := s.registerLocalHandlers(); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	return s, nil
}

// start brings up the configured backends and plugins. Failures to start an
// individual backend are logged, not fatal: the frontend can retry through
// proc.start.
func (s *Session) start(ctx context.Context) error {
	specs, err := s.cfg.BackendSpecs()
	if err != nil {
		return err
	}
	for _, spec := range specs {
		if spec.Dir == "" {
			spec.Dir = s.cfg.WorkspaceRoot
		}
		if _, err := s.sup.Start(ctx, spec); err != nil {
			s.log.WarnContext(ctx, "configured backend failed to start",
				slog.String("backend", spec.Name), slog.String("err", err.Error()))
		}
	}
	if s.cfg.PluginPath != "" {
		if err := s.plugins.LoadAll(ctx, s.cfg.PluginPath); err != nil {
			s.log.WarnContext(ctx, "plugin load issues", slog.String("err", err.Error()))
		}
	}
	return nil
}

// run is the session's transport loop: decode frames and feed the
// dispatcher until the connection ends or the frontend asks to shut down.
// Recoverable decode errors (oversized or malformed frames) keep the
// connection alive.
func (s *Session) run(ctx context.Context) error {
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:  s.id,
		Workspace:  s.cfg.WorkspaceRoot,
		RemoteAddr: s.remoteAddr,
	})
	defer s.teardown(ctx)

	go func() {
		select {
		case <-ctx.Done():
		case <-s.shutdown:
		}
		// Unblock the decoder.
		_ = s.conn.Close()
	}()

	for {
		msg, err := s.dec.Decode()
		if err != nil {
			var tooLarge *wire.FrameTooLargeError
			var malformed *wire.MalformedPayloadError
			switch {
			case errors.As(err, &tooLarge):
				s.log.WarnContext(ctx, "dropping oversized frame",
					slog.Int("size", tooLarge.Size), slog.Int("max", tooLarge.Max))
				continue
			case errors.As(err, &malformed):
				s.log.WarnContext(ctx, "dropping malformed frame",
					slog.String("err", malformed.Error()))
				continue
			}
			if errors.Is(err, io.EOF) || s.closed.Load() || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("session transport: %w", err)
		}

		if !s.gate(ctx, msg) {
			continue
		}
		s.d.DispatchInbound(ctx, msg, s.fe)
	}
}

// gate enforces remote authentication: before a successful session.hello,
// only session.hello itself may pass. Unauthorized requests get an error
// response; anything else is dropped.
func (s *Session) gate(ctx context.Context, msg *wire.Message) bool {
	if !s.needsAuth || s.authorized.Load() {
		return true
	}
	if msg.Type() == wire.TypeRequest && msg.Method == "session.hello" {
		return true
	}
	if msg.Type() == wire.TypeRequest {
		resp := wire.NewErrorResponse(*msg.ID, wire.KindUnauthorized,
			"session.hello with a valid token is required first", nil)
		if err := s.fe.Send(ctx, resp); err != nil {
			s.log.WarnContext(ctx, "unauthorized reply failed", slog.String("err", err.Error()))
		}
	}
	return false
}

// notifyFrontend pushes one notification frame to the frontend.
func (s *Session) notifyFrontend(ctx context.Context, method string, params any) {
	raw, err := json.Marshal(params)
	if err != nil {
		s.log.WarnContext(ctx, "encode notification params failed",
			slog.String("method", method), slog.String("err", err.Error()))
		return
	}
	note := wire.NewNotification(method, raw)
	if err := s.fe.Send(ctx, note); err != nil {
		s.log.DebugContext(ctx, "notification dropped",
			slog.String("method", method), slog.String("err", err.Error()))
	}
}

// onWatchEvent bridges coalesced filesystem events into watch.event
// notifications.
func (s *Session) onWatchEvent(subscriptionID string, ev watch.Event) {
	s.notifyFrontend(context.Background(), "watch.event", map[string]any{
		"subscription": subscriptionID,
		"path":         ev.Path,
		"kind":         ev.Kind,
	})
}

// onBackendFatal tells the frontend a backend is permanently gone for this
// session.
func (s *Session) onBackendFatal(h *supervisor.Handle, reason string) {
	s.notifyFrontend(context.Background(), "proc.unavailable", map[string]string{
		"backend": h.PeerID(),
		"name":    h.Name(),
		"reason":  reason,
	})
}

// teardown destroys everything the session owns. Pending calls resolve with
// "session closed" first, then backends receive termination.
func (s *Session) teardown(ctx context.Context) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.log.InfoContext(ctx, "session closing")

	s.d.Shutdown()
	if err := s.watcher.Close(); err != nil {
		s.log.DebugContext(ctx, "watcher close", slog.String("err", err.Error()))
	}
	s.terms.CloseAll()
	s.sup.StopAll(ctx)
	s.plugins.Close(ctx)
	if err := s.store.Delete(ctx, storage.WithSession(s.id)); err != nil {
		s.log.DebugContext(ctx, "session storage cleanup", slog.String("err", err.Error()))
	}
	_ = s.conn.Close()
	s.log.InfoContext(ctx, "session closed")
}

// requestShutdown asks the transport loop to exit.
func (s *Session) requestShutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdown) })
}
