package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"github.com/amas-editor/host-proxy-go/storage"
	memstore "github.com/amas-editor/host-proxy-go/storage/memory"
	redisstore "github.com/amas-editor/host-proxy-go/storage/redis"
)

// Server accepts frontend connections and runs one Session per connection.
type Server struct {
	cfg   Config
	log   *slog.Logger
	auth  Authenticator
	store storage.Store

	mu       sync.Mutex
	listener net.Listener
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger. Defaults to slog.Default().
func WithServerLogger(log *slog.Logger) ServerOption {
	return func(s *Server) { s.log = log }
}

// WithAuthenticator overrides the verifier built from Config.AuthKey.
func WithAuthenticator(auth Authenticator) ServerOption {
	return func(s *Server) { s.auth = auth }
}

// WithStore overrides the storage backend built from Config.
func WithStore(store storage.Store) ServerOption {
	return func(s *Server) { s.store = store }
}

// NewServer builds a server from cfg: storage backend, token verifier, and
// the session defaults every connection shares.
func NewServer(cfg Config, opts ...ServerOption) (*Server, error) {
	s := &Server{cfg: cfg, log: slog.Default()}
	for _, o := range opts {
		o(s)
	}

	if s.store == nil {
		store, err := buildStore(cfg)
		if err != nil {
			return nil, err
		}
		s.store = store
	}
	if s.auth == nil && cfg.AuthKey != "" {
		auth, err := NewStaticVerifier([]byte(cfg.AuthKey))
		if err != nil {
			return nil, err
		}
		s.auth = auth
	}
	return s, nil
}

func buildStore(cfg Config) (storage.Store, error) {
	switch cfg.StorageBackend {
	case "", "memory":
		return memstore.New(cfg.StorageMaxItems)
	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		return redisstore.New(redisstore.Config{Client: client})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

// Close releases server-owned resources.
func (s *Server) Close() error {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	var errs []error
	if l != nil {
		errs = append(errs, l.Close())
	}
	errs = append(errs, s.store.Close())
	return errors.Join(errs...)
}

// ServeStdio runs a single local session over the process's standard
// streams. Local sessions are pre-trusted: the frontend spawned this
// process itself.
func (s *Server) ServeStdio(ctx context.Context) error {
	return s.ServeConn(ctx, stdioConn{Reader: os.Stdin, Writer: os.Stdout}, false, "")
}

// ServeConn runs one session over rw until it ends.
func (s *Server) ServeConn(ctx context.Context, rw io.ReadWriteCloser, remote bool, remoteAddr string) error {
	sess, err := newSession(sessionParams{
		cfg:        s.cfg,
		log:        s.log,
		conn:       rw,
		store:      s.store,
		auth:       s.auth,
		remote:     remote,
		remoteAddr: remoteAddr,
	})
	if err != nil {
		_ = rw.Close()
		return err
	}
	if err := sess.start(ctx); err != nil {
		sess.teardown(ctx)
		return err
	}
	return sess.run(ctx)
}

// ListenAndServe accepts remote sessions on the configured TCP address.
// Each connection gets its own session; remote sessions require a verifier.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.cfg.ListenAddr == "" {
		return errors.New("no listen address configured")
	}
	if s.auth == nil {
		return errors.New("remote listener requires an auth key")
	}

	l, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	s.log.InfoContext(ctx, "listening", slog.String("addr", l.Addr().String()))

	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := l.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			addr := conn.RemoteAddr().String()
			if err := s.ServeConn(ctx, conn, true, addr); err != nil {
				s.log.WarnContext(ctx, "session ended with error",
					slog.String("remote_addr", addr), slog.String("err", err.Error()))
			}
		}()
	}
}

// Addr returns the listener address, for tests binding port 0.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// stdioConn glues stdin/stdout into one ReadWriteCloser. Closing it closes
// whichever ends are closable, so a shutdown request can unblock the read
// loop.
type stdioConn struct {
	io.Reader
	io.Writer
}

func (c stdioConn) Close() error {
	var errs []error
	if cl, ok := c.Reader.(io.Closer); ok {
		errs = append(errs, cl.Close())
	}
	if cl, ok := c.Writer.(io.Closer); ok {
		errs = append(errs, cl.Close())
	}
	return errors.Join(errs...)
}
