package terminal

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/amas-editor/host-proxy-go/internal/logctx"
)

const (
	// DefaultCols and DefaultRows size a terminal opened without explicit
	// dimensions.
	DefaultCols = 80
	DefaultRows = 24

	// readChunk is the pty read buffer size per output notification.
	readChunk = 16 * 1024

	// stopGrace is how long a closing shell gets after SIGTERM before it is
	// killed.
	stopGrace = 2 * time.Second
)

// ErrUnknownTerminal is returned for operations on an id that is not open.
var ErrUnknownTerminal = errors.New("unknown terminal")

// NotifyFunc pushes one notification toward the frontend.
type NotifyFunc func(ctx context.Context, method string, params any)

// Info describes one open terminal.
type Info struct {
	ID      string `json:"id"`
	Command string `json:"command"`
	PID     int    `json:"pid"`
	Cols    uint16 `json:"cols"`
	Rows    uint16 `json:"rows"`
}

type term struct {
	info Info
	cmd  *exec.Cmd
	ptmx *os.File
	done chan struct{}
}

// Manager owns the interactive shells of one session.
type Manager struct {
	log          *slog.Logger
	notify       NotifyFunc
	defaultShell string
	workDir      string

	mu    sync.Mutex
	terms map[string]*term
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithDefaultShell overrides the shell used when open names no command.
// Defaults to $SHELL, then /bin/sh.
func WithDefaultShell(shell string) Option {
	return func(m *Manager) { m.defaultShell = shell }
}

// New creates a manager whose terminals start in workDir and report output
// through notify.
func New(workDir string, notify NotifyFunc, opts ...Option) *Manager {
	m := &Manager{
		log:     slog.Default(),
		notify:  notify,
		workDir: workDir,
		terms:   make(map[string]*term),
	}
	for _, o := range opts {
		o(m)
	}
	if m.defaultShell == "" {
		m.defaultShell = os.Getenv("SHELL")
	}
	if m.defaultShell == "" {
		m.defaultShell = "/bin/sh"
	}
	return m
}

// OpenParams are the terminal.open request parameters.
type OpenParams struct {
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	Dir     string   `json:"dir,omitempty"`
	Env     []string `json:"env,omitempty"`
	Cols    uint16   `json:"cols,omitempty"`
	Rows    uint16   `json:"rows,omitempty"`
}

// Open starts a shell under a fresh pty and begins streaming its output.
func (m *Manager) Open(ctx context.Context, p OpenParams) (Info, error) {
	command := p.Command
	if command == "" {
		command = m.defaultShell
	}
	dir := p.Dir
	if dir == "" {
		dir = m.workDir
	}
	cols := p.Cols
	if cols == 0 {
		cols = DefaultCols
	}
	rows := p.Rows
	if rows == 0 {
		rows = DefaultRows
	}

	cmd := exec.Command(command, p.Args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), p.Env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return Info{}, fmt.Errorf("start %s under pty: %w", command, err)
	}

	t := &term{
		info: Info{
			ID:      uuid.NewString(),
			Command: command,
			PID:     cmd.Process.Pid,
			Cols:    cols,
			Rows:    rows,
		},
		cmd:  cmd,
		ptmx: ptmx,
		done: make(chan struct{}),
	}

	m.mu.Lock()
	m.terms[t.info.ID] = t
	m.mu.Unlock()

	tctx := m.termCtx(t)
	m.log.InfoContext(tctx, "terminal opened", slog.Int("pid", t.info.PID))
	go m.pump(tctx, t)
	return t.info, nil
}

// pump streams pty output to the frontend until the shell exits.
func (m *Manager) pump(ctx context.Context, t *term) {
	buf := make([]byte, readChunk)
	for {
		n, err := t.ptmx.Read(buf)
		if n > 0 {
			m.notify(ctx, "terminal.output", map[string]string{
				"terminal": t.info.ID,
				"data":     base64.StdEncoding.EncodeToString(buf[:n]),
			})
		}
		if err != nil {
			break
		}
	}

	// Read errors on a pty mean the slave side closed: the shell exited or
	// was killed.
	err := t.cmd.Wait()
	code := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}
	close(t.done)

	m.mu.Lock()
	_, stillOpen := m.terms[t.info.ID]
	delete(m.terms, t.info.ID)
	m.mu.Unlock()

	_ = t.ptmx.Close()
	if stillOpen {
		m.log.InfoContext(ctx, "terminal exited", slog.Int("code", code))
		m.notify(ctx, "terminal.exit", map[string]any{
			"terminal": t.info.ID,
			"code":     code,
		})
	}
}

// Write feeds input bytes to the shell.
func (m *Manager) Write(id string, data []byte) error {
	t, err := m.lookup(id)
	if err != nil {
		return err
	}
	if _, err := t.ptmx.Write(data); err != nil {
		return fmt.Errorf("write terminal %s: %w", id, err)
	}
	return nil
}

// Resize changes the pty window size.
func (m *Manager) Resize(id string, cols, rows uint16) error {
	t, err := m.lookup(id)
	if err != nil {
		return err
	}
	if err := pty.Setsize(t.ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return fmt.Errorf("resize terminal %s: %w", id, err)
	}
	m.mu.Lock()
	t.info.Cols, t.info.Rows = cols, rows
	m.mu.Unlock()
	return nil
}

// Close ends one terminal: SIGTERM, bounded wait, then SIGKILL. The
// terminal.exit notification is suppressed for explicit closes.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	t, ok := m.terms[id]
	if ok {
		delete(m.terms, id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrUnknownTerminal
	}
	m.stop(t)
	return nil
}

// CloseAll ends every terminal, for session teardown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	terms := make([]*term, 0, len(m.terms))
	for _, t := range m.terms {
		terms = append(terms, t)
	}
	m.terms = make(map[string]*term)
	m.mu.Unlock()

	for _, t := range terms {
		m.stop(t)
	}
}

func (m *Manager) stop(t *term) {
	_ = t.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-t.done:
	case <-time.After(stopGrace):
		_ = t.cmd.Process.Kill()
		<-t.done
	}
}

// List snapshots the open terminals, sorted by id.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.terms))
	for _, t := range m.terms {
		out = append(out, t.info)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

func (m *Manager) lookup(id string) (*term, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.terms[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTerminal, id)
	}
	return t, nil
}

func (m *Manager) termCtx(t *term) context.Context {
	return logctx.WithBackendData(context.Background(), &logctx.BackendData{
		BackendID: t.info.ID,
		Name:      t.info.Command,
		Kind:      "terminal",
	})
}
