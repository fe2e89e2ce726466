package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// CommandSpec describes one backend process and the namespaces it serves.
type CommandSpec struct {
	// Name is the operator-facing backend name, e.g. "rust-analyzer".
	Name string `json:"name"`
	// Command and Args form the executable invocation.
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	// Dir is the working directory, normally the workspace root.
	Dir string `json:"dir,omitempty"`
	// Env entries are appended to the inherited environment.
	Env []string `json:"env,omitempty"`
	// Namespaces are the method namespaces routed to this backend.
	Namespaces []string `json:"namespaces"`
	// Selector disambiguates among backends sharing a namespace.
	Selector string `json:"selector,omitempty"`
}

// Proc abstracts a spawned process so supervision logic is testable without
// real executables.
type Proc interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	// Stderr may return nil when no diagnostic stream exists.
	Stderr() io.Reader
	Kill() error
	Wait() error
}

// Spawner starts a process for a spec. The default spawner execs the
// command; tests inject fakes.
type Spawner func(ctx context.Context, spec CommandSpec) (Proc, error)

type execProc struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
}

func (p *execProc) Stdin() io.WriteCloser { return p.stdin }
func (p *execProc) Stdout() io.Reader     { return p.stdout }
func (p *execProc) Stderr() io.Reader     { return p.stderr }
func (p *execProc) Kill() error           { return p.cmd.Process.Kill() }
func (p *execProc) Wait() error           { return p.cmd.Wait() }

// ExecSpawner spawns real OS processes with piped standard streams.
func ExecSpawner(ctx context.Context, spec CommandSpec) (Proc, error) {
	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Command, err)
	}
	return &execProc{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}
