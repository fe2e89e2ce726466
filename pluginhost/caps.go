package pluginhost

import (
	"context"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/amas-editor/host-proxy-go/supervisor"
	"github.com/amas-editor/host-proxy-go/wire"
)

// DeniedError reports a capability check failure. It converts to the wire
// error kind "capability denied" when it crosses the RPC boundary.
type DeniedError struct {
	Capability Capability
	Op         string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("%s requires undeclared capability %q", e.Op, e.Capability)
}

// WireError renders the denial for a response frame.
func (e *DeniedError) WireError() *wire.Error {
	return &wire.Error{Kind: wire.KindCapabilityDenied, Message: e.Error()}
}

// SpawnFunc starts a supervised backend process on behalf of a plugin.
type SpawnFunc func(ctx context.Context, spec supervisor.CommandSpec) (*supervisor.Handle, error)

// Caps is the capability surface handed to one plugin instance. Every
// operation checks the manifest's declared set first; filesystem operations
// are additionally confined to the workspace root.
type Caps struct {
	manifest Manifest
	root     string
	spawn    SpawnFunc
	dialer   net.Dialer
}

func newCaps(m Manifest, workspaceRoot string, spawn SpawnFunc) *Caps {
	root := filepath.Clean(workspaceRoot)
	if real, err := filepath.EvalSymlinks(root); err == nil {
		root = real
	}
	return &Caps{manifest: m, root: root, spawn: spawn}
}

// Has reports whether the instance declared cap.
func (c *Caps) Has(cap Capability) bool { return c.manifest.Has(cap) }

// WorkspaceRoot returns the root all filesystem capabilities resolve under.
func (c *Caps) WorkspaceRoot() string { return c.root }

// resolve maps a workspace-relative or absolute path into the root,
// rejecting escapes. Symlinks inside the workspace that point outside it are
// resolved and rejected too.
func (c *Caps) resolve(p string) (string, error) {
	abs := p
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(c.root, abs)
	}
	abs = filepath.Clean(abs)
	if !within(abs, c.root) {
		return "", fmt.Errorf("path %s escapes the workspace", p)
	}
	// Containment must hold for the symlink-resolved path as well. The leaf
	// may not exist yet (writes); check its parent in that case.
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		parent, err := filepath.EvalSymlinks(filepath.Dir(abs))
		if err != nil {
			return "", err
		}
		real = filepath.Join(parent, filepath.Base(abs))
	}
	if !within(real, c.root) {
		return "", fmt.Errorf("path %s escapes the workspace", p)
	}
	return real, nil
}

// ReadFile reads one workspace file. Requires fs-read.
func (c *Caps) ReadFile(path string) ([]byte, error) {
	if !c.Has(CapFSRead) {
		return nil, &DeniedError{Capability: CapFSRead, Op: "read " + path}
	}
	real, err := c.resolve(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(real)
}

// ReadDir lists one workspace directory. Requires fs-read.
func (c *Caps) ReadDir(path string) ([]fs.DirEntry, error) {
	if !c.Has(CapFSRead) {
		return nil, &DeniedError{Capability: CapFSRead, Op: "list " + path}
	}
	real, err := c.resolve(path)
	if err != nil {
		return nil, err
	}
	return os.ReadDir(real)
}

// WriteFile writes one workspace file, creating parent directories as
// needed. Requires fs-write.
func (c *Caps) WriteFile(path string, data []byte, perm fs.FileMode) error {
	if !c.Has(CapFSWrite) {
		return &DeniedError{Capability: CapFSWrite, Op: "write " + path}
	}
	real, err := c.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(real), 0o755); err != nil {
		return err
	}
	return os.WriteFile(real, data, perm)
}

// Remove deletes one workspace file. Requires fs-write.
func (c *Caps) Remove(path string) error {
	if !c.Has(CapFSWrite) {
		return &DeniedError{Capability: CapFSWrite, Op: "remove " + path}
	}
	real, err := c.resolve(path)
	if err != nil {
		return err
	}
	return os.Remove(real)
}

// StartProcess spawns a supervised backend process. Requires process-spawn.
func (c *Caps) StartProcess(ctx context.Context, spec supervisor.CommandSpec) (*supervisor.Handle, error) {
	if !c.Has(CapProcessSpawn) {
		return nil, &DeniedError{Capability: CapProcessSpawn, Op: "spawn " + spec.Command}
	}
	if c.spawn == nil {
		return nil, fmt.Errorf("no process supervisor available")
	}
	if spec.Dir == "" {
		spec.Dir = c.root
	}
	return c.spawn(ctx, spec)
}

// Dial opens an outbound network connection. Requires network.
func (c *Caps) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	if !c.Has(CapNetwork) {
		return nil, &DeniedError{Capability: CapNetwork, Op: "dial " + addr}
	}
	return c.dialer.DialContext(ctx, network, addr)
}

// within reports whether target equals root or sits beneath it.
func within(target, root string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator)))
}
