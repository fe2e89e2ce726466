package pluginhost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/amas-editor/host-proxy-go/dispatch"
	"github.com/amas-editor/host-proxy-go/wire"
)

var moduleSeq atomic.Uint64

// scriptModule adapts a function into a Module for tests.
type scriptModule struct {
	serve   func(ctx context.Context, call Call, caps *Caps) (any, *wire.Error)
	stopped atomic.Bool
}

func (m *scriptModule) Serve(ctx context.Context, call Call, caps *Caps) (any, *wire.Error) {
	return m.serve(ctx, call, caps)
}

func (m *scriptModule) Stop(ctx context.Context) error {
	m.stopped.Store(true)
	return nil
}

// registerScript registers a factory under a fresh unique name and returns
// a matching manifest. The registry is process-global, so every test gets
// its own name.
func registerScript(t *testing.T, namespaces []string, caps []Capability,
	serve func(ctx context.Context, call Call, c *Caps) (any, *wire.Error)) Manifest {
	t.Helper()
	name := fmt.Sprintf("testplugin-%d", moduleSeq.Add(1))
	RegisterModule(name, func(m Manifest) (Module, error) {
		return &scriptModule{serve: serve}, nil
	})
	return Manifest{Name: name, Namespaces: namespaces, Capabilities: caps}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestParseManifest(t *testing.T) {
	t.Parallel()

	m, err := ParseManifest([]byte(`{
		"name": "git-tools",
		"namespaces": ["gitlens"],
		"capabilities": ["fs-read", "process-spawn"],
		"selector": "git"
	}`))
	if err != nil {
		t.Fatalf("valid manifest rejected: %v", err)
	}
	if m.Name != "git-tools" || !m.Has(CapProcessSpawn) || m.Has(CapNetwork) {
		t.Fatalf("manifest decoded wrong: %+v", m)
	}

	for name, raw := range map[string]string{
		"missing name":       `{"namespaces": ["x"]}`,
		"empty namespaces":   `{"name": "p", "namespaces": []}`,
		"unknown capability": `{"name": "p", "namespaces": ["x"], "capabilities": ["root"]}`,
		"bad name":           `{"name": "Has Spaces", "namespaces": ["x"]}`,
		"stray field":        `{"name": "p", "namespaces": ["x"], "exec": "/bin/sh"}`,
	} {
		if _, err := ParseManifest([]byte(raw)); err == nil {
			t.Errorf("%s: accepted", name)
		}
	}
}

func TestDiscoverSkipsInvalidManifests(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	good := filepath.Join(root, "good")
	bad := filepath.Join(root, "bad")
	bare := filepath.Join(root, "bare")
	for _, d := range []string{good, bad, bare} {
		if err := os.Mkdir(d, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	writeManifest(t, good, `{"name": "good", "namespaces": ["good"]}`)
	writeManifest(t, bad, `{"name": "bad"}`)

	manifests, errs := Discover(root)
	if len(manifests) != 1 || manifests[0].Name != "good" {
		t.Fatalf("unexpected manifests: %+v", manifests)
	}
	if manifests[0].Dir != good {
		t.Fatalf("dir not recorded: %s", manifests[0].Dir)
	}
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %v", errs)
	}
}

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, ManifestFileName), []byte(content), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
}

func TestPluginServesCallsThroughDispatcher(t *testing.T) {
	t.Parallel()

	d := dispatch.New()
	h := New(d, t.TempDir())
	m := registerScript(t, []string{"caser"}, nil,
		func(ctx context.Context, call Call, c *Caps) (any, *wire.Error) {
			var params struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(call.Params, &params); err != nil {
				return nil, &wire.Error{Kind: wire.KindInvalidParams, Message: err.Error()}
			}
			return map[string]string{"text": strings.ToUpper(params.Text)}, nil
		})

	if _, err := h.Load(context.Background(), m); err != nil {
		t.Fatalf("load: %v", err)
	}

	raw, err := d.Call(context.Background(), "caser.upper", json.RawMessage(`{"text":"hi"}`))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &out); err != nil || out.Text != "HI" {
		t.Fatalf("unexpected result %s (%v)", raw, err)
	}
}

func TestUnregisteredPluginFailsToLoad(t *testing.T) {
	t.Parallel()

	d := dispatch.New()
	h := New(d, t.TempDir())
	_, err := h.Load(context.Background(), Manifest{Name: "ghost", Namespaces: []string{"ghost"}})
	if !errors.Is(err, ErrUnknownPlugin) {
		t.Fatalf("expected ErrUnknownPlugin, got %v", err)
	}
}

func TestUndeclaredCapabilityIsDenied(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "secret.txt"), []byte("s"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	d := dispatch.New()
	h := New(d, root)
	// The module declares no capabilities but tries to read anyway.
	m := registerScript(t, []string{"sneaky"}, nil,
		func(ctx context.Context, call Call, c *Caps) (any, *wire.Error) {
			_, err := c.ReadFile("secret.txt")
			var denied *DeniedError
			if errors.As(err, &denied) {
				return nil, denied.WireError()
			}
			return map[string]bool{"read": err == nil}, nil
		})
	if _, err := h.Load(context.Background(), m); err != nil {
		t.Fatalf("load: %v", err)
	}

	_, err := d.Call(context.Background(), "sneaky.read", json.RawMessage(`{}`))
	var ce *dispatch.CallError
	if !errors.As(err, &ce) || ce.Err.Kind != wire.KindCapabilityDenied {
		t.Fatalf("expected capability denied, got %v", err)
	}
}

func TestFilesystemCapabilityStaysInWorkspace(t *testing.T) {
	t.Parallel()

	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "leak.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "ok.txt"), []byte("fine"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	caps := newCaps(Manifest{
		Name:         "fsbound",
		Namespaces:   []string{"fsbound"},
		Capabilities: []Capability{CapFSRead, CapFSWrite},
	}, root, nil)

	if data, err := caps.ReadFile("ok.txt"); err != nil || string(data) != "fine" {
		t.Fatalf("in-workspace read failed: %s %v", data, err)
	}
	if _, err := caps.ReadFile("../" + filepath.Base(outside) + "/leak.txt"); err == nil {
		t.Fatal("relative escape permitted")
	}
	if _, err := caps.ReadFile(filepath.Join(outside, "leak.txt")); err == nil {
		t.Fatal("absolute escape permitted")
	}
	if err := caps.WriteFile("nested/new.txt", []byte("n"), 0o644); err != nil {
		t.Fatalf("in-workspace write failed: %v", err)
	}
	if err := caps.WriteFile("../evil.txt", []byte("n"), 0o644); err == nil {
		t.Fatal("write escape permitted")
	}
}

func TestPanicBudgetReplacesModule(t *testing.T) {
	t.Parallel()

	d := dispatch.New()
	h := New(d, t.TempDir(), WithPanicLimit(0, time.Minute))
	var generation atomic.Int32
	name := fmt.Sprintf("testplugin-%d", moduleSeq.Add(1))
	RegisterModule(name, func(m Manifest) (Module, error) {
		gen := generation.Add(1)
		return &scriptModule{serve: func(ctx context.Context, call Call, c *Caps) (any, *wire.Error) {
			if gen == 1 {
				panic("first incarnation is broken")
			}
			return map[string]int32{"generation": gen}, nil
		}}, nil
	})
	m := Manifest{Name: name, Namespaces: []string{"flaky"}}

	inst, err := h.Load(context.Background(), m)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	// First call hits the panicking incarnation and comes back internal.
	_, err = d.Call(context.Background(), "flaky.poke", json.RawMessage(`{}`))
	var ce *dispatch.CallError
	if !errors.As(err, &ce) || ce.Err.Kind != wire.KindInternal {
		t.Fatalf("expected internal error from panic, got %v", err)
	}

	// The host swaps in a fresh module and service resumes.
	waitUntil(t, 2*time.Second, func() bool { return generation.Load() >= 2 },
		"module never replaced")
	var raw json.RawMessage
	waitUntil(t, 2*time.Second, func() bool {
		raw, err = d.Call(context.Background(), "flaky.poke", json.RawMessage(`{}`))
		return err == nil
	}, "replacement module never served")
	var out struct {
		Generation int32 `json:"generation"`
	}
	if err := json.Unmarshal(raw, &out); err != nil || out.Generation < 2 {
		t.Fatalf("unexpected result %s (%v)", raw, err)
	}
	_ = inst
}

func TestUnloadResolvesPendingWithBackendGone(t *testing.T) {
	t.Parallel()

	d := dispatch.New()
	h := New(d, t.TempDir())
	m := registerScript(t, []string{"slow"}, nil,
		func(ctx context.Context, call Call, c *Caps) (any, *wire.Error) {
			<-ctx.Done()
			return nil, nil
		})
	inst, err := h.Load(context.Background(), m)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	result := make(chan error, 1)
	go func() {
		_, err := d.Call(context.Background(), "slow.block", json.RawMessage(`{}`))
		result <- err
	}()
	waitUntil(t, 2*time.Second, func() bool { return d.PendingCount() == 1 },
		"call never became pending")

	if err := h.Unload(context.Background(), inst.PeerID()); err != nil {
		t.Fatalf("unload: %v", err)
	}

	select {
	case err := <-result:
		var ce *dispatch.CallError
		if !errors.As(err, &ce) || ce.Err.Kind != wire.KindBackendGone {
			t.Fatalf("expected backend gone, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call never resolved")
	}

	// Routes are gone too.
	_, err = d.Call(context.Background(), "slow.block", json.RawMessage(`{}`))
	var ce *dispatch.CallError
	if !errors.As(err, &ce) || ce.Err.Kind != wire.KindMethodNotFound {
		t.Fatalf("expected method not found after unload, got %v", err)
	}
}

func TestListSnapshotsInstances(t *testing.T) {
	t.Parallel()

	d := dispatch.New()
	h := New(d, t.TempDir())
	m := registerScript(t, []string{"lister"}, []Capability{CapFSRead},
		func(ctx context.Context, call Call, c *Caps) (any, *wire.Error) { return nil, nil })
	if _, err := h.Load(context.Background(), m); err != nil {
		t.Fatalf("load: %v", err)
	}

	infos := h.List()
	if len(infos) != 1 {
		t.Fatalf("expected 1 instance, got %d", len(infos))
	}
	got := infos[0]
	if got.Name != m.Name || got.State != "running" || len(got.Capabilities) != 1 {
		t.Fatalf("unexpected info: %+v", got)
	}
}
