package manifest_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"fgp/internal/ipc"
	"fgp/internal/layout"
	"fgp/internal/manifest"
)

func TestSaveAndLoad(t *testing.T) {
	root := t.TempDir()
	in := &manifest.Manifest{
		Name:        "system",
		Version:     "1.0.0",
		Description: "System information",
		Daemon:      manifest.Daemon{Entrypoint: "bin/fgp-system", Args: []string{"--quiet"}},
		Methods:     []ipc.MethodInfo{{Name: "hardware", Description: "Hardware info"}},
	}
	if err := manifest.Save(root, in); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(layout.ManifestPath(root, "system"))
	if err != nil {
		t.Fatalf("stat manifest: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("manifest perms = %o", info.Mode().Perm())
	}

	out, err := manifest.Load(root, "system")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if out.Version != "1.0.0" || len(out.Methods) != 1 || out.Methods[0].Name != "hardware" {
		t.Fatalf("unexpected manifest %+v", out)
	}
	if got, want := out.EntrypointPath(root), filepath.Join(root, "system", "bin", "fgp-system"); got != want {
		t.Fatalf("EntrypointPath = %q, want %q", got, want)
	}
}

func TestLoadMissingAndMismatched(t *testing.T) {
	root := t.TempDir()
	if _, err := manifest.Load(root, "ghost"); !errors.Is(err, manifest.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if _, err := layout.EnsureServiceDir(root, "notes"); err != nil {
		t.Fatalf("EnsureServiceDir: %v", err)
	}
	if err := os.WriteFile(layout.ManifestPath(root, "notes"), []byte(`{"name":"photos","daemon":{"entrypoint":"/x"}}`), 0o600); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if _, err := manifest.Load(root, "notes"); err == nil {
		t.Fatal("expected error for manifest naming another service")
	}
}

func TestEntrypointAbsoluteAndEmpty(t *testing.T) {
	m := &manifest.Manifest{Name: "x", Daemon: manifest.Daemon{Entrypoint: "/usr/local/bin/fgp-x"}}
	if got := m.EntrypointPath("/root"); got != "/usr/local/bin/fgp-x" {
		t.Fatalf("absolute entrypoint changed: %q", got)
	}
	m.Daemon.Entrypoint = " "
	if got := m.EntrypointPath("/root"); got != "" {
		t.Fatalf("expected empty entrypoint, got %q", got)
	}
}
