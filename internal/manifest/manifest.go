// Package manifest reads and writes the manifest.json that registers a
// service under the services root.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"

	"fgp/internal/ipc"
	"fgp/internal/layout"
)

// ErrNotFound indicates the service has no manifest.
var ErrNotFound = errors.New("manifest not found")

// Daemon describes how to launch the service executable.
type Daemon struct {
	Entrypoint string   `json:"entrypoint"`
	Args       []string `json:"args,omitempty"`
}

// Manifest is the on-disk registration record of a service.
type Manifest struct {
	Name        string           `json:"name"`
	Version     string           `json:"version,omitempty"`
	Description string           `json:"description,omitempty"`
	Daemon      Daemon           `json:"daemon"`
	Methods     []ipc.MethodInfo `json:"methods,omitempty"`
}

// Load reads the manifest of name under root.
func Load(root, name string) (*Manifest, error) {
	path := layout.ManifestPath(root, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if m.Name == "" {
		m.Name = name
	}
	if m.Name != name {
		return nil, fmt.Errorf("manifest %s names service %q", path, m.Name)
	}
	return &m, nil
}

// Save writes the manifest atomically, creating the service directory.
func Save(root string, m *Manifest) error {
	if m == nil {
		return errors.New("save manifest: nil manifest")
	}
	if _, err := layout.EnsureServiceDir(root, m.Name); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	data = append(data, '\n')
	if err := renameio.WriteFile(layout.ManifestPath(root, m.Name), data, 0o600); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// EntrypointPath resolves the entrypoint. Relative entrypoints are relative
// to the service directory; an empty entrypoint yields "".
func (m *Manifest) EntrypointPath(root string) string {
	entry := strings.TrimSpace(m.Daemon.Entrypoint)
	if entry == "" {
		return ""
	}
	if filepath.IsAbs(entry) {
		return entry
	}
	return filepath.Join(layout.ServiceDir(root, m.Name), entry)
}
