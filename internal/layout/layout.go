// Package layout resolves where gateway services keep their sockets and
// sibling files on disk.
//
// Every service owns one directory under the services root:
//
//	<root>/<name>/daemon.sock       request socket
//	<root>/<name>/daemon.pid        pid of the bound host
//	<root>/<name>/daemon.log        stdout/stderr of a spawned process
//	<root>/<name>/manifest.json     registration data
//	<root>/<name>/.lifecycle.lock   serializes start/stop across processes
//
// Paths are derived purely from the root and the service name so the host,
// the client and the lifecycle manager always agree without coordination.
package layout

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// EnvServicesRoot overrides the services root for the front-end and every
// process it spawns.
const EnvServicesRoot = "FGP_SERVICES_ROOT"

const (
	SocketFile   = "daemon.sock"
	PIDFile      = "daemon.pid"
	LogFile      = "daemon.log"
	ManifestFile = "manifest.json"
	LockFile     = ".lifecycle.lock"
)

// MaxNameLength bounds service names so socket paths stay under the
// platform's sun_path limit for typical home directories.
const MaxNameLength = 64

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// ErrInvalidName reports a service name that cannot be mapped to a directory.
var ErrInvalidName = errors.New("invalid service name")

// ValidateName rejects names that are empty, too long, or contain characters
// outside [a-z0-9._-].
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case len(name) > MaxNameLength:
		return fmt.Errorf("%w: %q exceeds %d characters", ErrInvalidName, name, MaxNameLength)
	case !namePattern.MatchString(name), strings.Contains(name, ".."):
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// DefaultRoot returns ~/.fgp/services.
func DefaultRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".fgp", "services"), nil
}

// Root returns the services root, honouring FGP_SERVICES_ROOT.
func Root() (string, error) {
	if value := strings.TrimSpace(os.Getenv(EnvServicesRoot)); value != "" {
		return filepath.Abs(value)
	}
	return DefaultRoot()
}

func ServiceDir(root, name string) string { return filepath.Join(root, name) }

// SocketPath is deterministic: the same root and name always yield the same path.
func SocketPath(root, name string) string { return filepath.Join(root, name, SocketFile) }

func PIDPath(root, name string) string { return filepath.Join(root, name, PIDFile) }

func LogPath(root, name string) string { return filepath.Join(root, name, LogFile) }

func ManifestPath(root, name string) string { return filepath.Join(root, name, ManifestFile) }

func LockPath(root, name string) string { return filepath.Join(root, name, LockFile) }

// EnsureServiceDir creates the per-service directory (and the root) with
// owner-only permissions.
func EnsureServiceDir(root, name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	dir := ServiceDir(root, name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create service directory %q: %w", dir, err)
	}
	return dir, nil
}

// Discover lists the valid service names that have a directory under root.
// A missing root yields an empty list.
func Discover(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read services root: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || ValidateName(entry.Name()) != nil {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}
