package daemonrun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fgp/internal/ipc"
	"fgp/internal/layout"
)

func shortRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "fgp")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func writeConfig(t *testing.T, root string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	body := fmt.Sprintf("[paths]\nservices_root = %q\n\n[logging]\nlevel = \"warn\"\n", root)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestRunServesUntilShutdown(t *testing.T) {
	root := shortRoot(t)
	t.Setenv(layout.EnvServicesRoot, "")
	cfgPath := writeConfig(t, root)

	done := make(chan error, 1)
	go func() {
		done <- Run(context.Background(), Options{
			Name:       "notes",
			Version:    "0.1.0",
			ConfigPath: cfgPath,
			Register: func(host *ipc.Host, _ *slog.Logger) error {
				return host.Handle("count", func(context.Context, json.RawMessage) (any, error) {
					return map[string]int{"count": 3}, nil
				}, ipc.MethodInfo{Description: "Count notes"})
			},
		})
	}()

	client := ipc.NewClient(layout.SocketPath(root, "notes"), ipc.WithTimeout(time.Second))
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := client.Ping(context.Background()); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("service never answered ping")
		}
		time.Sleep(10 * time.Millisecond)
	}

	var out map[string]int
	if err := client.Call(context.Background(), "notes.count", nil, &out); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out["count"] != 3 {
		t.Fatalf("count = %d, want 3", out["count"])
	}

	if err := client.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after shutdown")
	}
	if _, err := os.Stat(layout.SocketPath(root, "notes")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("socket still present: %v", err)
	}
}

func TestRunRejectsInvalidName(t *testing.T) {
	t.Setenv("FGP_SERVICE_NAME", "")
	err := Run(context.Background(), Options{Name: "Not Valid"})
	if !errors.Is(err, layout.ErrInvalidName) {
		t.Fatalf("expected ErrInvalidName, got %v", err)
	}
	if code := ExitCode(err); code != ExitUsage {
		t.Fatalf("ExitCode = %d, want %d", code, ExitUsage)
	}
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, ExitOK},
		{fmt.Errorf("bind: %w", ipc.ErrAddressInUse), ExitAddressUsed},
		{errors.New("boom"), ExitFailure},
	}
	for _, tc := range cases {
		if got := ExitCode(tc.err); got != tc.want {
			t.Fatalf("ExitCode(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
