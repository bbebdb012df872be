package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/septivank/watersystem-sync/internal/syncerr"
	"go.uber.org/zap"
)

func TestUsage_Free(t *testing.T) {
	tests := []struct {
		usage Usage
		want  uint64
	}{
		{Usage{Total: 1000, Used: 400}, 600},
		{Usage{Total: 1000, Used: 1000}, 0},
		{Usage{Total: 100, Used: 250}, 0},
	}
	for _, tt := range tests {
		if got := tt.usage.Free(); got != tt.want {
			t.Errorf("Free(%+v): expected %d, got %d", tt.usage, tt.want, got)
		}
	}
}

func TestMedium_Format(t *testing.T) {
	m := NewMedium(t.TempDir(), zap.NewNop())
	if err := os.MkdirAll(m.Path("WATER_DB", "READINGS"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(m.Path("watersystem.db"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	removed, err := m.Format()
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if removed != 2 {
		t.Errorf("Expected 2 entries removed, got %d", removed)
	}

	removed, err = m.Format()
	if err != nil || removed != 0 {
		t.Errorf("Expected empty medium, got %d, %v", removed, err)
	}
	if !m.Available() {
		t.Error("Expected mount point to survive format")
	}
}

func TestMedium_AccessWithoutMount(t *testing.T) {
	m := NewMedium(filepath.Join(t.TempDir(), "missing"), zap.NewNop())

	called := false
	err := m.Access(func() error {
		called = true
		return nil
	})
	if !errors.Is(err, syncerr.ErrStorageUnavailable) {
		t.Errorf("Expected storage unavailable, got %v", err)
	}
	if called {
		t.Error("Expected fn not to run without the medium")
	}
	if _, err := m.Usage(); !errors.Is(err, syncerr.ErrStorageUnavailable) {
		t.Errorf("Expected usage to fail without the medium, got %v", err)
	}
}
