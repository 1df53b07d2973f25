package commands

import (
	"path/filepath"
	"testing"

	"github.com/plume-impactor/impactor/pkg/log"
)

func TestRunFilter(t *testing.T) {
	path := writeCapture(t)
	out := filepath.Join(t.TempDir(), "filtered.ilog")

	n, err := RunFilter(path, out, FilterOptions{ConnID: "conn-mux-0003"})
	if err != nil {
		t.Fatalf("RunFilter failed: %v", err)
	}
	if n != 2 {
		t.Errorf("filtered %d events, want 2", n)
	}

	reader, err := log.NewReader(out)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer reader.Close()
	events, err := reader.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("output has %d events, want 2", len(events))
	}

	if _, err := RunFilter(path, out, FilterOptions{Layer: "wire"}); err == nil {
		t.Error("expected error for unknown layer")
	}
	if _, err := RunFilter(path, out, FilterOptions{TimeStart: "yesterday"}); err == nil {
		t.Error("expected error for bad time")
	}
}
