package commands

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/plume-impactor/impactor/pkg/log"
)

func TestCollect(t *testing.T) {
	stats, err := Collect(writeCapture(t))
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	if stats.TotalEvents != 5 {
		t.Errorf("TotalEvents = %d, want 5", stats.TotalEvents)
	}
	if stats.Errors != 1 {
		t.Errorf("Errors = %d, want 1", stats.Errors)
	}
	if len(stats.Connections) != 3 {
		t.Errorf("Connections = %d, want 3", len(stats.Connections))
	}
	if stats.EventsByLayer[log.LayerUsbmux] != 2 || stats.EventsByLayer[log.LayerHTTP] != 2 {
		t.Errorf("EventsByLayer = %v", stats.EventsByLayer)
	}
	if stats.EventsByService["com.apple.afc"] != 1 {
		t.Errorf("EventsByService = %v", stats.EventsByService)
	}
	if got := stats.TimeRange.End.Sub(stats.TimeRange.Start); got != 5*time.Second {
		t.Errorf("time range = %s, want 5s", got)
	}
	if stats.Connections["conn-afc-0001"].DeviceID != "00008030-001A" {
		t.Error("device id not attributed to its connection")
	}

	var buf bytes.Buffer
	printStats(&buf, stats)
	for _, want := range []string{"Total Events: 5", "USBMUX:", "com.apple.afc: 1", "Errors: 1"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("stats output missing %q", want)
		}
	}
}
