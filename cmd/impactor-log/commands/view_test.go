package commands

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/plume-impactor/impactor/pkg/log"
)

// Shared fixtures for the command tests.

var base = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

func sampleEvents() []log.Event {
	afcReq := log.NewMessageEvent("conn-afc-0001", log.LayerService, log.DirectionOut, log.MessageEvent{
		Type:      log.MessageTypeRequest,
		MessageID: 3,
		Operation: "FileRefOpen",
	})
	afcReq.Timestamp = base
	afcReq.Service = "com.apple.afc"
	afcReq.DeviceID = "00008030-001A"

	httpResp := log.NewMessageEvent("conn-http-0002", log.LayerHTTP, log.DirectionIn, log.MessageEvent{
		Type:      log.MessageTypeResponse,
		Operation: "listTeams.action",
		Endpoint:  "https://developerservices2.apple.com/services/QH65B2/listTeams.action",
		Status:    log.Int64(200),
		Payload:   map[any]any{"resultCode": int64(0)},
	})
	httpResp.Timestamp = base.Add(2 * time.Second)

	state := log.NewStateEvent("conn-http-0002", log.LayerHTTP, log.StateEntityLogin, "AWAITING_CREDENTIALS", "DONE", "")
	state.Timestamp = base.Add(3 * time.Second)

	fail := log.NewErrorEvent("conn-mux-0003", log.LayerUsbmux, errors.New("connection refused"), "Connect")
	fail.Timestamp = base.Add(4 * time.Second)

	frame := log.NewFrameEvent("conn-mux-0003", log.LayerUsbmux, log.DirectionOut, 20, []byte{0x00, 0x00, 0x00, 0x10})
	frame.Timestamp = base.Add(5 * time.Second)

	return []log.Event{afcReq, httpResp, state, fail, frame}
}

func writeCapture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.ilog")
	logger, err := log.NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	for _, e := range sampleEvents() {
		logger.Log(e)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	return path
}

func TestFormatEvent(t *testing.T) {
	events := sampleEvents()

	tests := []struct {
		name  string
		event log.Event
		want  []string
	}{
		{
			name:  "service request",
			event: events[0],
			want:  []string{"2026-03-02T09:30:00.000000Z", "[conn:conn-afc]", "OUT", "SERVICE REQUEST com.apple.afc", "Device: 00008030-001A", "Operation: FileRefOpen", "MessageID: 3"},
		},
		{
			name:  "http response",
			event: events[1],
			want:  []string{"HTTP RESPONSE", "Status: 200", "Endpoint: https://developerservices2.apple.com", `Payload: {"resultCode":0}`},
		},
		{
			name:  "state change",
			event: events[2],
			want:  []string{"State", "Entity: LOGIN", "AWAITING_CREDENTIALS -> DONE"},
		},
		{
			name:  "error",
			event: events[3],
			want:  []string{"USBMUX Error", "Message: connection refused", "Context: Connect"},
		},
		{
			name:  "frame",
			event: events[4],
			want:  []string{"Frame", "Size: 20 bytes", "Data: 00000010"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			FormatEvent(&buf, tt.event)
			out := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("output missing %q:\n%s", w, out)
				}
			}
		})
	}
}

func TestRunView(t *testing.T) {
	path := writeCapture(t)

	t.Run("all events", func(t *testing.T) {
		var buf bytes.Buffer
		if err := RunView(path, ViewFilter{}, &buf); err != nil {
			t.Fatalf("RunView failed: %v", err)
		}
		if got := strings.Count(buf.String(), "[conn:"); got != 5 {
			t.Errorf("rendered %d events, want 5", got)
		}
	})

	t.Run("layer filter", func(t *testing.T) {
		layer := log.LayerUsbmux
		var buf bytes.Buffer
		if err := RunView(path, ViewFilter{Layer: &layer}, &buf); err != nil {
			t.Fatalf("RunView failed: %v", err)
		}
		out := buf.String()
		if strings.Count(out, "[conn:") != 2 || strings.Contains(out, "HTTP") {
			t.Errorf("unexpected output:\n%s", out)
		}
	})

	t.Run("service filter", func(t *testing.T) {
		var buf bytes.Buffer
		if err := RunView(path, ViewFilter{Service: "com.apple.afc"}, &buf); err != nil {
			t.Fatalf("RunView failed: %v", err)
		}
		if strings.Count(buf.String(), "[conn:") != 1 {
			t.Errorf("unexpected output:\n%s", buf.String())
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if err := RunView(filepath.Join(t.TempDir(), "none.ilog"), ViewFilter{}, &bytes.Buffer{}); err == nil {
			t.Error("expected error")
		}
	})
}

func TestParseFlags(t *testing.T) {
	if l, err := ParseLayer("HTTP"); err != nil || l != log.LayerHTTP {
		t.Errorf("ParseLayer(HTTP) = %v, %v", l, err)
	}
	if d, err := ParseDirection("in"); err != nil || d != log.DirectionIn {
		t.Errorf("ParseDirection(in) = %v, %v", d, err)
	}
	if c, err := ParseCategory("state"); err != nil || c != log.CategoryState {
		t.Errorf("ParseCategory(state) = %v, %v", c, err)
	}
	if _, err := ParseCategory("control"); err == nil {
		t.Error("expected error for control")
	}
}
