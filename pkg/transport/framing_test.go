package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/plume-impactor/impactor/pkg/log"
)

func TestFrameWriterReader(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"small message", []byte("hello")},
		{"plist sized", bytes.Repeat([]byte("x"), 70000)},
		{"single byte", []byte{0x42}},
		{"binary data", []byte{0x00, 0xFF, 0x7F, 0x80}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := new(bytes.Buffer)

			if err := NewFrameWriter(buf).WriteFrame(tt.payload); err != nil {
				t.Fatalf("WriteFrame failed: %v", err)
			}
			if buf.Len() != FrameSize(len(tt.payload)) {
				t.Errorf("frame size = %d, want %d", buf.Len(), FrameSize(len(tt.payload)))
			}
			if got := binary.BigEndian.Uint32(buf.Bytes()[:4]); got != uint32(len(tt.payload)) {
				t.Errorf("length prefix = %d, want %d", got, len(tt.payload))
			}

			got, err := NewFrameReader(buf).ReadFrame()
			if err != nil {
				t.Fatalf("ReadFrame failed: %v", err)
			}
			if !bytes.Equal(got, tt.payload) {
				t.Errorf("payload mismatch: got %d bytes, want %d bytes", len(got), len(tt.payload))
			}
		})
	}
}

func TestFrameErrors(t *testing.T) {
	t.Run("empty write", func(t *testing.T) {
		err := NewFrameWriter(new(bytes.Buffer)).WriteFrame(nil)
		if !errors.Is(err, ErrMessageEmpty) {
			t.Errorf("expected ErrMessageEmpty, got %v", err)
		}
	})

	t.Run("write too large", func(t *testing.T) {
		w := NewFrameWriterWithMaxSize(new(bytes.Buffer), 4)
		if err := w.WriteFrame([]byte("12345")); !errors.Is(err, ErrMessageTooLarge) {
			t.Errorf("expected ErrMessageTooLarge, got %v", err)
		}
	})

	t.Run("read too large", func(t *testing.T) {
		buf := new(bytes.Buffer)
		_ = NewFrameWriter(buf).WriteFrame([]byte("12345"))
		if _, err := NewFrameReaderWithMaxSize(buf, 4).ReadFrame(); !errors.Is(err, ErrMessageTooLarge) {
			t.Errorf("expected ErrMessageTooLarge, got %v", err)
		}
	})

	t.Run("zero length", func(t *testing.T) {
		buf := bytes.NewBuffer([]byte{0, 0, 0, 0})
		if _, err := NewFrameReader(buf).ReadFrame(); !errors.Is(err, ErrMessageEmpty) {
			t.Errorf("expected ErrMessageEmpty, got %v", err)
		}
	})

	t.Run("truncated payload", func(t *testing.T) {
		buf := bytes.NewBuffer([]byte{0, 0, 0, 10, 'a', 'b'})
		if _, err := NewFrameReader(buf).ReadFrame(); !errors.Is(err, ErrFrameTruncated) {
			t.Errorf("expected ErrFrameTruncated, got %v", err)
		}
	})

	t.Run("truncated prefix", func(t *testing.T) {
		buf := bytes.NewBuffer([]byte{0, 0})
		if _, err := NewFrameReader(buf).ReadFrame(); !errors.Is(err, ErrFrameTruncated) {
			t.Errorf("expected ErrFrameTruncated, got %v", err)
		}
	})

	t.Run("clean eof", func(t *testing.T) {
		if _, err := NewFrameReader(new(bytes.Buffer)).ReadFrame(); err != io.EOF {
			t.Errorf("expected io.EOF, got %v", err)
		}
	})
}

type captureLogger struct {
	mu     sync.Mutex
	events []log.Event
}

func (c *captureLogger) Log(e log.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func TestFramerLogging(t *testing.T) {
	buf := new(bytes.Buffer)
	logger := &captureLogger{}

	f := NewFramer(buf)
	f.SetLogger(logger, "conn-1", log.LayerLockdown)

	if err := f.WriteFrame([]byte("ping")); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	if _, err := f.ReadFrame(); err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}

	if len(logger.events) != 2 {
		t.Fatalf("got %d events, want 2", len(logger.events))
	}
	out, in := logger.events[0], logger.events[1]
	if out.Direction != log.DirectionOut || in.Direction != log.DirectionIn {
		t.Error("directions not recorded")
	}
	if out.Layer != log.LayerLockdown || out.ConnectionID != "conn-1" {
		t.Errorf("unexpected event identity: %+v", out)
	}
	if out.Frame.Size != 8 {
		t.Errorf("frame size = %d, want 8", out.Frame.Size)
	}
}
