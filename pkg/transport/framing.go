package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/plume-impactor/impactor/pkg/log"
)

// LengthPrefixSize is the size of the big-endian length prefix.
const LengthPrefixSize = 4

// DefaultMaxMessageSize caps a single frame. installation_proxy browse
// pages on devices with many apps run to several megabytes.
const DefaultMaxMessageSize = 16 << 20

var (
	ErrMessageTooLarge = errors.New("message too large")
	ErrMessageEmpty    = errors.New("message is empty")
	ErrFrameTruncated  = errors.New("frame truncated")
)

// FrameSize returns the size on the wire of a payload of n bytes.
func FrameSize(n int) int {
	return LengthPrefixSize + n
}

// capture records frames to an optional protocol logger.
type capture struct {
	logger log.Logger
	connID string
	layer  log.Layer
}

// SetLogger enables frame capture. A nil logger disables it.
func (c *capture) SetLogger(logger log.Logger, connID string, layer log.Layer) {
	c.logger, c.connID, c.layer = logger, connID, layer
}

func (c *capture) record(dir log.Direction, payload []byte) {
	if c.logger == nil {
		return
	}
	c.logger.Log(log.NewFrameEvent(c.connID, c.layer, dir, FrameSize(len(payload)), payload))
}

// FrameWriter writes length-prefixed frames. It is safe for concurrent use.
type FrameWriter struct {
	capture
	mu  sync.Mutex
	w   io.Writer
	max uint32
}

// NewFrameWriter returns a writer limited to DefaultMaxMessageSize.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return NewFrameWriterWithMaxSize(w, DefaultMaxMessageSize)
}

// NewFrameWriterWithMaxSize returns a writer limited to maxSize bytes per frame.
func NewFrameWriterWithMaxSize(w io.Writer, maxSize uint32) *FrameWriter {
	return &FrameWriter{w: w, max: maxSize}
}

// WriteFrame writes data as one frame. Prefix and payload go out in a
// single write so a concurrent writer cannot interleave.
func (fw *FrameWriter) WriteFrame(data []byte) error {
	switch {
	case len(data) == 0:
		return ErrMessageEmpty
	case uint64(len(data)) > uint64(fw.max):
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(data), fw.max)
	}

	frame := make([]byte, FrameSize(len(data)))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[LengthPrefixSize:], data)

	fw.mu.Lock()
	defer fw.mu.Unlock()
	if _, err := fw.w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	fw.record(log.DirectionOut, data)
	return nil
}

// FrameReader reads length-prefixed frames.
type FrameReader struct {
	capture
	r      io.Reader
	max    uint32
	prefix [LengthPrefixSize]byte
}

// NewFrameReader returns a reader limited to DefaultMaxMessageSize.
func NewFrameReader(r io.Reader) *FrameReader {
	return NewFrameReaderWithMaxSize(r, DefaultMaxMessageSize)
}

// NewFrameReaderWithMaxSize returns a reader limited to maxSize bytes per frame.
func NewFrameReaderWithMaxSize(r io.Reader, maxSize uint32) *FrameReader {
	return &FrameReader{r: r, max: maxSize}
}

// ReadFrame returns the next payload. A clean end of stream before a prefix
// is io.EOF; a stream that ends inside a frame is ErrFrameTruncated.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(fr.r, fr.prefix[:]); err != nil {
		switch {
		case err == io.EOF:
			return nil, io.EOF
		case errors.Is(err, io.ErrUnexpectedEOF):
			return nil, ErrFrameTruncated
		}
		return nil, fmt.Errorf("read length prefix: %w", err)
	}

	n := binary.BigEndian.Uint32(fr.prefix[:])
	if n == 0 {
		return nil, ErrMessageEmpty
	}
	if n > fr.max {
		return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, n, fr.max)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrFrameTruncated
		}
		return nil, fmt.Errorf("read payload: %w", err)
	}
	fr.record(log.DirectionIn, payload)
	return payload, nil
}

// Framer reads and writes frames on one stream.
type Framer struct {
	*FrameReader
	*FrameWriter
}

// NewFramer returns a Framer over rw.
func NewFramer(rw io.ReadWriter) *Framer {
	return &Framer{FrameReader: NewFrameReader(rw), FrameWriter: NewFrameWriter(rw)}
}

// SetLogger enables capture in both directions.
func (f *Framer) SetLogger(logger log.Logger, connID string, layer log.Layer) {
	f.FrameReader.SetLogger(logger, connID, layer)
	f.FrameWriter.SetLogger(logger, connID, layer)
}
