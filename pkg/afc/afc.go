// Package afc is a client for the Apple File Conduit protocol, the file
// transfer service behind com.apple.afc and house_arrest containers.
package afc

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/plume-impactor/impactor/pkg/fault"
	"github.com/plume-impactor/impactor/pkg/log"
)

// ServiceName is the lockdown service for the media partition.
const ServiceName = "com.apple.afc"

// Open modes.
type Mode uint64

const (
	ModeRdOnly   Mode = 1
	ModeRw       Mode = 2
	ModeWrOnly   Mode = 3
	ModeWr       Mode = 4 // create or truncate
	ModeAppend   Mode = 5
	ModeRdAppend Mode = 6
)

// ChunkSize is the largest payload sent in one write packet.
const ChunkSize = 64 << 10

// Status codes.
const (
	StatusSuccess        = 0
	StatusUnknownError   = 1
	StatusInvalidArg     = 7
	StatusObjectNotFound = 8
	StatusObjectIsDir    = 9
	StatusPermDenied     = 10
	StatusObjectExists   = 16
	StatusNoSpaceLeft    = 18
)

// StatusError is a non-zero AFC status.
type StatusError struct {
	Op   Operation
	Path string
	Code uint64
}

func (e *StatusError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("afc %s %s: status %d", e.Op, e.Path, e.Code)
	}
	return fmt.Sprintf("afc %s: status %d", e.Op, e.Code)
}

// Is reports whether target is fault.ErrTransport, or fault.ErrNotFound for
// a missing object.
func (e *StatusError) Is(target error) bool {
	if target == fault.ErrNotFound {
		return e.Code == StatusObjectNotFound
	}
	return target == fault.ErrTransport
}

// Config configures a Client.
type Config struct {
	Logger         *slog.Logger
	ProtocolLogger log.Logger
	Service        string
}

// Client is an AFC session. Operations are serialized.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	num     uint64
	logger  *slog.Logger
	plog    log.Logger
	connID  string
	service string
}

// NewClient starts an AFC session on conn.
func NewClient(conn net.Conn, cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Service == "" {
		cfg.Service = ServiceName
	}
	return &Client{
		conn:    conn,
		logger:  cfg.Logger,
		plog:    log.OrNoop(cfg.ProtocolLogger),
		connID:  uuid.NewString(),
		service: cfg.Service,
	}
}

// Close ends the session.
func (c *Client) Close() error {
	return c.conn.Close()
}

// roundTrip sends one request and reads its reply. A Status reply with a
// non-zero code becomes a StatusError.
func (c *Client) roundTrip(ctx context.Context, op Operation, path string, header, payload []byte) (*packet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}

	req := &packet{Num: c.num, Op: op, Header: header, Payload: payload}
	c.num++
	data := req.encode()
	if _, err := c.conn.Write(data); err != nil {
		return nil, fmt.Errorf("%w: afc write: %v", fault.ErrTransport, err)
	}
	c.logFrame(log.DirectionOut, data)

	resp, err := readPacket(c.conn)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: afc read: %v", fault.ErrTransport, err)
	}
	c.logFrame(log.DirectionIn, resp.Header)

	if resp.Op == OpStatus {
		if len(resp.Header) < 8 {
			return nil, fmt.Errorf("%w: %v", fault.ErrTransport, errShortHeader)
		}
		if code := binary.LittleEndian.Uint64(resp.Header[:8]); code != StatusSuccess {
			return nil, &StatusError{Op: op, Path: path, Code: code}
		}
	}
	return resp, nil
}

func (c *Client) logFrame(dir log.Direction, data []byte) {
	ev := log.NewFrameEvent(c.connID, log.LayerService, dir, len(data), data)
	ev.Service = c.service
	c.plog.Log(ev)
}

// ReadDir lists a directory, without "." and "..".
func (c *Client) ReadDir(ctx context.Context, path string) ([]string, error) {
	resp, err := c.roundTrip(ctx, OpReadDir, path, cstring(path), nil)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, name := range splitNul(resp.Payload) {
		if name == "." || name == ".." || name == "" {
			continue
		}
		out = append(out, name)
	}
	return out, nil
}

// MakeDir creates a directory and any missing parents.
func (c *Client) MakeDir(ctx context.Context, path string) error {
	_, err := c.roundTrip(ctx, OpMakeDir, path, cstring(path), nil)
	return err
}

// Remove deletes a file or empty directory.
func (c *Client) Remove(ctx context.Context, path string) error {
	_, err := c.roundTrip(ctx, OpRemovePath, path, cstring(path), nil)
	return err
}

// Stat returns the file info dictionary (st_size, st_ifmt, ...).
func (c *Client) Stat(ctx context.Context, path string) (map[string]string, error) {
	resp, err := c.roundTrip(ctx, OpGetFileInfo, path, cstring(path), nil)
	if err != nil {
		return nil, err
	}
	parts := splitNul(resp.Payload)
	info := make(map[string]string, len(parts)/2)
	for i := 0; i+1 < len(parts); i += 2 {
		info[parts[i]] = parts[i+1]
	}
	return info, nil
}

// File is an open file handle.
type File struct {
	c      *Client
	path   string
	handle uint64
}

// Open opens path with mode.
func (c *Client) Open(ctx context.Context, path string, mode Mode) (*File, error) {
	header := append(u64(uint64(mode)), cstring(path)...)
	resp, err := c.roundTrip(ctx, OpFileOpen, path, header, nil)
	if err != nil {
		return nil, err
	}
	if resp.Op != OpFileOpenResult || len(resp.Header) < 8 {
		return nil, fmt.Errorf("%w: unexpected %s reply to FileOpen", fault.ErrTransport, resp.Op)
	}
	return &File{c: c, path: path, handle: binary.LittleEndian.Uint64(resp.Header[:8])}, nil
}

// Write writes data in ChunkSize pieces.
func (f *File) Write(ctx context.Context, data []byte) (int, error) {
	written := 0
	for written < len(data) {
		end := written + ChunkSize
		if end > len(data) {
			end = len(data)
		}
		if _, err := f.c.roundTrip(ctx, OpFileWrite, f.path, u64(f.handle), data[written:end]); err != nil {
			return written, err
		}
		written = end
	}
	return written, nil
}

// Read reads up to n bytes.
func (f *File) Read(ctx context.Context, n int) ([]byte, error) {
	header := append(u64(f.handle), u64(uint64(n))...)
	resp, err := f.c.roundTrip(ctx, OpFileRead, f.path, header, nil)
	if err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// Close releases the handle.
func (f *File) Close(ctx context.Context) error {
	_, err := f.c.roundTrip(ctx, OpFileClose, f.path, u64(f.handle), nil)
	return err
}

// WriteFile creates or truncates path and writes data to it.
func (c *Client) WriteFile(ctx context.Context, path string, data []byte) error {
	f, err := c.Open(ctx, path, ModeWr)
	if err != nil {
		return err
	}
	if _, err := f.Write(ctx, data); err != nil {
		_ = f.Close(ctx)
		return err
	}
	return f.Close(ctx)
}
