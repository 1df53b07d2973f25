package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/plume-impactor/impactor/pkg/fault"
	"github.com/plume-impactor/impactor/pkg/log"
	"github.com/plume-impactor/impactor/pkg/plistutil"
)

// PlistConn exchanges length-prefixed plist messages over a device
// connection.
type PlistConn struct {
	mu     sync.Mutex
	conn   net.Conn
	framer *Framer

	logger log.Logger
	connID string
	layer  log.Layer
}

// NewPlistConn wraps conn.
func NewPlistConn(conn net.Conn) *PlistConn {
	return &PlistConn{
		conn:   conn,
		framer: NewFramer(conn),
		logger: log.NoopLogger{},
	}
}

// SetLogger enables protocol capture of frames and decoded messages.
func (c *PlistConn) SetLogger(logger log.Logger, connID string, layer log.Layer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger = log.OrNoop(logger)
	c.connID = connID
	c.layer = layer
	c.framer.SetLogger(logger, connID, layer)
}

// Conn returns the underlying connection, e.g. to hand it over to AFC after
// house_arrest has vended a container.
func (c *PlistConn) Conn() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Send encodes v as an XML plist and writes it as one frame.
func (c *PlistConn) Send(v any) error {
	data, err := plistutil.Encode(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	framer := c.framer
	c.mu.Unlock()

	if err := framer.WriteFrame(data); err != nil {
		return fmt.Errorf("%w: %v", fault.ErrTransport, err)
	}
	return nil
}

// Receive reads one frame and decodes it into a dictionary.
func (c *PlistConn) Receive() (plistutil.Dict, error) {
	c.mu.Lock()
	framer := c.framer
	c.mu.Unlock()

	data, err := framer.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fault.ErrTransport, err)
	}
	return plistutil.DecodeDict(data)
}

// ReceiveInto reads one frame and decodes it into v.
func (c *PlistConn) ReceiveInto(v any) error {
	c.mu.Lock()
	framer := c.framer
	c.mu.Unlock()

	data, err := framer.ReadFrame()
	if err != nil {
		return fmt.Errorf("%w: %v", fault.ErrTransport, err)
	}
	return plistutil.Decode(data, v)
}

// Request sends v and returns the next message.
func (c *PlistConn) Request(ctx context.Context, v any) (plistutil.Dict, error) {
	c.applyDeadline(ctx)
	defer c.clearDeadline()

	if err := c.Send(v); err != nil {
		return nil, err
	}
	return c.Receive()
}

// UpgradeTLS performs a client TLS handshake over the current connection and
// switches all further frames to the encrypted stream.
func (c *PlistConn) UpgradeTLS(ctx context.Context, cfg *tls.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tlsConn := tls.Client(c.conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("%w: tls handshake: %v", fault.ErrTransport, err)
	}

	c.conn = tlsConn
	c.framer = NewFramer(tlsConn)
	if c.logger != nil {
		c.framer.SetLogger(c.logger, c.connID, c.layer)
		c.logger.Log(log.NewStateEvent(c.connID, c.layer, log.StateEntityConnection, "PLAIN", "TLS", ""))
	}
	return nil
}

// Close closes the underlying connection.
func (c *PlistConn) Close() error {
	return c.Conn().Close()
}

func (c *PlistConn) applyDeadline(ctx context.Context) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.Conn().SetDeadline(deadline)
	}
}

func (c *PlistConn) clearDeadline() {
	_ = c.Conn().SetDeadline(time.Time{})
}
