package usbmux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/plume-impactor/impactor/pkg/fault"
	"github.com/plume-impactor/impactor/pkg/log"
	"github.com/plume-impactor/impactor/pkg/plistutil"
)

// DefaultProgName identifies this client to the daemon.
const DefaultProgName = "impactor"

// Config configures a Client.
type Config struct {
	// Address overrides the daemon address (see ResolveAddress).
	Address string

	// Dial opens a daemon connection. Defaults to dialing the resolved
	// address.
	Dial func(ctx context.Context) (net.Conn, error)

	// ProgName is reported to the daemon.
	ProgName string

	// Logger for operational messages.
	Logger *slog.Logger

	// ProtocolLogger captures daemon traffic (optional).
	ProtocolLogger log.Logger
}

// Client talks to usbmuxd. It is safe for concurrent use.
type Client struct {
	addr     Address
	dial     func(ctx context.Context) (net.Conn, error)
	progName string
	logger   *slog.Logger
	plog     log.Logger
	tag      atomic.Uint32
}

// NewClient creates a Client. No connection is made until an operation runs.
func NewClient(cfg Config) *Client {
	c := &Client{
		addr:     ResolveAddress(cfg.Address),
		dial:     cfg.Dial,
		progName: cfg.ProgName,
		logger:   cfg.Logger,
		plog:     log.OrNoop(cfg.ProtocolLogger),
	}
	if c.progName == "" {
		c.progName = DefaultProgName
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.dial == nil {
		c.dial = func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, c.addr.Network, c.addr.Addr)
		}
	}
	return c
}

// Address returns the resolved daemon address.
func (c *Client) Address() Address {
	return c.addr
}

// conn is one daemon connection.
type conn struct {
	client *Client
	nc     net.Conn
	connID string
}

func (c *Client) open(ctx context.Context) (*conn, error) {
	nc, err := c.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: connect to usbmuxd at %s: %v", fault.ErrTransport, c.addr, err)
	}
	return &conn{client: c, nc: nc, connID: uuid.NewString()}, nil
}

func (m *conn) close() {
	_ = m.nc.Close()
}

func (m *conn) send(msgType string, fields plistutil.Dict) (uint32, error) {
	c := m.client
	msg := plistutil.Dict{
		"MessageType":         msgType,
		"ClientVersionString": c.progName,
		"ProgName":            c.progName,
		"kLibUSBMuxVersion":   libUSBMuxVersion,
	}
	for k, v := range fields {
		msg[k] = v
	}

	tag := c.tag.Add(1)
	payload, err := writeMessage(m.nc, tag, msg)
	if err != nil {
		return 0, err
	}
	c.plog.Log(log.NewFrameEvent(m.connID, log.LayerUsbmux, log.DirectionOut, len(payload)+headerSize, payload))
	c.plog.Log(log.NewMessageEvent(m.connID, log.LayerUsbmux, log.DirectionOut, log.MessageEvent{
		Type:      log.MessageTypeRequest,
		MessageID: uint64(tag),
		Operation: msgType,
	}))
	return tag, nil
}

func (m *conn) receive() (header, plistutil.Dict, error) {
	h, payload, err := readMessage(m.nc)
	if err != nil {
		return h, nil, err
	}
	m.client.plog.Log(log.NewFrameEvent(m.connID, log.LayerUsbmux, log.DirectionIn, len(payload)+headerSize, payload))
	msg, err := plistutil.DecodeDict(payload)
	if err != nil {
		return h, nil, err
	}
	return h, msg, nil
}

// request sends one message and waits for the reply carrying its tag.
func (m *conn) request(ctx context.Context, msgType string, fields plistutil.Dict) (plistutil.Dict, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = m.nc.SetDeadline(deadline)
		defer m.nc.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() { _ = m.nc.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	tag, err := m.send(msgType, fields)
	if err != nil {
		return nil, err
	}
	for {
		h, msg, err := m.receive()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: usbmuxd closed the connection", fault.ErrTransport)
			}
			return nil, err
		}
		if h.Tag != tag {
			continue
		}
		m.client.plog.Log(log.NewMessageEvent(m.connID, log.LayerUsbmux, log.DirectionIn, log.MessageEvent{
			Type:      log.MessageTypeResponse,
			MessageID: uint64(h.Tag),
			Operation: msgType,
		}))
		if err := checkResult(msgType, msg); err != nil {
			return nil, err
		}
		return msg, nil
	}
}

// do runs a single request on a fresh connection.
func (c *Client) do(ctx context.Context, msgType string, fields plistutil.Dict) (plistutil.Dict, error) {
	m, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	defer m.close()
	return m.request(ctx, msgType, fields)
}

// ListDevices returns the currently attached devices.
func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	resp, err := c.do(ctx, MessageListDevices, nil)
	if err != nil {
		return nil, err
	}
	list, _ := plistutil.Array(resp, "DeviceList")
	devices := make([]Device, 0, len(list))
	for _, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		dev, err := parseDevice(entry)
		if err != nil {
			c.logger.Debug("skipping malformed device record", "error", err)
			continue
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

// Connect opens a tunnel to port on the device. The returned connection
// carries the device's byte stream; the caller owns it.
func (c *Client) Connect(ctx context.Context, deviceID uint32, port uint16) (net.Conn, error) {
	m, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	_, err = m.request(ctx, MessageConnect, plistutil.Dict{
		"DeviceID":   deviceID,
		"PortNumber": htons(port),
	})
	if err != nil {
		m.close()
		return nil, err
	}
	c.plog.Log(log.NewStateEvent(m.connID, log.LayerUsbmux, log.StateEntityConnection, "CONTROL", "TUNNEL", fmt.Sprintf("device %d port %d", deviceID, port)))
	return m.nc, nil
}

// ReadPairRecord returns the pair record for udid. ErrPairRecordNotFound
// means the device has never been paired with this host.
func (c *Client) ReadPairRecord(ctx context.Context, udid string) (*PairRecord, error) {
	resp, err := c.do(ctx, MessageReadPairRecord, plistutil.Dict{"PairRecordID": udid})
	if err != nil {
		var rerr *ResultError
		if errors.As(err, &rerr) && rerr.Number == ResultBadDevice {
			return nil, fmt.Errorf("%w for %s", ErrPairRecordNotFound, udid)
		}
		return nil, err
	}
	data, ok := plistutil.Data(resp, "PairRecordData")
	if !ok {
		return nil, fmt.Errorf("%w for %s", ErrPairRecordNotFound, udid)
	}
	return ParsePairRecord(data)
}

// SavePairRecord stores a pair record for udid.
func (c *Client) SavePairRecord(ctx context.Context, udid string, deviceID uint32, record *PairRecord) error {
	data, err := plistutil.Encode(record.Dict())
	if err != nil {
		return err
	}
	_, err = c.do(ctx, MessageSavePairRecord, plistutil.Dict{
		"PairRecordID":   udid,
		"PairRecordData": data,
		"DeviceID":       deviceID,
	})
	return err
}

// ReadBUID returns the host's system BUID.
func (c *Client) ReadBUID(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, MessageReadBUID, nil)
	if err != nil {
		return "", err
	}
	buid, ok := plistutil.String(resp, "BUID")
	if !ok {
		return "", fmt.Errorf("%w: ReadBUID response without BUID", fault.ErrParse)
	}
	return buid, nil
}

// Subscription delivers Listen notifications in arrival order.
type Subscription struct {
	m      *conn
	events chan Event

	once   sync.Once
	mu     sync.Mutex
	closed bool
	err    error
}

// Listen subscribes to attach and detach notifications. The Events channel
// is closed when the daemon connection ends; Err then reports why.
func (c *Client) Listen(ctx context.Context) (*Subscription, error) {
	m, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := m.request(ctx, MessageListen, nil); err != nil {
		m.close()
		return nil, err
	}

	s := &Subscription{m: m, events: make(chan Event, 16)}
	stop := context.AfterFunc(ctx, func() { s.Close() })
	go func() {
		defer stop()
		s.run(ctx)
	}()
	return s, nil
}

// Events returns the notification channel.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Err returns the error that ended the subscription, or nil after Close.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the subscription.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.m.close()
	})
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.events)
	logger := s.m.client.logger

	for {
		_, msg, err := s.m.receive()
		if err != nil {
			s.mu.Lock()
			if !s.closed && ctx.Err() == nil {
				s.err = err
			}
			s.mu.Unlock()
			return
		}

		var ev Event
		switch t, _ := plistutil.String(msg, "MessageType"); t {
		case MessageAttached:
			dev, err := parseDevice(msg)
			if err != nil {
				logger.Debug("ignoring malformed attach", "error", err)
				continue
			}
			ev = Event{Kind: EventAttached, DeviceID: dev.DeviceID, Device: dev}
		case MessageDetached, MessagePaired:
			id, ok := plistutil.Int(msg, "DeviceID")
			if !ok {
				continue
			}
			ev = Event{Kind: EventDetached, DeviceID: uint32(id)}
			if t == MessagePaired {
				ev.Kind = EventPaired
			}
		default:
			continue
		}

		s.m.client.plog.Log(log.NewMessageEvent(s.m.connID, log.LayerUsbmux, log.DirectionIn, log.MessageEvent{
			Type:      log.MessageTypeNotification,
			Operation: ev.Kind.String(),
		}))

		select {
		case s.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}
