// Package lockdown is a client for lockdownd, the device service that
// reports device values, handles pairing, and starts other services.
package lockdown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/google/uuid"
	"github.com/plume-impactor/impactor/pkg/cert"
	"github.com/plume-impactor/impactor/pkg/fault"
	"github.com/plume-impactor/impactor/pkg/log"
	"github.com/plume-impactor/impactor/pkg/plistutil"
	"github.com/plume-impactor/impactor/pkg/transport"
	"github.com/plume-impactor/impactor/pkg/usbmux"
)

// Port is the lockdownd port on the device.
const Port = 62078

// DefaultLabel identifies this host in lockdown requests.
const DefaultLabel = "impactor"

// ServiceType is the QueryType answer of a genuine lockdownd.
const ServiceType = "com.apple.mobile.lockdown"

// Errors reported by lockdownd. All wrap fault.ErrTransport.
var (
	// ErrPairingDialogPending means the trust dialog is showing on the
	// device. Retry after the user responds.
	ErrPairingDialogPending = fmt.Errorf("%w: pairing dialog response pending", fault.ErrTransport)

	// ErrPasswordProtected means the device must be unlocked first.
	ErrPasswordProtected = fmt.Errorf("%w: device is password protected", fault.ErrTransport)

	// ErrUserDeniedPairing means the user tapped "Don't Trust".
	ErrUserDeniedPairing = fmt.Errorf("%w: user denied pairing", fault.ErrTransport)

	// ErrInvalidHostID means the device does not know our pair record.
	ErrInvalidHostID = fmt.Errorf("%w: invalid host id", fault.ErrTransport)

	// ErrNoSession is returned by operations that need a session.
	ErrNoSession = errors.New("lockdown: no active session")
)

// Error is a lockdownd error string not mapped to a sentinel.
type Error struct {
	Request string
	Code    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("lockdown %s: %s", e.Request, e.Code)
}

// Is reports whether target is fault.ErrTransport.
func (e *Error) Is(target error) bool {
	return target == fault.ErrTransport
}

func mapError(request, code string) error {
	switch code {
	case "PairingDialogResponsePending":
		return ErrPairingDialogPending
	case "PasswordProtected":
		return ErrPasswordProtected
	case "UserDeniedPairing":
		return ErrUserDeniedPairing
	case "InvalidHostID":
		return ErrInvalidHostID
	default:
		return &Error{Request: request, Code: code}
	}
}

// Dialer opens tunnels to device ports. *usbmux.Client implements it.
type Dialer interface {
	Connect(ctx context.Context, deviceID uint32, port uint16) (net.Conn, error)
}

// Config configures a Client.
type Config struct {
	// Label identifies this host. Defaults to DefaultLabel.
	Label string

	// Logger for operational messages.
	Logger *slog.Logger

	// ProtocolLogger captures lockdown traffic (optional).
	ProtocolLogger log.Logger
}

// Client is one lockdownd connection.
type Client struct {
	pc        *transport.PlistConn
	label     string
	logger    *slog.Logger
	sessionID string
}

// Dial connects to lockdownd on the device.
func Dial(ctx context.Context, d Dialer, deviceID uint32, cfg Config) (*Client, error) {
	conn, err := d.Connect(ctx, deviceID, Port)
	if err != nil {
		return nil, err
	}
	return NewClient(conn, cfg), nil
}

// NewClient wraps an established lockdownd connection.
func NewClient(conn net.Conn, cfg Config) *Client {
	if cfg.Label == "" {
		cfg.Label = DefaultLabel
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	pc := transport.NewPlistConn(conn)
	if cfg.ProtocolLogger != nil {
		pc.SetLogger(cfg.ProtocolLogger, uuid.NewString(), log.LayerLockdown)
	}
	return &Client{pc: pc, label: cfg.Label, logger: cfg.Logger}
}

// Close ends the connection.
func (c *Client) Close() error {
	return c.pc.Close()
}

// request sends a lockdown request and checks the reply's Error field.
func (c *Client) request(ctx context.Context, name string, fields plistutil.Dict) (plistutil.Dict, error) {
	req := plistutil.Dict{"Label": c.label, "Request": name}
	for k, v := range fields {
		req[k] = v
	}
	resp, err := c.pc.Request(ctx, req)
	if err != nil {
		return nil, err
	}
	if code, ok := plistutil.String(resp, "Error"); ok && code != "" {
		return nil, mapError(name, code)
	}
	return resp, nil
}

// QueryType returns the service type, ServiceType for lockdownd.
func (c *Client) QueryType(ctx context.Context) (string, error) {
	resp, err := c.request(ctx, "QueryType", nil)
	if err != nil {
		return "", err
	}
	return plistutil.StringOr(resp, "Type", ""), nil
}

// GetValue reads a value. Empty domain and key return the whole default
// domain as a dictionary.
func (c *Client) GetValue(ctx context.Context, domain, key string) (any, error) {
	fields := plistutil.Dict{}
	if domain != "" {
		fields["Domain"] = domain
	}
	if key != "" {
		fields["Key"] = key
	}
	resp, err := c.request(ctx, "GetValue", fields)
	if err != nil {
		return nil, err
	}
	v, ok := resp["Value"]
	if !ok {
		return nil, fmt.Errorf("%w: GetValue %s/%s returned no value", fault.ErrParse, domain, key)
	}
	return v, nil
}

// GetString reads a string value.
func (c *Client) GetString(ctx context.Context, domain, key string) (string, error) {
	v, err := c.GetValue(ctx, domain, key)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s is %T, not a string", fault.ErrParse, key, v)
	}
	return s, nil
}

// DeviceName returns the user-visible device name.
func (c *Client) DeviceName(ctx context.Context) (string, error) {
	return c.GetString(ctx, "", "DeviceName")
}

// Pair creates a new pair record and asks the device to trust it. hostID and
// systemBUID identify this host; hostID defaults to a new UUID. The caller
// stores the returned record with the daemon.
func (c *Client) Pair(ctx context.Context, hostID, systemBUID string) (*usbmux.PairRecord, error) {
	pubKey, err := c.GetValue(ctx, "", "DevicePublicKey")
	if err != nil {
		return nil, err
	}
	pubPEM, ok := pubKey.([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: DevicePublicKey is %T", fault.ErrParse, pubKey)
	}
	wifi, err := c.GetString(ctx, "", "WiFiAddress")
	if err != nil {
		c.logger.Debug("device has no WiFiAddress", "error", err)
	}

	certs, err := cert.GeneratePairCertificates(pubPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fault.ErrTransport, err)
	}
	if hostID == "" {
		hostID = strings.ToUpper(uuid.NewString())
	}

	record := &usbmux.PairRecord{
		HostID:            hostID,
		SystemBUID:        systemBUID,
		HostCertificate:   certs.HostCertificate,
		HostPrivateKey:    certs.HostPrivateKey,
		RootCertificate:   certs.RootCertificate,
		RootPrivateKey:    certs.RootPrivateKey,
		DeviceCertificate: certs.DeviceCertificate,
		WiFiMACAddress:    wifi,
	}

	resp, err := c.request(ctx, "Pair", plistutil.Dict{
		"PairRecord": plistutil.Dict{
			"DeviceCertificate": certs.DeviceCertificate,
			"HostCertificate":   certs.HostCertificate,
			"RootCertificate":   certs.RootCertificate,
			"HostID":            hostID,
			"SystemBUID":        systemBUID,
		},
		"ProtocolVersion": "2",
		"PairingOptions":  plistutil.Dict{"ExtendedPairingErrors": true},
	})
	if err != nil {
		return nil, err
	}
	record.EscrowBag, _ = plistutil.Data(resp, "EscrowBag")
	c.logger.Info("device paired", "host_id", hostID)
	return record, nil
}

// StartSession authenticates with a pair record and switches to TLS when
// the device asks for it.
func (c *Client) StartSession(ctx context.Context, record *usbmux.PairRecord) error {
	resp, err := c.request(ctx, "StartSession", plistutil.Dict{
		"HostID":     record.HostID,
		"SystemBUID": record.SystemBUID,
	})
	if err != nil {
		return err
	}
	c.sessionID = plistutil.StringOr(resp, "SessionID", "")

	if ssl, _ := plistutil.Bool(resp, "EnableSessionSSL"); ssl {
		tlsCfg, err := transport.SessionTLSConfig(&transport.TLSConfig{
			HostCertificate: record.HostCertificate,
			HostPrivateKey:  record.HostPrivateKey,
			RootCertificate: record.RootCertificate,
		})
		if err != nil {
			return fmt.Errorf("%w: %v", fault.ErrTransport, err)
		}
		if err := c.pc.UpgradeTLS(ctx, tlsCfg); err != nil {
			return err
		}
	}
	return nil
}

// StopSession ends the current session.
func (c *Client) StopSession(ctx context.Context) error {
	if c.sessionID == "" {
		return ErrNoSession
	}
	_, err := c.request(ctx, "StopSession", plistutil.Dict{"SessionID": c.sessionID})
	c.sessionID = ""
	return err
}

// ServiceInfo describes a started service.
type ServiceInfo struct {
	Name             string
	Port             uint16
	EnableServiceSSL bool
}

// StartService starts a device service. A session is required.
func (c *Client) StartService(ctx context.Context, name string) (*ServiceInfo, error) {
	if c.sessionID == "" {
		return nil, ErrNoSession
	}
	resp, err := c.request(ctx, "StartService", plistutil.Dict{"Service": name})
	if err != nil {
		return nil, err
	}
	port, ok := plistutil.Int(resp, "Port")
	if !ok || port <= 0 || port > 0xffff {
		return nil, fmt.Errorf("%w: StartService %s returned no port", fault.ErrParse, name)
	}
	ssl, _ := plistutil.Bool(resp, "EnableServiceSSL")
	return &ServiceInfo{Name: name, Port: uint16(port), EnableServiceSSL: ssl}, nil
}
