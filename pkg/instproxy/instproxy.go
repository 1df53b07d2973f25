// Package instproxy is a client for installation_proxy, the device service
// that lists and installs applications.
package instproxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/plume-impactor/impactor/pkg/fault"
	"github.com/plume-impactor/impactor/pkg/log"
	"github.com/plume-impactor/impactor/pkg/plistutil"
	"github.com/plume-impactor/impactor/pkg/transport"
)

// ServiceName is the lockdown service name.
const ServiceName = "com.apple.mobile.installation_proxy"

// Application types for Browse.
const (
	ApplicationTypeUser   = "User"
	ApplicationTypeSystem = "System"
	ApplicationTypeAny    = "Any"
)

// Error is an installation_proxy failure.
type Error struct {
	Command     string
	Code        string
	Description string
}

func (e *Error) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("installation_proxy %s: %s: %s", e.Command, e.Code, e.Description)
	}
	return fmt.Sprintf("installation_proxy %s: %s", e.Command, e.Code)
}

// Is reports whether target is fault.ErrTransport.
func (e *Error) Is(target error) bool {
	return target == fault.ErrTransport
}

// App is one installed application.
type App struct {
	BundleID     string
	Name         string
	Version      string
	ShortVersion string
	Path         string
	Type         string

	// Info is the full record returned by the device.
	Info plistutil.Dict
}

// BrowseOptions selects what Browse returns.
type BrowseOptions struct {
	// ApplicationType defaults to ApplicationTypeUser.
	ApplicationType string

	// Attributes limits the returned keys. Empty returns everything.
	Attributes []string
}

// Progress reports install progress: a status string and percent complete.
type Progress func(status string, percent int)

// Config configures a Client.
type Config struct {
	Logger         *slog.Logger
	ProtocolLogger log.Logger
}

// Client is one installation_proxy connection.
type Client struct {
	pc     *transport.PlistConn
	logger *slog.Logger
}

// NewClient wraps a connection to the service.
func NewClient(conn net.Conn, cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	pc := transport.NewPlistConn(conn)
	if cfg.ProtocolLogger != nil {
		pc.SetLogger(cfg.ProtocolLogger, ServiceName, log.LayerService)
	}
	return &Client{pc: pc, logger: cfg.Logger}
}

// Close ends the connection.
func (c *Client) Close() error {
	return c.pc.Close()
}

// Browse lists installed applications. Entries that lack a
// CFBundleIdentifier or are not dictionaries are skipped.
func (c *Client) Browse(ctx context.Context, opts BrowseOptions) ([]App, error) {
	if opts.ApplicationType == "" {
		opts.ApplicationType = ApplicationTypeUser
	}
	clientOpts := plistutil.Dict{"ApplicationType": opts.ApplicationType}
	if len(opts.Attributes) > 0 {
		attrs := make([]any, len(opts.Attributes))
		for i, a := range opts.Attributes {
			attrs[i] = a
		}
		clientOpts["ReturnAttributes"] = attrs
	}

	stop := c.watch(ctx)
	defer stop()

	if err := c.pc.Send(plistutil.Dict{"Command": "Browse", "ClientOptions": clientOpts}); err != nil {
		return nil, err
	}

	var apps []App
	for {
		resp, err := c.receive(ctx, "Browse")
		if err != nil {
			return nil, err
		}
		list, _ := plistutil.Array(resp, "CurrentList")
		for _, item := range list {
			info, ok := item.(map[string]any)
			if !ok {
				c.logger.Debug("skipping malformed app entry", "type", fmt.Sprintf("%T", item))
				continue
			}
			app, ok := appFromInfo(info)
			if !ok {
				c.logger.Debug("skipping app entry without bundle id")
				continue
			}
			apps = append(apps, app)
		}
		if plistutil.StringOr(resp, "Status", "") == "Complete" {
			return apps, nil
		}
	}
}

func appFromInfo(info plistutil.Dict) (App, bool) {
	id, ok := plistutil.String(info, "CFBundleIdentifier")
	if !ok || id == "" {
		return App{}, false
	}
	name := plistutil.StringOr(info, "CFBundleDisplayName", "")
	if name == "" {
		name = plistutil.StringOr(info, "CFBundleName", id)
	}
	return App{
		BundleID:     id,
		Name:         name,
		Version:      plistutil.StringOr(info, "CFBundleVersion", ""),
		ShortVersion: plistutil.StringOr(info, "CFBundleShortVersionString", ""),
		Path:         plistutil.StringOr(info, "Path", ""),
		Type:         plistutil.StringOr(info, "ApplicationType", ""),
		Info:         info,
	}, true
}

// Install installs the package previously uploaded to devicePath (relative
// to the AFC root, e.g. "PublicStaging/app.ipa"). progress may be nil.
func (c *Client) Install(ctx context.Context, devicePath string, progress Progress) error {
	stop := c.watch(ctx)
	defer stop()

	err := c.pc.Send(plistutil.Dict{
		"Command":       "Install",
		"PackagePath":   devicePath,
		"ClientOptions": plistutil.Dict{"PackageType": "Developer"},
	})
	if err != nil {
		return err
	}

	for {
		resp, err := c.receive(ctx, "Install")
		if err != nil {
			return err
		}
		status := plistutil.StringOr(resp, "Status", "")
		if pct, ok := plistutil.Int(resp, "PercentComplete"); ok && progress != nil {
			progress(status, int(pct))
		}
		if status == "Complete" {
			if progress != nil {
				progress(status, 100)
			}
			c.logger.Info("package installed", "path", devicePath)
			return nil
		}
	}
}

// receive reads one reply and maps its Error field.
func (c *Client) receive(ctx context.Context, command string) (plistutil.Dict, error) {
	resp, err := c.pc.Receive()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if code, ok := plistutil.String(resp, "Error"); ok && code != "" {
		return nil, &Error{
			Command:     command,
			Code:        code,
			Description: plistutil.StringOr(resp, "ErrorDescription", ""),
		}
	}
	return resp, nil
}

// watch closes the connection if ctx is cancelled mid-stream.
func (c *Client) watch(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() { _ = c.pc.Close() })
}
