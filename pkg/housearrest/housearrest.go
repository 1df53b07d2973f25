// Package housearrest vends an app's sandbox container over AFC.
package housearrest

import (
	"context"
	"fmt"
	"net"

	"github.com/plume-impactor/impactor/pkg/afc"
	"github.com/plume-impactor/impactor/pkg/fault"
	"github.com/plume-impactor/impactor/pkg/log"
	"github.com/plume-impactor/impactor/pkg/plistutil"
	"github.com/plume-impactor/impactor/pkg/transport"
)

// ServiceName is the lockdown service name.
const ServiceName = "com.apple.mobile.house_arrest"

// Commands.
const (
	CommandVendDocuments = "VendDocuments"
	CommandVendContainer = "VendContainer"
)

// Error is a house_arrest failure such as ApplicationLookupFailed.
type Error struct {
	Command  string
	BundleID string
	Code     string
}

func (e *Error) Error() string {
	return fmt.Sprintf("house_arrest %s %s: %s", e.Command, e.BundleID, e.Code)
}

// Is reports whether target is fault.ErrTransport.
func (e *Error) Is(target error) bool {
	return target == fault.ErrTransport
}

// Config configures the AFC client returned by a vend call.
type Config struct {
	AFC            afc.Config
	ProtocolLogger log.Logger
}

// VendDocuments opens the app's Documents directory. The app must have
// UIFileSharingEnabled.
func VendDocuments(ctx context.Context, conn net.Conn, bundleID string, cfg Config) (*afc.Client, error) {
	return vend(ctx, conn, CommandVendDocuments, bundleID, cfg)
}

// VendContainer opens the app's whole container.
func VendContainer(ctx context.Context, conn net.Conn, bundleID string, cfg Config) (*afc.Client, error) {
	return vend(ctx, conn, CommandVendContainer, bundleID, cfg)
}

// vend sends the command and hands the connection to AFC on success. On
// failure conn is closed.
func vend(ctx context.Context, conn net.Conn, command, bundleID string, cfg Config) (*afc.Client, error) {
	pc := transport.NewPlistConn(conn)
	if cfg.ProtocolLogger != nil {
		pc.SetLogger(cfg.ProtocolLogger, bundleID, log.LayerService)
	}

	resp, err := pc.Request(ctx, plistutil.Dict{
		"Command":    command,
		"Identifier": bundleID,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if code, ok := plistutil.String(resp, "Error"); ok && code != "" {
		conn.Close()
		return nil, &Error{Command: command, BundleID: bundleID, Code: code}
	}
	if st := plistutil.StringOr(resp, "Status", ""); st != "Complete" {
		conn.Close()
		return nil, &Error{Command: command, BundleID: bundleID, Code: "unexpected status " + st}
	}

	afcCfg := cfg.AFC
	afcCfg.Service = ServiceName
	if afcCfg.ProtocolLogger == nil {
		afcCfg.ProtocolLogger = cfg.ProtocolLogger
	}
	return afc.NewClient(pc.Conn(), afcCfg), nil
}
