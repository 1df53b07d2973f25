package lockdown

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/plume-impactor/impactor/pkg/fault"
	"github.com/plume-impactor/impactor/pkg/transport"
	"github.com/plume-impactor/impactor/pkg/usbmux"
)

// StartServiceConn starts a service through a short-lived lockdown session
// and returns a connection to it, already upgraded to TLS if the service
// requires it.
func StartServiceConn(ctx context.Context, d Dialer, deviceID uint32, record *usbmux.PairRecord, name string, cfg Config) (net.Conn, error) {
	ld, err := Dial(ctx, d, deviceID, cfg)
	if err != nil {
		return nil, err
	}
	defer ld.Close()

	if err := ld.StartSession(ctx, record); err != nil {
		return nil, err
	}
	info, err := ld.StartService(ctx, name)
	if err != nil {
		return nil, err
	}
	_ = ld.StopSession(ctx)

	return ConnectService(ctx, d, deviceID, record, info)
}

// ConnectService opens a connection to a started service.
func ConnectService(ctx context.Context, d Dialer, deviceID uint32, record *usbmux.PairRecord, info *ServiceInfo) (net.Conn, error) {
	conn, err := d.Connect(ctx, deviceID, info.Port)
	if err != nil {
		return nil, err
	}
	if !info.EnableServiceSSL {
		return conn, nil
	}

	tlsCfg, err := transport.SessionTLSConfig(&transport.TLSConfig{
		HostCertificate: record.HostCertificate,
		HostPrivateKey:  record.HostPrivateKey,
		RootCertificate: record.RootCertificate,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", fault.ErrTransport, err)
	}
	tlsConn := tls.Client(conn, tlsCfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %s tls handshake: %v", fault.ErrTransport, info.Name, err)
	}
	return tlsConn, nil
}
