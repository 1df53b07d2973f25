package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
)

// TLSConfig holds the pair-record material used to secure a lockdown session
// or a service connection.
type TLSConfig struct {
	// HostCertificate is the PEM host certificate from the pair record.
	HostCertificate []byte

	// HostPrivateKey is the PEM host private key from the pair record.
	HostPrivateKey []byte

	// RootCertificate is the PEM root certificate from the pair record.
	// When VerifyDevice is set, the device certificate must chain to it.
	RootCertificate []byte

	// VerifyDevice enables chain verification of the device certificate.
	// Hostnames are never checked; devices present no DNS identity.
	VerifyDevice bool
}

// SessionTLSConfig creates the client TLS configuration for a device session.
func SessionTLSConfig(cfg *TLSConfig) (*tls.Config, error) {
	if cfg == nil {
		return nil, errors.New("TLSConfig is required")
	}

	cert, err := tls.X509KeyPair(cfg.HostCertificate, cfg.HostPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid host certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},

		// Older iOS releases negotiate TLS 1.0 on lockdown sessions.
		MinVersion: tls.VersionTLS10,

		// Device certificates are issued by the pair record root, not a public CA.
		InsecureSkipVerify: true,
	}

	if cfg.VerifyDevice {
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(cfg.RootCertificate) {
			return nil, errors.New("invalid root certificate")
		}
		tlsConfig.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return errors.New("device presented no certificate")
			}
			leaf, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return err
			}
			_, err = leaf.Verify(x509.VerifyOptions{
				Roots:     roots,
				KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
			})
			return err
		}
	}

	return tlsConfig, nil
}
