package cert

import (
	"crypto/x509"
	"errors"
	"fmt"
	"time"
)

// Verification errors.
var (
	ErrInvalidCert     = errors.New("invalid certificate")
	ErrCertExpired     = errors.New("certificate has expired")
	ErrCertNotYetValid = errors.New("certificate is not yet valid")
	ErrInvalidChain    = errors.New("invalid certificate chain")
)

// VerifyIssuedBy checks that cert is currently valid and was signed by root.
func VerifyIssuedBy(cert, root *x509.Certificate) error {
	if cert == nil {
		return ErrInvalidCert
	}
	if root == nil {
		return fmt.Errorf("%w: root certificate required", ErrInvalidChain)
	}

	now := time.Now()
	if now.Before(cert.NotBefore) {
		return ErrCertNotYetValid
	}
	if now.After(cert.NotAfter) {
		return ErrCertExpired
	}

	roots := x509.NewCertPool()
	roots.AddCert(root)
	opts := x509.VerifyOptions{
		Roots:       roots,
		CurrentTime: now,
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	if _, err := cert.Verify(opts); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidChain, err)
	}
	return nil
}

// VerifyPairRecord checks that the host and device certificates of a pair
// record chain to its root. All arguments are PEM.
func VerifyPairRecord(rootPEM, hostPEM, devicePEM []byte) error {
	root, err := DecodeCertPEM(rootPEM)
	if err != nil {
		return fmt.Errorf("root: %w", err)
	}
	for name, data := range map[string][]byte{"host": hostPEM, "device": devicePEM} {
		c, err := DecodeCertPEM(data)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if err := VerifyIssuedBy(c, root); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}
