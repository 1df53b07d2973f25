package cert

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"
)

// PairValidity is the lifetime of pairing certificates.
const PairValidity = 10 * 365 * 24 * time.Hour

// RSAKeyBits is the size of generated root and host keys.
const RSAKeyBits = 2048

// PairCertificates is the certificate material exchanged in a lockdown Pair
// request. All fields are PEM.
type PairCertificates struct {
	RootCertificate   []byte
	RootPrivateKey    []byte
	HostCertificate   []byte
	HostPrivateKey    []byte
	DeviceCertificate []byte
}

// GeneratePairCertificates creates a fresh root CA and host certificate and
// issues a certificate for the device's public key (DevicePublicKey, PEM).
func GeneratePairCertificates(devicePublicKey []byte) (*PairCertificates, error) {
	devKey, err := DecodePublicKeyPEM(devicePublicKey)
	if err != nil {
		return nil, fmt.Errorf("device public key: %w", err)
	}

	rootKey, err := rsa.GenerateKey(rand.Reader, RSAKeyBits)
	if err != nil {
		return nil, err
	}
	hostKey, err := rsa.GenerateKey(rand.Reader, RSAKeyBits)
	if err != nil {
		return nil, err
	}

	notBefore := time.Now().Add(-time.Minute)
	notAfter := notBefore.Add(PairValidity)

	rootTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Root Certification Authority"},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		BasicConstraintsValid: true,
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		SubjectKeyId:          subjectKeyID(&rootKey.PublicKey),
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTmpl, rootTmpl, &rootKey.PublicKey, rootKey)
	if err != nil {
		return nil, fmt.Errorf("root certificate: %w", err)
	}
	root, err := x509.ParseCertificate(rootDER)
	if err != nil {
		return nil, err
	}

	leaf := func(name string, pub *rsa.PublicKey) ([]byte, error) {
		tmpl := &x509.Certificate{
			SerialNumber:          big.NewInt(1),
			Subject:               pkix.Name{CommonName: name},
			NotBefore:             notBefore,
			NotAfter:              notAfter,
			BasicConstraintsValid: true,
			IsCA:                  false,
			KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
			SubjectKeyId:          subjectKeyID(pub),
		}
		der, err := x509.CreateCertificate(rand.Reader, tmpl, root, pub, rootKey)
		if err != nil {
			return nil, err
		}
		c, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, err
		}
		return EncodeCertPEM(c), nil
	}

	hostPEM, err := leaf("Host", &hostKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("host certificate: %w", err)
	}
	devicePEM, err := leaf("Device", devKey)
	if err != nil {
		return nil, fmt.Errorf("device certificate: %w", err)
	}

	return &PairCertificates{
		RootCertificate:   EncodeCertPEM(root),
		RootPrivateKey:    EncodeKeyPEM(rootKey),
		HostCertificate:   hostPEM,
		HostPrivateKey:    EncodeKeyPEM(hostKey),
		DeviceCertificate: devicePEM,
	}, nil
}

func subjectKeyID(pub *rsa.PublicKey) []byte {
	sum := sha1.Sum(x509.MarshalPKCS1PublicKey(pub))
	return sum[:]
}
