package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/plume-impactor/impactor/pkg/plistutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlistConnRequest(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		peer := NewPlistConn(server)
		msg, err := peer.Receive()
		if err != nil {
			return
		}
		_ = peer.Send(plistutil.Dict{
			"Request": msg["Request"],
			"Type":    "com.apple.mobile.lockdown",
		})
	}()

	conn := NewPlistConn(client)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := conn.Request(ctx, plistutil.Dict{"Label": "test", "Request": "QueryType"})
	require.NoError(t, err)
	assert.Equal(t, "QueryType", resp["Request"])
	assert.Equal(t, "com.apple.mobile.lockdown", resp["Type"])
}

func TestPlistConnReceiveInto(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_ = NewPlistConn(server).Send(plistutil.Dict{"Port": uint64(49152), "Service": "com.apple.afc"})
	}()

	var resp struct {
		Port    int    `plist:"Port"`
		Service string `plist:"Service"`
	}
	require.NoError(t, NewPlistConn(client).ReceiveInto(&resp))
	assert.Equal(t, 49152, resp.Port)
	assert.Equal(t, "com.apple.afc", resp.Service)
}

func selfSigned(t *testing.T) (certPEM, keyPEM []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
}

func TestPlistConnUpgradeTLS(t *testing.T) {
	certPEM, keyPEM := selfSigned(t)

	cfg, err := SessionTLSConfig(&TLSConfig{
		HostCertificate: certPEM,
		HostPrivateKey:  keyPEM,
		RootCertificate: certPEM,
		VerifyDevice:    true,
	})
	require.NoError(t, err)

	serverCert, err := tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan error, 1)
	go func() {
		tlsServer := tls.Server(server, &tls.Config{Certificates: []tls.Certificate{serverCert}})
		peer := NewPlistConn(tlsServer)
		msg, err := peer.Receive()
		if err != nil {
			done <- err
			return
		}
		done <- peer.Send(plistutil.Dict{"Echo": msg["Request"]})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := NewPlistConn(client)
	require.NoError(t, conn.UpgradeTLS(ctx, cfg))

	resp, err := conn.Request(ctx, plistutil.Dict{"Request": "GetValue"})
	require.NoError(t, err)
	assert.Equal(t, "GetValue", resp["Echo"])
	require.NoError(t, <-done)
}

func TestSessionTLSConfigErrors(t *testing.T) {
	_, err := SessionTLSConfig(nil)
	assert.Error(t, err)

	_, err = SessionTLSConfig(&TLSConfig{HostCertificate: []byte("x"), HostPrivateKey: []byte("y")})
	assert.Error(t, err)

	certPEM, keyPEM := selfSigned(t)
	_, err = SessionTLSConfig(&TLSConfig{HostCertificate: certPEM, HostPrivateKey: keyPEM, VerifyDevice: true})
	assert.Error(t, err, "verification without a root must fail")
}
