package device

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/plume-impactor/impactor/pkg/cert"
	"github.com/plume-impactor/impactor/pkg/fault"
	"github.com/plume-impactor/impactor/pkg/lockdown"
	"github.com/plume-impactor/impactor/pkg/plistutil"
	"github.com/plume-impactor/impactor/pkg/transport"
	"github.com/plume-impactor/impactor/pkg/usbmux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const instproxyPort = 49152

// fakeMux serves lockdownd and installation_proxy over net.Pipe and keeps
// pair records in memory.
type fakeMux struct {
	t       *testing.T
	devKey  *rsa.PrivateKey
	mu      sync.Mutex
	records map[string]*usbmux.PairRecord
	apps    []any
}

func newFakeMux(t *testing.T) *fakeMux {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	return &fakeMux{t: t, devKey: key, records: make(map[string]*usbmux.PairRecord)}
}

func (f *fakeMux) Connect(_ context.Context, _ uint32, port uint16) (net.Conn, error) {
	client, server := net.Pipe()
	switch port {
	case lockdown.Port:
		go f.serveLockdown(server)
	case instproxyPort:
		go f.serveInstproxy(server)
	default:
		server.Close()
	}
	return client, nil
}

func (f *fakeMux) serveLockdown(conn net.Conn) {
	pc := transport.NewPlistConn(conn)
	defer pc.Close()
	for {
		req, err := pc.Receive()
		if err != nil {
			return
		}
		var resp plistutil.Dict
		switch req["Request"] {
		case "GetValue":
			switch req["Key"] {
			case "DeviceName":
				resp = plistutil.Dict{"Value": "Test iPhone"}
			case "DevicePublicKey":
				resp = plistutil.Dict{"Value": cert.EncodePublicKeyPEM(&f.devKey.PublicKey)}
			default:
				resp = plistutil.Dict{"Error": "MissingValue"}
			}
		case "Pair":
			resp = plistutil.Dict{"EscrowBag": []byte("bag")}
		case "StartSession":
			resp = plistutil.Dict{"SessionID": "S1", "EnableSessionSSL": false}
		case "StartService":
			resp = plistutil.Dict{"Port": uint64(instproxyPort), "EnableServiceSSL": false}
		case "StopSession":
			resp = plistutil.Dict{}
		default:
			resp = plistutil.Dict{"Error": "InvalidRequest"}
		}
		if err := pc.Send(resp); err != nil {
			return
		}
	}
}

func (f *fakeMux) serveInstproxy(conn net.Conn) {
	pc := transport.NewPlistConn(conn)
	defer pc.Close()
	if _, err := pc.Receive(); err != nil {
		return
	}
	_ = pc.Send(plistutil.Dict{"Status": "Complete", "CurrentList": f.apps})
}

func (f *fakeMux) ReadPairRecord(_ context.Context, udid string) (*usbmux.PairRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[udid]
	if !ok {
		return nil, usbmux.ErrPairRecordNotFound
	}
	return rec, nil
}

func (f *fakeMux) SavePairRecord(_ context.Context, udid string, _ uint32, record *usbmux.PairRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[udid] = record
	return nil
}

func (f *fakeMux) ReadBUID(context.Context) (string, error) {
	return "BUID-1", nil
}

func TestManagerPairAndProbe(t *testing.T) {
	mux := newFakeMux(t)
	tr := startTracker(t, TrackerConfig{})
	m := NewManager(mux, tr, Config{})
	ctx := context.Background()

	tr.Attach(usb(1, "AAA"))
	dev, _ := tr.Get(1)

	paired, err := m.Prober().IsPaired(ctx, dev)
	require.NoError(t, err)
	assert.False(t, paired)

	name, err := m.Prober().DeviceName(ctx, dev)
	require.NoError(t, err)
	assert.Equal(t, "Test iPhone", name)

	require.NoError(t, m.Pair(ctx, dev))

	rec, err := mux.ReadPairRecord(ctx, "AAA")
	require.NoError(t, err)
	assert.Equal(t, "BUID-1", rec.SystemBUID)
	assert.Equal(t, []byte("bag"), rec.EscrowBag)

	paired, err = m.Prober().IsPaired(ctx, dev)
	require.NoError(t, err)
	assert.True(t, paired)

	dev, _ = tr.Get(1)
	assert.Equal(t, StatePaired, dev.State)
}

func TestManagerInstalledApps(t *testing.T) {
	mux := newFakeMux(t)
	mux.apps = []any{
		map[string]any{"CFBundleIdentifier": "com.example.app", "CFBundleName": "App"},
	}
	m := NewManager(mux, nil, Config{})
	ctx := context.Background()
	dev := fromUsbmux(usb(1, "AAA"))

	_, err := m.InstalledApps(ctx, dev)
	assert.ErrorIs(t, err, fault.ErrTransport, "unpaired devices are rejected")

	require.NoError(t, m.Pair(ctx, dev))
	apps, err := m.InstalledApps(ctx, dev)
	require.NoError(t, err)
	require.Len(t, apps, 1)
	assert.Equal(t, "com.example.app", apps[0].BundleID)
}

func TestManagerInstallPackageErrors(t *testing.T) {
	mux := newFakeMux(t)
	tr := startTracker(t, TrackerConfig{})
	m := NewManager(mux, tr, Config{})
	tr.Attach(usb(1, "AAA"))
	dev, _ := tr.Get(1)

	err := m.InstallPackage(context.Background(), dev, filepath.Join(t.TempDir(), "missing.ipa"), nil)
	assert.ErrorIs(t, err, fault.ErrIO)

	pkg := filepath.Join(t.TempDir(), "app.ipa")
	require.NoError(t, os.WriteFile(pkg, []byte("PK"), 0o600))
	err = m.InstallPackage(context.Background(), dev, pkg, nil)
	assert.ErrorIs(t, err, fault.ErrTransport)

	d, _ := tr.Get(1)
	assert.Equal(t, StateIdle, d.State, "a failed install never removes the device")
}
