package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"github.com/plume-impactor/impactor/pkg/afc"
	"github.com/plume-impactor/impactor/pkg/fault"
	"github.com/plume-impactor/impactor/pkg/housearrest"
	"github.com/plume-impactor/impactor/pkg/instproxy"
	"github.com/plume-impactor/impactor/pkg/lockdown"
	"github.com/plume-impactor/impactor/pkg/log"
	"github.com/plume-impactor/impactor/pkg/plistutil"
	"github.com/plume-impactor/impactor/pkg/usbmux"
)

// StagingDir is the AFC directory packages are uploaded to before install.
const StagingDir = "PublicStaging"

// Mux is the part of the usbmux client the operations need. *usbmux.Client
// implements it.
type Mux interface {
	lockdown.Dialer
	ReadPairRecord(ctx context.Context, udid string) (*usbmux.PairRecord, error)
	SavePairRecord(ctx context.Context, udid string, deviceID uint32, record *usbmux.PairRecord) error
	ReadBUID(ctx context.Context) (string, error)
}

// Config configures a Manager.
type Config struct {
	Lockdown       lockdown.Config
	Logger         *slog.Logger
	ProtocolLogger log.Logger
}

// Manager runs operations against tracked devices. The tracker is optional;
// when set, operation progress is reflected in device states.
type Manager struct {
	mux     Mux
	tracker *Tracker
	cfg     Config
	logger  *slog.Logger
}

// NewManager creates a Manager.
func NewManager(mux Mux, tracker *Tracker, cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Lockdown.Logger == nil {
		cfg.Lockdown.Logger = cfg.Logger
	}
	if cfg.Lockdown.ProtocolLogger == nil {
		cfg.Lockdown.ProtocolLogger = cfg.ProtocolLogger
	}
	return &Manager{mux: mux, tracker: tracker, cfg: cfg, logger: cfg.Logger}
}

// Prober returns a Prober backed by lockdown and the daemon's pair records.
func (m *Manager) Prober() Prober {
	return muxProber{m}
}

type muxProber struct {
	m *Manager
}

func (p muxProber) DeviceName(ctx context.Context, dev Device) (string, error) {
	ld, err := lockdown.Dial(ctx, p.m.mux, dev.DeviceID, p.m.cfg.Lockdown)
	if err != nil {
		return "", err
	}
	defer ld.Close()
	return ld.DeviceName(ctx)
}

func (p muxProber) IsPaired(ctx context.Context, dev Device) (bool, error) {
	_, err := p.m.mux.ReadPairRecord(ctx, dev.UDID)
	if errors.Is(err, usbmux.ErrPairRecordNotFound) {
		return false, nil
	}
	return err == nil, err
}

// track sets state for the duration of an operation and StateIdle after it.
func (m *Manager) track(dev Device, state State) func() {
	if m.tracker == nil {
		return func() {}
	}
	_ = m.tracker.SetState(dev.DeviceID, state)
	return func() { _ = m.tracker.SetState(dev.DeviceID, StateIdle) }
}

// Pair asks the device to trust this host and stores the new pair record
// with the daemon. The device may answer lockdown.ErrPairingDialogPending
// while the trust prompt is showing.
func (m *Manager) Pair(ctx context.Context, dev Device) error {
	buid, err := m.mux.ReadBUID(ctx)
	if err != nil {
		return err
	}
	ld, err := lockdown.Dial(ctx, m.mux, dev.DeviceID, m.cfg.Lockdown)
	if err != nil {
		return err
	}
	defer ld.Close()

	record, err := ld.Pair(ctx, "", buid)
	if err != nil {
		return err
	}
	if err := m.mux.SavePairRecord(ctx, dev.UDID, dev.DeviceID, record); err != nil {
		return err
	}
	m.logger.Info("pair record saved", "udid", dev.UDID)
	if m.tracker != nil {
		_ = m.tracker.SetPaired(dev.DeviceID, true)
	}
	return nil
}

func (m *Manager) pairRecord(ctx context.Context, dev Device) (*usbmux.PairRecord, error) {
	record, err := m.mux.ReadPairRecord(ctx, dev.UDID)
	if errors.Is(err, usbmux.ErrPairRecordNotFound) {
		return nil, fmt.Errorf("%w: device %s is not paired", fault.ErrTransport, dev.UDID)
	}
	return record, err
}

func (m *Manager) startService(ctx context.Context, dev Device, record *usbmux.PairRecord, name string) (net.Conn, error) {
	return lockdown.StartServiceConn(ctx, m.mux, dev.DeviceID, record, name, m.cfg.Lockdown)
}

// InstallPairingRecord writes the device's pair record, with UDID added,
// to path inside the Documents directory of the app bundleID. The app must
// have file sharing enabled.
func (m *Manager) InstallPairingRecord(ctx context.Context, dev Device, bundleID, path string) error {
	defer m.track(dev, StateInstallingFiles)()

	record, err := m.pairRecord(ctx, dev)
	if err != nil {
		return err
	}
	dict := record.Dict()
	dict["UDID"] = dev.UDID
	data, err := plistutil.Encode(dict)
	if err != nil {
		return err
	}

	conn, err := m.startService(ctx, dev, record, housearrest.ServiceName)
	if err != nil {
		return err
	}
	fs, err := housearrest.VendDocuments(ctx, conn, bundleID, housearrest.Config{
		AFC:            afc.Config{Logger: m.logger},
		ProtocolLogger: m.cfg.ProtocolLogger,
	})
	if err != nil {
		return err
	}
	defer fs.Close()

	if err := fs.WriteFile(ctx, path, data); err != nil {
		return err
	}
	m.logger.Info("pairing record installed", "udid", dev.UDID, "bundle_id", bundleID, "path", path)
	return nil
}

// InstalledApps lists user-installed applications.
func (m *Manager) InstalledApps(ctx context.Context, dev Device) ([]instproxy.App, error) {
	record, err := m.pairRecord(ctx, dev)
	if err != nil {
		return nil, err
	}
	conn, err := m.startService(ctx, dev, record, instproxy.ServiceName)
	if err != nil {
		return nil, err
	}
	c := instproxy.NewClient(conn, instproxy.Config{Logger: m.logger, ProtocolLogger: m.cfg.ProtocolLogger})
	defer c.Close()
	return c.Browse(ctx, instproxy.BrowseOptions{})
}

// InstallPackage uploads the signed package at localPath to the staging
// directory and installs it. progress may be nil.
func (m *Manager) InstallPackage(ctx context.Context, dev Device, localPath string, progress instproxy.Progress) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("%w: %v", fault.ErrIO, err)
	}
	defer m.track(dev, StateInstallingApp)()

	record, err := m.pairRecord(ctx, dev)
	if err != nil {
		return err
	}

	remote := StagingDir + "/" + filepath.Base(localPath)
	if err := m.upload(ctx, dev, record, remote, data); err != nil {
		return err
	}

	conn, err := m.startService(ctx, dev, record, instproxy.ServiceName)
	if err != nil {
		return err
	}
	c := instproxy.NewClient(conn, instproxy.Config{Logger: m.logger, ProtocolLogger: m.cfg.ProtocolLogger})
	defer c.Close()
	return c.Install(ctx, remote, progress)
}

func (m *Manager) upload(ctx context.Context, dev Device, record *usbmux.PairRecord, remote string, data []byte) error {
	conn, err := m.startService(ctx, dev, record, afc.ServiceName)
	if err != nil {
		return err
	}
	fs := afc.NewClient(conn, afc.Config{Logger: m.logger, ProtocolLogger: m.cfg.ProtocolLogger})
	defer fs.Close()

	if err := fs.MakeDir(ctx, StagingDir); err != nil {
		m.logger.Debug("staging directory not created", "error", err)
	}
	if err := fs.WriteFile(ctx, remote, data); err != nil {
		return err
	}
	m.logger.Info("package uploaded", "udid", dev.UDID, "path", remote, "bytes", len(data))
	return nil
}
