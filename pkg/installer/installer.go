// Package installer runs the sign-and-install pipeline for one package on
// one device in a background worker.
package installer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/plume-impactor/impactor/pkg/bundle"
	"github.com/plume-impactor/impactor/pkg/device"
	"github.com/plume-impactor/impactor/pkg/fault"
	"github.com/plume-impactor/impactor/pkg/instproxy"
)

// DefaultBuffer is the capacity of the update channel.
const DefaultBuffer = 32

// Stage is a step of the pipeline.
type Stage uint8

const (
	StageProvisioning Stage = iota
	StageSigning
	StageInstalling
	StageDone
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageProvisioning:
		return "PROVISIONING"
	case StageSigning:
		return "SIGNING"
	case StageInstalling:
		return "INSTALLING"
	case StageDone:
		return "DONE"
	case StageFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Update reports pipeline progress. The last update on a channel has
// Stage StageDone or StageFailed.
type Update struct {
	Stage   Stage
	Percent int
	Message string
	Err     error
}

// Provisioning is what the signer needs from the developer account.
type Provisioning struct {
	TeamID   string
	BundleID string
	Profile  []byte
}

// SignRequest asks a Signer to produce a signed copy of a package.
type SignRequest struct {
	Package *bundle.Package

	// Output is where the signed package must be written.
	Output string

	// Provisioning is nil when the package is installed as signed.
	Provisioning *Provisioning
}

// Signer re-signs packages.
type Signer interface {
	// Sign writes the signed package and returns its path.
	Sign(ctx context.Context, req SignRequest) (string, error)
}

// Provisioner registers the device and app with a developer team.
type Provisioner interface {
	Provision(ctx context.Context, pkg *bundle.Package, dev device.Device) (*Provisioning, error)
}

// DeviceInstaller uploads and installs a package. *device.Manager
// implements it.
type DeviceInstaller interface {
	InstallPackage(ctx context.Context, dev device.Device, localPath string, progress instproxy.Progress) error
}

// Config configures an Installer.
type Config struct {
	Signer Signer

	// Provisioner is optional. Without one, packages are signed without
	// provisioning data.
	Provisioner Provisioner

	Device DeviceInstaller

	// WorkDir holds signed packages. Defaults to os.TempDir().
	WorkDir string

	// Buffer is the update channel capacity. Defaults to DefaultBuffer.
	Buffer int

	Logger *slog.Logger
}

// Request is one installation.
type Request struct {
	Device  device.Device
	Package *bundle.Package
}

// Installer starts installation workers.
type Installer struct {
	cfg    Config
	logger *slog.Logger
}

// New creates an Installer.
func New(cfg Config) (*Installer, error) {
	if cfg.Signer == nil {
		return nil, errors.New("installer: signer is required")
	}
	if cfg.Device == nil {
		return nil, errors.New("installer: device installer is required")
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Installer{cfg: cfg, logger: cfg.Logger}, nil
}

// Start runs req on a new worker goroutine and returns its updates. The
// channel is closed when the worker ends. Stage updates are sent without
// blocking: if the channel is full the consumer is considered gone and the
// worker stops. Install progress never takes the last free slot, so a
// consumer that reads only after the install still gets the final update.
func (in *Installer) Start(ctx context.Context, req Request) <-chan Update {
	ch := make(chan Update, in.cfg.Buffer)
	go in.run(ctx, req, ch)
	return ch
}

type worker struct {
	ch     chan<- Update
	logger *slog.Logger
	gone   bool
}

// send delivers u without blocking and reports whether the consumer is
// still there.
func (w *worker) send(u Update) bool {
	if w.gone {
		return false
	}
	select {
	case w.ch <- u:
		return true
	default:
		w.gone = true
		w.logger.Debug("install consumer gone, stopping worker", "stage", u.Stage)
		return false
	}
}

// progress forwards percent updates. It leaves one slot free for the
// final stage and drops the update otherwise.
func (w *worker) progress(status string, percent int) {
	if w.gone || len(w.ch) >= cap(w.ch)-1 {
		return
	}
	select {
	case w.ch <- Update{Stage: StageInstalling, Percent: percent, Message: status}:
	default:
	}
}

func (in *Installer) run(ctx context.Context, req Request, ch chan<- Update) {
	defer close(ch)
	w := &worker{ch: ch, logger: in.logger.With("udid", req.Device.UDID, "bundle_id", req.Package.BundleID)}

	err := in.pipeline(ctx, req, w)
	switch {
	case err == nil:
		w.send(Update{Stage: StageDone, Percent: 100})
		w.logger.Info("package installed")
	case w.gone:
	default:
		w.logger.Warn("install failed", "error", err)
		w.send(Update{Stage: StageFailed, Err: err, Message: fault.Describe(err)})
	}
}

var errConsumerGone = errors.New("consumer gone")

func (in *Installer) pipeline(ctx context.Context, req Request, w *worker) error {
	var prov *Provisioning
	if in.cfg.Provisioner != nil {
		if !w.send(Update{Stage: StageProvisioning}) {
			return errConsumerGone
		}
		var err error
		prov, err = in.cfg.Provisioner.Provision(ctx, req.Package, req.Device)
		if err != nil {
			return fmt.Errorf("provision: %w", err)
		}
	}

	if !w.send(Update{Stage: StageSigning}) {
		return errConsumerGone
	}
	out := filepath.Join(in.cfg.WorkDir, fmt.Sprintf("%s-signed.ipa", req.Package.BundleID))
	signed, err := in.cfg.Signer.Sign(ctx, SignRequest{
		Package:      req.Package,
		Output:       out,
		Provisioning: prov,
	})
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	defer os.Remove(signed)

	if !w.send(Update{Stage: StageInstalling}) {
		return errConsumerGone
	}
	if err := in.cfg.Device.InstallPackage(ctx, req.Device, signed, w.progress); err != nil {
		return fmt.Errorf("install: %w", err)
	}
	return nil
}
