package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/plume-impactor/impactor/internal/config"
	"github.com/plume-impactor/impactor/pkg/anisette"
	"github.com/plume-impactor/impactor/pkg/developer"
	"github.com/plume-impactor/impactor/pkg/device"
	"github.com/plume-impactor/impactor/pkg/discovery"
	"github.com/plume-impactor/impactor/pkg/fault"
	"github.com/plume-impactor/impactor/pkg/gsa"
	"github.com/plume-impactor/impactor/pkg/log"
	"github.com/plume-impactor/impactor/pkg/persistence"
	"github.com/plume-impactor/impactor/pkg/usbmux"
)

// Prompter reads answers from the user.
type Prompter interface {
	Prompt(prompt string) (string, error)
	Password(prompt string) (string, error)
}

// appDeps are the pieces of App supplied by main or by tests.
type appDeps struct {
	Logger         *slog.Logger
	ProtocolLogger log.Logger
	Out            io.Writer
	Prompter       Prompter

	// Source feeds the device tracker. Defaults to the usbmux client.
	Source device.Source

	// Browser finds network devices. Defaults to an mDNS browser.
	Browser discovery.Browser
}

// App holds the long-lived services behind the commands.
type App struct {
	cfg    *config.Config
	logger *slog.Logger
	plog   log.Logger
	out    io.Writer
	prompt Prompter

	store    *persistence.AccountStore
	mux      *usbmux.Client
	source   device.Source
	tracker  *device.Tracker
	devices  *device.Manager
	listener *device.Listener
	browser  discovery.Browser

	httpClient *http.Client
	gsaClient  *http.Client

	mu        sync.Mutex
	providers map[anisette.Kind]anisette.Provider

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func newApp(cfg *config.Config, deps appDeps) (*App, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Out == nil {
		deps.Out = os.Stdout
	}

	store, err := persistence.Load(cfg.StorePath)
	if err != nil {
		return nil, err
	}

	gsaClient, err := identityHTTPClient(cfg.GSA.CAFile)
	if err != nil {
		return nil, err
	}

	mux := usbmux.NewClient(usbmux.Config{
		Address:        cfg.Usbmuxd.Address,
		ProgName:       "impactor",
		Logger:         deps.Logger,
		ProtocolLogger: deps.ProtocolLogger,
	})

	dcfg := device.Config{Logger: deps.Logger, ProtocolLogger: deps.ProtocolLogger}
	tracker := device.NewTracker(device.TrackerConfig{
		Prober: device.NewManager(mux, nil, dcfg).Prober(),
		Logger: deps.Logger,
	})

	source := deps.Source
	if source == nil {
		source = device.MuxSource(mux)
	}
	browser := deps.Browser
	if browser == nil {
		browser = discovery.NewMDNSBrowser(discovery.BrowserConfig{
			Interface:     cfg.Discovery.Interface,
			BrowseTimeout: cfg.Discovery.Timeout,
			Logger:        deps.Logger,
		})
	}

	a := &App{
		cfg:        cfg,
		logger:     deps.Logger,
		plog:       deps.ProtocolLogger,
		out:        deps.Out,
		prompt:     deps.Prompter,
		store:      store,
		mux:        mux,
		source:     source,
		tracker:    tracker,
		devices:    device.NewManager(mux, tracker, dcfg),
		listener:   device.NewListener(source, tracker, device.ListenerConfig{Logger: deps.Logger}),
		browser:    browser,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		gsaClient:  gsaClient,
		providers:  make(map[anisette.Kind]anisette.Provider),
	}
	tracker.OnChange(a.onDeviceChange)
	return a, nil
}

// identityHTTPClient trusts the system roots plus the PEM bundle at caFile.
func identityHTTPClient(caFile string) (*http.Client, error) {
	client := &http.Client{Timeout: 30 * time.Second}
	if caFile == "" {
		return client, nil
	}

	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("%w: gsa ca file: %v", fault.ErrIO, err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("%w: gsa ca file %s has no certificates", fault.ErrParse, caFile)
	}
	client.Transport = &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12},
	}
	return client, nil
}

// Start runs the device tracker and follows usbmuxd until ctx ends.
func (a *App) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.tracker.Start(ctx)

	// A one-shot command should see the devices that are already attached.
	listCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	if devs, err := a.source.ListDevices(listCtx); err == nil {
		a.tracker.Reconcile(devs)
	} else {
		a.logger.Debug("initial device listing failed", "error", err)
	}
	cancel()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn("device listener stopped", "error", err)
		}
	}()
}

// Stop ends background work. It is safe to call more than once.
func (a *App) Stop() {
	a.stopOnce.Do(func() {
		if a.cancel != nil {
			a.cancel()
		}
		a.wg.Wait()
		a.tracker.Stop()
	})
}

func (a *App) onDeviceChange(c device.Change) {
	switch c.Kind {
	case device.ChangeAdded:
		a.logger.Info("device attached", "device", c.Device.Label(), "udid", c.Device.UDID, "kind", c.Device.Kind)
	case device.ChangeRemoved:
		a.logger.Info("device detached", "device", c.Device.Label(), "udid", c.Device.UDID)
	case device.ChangeSelected:
		a.logger.Debug("device selected", "device", c.Device.Label())
	case device.ChangeUpdated:
		a.logger.Debug("device updated", "device", c.Device.Label(), "state", c.Device.State)
	}
}

// anisetteProvider returns the shared provider for kind.
func (a *App) anisetteProvider(kind anisette.Kind) (anisette.Provider, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if p, ok := a.providers[kind]; ok {
		return p, nil
	}
	pcfg := a.cfg.AnisetteFor(kind)
	pcfg.HTTPClient = a.httpClient
	pcfg.Logger = a.logger
	p, err := anisette.NewRemoteProvider(pcfg)
	if err != nil {
		return nil, err
	}
	a.providers[kind] = p
	return p, nil
}

func (a *App) gsaClientFor(kind anisette.Kind) (*gsa.Client, error) {
	provider, err := a.anisetteProvider(kind)
	if err != nil {
		return nil, err
	}
	gcfg := gsa.DefaultConfig(provider)
	if a.cfg.GSA.BaseURL != "" {
		gcfg.BaseURL = a.cfg.GSA.BaseURL
	}
	gcfg.HTTPClient = a.gsaClient
	gcfg.Logger = a.logger
	gcfg.ProtocolLogger = a.plog
	return gsa.NewClient(gcfg)
}

func (a *App) developerConfig() developer.Config {
	return developer.Config{
		BaseURL:        a.cfg.Developer.BaseURL,
		XcodeVersion:   a.cfg.Developer.XcodeVersion,
		HTTPClient:     a.httpClient,
		Logger:         a.logger,
		ProtocolLogger: a.plog,
	}
}

// errNoAccount is returned by commands that need a signed-in account.
var errNoAccount = fmt.Errorf("%w: no account selected (use login or select)", fault.ErrNotFound)

// errNoDevice is returned by commands that need a device.
var errNoDevice = fmt.Errorf("%w: no device selected (use devices and use)", fault.ErrNotFound)

// selectedSession opens a developer session for the selected account.
func (a *App) selectedSession() (persistence.StoredAccount, *developer.Session, error) {
	acct, ok := a.store.Selected()
	if !ok {
		return acct, nil, errNoAccount
	}
	if acct.XcodeGsToken == "" {
		return acct, nil, fmt.Errorf("%w: account %s has no developer token, sign in again", fault.ErrNotFound, acct.Email)
	}
	provider, err := a.anisetteProvider(acct.AnisetteProvider)
	if err != nil {
		return acct, nil, err
	}
	session, err := developer.WithToken(acct.ADSID, acct.XcodeGsToken, provider, a.developerConfig())
	if err != nil {
		return acct, nil, err
	}
	return acct, session, nil
}

// checkAuth records a rejected token on the account so it is shown as
// needing a new sign-in.
func (a *App) checkAuth(email string, err error) error {
	if err == nil || email == "" || !fault.NeedsReauth(err) {
		return err
	}
	if uerr := a.store.UpdateStatus(email, persistence.StatusNeedsReauth); uerr != nil {
		a.logger.Warn("failed to update account status", "email", email, "error", uerr)
	}
	return fmt.Errorf("%w (sign in again with: login %s)", err, email)
}

func (a *App) selectedDevice() (device.Device, error) {
	dev, ok := a.tracker.Selected()
	if !ok {
		return device.Device{}, errNoDevice
	}
	return dev, nil
}

// describe renders err for the user.
func describe(err error) string {
	return fault.Describe(err)
}
