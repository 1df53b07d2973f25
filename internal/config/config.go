// Package config loads the impactor command configuration.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// command-line flags.
package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/plume-impactor/impactor/pkg/anisette"
	"github.com/plume-impactor/impactor/pkg/fault"
)

// AppDir is the directory name under the user config directory.
const AppDir = "impactor"

// Config is the complete command configuration.
type Config struct {
	// StorePath is the account store file.
	StorePath string `yaml:"store_path"`

	Anisette  AnisetteConfig  `yaml:"anisette"`
	GSA       GSAConfig       `yaml:"gsa"`
	Developer DeveloperConfig `yaml:"developer"`
	Usbmuxd   UsbmuxdConfig   `yaml:"usbmuxd"`
	Log       LogConfig       `yaml:"log"`
	Signer    SignerConfig    `yaml:"signer"`
	Discovery DiscoveryConfig `yaml:"discovery"`
}

// AnisetteConfig selects the anisette server.
type AnisetteConfig struct {
	Provider  anisette.Kind `yaml:"provider"`
	RemoteURL string        `yaml:"remote_url"`
	LocalURL  string        `yaml:"local_url"`
}

// GSAConfig configures the identity service client.
type GSAConfig struct {
	BaseURL string `yaml:"base_url"`

	// CAFile is a PEM bundle trusted in addition to the system roots.
	CAFile string `yaml:"ca_file"`
}

// DeveloperConfig configures the developer services client.
type DeveloperConfig struct {
	BaseURL      string `yaml:"base_url"`
	XcodeVersion string `yaml:"xcode_version"`
}

// UsbmuxdConfig locates the device multiplexer daemon.
type UsbmuxdConfig struct {
	// Address is a unix socket path or host:port. Empty uses the platform
	// default or USBMUXD_SOCKET_ADDRESS.
	Address string `yaml:"address"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`

	// ProtocolFile receives a CBOR capture of device and HTTP traffic.
	ProtocolFile string `yaml:"protocol_file"`
}

// SignerConfig names the external signing command.
type SignerConfig struct {
	Command string `yaml:"command"`
}

// DiscoveryConfig configures network device discovery.
type DiscoveryConfig struct {
	Interface string        `yaml:"interface"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		StorePath: filepath.Join(configDir(), "accounts.json"),
		Anisette: AnisetteConfig{
			Provider:  anisette.KindRemote,
			RemoteURL: anisette.DefaultRemoteURL,
			LocalURL:  anisette.DefaultLocalURL,
		},
		Log: LogConfig{
			Level: "info",
		},
		Discovery: DiscoveryConfig{
			Timeout: 5 * time.Second,
		},
	}
}

func configDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "." + AppDir
	}
	return filepath.Join(dir, AppDir)
}

// Parse decodes YAML onto c. Unknown keys are rejected.
func (c *Config) Parse(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: config: %v", fault.ErrParse, err)
	}
	return nil
}

// LoadFile decodes the YAML file at path onto c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: config: %v", fault.ErrIO, err)
	}
	if err := c.Parse(data); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// Validate checks field values.
func (c *Config) Validate() error {
	switch c.Anisette.Provider {
	case anisette.KindLocal, anisette.KindRemote:
	default:
		return fmt.Errorf("%w: anisette.provider must be local or remote, got %q", fault.ErrParse, c.Anisette.Provider)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Discovery.Timeout < 0 {
		return fmt.Errorf("%w: discovery.timeout must not be negative", fault.ErrParse)
	}
	return nil
}

// DataDir is the directory holding the account store and other state.
func (c *Config) DataDir() string {
	return filepath.Dir(c.StorePath)
}

// DeviceIDPath is where the fallback anisette device id is kept.
func (c *Config) DeviceIDPath() string {
	return filepath.Join(c.DataDir(), "anisette_device_id")
}

// AnisetteFor returns the anisette configuration for a provider kind.
// Accounts remember the kind they logged in with.
func (c *Config) AnisetteFor(kind anisette.Kind) anisette.Config {
	cfg := anisette.ConfigFor(kind, c.Anisette.RemoteURL, c.Anisette.LocalURL)
	cfg.DeviceIDPath = c.DeviceIDPath()
	return cfg
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("%w: unknown log level %q (use: debug, info, warn, error)", fault.ErrParse, s)
}

// Flags binds command-line flags to a configuration.
type Flags struct {
	fs   *flag.FlagSet
	cfg  *Config
	file string
}

// BindFlags registers the configuration flags on fs. Their defaults are the
// current values of cfg.
func BindFlags(fs *flag.FlagSet, cfg *Config) *Flags {
	f := &Flags{fs: fs, cfg: cfg}
	fs.StringVar(&f.file, "config", "", "Configuration file path (YAML)")
	fs.StringVar(&cfg.StorePath, "store", cfg.StorePath, "Account store file")
	fs.Func("anisette", "Anisette provider: local or remote (default \""+string(cfg.Anisette.Provider)+"\")", func(s string) error {
		cfg.Anisette.Provider = anisette.Kind(strings.ToLower(s))
		return nil
	})
	fs.StringVar(&cfg.Anisette.RemoteURL, "anisette-remote", cfg.Anisette.RemoteURL, "Remote anisette server URL")
	fs.StringVar(&cfg.Anisette.LocalURL, "anisette-local", cfg.Anisette.LocalURL, "Local anisette server URL")
	fs.StringVar(&cfg.GSA.CAFile, "gsa-ca", cfg.GSA.CAFile, "Extra CA bundle for the identity service")
	fs.StringVar(&cfg.Usbmuxd.Address, "usbmuxd", cfg.Usbmuxd.Address, "usbmuxd socket path or host:port")
	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "Log level: debug, info, warn, error")
	fs.StringVar(&cfg.Log.ProtocolFile, "protocol-log", cfg.Log.ProtocolFile, "Write a protocol capture to this file")
	fs.StringVar(&cfg.Signer.Command, "signer", cfg.Signer.Command, "External signing command")
	fs.StringVar(&cfg.Discovery.Interface, "interface", cfg.Discovery.Interface, "Network interface for device discovery")
	return f
}

// Parse parses args. When -config names a file, the file is applied and
// args are parsed again so explicit flags take precedence over it.
func (f *Flags) Parse(args []string) error {
	if err := f.fs.Parse(args); err != nil {
		return err
	}
	if f.file == "" {
		return f.cfg.Validate()
	}
	if err := f.cfg.LoadFile(f.file); err != nil {
		return err
	}
	if err := f.fs.Parse(args); err != nil {
		return err
	}
	return f.cfg.Validate()
}

// File returns the -config value.
func (f *Flags) File() string {
	return f.file
}
