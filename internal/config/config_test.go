package config

import (
	"flag"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plume-impactor/impactor/pkg/anisette"
	"github.com/plume-impactor/impactor/pkg/fault"
)

const sampleYAML = `
store_path: /tmp/impactor/accounts.json
anisette:
  provider: local
  local_url: http://127.0.0.1:7000
gsa:
  ca_file: /etc/apple-root.pem
developer:
  xcode_version: "15.0 (15A240d)"
usbmuxd:
  address: 127.0.0.1:27015
log:
  level: debug
  protocol_file: capture.ilog
signer:
  command: /usr/local/bin/zsign-wrapper
discovery:
  interface: en0
  timeout: 2s
`

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, anisette.KindRemote, cfg.Anisette.Provider)
	assert.Equal(t, anisette.DefaultRemoteURL, cfg.Anisette.RemoteURL)
	assert.Equal(t, "accounts.json", filepath.Base(cfg.StorePath))
	assert.Equal(t, 5*time.Second, cfg.Discovery.Timeout)
	require.NoError(t, cfg.Validate())
}

func TestParse(t *testing.T) {
	t.Run("full file", func(t *testing.T) {
		cfg := Default()
		require.NoError(t, cfg.Parse([]byte(sampleYAML)))

		assert.Equal(t, "/tmp/impactor/accounts.json", cfg.StorePath)
		assert.Equal(t, anisette.KindLocal, cfg.Anisette.Provider)
		assert.Equal(t, "http://127.0.0.1:7000", cfg.Anisette.LocalURL)
		assert.Equal(t, anisette.DefaultRemoteURL, cfg.Anisette.RemoteURL, "unset keys keep defaults")
		assert.Equal(t, "/etc/apple-root.pem", cfg.GSA.CAFile)
		assert.Equal(t, "15.0 (15A240d)", cfg.Developer.XcodeVersion)
		assert.Equal(t, "127.0.0.1:27015", cfg.Usbmuxd.Address)
		assert.Equal(t, "debug", cfg.Log.Level)
		assert.Equal(t, "capture.ilog", cfg.Log.ProtocolFile)
		assert.Equal(t, "/usr/local/bin/zsign-wrapper", cfg.Signer.Command)
		assert.Equal(t, "en0", cfg.Discovery.Interface)
		assert.Equal(t, 2*time.Second, cfg.Discovery.Timeout)
		require.NoError(t, cfg.Validate())
	})

	t.Run("empty document", func(t *testing.T) {
		cfg := Default()
		require.NoError(t, cfg.Parse(nil))
		assert.Equal(t, Default(), cfg)
	})

	t.Run("unknown key", func(t *testing.T) {
		cfg := Default()
		err := cfg.Parse([]byte("stor_path: x\n"))
		assert.ErrorIs(t, err, fault.ErrParse)
	})

	t.Run("malformed", func(t *testing.T) {
		cfg := Default()
		err := cfg.Parse([]byte("anisette: [\n"))
		assert.ErrorIs(t, err, fault.ErrParse)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad provider", func(c *Config) { c.Anisette.Provider = "cloud" }},
		{"bad level", func(c *Config) { c.Log.Level = "verbose" }},
		{"negative timeout", func(c *Config) { c.Discovery.Timeout = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), fault.ErrParse)
		})
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestFlagsLayering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "impactor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	t.Run("flags override file", func(t *testing.T) {
		cfg := Default()
		fs := flag.NewFlagSet("impactor", flag.ContinueOnError)
		f := BindFlags(fs, cfg)

		err := f.Parse([]string{"-log-level", "warn", "-config", path, "-anisette", "REMOTE", "devices"})
		require.NoError(t, err)

		assert.Equal(t, path, f.File())
		assert.Equal(t, "warn", cfg.Log.Level)
		assert.Equal(t, anisette.KindRemote, cfg.Anisette.Provider)
		assert.Equal(t, "127.0.0.1:27015", cfg.Usbmuxd.Address, "file value applies when no flag is given")
		assert.Equal(t, []string{"devices"}, fs.Args())
	})

	t.Run("no file", func(t *testing.T) {
		cfg := Default()
		fs := flag.NewFlagSet("impactor", flag.ContinueOnError)
		f := BindFlags(fs, cfg)

		require.NoError(t, f.Parse([]string{"-usbmuxd", "/tmp/mux.sock"}))
		assert.Equal(t, "/tmp/mux.sock", cfg.Usbmuxd.Address)
		assert.Equal(t, anisette.KindRemote, cfg.Anisette.Provider)
	})

	t.Run("missing file", func(t *testing.T) {
		cfg := Default()
		fs := flag.NewFlagSet("impactor", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		f := BindFlags(fs, cfg)

		err := f.Parse([]string{"-config", filepath.Join(t.TempDir(), "nope.yaml")})
		assert.ErrorIs(t, err, fault.ErrIO)
	})

	t.Run("invalid flag value", func(t *testing.T) {
		cfg := Default()
		fs := flag.NewFlagSet("impactor", flag.ContinueOnError)
		f := BindFlags(fs, cfg)

		err := f.Parse([]string{"-anisette", "cloud"})
		assert.ErrorIs(t, err, fault.ErrParse)
	})
}

func TestAnisetteFor(t *testing.T) {
	cfg := Default()
	cfg.StorePath = "/data/impactor/accounts.json"
	cfg.Anisette.LocalURL = "http://localhost:1"

	local := cfg.AnisetteFor(anisette.KindLocal)
	assert.Equal(t, "http://localhost:1", local.URL)
	assert.Equal(t, "/data/impactor/anisette_device_id", local.DeviceIDPath)

	remote := cfg.AnisetteFor(anisette.KindRemote)
	assert.Equal(t, anisette.DefaultRemoteURL, remote.URL)
}
