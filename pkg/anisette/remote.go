package anisette

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/plume-impactor/impactor/pkg/fault"
)

// Default server endpoints.
const (
	DefaultRemoteURL = "https://ani.sidestore.io"
	DefaultLocalURL  = "http://127.0.0.1:6969"
)

// Config configures a RemoteProvider.
type Config struct {
	// URL of the anisette server. A GET returns a JSON object of headers.
	URL string

	// DeviceIDPath persists a fallback X-Mme-Device-Id for servers that do
	// not return one. Empty disables persistence (a random id per process).
	DeviceIDPath string

	// HTTPClient performs requests. Defaults to a client with a 15s timeout.
	HTTPClient *http.Client

	// Logger for operational messages.
	Logger *slog.Logger
}

// ConfigFor returns a configuration for a provider kind.
func ConfigFor(kind Kind, remoteURL, localURL string) Config {
	cfg := Config{URL: remoteURL}
	if kind == KindLocal {
		cfg.URL = localURL
	}
	if cfg.URL == "" {
		cfg.URL = DefaultRemoteURL
		if kind == KindLocal {
			cfg.URL = DefaultLocalURL
		}
	}
	return cfg
}

// RemoteProvider fetches headers from an anisette server over HTTP.
type RemoteProvider struct {
	url      string
	client   *http.Client
	logger   *slog.Logger
	deviceID string
}

// NewRemoteProvider creates a provider. The fallback device id is loaded (or
// created) from cfg.DeviceIDPath.
func NewRemoteProvider(cfg Config) (*RemoteProvider, error) {
	if cfg.URL == "" {
		cfg.URL = DefaultRemoteURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	deviceID := strings.ToUpper(uuid.NewString())
	if cfg.DeviceIDPath != "" {
		id, err := LoadOrCreateDeviceID(cfg.DeviceIDPath)
		if err != nil {
			return nil, err
		}
		deviceID = id
	}

	return &RemoteProvider{
		url:      strings.TrimRight(cfg.URL, "/"),
		client:   cfg.HTTPClient,
		logger:   cfg.Logger,
		deviceID: deviceID,
	}, nil
}

// Provide fetches a fresh set of headers.
func (p *RemoteProvider) Provide(ctx context.Context) (Headers, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("anisette: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("anisette: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("anisette: server %s returned %s", p.url, resp.Status)
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: anisette response: %v", fault.ErrParse, err)
	}

	headers := make(Headers, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			headers[k] = val
		case float64:
			headers[k] = fmt.Sprintf("%.0f", val)
		}
	}

	if headers.Get(HeaderMD) == "" || headers.Get(HeaderMDM) == "" {
		return nil, fmt.Errorf("%w: anisette response lacks %s", fault.ErrParse, HeaderMD)
	}
	if headers.DeviceID() == "" {
		headers[HeaderDeviceID] = p.deviceID
	}
	if headers.Get(HeaderClientTime) == "" {
		headers[HeaderClientTime] = time.Now().UTC().Format(time.RFC3339)
	}

	p.logger.Debug("anisette headers fetched", "server", p.url, "count", len(headers))
	return headers, nil
}

// LoadOrCreateDeviceID reads the persisted device id at path, creating one if
// the file does not exist.
func LoadOrCreateDeviceID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %v", fault.ErrIO, err)
	}

	id := strings.ToUpper(uuid.NewString())
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", fmt.Errorf("%w: %v", fault.ErrIO, err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0600); err != nil {
		return "", fmt.Errorf("%w: %v", fault.ErrIO, err)
	}
	return id, nil
}
