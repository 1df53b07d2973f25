// Package developer is a client for Apple's developer services (the "QH65B2"
// provisioning API used by Xcode): teams, devices, certificates, app IDs and
// provisioning profiles.
//
// Every request is authenticated with the account's adsid and the Xcode app
// token, and carries freshly fetched anisette headers.
package developer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/plume-impactor/impactor/pkg/anisette"
	"github.com/plume-impactor/impactor/pkg/fault"
	"github.com/plume-impactor/impactor/pkg/gsa"
	"github.com/plume-impactor/impactor/pkg/log"
	"github.com/plume-impactor/impactor/pkg/plistutil"
)

// Service constants.
const (
	// DefaultBaseURL is the developer services root.
	DefaultBaseURL = "https://developerservices2.apple.com/services"

	// ProtocolVersion is the API revision in every path and body.
	ProtocolVersion = "QH65B2"

	// ClientID identifies Xcode to the service.
	ClientID = "XABBG36SBA"

	// DefaultXcodeVersion is reported in X-Xcode-Version.
	DefaultXcodeVersion = "11.2 (11B41)"

	maxResponseSize = 8 << 20
)

// Config configures a Session.
type Config struct {
	// BaseURL of the service. Defaults to DefaultBaseURL.
	BaseURL string

	// XcodeVersion reported to the service. Defaults to DefaultXcodeVersion.
	XcodeVersion string

	// HTTPClient performs requests.
	HTTPClient *http.Client

	// Logger for operational messages.
	Logger *slog.Logger

	// ProtocolLogger captures requests and responses (optional).
	ProtocolLogger log.Logger
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.XcodeVersion == "" {
		c.XcodeVersion = DefaultXcodeVersion
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Session is an authenticated developer services client. Apart from the
// lazily fetched token it holds no state, so a Session may be shared.
type Session struct {
	cfg      Config
	adsid    string
	anisette anisette.Provider
	plog     log.Logger
	connID   string

	mu      sync.Mutex
	token   string
	account *gsa.Account
}

// With binds a logged-in account. The Xcode token is requested on first use.
func With(account *gsa.Account, cfg Config) (*Session, error) {
	if account == nil || account.Client() == nil {
		return nil, fmt.Errorf("developer: account is not bound to an identity client")
	}
	s := newSession(account.ADSID(), account.Client().Anisette(), cfg)
	s.account = account
	return s, nil
}

// UsingAccount binds a logged-in account and fetches the Xcode token now.
func UsingAccount(ctx context.Context, account *gsa.Account, cfg Config) (*Session, error) {
	s, err := With(account, cfg)
	if err != nil {
		return nil, err
	}
	if _, err := s.Token(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// WithToken creates a session from stored credentials.
func WithToken(adsid, token string, provider anisette.Provider, cfg Config) (*Session, error) {
	if provider == nil {
		return nil, fmt.Errorf("developer: anisette provider is required")
	}
	if adsid == "" || token == "" {
		return nil, fmt.Errorf("developer: adsid and token are required")
	}
	s := newSession(adsid, provider, cfg)
	s.token = token
	return s, nil
}

func newSession(adsid string, provider anisette.Provider, cfg Config) *Session {
	cfg.applyDefaults()
	return &Session{
		cfg:      cfg,
		adsid:    adsid,
		anisette: provider,
		plog:     log.OrNoop(cfg.ProtocolLogger),
		connID:   uuid.NewString(),
	}
}

// ADSID returns the account's directory services id.
func (s *Session) ADSID() string {
	return s.adsid
}

// Anisette returns the session's anisette provider.
func (s *Session) Anisette() anisette.Provider {
	return s.anisette
}

// Token returns the Xcode app token, requesting it if needed.
func (s *Session) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" {
		return s.token, nil
	}
	if s.account == nil {
		return "", fmt.Errorf("developer: no token and no account to request one")
	}
	tok, err := s.account.AppToken(ctx, gsa.XcodeApp)
	if err != nil {
		return "", err
	}
	s.token = tok.Token
	s.cfg.Logger.Debug("xcode token issued", "adsid", s.adsid, "expiry", tok.Expiry)
	return s.token, nil
}

// endpoint returns the full URL for an action path such as "ios/listDevices.action".
func (s *Session) endpoint(path string) string {
	return s.cfg.BaseURL + "/" + ProtocolVersion + "/" + path + "?clientId=" + ClientID
}

// send posts payload to path and returns the status-checked response
// dictionary.
func (s *Session) send(ctx context.Context, path string, payload plistutil.Dict) (plistutil.Dict, error) {
	token, err := s.Token(ctx)
	if err != nil {
		return nil, err
	}
	headers, err := s.anisette.Provide(ctx)
	if err != nil {
		return nil, err
	}

	body := plistutil.Dict{
		"clientId":        ClientID,
		"protocolVersion": ProtocolVersion,
		"requestId":       strings.ToUpper(uuid.NewString()),
		"userLocale":      []any{"en_US"},
	}
	for k, v := range payload {
		body[k] = v
	}
	data, err := plistutil.Encode(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint(path), bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	headers.Apply(req)
	req.Header.Set("Content-Type", "text/x-xml-plist")
	req.Header.Set("Accept", "text/x-xml-plist")
	req.Header.Set("Accept-Language", "en-us")
	req.Header.Set("User-Agent", "Xcode")
	req.Header.Set("X-Apple-I-Identity-Id", s.adsid)
	req.Header.Set("X-Apple-GS-Token", token)
	req.Header.Set("X-Xcode-Version", s.cfg.XcodeVersion)
	req.Header.Set("X-Apple-App-Info", gsa.XcodeApp)

	start := time.Now()
	s.plog.Log(log.NewMessageEvent(s.connID, log.LayerHTTP, log.DirectionOut, log.MessageEvent{
		Type:      log.MessageTypeRequest,
		Operation: path,
		Endpoint:  req.URL.Path,
		Payload:   truncate(data),
	}))

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		s.plog.Log(log.NewErrorEvent(s.connID, log.LayerHTTP, err, path))
		return nil, fmt.Errorf("developer %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("developer %s: %w", path, err)
	}

	elapsed := time.Since(start)
	s.plog.Log(log.NewMessageEvent(s.connID, log.LayerHTTP, log.DirectionIn, log.MessageEvent{
		Type:      log.MessageTypeResponse,
		Operation: path,
		Endpoint:  req.URL.Path,
		Status:    log.Int64(int64(resp.StatusCode)),
		Payload:   truncate(raw),
		Duration:  &elapsed,
	}))
	s.cfg.Logger.Debug("developer request", "path", path, "status", resp.StatusCode, "elapsed", elapsed)

	return decodeEnvelope(raw)
}

// call sends a request and decodes the checked response into out.
func (s *Session) call(ctx context.Context, path string, payload plistutil.Dict, out any) error {
	resp, err := s.send(ctx, path, payload)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := plistutil.Convert(resp, out); err != nil {
		return fmt.Errorf("developer %s: %w", path, err)
	}
	return nil
}

// decodeEnvelope parses a response and checks its status before any typed
// decoding happens. A non-zero code is a RemoteError whatever the HTTP
// status was.
func decodeEnvelope(data []byte) (plistutil.Dict, error) {
	resp, err := plistutil.DecodeDict(data)
	if err != nil {
		return nil, err
	}

	if status, ok := plistutil.Dictionary(resp, "Status"); ok {
		if code, ok := plistutil.Int(status, "ec"); ok && code != 0 {
			return nil, fault.NewRemoteError(code, plistutil.StringOr(status, "em", ""))
		}
	}
	if code, ok := plistutil.Int(resp, "resultCode"); ok && code != 0 {
		msg := plistutil.StringOr(resp, "userString", "")
		if msg == "" {
			msg = plistutil.StringOr(resp, "resultString", "")
		}
		return nil, fault.NewRemoteError(code, msg)
	}
	return resp, nil
}

func truncate(data []byte) []byte {
	if len(data) > log.MaxLogDataSize {
		return data[:log.MaxLogDataSize]
	}
	return data
}
