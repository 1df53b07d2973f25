// Package gsa implements login against Apple's GrandSlam identity service:
// the SRP exchange, profile decryption, second-factor verification and
// app-token issuance.
package gsa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/plume-impactor/impactor/pkg/anisette"
	"github.com/plume-impactor/impactor/pkg/fault"
	"github.com/plume-impactor/impactor/pkg/log"
	"github.com/plume-impactor/impactor/pkg/plistutil"
)

// Service constants.
const (
	// DefaultBaseURL is the GrandSlam host.
	DefaultBaseURL = "https://gsa.apple.com"

	// ProtocolVersion is sent in every request header.
	ProtocolVersion = "1.0.1"

	// XcodeApp is the app id whose token authorizes developer services.
	XcodeApp = "com.apple.gs.xcode.auth"

	// XcodeVersion is reported on second-factor requests.
	XcodeVersion = "11.2 (11B41)"

	userAgent = "akd/1.0 CFNetwork/978.0.7 Darwin/18.7.0"

	servicePath  = "/grandslam/GsService2"
	validatePath = "/grandslam/GsService2/validate"
	trustedPath  = "/auth/verify/trusteddevice"
	phonePath    = "/auth/verify/phone"
	smsCodePath  = "/auth/verify/phone/securitycode"

	maxResponseSize = 4 << 20
)

// Config configures a Client.
type Config struct {
	// BaseURL of the identity service. Defaults to DefaultBaseURL.
	BaseURL string

	// Anisette supplies device-identity headers. Required.
	Anisette anisette.Provider

	// HTTPClient performs requests. Apple's identity hosts chain to the
	// Apple Root CA; callers on systems without it supply a client that
	// trusts it.
	HTTPClient *http.Client

	// Logger for operational messages.
	Logger *slog.Logger

	// ProtocolLogger captures requests and responses (optional).
	ProtocolLogger log.Logger
}

// DefaultConfig returns a configuration using the given anisette provider.
func DefaultConfig(provider anisette.Provider) Config {
	return Config{
		BaseURL:  DefaultBaseURL,
		Anisette: provider,
	}
}

// Client talks to the identity service. It is safe for concurrent use;
// logins for different accounts may run in parallel.
type Client struct {
	baseURL  string
	anisette anisette.Provider
	http     *http.Client
	logger   *slog.Logger
	plog     log.Logger
	connID   string
}

// NewClient creates a Client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Anisette == nil {
		return nil, fmt.Errorf("gsa: anisette provider is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		anisette: cfg.Anisette,
		http:     cfg.HTTPClient,
		logger:   cfg.Logger,
		plog:     log.OrNoop(cfg.ProtocolLogger),
		connID:   uuid.NewString(),
	}, nil
}

// Anisette returns the client's anisette provider.
func (c *Client) Anisette() anisette.Provider {
	return c.anisette
}

// post sends a GrandSlam request and returns the "Response" dictionary.
// Fresh anisette headers are fetched for every call.
func (c *Client) post(ctx context.Context, op string, request plistutil.Dict) (plistutil.Dict, error) {
	headers, err := c.anisette.Provide(ctx)
	if err != nil {
		return nil, err
	}
	request["cpd"] = headers.CPD()
	request["o"] = op

	body, err := plistutil.Encode(plistutil.Dict{
		"Header":  plistutil.Dict{"Version": ProtocolVersion},
		"Request": request,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+servicePath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/x-xml-plist")
	req.Header.Set("Accept", "*/*")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(anisette.HeaderClientInfo, headers.ClientInfo())

	data, _, err := c.do(req, op)
	if err != nil {
		return nil, err
	}

	root, err := plistutil.DecodeDict(data)
	if err != nil {
		return nil, err
	}
	resp, ok := plistutil.Dictionary(root, "Response")
	if !ok {
		return nil, fmt.Errorf("%w: response has no Response dictionary", fault.ErrParse)
	}
	return resp, nil
}

// do performs req and returns the body. Transport failures are surfaced
// unchanged; nothing is retried.
func (c *Client) do(req *http.Request, op string) ([]byte, int, error) {
	start := time.Now()
	c.plog.Log(log.NewMessageEvent(c.connID, log.LayerHTTP, log.DirectionOut, log.MessageEvent{
		Type:      log.MessageTypeRequest,
		Operation: op,
		Endpoint:  req.URL.Path,
	}))

	resp, err := c.http.Do(req)
	if err != nil {
		c.plog.Log(log.NewErrorEvent(c.connID, log.LayerHTTP, err, op))
		return nil, 0, fmt.Errorf("gsa %s: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("gsa %s: %w", op, err)
	}

	elapsed := time.Since(start)
	c.plog.Log(log.NewMessageEvent(c.connID, log.LayerHTTP, log.DirectionIn, log.MessageEvent{
		Type:      log.MessageTypeResponse,
		Operation: op,
		Endpoint:  req.URL.Path,
		Status:    log.Int64(int64(resp.StatusCode)),
		Duration:  &elapsed,
	}))
	c.logger.Debug("gsa request", "op", op, "status", resp.StatusCode, "elapsed", elapsed)

	return data, resp.StatusCode, nil
}

// checkStatus maps a non-zero "ec" to a RemoteError. The nested Status
// dictionary is used if present, otherwise the dictionary itself.
func checkStatus(resp plistutil.Dict) error {
	status, ok := plistutil.Dictionary(resp, "Status")
	if !ok {
		status = resp
	}
	code, ok := plistutil.Int(status, "ec")
	if !ok || code == 0 {
		return nil
	}
	return fault.NewRemoteError(code, plistutil.StringOr(status, "em", ""))
}

// authRequest builds a request to the second-factor endpoints, authenticated
// with the account's identity token.
func (c *Client) authRequest(ctx context.Context, acct *Account, method, path string, body any) (*http.Request, error) {
	headers, err := c.anisette.Provide(ctx)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	contentType := "text/x-xml-plist"
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	headers.Apply(req)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", contentType)
	req.Header.Set("Accept-Language", "en-us")
	req.Header.Set("User-Agent", "Xcode")
	req.Header.Set("X-Apple-App-Info", XcodeApp)
	req.Header.Set("X-Xcode-Version", XcodeVersion)
	req.Header.Set("X-Apple-Identity-Token", acct.IdentityToken())
	req.Header.Set("Loc", headers.Locale())
	return req, nil
}
