// Package anisette supplies the device-identity headers that Apple's identity
// and provisioning services require on every request.
//
// Anisette data is time sensitive (X-Apple-I-MD is a one-time password), so
// providers fetch fresh headers on every call and never cache them.
package anisette

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/plume-impactor/impactor/pkg/plistutil"
)

// Header names.
const (
	HeaderClientTime = "X-Apple-I-Client-Time"
	HeaderMD         = "X-Apple-I-MD"
	HeaderMDM        = "X-Apple-I-MD-M"
	HeaderMDRInfo    = "X-Apple-I-MD-RINFO"
	HeaderMDLU       = "X-Apple-I-MD-LU"
	HeaderSerial     = "X-Apple-I-SRL-NO"
	HeaderTimeZone   = "X-Apple-I-TimeZone"
	HeaderLocale     = "X-Apple-Locale"
	HeaderClientInfo = "X-Mme-Client-Info"
	HeaderDeviceID   = "X-Mme-Device-Id"
)

// DefaultClientInfo is sent when the anisette server does not provide one.
const DefaultClientInfo = "<MacBookPro13,2> <macOS;13.1;22C65> <com.apple.AuthKit/1 (com.apple.dt.Xcode/3594.4.19)>"

// Kind names where anisette data comes from. It is persisted with each account.
type Kind string

const (
	// KindLocal is an anisette server running on this machine.
	KindLocal Kind = "local"

	// KindRemote is a shared anisette server.
	KindRemote Kind = "remote"
)

// Provider supplies anisette headers.
type Provider interface {
	// Provide returns a fresh set of headers.
	Provide(ctx context.Context) (Headers, error)
}

// Headers is one set of anisette headers.
type Headers map[string]string

// Get returns the header value, matching names case-insensitively.
func (h Headers) Get(name string) string {
	if v, ok := h[name]; ok {
		return v
	}
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// ClientInfo returns X-Mme-Client-Info, or DefaultClientInfo.
func (h Headers) ClientInfo() string {
	if v := h.Get(HeaderClientInfo); v != "" {
		return v
	}
	return DefaultClientInfo
}

// DeviceID returns X-Mme-Device-Id, the stable per-installation identifier.
func (h Headers) DeviceID() string {
	return h.Get(HeaderDeviceID)
}

// Locale returns X-Apple-Locale, defaulting to en_US.
func (h Headers) Locale() string {
	if v := h.Get(HeaderLocale); v != "" {
		return v
	}
	return "en_US"
}

// Apply sets every header on req, plus X-Mme-Client-Info.
func (h Headers) Apply(req *http.Request) {
	for k, v := range h {
		req.Header.Set(k, v)
	}
	req.Header.Set(HeaderClientInfo, h.ClientInfo())
	if h.Get(HeaderClientTime) == "" {
		req.Header.Set(HeaderClientTime, time.Now().UTC().Format(time.RFC3339))
	}
}

// cpdKeys are the headers mirrored into the GrandSlam client provided data.
var cpdKeys = []string{
	HeaderClientTime,
	HeaderTimeZone,
	HeaderLocale,
	HeaderMDRInfo,
	HeaderMDLU,
	HeaderDeviceID,
	HeaderMD,
	HeaderMDM,
	HeaderSerial,
}

// CPD builds the "cpd" dictionary embedded in every GrandSlam request.
func (h Headers) CPD() plistutil.Dict {
	cpd := plistutil.Dict{
		"bootstrap": true,
		"icscrec":   true,
		"pbe":       false,
		"prkgen":    true,
		"svct":      "iCloud",
		"loc":       h.Locale(),
	}
	for _, k := range cpdKeys {
		if v := h.Get(k); v != "" {
			cpd[k] = v
		}
	}
	return cpd
}

// Static is a Provider that always returns the same headers. Useful in tests
// and for captured sessions.
type Static Headers

// Provide returns a copy of the headers.
func (s Static) Provide(context.Context) (Headers, error) {
	out := make(Headers, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out, nil
}

// Compile-time interface satisfaction checks.
var (
	_ Provider = Static{}
	_ Provider = (*RemoteProvider)(nil)
)
