package gsa

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/plume-impactor/impactor/pkg/fault"
	"github.com/plume-impactor/impactor/pkg/plistutil"
)

// Profile dictionary keys.
const (
	keyADSID     = "adsid"
	keyIdmsToken = "GsIdmsToken"
	keySK        = "sk"
	keyC         = "c"
	keyFirstName = "fn"
	keyLastName  = "ln"
	keyAppleID   = "appleId"
)

// Account is an authenticated identity: the decrypted profile dictionary
// (spd) plus the client it was obtained with.
type Account struct {
	client *Client
	spd    plistutil.Dict
}

// NewAccount rebuilds an account from a profile dictionary, e.g. one
// restored from the account store.
func NewAccount(client *Client, spd plistutil.Dict) *Account {
	return &Account{client: client, spd: spd}
}

// Client returns the identity client the account is bound to.
func (a *Account) Client() *Client {
	return a.client
}

// SPD returns the decoded profile dictionary.
func (a *Account) SPD() plistutil.Dict {
	return a.spd
}

// ADSID returns the account's directory services id.
func (a *Account) ADSID() string {
	return plistutil.StringOr(a.spd, keyADSID, "")
}

// IdmsToken returns the GrandSlam IdMS token.
func (a *Account) IdmsToken() string {
	return plistutil.StringOr(a.spd, keyIdmsToken, "")
}

// SessionKey returns the app-token session key (sk).
func (a *Account) SessionKey() []byte {
	b, _ := plistutil.Data(a.spd, keySK)
	return b
}

// C returns the opaque continuation blob sent with app-token requests.
func (a *Account) C() []byte {
	b, _ := plistutil.Data(a.spd, keyC)
	return b
}

// Name returns the first and last name from the profile.
func (a *Account) Name() (first, last string) {
	return plistutil.StringOr(a.spd, keyFirstName, ""), plistutil.StringOr(a.spd, keyLastName, "")
}

// Email extracts the account email. The lookup order is the direct appleId
// field, then delegates["com.apple.gs"].email, then accountInfo.appleId.
func (a *Account) Email() (string, error) {
	if s, ok := plistutil.String(a.spd, keyAppleID); ok && s != "" {
		return s, nil
	}
	if s, ok := plistutil.PathString(a.spd, "delegates", "com.apple.gs", "email"); ok && s != "" {
		return s, nil
	}
	if s, ok := plistutil.PathString(a.spd, "accountInfo", keyAppleID); ok && s != "" {
		return s, nil
	}
	keys := make([]string, 0, len(a.spd))
	for k := range a.spd {
		keys = append(keys, k)
	}
	return "", fmt.Errorf("%w: profile keys %v", fault.ErrMissingEmail, keys)
}

// IdentityToken returns base64(adsid ":" GsIdmsToken), the credential used
// by second-factor endpoints.
func (a *Account) IdentityToken() string {
	return base64.StdEncoding.EncodeToString([]byte(a.ADSID() + ":" + a.IdmsToken()))
}

// AppToken is a service token issued for one app id.
type AppToken struct {
	App      string
	Token    string
	Duration time.Duration
	Expiry   time.Time
}

// AppToken requests a token for app (e.g. XcodeApp).
func (a *Account) AppToken(ctx context.Context, app string) (*AppToken, error) {
	if a.client == nil {
		return nil, fmt.Errorf("gsa: account has no client")
	}
	sk := a.SessionKey()
	if len(sk) == 0 {
		return nil, fmt.Errorf("%w: profile has no session key", fault.ErrParse)
	}

	resp, err := a.client.post(ctx, "apptokens", plistutil.Dict{
		"app":      []any{app},
		"c":        a.C(),
		"checksum": checksum(sk, "apptokens", a.ADSID(), app),
		"t":        a.IdmsToken(),
		"u":        a.ADSID(),
	})
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	et, ok := plistutil.Data(resp, "et")
	if !ok {
		return nil, fmt.Errorf("%w: app token response has no et", fault.ErrParse)
	}
	plain, err := decryptGCM(sk, et)
	if err != nil {
		return nil, err
	}
	tokens, err := plistutil.DecodeDict(plain)
	if err != nil {
		return nil, err
	}

	entry, ok := plistutil.Path(tokens, "t", app)
	if !ok {
		return nil, fmt.Errorf("%w: no token issued for %s", fault.ErrParse, app)
	}
	dict, _ := entry.(map[string]any)
	token, ok := plistutil.String(dict, "token")
	if !ok {
		return nil, fmt.Errorf("%w: token for %s is malformed", fault.ErrParse, app)
	}

	out := &AppToken{App: app, Token: token}
	if secs, ok := plistutil.Int(dict, "duration"); ok {
		out.Duration = time.Duration(secs) * time.Second
	}
	if ms, ok := plistutil.Int(dict, "expiry"); ok {
		out.Expiry = time.UnixMilli(ms)
	}
	return out, nil
}
