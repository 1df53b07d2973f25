package persistence

import (
	"context"
	"fmt"

	"github.com/plume-impactor/impactor/pkg/anisette"
	"github.com/plume-impactor/impactor/pkg/developer"
	"github.com/plume-impactor/impactor/pkg/fault"
	"github.com/plume-impactor/impactor/pkg/gsa"
	"github.com/plume-impactor/impactor/pkg/plistutil"
)

// AccountStatus records whether a stored account's credentials still work.
type AccountStatus string

const (
	StatusValid       AccountStatus = "valid"
	StatusInvalid     AccountStatus = "invalid"
	StatusNeedsReauth AccountStatus = "needs_reauth"
)

// StoredAccount is the persisted form of a logged-in account.
type StoredAccount struct {
	// Email is the Apple ID and the store key.
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`

	// AnisetteProvider is where anisette data for this account comes from.
	AnisetteProvider anisette.Kind `json:"anisette_provider"`

	ADSID       string `json:"adsid"`
	GsIdmsToken string `json:"gs_idms_token"`
	SessionKey  []byte `json:"session_key"`
	C           []byte `json:"c"`

	// XcodeGsToken is the long-lived developer services token.
	XcodeGsToken string `json:"xcode_gs_token,omitempty"`

	// TeamID is the team used for provisioning. May be empty.
	TeamID string `json:"team_id,omitempty"`

	Status AccountStatus `json:"status"`
}

// NewStoredAccount extracts the persistent fields of a logged-in account.
// adsid, GsIdmsToken, sk and c must all be present in its profile.
func NewStoredAccount(acct *gsa.Account, provider anisette.Kind) (StoredAccount, error) {
	adsid := acct.ADSID()
	token := acct.IdmsToken()
	sk := acct.SessionKey()
	c := acct.C()
	if adsid == "" || token == "" || len(sk) == 0 || len(c) == 0 {
		return StoredAccount{}, fmt.Errorf("%w: account profile is missing session fields", fault.ErrParse)
	}

	email, err := acct.Email()
	if err != nil {
		return StoredAccount{}, err
	}
	first, last := acct.Name()

	return StoredAccount{
		Email:            email,
		FirstName:        first,
		LastName:         last,
		AnisetteProvider: provider,
		ADSID:            adsid,
		GsIdmsToken:      token,
		SessionKey:       sk,
		C:                c,
		Status:           StatusValid,
	}, nil
}

// Account rebuilds a gsa.Account bound to client. The profile carries the
// email both as appleId and as the com.apple.gs delegate.
func (a StoredAccount) Account(client *gsa.Client) *gsa.Account {
	spd := plistutil.Dict{
		"adsid":       a.ADSID,
		"GsIdmsToken": a.GsIdmsToken,
		"sk":          a.SessionKey,
		"c":           a.C,
		"fn":          a.FirstName,
		"ln":          a.LastName,
		"appleId":     a.Email,
		"delegates": plistutil.Dict{
			"com.apple.gs": plistutil.Dict{"email": a.Email},
		},
	}
	return gsa.NewAccount(client, spd)
}

// FromSession builds a stored account from a fresh login. The Xcode token is
// taken from session and the first team, if any, becomes the account's team.
func FromSession(ctx context.Context, acct *gsa.Account, session *developer.Session, provider anisette.Kind) (StoredAccount, error) {
	stored, err := NewStoredAccount(acct, provider)
	if err != nil {
		return StoredAccount{}, err
	}

	token, err := session.Token(ctx)
	if err != nil {
		return StoredAccount{}, err
	}
	teams, err := session.ListTeams(ctx)
	if err != nil {
		return StoredAccount{}, err
	}

	stored.XcodeGsToken = token
	if len(teams.Teams) > 0 {
		stored.TeamID = teams.Teams[0].TeamID
	}
	return stored, nil
}
