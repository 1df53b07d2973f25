package developer

import (
	"context"
	"time"

	"github.com/plume-impactor/impactor/pkg/plistutil"
)

// AppID is an explicit app identifier registered with a team.
type AppID struct {
	AppIDID        string         `plist:"appIdId"`
	Identifier     string         `plist:"identifier"`
	Name           string         `plist:"name"`
	Features       map[string]any `plist:"features"`
	ExpirationDate time.Time      `plist:"expirationDate"`
}

// AppIDsResponse is the listAppIds.action response.
type AppIDsResponse struct {
	AppIDs            []AppID `plist:"appIds"`
	MaxQuantity       int64   `plist:"maxQuantity"`
	AvailableQuantity int64   `plist:"availableQuantity"`
}

// AppIDResponse is the addAppId.action response.
type AppIDResponse struct {
	AppID AppID `plist:"appId"`
}

// ListAppIDs returns the team's app IDs.
func (s *Session) ListAppIDs(ctx context.Context, team string) (*AppIDsResponse, error) {
	var resp AppIDsResponse
	if err := s.call(ctx, "ios/listAppIds.action", plistutil.Dict{"teamId": team}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AddAppID registers identifier. The name is stripped of characters the
// service rejects.
func (s *Session) AddAppID(ctx context.Context, team, identifier, name string) (*AppIDResponse, error) {
	var resp AppIDResponse
	err := s.call(ctx, "ios/addAppId.action", plistutil.Dict{
		"teamId":     team,
		"identifier": identifier,
		"name":       StripInvalidChars(name),
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Profile is a provisioning profile.
type Profile struct {
	ProvisioningProfileID string `plist:"provisioningProfileId"`
	Name                  string `plist:"name"`
	Encoded               []byte `plist:"encodedProfile"`
}

// ProfileResponse is the downloadTeamProvisioningProfile.action response.
type ProfileResponse struct {
	Profile Profile `plist:"provisioningProfile"`
}

// DownloadProfile fetches the team provisioning profile for an app ID.
func (s *Session) DownloadProfile(ctx context.Context, team, appIDID string) (*ProfileResponse, error) {
	var resp ProfileResponse
	err := s.call(ctx, "ios/downloadTeamProvisioningProfile.action", plistutil.Dict{
		"teamId":  team,
		"appIdId": appIDID,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}
