package developer

import (
	"context"

	"github.com/plume-impactor/impactor/pkg/plistutil"
)

// Developer is the account holder as the service knows them.
type Developer struct {
	DeveloperID     string `plist:"developerId"`
	PersonID        int64  `plist:"personId"`
	FirstName       string `plist:"firstName"`
	LastName        string `plist:"lastName"`
	Email           string `plist:"email"`
	DeveloperStatus string `plist:"developerStatus"`
}

// AccountInfoResponse is the viewDeveloper.action response.
type AccountInfoResponse struct {
	Developer Developer `plist:"developer"`
}

// AccountInfo returns the developer record. team may be empty.
func (s *Session) AccountInfo(ctx context.Context, team string) (*AccountInfoResponse, error) {
	var payload plistutil.Dict
	if team != "" {
		payload = plistutil.Dict{"teamId": team}
	}
	var resp AccountInfoResponse
	if err := s.call(ctx, "viewDeveloper.action", payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ValidateAccount checks the stored token still works and returns the
// developer's name. A RemoteError means the account needs to log in again.
func (s *Session) ValidateAccount(ctx context.Context, team string) (first, last string, err error) {
	resp, err := s.AccountInfo(ctx, team)
	if err != nil {
		return "", "", err
	}
	return resp.Developer.FirstName, resp.Developer.LastName, nil
}
