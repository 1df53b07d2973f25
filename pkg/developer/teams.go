package developer

import "context"

// Team is a development team the account belongs to.
type Team struct {
	Name   string `plist:"name"`
	TeamID string `plist:"teamId"`
	Type   string `plist:"type"`
	Status string `plist:"status"`
}

// TeamsResponse is the listTeams.action response.
type TeamsResponse struct {
	Teams []Team `plist:"teams"`
}

// ListTeams returns the account's teams.
func (s *Session) ListTeams(ctx context.Context) (*TeamsResponse, error) {
	var resp TeamsResponse
	if err := s.call(ctx, "listTeams.action", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
