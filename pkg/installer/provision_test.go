package installer

import (
	"context"
	"testing"

	"github.com/plume-impactor/impactor/pkg/bundle"
	"github.com/plume-impactor/impactor/pkg/developer"
	"github.com/plume-impactor/impactor/pkg/device"
	"github.com/plume-impactor/impactor/pkg/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTeam struct {
	devices []string
	appIDs  []developer.AppID
	added   int
}

func (f *fakeTeam) EnsureDevice(_ context.Context, _, name, udid string) (*developer.Device, error) {
	f.devices = append(f.devices, name+"/"+udid)
	return &developer.Device{Name: name, DeviceNumber: udid}, nil
}

func (f *fakeTeam) ListAppIDs(context.Context, string) (*developer.AppIDsResponse, error) {
	return &developer.AppIDsResponse{AppIDs: f.appIDs}, nil
}

func (f *fakeTeam) AddAppID(_ context.Context, _, identifier, name string) (*developer.AppIDResponse, error) {
	f.added++
	id := developer.AppID{AppIDID: "NEW", Identifier: identifier, Name: name}
	f.appIDs = append(f.appIDs, id)
	return &developer.AppIDResponse{AppID: id}, nil
}

func (f *fakeTeam) DownloadProfile(_ context.Context, _, appIDID string) (*developer.ProfileResponse, error) {
	return &developer.ProfileResponse{Profile: developer.Profile{Name: appIDID, Encoded: []byte("profile-" + appIDID)}}, nil
}

func TestDeveloperProvisioner(t *testing.T) {
	team := &fakeTeam{}
	p := &DeveloperProvisioner{Session: team, TeamID: "TEAM1"}
	pkg := &bundle.Package{BundleID: "com.example.app", Name: "App"}
	dev := device.Device{UDID: "UDID-1"}
	ctx := context.Background()

	first, err := p.Provision(ctx, pkg, dev)
	require.NoError(t, err)
	assert.Equal(t, "com.example.app.TEAM1", first.BundleID)
	assert.Equal(t, []byte("profile-NEW"), first.Profile)
	assert.Equal(t, []string{"UDID-1/UDID-1"}, team.devices, "the udid names an unnamed device")

	_, err = p.Provision(ctx, pkg, dev)
	require.NoError(t, err)
	assert.Equal(t, 1, team.added, "an existing app id is reused")

	_, err = (&DeveloperProvisioner{Session: team}).Provision(ctx, pkg, dev)
	assert.ErrorIs(t, err, fault.ErrNotFound)
}
