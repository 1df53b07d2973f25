package installer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/plume-impactor/impactor/pkg/bundle"
	"github.com/plume-impactor/impactor/pkg/developer"
	"github.com/plume-impactor/impactor/pkg/device"
	"github.com/plume-impactor/impactor/pkg/fault"
)

// Team is the part of the developer session provisioning needs.
// *developer.Session implements it.
type Team interface {
	EnsureDevice(ctx context.Context, team, name, udid string) (*developer.Device, error)
	ListAppIDs(ctx context.Context, team string) (*developer.AppIDsResponse, error)
	AddAppID(ctx context.Context, team, identifier, name string) (*developer.AppIDResponse, error)
	DownloadProfile(ctx context.Context, team, appIDID string) (*developer.ProfileResponse, error)
}

// DeveloperProvisioner registers the device and an app ID with a team and
// fetches the matching provisioning profile. Free teams cannot register
// arbitrary identifiers, so the app ID is the package's identifier with
// the team ID appended.
type DeveloperProvisioner struct {
	Session Team
	TeamID  string
	Logger  *slog.Logger
}

// BundleIDFor returns the identifier a package is provisioned under.
func BundleIDFor(pkg *bundle.Package, teamID string) string {
	return pkg.BundleID + "." + teamID
}

// Provision implements Provisioner.
func (p *DeveloperProvisioner) Provision(ctx context.Context, pkg *bundle.Package, dev device.Device) (*Provisioning, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if p.TeamID == "" {
		return nil, fmt.Errorf("%w: no team selected", fault.ErrNotFound)
	}

	name := dev.Name
	if name == "" {
		name = dev.UDID
	}
	if _, err := p.Session.EnsureDevice(ctx, p.TeamID, name, dev.UDID); err != nil {
		return nil, err
	}

	identifier := BundleIDFor(pkg, p.TeamID)
	ids, err := p.Session.ListAppIDs(ctx, p.TeamID)
	if err != nil {
		return nil, err
	}
	var appID *developer.AppID
	for i := range ids.AppIDs {
		if ids.AppIDs[i].Identifier == identifier {
			appID = &ids.AppIDs[i]
			break
		}
	}
	if appID == nil {
		resp, err := p.Session.AddAppID(ctx, p.TeamID, identifier, pkg.Name)
		if err != nil {
			return nil, err
		}
		appID = &resp.AppID
		logger.Info("app id registered", "identifier", identifier)
	}

	profile, err := p.Session.DownloadProfile(ctx, p.TeamID, appID.AppIDID)
	if err != nil {
		return nil, err
	}
	return &Provisioning{
		TeamID:   p.TeamID,
		BundleID: identifier,
		Profile:  profile.Profile.Encoded,
	}, nil
}

var (
	_ Provisioner = (*DeveloperProvisioner)(nil)
	_ Team        = (*developer.Session)(nil)
)
