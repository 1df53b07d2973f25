package developer

import (
	"context"
	"time"

	"github.com/plume-impactor/impactor/pkg/plistutil"
)

// Device is a device registered with a team.
type Device struct {
	DeviceID       string    `plist:"deviceId"`
	Name           string    `plist:"name"`
	DeviceNumber   string    `plist:"deviceNumber"`
	DevicePlatform string    `plist:"devicePlatform"`
	Status         string    `plist:"status"`
	DeviceClass    string    `plist:"deviceClass"`
	ExpirationDate time.Time `plist:"expirationDate"`
}

// DevicesResponse is the listDevices.action response.
type DevicesResponse struct {
	Devices []Device `plist:"devices"`
}

// DeviceResponse is the addDevice.action response.
type DeviceResponse struct {
	Device Device `plist:"device"`
}

// ListDevices returns the devices registered with team.
func (s *Session) ListDevices(ctx context.Context, team string) (*DevicesResponse, error) {
	var resp DevicesResponse
	if err := s.call(ctx, "ios/listDevices.action", plistutil.Dict{"teamId": team}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AddDevice registers a device. The name is stripped of characters the
// service rejects.
func (s *Session) AddDevice(ctx context.Context, team, name, udid string) (*DeviceResponse, error) {
	var resp DeviceResponse
	err := s.call(ctx, "ios/addDevice.action", plistutil.Dict{
		"teamId":       team,
		"name":         StripInvalidChars(name),
		"deviceNumber": udid,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetDevice looks a device up by UDID. It returns nil if the device is not
// registered.
func (s *Session) GetDevice(ctx context.Context, team, udid string) (*Device, error) {
	resp, err := s.ListDevices(ctx, team)
	if err != nil {
		return nil, err
	}
	for i := range resp.Devices {
		if resp.Devices[i].DeviceNumber == udid {
			return &resp.Devices[i], nil
		}
	}
	return nil, nil
}

// EnsureDevice returns the registered device, adding it first if needed.
func (s *Session) EnsureDevice(ctx context.Context, team, name, udid string) (*Device, error) {
	dev, err := s.GetDevice(ctx, team, udid)
	if err != nil {
		return nil, err
	}
	if dev != nil {
		return dev, nil
	}

	s.cfg.Logger.Info("registering device", "team", team, "udid", udid)
	resp, err := s.AddDevice(ctx, team, name, udid)
	if err != nil {
		return nil, err
	}
	return &resp.Device, nil
}
