package discovery

import (
	"errors"
	"net"
	"strings"
	"time"
)

const (
	// ServiceType is the DNS-SD type advertised by network-sync devices.
	ServiceType = "_apple-mobdev2._tcp"

	// Domain is the mDNS domain.
	Domain = "local."

	// DefaultBrowseTimeout bounds Scan.
	DefaultBrowseTimeout = 5 * time.Second
)

// ErrInvalidInstance is returned for instance names not of the form
// <mac>@<address>.
var ErrInvalidInstance = errors.New("invalid instance name")

// NetworkDevice is a device seen on the network.
type NetworkDevice struct {
	// Instance is the DNS-SD instance name.
	Instance string

	// Host is the advertised host name.
	Host string

	Port int

	// Addresses are the resolved IPv4 and IPv6 addresses, merged across
	// interfaces.
	Addresses []string

	// WiFiMAC is the MAC address from the instance name, lower case.
	WiFiMAC string

	// LinkLocal is the address from the instance name, if any.
	LinkLocal string
}

// ParseInstance splits an instance name into its Wi-Fi MAC address and
// address parts.
func ParseInstance(instance string) (mac, addr string, err error) {
	mac, addr, ok := strings.Cut(instance, "@")
	if !ok || mac == "" {
		return "", "", ErrInvalidInstance
	}
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return "", "", ErrInvalidInstance
	}
	return hw.String(), addr, nil
}

// MatchesMAC reports whether the device advertises the given Wi-Fi MAC
// address, as stored in a pair record.
func (d *NetworkDevice) MatchesMAC(mac string) bool {
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return false
	}
	return hw.String() == d.WiFiMAC
}
