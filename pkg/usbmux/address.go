package usbmux

import (
	"os"
	"runtime"
	"strings"
)

const (
	// EnvSocketAddress overrides the daemon address. It accepts
	// "unix:/path/to/socket" or "host:port".
	EnvSocketAddress = "USBMUXD_SOCKET_ADDRESS"

	// DefaultSocketPath is the daemon socket on macOS and Linux.
	DefaultSocketPath = "/var/run/usbmuxd"

	// DefaultTCPAddress is the daemon address on Windows.
	DefaultTCPAddress = "127.0.0.1:27015"
)

// Address is a dialable daemon address.
type Address struct {
	Network string
	Addr    string
}

func (a Address) String() string {
	return a.Network + ":" + a.Addr
}

// ResolveAddress picks the daemon address. An explicit address wins, then
// EnvSocketAddress, then the platform default.
func ResolveAddress(explicit string) Address {
	if explicit != "" {
		return ParseAddress(explicit)
	}
	if env := os.Getenv(EnvSocketAddress); env != "" {
		return ParseAddress(env)
	}
	if runtime.GOOS == "windows" {
		return Address{Network: "tcp", Addr: DefaultTCPAddress}
	}
	return Address{Network: "unix", Addr: DefaultSocketPath}
}

// ParseAddress parses "unix:/path", "tcp:host:port", a bare path or
// "host:port".
func ParseAddress(s string) Address {
	switch {
	case strings.HasPrefix(s, "unix:"):
		return Address{Network: "unix", Addr: strings.TrimPrefix(s, "unix:")}
	case strings.HasPrefix(s, "tcp:"):
		return Address{Network: "tcp", Addr: strings.TrimPrefix(s, "tcp:")}
	case strings.HasPrefix(s, "/"):
		return Address{Network: "unix", Addr: s}
	default:
		return Address{Network: "tcp", Addr: s}
	}
}
