package device

import (
	"math"

	"github.com/plume-impactor/impactor/pkg/usbmux"
)

// Kind is how a device is attached.
type Kind uint8

const (
	KindUSB Kind = iota
	KindNetwork
)

func (k Kind) String() string {
	if k == KindNetwork {
		return "network"
	}
	return "usb"
}

// State is the lifecycle state of a tracked device.
type State uint8

const (
	// StateDiscovered is a device that was just attached.
	StateDiscovered State = iota

	// StateNameResolved means the lockdown name probe finished.
	StateNameResolved

	// StatePaired means the daemon holds a pair record for the device.
	StatePaired

	// StateUntrusted means no pair record exists yet.
	StateUntrusted

	// StateInstallingFiles is set while a pairing record is written.
	StateInstallingFiles

	// StateInstallingApp is set while a package is uploaded and installed.
	StateInstallingApp

	// StateIdle follows a finished operation.
	StateIdle
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "DISCOVERED"
	case StateNameResolved:
		return "NAME_RESOLVED"
	case StatePaired:
		return "PAIRED"
	case StateUntrusted:
		return "UNTRUSTED"
	case StateInstallingFiles:
		return "INSTALLING_FILES"
	case StateInstallingApp:
		return "INSTALLING_APP"
	case StateIdle:
		return "IDLE"
	default:
		return "UNKNOWN"
	}
}

// InvalidDeviceID is never selected by default.
const InvalidDeviceID = math.MaxUint32

// Device is a tracked device.
type Device struct {
	// DeviceID is the usbmuxd handle and the device's identity in the set.
	DeviceID uint32

	UDID   string
	Name   string
	Kind   Kind
	State  State
	Paired bool
}

// Label returns the name, or the UDID while the name is unknown.
func (d Device) Label() string {
	if d.Name != "" {
		return d.Name
	}
	return d.UDID
}

// fromUsbmux converts a daemon record.
func fromUsbmux(u usbmux.Device) Device {
	d := Device{
		DeviceID: u.DeviceID,
		UDID:     u.UDID(),
		Kind:     KindUSB,
		State:    StateDiscovered,
	}
	if u.IsNetwork() {
		d.Kind = KindNetwork
	}
	return d
}
