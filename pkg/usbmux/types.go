package usbmux

import (
	"fmt"

	"github.com/plume-impactor/impactor/pkg/plistutil"
)

// Connection types reported in device properties.
const (
	ConnectionUSB     = "USB"
	ConnectionNetwork = "Network"
)

// Device is a device known to the daemon.
type Device struct {
	// DeviceID is the daemon's handle for this attachment. It changes when
	// the device is replugged.
	DeviceID uint32

	// SerialNumber is the device UDID.
	SerialNumber string

	// ConnectionType is ConnectionUSB or ConnectionNetwork.
	ConnectionType string

	ProductID      int64
	LocationID     int64
	NetworkAddress []byte
}

// UDID returns the device's unique identifier.
func (d Device) UDID() string {
	return d.SerialNumber
}

// IsNetwork reports whether the device is attached over the network.
func (d Device) IsNetwork() bool {
	return d.ConnectionType == ConnectionNetwork
}

// parseDevice reads an Attached record: {DeviceID, Properties{...}}.
func parseDevice(msg plistutil.Dict) (Device, error) {
	props, ok := plistutil.Dictionary(msg, "Properties")
	if !ok {
		props = msg
	}
	id, ok := plistutil.Int(msg, "DeviceID")
	if !ok {
		id, ok = plistutil.Int(props, "DeviceID")
	}
	if !ok || id < 0 || id > int64(^uint32(0)) {
		return Device{}, fmt.Errorf("%w: device record without DeviceID", ErrBadHeader)
	}

	dev := Device{
		DeviceID:       uint32(id),
		SerialNumber:   plistutil.StringOr(props, "SerialNumber", ""),
		ConnectionType: plistutil.StringOr(props, "ConnectionType", ConnectionUSB),
	}
	dev.ProductID, _ = plistutil.Int(props, "ProductID")
	dev.LocationID, _ = plistutil.Int(props, "LocationID")
	dev.NetworkAddress, _ = plistutil.Data(props, "NetworkAddress")
	return dev, nil
}

// PairRecord is the host's pairing material for one device, as stored by the
// daemon.
type PairRecord struct {
	HostID            string
	SystemBUID        string
	HostCertificate   []byte
	HostPrivateKey    []byte
	RootCertificate   []byte
	RootPrivateKey    []byte
	DeviceCertificate []byte
	EscrowBag         []byte
	WiFiMACAddress    string

	// Raw is the complete record dictionary, including keys not mapped
	// above.
	Raw plistutil.Dict
}

// ParsePairRecord decodes a pair record plist.
func ParsePairRecord(data []byte) (*PairRecord, error) {
	raw, err := plistutil.DecodeDict(data)
	if err != nil {
		return nil, err
	}
	return PairRecordFromDict(raw), nil
}

// PairRecordFromDict maps a pair record dictionary.
func PairRecordFromDict(raw plistutil.Dict) *PairRecord {
	rec := &PairRecord{
		HostID:         plistutil.StringOr(raw, "HostID", ""),
		SystemBUID:     plistutil.StringOr(raw, "SystemBUID", ""),
		WiFiMACAddress: plistutil.StringOr(raw, "WiFiMACAddress", ""),
		Raw:            raw,
	}
	rec.HostCertificate, _ = plistutil.Data(raw, "HostCertificate")
	rec.HostPrivateKey, _ = plistutil.Data(raw, "HostPrivateKey")
	rec.RootCertificate, _ = plistutil.Data(raw, "RootCertificate")
	rec.RootPrivateKey, _ = plistutil.Data(raw, "RootPrivateKey")
	rec.DeviceCertificate, _ = plistutil.Data(raw, "DeviceCertificate")
	rec.EscrowBag, _ = plistutil.Data(raw, "EscrowBag")
	return rec
}

// Dict returns the record as a dictionary, starting from Raw and
// overwriting the mapped fields.
func (r *PairRecord) Dict() plistutil.Dict {
	out := make(plistutil.Dict, len(r.Raw)+9)
	for k, v := range r.Raw {
		out[k] = v
	}
	set := func(k string, v []byte) {
		if len(v) > 0 {
			out[k] = v
		}
	}
	if r.HostID != "" {
		out["HostID"] = r.HostID
	}
	if r.SystemBUID != "" {
		out["SystemBUID"] = r.SystemBUID
	}
	if r.WiFiMACAddress != "" {
		out["WiFiMACAddress"] = r.WiFiMACAddress
	}
	set("HostCertificate", r.HostCertificate)
	set("HostPrivateKey", r.HostPrivateKey)
	set("RootCertificate", r.RootCertificate)
	set("RootPrivateKey", r.RootPrivateKey)
	set("DeviceCertificate", r.DeviceCertificate)
	set("EscrowBag", r.EscrowBag)
	return out
}

// EventKind distinguishes Listen notifications.
type EventKind uint8

const (
	EventAttached EventKind = iota
	EventDetached
	EventPaired
)

func (k EventKind) String() string {
	switch k {
	case EventAttached:
		return "ATTACHED"
	case EventDetached:
		return "DETACHED"
	case EventPaired:
		return "PAIRED"
	default:
		return "UNKNOWN"
	}
}

// Event is an attach, detach or pair notification. Device is only
// populated for EventAttached.
type Event struct {
	Kind     EventKind
	DeviceID uint32
	Device   Device
}
