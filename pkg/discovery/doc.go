// Package discovery browses the local network for devices that accept
// Wi-Fi connections from usbmuxd.
//
// Devices with network sync enabled advertise _apple-mobdev2._tcp. The
// instance name has the form <wifi-mac>@<ipv6-link-local>, which lets the
// host match a network device to the WiFiMACAddress of a pair record
// before usbmuxd reports it as attached.
package discovery
