// Package usbmux is a client for usbmuxd, the daemon that multiplexes TCP
// connections to USB and network attached iOS devices.
//
// Each operation opens its own daemon connection. Connect hands the
// connection over as a tunnel to a device port, and Listen keeps it open
// for attach and detach notifications.
//
// Wire format: a 16-byte little-endian header (total length, version,
// message type, tag) followed by an XML property list.
package usbmux
