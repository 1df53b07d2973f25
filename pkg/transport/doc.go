// Package transport provides the framing shared by lockdownd and the device
// services started through it.
//
// # Protocol Stack
//
//	┌────────────────────────────────┐
//	│      XML property lists        │
//	├────────────────────────────────┤
//	│   Length-Prefix Framing (4B)   │
//	├────────────────────────────────┤
//	│   TLS (after StartSession)     │
//	├────────────────────────────────┤
//	│   usbmuxd device tunnel        │
//	└────────────────────────────────┘
//
// Lockdown (port 62078), house_arrest and installation_proxy all frame
// messages as a 4-byte big-endian length followed by a plist. After
// StartSession (or a service reporting EnableServiceSSL) the same
// connection is upgraded to TLS using the host certificate from the pair
// record; see SessionTLSConfig.
package transport
