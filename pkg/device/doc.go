// Package device tracks the devices visible through usbmuxd and runs the
// operations the application performs on them: pairing, installing a pairing
// record into an app's sandbox, listing installed apps and installing
// packages.
//
// The Tracker owns the device set on a single goroutine. A Listener feeds it
// usbmuxd attach and detach notifications, reconnecting when the daemon goes
// away. Operations are scoped to one request each, so a failed operation
// never removes a device from the set.
package device
