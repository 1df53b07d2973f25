// Package connection provides the reconnection backoff used by long-lived
// device listeners.
//
// When the usbmuxd socket goes away (daemon restart, Windows Apple Mobile
// Device Service stopping) the device listener waits between attempts:
//
//  1. Initial delay: 500 milliseconds
//  2. Exponential increase: 1s, 2s, 4s, 8s
//  3. Maximum delay: 10 seconds
//  4. Reset to the initial delay once a listen stream is established
//
// Each delay carries up to 25% positive jitter:
//
//	actual_delay = base_delay + random(0, base_delay * 0.25)
package connection
