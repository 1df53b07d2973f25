// Package cert generates and checks the X.509 material of a device pair
// record: a self-signed root, a host certificate used for lockdown TLS, and
// a device certificate issued for the device's public key.
package cert
