// Package discovery supplies the environment a measurement runs in: the
// server to measure against, the network snapshot and the device descriptor.
package discovery
