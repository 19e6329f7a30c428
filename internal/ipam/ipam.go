// Package ipam contains types to manage fixed-size tables of IPv4 addresses,
// such as the loopback aliases handed out to guests sharing the host network.
package ipam
