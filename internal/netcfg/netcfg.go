// Package netcfg configures the agent's capture interface.
package netcfg

import "net/netip"

type InterfaceConfig struct {
	Name string
	// Prefix is assigned to the interface when valid.
	Prefix netip.Prefix
	MTU    int
}
