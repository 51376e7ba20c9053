//go:build linux

// Package tun opens the TUN device the agent captures mirrored traffic from.
package tun

import (
	"fmt"

	"github.com/songgao/water"
)

// Device wraps the TUN interface.
type Device struct {
	iface *water.Interface
	Name  string
}

// Open creates a TUN interface with the given name (empty uses the system
// default). With multiQueue set each Open on the same name adds a queue,
// which lets several readers share the device.
func Open(name string, multiQueue bool) (*Device, error) {
	cfg := water.Config{DeviceType: water.TUN}
	cfg.Name = name
	cfg.MultiQueue = multiQueue
	iface, err := water.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("create tun %q: %w", name, err)
	}
	return &Device{iface: iface, Name: iface.Name()}, nil
}

// Read reads one packet.
func (d *Device) Read(buf []byte) (int, error) {
	return d.iface.Read(buf)
}

// Close closes the device and unblocks pending reads.
func (d *Device) Close() error {
	return d.iface.Close()
}
