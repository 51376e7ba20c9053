//go:build linux

package netcfg

import (
	"errors"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// ConfigureInterface sets the MTU and address of the named link and brings
// it up.
func ConfigureInterface(cfg InterfaceConfig) error {
	link, err := netlink.LinkByName(cfg.Name)
	if err != nil {
		return fmt.Errorf("link %s: %w", cfg.Name, err)
	}
	if cfg.MTU > 0 && link.Attrs().MTU != cfg.MTU {
		if err := netlink.LinkSetMTU(link, cfg.MTU); err != nil {
			return fmt.Errorf("set mtu: %w", err)
		}
	}
	if cfg.Prefix.IsValid() {
		addr := &netlink.Addr{IPNet: &net.IPNet{
			IP:   cfg.Prefix.Addr().AsSlice(),
			Mask: net.CIDRMask(cfg.Prefix.Bits(), cfg.Prefix.Addr().BitLen()),
		}}
		if err := netlink.AddrReplace(link, addr); err != nil {
			return fmt.Errorf("addr replace: %w", err)
		}
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("link up: %w", err)
	}
	return nil
}

// DownInterface takes the named link down. A missing link is not an error.
func DownInterface(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("link %s: %w", name, err)
	}
	if err := netlink.LinkSetDown(link); err != nil {
		return fmt.Errorf("link down: %w", err)
	}
	return nil
}
