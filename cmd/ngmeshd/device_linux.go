package main

import (
	"net"
	"net/netip"

	"github.com/samber/oops"
	"github.com/songgao/water"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"

	"github.com/TheusHen/ngmesh/ngmesh/identity"
	"github.com/TheusHen/ngmesh/ngmesh/tun"
)

func openDevice(name string, addr netip.Addr, logger *zap.Logger) (tun.Device, error) {
	ifc, err := water.New(water.Config{
		DeviceType:             water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{Name: name},
	})
	if err != nil {
		return nil, oops.Wrapf(err, "create interface %s", name)
	}
	prefix := netip.PrefixFrom(addr, identity.Prefix.Bits())
	if err := configureLink(ifc.Name(), prefix); err != nil {
		_ = ifc.Close()
		return nil, err
	}
	logger.Info("interface configured", zap.String("name", ifc.Name()), zap.Stringer("address", prefix))
	return ifc, nil
}

// configureLink sets the MTU, brings the link up, assigns the mesh address
// and routes the multicast address through it.
func configureLink(name string, prefix netip.Prefix) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return oops.Wrapf(err, "find link %s", name)
	}
	if err := netlink.LinkSetMTU(link, tun.MTU); err != nil {
		return oops.Wrapf(err, "set mtu on %s", name)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return oops.Wrapf(err, "bring up %s", name)
	}
	addr := &netlink.Addr{IPNet: &net.IPNet{
		IP:   prefix.Addr().AsSlice(),
		Mask: net.CIDRMask(prefix.Bits(), 128),
	}}
	if err := netlink.AddrReplace(link, addr); err != nil {
		return oops.Wrapf(err, "assign %s to %s", prefix, name)
	}
	route := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Dst: &net.IPNet{
			IP:   identity.MulticastAddr.AsSlice(),
			Mask: net.CIDRMask(128, 128),
		},
	}
	if err := netlink.RouteReplace(route); err != nil {
		return oops.Wrapf(err, "route %s via %s", identity.MulticastAddr, name)
	}
	return nil
}
