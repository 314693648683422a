//go:build !linux

package main

import (
	"errors"
	"net/netip"

	"go.uber.org/zap"

	"github.com/TheusHen/ngmesh/ngmesh/tun"
)

var errNoDevice = errors.New("ngmeshd: virtual interfaces are only supported on linux, use --no-tun")

func openDevice(string, netip.Addr, *zap.Logger) (tun.Device, error) {
	return nil, errNoDevice
}
