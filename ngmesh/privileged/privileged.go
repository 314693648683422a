// Package privileged groups the operations that touch the host: interface
// addresses, files under the configuration directory, the hostname and
// service readiness.
package privileged

import (
	"errors"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/samber/oops"

	"github.com/TheusHen/ngmesh/ngmesh/identity"
)

const IdentityFile = "id"

var ErrInvalidName = errors.New("privileged: file name must not contain a path")

type Privileged interface {
	// LocalAddresses lists unicast addresses usable as direct candidates.
	LocalAddresses() ([]netip.Addr, error)
	// ReadFile returns os.ErrNotExist (wrapped) for a missing file.
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte) error
	Hostname() (string, error)
	SetHostname(name string) error
	// NotifyReady tells the service manager startup finished.
	NotifyReady() error
}

// OS is the Privileged implementation for the running host. Files live in
// Dir. Interfaces named in Skip (the mesh interface itself) are ignored.
type OS struct {
	Dir  string
	Skip []string
}

var _ Privileged = (*OS)(nil)

func (o *OS) LocalAddresses() ([]netip.Addr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, oops.Wrapf(err, "list interfaces")
	}
	var out []netip.Addr
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagLoopback != 0 || o.skipped(ifc.Name) {
			continue
		}
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			addr, ok := netip.AddrFromSlice(ipn.IP)
			if !ok {
				continue
			}
			addr = addr.Unmap()
			if usable(addr) {
				out = append(out, addr)
			}
		}
	}
	return out, nil
}

func (o *OS) skipped(name string) bool {
	for _, s := range o.Skip {
		if s == name {
			return true
		}
	}
	return false
}

func usable(addr netip.Addr) bool {
	if !addr.IsValid() || addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsMulticast() || addr.IsUnspecified() {
		return false
	}
	return !identity.Prefix.Contains(addr)
}

func (o *OS) path(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", ErrInvalidName
	}
	return filepath.Join(o.Dir, name), nil
}

func (o *OS) ReadFile(name string) ([]byte, error) {
	p, err := o.path(name)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, oops.Wrapf(err, "read %s", p)
	}
	return b, nil
}

// WriteFile replaces name atomically.
func (o *OS) WriteFile(name string, data []byte) error {
	p, err := o.path(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(o.Dir, 0o700); err != nil {
		return oops.Wrapf(err, "create %s", o.Dir)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return oops.Wrapf(err, "write %s", tmp)
	}
	if err := os.Rename(tmp, p); err != nil {
		return oops.Wrapf(err, "replace %s", p)
	}
	return nil
}

func (o *OS) Hostname() (string, error) {
	h, err := os.Hostname()
	if err != nil {
		return "", oops.Wrapf(err, "hostname")
	}
	return h, nil
}

// SetHostname writes /etc/hostname. The running kernel hostname is left to
// the service manager.
func (o *OS) SetHostname(name string) error {
	if name == "" || strings.ContainsAny(name, " \t\n/") {
		return ErrInvalidName
	}
	if err := os.WriteFile("/etc/hostname", []byte(name+"\n"), 0o644); err != nil {
		return oops.Wrapf(err, "set hostname")
	}
	return nil
}

// NotifyReady tells systemd the daemon is up. Outside systemd it does
// nothing.
func (o *OS) NotifyReady() error {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		return oops.Wrapf(err, "notify ready")
	}
	return nil
}

// IdentityStore persists the device identity through a Privileged.
type IdentityStore struct {
	P Privileged
}

var _ identity.Persister = IdentityStore{}

func (s IdentityStore) ReadIdentity() ([]byte, error) {
	b, err := s.P.ReadFile(IdentityFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil, identity.ErrIdentityNotFound
	}
	return b, err
}

func (s IdentityStore) WriteIdentity(b []byte) error {
	return s.P.WriteFile(IdentityFile, b)
}
