package rawip

import (
	"fmt"
	"net"
	"net/netip"
)

// resolveInterface finds the interface carrying local, or the first IPv4
// address of the named interface when local is not set. The interface is
// nil when local is not configured on any of them.
func resolveInterface(name string, local netip.Addr) (*net.Interface, netip.Addr, error) {
	if name != "" {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			return nil, local, fmt.Errorf("rawip: %w", err)
		}
		addrs, err := ipv4Addrs(iface)
		if err != nil {
			return nil, local, err
		}
		if !local.IsValid() {
			if len(addrs) == 0 {
				return nil, local, fmt.Errorf("rawip: interface %s has no IPv4 address", name)
			}
			return iface, addrs[0], nil
		}
		for _, a := range addrs {
			if a == local {
				return iface, local, nil
			}
		}
		return nil, local, fmt.Errorf("rawip: %s is not an address of %s", local, name)
	}
	if !local.IsValid() || !local.Is4() {
		return nil, local, fmt.Errorf("rawip: an IPv4 local address or an interface is required")
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, local, fmt.Errorf("rawip: %w", err)
	}
	for i := range ifaces {
		addrs, err := ipv4Addrs(&ifaces[i])
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if a == local {
				return &ifaces[i], local, nil
			}
		}
	}
	return nil, local, nil
}

func ipv4Addrs(iface *net.Interface) ([]netip.Addr, error) {
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, fmt.Errorf("rawip: addresses of %s: %w", iface.Name, err)
	}
	var out []netip.Addr
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if addr, ok := netip.AddrFromSlice(ipnet.IP); ok && addr.Unmap().Is4() {
			out = append(out, addr.Unmap())
		}
	}
	return out, nil
}
