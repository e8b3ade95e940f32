// Package netaddr discovers the address other devices on the LAN can use
// to reach this host.
package netaddr

import (
	"context"
	"net"
	"net/netip"
	"slices"
	"strconv"
	"strings"

	psnet "github.com/shirou/gopsutil/v4/net"
)

// Loopback is returned when no LAN address is available.
const Loopback = "127.0.0.1"

// LANIPv4 returns the preferred IPv4 address of an up, non-loopback
// interface. Private (site-local) addresses win over public ones.
func LANIPv4(ctx context.Context) (string, bool) {
	ifaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return "", false
	}
	return pick(ifaces)
}

func pick(ifaces psnet.InterfaceStatList) (string, bool) {
	var fallback string
	for _, ifi := range ifaces {
		if !slices.Contains(ifi.Flags, "up") || slices.Contains(ifi.Flags, "loopback") {
			continue
		}
		for _, a := range ifi.Addrs {
			addr, ok := parseIPv4(a.Addr)
			if !ok || addr.IsLoopback() || addr.IsLinkLocalUnicast() {
				continue
			}
			if addr.IsPrivate() {
				return addr.String(), true
			}
			if fallback == "" {
				fallback = addr.String()
			}
		}
	}
	return fallback, fallback != ""
}

func parseIPv4(s string) (netip.Addr, bool) {
	if p, err := netip.ParsePrefix(s); err == nil {
		a := p.Addr().Unmap()
		return a, a.Is4()
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	a = a.Unmap()
	return a, a.Is4()
}

// Resolver returns the host part of the reachable URL.
type Resolver func() string

// LANResolver resolves to the LAN IPv4 address, or Loopback when none exists.
func LANResolver() Resolver {
	return func() string {
		if ip, ok := LANIPv4(context.Background()); ok {
			return ip
		}
		return Loopback
	}
}

// Static always resolves to host.
func Static(host string) Resolver {
	return func() string { return host }
}

// URL builds the http URL for host and port.
func URL(host string, port int) string {
	host = strings.TrimSpace(host)
	if host == "" {
		host = Loopback
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port))
}
