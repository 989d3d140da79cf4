// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package discovery

import (
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/net/ipv4"
)

// ParseGroup parses the multicast group address in host:port form.
func ParseGroup(addr string) (*net.UDPAddr, error) {
	addrPort, err := netip.ParseAddrPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid discovery group %q: %w", addr, err)
	}

	if !addrPort.Addr().Is4() || !addrPort.Addr().IsMulticast() {
		return nil, fmt.Errorf("invalid discovery group %q: not an IPv4 multicast address", addr)
	}

	return net.UDPAddrFromAddrPort(addrPort), nil
}

func lookupInterface(name string) (*net.Interface, error) {
	if name == "" {
		return nil, nil //nolint:nilnil
	}

	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("error looking up interface %q: %w", name, err)
	}

	return iface, nil
}

// ListenGroup joins the multicast group on the named interface (or the system default if empty).
func ListenGroup(ifaceName string, group *net.UDPAddr) (*net.UDPConn, error) {
	iface, err := lookupInterface(ifaceName)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenMulticastUDP("udp4", iface, group)
	if err != nil {
		return nil, fmt.Errorf("error joining discovery group %s: %w", group, err)
	}

	if err = conn.SetReadBuffer(64 * 1024); err != nil {
		conn.Close() //nolint:errcheck

		return nil, fmt.Errorf("error setting read buffer: %w", err)
	}

	return conn, nil
}

// DialGroup opens the socket announcements are sent from.
//
// Multicast loopback stays enabled so that nodes sharing a host discover each other.
func DialGroup(ifaceName string, ttl int) (*net.UDPConn, error) {
	iface, err := lookupInterface(ifaceName)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("error opening discovery socket: %w", err)
	}

	pc := ipv4.NewPacketConn(conn)

	if err = pc.SetMulticastTTL(ttl); err != nil {
		conn.Close() //nolint:errcheck

		return nil, fmt.Errorf("error setting multicast TTL: %w", err)
	}

	if err = pc.SetMulticastLoopback(true); err != nil {
		conn.Close() //nolint:errcheck

		return nil, fmt.Errorf("error enabling multicast loopback: %w", err)
	}

	if iface != nil {
		if err = pc.SetMulticastInterface(iface); err != nil {
			conn.Close() //nolint:errcheck

			return nil, fmt.Errorf("error setting multicast interface: %w", err)
		}
	}

	return conn, nil
}

// LocalAddrs lists the unicast addresses of the host interfaces which are up.
func LocalAddrs() ([]netip.Addr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var addrs []netip.Addr

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}

		ifaceAddrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range ifaceAddrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}

			if ip, ok := netip.AddrFromSlice(ipNet.IP); ok {
				addrs = append(addrs, ip.Unmap())
			}
		}
	}

	return addrs, nil
}

// SelfFilter matches datagrams sent by the local announcer socket.
//
// A datagram is ours if it comes from one of the local addresses and from the announcer source port.
func SelfFilter(localAddrs []netip.Addr, port uint16) func(netip.AddrPort) bool {
	local := make(map[netip.Addr]struct{}, len(localAddrs))

	for _, addr := range localAddrs {
		local[addr.Unmap()] = struct{}{}
	}

	return func(src netip.AddrPort) bool {
		if src.Port() != port {
			return false
		}

		_, ok := local[src.Addr().Unmap()]

		return ok
	}
}
