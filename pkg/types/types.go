// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package types contains the node data types shared between packages.
package types

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// NodeScheme is the endpoint ID scheme used to address nodes.
const NodeScheme = "dtn"

// EndpointID is a bundle protocol endpoint identifier, e.g. dtn://node1.
//
// The zero value means the endpoint is not known.
type EndpointID string

// NodeEndpointID builds the endpoint ID of a node from its node id.
func NodeEndpointID(nodeID string) EndpointID {
	return EndpointID(NodeScheme + "://" + nodeID)
}

// IsZero returns true if the endpoint ID is not known.
func (eid EndpointID) IsZero() bool {
	return eid == ""
}

// String implements fmt.Stringer.
func (eid EndpointID) String() string {
	if eid.IsZero() {
		return "dtn:none"
	}

	return string(eid)
}

// PeerType distinguishes operator configured peers from discovered ones.
type PeerType int

// Peer types.
const (
	PeerTypeDynamic PeerType = iota
	PeerTypeStatic
)

// String implements fmt.Stringer.
func (t PeerType) String() string {
	switch t {
	case PeerTypeStatic:
		return "static"
	case PeerTypeDynamic:
		return "dynamic"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t PeerType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Address describes a peer address: either an IP or an opaque host name.
//
// Opaque host names are used by convergence layers which are not IP addressed.
type Address struct {
	// IP is the IP address of the peer, if known.
	IP netip.Addr `json:"ip,omitempty"`
	// Name is the host name of the peer, set when the address is not an IP.
	Name string `json:"name,omitempty"`
}

// ParseAddress returns an IP address if host is an IP literal, or a generic host address otherwise.
func ParseAddress(host string) Address {
	if ip, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		return Address{IP: ip.Unmap()}
	}

	return Address{Name: host}
}

// IPAddress builds an IP address.
func IPAddress(ip netip.Addr) Address {
	return Address{IP: ip.Unmap()}
}

// IsIP returns true if the address is an IP address.
func (a Address) IsIP() bool {
	return a.IP.IsValid()
}

// IsZero returns true if no address is set.
func (a Address) IsZero() bool {
	return !a.IP.IsValid() && a.Name == ""
}

// Key returns the directory key for the address.
func (a Address) Key() string {
	if a.IsIP() {
		return a.IP.String()
	}

	return a.Name
}

// String implements fmt.Stringer.
func (a Address) String() string {
	return a.Key()
}

// HostPort joins the address with the port in a form suitable for net.Dial.
func (a Address) HostPort(port uint16) string {
	return net.JoinHostPort(a.Key(), strconv.Itoa(int(port)))
}

// ConvergenceLayer names a transport through which a peer is reachable.
type ConvergenceLayer struct {
	// Name is the convergence layer scheme name, e.g. mtcp.
	Name string `json:"name"`
	// Port is the port the convergence layer listens on, 0 if unknown.
	Port uint16 `json:"port,omitempty"`
}

// ParseConvergenceLayer parses the name[:port] form.
func ParseConvergenceLayer(s string) (ConvergenceLayer, error) {
	name, portStr, found := strings.Cut(s, ":")
	if name == "" {
		return ConvergenceLayer{}, fmt.Errorf("empty convergence layer name in %q", s)
	}

	if !found {
		return ConvergenceLayer{Name: name}, nil
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return ConvergenceLayer{}, fmt.Errorf("invalid convergence layer port in %q: %w", s, err)
	}

	return ConvergenceLayer{Name: name, Port: uint16(port)}, nil
}

// String implements fmt.Stringer, it is the inverse of ParseConvergenceLayer.
func (cl ConvergenceLayer) String() string {
	if cl.Port == 0 {
		return cl.Name
	}

	return cl.Name + ":" + strconv.Itoa(int(cl.Port))
}
