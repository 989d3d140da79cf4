// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package state

import (
	"maps"
	"slices"
	"time"

	"github.com/dtnkit/dtnd/pkg/types"
)

// Peer represents a neighbor node known to the directory.
//
// Peer identity is the address, everything else is mutable liveness state.
type Peer struct {
	lastSeen time.Time
	services map[uint8]string
	eid      types.EndpointID
	address  types.Address
	layers   []types.ConvergenceLayer
	peerType types.PeerType

	changed bool
}

// NewPeer constructs a new peer.
func NewPeer(eid types.EndpointID, address types.Address, peerType types.PeerType, layers []types.ConvergenceLayer, services map[uint8]string) *Peer {
	return &Peer{
		eid:      eid,
		address:  address,
		peerType: peerType,
		layers:   slices.Clone(layers),
		services: maps.Clone(services),
	}
}

// Key returns the directory key of the peer.
func (peer *Peer) Key() string {
	return peer.address.Key()
}

// Type returns the peer type.
func (peer *Peer) Type() types.PeerType {
	return peer.peerType
}

// LastSeen returns the time the peer was last heard from.
func (peer *Peer) LastSeen() time.Time {
	return peer.lastSeen
}

// ClearChanged clears the changed flag.
func (peer *Peer) ClearChanged() {
	peer.changed = false
}

// IsChanged returns changed flag.
func (peer *Peer) IsChanged() bool {
	return peer.changed
}

// Touch records that the peer was seen at the given time.
func (peer *Peer) Touch(now time.Time) {
	if now.After(peer.lastSeen) {
		peer.lastSeen = now
	}
}

// Merge the mutable fields of the other record into the peer.
//
// Peer type is preserved. A static peer keeps its configured eid, a dynamic one takes any announced eid.
func (peer *Peer) Merge(other *Peer) {
	if !other.eid.IsZero() && other.eid != peer.eid && (peer.eid.IsZero() || peer.peerType == types.PeerTypeDynamic) {
		peer.eid = other.eid
		peer.changed = true
	}

	if !slices.Equal(peer.layers, other.layers) {
		peer.layers = slices.Clone(other.layers)
		peer.changed = true
	}

	if !maps.Equal(peer.services, other.services) {
		peer.services = maps.Clone(other.services)
		peer.changed = true
	}
}

// IsAlive reports whether the peer passes the liveness check.
//
// Static peers are always alive, dynamic ones until the time since they were last seen exceeds staleness.
func (peer *Peer) IsAlive(now time.Time, staleness time.Duration) bool {
	if peer.peerType == types.PeerTypeStatic {
		return true
	}

	return now.Sub(peer.lastSeen) <= staleness
}
