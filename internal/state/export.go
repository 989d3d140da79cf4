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

// PeerExport represents a read-only copy of a peer.
type PeerExport struct {
	LastSeen          time.Time                `json:"lastSeen"`
	Services          map[uint8]string         `json:"services,omitempty"`
	EID               types.EndpointID         `json:"eid,omitempty"`
	Address           types.Address            `json:"address"`
	ConvergenceLayers []types.ConvergenceLayer `json:"convergenceLayers"`
	Type              types.PeerType           `json:"type"`
}

// Key returns the directory key of the exported peer.
func (export *PeerExport) Key() string {
	return export.Address.Key()
}

// Export the peer into PeerExport.
func (peer *Peer) Export() *PeerExport {
	return &PeerExport{
		EID:               peer.eid,
		Address:           peer.address,
		Type:              peer.peerType,
		ConvergenceLayers: slices.Clone(peer.layers),
		LastSeen:          peer.lastSeen,
		Services:          maps.Clone(peer.services),
	}
}
