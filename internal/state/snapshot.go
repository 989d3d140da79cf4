// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package state

import (
	"net/netip"
	"slices"
	"time"

	"github.com/dtnkit/dtnd/pkg/types"
)

// PeerSnapshot is the persisted form of a dynamic peer.
type PeerSnapshot struct {
	Services map[uint8]string `cbor:"services,omitempty" json:"services,omitempty"`
	EID      string           `cbor:"eid,omitempty" json:"eid,omitempty"`
	IP       string           `cbor:"ip,omitempty" json:"ip,omitempty"`
	Name     string           `cbor:"name,omitempty" json:"name,omitempty"`
	Layers   []string         `cbor:"cl" json:"cl"`
	LastSeen int64            `cbor:"last_seen" json:"lastSeen"`
}

// ExportPeerSnapshots exports all dynamic peers and calls the provided function for each one.
//
// Static peers come from the configuration and are not exported.
func (directory *Directory) ExportPeerSnapshots(f func(snapshot *PeerSnapshot) error) error {
	directory.peersMu.Lock()

	snapshots := make([]*PeerSnapshot, 0, len(directory.peers))

	for _, peer := range directory.peers {
		if peer.peerType == types.PeerTypeStatic {
			continue
		}

		snapshots = append(snapshots, snapshotPeer(peer))
	}

	directory.peersMu.Unlock()

	for _, snapshot := range snapshots {
		if err := f(snapshot); err != nil {
			return err
		}
	}

	return nil
}

// ImportPeerSnapshots imports peer snapshots by calling the provided function until it returns false.
//
// Snapshots for addresses already present in the directory are skipped. It returns the number of imported peers.
func (directory *Directory) ImportPeerSnapshots(f func() (*PeerSnapshot, bool, error)) (int, error) {
	imported := 0

	for {
		snapshot, ok, err := f()
		if err != nil {
			return imported, err
		}

		if !ok {
			break
		}

		peer := peerFromSnapshot(snapshot)
		if peer.address.IsZero() {
			continue
		}

		directory.peersMu.Lock()

		if _, exists := directory.peers[peer.Key()]; !exists {
			directory.peers[peer.Key()] = peer

			imported++
		}

		directory.peersMu.Unlock()
	}

	return imported, nil
}

func snapshotPeer(peer *Peer) *PeerSnapshot {
	snapshot := &PeerSnapshot{
		EID:      string(peer.eid),
		Layers:   make([]string, 0, len(peer.layers)),
		LastSeen: peer.lastSeen.UnixNano(),
		Services: peer.services,
	}

	if peer.address.IsIP() {
		snapshot.IP = peer.address.IP.String()
	} else {
		snapshot.Name = peer.address.Name
	}

	for _, layer := range peer.layers {
		snapshot.Layers = append(snapshot.Layers, layer.String())
	}

	return snapshot
}

func peerFromSnapshot(snapshot *PeerSnapshot) *Peer {
	address := types.Address{Name: snapshot.Name}

	if snapshot.IP != "" {
		if ip, err := netip.ParseAddr(snapshot.IP); err == nil {
			address = types.IPAddress(ip)
		}
	}

	layers := make([]types.ConvergenceLayer, 0, len(snapshot.Layers))

	for _, s := range snapshot.Layers {
		if layer, err := types.ParseConvergenceLayer(s); err == nil {
			layers = append(layers, layer)
		}
	}

	peer := NewPeer(types.EndpointID(snapshot.EID), address, types.PeerTypeDynamic, slices.Clip(layers), snapshot.Services)
	peer.lastSeen = time.Unix(0, snapshot.LastSeen)

	return peer
}
