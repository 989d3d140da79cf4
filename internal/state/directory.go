// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package state implements the peer directory: peer records, expiry and change notifications.
package state

import (
	"slices"
	"sync"
	"time"

	"github.com/siderolabs/gen/maps"
	"github.com/siderolabs/gen/xslices"

	"github.com/dtnkit/dtnd/pkg/types"
)

// Directory maps peer addresses to peer records.
//
// Every operation holds the directory lock for its whole duration, no operation does I/O under the lock.
type Directory struct {
	peers           map[string]*Peer
	subscriptions   []*Subscription
	peersMu         sync.Mutex
	subscriptionsMu sync.Mutex
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		peers: map[string]*Peer{},
	}
}

// Upsert inserts the peer or updates the mutable fields of the existing record at the same address.
//
// The existing record keeps its peer type. Changed is set if the peer was inserted or changed
// beyond a liveness refresh.
func (directory *Directory) Upsert(peer *Peer, now time.Time) (inserted, changed bool) {
	directory.peersMu.Lock()
	defer directory.peersMu.Unlock()

	key := peer.Key()

	if existing, ok := directory.peers[key]; ok {
		existing.ClearChanged()
		existing.Merge(peer)
		existing.Touch(now)

		if !existing.IsChanged() {
			return false, false
		}

		directory.notify(&Notification{
			Key:  key,
			Peer: existing.Export(),
		})

		return false, true
	}

	peer = NewPeer(peer.eid, peer.address, peer.peerType, peer.layers, peer.services)
	peer.Touch(now)

	directory.peers[key] = peer
	directory.notify(&Notification{
		Key:  key,
		Peer: peer.Export(),
	})

	return true, true
}

// RegisterStatic inserts the peer as a static peer.
//
// An existing dynamic record at the same address is upgraded to static and takes the configured identity.
func (directory *Directory) RegisterStatic(peer *Peer, now time.Time) {
	directory.peersMu.Lock()
	defer directory.peersMu.Unlock()

	key := peer.Key()

	static := NewPeer(peer.eid, peer.address, types.PeerTypeStatic, peer.layers, peer.services)
	static.Touch(now)

	if existing, ok := directory.peers[key]; ok {
		static.Touch(existing.lastSeen)
	}

	directory.peers[key] = static
	directory.notify(&Notification{
		Key:  key,
		Peer: static.Export(),
	})
}

// Get returns a copy of the peer at the given address key.
func (directory *Directory) Get(key string) (*PeerExport, bool) {
	directory.peersMu.Lock()
	defer directory.peersMu.Unlock()

	peer, ok := directory.peers[key]
	if !ok {
		return nil, false
	}

	return peer.Export(), true
}

// Delete removes the peer at the given address key.
func (directory *Directory) Delete(key string) {
	directory.peersMu.Lock()
	defer directory.peersMu.Unlock()

	if _, ok := directory.peers[key]; ok {
		delete(directory.peers, key)

		directory.notify(&Notification{
			Key: key,
		})
	}
}

// List the peers.
//
// List provides a snapshot of the peers sorted by address key.
func (directory *Directory) List() []*PeerExport {
	directory.peersMu.Lock()
	defer directory.peersMu.Unlock()

	return directory.list()
}

func (directory *Directory) list() []*PeerExport {
	list := xslices.Map(maps.Values(directory.peers), func(peer *Peer) *PeerExport { return peer.Export() })

	slices.SortFunc(list, func(a, b *PeerExport) int {
		switch {
		case a.Key() < b.Key():
			return -1
		case a.Key() > b.Key():
			return 1
		default:
			return 0
		}
	})

	return list
}

// Subscribe to the peer updates.
//
// Subscribe returns a snapshot of current list of peers and creates new Subscription.
func (directory *Directory) Subscribe(ch chan<- *Notification) ([]*PeerExport, *Subscription) {
	directory.peersMu.Lock()
	defer directory.peersMu.Unlock()
	directory.subscriptionsMu.Lock()
	defer directory.subscriptionsMu.Unlock()

	subscription := &Subscription{
		directory: directory,
		errCh:     make(chan error, 1),
		ch:        ch,
	}

	directory.subscriptions = append(directory.subscriptions, subscription)

	return directory.list(), subscription
}

func (directory *Directory) unsubscribe(subscription *Subscription) {
	directory.subscriptionsMu.Lock()
	defer directory.subscriptionsMu.Unlock()

	idx := slices.Index(directory.subscriptions, subscription)

	if idx != -1 {
		directory.subscriptions[idx] = directory.subscriptions[len(directory.subscriptions)-1]
		directory.subscriptions[len(directory.subscriptions)-1] = nil
		directory.subscriptions = directory.subscriptions[:len(directory.subscriptions)-1]
	}
}

// GarbageCollect removes every dynamic peer which fails the liveness check.
//
// Static peers are never removed. The removed peers are returned.
func (directory *Directory) GarbageCollect(now time.Time, staleness time.Duration) (removed []*PeerExport) {
	directory.peersMu.Lock()
	defer directory.peersMu.Unlock()

	for key, peer := range directory.peers {
		if peer.peerType == types.PeerTypeStatic || peer.IsAlive(now, staleness) {
			continue
		}

		delete(directory.peers, key)

		removed = append(removed, peer.Export())

		directory.notify(&Notification{
			Key: key,
		})
	}

	return removed
}

func (directory *Directory) notify(notifications ...*Notification) {
	directory.subscriptionsMu.Lock()
	subscriptions := slices.Clone(directory.subscriptions)
	directory.subscriptionsMu.Unlock()

	for _, notification := range notifications {
		for _, subscription := range subscriptions {
			subscription.notify(notification)
		}
	}
}

// Stats returns the number of static and dynamic peers, and the number of subscriptions.
func (directory *Directory) Stats() (static, dynamic, subscriptions int) {
	directory.peersMu.Lock()

	for _, peer := range directory.peers {
		if peer.peerType == types.PeerTypeStatic {
			static++
		} else {
			dynamic++
		}
	}

	directory.peersMu.Unlock()

	directory.subscriptionsMu.Lock()

	subscriptions = len(directory.subscriptions)

	directory.subscriptionsMu.Unlock()

	return
}
