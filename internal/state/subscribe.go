// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package state

import (
	"errors"
)

// ErrLostUpdate is sent to the subscription error channel when the subscriber doesn't keep up.
var ErrLostUpdate = errors.New("lost update")

// Notification about peer update.
//
// Peer is nil, then peer was removed.
type Notification struct {
	Peer *PeerExport
	Key  string
}

// Subscription is a handle returned to the subscriber.
type Subscription struct {
	directory *Directory

	errCh chan error
	ch    chan<- *Notification
}

// ErrCh returns error channel, whenever there's error on the channel, subscription is invalid.
func (subscription *Subscription) ErrCh() <-chan error {
	return subscription.errCh
}

// Close subscription (unsubscribe).
func (subscription *Subscription) Close() {
	subscription.directory.unsubscribe(subscription)
}

func (subscription *Subscription) notify(notification *Notification) {
	select {
	case subscription.ch <- notification:
		return
	default:
	}

	select {
	case subscription.errCh <- ErrLostUpdate:
	default:
	}

	subscription.Close()
}
