// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package bundle defines the bundle store boundary: bundle metadata and the store interface.
package bundle

import (
	"time"

	"github.com/dtnkit/dtnd/pkg/types"
)

// Status is the processing status of a stored bundle.
type Status int

// Bundle statuses.
const (
	StatusDispatching Status = iota
	StatusForwarding
	StatusForwarded
	StatusDelivered
	StatusDeleted
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusDispatching:
		return "dispatching"
	case StatusForwarding:
		return "forwarding"
	case StatusForwarded:
		return "forwarded"
	case StatusDelivered:
		return "delivered"
	case StatusDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Pack is the metadata the node keeps about a stored bundle.
type Pack struct {
	CreationTime time.Time        `json:"creationTime"`
	ID           string           `json:"id"`
	Source       types.EndpointID `json:"source"`
	Destination  types.EndpointID `json:"destination"`
	Lifetime     time.Duration    `json:"lifetime"`
	Size         int              `json:"size"`
	Status       Status           `json:"status"`
}

// Store is the read side of the bundle store consumed by the forwarding dispatcher.
type Store interface {
	// Forwarding returns the IDs of all bundles queued for forwarding.
	Forwarding() []string
	// Metadata returns the metadata of the bundle, if it is still stored.
	Metadata(id string) (Pack, bool)
}
