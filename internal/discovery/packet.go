// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package discovery implements the multicast peer discovery protocol.
package discovery

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/dtnkit/dtnd/pkg/limits"
	"github.com/dtnkit/dtnd/pkg/types"
)

// ErrDecode is returned for announcements which can't be decoded.
var ErrDecode = errors.New("error decoding announcement")

// Announcement is the payload of a discovery datagram.
//
// Fields not listed here are ignored on decode.
type Announcement struct {
	Services          map[uint8]string `cbor:"services,omitempty"`
	EID               string           `cbor:"eid,omitempty"`
	ConvergenceLayers []string         `cbor:"cl"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}

	// a datagram never exceeds limits.AnnouncementSizeMax, so these bounds only reject malformed encodings
	decMode, err = cbor.DecOptions{
		MaxNestedLevels:  32,
		MaxArrayElements: limits.AnnouncementSizeMax / 2,
		MaxMapPairs:      limits.AnnouncementSizeMax / 2,
		IndefLength:      cbor.IndefLengthForbidden,
		TagsMd:           cbor.TagsForbidden,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// NewAnnouncement builds the announcement advertising the given layers and services.
func NewAnnouncement(layers []types.ConvergenceLayer, services map[uint8]string) *Announcement {
	announcement := &Announcement{
		ConvergenceLayers: make([]string, 0, len(layers)),
		Services:          services,
	}

	for _, layer := range layers {
		announcement.ConvergenceLayers = append(announcement.ConvergenceLayers, layer.String())
	}

	return announcement
}

// Marshal encodes the announcement.
func (announcement *Announcement) Marshal() ([]byte, error) {
	return encMode.Marshal(announcement)
}

// DecodeAnnouncement decodes and validates an announcement.
//
// Every returned error wraps ErrDecode.
func DecodeAnnouncement(payload []byte) (*Announcement, error) {
	var announcement Announcement

	if err := decMode.Unmarshal(payload, &announcement); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	if len(announcement.ConvergenceLayers) > limits.AnnouncementLayersMax {
		return nil, fmt.Errorf("%w: too many convergence layers", ErrDecode)
	}

	if len(announcement.Services) > limits.AnnouncementServicesMax {
		return nil, fmt.Errorf("%w: too many services", ErrDecode)
	}

	if len(announcement.EID) > limits.EndpointIDMax {
		return nil, fmt.Errorf("%w: endpoint ID is too long", ErrDecode)
	}

	for _, value := range announcement.Services {
		if len(value) > limits.ServiceValueMax {
			return nil, fmt.Errorf("%w: service value is too long", ErrDecode)
		}
	}

	return &announcement, nil
}

// Layers parses the advertised convergence layers.
//
// Entries which are not in name[:port] form are returned in skipped.
func (announcement *Announcement) Layers() (layers []types.ConvergenceLayer, skipped []string) {
	layers = make([]types.ConvergenceLayer, 0, len(announcement.ConvergenceLayers))

	for _, s := range announcement.ConvergenceLayers {
		layer, err := types.ParseConvergenceLayer(s)
		if err != nil {
			skipped = append(skipped, s)

			continue
		}

		layers = append(layers, layer)
	}

	return layers, skipped
}
