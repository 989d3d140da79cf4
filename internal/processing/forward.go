// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package processing implements the forwarding of a single bundle to its next hops.
package processing

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dtnkit/dtnd/internal/bundle"
	"github.com/dtnkit/dtnd/internal/cla"
	"github.com/dtnkit/dtnd/internal/node"
	"github.com/dtnkit/dtnd/internal/state"
)

var (
	// ErrNoRoute is returned when the routing agent selected no reachable next hop.
	ErrNoRoute = errors.New("no route")
	// ErrForwardFailed is returned when the bundle could not be sent to any next hop.
	ErrForwardFailed = errors.New("forwarding failed")
)

// PeerLister provides the current list of peers.
type PeerLister interface {
	List() []*state.PeerExport
}

// BundleStore is the part of the bundle store used by the forwarder.
type BundleStore interface {
	Data(id string) ([]byte, bool)
	SetStatus(id string, status bundle.Status) error
}

// Forwarder sends bundles to the next hops selected by the routing agent.
type Forwarder struct {
	registry *node.Registry
	peers    PeerLister
	store    BundleStore
	logger   *zap.Logger
}

// NewForwarder creates a Forwarder.
func NewForwarder(registry *node.Registry, peers PeerLister, store BundleStore, logger *zap.Logger) *Forwarder {
	return &Forwarder{
		registry: registry,
		peers:    peers,
		store:    store,
		logger:   logger.With(zap.String("component", "forwarder")),
	}
}

type hop struct {
	peer  *state.PeerExport
	layer cla.ConvergenceLayer
	port  uint16
}

// Forward sends the bundle to every next hop.
//
// On success to at least one hop the bundle leaves the forwarding queue, otherwise it stays queued.
func (forwarder *Forwarder) Forward(ctx context.Context, pack bundle.Pack) error {
	data, ok := forwarder.store.Data(pack.ID)
	if !ok {
		return fmt.Errorf("bundle %q: %w", pack.ID, bundle.ErrNotFound)
	}

	agent := forwarder.registry.RoutingAgent()

	hops := forwarder.resolve(agent.NextHops(pack, forwarder.peers.List()))
	if len(hops) == 0 {
		return fmt.Errorf("bundle %q: %w", pack.ID, ErrNoRoute)
	}

	var (
		errs []error
		sent int
	)

	for _, h := range hops {
		if err := h.layer.Send(ctx, h.peer.Address, h.port, data); err != nil {
			errs = append(errs, fmt.Errorf("%s via %s: %w", h.peer.Address, h.layer.Name(), err))

			continue
		}

		agent.NotifySent(pack.ID, h.peer.Key())

		sent++

		forwarder.logger.Debug("bundle sent",
			zap.String("bundle_id", pack.ID),
			zap.Stringer("peer_eid", h.peer.EID),
			zap.Stringer("peer_address", h.peer.Address),
			zap.String("convergence_layer", h.layer.Name()),
		)
	}

	if sent == 0 {
		return fmt.Errorf("bundle %q: %w: %w", pack.ID, ErrForwardFailed, errors.Join(errs...))
	}

	for _, err := range errs {
		forwarder.logger.Warn("bundle not sent to one of the next hops", zap.String("bundle_id", pack.ID), zap.Error(err))
	}

	return forwarder.store.SetStatus(pack.ID, bundle.StatusForwarded)
}

// resolve picks for every peer the first of its convergence layers the node can send on.
//
// Peers announcing the node's own endpoint ID are skipped.
func (forwarder *Forwarder) resolve(peers []*state.PeerExport) []hop {
	hops := make([]hop, 0, len(peers))

	for _, peer := range peers {
		if !peer.EID.IsZero() && peer.EID == forwarder.registry.NodeID() {
			continue
		}

		for _, peerLayer := range peer.ConvergenceLayers {
			if layer, ok := forwarder.registry.ConvergenceLayer(peerLayer.Name); ok {
				hops = append(hops, hop{peer: peer, layer: layer, port: peerLayer.Port})

				break
			}
		}
	}

	return hops
}
