// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package node holds the identity of the local node: endpoints, convergence layers and the routing agent.
package node

import (
	"maps"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/dtnkit/dtnd/internal/cla"
	"github.com/dtnkit/dtnd/internal/routing"
	"github.com/dtnkit/dtnd/pkg/types"
)

// Registry is the local node identity.
//
// The convergence layers and the routing agent are fixed at construction.
type Registry struct {
	routing   routing.Agent
	logger    *zap.Logger
	services  map[uint8]string
	nodeID    types.EndpointID
	endpoints []*ApplicationAgent
	layers    []cla.ConvergenceLayer
	mu        sync.Mutex
}

// NewRegistry creates the node registry.
func NewRegistry(nodeID types.EndpointID, layers []cla.ConvergenceLayer, routingAgent routing.Agent, logger *zap.Logger) *Registry {
	return &Registry{
		nodeID:   nodeID,
		layers:   slices.Clone(layers),
		routing:  routingAgent,
		services: map[uint8]string{},
		logger:   logger.With(zap.String("component", "registry")),
	}
}

// NodeID returns the endpoint ID of the node itself.
func (registry *Registry) NodeID() types.EndpointID {
	return registry.nodeID
}

// RegisterApplicationAgent adds the agent unless an agent for the same endpoint ID is already registered.
func (registry *Registry) RegisterApplicationAgent(agent *ApplicationAgent) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	if registry.hasEndpoint(agent.EID()) {
		registry.logger.Info("application agent already registered", zap.Stringer("eid", agent.EID()))

		return
	}

	registry.endpoints = append(registry.endpoints, agent)

	registry.logger.Info("registered new application agent", zap.Stringer("eid", agent.EID()))
}

// HasEndpoint returns true if an application agent is registered for the endpoint ID.
func (registry *Registry) HasEndpoint(eid types.EndpointID) bool {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	return registry.hasEndpoint(eid)
}

func (registry *Registry) hasEndpoint(eid types.EndpointID) bool {
	return slices.ContainsFunc(registry.endpoints, func(agent *ApplicationAgent) bool { return agent.EID() == eid })
}

// Endpoint returns the application agent registered for the endpoint ID.
func (registry *Registry) Endpoint(eid types.EndpointID) (*ApplicationAgent, bool) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	idx := slices.IndexFunc(registry.endpoints, func(agent *ApplicationAgent) bool { return agent.EID() == eid })
	if idx == -1 {
		return nil, false
	}

	return registry.endpoints[idx], true
}

// Endpoints returns the endpoint IDs of all registered application agents.
func (registry *Registry) Endpoints() []types.EndpointID {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	eids := make([]types.EndpointID, 0, len(registry.endpoints))

	for _, agent := range registry.endpoints {
		eids = append(eids, agent.EID())
	}

	return eids
}

// ConvergenceLayers returns the active convergence layers.
func (registry *Registry) ConvergenceLayers() []cla.ConvergenceLayer {
	return slices.Clone(registry.layers)
}

// ConvergenceLayer returns the active convergence layer with the given name.
func (registry *Registry) ConvergenceLayer(name string) (cla.ConvergenceLayer, bool) {
	idx := slices.IndexFunc(registry.layers, func(layer cla.ConvergenceLayer) bool { return layer.Name() == name })
	if idx == -1 {
		return nil, false
	}

	return registry.layers[idx], true
}

// Announced returns the active convergence layers as advertised to peers.
func (registry *Registry) Announced() []types.ConvergenceLayer {
	out := make([]types.ConvergenceLayer, 0, len(registry.layers))

	for _, layer := range registry.layers {
		out = append(out, cla.Describe(layer))
	}

	return out
}

// RoutingAgent returns the routing agent of the node.
func (registry *Registry) RoutingAgent() routing.Agent {
	return registry.routing
}

// AddService adds an entry to the service list advertised to peers.
func (registry *Registry) AddService(tag uint8, value string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	registry.services[tag] = value
}

// Services returns a copy of the service list.
func (registry *Registry) Services() map[uint8]string {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	return maps.Clone(registry.services)
}
