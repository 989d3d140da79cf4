// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package routing implements the routing agents which select next hops for bundles.
package routing

import (
	"fmt"
	"sync"

	"github.com/dtnkit/dtnd/internal/bundle"
	"github.com/dtnkit/dtnd/internal/state"
)

// Routing agent names.
const (
	Flooding = "flooding"
	Epidemic = "epidemic"
)

// Agent selects next hops for a bundle.
type Agent interface {
	// Name returns the routing strategy name.
	Name() string
	// NextHops returns the peers the bundle should be sent to.
	NextHops(pack bundle.Pack, peers []*state.PeerExport) []*state.PeerExport
	// NotifySent records that the bundle was transferred to the peer.
	NotifySent(bundleID, peerKey string)
}

// Names returns the names of all available routing agents.
func Names() []string {
	return []string{Flooding, Epidemic}
}

// New creates a routing agent by name.
func New(name string) (Agent, error) {
	switch name {
	case Flooding:
		return FloodingAgent{}, nil
	case Epidemic:
		return NewEpidemicAgent(), nil
	default:
		return nil, fmt.Errorf("unknown routing agent %q", name)
	}
}

// FloodingAgent sends every bundle to every known peer.
type FloodingAgent struct{}

// Name implements Agent.
func (FloodingAgent) Name() string {
	return Flooding
}

// NextHops implements Agent.
func (FloodingAgent) NextHops(_ bundle.Pack, peers []*state.PeerExport) []*state.PeerExport {
	return peers
}

// NotifySent implements Agent.
func (FloodingAgent) NotifySent(string, string) {}

// EpidemicAgent sends every bundle once to every known peer.
type EpidemicAgent struct {
	history map[string]map[string]struct{}
	mu      sync.Mutex
}

// NewEpidemicAgent creates an epidemic routing agent.
func NewEpidemicAgent() *EpidemicAgent {
	return &EpidemicAgent{
		history: map[string]map[string]struct{}{},
	}
}

// Name implements Agent.
func (*EpidemicAgent) Name() string {
	return Epidemic
}

// NextHops implements Agent.
func (agent *EpidemicAgent) NextHops(pack bundle.Pack, peers []*state.PeerExport) []*state.PeerExport {
	agent.mu.Lock()
	defer agent.mu.Unlock()

	sent := agent.history[pack.ID]

	hops := make([]*state.PeerExport, 0, len(peers))

	for _, peer := range peers {
		if _, ok := sent[peer.Key()]; !ok {
			hops = append(hops, peer)
		}
	}

	return hops
}

// NotifySent implements Agent.
func (agent *EpidemicAgent) NotifySent(bundleID, peerKey string) {
	agent.mu.Lock()
	defer agent.mu.Unlock()

	sent, ok := agent.history[bundleID]
	if !ok {
		sent = map[string]struct{}{}
		agent.history[bundleID] = sent
	}

	sent[peerKey] = struct{}{}
}

// Forget drops the history of the bundle.
func (agent *EpidemicAgent) Forget(bundleID string) {
	agent.mu.Lock()
	defer agent.mu.Unlock()

	delete(agent.history, bundleID)
}

// Check interfaces.
var (
	_ Agent = FloodingAgent{}
	_ Agent = (*EpidemicAgent)(nil)
)
