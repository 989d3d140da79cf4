// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package node

import (
	"sync"

	"github.com/dtnkit/dtnd/internal/bundle"
	"github.com/dtnkit/dtnd/pkg/types"
)

// Delivery is a bundle delivered to a local application agent.
type Delivery struct {
	Data []byte
	Pack bundle.Pack
}

// ApplicationAgent is a local endpoint which queues delivered bundles until the application fetches them.
type ApplicationAgent struct {
	eid   types.EndpointID
	inbox []Delivery
	mu    sync.Mutex
}

// NewApplicationAgent creates an application agent for the endpoint.
func NewApplicationAgent(eid types.EndpointID) *ApplicationAgent {
	return &ApplicationAgent{
		eid: eid,
	}
}

// EID returns the endpoint ID of the agent.
func (agent *ApplicationAgent) EID() types.EndpointID {
	return agent.eid
}

// Push queues a delivered bundle.
func (agent *ApplicationAgent) Push(delivery Delivery) {
	agent.mu.Lock()
	defer agent.mu.Unlock()

	agent.inbox = append(agent.inbox, delivery)
}

// Pop returns the oldest queued bundle.
func (agent *ApplicationAgent) Pop() (Delivery, bool) {
	agent.mu.Lock()
	defer agent.mu.Unlock()

	if len(agent.inbox) == 0 {
		return Delivery{}, false
	}

	delivery := agent.inbox[0]

	agent.inbox[0] = Delivery{}
	agent.inbox = agent.inbox[1:]

	return delivery, true
}

// Len returns the number of queued bundles.
func (agent *ApplicationAgent) Len() int {
	agent.mu.Lock()
	defer agent.mu.Unlock()

	return len(agent.inbox)
}
