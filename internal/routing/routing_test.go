// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package routing_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtnkit/dtnd/internal/bundle"
	"github.com/dtnkit/dtnd/internal/routing"
	"github.com/dtnkit/dtnd/internal/state"
	"github.com/dtnkit/dtnd/pkg/types"
)

func peers(hosts ...string) []*state.PeerExport {
	out := make([]*state.PeerExport, 0, len(hosts))

	for _, host := range hosts {
		out = append(out, &state.PeerExport{Address: types.ParseAddress(host)})
	}

	return out
}

func TestNew(t *testing.T) {
	t.Parallel()

	for _, name := range routing.Names() {
		agent, err := routing.New(name)
		require.NoError(t, err)
		assert.Equal(t, name, agent.Name())
	}

	_, err := routing.New("spray-and-wait")
	assert.Error(t, err)
}

func TestFlooding(t *testing.T) {
	t.Parallel()

	agent := routing.FloodingAgent{}
	pack := bundle.Pack{ID: "b1"}

	agent.NotifySent("b1", "10.0.0.1")

	assert.Len(t, agent.NextHops(pack, peers("10.0.0.1", "10.0.0.2")), 2)
}

func TestEpidemic(t *testing.T) {
	t.Parallel()

	agent := routing.NewEpidemicAgent()
	pack := bundle.Pack{ID: "b1"}

	assert.Len(t, agent.NextHops(pack, peers("10.0.0.1", "10.0.0.2")), 2)

	agent.NotifySent("b1", "10.0.0.1")

	hops := agent.NextHops(pack, peers("10.0.0.1", "10.0.0.2", "10.0.0.3"))
	require.Len(t, hops, 2)
	assert.Equal(t, "10.0.0.2", hops[0].Key())
	assert.Equal(t, "10.0.0.3", hops[1].Key())

	// history is per bundle
	assert.Len(t, agent.NextHops(bundle.Pack{ID: "b2"}, peers("10.0.0.1")), 1)

	agent.Forget("b1")
	assert.Len(t, agent.NextHops(pack, peers("10.0.0.1")), 1)
}
