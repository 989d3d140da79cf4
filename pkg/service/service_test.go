// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package service_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dtnkit/dtnd/internal/bundle"
	internalstate "github.com/dtnkit/dtnd/internal/state"
	"github.com/dtnkit/dtnd/pkg/peerspec"
	"github.com/dtnkit/dtnd/pkg/service"
	"github.com/dtnkit/dtnd/pkg/types"
)

func TestNewStaticPeers(t *testing.T) {
	t.Parallel()

	options := service.Options{
		NodeID:            "node1",
		ConvergenceLayers: []string{"mtcp:16162", "dummy"},
		StaticPeers: []string{
			"mtcp://192.168.2.101:2342/node2",
			"ftp://10.0.0.1/node3",
		},
	}

	_, err := service.New(options, zaptest.NewLogger(t))
	require.ErrorIs(t, err, peerspec.ErrUnknownConvergenceLayer)
	assert.ErrorContains(t, err, "ftp://10.0.0.1/node3")

	options.SkipInvalidStaticPeers = true

	n, err := service.New(options, zaptest.NewLogger(t))
	require.NoError(t, err)

	peers := n.State.List()
	require.Len(t, peers, 1)
	assert.Equal(t, types.EndpointID("dtn://node2"), peers[0].EID)
	assert.Equal(t, types.PeerTypeStatic, peers[0].Type)

	assert.Equal(t, types.EndpointID("dtn://node1"), n.Registry.NodeID())
	assert.True(t, n.Registry.HasEndpoint("dtn://node1"))
	assert.Equal(t, "epidemic", n.Registry.RoutingAgent().Name())
	assert.Equal(t, []types.ConvergenceLayer{{Name: "mtcp", Port: 16162}, {Name: "dummy"}}, n.Registry.Announced())
}

func TestNewErrors(t *testing.T) {
	t.Parallel()

	for _, options := range []service.Options{
		{},
		{NodeID: "node1", ConvergenceLayers: []string{"carrier-pigeon"}},
		{NodeID: "node1", ConvergenceLayers: []string{"http"}},
		{NodeID: "node1", RoutingAgent: "spray-and-wait"},
	} {
		_, err := service.New(options, zaptest.NewLogger(t))
		assert.Error(t, err)
	}
}

func TestRun(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	snapshotPath := filepath.Join(t.TempDir(), "peers.binpb")
	bundles := bundle.NewMemoryStore()

	n, err := service.New(service.Options{
		NodeID:            "node1",
		ConvergenceLayers: []string{"dummy"},
		RoutingAgent:      "flooding",
		Clock:             clock,
		Bundles:           bundles,
		DiscoveryDisabled: true,
		SnapshotsEnabled:  true,
		SnapshotPath:      snapshotPath,
		MetricsRegisterer: prom.NewRegistry(),
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	errCh := make(chan error, 1)

	go func() {
		errCh <- n.Run(ctx)
	}()

	bundles.Push(bundle.Pack{ID: "b1", CreationTime: clock.Now(), Status: bundle.StatusForwarding}, []byte("hello"))

	// wait for the peer watcher to subscribe
	require.EventuallyWithT(t, func(collect *assert.CollectT) {
		_, _, subscriptions := n.State.Directory().Stats()
		assert.Equal(collect, 1, subscriptions)
	}, 5*time.Second, 10*time.Millisecond)

	// a new peer triggers a forwarding sweep without waiting for the dispatch interval
	n.State.Upsert(internalstate.NewPeer("", types.ParseAddress("10.0.0.2"), types.PeerTypeDynamic,
		[]types.ConvergenceLayer{{Name: "dummy"}}, nil), clock.Now())

	require.EventuallyWithT(t, func(collect *assert.CollectT) {
		pack, ok := bundles.Metadata("b1")
		if assert.True(collect, ok) {
			assert.Equal(collect, bundle.StatusForwarded, pack.Status)
		}
	}, 5*time.Second, 10*time.Millisecond)

	cancel()

	require.NoError(t, <-errCh)

	// the dynamic peer is saved on shutdown
	info, err := os.Stat(snapshotPath)
	require.NoError(t, err)
	assert.NotZero(t, info.Size())
}
