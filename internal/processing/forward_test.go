// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package processing_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dtnkit/dtnd/internal/bundle"
	"github.com/dtnkit/dtnd/internal/cla"
	"github.com/dtnkit/dtnd/internal/node"
	"github.com/dtnkit/dtnd/internal/processing"
	"github.com/dtnkit/dtnd/internal/routing"
	"github.com/dtnkit/dtnd/internal/state"
	"github.com/dtnkit/dtnd/pkg/types"
)

type recordingLayer struct {
	fail map[string]bool
	sent []string
	mu   sync.Mutex
}

func (*recordingLayer) Name() string { return cla.Dummy }

func (*recordingLayer) Port() uint16 { return 0 }

func (layer *recordingLayer) Send(_ context.Context, address types.Address, _ uint16, _ []byte) error {
	layer.mu.Lock()
	defer layer.mu.Unlock()

	if layer.fail[address.Key()] {
		return errors.New("connection refused")
	}

	layer.sent = append(layer.sent, address.Key())

	return nil
}

type fixture struct {
	layer     *recordingLayer
	directory *state.Directory
	store     *bundle.MemoryStore
	forwarder *processing.Forwarder
}

func newFixture(t *testing.T, agent routing.Agent) *fixture {
	t.Helper()

	layer := &recordingLayer{fail: map[string]bool{}}
	registry := node.NewRegistry("dtn://local", []cla.ConvergenceLayer{layer}, agent, zaptest.NewLogger(t))
	directory := state.NewDirectory()
	store := bundle.NewMemoryStore()

	return &fixture{
		layer:     layer,
		directory: directory,
		store:     store,
		forwarder: processing.NewForwarder(registry, directory, store, zaptest.NewLogger(t)),
	}
}

func (f *fixture) addPeer(host string, eid types.EndpointID, layers ...types.ConvergenceLayer) {
	f.directory.Upsert(state.NewPeer(eid, types.ParseAddress(host), types.PeerTypeDynamic, layers, nil), time.Now())
}

func (f *fixture) push(id string) bundle.Pack {
	pack := bundle.Pack{ID: id, CreationTime: time.Now(), Status: bundle.StatusForwarding}

	f.store.Push(pack, []byte(id))

	return pack
}

func status(t *testing.T, store *bundle.MemoryStore, id string) bundle.Status {
	t.Helper()

	pack, ok := store.Metadata(id)
	require.True(t, ok)

	return pack.Status
}

func TestForward(t *testing.T) {
	t.Parallel()

	f := newFixture(t, routing.FloodingAgent{})

	f.addPeer("10.0.0.1", "", types.ConvergenceLayer{Name: "dummy"})
	f.addPeer("10.0.0.2", "", types.ConvergenceLayer{Name: "http"}, types.ConvergenceLayer{Name: "dummy"})
	// unreachable: no common convergence layer
	f.addPeer("10.0.0.3", "", types.ConvergenceLayer{Name: "http"})
	// the node itself looped back
	f.addPeer("10.0.0.4", "dtn://local", types.ConvergenceLayer{Name: "dummy"})

	pack := f.push("b1")

	require.NoError(t, f.forwarder.Forward(context.Background(), pack))

	assert.ElementsMatch(t, []string{"10.0.0.1", "10.0.0.2"}, f.layer.sent)
	assert.Equal(t, bundle.StatusForwarded, status(t, f.store, "b1"))
}

func TestForwardPartialFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, routing.FloodingAgent{})

	f.addPeer("10.0.0.1", "", types.ConvergenceLayer{Name: "dummy"})
	f.addPeer("10.0.0.2", "", types.ConvergenceLayer{Name: "dummy"})
	f.layer.fail["10.0.0.1"] = true

	require.NoError(t, f.forwarder.Forward(context.Background(), f.push("b1")))

	assert.Equal(t, []string{"10.0.0.2"}, f.layer.sent)
	assert.Equal(t, bundle.StatusForwarded, status(t, f.store, "b1"))
}

func TestForwardFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, routing.FloodingAgent{})

	err := f.forwarder.Forward(context.Background(), f.push("b1"))
	assert.ErrorIs(t, err, processing.ErrNoRoute)
	assert.Equal(t, bundle.StatusForwarding, status(t, f.store, "b1"))

	f.addPeer("10.0.0.1", "", types.ConvergenceLayer{Name: "dummy"})
	f.layer.fail["10.0.0.1"] = true

	err = f.forwarder.Forward(context.Background(), f.push("b2"))
	assert.ErrorIs(t, err, processing.ErrForwardFailed)
	assert.ErrorContains(t, err, "connection refused")
	assert.Equal(t, bundle.StatusForwarding, status(t, f.store, "b2"))

	err = f.forwarder.Forward(context.Background(), bundle.Pack{ID: "missing"})
	assert.ErrorIs(t, err, bundle.ErrNotFound)
}

func TestForwardEpidemic(t *testing.T) {
	t.Parallel()

	f := newFixture(t, routing.NewEpidemicAgent())

	f.addPeer("10.0.0.1", "", types.ConvergenceLayer{Name: "dummy"})

	pack := f.push("b1")

	require.NoError(t, f.forwarder.Forward(context.Background(), pack))

	// already sent to every known peer
	assert.ErrorIs(t, f.forwarder.Forward(context.Background(), pack), processing.ErrNoRoute)

	f.addPeer("10.0.0.2", "", types.ConvergenceLayer{Name: "dummy"})

	require.NoError(t, f.forwarder.Forward(context.Background(), pack))
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, f.layer.sent)
}
