// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package dispatcher_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/dtnkit/dtnd/internal/bundle"
	"github.com/dtnkit/dtnd/internal/dispatcher"
)

// testForwarder records forward calls, it fails for bundles in fail and marks others as forwarded.
type testForwarder struct {
	store *bundle.MemoryStore
	fail  map[string]bool
	calls []string
	mu    sync.Mutex
}

func (f *testForwarder) Forward(_ context.Context, pack bundle.Pack) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, pack.ID)

	if f.fail[pack.ID] {
		return errors.New("no route")
	}

	return f.store.SetStatus(pack.ID, bundle.StatusForwarded)
}

func (f *testForwarder) getCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.calls...)
}

func (f *testForwarder) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = nil
}

func newTestStore(creation map[string]int) *bundle.MemoryStore {
	store := bundle.NewMemoryStore()
	epoch := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

	for id, seconds := range creation {
		store.Push(bundle.Pack{
			ID:           id,
			CreationTime: epoch.Add(time.Duration(seconds) * time.Second),
			Status:       bundle.StatusForwarding,
		}, []byte(id))
	}

	return store
}

func TestSweepOrder(t *testing.T) {
	t.Parallel()

	store := newTestStore(map[string]int{"c3": 3, "c1": 1, "c2": 2})
	store.Push(bundle.Pack{ID: "delivered", Status: bundle.StatusDelivered}, nil)

	forwarder := &testForwarder{store: store}
	d := dispatcher.New(store, forwarder, zaptest.NewLogger(t))

	result := d.Sweep(context.Background())

	assert.Equal(t, dispatcher.SweepResult{Attempted: 3}, result)
	assert.Equal(t, []string{"c1", "c2", "c3"}, forwarder.getCalls())

	// forwarded bundles leave the queue
	forwarder.reset()

	assert.Equal(t, dispatcher.SweepResult{}, d.Sweep(context.Background()))
	assert.Empty(t, forwarder.getCalls())
}

func TestSweepFailure(t *testing.T) {
	t.Parallel()

	store := newTestStore(map[string]int{"c3": 3, "c1": 1, "c2": 2})
	forwarder := &testForwarder{store: store, fail: map[string]bool{"c1": true}}
	core, logs := observer.New(zapcore.InfoLevel)
	d := dispatcher.New(store, forwarder, zap.New(core))

	assert.Equal(t, dispatcher.SweepResult{Attempted: 3, Failed: 1}, d.Sweep(context.Background()))
	assert.Equal(t, []string{"c1", "c2", "c3"}, forwarder.getCalls())

	failures := logs.FilterMessage("error forwarding bundle").All()
	require.Len(t, failures, 1)
	assert.Equal(t, "c1", failures[0].ContextMap()["bundle_id"])
	assert.Contains(t, failures[0].ContextMap(), "error")

	// the failed bundle is retried on the next sweep, and only it
	forwarder.reset()

	assert.Equal(t, dispatcher.SweepResult{Attempted: 1, Failed: 1}, d.Sweep(context.Background()))
	assert.Equal(t, []string{"c1"}, forwarder.getCalls())

	assert.Equal(t, 1, promtestutil.CollectAndCount(d, "dtnd_dispatcher_sweeps_total"))
	assert.Equal(t, 2, promtestutil.CollectAndCount(d, "dtnd_dispatcher_forward_attempts_total"))
}

// metadataOnlyStore lists a bundle which is gone by the time metadata is loaded.
type metadataOnlyStore struct {
	*bundle.MemoryStore
}

func (s metadataOnlyStore) Forwarding() []string {
	return append(s.MemoryStore.Forwarding(), "vanished")
}

func TestSweepMissingMetadata(t *testing.T) {
	t.Parallel()

	store := newTestStore(map[string]int{"c1": 1})
	forwarder := &testForwarder{store: store}
	d := dispatcher.New(metadataOnlyStore{store}, forwarder, zaptest.NewLogger(t))

	assert.Equal(t, dispatcher.SweepResult{Attempted: 1}, d.Sweep(context.Background()))
	assert.Equal(t, []string{"c1"}, forwarder.getCalls())
}

func TestRun(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	store := newTestStore(map[string]int{"c1": 1})
	forwarder := &testForwarder{store: store, fail: map[string]bool{"c1": true}}
	d := dispatcher.New(store, forwarder, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	done := make(chan struct{})

	go func() {
		defer close(done)

		d.Run(ctx, clock, time.Minute)
	}()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	clock.Advance(time.Minute)

	require.EventuallyWithT(t, func(collect *assert.CollectT) {
		assert.Len(collect, forwarder.getCalls(), 1)
	}, 2*time.Second, 10*time.Millisecond)

	// a trigger sweeps without waiting for the tick
	d.Trigger()

	require.EventuallyWithT(t, func(collect *assert.CollectT) {
		assert.Len(collect, forwarder.getCalls(), 2)
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
