// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package state implements the node peer state: the shared peer directory with its expiry policy.
package state

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	prom "github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	internalstate "github.com/dtnkit/dtnd/internal/state"
	"github.com/dtnkit/dtnd/pkg/types"
)

// State keeps the peer directory of the node.
type State struct {
	directory *internalstate.Directory
	logger    *zap.Logger
	clock     clockwork.Clock
	staleness time.Duration

	mPeersDesc         *prom.Desc
	mSubscriptionsDesc *prom.Desc
	mUpserts           *prom.CounterVec
	mGCRuns            prom.Counter
	mGCPeers           prom.Counter
}

// Option configures the State.
type Option func(*State)

// WithClock sets the clock used to stamp restored peers.
func WithClock(clock clockwork.Clock) Option {
	return func(state *State) {
		state.clock = clock
	}
}

// NewState create new instance of State.
//
// Dynamic peers not seen within staleness are removed by the garbage collection.
func NewState(logger *zap.Logger, staleness time.Duration, opts ...Option) *State {
	state := &State{
		directory: internalstate.NewDirectory(),
		logger:    logger.With(zap.String("component", "peers")),
		clock:     clockwork.NewRealClock(),
		staleness: staleness,
		mPeersDesc: prom.NewDesc(
			"dtnd_state_peers",
			"The current number of peers in the directory.",
			[]string{"type"}, nil,
		),
		mSubscriptionsDesc: prom.NewDesc(
			"dtnd_state_subscriptions",
			"The current number of peer update subscriptions.",
			nil, nil,
		),
		mUpserts: prom.NewCounterVec(prom.CounterOpts{
			Name: "dtnd_state_upserts_total",
			Help: "The number of peer upserts by result.",
		}, []string{"result"}),
		mGCRuns: prom.NewCounter(prom.CounterOpts{
			Name: "dtnd_state_gc_runs_total",
			Help: "The number of GC runs.",
		}),
		mGCPeers: prom.NewCounter(prom.CounterOpts{
			Name: "dtnd_state_gc_peers_total",
			Help: "The total number of GC'ed peers.",
		}),
	}

	for _, opt := range opts {
		opt(state)
	}

	// initialize vectors to set correct descriptors
	for _, result := range []string{"inserted", "changed", "refreshed"} {
		state.mUpserts.WithLabelValues(result)
	}

	return state
}

// Staleness returns the liveness threshold for dynamic peers.
func (state *State) Staleness() time.Duration {
	return state.staleness
}

// Directory returns the underlying peer directory.
func (state *State) Directory() *internalstate.Directory {
	return state.directory
}

// Upsert inserts or refreshes a peer.
func (state *State) Upsert(peer *internalstate.Peer, now time.Time) {
	inserted, changed := state.directory.Upsert(peer, now)

	switch {
	case inserted:
		state.mUpserts.WithLabelValues("inserted").Inc()

		export := peer.Export()

		state.logger.Info("peer registered",
			zap.Stringer("eid", export.EID),
			zap.Stringer("address", export.Address),
			zap.Stringer("type", export.Type),
			zap.Strings("convergence_layers", layerStrings(export.ConvergenceLayers)),
		)
	case changed:
		state.mUpserts.WithLabelValues("changed").Inc()

		state.logger.Debug("peer changed", zap.String("address", peer.Key()))
	default:
		state.mUpserts.WithLabelValues("refreshed").Inc()
	}
}

// RegisterStatic inserts an operator configured peer.
func (state *State) RegisterStatic(peer *internalstate.Peer, now time.Time) {
	state.directory.RegisterStatic(peer, now)

	export := peer.Export()

	state.logger.Info("static peer registered",
		zap.Stringer("eid", export.EID),
		zap.Stringer("address", export.Address),
		zap.Strings("convergence_layers", layerStrings(export.ConvergenceLayers)),
	)
}

// List returns a snapshot of the peers.
func (state *State) List() []*internalstate.PeerExport {
	return state.directory.List()
}

// Get returns a peer by address key.
func (state *State) Get(key string) (*internalstate.PeerExport, bool) {
	return state.directory.Get(key)
}

// GarbageCollect removes dynamic peers which failed the liveness check.
func (state *State) GarbageCollect(now time.Time) (removedPeers int) {
	removed := state.directory.GarbageCollect(now, state.staleness)

	for _, peer := range removed {
		state.logger.Info("have not seen peer in a while, removing it from the list of known peers",
			zap.Stringer("eid", peer.EID),
			zap.Stringer("address", peer.Address),
			zap.Time("last_seen", peer.LastSeen),
		)
	}

	state.mGCRuns.Inc()
	state.mGCPeers.Add(float64(len(removed)))

	return len(removed)
}

// RunGC runs the garbage collection on interval.
func (state *State) RunGC(ctx context.Context, clock clockwork.Clock, interval time.Duration) {
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	for ctx.Err() == nil {
		removedPeers := state.GarbageCollect(clock.Now())
		static, dynamic, subscriptions := state.directory.Stats()

		logFunc := state.logger.Debug
		if removedPeers > 0 {
			logFunc = state.logger.Info
		}

		logFunc(
			"garbage collection run",
			zap.Int("removed_peers", removedPeers),
			zap.Int("current_static_peers", static),
			zap.Int("current_dynamic_peers", dynamic),
			zap.Int("current_subscriptions", subscriptions),
		)

		select {
		case <-ctx.Done():
		case <-ticker.Chan():
		}
	}
}

// ExportPeerSnapshots implements storage.Snapshotter interface.
func (state *State) ExportPeerSnapshots(f func(snapshot *internalstate.PeerSnapshot) error) error {
	return state.directory.ExportPeerSnapshots(f)
}

// ImportPeerSnapshots implements storage.Snapshotter interface.
//
// Restored peers are stamped as seen no earlier than half the staleness ago.
func (state *State) ImportPeerSnapshots(f func() (*internalstate.PeerSnapshot, bool, error)) (int, error) {
	minLastSeen := state.clock.Now().Add(-state.staleness / 2).UnixNano()

	return state.directory.ImportPeerSnapshots(func() (*internalstate.PeerSnapshot, bool, error) {
		snapshot, ok, err := f()
		if ok && err == nil && snapshot.LastSeen < minLastSeen {
			snapshot.LastSeen = minLastSeen
		}

		return snapshot, ok, err
	})
}

// Describe implements prom.Collector interface.
func (state *State) Describe(ch chan<- *prom.Desc) {
	prom.DescribeByCollect(state, ch)
}

// Collect implements prom.Collector interface.
func (state *State) Collect(ch chan<- prom.Metric) {
	static, dynamic, subscriptions := state.directory.Stats()

	ch <- prom.MustNewConstMetric(state.mPeersDesc, prom.GaugeValue, float64(static), types.PeerTypeStatic.String())
	ch <- prom.MustNewConstMetric(state.mPeersDesc, prom.GaugeValue, float64(dynamic), types.PeerTypeDynamic.String())
	ch <- prom.MustNewConstMetric(state.mSubscriptionsDesc, prom.GaugeValue, float64(subscriptions))

	state.mUpserts.Collect(ch)

	ch <- state.mGCRuns
	ch <- state.mGCPeers
}

func layerStrings(layers []types.ConvergenceLayer) []string {
	out := make([]string, 0, len(layers))

	for _, layer := range layers {
		out = append(out, layer.String())
	}

	return out
}

// Check interfaces.
var (
	_ prom.Collector = (*State)(nil)
)
