// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package dispatcher periodically re-attempts forwarding of every bundle queued for forwarding.
package dispatcher

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	prom "github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dtnkit/dtnd/internal/bundle"
)

// Forwarder forwards a single bundle.
type Forwarder interface {
	Forward(ctx context.Context, pack bundle.Pack) error
}

// SweepResult summarizes a single sweep.
type SweepResult struct {
	Attempted int
	Failed    int
}

// Dispatcher runs forwarding sweeps over the bundle store.
type Dispatcher struct {
	store     bundle.Store
	forwarder Forwarder
	logger    *zap.Logger
	triggerCh chan struct{}

	mSweeps   prom.Counter
	mAttempts *prom.CounterVec
	mQueued   prom.Gauge
}

// New creates a Dispatcher.
func New(store bundle.Store, forwarder Forwarder, logger *zap.Logger) *Dispatcher {
	dispatcher := &Dispatcher{
		store:     store,
		forwarder: forwarder,
		logger:    logger.With(zap.String("component", "dispatcher")),
		triggerCh: make(chan struct{}, 1),
		mSweeps: prom.NewCounter(prom.CounterOpts{
			Name: "dtnd_dispatcher_sweeps_total",
			Help: "The number of forwarding sweeps.",
		}),
		mAttempts: prom.NewCounterVec(prom.CounterOpts{
			Name: "dtnd_dispatcher_forward_attempts_total",
			Help: "The number of forward attempts by result.",
		}, []string{"result"}),
		mQueued: prom.NewGauge(prom.GaugeOpts{
			Name: "dtnd_dispatcher_queued_bundles",
			Help: "The number of bundles queued for forwarding at the last sweep.",
		}),
	}

	// initialize vectors to set correct descriptors
	dispatcher.mAttempts.WithLabelValues("success")
	dispatcher.mAttempts.WithLabelValues("failure")

	return dispatcher
}

// Sweep attempts to forward every bundle queued for forwarding, oldest first.
//
// A failed bundle is logged and stays queued, the sweep continues with the next one.
func (dispatcher *Dispatcher) Sweep(ctx context.Context) SweepResult {
	ids := dispatcher.store.Forwarding()

	packs := make([]bundle.Pack, 0, len(ids))

	for _, id := range ids {
		if pack, ok := dispatcher.store.Metadata(id); ok {
			packs = append(packs, pack)
		}
	}

	bundle.SortByCreation(packs)

	dispatcher.mSweeps.Inc()
	dispatcher.mQueued.Set(float64(len(packs)))

	var result SweepResult

	for _, pack := range packs {
		if ctx.Err() != nil {
			break
		}

		result.Attempted++

		if err := dispatcher.forwarder.Forward(ctx, pack); err != nil {
			result.Failed++

			dispatcher.mAttempts.WithLabelValues("failure").Inc()
			dispatcher.logger.Warn("error forwarding bundle", zap.String("bundle_id", pack.ID), zap.Error(err))

			continue
		}

		dispatcher.mAttempts.WithLabelValues("success").Inc()
	}

	return result
}

// Trigger requests a sweep ahead of the next tick.
//
// Triggers arriving while a sweep is pending are coalesced.
func (dispatcher *Dispatcher) Trigger() {
	select {
	case dispatcher.triggerCh <- struct{}{}:
	default:
	}
}

// Run sweeps on every tick and trigger until the context is canceled.
func (dispatcher *Dispatcher) Run(ctx context.Context, clock clockwork.Clock, interval time.Duration) {
	dispatcher.logger.Info("start forwarding dispatcher", zap.Duration("interval", interval))

	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		case <-dispatcher.triggerCh:
		}

		result := dispatcher.Sweep(ctx)

		if result.Attempted > 0 {
			dispatcher.logger.Debug("forwarding sweep", zap.Int("attempted", result.Attempted), zap.Int("failed", result.Failed))
		}
	}
}

// Describe implements prom.Collector interface.
func (dispatcher *Dispatcher) Describe(ch chan<- *prom.Desc) {
	prom.DescribeByCollect(dispatcher, ch)
}

// Collect implements prom.Collector interface.
func (dispatcher *Dispatcher) Collect(ch chan<- prom.Metric) {
	ch <- dispatcher.mSweeps
	ch <- dispatcher.mQueued

	dispatcher.mAttempts.Collect(ch)
}

// Check interfaces.
var (
	_ prom.Collector = (*Dispatcher)(nil)
)
