// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package discovery

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/jonboulle/clockwork"
	prom "github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dtnkit/dtnd/pkg/types"
)

// Advertiser provides the local capabilities to announce.
type Advertiser interface {
	Announced() []types.ConvergenceLayer
	Services() map[uint8]string
}

// Announcer periodically multicasts the node announcement.
type Announcer struct {
	advertiser Advertiser
	conn       net.PacketConn
	group      net.Addr
	logger     *zap.Logger

	mSent *prom.CounterVec
}

// NewAnnouncer creates an Announcer sending on conn to the group address.
func NewAnnouncer(advertiser Advertiser, conn net.PacketConn, group net.Addr, logger *zap.Logger) *Announcer {
	announcer := &Announcer{
		advertiser: advertiser,
		conn:       conn,
		group:      group,
		logger:     logger.With(zap.String("component", "announcer")),
		mSent: prom.NewCounterVec(prom.CounterOpts{
			Name: "dtnd_discovery_announcements_total",
			Help: "The number of announcements sent by result.",
		}, []string{"result"}),
	}

	// initialize vectors to set correct descriptors
	announcer.mSent.WithLabelValues("success")
	announcer.mSent.WithLabelValues("failure")

	return announcer
}

// Announce sends a single announcement.
func (announcer *Announcer) Announce(ctx context.Context) error {
	payload, err := NewAnnouncement(announcer.advertiser.Announced(), announcer.advertiser.Services()).Marshal()
	if err != nil {
		return fmt.Errorf("error encoding announcement: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err = announcer.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
	}

	if _, err = announcer.conn.WriteTo(payload, announcer.group); err != nil {
		return fmt.Errorf("error sending announcement to %s: %w", announcer.group, err)
	}

	return nil
}

// Run announces immediately and then on every tick until the context is canceled.
//
// Send failures are logged, the next tick retries.
func (announcer *Announcer) Run(ctx context.Context, clock clockwork.Clock, interval time.Duration) {
	announcer.logger.Info("start announcing",
		zap.Stringer("group", announcer.group),
		zap.Duration("interval", interval),
	)

	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	for ctx.Err() == nil {
		sendCtx, cancel := context.WithTimeout(ctx, interval)
		err := announcer.Announce(sendCtx)

		cancel()

		if err != nil {
			announcer.mSent.WithLabelValues("failure").Inc()
			announcer.logger.Warn("error sending announcement", zap.Error(err))
		} else {
			announcer.mSent.WithLabelValues("success").Inc()
		}

		select {
		case <-ctx.Done():
		case <-ticker.Chan():
		}
	}
}

// Describe implements prom.Collector interface.
func (announcer *Announcer) Describe(ch chan<- *prom.Desc) {
	prom.DescribeByCollect(announcer, ch)
}

// Collect implements prom.Collector interface.
func (announcer *Announcer) Collect(ch chan<- prom.Metric) {
	announcer.mSent.Collect(ch)
}
