// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package discovery

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"time"

	"github.com/jonboulle/clockwork"
	prom "github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dtnkit/dtnd/internal/limiter"
	"github.com/dtnkit/dtnd/internal/state"
	"github.com/dtnkit/dtnd/pkg/limits"
	"github.com/dtnkit/dtnd/pkg/types"
)

const readErrorBackoff = 100 * time.Millisecond

// Packet drop reasons.
var (
	ErrRateLimited = errors.New("announcement rate limit exceeded")
	ErrSelf        = errors.New("own announcement")
)

// PeerUpserter accepts discovered peers.
type PeerUpserter interface {
	Upsert(peer *state.Peer, now time.Time)
}

// ListenerOptions configure the Listener.
type ListenerOptions struct {
	// Limiter throttles announcements per source IP, nil disables throttling.
	Limiter *limiter.IPRateLimiter
	// IsSelf reports datagrams sent by this node, nil disables the filter.
	IsSelf func(src netip.AddrPort) bool
	// Clock defaults to the real clock.
	Clock clockwork.Clock
}

// Listener receives announcements and records the senders as dynamic peers.
type Listener struct {
	peers   PeerUpserter
	logger  *zap.Logger
	limiter *limiter.IPRateLimiter
	isSelf  func(netip.AddrPort) bool
	clock   clockwork.Clock

	mPackets *prom.CounterVec
}

// NewListener creates a Listener.
func NewListener(peers PeerUpserter, logger *zap.Logger, opts ListenerOptions) *Listener {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	listener := &Listener{
		peers:   peers,
		logger:  logger.With(zap.String("component", "listener")),
		limiter: opts.Limiter,
		isSelf:  opts.IsSelf,
		clock:   opts.Clock,
		mPackets: prom.NewCounterVec(prom.CounterOpts{
			Name: "dtnd_discovery_packets_total",
			Help: "The number of received discovery datagrams by result.",
		}, []string{"result"}),
	}

	// initialize vectors to set correct descriptors
	for _, result := range []string{"accepted", "decode_error", "rate_limited", "self"} {
		listener.mPackets.WithLabelValues(result)
	}

	return listener
}

// HandlePacket processes a single datagram received from src.
func (listener *Listener) HandlePacket(src netip.AddrPort, payload []byte, now time.Time) error {
	if listener.isSelf != nil && listener.isSelf(src) {
		listener.mPackets.WithLabelValues("self").Inc()

		return ErrSelf
	}

	ip := src.Addr().Unmap()

	if listener.limiter != nil && !listener.limiter.Allow(ip, now) {
		listener.mPackets.WithLabelValues("rate_limited").Inc()

		return ErrRateLimited
	}

	announcement, err := DecodeAnnouncement(payload)
	if err != nil {
		listener.mPackets.WithLabelValues("decode_error").Inc()

		return err
	}

	layers, skipped := announcement.Layers()
	if len(skipped) > 0 {
		listener.logger.Debug("ignoring invalid convergence layers", zap.Stringer("source", src), zap.Strings("layers", skipped))
	}

	listener.peers.Upsert(
		state.NewPeer(types.EndpointID(announcement.EID), types.IPAddress(ip), types.PeerTypeDynamic, layers, announcement.Services),
		now,
	)

	listener.mPackets.WithLabelValues("accepted").Inc()

	return nil
}

// Run receives datagrams from conn until the context is canceled.
//
// The connection is closed on return. A bad datagram never stops the loop.
func (listener *Listener) Run(ctx context.Context, conn net.PacketConn) error {
	listener.logger.Info("start listening", zap.Stringer("local_addr", conn.LocalAddr()))

	stop := context.AfterFunc(ctx, func() {
		conn.Close() //nolint:errcheck
	})
	defer stop()

	// one extra byte detects truncated datagrams
	buf := make([]byte, limits.AnnouncementSizeMax+1)

	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil //nolint:nilerr
			}

			if errors.Is(err, net.ErrClosed) {
				return err
			}

			listener.logger.Warn("error receiving announcement", zap.Error(err))

			select {
			case <-ctx.Done():
				return nil
			case <-listener.clock.After(readErrorBackoff):
			}

			continue
		}

		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}

		src := udpAddr.AddrPort()

		if n > limits.AnnouncementSizeMax {
			listener.mPackets.WithLabelValues("decode_error").Inc()
			listener.logger.Warn("dropping oversized announcement", zap.Stringer("source", src))

			continue
		}

		err = listener.HandlePacket(src, buf[:n], listener.clock.Now())

		switch {
		case err == nil:
		case errors.Is(err, ErrSelf):
		case errors.Is(err, ErrRateLimited):
			listener.logger.Debug("dropping announcement", zap.Stringer("source", src), zap.Error(err))
		default:
			listener.logger.Warn("dropping announcement", zap.Stringer("source", src), zap.Error(err))
		}
	}
}

// Describe implements prom.Collector interface.
func (listener *Listener) Describe(ch chan<- *prom.Desc) {
	prom.DescribeByCollect(listener, ch)
}

// Collect implements prom.Collector interface.
func (listener *Listener) Collect(ch chan<- prom.Metric) {
	listener.mPackets.Collect(ch)
}

// Check interfaces.
var (
	_ prom.Collector = (*Announcer)(nil)
	_ prom.Collector = (*Listener)(nil)
)
