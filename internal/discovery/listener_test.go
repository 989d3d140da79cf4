// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package discovery_test

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync/atomic"
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
	"golang.org/x/time/rate"

	"github.com/dtnkit/dtnd/internal/discovery"
	"github.com/dtnkit/dtnd/internal/limiter"
	"github.com/dtnkit/dtnd/pkg/state"
	"github.com/dtnkit/dtnd/pkg/types"
)

func announcement(t *testing.T, eid string, layers ...string) []byte {
	t.Helper()

	return mustMarshal(t, map[string]any{"eid": eid, "cl": layers})
}

func TestHandlePacket(t *testing.T) {
	t.Parallel()

	st := state.NewState(zaptest.NewLogger(t), 20*time.Second)
	listener := discovery.NewListener(st, zaptest.NewLogger(t), discovery.ListenerOptions{})

	src := netip.MustParseAddrPort("192.168.1.10:40000")
	now := time.Now()

	// a bad datagram leaves the directory untouched
	assert.ErrorIs(t, listener.HandlePacket(src, []byte("not cbor at all"), now), discovery.ErrDecode)
	assert.Empty(t, st.List())

	// and the next one is processed
	require.NoError(t, listener.HandlePacket(src, announcement(t, "", "mtcp:16162"), now))
	require.NoError(t, listener.HandlePacket(src, announcement(t, "dtn://node1", "mtcp:16162", "dummy"), now.Add(5*time.Second)))

	peers := st.List()
	require.Len(t, peers, 1)

	peer := peers[0]
	assert.Equal(t, "192.168.1.10", peer.Address.Key())
	assert.Equal(t, types.EndpointID("dtn://node1"), peer.EID)
	assert.Equal(t, types.PeerTypeDynamic, peer.Type)
	assert.Equal(t, []types.ConvergenceLayer{{Name: "mtcp", Port: 16162}, {Name: "dummy"}}, peer.ConvergenceLayers)
	assert.True(t, peer.LastSeen.Equal(now.Add(5*time.Second)))

	assert.Equal(t, 4, promtestutil.CollectAndCount(listener, "dtnd_discovery_packets_total"))
}

func TestHandlePacketRateLimit(t *testing.T) {
	t.Parallel()

	st := state.NewState(zaptest.NewLogger(t), 20*time.Second)
	listener := discovery.NewListener(st, zaptest.NewLogger(t), discovery.ListenerOptions{
		Limiter: limiter.NewIPRateLimiter(rate.Limit(1), 2),
	})

	now := time.Now()
	flooder := netip.MustParseAddrPort("10.0.0.66:3003")

	require.NoError(t, listener.HandlePacket(flooder, announcement(t, "", "dummy"), now))
	require.NoError(t, listener.HandlePacket(flooder, announcement(t, "", "dummy"), now))
	assert.ErrorIs(t, listener.HandlePacket(flooder, announcement(t, "", "dummy"), now), discovery.ErrRateLimited)

	// other sources are not affected
	require.NoError(t, listener.HandlePacket(netip.MustParseAddrPort("10.0.0.2:3003"), announcement(t, "", "dummy"), now))

	// tokens refill over time
	require.NoError(t, listener.HandlePacket(flooder, announcement(t, "", "dummy"), now.Add(time.Second)))

	assert.Len(t, st.List(), 2)
}

func TestHandlePacketSelf(t *testing.T) {
	t.Parallel()

	st := state.NewState(zaptest.NewLogger(t), 20*time.Second)
	listener := discovery.NewListener(st, zaptest.NewLogger(t), discovery.ListenerOptions{
		IsSelf: discovery.SelfFilter([]netip.Addr{netip.MustParseAddr("10.0.0.1")}, 50000),
	})

	now := time.Now()

	assert.ErrorIs(t, listener.HandlePacket(netip.MustParseAddrPort("10.0.0.1:50000"), announcement(t, "", "dummy"), now), discovery.ErrSelf)

	// another node on the same host
	require.NoError(t, listener.HandlePacket(netip.MustParseAddrPort("10.0.0.1:50001"), announcement(t, "", "dummy"), now))

	assert.Len(t, st.List(), 1)
}

func TestHandlePacketInvalidLayers(t *testing.T) {
	t.Parallel()

	st := state.NewState(zaptest.NewLogger(t), 20*time.Second)
	listener := discovery.NewListener(st, zaptest.NewLogger(t), discovery.ListenerOptions{})

	require.NoError(t, listener.HandlePacket(
		netip.MustParseAddrPort("192.168.1.11:40000"),
		announcement(t, "dtn://node3", "mtcp:16162", "http:8080/api", ""),
		time.Now(),
	))

	peer, ok := st.Get("192.168.1.11")
	require.True(t, ok)

	assert.Equal(t, types.EndpointID("dtn://node3"), peer.EID)
	assert.Equal(t, []types.ConvergenceLayer{{Name: "mtcp", Port: 16162}}, peer.ConvergenceLayers)
}

func TestListenerRun(t *testing.T) {
	t.Parallel()

	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)

	core, logs := observer.New(zapcore.DebugLevel)

	st := state.NewState(zaptest.NewLogger(t), 20*time.Second)
	listener := discovery.NewListener(st, zap.New(core), discovery.ListenerOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	errCh := make(chan error, 1)

	go func() {
		errCh <- listener.Run(ctx, conn)
	}()

	sender, err := net.Dial("udp4", conn.LocalAddr().String())
	require.NoError(t, err)

	t.Cleanup(func() { sender.Close() }) //nolint:errcheck

	_, err = sender.Write([]byte{0xff, 0xff})
	require.NoError(t, err)

	_, err = sender.Write(make([]byte, 2000))
	require.NoError(t, err)

	_, err = sender.Write(announcement(t, "dtn://node2", "mtcp:16162"))
	require.NoError(t, err)

	require.EventuallyWithT(t, func(collect *assert.CollectT) {
		peer, ok := st.Get("127.0.0.1")
		if !assert.True(collect, ok) {
			return
		}

		assert.Equal(collect, types.EndpointID("dtn://node2"), peer.EID)
	}, 5*time.Second, 10*time.Millisecond)

	cancel()

	require.NoError(t, <-errCh)

	assert.Equal(t, 1, logs.FilterMessage("dropping oversized announcement").Len())

	dropped := logs.FilterMessage("dropping announcement").All()
	require.Len(t, dropped, 1)
	assert.Equal(t, zapcore.WarnLevel, dropped[0].Level)
	assert.Equal(t, "127.0.0.1", netip.MustParseAddrPort(dropped[0].ContextMap()["source"].(string)).Addr().String())
	assert.Contains(t, dropped[0].ContextMap()["error"], discovery.ErrDecode.Error())
}

type failingConn struct {
	net.PacketConn

	reads atomic.Int32
}

func (conn *failingConn) ReadFrom([]byte) (int, net.Addr, error) {
	conn.reads.Add(1)

	return 0, nil, errors.New("network is down")
}

func (conn *failingConn) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 3003}
}

func (conn *failingConn) Close() error {
	return nil
}

func TestListenerReadErrorBackoff(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	conn := &failingConn{}

	st := state.NewState(zaptest.NewLogger(t), 20*time.Second)
	listener := discovery.NewListener(st, zaptest.NewLogger(t), discovery.ListenerOptions{Clock: clock})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	errCh := make(chan error, 1)

	go func() {
		errCh <- listener.Run(ctx, conn)
	}()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.EqualValues(t, 1, conn.reads.Load())

	clock.Advance(time.Second)

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.EqualValues(t, 2, conn.reads.Load())

	cancel()

	require.NoError(t, <-errCh)
}
