// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package main implements the node daemon entrypoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/siderolabs/go-debug"
	"go.uber.org/zap"

	"github.com/dtnkit/dtnd/internal/cla"
	"github.com/dtnkit/dtnd/internal/routing"
	"github.com/dtnkit/dtnd/pkg/limits"
	"github.com/dtnkit/dtnd/pkg/service"
)

// stringList is a repeatable string flag.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(value string) error {
	*l = append(*l, value)

	return nil
}

// serviceList is a repeatable tag:value flag.
type serviceList map[uint8]string

func (l serviceList) String() string {
	parts := make([]string, 0, len(l))

	for tag, value := range l {
		parts = append(parts, strconv.Itoa(int(tag))+":"+value)
	}

	return strings.Join(parts, ",")
}

func (l serviceList) Set(value string) error {
	tagStr, v, ok := strings.Cut(value, ":")
	if !ok {
		return fmt.Errorf("expected tag:value, got %q", value)
	}

	tag, err := strconv.ParseUint(tagStr, 10, 8)
	if err != nil {
		return fmt.Errorf("invalid service tag %q: %w", tagStr, err)
	}

	l[uint8(tag)] = v

	return nil
}

var (
	nodeID                 = ""
	routingAgent           = routing.Epidemic
	discoveryGroup         = limits.DiscoveryGroup
	discoveryInterface     = ""
	discoveryTTL           = limits.DiscoveryTTL
	discoveryDisabled      = false
	landingAddr            = ":3000"
	metricsAddr            = ":2122"
	debugAddr              = ":2123"
	devMode                = false
	announceInterval       = limits.AnnounceInterval
	peerStaleness          = limits.PeerStaleness
	gcInterval             = limits.JanitorInterval
	dispatchInterval       = limits.DispatchInterval
	snapshotsEnabled       = true
	snapshotPath           = "/var/lib/dtnd/peers.binpb"
	snapshotInterval       = limits.SnapshotInterval
	snapshotRedisAddr      = ""
	skipInvalidStaticPeers = false
	convergenceLayers      stringList
	staticPeers            stringList
	services               = serviceList{}
)

func init() {
	hostname, _ := os.Hostname() //nolint:errcheck
	nodeID = hostname

	flag.StringVar(&nodeID, "node-id", nodeID, "node id, the node endpoint is dtn://<node-id>")
	flag.StringVar(&routingAgent, "routing", routingAgent, "routing agent, one of "+strings.Join(routing.Names(), ", "))
	flag.Var(&convergenceLayers, "cla", "active convergence layer as name[:port], one of "+strings.Join(cla.KnownNames(), ", ")+" (repeatable)")
	flag.Var(&staticPeers, "static-peer", "static peer as scheme://host[:port]/node-id (repeatable)")
	flag.BoolVar(&skipInvalidStaticPeers, "skip-invalid-static-peers", skipInvalidStaticPeers, "skip invalid static peers instead of failing to start")
	flag.Var(services, "service", "service advertised to peers as tag:value (repeatable)")
	flag.StringVar(&discoveryGroup, "discovery-group", discoveryGroup, "discovery multicast group addr")
	flag.StringVar(&discoveryInterface, "discovery-interface", discoveryInterface, "interface used for discovery (empty for the system default)")
	flag.IntVar(&discoveryTTL, "discovery-ttl", discoveryTTL, "discovery multicast TTL")
	flag.BoolVar(&discoveryDisabled, "discovery-disabled", discoveryDisabled, "disable peer discovery")
	flag.DurationVar(&announceInterval, "announce-interval", announceInterval, "interval between announcements")
	flag.DurationVar(&peerStaleness, "peer-timeout", peerStaleness, "time after which a silent dynamic peer is removed")
	flag.DurationVar(&gcInterval, "gc-interval", gcInterval, "peer garbage collection interval")
	flag.DurationVar(&dispatchInterval, "dispatch-interval", dispatchInterval, "interval between forwarding sweeps")
	flag.StringVar(&landingAddr, "landing-addr", landingAddr, "addr on which to listen for the status page (set to empty to disable)")
	flag.StringVar(&metricsAddr, "metrics-addr", metricsAddr, "prometheus metrics listen addr (set to empty to disable)")
	flag.BoolVar(&devMode, "debug", devMode, "enable debug mode")
	flag.BoolVar(&snapshotsEnabled, "snapshots-enabled", snapshotsEnabled, "enable peer snapshots")
	flag.StringVar(&snapshotPath, "snapshot-path", snapshotPath, "path to the snapshot file")
	flag.DurationVar(&snapshotInterval, "snapshot-interval", snapshotInterval, "interval to save the snapshot")
	flag.StringVar(&snapshotRedisAddr, "snapshot-redis-addr", snapshotRedisAddr, "redis addr to keep the snapshot in instead of the snapshot file")

	if debug.Enabled {
		flag.StringVar(&debugAddr, "debug-addr", debugAddr, "debug (pprof, trace, expvar) listen addr")
	}
}

func main() {
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalln("failed to initialize logger:", err)
	}

	if os.Getenv("MODE") == "dev" {
		devMode = true
	}

	if devMode {
		logger, err = zap.NewDevelopment()
		if err != nil {
			log.Fatalln("failed to initialize development logger:", err)
		}
	}

	zap.ReplaceGlobals(logger)
	zap.RedirectStdLog(logger)

	if len(convergenceLayers) == 0 {
		convergenceLayers = stringList{fmt.Sprintf("%s:%d", cla.MTCP, cla.DefaultMTCPPort)}
	}

	if err = signalHandler(context.Background(), logger, func(ctx context.Context, logger *zap.Logger) error {
		return service.Run(ctx, service.Options{
			NodeID:                 nodeID,
			RoutingAgent:           routingAgent,
			ConvergenceLayers:      convergenceLayers,
			StaticPeers:            staticPeers,
			SkipInvalidStaticPeers: skipInvalidStaticPeers,
			Services:               services,

			DiscoveryDisabled:  discoveryDisabled,
			DiscoveryGroup:     discoveryGroup,
			DiscoveryInterface: discoveryInterface,
			DiscoveryTTL:       discoveryTTL,

			AnnounceInterval: announceInterval,
			PeerStaleness:    peerStaleness,
			GCInterval:       gcInterval,
			DispatchInterval: dispatchInterval,

			SnapshotsEnabled: snapshotsEnabled,
			SnapshotPath:     snapshotPath,
			SnapshotInterval: snapshotInterval,

			SnapshotRedisAddr: snapshotRedisAddr,

			LandingServerEnabled: landingAddr != "",
			LandingAddr:          landingAddr,

			DebugServerEnabled: debugAddr != "",
			DebugAddr:          debugAddr,

			MetricsServerEnabled: metricsAddr != "",
			MetricsAddr:          metricsAddr,

			MetricsRegisterer: prometheus.DefaultRegisterer,
		}, logger)
	}); err != nil {
		logger.Error("service failed", zap.Error(err))

		os.Exit(1)
	}
}

func signalHandler(ctx context.Context, logger *zap.Logger, f func(ctx context.Context, logger *zap.Logger) error) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return f(ctx, logger)
}
