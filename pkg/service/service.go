// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package service implements the high-level node entry point.
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/siderolabs/go-debug"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dtnkit/dtnd/internal/bundle"
	"github.com/dtnkit/dtnd/internal/cla"
	"github.com/dtnkit/dtnd/internal/discovery"
	"github.com/dtnkit/dtnd/internal/dispatcher"
	"github.com/dtnkit/dtnd/internal/landing"
	"github.com/dtnkit/dtnd/internal/limiter"
	"github.com/dtnkit/dtnd/internal/node"
	"github.com/dtnkit/dtnd/internal/processing"
	"github.com/dtnkit/dtnd/internal/routing"
	internalstate "github.com/dtnkit/dtnd/internal/state"
	"github.com/dtnkit/dtnd/internal/state/storage"
	"github.com/dtnkit/dtnd/pkg/limits"
	"github.com/dtnkit/dtnd/pkg/peerspec"
	"github.com/dtnkit/dtnd/pkg/state"
	pkgstorage "github.com/dtnkit/dtnd/pkg/storage"
	"github.com/dtnkit/dtnd/pkg/types"
)

// Options are the configuration options for the node.
type Options struct {
	MetricsRegisterer prom.Registerer

	// Clock defaults to the real clock.
	Clock clockwork.Clock

	// Bundles is the bundle store, a new in-memory store is used if nil.
	Bundles *bundle.MemoryStore

	// Services are advertised to peers in every announcement.
	Services map[uint8]string

	NodeID       string
	RoutingAgent string

	DiscoveryGroup     string
	DiscoveryInterface string

	LandingAddr  string
	MetricsAddr  string
	SnapshotPath string
	DebugAddr    string

	// SnapshotRedisAddr stores snapshots in redis instead of SnapshotPath when set.
	SnapshotRedisAddr string

	// ConvergenceLayers are the active convergence layers in name[:port] form.
	ConvergenceLayers []string
	// StaticPeers are the operator configured peers in scheme://host[:port]/node-id form.
	StaticPeers []string

	AnnounceInterval time.Duration
	PeerStaleness    time.Duration
	GCInterval       time.Duration
	DispatchInterval time.Duration
	SnapshotInterval time.Duration

	DiscoveryTTL int

	// SkipInvalidStaticPeers logs and skips invalid static peers instead of failing startup.
	SkipInvalidStaticPeers bool
	// AcceptOwnAnnouncements disables the filter dropping the node's own announcements.
	AcceptOwnAnnouncements bool
	DiscoveryDisabled      bool

	LandingServerEnabled bool
	DebugServerEnabled   bool
	MetricsServerEnabled bool
	SnapshotsEnabled     bool
}

// Node is the assembled node, ready to be run.
type Node struct {
	Registry   *node.Registry
	State      *state.State
	Bundles    *bundle.MemoryStore
	Dispatcher *dispatcher.Dispatcher
	Forwarder  *processing.Forwarder

	logger  *zap.Logger
	options Options
}

// New assembles the node: the registry, the peer directory with the static peers, and the forwarding pipeline.
func New(options Options, logger *zap.Logger) (*Node, error) {
	options.setDefaults()

	if options.NodeID == "" {
		return nil, errors.New("node ID is required")
	}

	layers := make([]cla.ConvergenceLayer, 0, len(options.ConvergenceLayers))

	for _, spec := range options.ConvergenceLayers {
		announced, err := types.ParseConvergenceLayer(spec)
		if err != nil {
			return nil, err
		}

		layer, err := cla.New(announced)
		if err != nil {
			return nil, fmt.Errorf("failed to set up convergence layer %q: %w", spec, err)
		}

		layers = append(layers, layer)
	}

	routingAgent, err := routing.New(options.RoutingAgent)
	if err != nil {
		return nil, err
	}

	registry := node.NewRegistry(types.NodeEndpointID(options.NodeID), layers, routingAgent, logger)
	registry.RegisterApplicationAgent(node.NewApplicationAgent(registry.NodeID()))

	for tag, value := range options.Services {
		registry.AddService(tag, value)
	}

	st := state.NewState(logger, options.PeerStaleness, state.WithClock(options.Clock))

	if err = registerStaticPeers(st, options, logger); err != nil {
		return nil, err
	}

	bundles := options.Bundles
	if bundles == nil {
		bundles = bundle.NewMemoryStore()
	}

	forwarder := processing.NewForwarder(registry, st, bundles, logger)

	return &Node{
		Registry:   registry,
		State:      st,
		Bundles:    bundles,
		Forwarder:  forwarder,
		Dispatcher: dispatcher.New(bundles, forwarder, logger),
		logger:     logger,
		options:    options,
	}, nil
}

func (options *Options) setDefaults() {
	if options.Clock == nil {
		options.Clock = clockwork.NewRealClock()
	}

	if options.RoutingAgent == "" {
		options.RoutingAgent = routing.Epidemic
	}

	if options.DiscoveryGroup == "" {
		options.DiscoveryGroup = limits.DiscoveryGroup
	}

	if options.DiscoveryTTL == 0 {
		options.DiscoveryTTL = limits.DiscoveryTTL
	}

	for _, d := range []struct {
		value *time.Duration
		def   time.Duration
	}{
		{&options.AnnounceInterval, limits.AnnounceInterval},
		{&options.PeerStaleness, limits.PeerStaleness},
		{&options.GCInterval, limits.JanitorInterval},
		{&options.DispatchInterval, limits.DispatchInterval},
		{&options.SnapshotInterval, limits.SnapshotInterval},
	} {
		if *d.value <= 0 {
			*d.value = d.def
		}
	}
}

func registerStaticPeers(st *state.State, options Options, logger *zap.Logger) error {
	knownLayers := cla.KnownNames()
	now := options.Clock.Now()

	for _, spec := range options.StaticPeers {
		peer, err := peerspec.Parse(spec, knownLayers)
		if err != nil {
			if !options.SkipInvalidStaticPeers {
				return fmt.Errorf("invalid static peer: %w", err)
			}

			logger.Warn("skipping invalid static peer", zap.String("peer", spec), zap.Error(err))

			continue
		}

		st.RegisterStatic(peer, now)
	}

	return nil
}

// Run assembles and runs the node with the given options.
func Run(ctx context.Context, options Options, logger *zap.Logger) error {
	n, err := New(options, logger)
	if err != nil {
		return err
	}

	return n.Run(ctx)
}

// Run runs all node tasks until the context is canceled or one of them fails.
func (n *Node) Run(ctx context.Context) error {
	options, logger := n.options, n.logger
	clock := options.Clock

	logger.Info("service starting", zap.Stringer("node_id", n.Registry.NodeID()))

	defer logger.Info("service shut down")

	var err error

	var stateStorage *storage.Storage

	if options.SnapshotsEnabled {
		var store pkgstorage.SnapshotStore = &storage.FileStore{Path: options.SnapshotPath}

		if options.SnapshotRedisAddr != "" {
			redisStore, redisErr := storage.NewRedisStore(ctx, options.SnapshotRedisAddr, "dtnd:"+options.NodeID+":peers", 0)
			if redisErr != nil {
				return redisErr
			}

			defer redisStore.Close() //nolint:errcheck

			store = redisStore
		}

		stateStorage = storage.New(store, n.State, logger)

		if err = stateStorage.Load(ctx); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				logger.Info("no snapshot to load")
			} else {
				logger.Warn("failed to load state from storage", zap.Error(err))
			}
		}
	} else {
		logger.Info("snapshots are disabled")
	}

	ipLimiter := limiter.NewIPRateLimiter(rate.Limit(limits.DiscoveryRatePerSecondMax), limits.DiscoveryBurstSizeMax)

	var (
		listener     *discovery.Listener
		announcer    *discovery.Announcer
		listenConn   *net.UDPConn
		announceConn *net.UDPConn
	)

	if !options.DiscoveryDisabled {
		group, groupErr := discovery.ParseGroup(options.DiscoveryGroup)
		if groupErr != nil {
			return groupErr
		}

		if listenConn, err = discovery.ListenGroup(options.DiscoveryInterface, group); err != nil {
			return err
		}

		if announceConn, err = discovery.DialGroup(options.DiscoveryInterface, options.DiscoveryTTL); err != nil {
			listenConn.Close() //nolint:errcheck

			return err
		}

		defer announceConn.Close() //nolint:errcheck

		listenerOptions := discovery.ListenerOptions{
			Limiter: ipLimiter,
			Clock:   clock,
		}

		if !options.AcceptOwnAnnouncements {
			localAddrs, addrsErr := discovery.LocalAddrs()
			if addrsErr != nil {
				logger.Warn("failed to list local addresses, own announcements are not filtered", zap.Error(addrsErr))
			} else {
				listenerOptions.IsSelf = discovery.SelfFilter(localAddrs, uint16(announceConn.LocalAddr().(*net.UDPAddr).Port)) //nolint:forcetypeassert,errcheck
			}
		}

		listener = discovery.NewListener(n.State, logger, listenerOptions)
		announcer = discovery.NewAnnouncer(n.Registry, announceConn, group, logger)
	} else {
		logger.Info("discovery is disabled")
	}

	var (
		metricsServer http.Server
		landingServer http.Server
		landingLis    net.Listener
	)

	if options.MetricsServerEnabled {
		var metricsMux http.ServeMux

		metricsMux.Handle("/metrics", promhttp.Handler())

		metricsServer = http.Server{
			Addr:    options.MetricsAddr,
			Handler: &metricsMux,
		}
	}

	if options.LandingServerEnabled {
		if landingLis, err = net.Listen("tcp", options.LandingAddr); err != nil {
			if listenConn != nil {
				listenConn.Close() //nolint:errcheck
			}

			return fmt.Errorf("failed to listen: %w", err)
		}

		landingServer = http.Server{
			Handler: landing.Handler(n.Registry.NodeID(), n.State, n.Bundles, logger),
		}
	}

	if options.MetricsRegisterer != nil {
		collectors := []prom.Collector{n.State, n.Dispatcher}

		if stateStorage != nil {
			collectors = append(collectors, stateStorage)
		}

		if listener != nil {
			collectors = append(collectors, listener, announcer)
		}

		defer unregisterCollectors(options.MetricsRegisterer, collectors...)

		if err = registerCollectors(options.MetricsRegisterer, collectors...); err != nil {
			if listenConn != nil {
				listenConn.Close() //nolint:errcheck
			}

			return fmt.Errorf("failed to register collectors: %w", err)
		}
	}

	eg, ctx := errgroup.WithContext(ctx)

	if options.SnapshotsEnabled {
		eg.Go(func() error {
			return stateStorage.Start(ctx, clock, options.SnapshotInterval)
		})
	}

	if listener != nil {
		eg.Go(func() error {
			return listener.Run(ctx, listenConn)
		})

		eg.Go(func() error {
			announcer.Run(ctx, clock, options.AnnounceInterval)

			return nil
		})

		eg.Go(func() error {
			ipLimiter.RunGC(ctx, clock, limits.IPRateGarbageCollectionPeriod)

			return nil
		})
	}

	eg.Go(func() error {
		n.State.RunGC(ctx, clock, options.GCInterval)

		return nil
	})

	eg.Go(func() error {
		n.Dispatcher.Run(ctx, clock, options.DispatchInterval)

		return nil
	})

	eg.Go(func() error {
		return watchPeers(ctx, n.State.Directory(), n.Dispatcher, logger)
	})

	if options.LandingServerEnabled {
		eg.Go(func() error {
			logger.Info("landing server starting", zap.Stringer("address", landingLis.Addr()))

			if serveErr := landingServer.Serve(landingLis); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
				return fmt.Errorf("failed to serve: %w", serveErr)
			}

			return nil
		})
	}

	if options.MetricsServerEnabled {
		eg.Go(func() error {
			logger.Info("metrics starting", zap.String("address", metricsServer.Addr))

			if serveErr := metricsServer.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
				return serveErr
			}

			return nil
		})
	}

	eg.Go(func() error {
		<-ctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if options.LandingServerEnabled {
			landingServer.Shutdown(shutdownCtx) //nolint:errcheck,contextcheck
		}

		if options.MetricsServerEnabled {
			metricsServer.Shutdown(shutdownCtx) //nolint:errcheck,contextcheck
		}

		return nil
	})

	if options.DebugServerEnabled {
		eg.Go(func() error {
			return debug.ListenAndServe(ctx, options.DebugAddr, func(msg string) { logger.Info(msg) })
		})
	}

	return eg.Wait()
}

// watchPeers triggers a forwarding sweep whenever a peer is added or changes.
//
// A subscription which fell behind is replaced by a fresh one.
func watchPeers(ctx context.Context, directory *internalstate.Directory, d *dispatcher.Dispatcher, logger *zap.Logger) error {
	for {
		ch := make(chan *internalstate.Notification, 32)

		_, subscription := directory.Subscribe(ch)

		err := func() error {
			defer subscription.Close()

			for {
				select {
				case <-ctx.Done():
					return nil
				case err := <-subscription.ErrCh():
					return err
				case notification := <-ch:
					if notification.Peer != nil {
						d.Trigger()
					}
				}
			}
		}()

		if ctx.Err() != nil {
			return nil //nolint:nilerr
		}

		logger.Warn("peer subscription lost, resubscribing", zap.Error(err))

		// peers may have changed while the subscription was lost
		d.Trigger()
	}
}

func unregisterCollectors(registerer prom.Registerer, collectors ...prom.Collector) {
	for _, collector := range collectors {
		if collector == nil {
			continue
		}

		registerer.Unregister(collector)
	}
}

func registerCollectors(registerer prom.Registerer, collectors ...prom.Collector) (err error) {
	for _, collector := range collectors {
		if collector == nil {
			continue
		}

		if err = registerer.Register(collector); err != nil {
			return fmt.Errorf("failed to register collector: %w", err)
		}
	}

	return nil
}

// Check interfaces.
var (
	_ discovery.PeerUpserter = (*state.State)(nil)
)
