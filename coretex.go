// Package coretex assembles a replicated key-value node: local storage, the
// consistency manager, the quorum coordinator and the listeners that expose them.
package coretex

import (
	"context"
	"errors"
	"sync"

	"github.com/hyp3rd/ewrap"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hyp3rd/coretex/pkg/api"
	"github.com/hyp3rd/coretex/pkg/cluster"
	"github.com/hyp3rd/coretex/pkg/config"
	"github.com/hyp3rd/coretex/pkg/consistency"
	"github.com/hyp3rd/coretex/pkg/coordinator"
	"github.com/hyp3rd/coretex/pkg/logger"
	"github.com/hyp3rd/coretex/pkg/messaging"
	"github.com/hyp3rd/coretex/pkg/middleware"
	"github.com/hyp3rd/coretex/pkg/storage"
	"github.com/hyp3rd/coretex/pkg/storage/redisclient"
	"github.com/hyp3rd/coretex/pkg/transport"
	"github.com/hyp3rd/coretex/pkg/wire"
)

const instrumentationName = "github.com/hyp3rd/coretex"

// Instance is a running node.
type Instance struct {
	cfg  config.Config
	opts options

	log    *logger.Logger
	logger zerolog.Logger

	registry *cluster.Registry
	ring     *cluster.Ring
	backend  storage.Backend
	store    *consistency.Store
	coord    *coordinator.Coordinator
	service  coordinator.Service

	publisher messaging.Publisher
	broker    messaging.Broker

	rpc    *transport.Server
	client *wire.Server
	mgmt   *ManagementHTTPServer
	events *api.Server

	mu      sync.Mutex
	bg      sync.WaitGroup
	cancel  context.CancelFunc
	started bool
	stopped bool
}

// New builds a node from cfg. Nothing listens until Start.
func New(cfg config.Config, opts ...Option) (*Instance, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	inst := &Instance{cfg: cfg}
	for _, o := range opts {
		o(&inst.opts)
	}

	var logOpts []logger.Option
	if inst.opts.logOutput != nil {
		logOpts = append(logOpts, logger.WithConsoleWriter(inst.opts.logOutput))
	}

	inst.log, err = logger.New(cfg.Log, logOpts...)
	if err != nil {
		return nil, err
	}

	inst.logger = inst.log.With().Str("node", cfg.Node.ID).Logger()

	err = inst.build()
	if err != nil {
		_ = inst.release()

		return nil, err
	}

	return inst, nil
}

func (inst *Instance) build() error {
	cfg := inst.cfg

	err := inst.openBackend()
	if err != nil {
		return err
	}

	inst.store, err = consistency.NewStore(cfg.Node.ID, inst.backend,
		consistency.WithLogger(inst.component("consistency")),
		consistency.WithSerializer(cfg.Storage.Serializer),
		consistency.WithEventQueue(cfg.Consistency.EventQueue))
	if err != nil {
		return err
	}

	err = inst.buildMembership()
	if err != nil {
		return err
	}

	cc := cfg.Coordinator()

	dir := transport.NewHTTPDirectory(inst.registry,
		transport.WithCallTimeout(cc.CallTimeout),
		transport.WithLocalReplica(cluster.NodeID(cfg.Node.ID), inst.store))

	inst.coord, err = coordinator.New(cc, inst.ring, dir,
		coordinator.WithLogger(inst.component("coordinator")),
		coordinator.WithNodeID(cfg.Node.ID))
	if err != nil {
		return err
	}

	inst.service, err = inst.decorate(inst.coord)
	if err != nil {
		return err
	}

	err = inst.buildPublisher()
	if err != nil {
		return err
	}

	return inst.buildServers()
}

func (inst *Instance) openBackend() error {
	if inst.opts.backend != nil {
		inst.backend = inst.opts.backend

		return nil
	}

	sc := inst.cfg.Storage

	var rdb redis.UniversalClient

	if sc.Engine == storage.EngineRedis {
		client, err := redisclient.New(
			redisclient.WithAddr(sc.RedisAddr),
			redisclient.WithPassword(sc.RedisPassword),
			redisclient.WithDB(sc.RedisDB))
		if err != nil {
			return err
		}

		rdb = client
	}

	backend, err := storage.Open(storage.OpenOptions{
		Engine:    sc.Engine,
		Dir:       sc.DataDir,
		Redis:     rdb,
		Namespace: sc.Namespace,
	})
	if err != nil {
		if rdb != nil {
			_ = rdb.Close()
		}

		return err
	}

	inst.backend = backend

	return nil
}

func (inst *Instance) buildMembership() error {
	nc := inst.cfg.Node

	inst.registry = cluster.NewRegistry(cluster.WithRegistryLogger(inst.component("membership")))
	inst.ring = cluster.NewRing(cluster.WithVirtualNodes(inst.cfg.Replication.VirtualNodes))

	self := cluster.NewNode(nc.ID, inst.cfg.Advertise(), nc.Weight)

	err := inst.registry.Join(self)
	if err != nil {
		return err
	}

	for _, seed := range nc.Seeds {
		if seed.ID == nc.ID {
			continue
		}

		err = inst.registry.Join(cluster.NewNode(seed.ID, seed.Address, seed.Weight))
		if err != nil {
			return ewrap.Wrapf(err, "seed %s", seed.ID)
		}
	}

	inst.ring.Sync(inst.registry.Nodes())

	return nil
}

// decorate wraps the coordinator with logging, metrics, tracing and any extra middleware.
func (inst *Instance) decorate(svc coordinator.Service) (coordinator.Service, error) {
	meter := inst.opts.meter
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}

	tracer := inst.opts.tracer
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}

	svc = middleware.NewLoggingMiddleware(svc, inst.component("service"))

	svc, err := middleware.NewOTelMetricsMiddleware(svc, meter)
	if err != nil {
		return nil, err
	}

	svc = middleware.NewOTelTracingMiddleware(svc, tracer,
		middleware.WithCommonAttributes(attribute.String("node", inst.cfg.Node.ID)))

	return middleware.Apply(svc, inst.opts.middleware...), nil
}

func (inst *Instance) buildPublisher() error {
	mc := inst.cfg.Messaging

	switch {
	case inst.opts.publisher != nil:
		inst.publisher = inst.opts.publisher
	case len(mc.KafkaServers) > 0:
		k, err := messaging.NewKafka(messaging.KafkaConfig{
			Servers:     mc.KafkaServers,
			TopicPrefix: mc.TopicPrefix,
			ClientID:    inst.cfg.Node.ID,
		})
		if err != nil {
			return err
		}

		inst.publisher = k
	default:
		mem := messaging.NewMemory(inst.cfg.Node.ID,
			messaging.WithQueueSize(mc.QueueSize),
			messaging.WithLogger(inst.component("messaging")))
		inst.publisher = mem
	}

	if b, ok := inst.publisher.(messaging.Broker); ok {
		inst.broker = b
	}

	return nil
}

func (inst *Instance) buildServers() error {
	nc := inst.cfg.Node

	if nc.BindAddress != "" {
		inst.rpc = transport.NewServer(nc.BindAddress, inst.store,
			transport.WithServerLogger(inst.component("rpc")))
	}

	if nc.ClientAddress != "" {
		inst.client = wire.NewServer(nc.ClientAddress, inst.service,
			wire.WithLogger(inst.component("wire")),
			wire.WithRequestTimeout(inst.opts.requestTimeout))
	}

	if nc.ManagementAddress != "" {
		inst.mgmt = NewManagementHTTPServer(nc.ManagementAddress, inst.opts.mgmt...)
	}

	if nc.EventsAddress != "" {
		opts := []api.Option{
			api.WithLogger(inst.component("events")),
			api.WithMembers(inst.registry),
		}
		if len(inst.opts.origins) > 0 {
			opts = append(opts, api.WithAllowedOrigins(inst.opts.origins...))
		}

		events, err := api.NewServer(nc.EventsAddress, inst.store, opts...)
		if err != nil {
			return ewrap.Wrap(err, "events server")
		}

		inst.events = events
	}

	return nil
}

func (inst *Instance) component(name string) zerolog.Logger {
	return inst.logger.With().Str("component", name).Logger()
}

// Start launches background loops and listeners. They run until Stop.
func (inst *Instance) Start(ctx context.Context) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.started {
		return nil
	}

	if inst.stopped {
		return ewrap.New("instance stopped")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	inst.cancel = cancel
	inst.started = true

	inst.bg.Go(func() { _ = inst.ring.Follow(runCtx, inst.registry) })

	events := inst.store.Watch(runCtx)
	topic := inst.cfg.Messaging.EventsTopic

	inst.bg.Go(func() {
		sent := messaging.Forward(runCtx, events, inst.publisher, topic, inst.component("bridge"))
		inst.logger.Debug().Int("events", sent).Msg("event bridge stopped")
	})

	inst.coord.Start(runCtx)

	err := inst.listen(runCtx)
	if err != nil {
		_ = inst.stopLocked(context.WithoutCancel(ctx))

		return err
	}

	// an ephemeral bind port is only known now
	if inst.cfg.Node.AdvertiseAddress == "" && inst.rpc != nil && inst.rpc.Addr() != inst.cfg.Node.BindAddress {
		nc := inst.cfg.Node

		err = inst.registry.Join(cluster.NewNode(nc.ID, inst.rpc.Addr(), nc.Weight))
		if err != nil {
			_ = inst.stopLocked(context.WithoutCancel(ctx))

			return ewrap.Wrapf(err, "advertise %s", inst.rpc.Addr())
		}
	}

	if members, w := len(inst.registry.Nodes()), inst.cfg.Replication.WriteQuorum; members < w {
		inst.logger.Warn().
			Int("members", members).
			Int("write_quorum", w).
			Msg("fewer members than the write quorum, writes fail until more nodes join")
	}

	inst.logger.Info().
		Str("rpc", inst.RPCAddress()).
		Str("client", inst.ClientAddress()).
		Str("management", inst.ManagementAddress()).
		Str("events", inst.EventsAddress()).
		Int("members", len(inst.registry.Nodes())).
		Msg("node started")

	return nil
}

func (inst *Instance) listen(ctx context.Context) error {
	if inst.rpc != nil {
		err := inst.rpc.Start(ctx)
		if err != nil {
			return err
		}
	}

	if inst.client != nil {
		err := inst.client.Start(ctx)
		if err != nil {
			return err
		}
	}

	if inst.mgmt != nil {
		err := inst.mgmt.Start(ctx, inst)
		if err != nil {
			return err
		}
	}

	if inst.events != nil {
		err := inst.events.Start(ctx)
		if err != nil {
			return err
		}
	}

	return nil
}

// Stop shuts listeners down, drains background work and releases storage.
func (inst *Instance) Stop(ctx context.Context) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	return inst.stopLocked(ctx)
}

func (inst *Instance) stopLocked(ctx context.Context) error {
	if inst.stopped {
		return nil
	}

	inst.stopped = true

	var errs []error

	if inst.client != nil {
		errs = append(errs, inst.client.Stop(ctx))
	}

	if inst.events != nil {
		errs = append(errs, inst.events.Stop(ctx))
	}

	if inst.mgmt != nil {
		errs = append(errs, inst.mgmt.Shutdown(ctx))
	}

	if inst.rpc != nil {
		errs = append(errs, inst.rpc.Stop(ctx))
	}

	inst.coord.Stop()

	if inst.cancel != nil {
		inst.cancel()
	}

	inst.bg.Wait()

	errs = append(errs, inst.release())

	inst.logger.Info().Msg("node stopped")

	return errors.Join(errs...)
}

// release closes what build opened, in reverse order.
func (inst *Instance) release() error {
	var errs []error

	if inst.publisher != nil {
		errs = append(errs, inst.publisher.Close())
	}

	if inst.store != nil {
		errs = append(errs, inst.store.Close())
	}

	if inst.registry != nil {
		inst.registry.Close()
	}

	if inst.backend != nil && inst.opts.backend == nil {
		errs = append(errs, inst.backend.Close())
	}

	if inst.log != nil {
		errs = append(errs, inst.log.Close())
	}

	return errors.Join(errs...)
}

// Service returns the decorated client-facing service.
func (inst *Instance) Service() coordinator.Service { return inst.service }

// Coordinator returns the undecorated coordinator.
func (inst *Instance) Coordinator() *coordinator.Coordinator { return inst.coord }

// Store returns the local consistency manager.
func (inst *Instance) Store() *consistency.Store { return inst.store }

// Registry returns the membership registry.
func (inst *Instance) Registry() *cluster.Registry { return inst.registry }

// Ring returns the placement ring.
func (inst *Instance) Ring() *cluster.Ring { return inst.ring }

// Broker returns the in-process broker, or nil when events go to an external publisher.
func (inst *Instance) Broker() messaging.Broker { return inst.broker }

// Config returns the configuration the node was built with.
func (inst *Instance) Config() config.Config { return inst.cfg }

// RPCAddress returns the replica RPC address, empty when disabled.
func (inst *Instance) RPCAddress() string {
	if inst.rpc == nil {
		return ""
	}

	return inst.rpc.Addr()
}

// ClientAddress returns the wire protocol address, empty when disabled.
func (inst *Instance) ClientAddress() string {
	if inst.client == nil {
		return ""
	}

	return inst.client.Addr()
}

// ManagementAddress returns the management HTTP address, empty when disabled.
func (inst *Instance) ManagementAddress() string {
	if inst.mgmt == nil {
		return ""
	}

	return inst.mgmt.Address()
}

// EventsAddress returns the event stream address, empty when disabled.
func (inst *Instance) EventsAddress() string {
	if inst.events == nil {
		return ""
	}

	return inst.events.Addr()
}
