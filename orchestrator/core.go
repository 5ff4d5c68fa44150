// Package orchestrator assembles the coordination core and exposes its
// façade. New builds every subsystem from one core.Config: the message
// broker (plus a second broker when the container domain is enabled), the
// rate limiter, the circuit breaker registry, the guarded communication
// manager, the task distributor, and the optional telemetry provider and
// NATS egress bridge. The façade methods mirror the subsystem surface;
// each validates the caller's token against the operation's scope before
// dispatching.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentmesh/agentmesh/bridge"
	"github.com/agentmesh/agentmesh/broker"
	"github.com/agentmesh/agentmesh/comm"
	"github.com/agentmesh/agentmesh/core"
	"github.com/agentmesh/agentmesh/distributor"
	"github.com/agentmesh/agentmesh/ratelimit"
	"github.com/agentmesh/agentmesh/resilience"
	"github.com/agentmesh/agentmesh/telemetry"
)

// Core owns the coordination subsystems for one process. Construct it with
// New, share it by reference, and stop it with Shutdown. There is no
// ambient global state; two Cores in one process are fully independent.
type Core struct {
	config *core.Config
	logger core.Logger

	broker          *broker.Broker
	containerBroker *broker.Broker
	limiter         *ratelimit.Limiter
	breakers        *resilience.Registry
	manager         *comm.Manager
	containers      *comm.ContainerManager
	distributor     *distributor.Distributor

	provider  *telemetry.Provider
	forwarder *bridge.Forwarder

	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds a Core. A nil cfg starts from defaults, file, and environment
// via core.NewConfig; a non-nil cfg has opts applied and is then validated.
// The Core owns cfg after New returns.
func New(cfg *core.Config, opts ...core.Option) (*Core, error) {
	var err error
	if cfg == nil {
		cfg, err = core.NewConfig(opts...)
		if err != nil {
			return nil, err
		}
	} else {
		for _, opt := range opts {
			if err := opt(cfg); err != nil {
				return nil, fmt.Errorf("failed to apply option: %w", err)
			}
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
	}

	logger := core.NewProductionLogger(cfg.Logging, cfg.Development, cfg.ServiceName)

	c := &Core{
		config: cfg,
		logger: core.ComponentLogger(logger, "framework/orchestrator"),
	}

	var tel core.Telemetry
	if cfg.Telemetry.Enabled {
		c.provider, err = telemetry.Init(context.Background(), telemetry.Config{
			ServiceName:    cfg.ServiceName,
			Endpoint:       cfg.Telemetry.Endpoint,
			Insecure:       cfg.Telemetry.Insecure,
			StdoutFallback: cfg.Telemetry.StdoutFallback,
			SampleRate:     cfg.Telemetry.SampleRate,
			Logger:         logger,
		})
		if err != nil {
			return nil, err
		}
		tel = c.provider.Telemetry()
	}

	brokerCfg := func() *broker.Config {
		return &broker.Config{
			SweepInterval:      time.Duration(cfg.Broker.SweepIntervalSeconds * float64(time.Second)),
			SubscriptionBuffer: cfg.Broker.SubscriptionBuffer,
			Logger:             logger,
			Telemetry:          tel,
		}
	}
	c.broker = broker.New(brokerCfg())
	if cfg.Comm.EnableContainerDomain {
		c.containerBroker = broker.New(brokerCfg())
	}

	c.limiter = ratelimit.New(&ratelimit.Config{
		Limits:    cfg.RateLimit,
		Logger:    logger,
		Telemetry: tel,
	})
	c.breakers = resilience.NewRegistry(&resilience.RegistryConfig{
		Defaults:  cfg.Breaker,
		Logger:    logger,
		Telemetry: tel,
	})

	c.manager, err = comm.NewManager(c.broker, c.limiter, c.breakers, &comm.Config{
		Comm:      cfg.Comm,
		Validator: cfg.Validator,
		Logger:    logger,
		Telemetry: tel,
	})
	if err != nil {
		return nil, c.abort(err)
	}
	if c.containerBroker != nil {
		c.containers, err = comm.NewContainerManager(c.manager, c.containerBroker)
		if err != nil {
			return nil, c.abort(err)
		}
	}

	c.distributor = distributor.New(&distributor.Config{
		Sender: distributor.SenderFunc(func(ctx context.Context, msg *core.Message, authToken string) (string, error) {
			return c.send(ctx, msg, comm.WithAuthToken(authToken))
		}),
		Logger:    logger,
		Telemetry: tel,
	})

	if cfg.NATS.Enabled {
		bridgeCfg := &bridge.Config{
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			Logger:        logger,
			Telemetry:     tel,
		}
		if cfg.NATS.Publisher != nil {
			c.forwarder, err = bridge.NewForwarder(c.broker, cfg.NATS.Publisher, bridgeCfg)
		} else {
			c.forwarder, err = bridge.NewNATSForwarder(c.broker, cfg.NATS.URL, bridgeCfg)
		}
		if err != nil {
			return nil, c.abort(err)
		}
	}

	c.limiter.Start()

	c.logger.Info("Coordination core initialized", map[string]interface{}{
		"operation":        "core_initialized",
		"service_name":     cfg.ServiceName,
		"container_domain": cfg.Comm.EnableContainerDomain,
		"telemetry":        cfg.Telemetry.Enabled,
		"nats_bridge":      cfg.NATS.Enabled,
	})
	return c, nil
}

// abort tears down whatever New had started before a construction failure.
func (c *Core) abort(err error) error {
	if c.broker != nil {
		c.broker.Shutdown()
	}
	if c.containerBroker != nil {
		c.containerBroker.Shutdown()
	}
	if c.provider != nil {
		_ = c.provider.Shutdown(context.Background())
	}
	return err
}

// Config returns the configuration the core was built with.
func (c *Core) Config() *core.Config {
	return c.config
}

// authorize applies the façade scope table before dispatching to a
// subsystem.
func (c *Core) authorize(ctx context.Context, token string, scopes []string, agentID string) error {
	return core.Authorize(ctx, c.config.Validator, "orchestrator", token, scopes, agentID)
}

// send routes through the container manager when the domain is enabled so
// intra-container traffic resolves on the container broker.
func (c *Core) send(ctx context.Context, msg *core.Message, opts ...comm.SendOption) (string, error) {
	if c.containers != nil {
		return c.containers.Send(ctx, msg, opts...)
	}
	return c.manager.Send(ctx, msg, opts...)
}

// bind mirrors a registered agent onto the egress bridge. Bridge failures
// never fail registration; the bridge is a best-effort mirror.
func (c *Core) bind(agentID string) {
	if c.forwarder == nil {
		return
	}
	if err := c.forwarder.Bind(agentID); err != nil {
		c.logger.Warn("Bridge bind failed", map[string]interface{}{
			"operation": "bridge_bind_failed",
			"agent_id":  agentID,
			"error":     err.Error(),
		})
	}
}

// RegisterAgent registers an agent with the broker, the capability
// directory, and the distribution view. priorityRank orders the agent for
// the PRIORITY_BASED strategy; higher wins.
func (c *Core) RegisterAgent(ctx context.Context, agentID string, capabilities []string, priorityRank int, token string) error {
	if err := c.manager.RegisterAgent(ctx, agentID, capabilities, token); err != nil {
		return err
	}
	c.distributor.RegisterAgent(agentID, capabilities, priorityRank)
	c.bind(agentID)
	return nil
}

// RegisterContainer registers a containerized agent in both communication
// domains. Requires the container domain to be enabled in configuration.
func (c *Core) RegisterContainer(ctx context.Context, agentID string, capabilities []string, priorityRank int, token string) error {
	if c.containers == nil {
		return core.NewValidationError("orchestrator", "container domain is not enabled")
	}
	if err := c.containers.RegisterContainer(ctx, agentID, capabilities, token); err != nil {
		return err
	}
	c.distributor.RegisterAgent(agentID, capabilities, priorityRank)
	c.bind(agentID)
	return nil
}

// UnregisterAgent removes the agent everywhere: broker(s), capability
// directory, and distribution view.
func (c *Core) UnregisterAgent(ctx context.Context, agentID, token string) error {
	var err error
	if c.containers != nil {
		err = c.containers.UnregisterAgent(ctx, agentID, token)
	} else {
		err = c.manager.UnregisterAgent(ctx, agentID, token)
	}
	if err != nil {
		return err
	}
	c.distributor.UnregisterAgent(agentID)
	return nil
}

// UpdateAgentStatus flips the agent's online flag for delivery and
// dispatch eligibility.
func (c *Core) UpdateAgentStatus(ctx context.Context, agentID string, online bool, token string) error {
	var err error
	if c.containers != nil {
		err = c.containers.UpdateStatus(ctx, agentID, online, token)
	} else {
		err = c.manager.UpdateStatus(ctx, agentID, online, token)
	}
	if err != nil {
		return err
	}
	c.distributor.SetOnline(agentID, online)
	return nil
}

// SendMessage sends through the full guard chain. Options attach the auth
// token or bypass the breaker for system traffic.
func (c *Core) SendMessage(ctx context.Context, msg *core.Message, opts ...comm.SendOption) (string, error) {
	return c.send(ctx, msg, opts...)
}

// GetMessages drains or peeks the recipient's queue(s).
func (c *Core) GetMessages(ctx context.Context, recipient string, markDelivered bool, token string) ([]*core.Message, error) {
	if c.containers != nil {
		return c.containers.GetMessages(ctx, recipient, markDelivered, token)
	}
	return c.manager.GetMessages(ctx, recipient, markDelivered, token)
}

// RegisterDeliveryHandler attaches a push callback for an agent's
// deliveries in every domain that can deliver to it.
func (c *Core) RegisterDeliveryHandler(agentID string, h broker.DeliveryHandler) {
	if c.containers != nil {
		c.containers.RegisterHandler(agentID, h)
		return
	}
	c.manager.RegisterHandler(agentID, h)
}

// Subscribe opens a bounded channel subscription on the base broker.
// buffer <= 0 uses the configured default.
func (c *Core) Subscribe(agentID string, buffer int) (*broker.Subscription, error) {
	return c.manager.Subscribe(agentID, buffer)
}

// DistributeTask places a task on a capable agent. The token needs
// task:distribute and must match the request's sender. An empty strategy
// falls back to the configured default.
func (c *Core) DistributeTask(ctx context.Context, req distributor.DistributionRequest) (*distributor.DistributionResult, error) {
	if err := c.authorize(ctx, req.AuthToken, []string{core.ScopeTaskDistribute}, req.SenderID); err != nil {
		return nil, err
	}
	if req.Strategy == "" {
		req.Strategy = distributor.Strategy(c.config.Distributor.DefaultStrategy)
	}
	return c.distributor.Distribute(ctx, req)
}

// HandleTaskResponse settles the load claimed when the task was
// distributed. The token needs task:write and must match the responding
// agent.
func (c *Core) HandleTaskResponse(ctx context.Context, taskID, agentID, status string, result, errInfo interface{}, token string) error {
	if err := c.authorize(ctx, token, []string{core.ScopeTaskWrite}, agentID); err != nil {
		return err
	}
	c.distributor.HandleResponse(taskID, agentID, status, result, errInfo)
	return nil
}

// UseCustomSelector registers the selection policy behind the CUSTOM
// strategy.
func (c *Core) UseCustomSelector(fn distributor.SelectorFunc) {
	c.distributor.UseCustomSelector(fn)
}

// AgentCapabilities returns the agent's registered capability set.
func (c *Core) AgentCapabilities(ctx context.Context, agentID, token string) ([]string, error) {
	return c.manager.Capabilities(ctx, agentID, token)
}

// ListAgents returns every registered agent id, sorted. Container agents
// appear once; registration mirrors them onto the base broker.
func (c *Core) ListAgents(ctx context.Context, token string) ([]string, error) {
	if err := c.authorize(ctx, token, []string{core.ScopeAgentRead}, ""); err != nil {
		return nil, err
	}
	return c.broker.Agents(), nil
}

// Shutdown stops every subsystem: the bridge, the replenisher, the
// sweepers, and the telemetry provider. Idempotent; later calls return the
// first result.
func (c *Core) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() {
		if c.forwarder != nil {
			c.forwarder.Close()
		}
		c.limiter.Stop()
		c.broker.Shutdown()
		if c.containerBroker != nil {
			c.containerBroker.Shutdown()
		}
		if c.provider != nil {
			c.shutdownErr = c.provider.Shutdown(ctx)
		}
		c.logger.Info("Coordination core stopped", map[string]interface{}{
			"operation": "core_stopped",
		})
	})
	return c.shutdownErr
}
