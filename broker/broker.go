// Package broker implements the in-process priority message broker at the
// heart of the coordination core. Each registered agent owns one queue;
// messages drain in priority order (high before medium before low) and FIFO
// within a priority class. Delivery is dual-mode: consumers either pull with
// GetMessages or receive pushes through registered delivery handlers and
// channel subscriptions. Expired messages are dropped by a background
// sweeper and filtered from every read path.
package broker

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentmesh/agentmesh/core"
)

// DeliveryHandler receives a message pushed to an online agent. Returning an
// error does not requeue the message; the broker logs the error and moves on.
type DeliveryHandler func(ctx context.Context, msg *core.Message) error

// Config contains configuration for the message broker.
type Config struct {
	// SweepInterval is how often the sweeper drops expired messages.
	SweepInterval time.Duration

	// SubscriptionBuffer is the default channel capacity for Subscribe.
	SubscriptionBuffer int

	Logger    core.Logger
	Telemetry core.Telemetry
}

// DefaultConfig returns default configuration.
func DefaultConfig() *Config {
	return &Config{
		SweepInterval:      60 * time.Second,
		SubscriptionBuffer: 16,
	}
}

// registeredHandler pairs a delivery handler with a removal token so channel
// subscriptions can detach on Close.
type registeredHandler struct {
	id uint64
	fn DeliveryHandler
}

// Broker routes messages between agents. One mutex guards the queues, the
// agent set, and the handler table; handlers are always invoked outside it.
type Broker struct {
	config    *Config
	logger    core.Logger
	telemetry core.Telemetry

	mu       sync.Mutex
	queues   map[string][]*core.Message
	online   map[string]bool // known agents; value is the online flag
	handlers map[string][]registeredHandler

	handlerSeq uint64

	closed   atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	workers  sync.WaitGroup
}

// New creates a message broker and starts its expiry sweeper.
func New(config *Config) *Broker {
	if config == nil {
		config = DefaultConfig()
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 60 * time.Second
	}
	if config.SubscriptionBuffer <= 0 {
		config.SubscriptionBuffer = 16
	}
	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	logger = core.ComponentLogger(logger, "framework/broker")
	telemetry := config.Telemetry
	if telemetry == nil {
		telemetry = &core.NoOpTelemetry{}
	}

	b := &Broker{
		config:    config,
		logger:    logger,
		telemetry: telemetry,
		queues:    make(map[string][]*core.Message),
		online:    make(map[string]bool),
		handlers:  make(map[string][]registeredHandler),
		stopCh:    make(chan struct{}),
	}

	b.workers.Add(1)
	go b.sweeper()

	b.logger.Info("Message broker started", map[string]interface{}{
		"operation":      "broker_started",
		"sweep_interval": config.SweepInterval.String(),
	})
	return b
}

// SetLogger replaces the broker's logger, tagged "framework/broker".
// Intended for wire-up before traffic starts.
func (b *Broker) SetLogger(logger core.Logger) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if logger == nil {
		b.logger = &core.NoOpLogger{}
		return
	}
	b.logger = core.ComponentLogger(logger, "framework/broker")
}

// closedError is the post-shutdown rejection for every mutating operation.
func (b *Broker) closedError() error {
	return core.NewSystemError("broker", "broker is shut down", core.ErrBrokerClosed)
}

// RegisterAgent makes an agent known to the broker with an empty queue and
// marks it online. Registering an existing agent changes nothing.
func (b *Broker) RegisterAgent(agentID string) error {
	if b.closed.Load() {
		return b.closedError()
	}
	if agentID == "" {
		return core.NewValidationError("broker", "agent id is required")
	}

	b.mu.Lock()
	_, known := b.online[agentID]
	if !known {
		b.online[agentID] = true
	}
	b.mu.Unlock()

	if !known {
		b.logger.Info("Agent registered", map[string]interface{}{
			"operation": "agent_registered",
			"agent_id":  agentID,
		})
	}
	return nil
}

// UnregisterAgent removes the agent, its queued messages, and its handlers.
// Unknown agents are a no-op.
func (b *Broker) UnregisterAgent(agentID string) error {
	if b.closed.Load() {
		return b.closedError()
	}

	b.mu.Lock()
	_, known := b.online[agentID]
	dropped := len(b.queues[agentID])
	delete(b.online, agentID)
	delete(b.queues, agentID)
	delete(b.handlers, agentID)
	b.mu.Unlock()

	if known {
		b.logger.Info("Agent unregistered", map[string]interface{}{
			"operation":        "agent_unregistered",
			"agent_id":         agentID,
			"dropped_messages": dropped,
		})
	}
	return nil
}

// SetOnline flips an agent's online flag. Offline agents keep accumulating
// queued messages but receive no pushes.
func (b *Broker) SetOnline(agentID string, online bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, known := b.online[agentID]; !known {
		return core.NewAgentNotFound("broker", agentID)
	}
	b.online[agentID] = online
	return nil
}

// Agents returns the known agent ids, sorted.
func (b *Broker) Agents() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]string, 0, len(b.online))
	for id := range b.online {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Known reports whether an agent is registered.
func (b *Broker) Known(agentID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, known := b.online[agentID]
	return known
}

// QueueDepth returns the number of messages queued for an agent, expired
// entries included until the sweeper runs.
func (b *Broker) QueueDepth(agentID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[agentID])
}

// RegisterHandler attaches a push delivery handler to an agent. Handlers for
// one agent run in registration order; handler errors and panics are logged
// and swallowed.
func (b *Broker) RegisterHandler(agentID string, h DeliveryHandler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.handlerSeq++
	b.handlers[agentID] = append(b.handlers[agentID], registeredHandler{id: b.handlerSeq, fn: h})
	b.mu.Unlock()
}

// addHandler registers a handler and returns its removal token.
func (b *Broker) addHandler(agentID string, h DeliveryHandler) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlerSeq++
	b.handlers[agentID] = append(b.handlers[agentID], registeredHandler{id: b.handlerSeq, fn: h})
	return b.handlerSeq
}

// removeHandler detaches a handler by its token.
func (b *Broker) removeHandler(agentID string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	handlers := b.handlers[agentID]
	for i, rh := range handlers {
		if rh.id == id {
			b.handlers[agentID] = append(handlers[:i], handlers[i+1:]...)
			break
		}
	}
	if len(b.handlers[agentID]) == 0 {
		delete(b.handlers, agentID)
	}
}

// pushWork is one recipient's drained queue plus the handlers to run, built
// under the lock and executed outside it.
type pushWork struct {
	recipient string
	messages  []*core.Message
	handlers  []DeliveryHandler
}

// Send validates and enqueues a message, returning the original message id.
// Unknown senders are registered on the fly. A broadcast fans out one copy
// per known agent except the sender; a direct message to an unregistered
// recipient is rejected. Online recipients with delivery handlers receive
// their whole queue as a push before Send returns.
func (b *Broker) Send(ctx context.Context, msg *core.Message) (string, error) {
	if b.closed.Load() {
		return "", b.closedError()
	}
	if msg == nil {
		return "", core.NewValidationError("broker", "message is required")
	}
	if err := msg.Validate(); err != nil {
		return "", core.Convert(err, "broker")
	}

	now := time.Now()

	b.mu.Lock()
	if _, known := b.online[msg.SenderID]; !known {
		b.online[msg.SenderID] = true
	}

	var touched []string
	if msg.Type == core.MessageTypeBroadcast {
		for id := range b.online {
			if id == msg.SenderID {
				continue
			}
			b.queues[id] = append(b.queues[id], msg.CopyFor(id))
			touched = append(touched, id)
		}
	} else {
		if _, known := b.online[msg.RecipientID]; !known {
			b.mu.Unlock()
			return "", core.NewAgentNotFound("broker", msg.RecipientID)
		}
		b.queues[msg.RecipientID] = append(b.queues[msg.RecipientID], msg)
		touched = append(touched, msg.RecipientID)
	}

	for _, id := range touched {
		q := b.queues[id]
		sort.SliceStable(q, func(i, j int) bool {
			return q[i].Priority.Rank() < q[j].Priority.Rank()
		})
	}

	// Collect push work while still holding the lock: drain each pushable
	// queue and mark its messages delivered so a concurrent GetMessages
	// cannot hand them out a second time.
	var pushes []pushWork
	for _, id := range touched {
		if !b.online[id] || len(b.handlers[id]) == 0 || len(b.queues[id]) == 0 {
			continue
		}
		var deliverable []*core.Message
		for _, m := range b.queues[id] {
			if m.Expired(now) {
				b.telemetry.RecordMetric("messages.expired", 1, map[string]string{"reason": "push"})
				continue
			}
			m.MarkDelivered(now)
			deliverable = append(deliverable, m)
		}
		b.queues[id] = nil
		if len(deliverable) == 0 {
			continue
		}
		handlers := make([]DeliveryHandler, len(b.handlers[id]))
		for i, rh := range b.handlers[id] {
			handlers[i] = rh.fn
		}
		pushes = append(pushes, pushWork{recipient: id, messages: deliverable, handlers: handlers})
	}
	b.mu.Unlock()

	b.telemetry.RecordMetric("messages.sent", 1, map[string]string{
		"type":     string(msg.Type),
		"priority": string(msg.Priority),
	})
	b.logger.Debug("Message accepted", map[string]interface{}{
		"operation":  "message_sent",
		"message_id": msg.ID,
		"type":       string(msg.Type),
		"sender_id":  msg.SenderID,
		"recipients": len(touched),
	})

	for _, work := range pushes {
		b.runHandlers(ctx, work)
	}
	return msg.ID, nil
}

// runHandlers invokes every handler for each drained message in order.
func (b *Broker) runHandlers(ctx context.Context, work pushWork) {
	for _, m := range work.messages {
		for _, h := range work.handlers {
			b.invokeHandler(ctx, h, work.recipient, m)
		}
		b.telemetry.RecordMetric("messages.delivered", 1, map[string]string{"mode": "push"})
	}
}

// invokeHandler shields the broker from handler errors and panics.
func (b *Broker) invokeHandler(ctx context.Context, h DeliveryHandler, recipient string, m *core.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Delivery handler panicked", map[string]interface{}{
				"operation":  "delivery_handler_panic",
				"agent_id":   recipient,
				"message_id": m.ID,
				"panic":      r,
			})
		}
	}()
	if err := h(ctx, m); err != nil {
		b.logger.Error("Delivery handler failed", map[string]interface{}{
			"operation":  "delivery_handler_error",
			"agent_id":   recipient,
			"message_id": m.ID,
			"error":      err.Error(),
		})
	}
}

// GetMessages returns the non-expired messages queued for a recipient in
// priority order. With markDelivered the queue is cleared and each message
// gets its delivery flags; without it the queue is left intact for a later
// read. Unknown recipients yield an empty result.
func (b *Broker) GetMessages(ctx context.Context, recipient string, markDelivered bool) ([]*core.Message, error) {
	if b.closed.Load() {
		return nil, b.closedError()
	}

	now := time.Now()

	b.mu.Lock()
	queue := b.queues[recipient]
	live := queue[:0]
	var result []*core.Message
	expired := 0
	for _, m := range queue {
		if m.Expired(now) {
			expired++
			continue
		}
		live = append(live, m)
		result = append(result, m)
	}
	if markDelivered {
		for _, m := range result {
			m.MarkDelivered(now)
		}
		if _, known := b.online[recipient]; known {
			b.queues[recipient] = nil
		}
	} else if len(queue) > 0 {
		b.queues[recipient] = live
	}
	b.mu.Unlock()

	if expired > 0 {
		b.telemetry.RecordMetric("messages.expired", float64(expired), map[string]string{"reason": "pull"})
	}
	if markDelivered && len(result) > 0 {
		b.telemetry.RecordMetric("messages.delivered", float64(len(result)), map[string]string{"mode": "pull"})
	}
	return result, nil
}

// Subscribe attaches a bounded channel to an agent's deliveries. The agent is
// registered when unknown. When the channel is full the oldest buffered
// message is dropped in favor of the newest. buffer <= 0 uses the configured
// default.
func (b *Broker) Subscribe(agentID string, buffer int) (*Subscription, error) {
	if b.closed.Load() {
		return nil, b.closedError()
	}
	if agentID == "" {
		return nil, core.NewValidationError("broker", "agent id is required")
	}
	if buffer <= 0 {
		buffer = b.config.SubscriptionBuffer
	}

	b.mu.Lock()
	if _, known := b.online[agentID]; !known {
		b.online[agentID] = true
	}
	b.mu.Unlock()

	sub := &Subscription{
		broker:  b,
		agentID: agentID,
		ch:      make(chan *core.Message, buffer),
		logger:  b.logger,
	}
	sub.handlerID = b.addHandler(agentID, sub.deliver)
	return sub, nil
}

// sweeper periodically drops expired messages from every queue.
func (b *Broker) sweeper() {
	defer b.workers.Done()

	ticker := time.NewTicker(b.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			if n := b.sweepExpired(time.Now()); n > 0 {
				b.logger.Info("Expired messages swept", map[string]interface{}{
					"operation": "messages_swept",
					"count":     n,
				})
			}
		}
	}
}

// sweepExpired removes expired messages and returns how many were dropped.
func (b *Broker) sweepExpired(now time.Time) int {
	b.mu.Lock()
	total := 0
	for id, queue := range b.queues {
		live := queue[:0]
		for _, m := range queue {
			if m.Expired(now) {
				total++
				continue
			}
			live = append(live, m)
		}
		b.queues[id] = live
	}
	b.mu.Unlock()

	if total > 0 {
		b.telemetry.RecordMetric("messages.expired", float64(total), map[string]string{"reason": "sweep"})
	}
	return total
}

// Shutdown stops the sweeper and rejects all further sends. Safe to call more
// than once.
func (b *Broker) Shutdown() {
	b.stopOnce.Do(func() {
		b.closed.Store(true)
		close(b.stopCh)
		b.workers.Wait()
		b.logger.Info("Message broker stopped", map[string]interface{}{
			"operation": "broker_stopped",
		})
	})
}
