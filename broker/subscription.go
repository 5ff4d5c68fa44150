package broker

import (
	"context"
	"sync"

	"github.com/agentmesh/agentmesh/core"
)

// Subscription is a channel-backed delivery registration for one agent. The
// channel is bounded; when the consumer lags, the oldest buffered message is
// dropped so the newest is always retained.
type Subscription struct {
	broker    *Broker
	agentID   string
	handlerID uint64
	logger    core.Logger

	mu     sync.Mutex
	ch     chan *core.Message
	closed bool
	once   sync.Once
}

// C returns the receive channel. It is closed by Close.
func (s *Subscription) C() <-chan *core.Message {
	return s.ch
}

// AgentID returns the subscribed agent.
func (s *Subscription) AgentID() string {
	return s.agentID
}

// deliver is the broker-side delivery handler. It never blocks: a full
// buffer sheds its oldest entry to make room.
func (s *Subscription) deliver(ctx context.Context, msg *core.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	for {
		select {
		case s.ch <- msg:
			return nil
		default:
		}
		select {
		case dropped := <-s.ch:
			s.logger.Warn("Subscription buffer full, dropping oldest message", map[string]interface{}{
				"operation":  "subscription_overflow",
				"agent_id":   s.agentID,
				"message_id": dropped.ID,
			})
		default:
		}
	}
}

// Close detaches the subscription from the broker and closes the channel.
// Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.broker.removeHandler(s.agentID, s.handlerID)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}
