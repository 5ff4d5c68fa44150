package comm

import (
	"context"
	"sort"
	"sync"

	"github.com/agentmesh/agentmesh/broker"
	"github.com/agentmesh/agentmesh/core"
)

// ContainerManager extends the guard layer with a second broker reserved for
// containerized workloads. Traffic between containers stays on the container
// broker; anything crossing the container boundary rides the base broker.
// Container registration is dual-written so sends resolve in both domains.
type ContainerManager struct {
	*Manager
	containerBroker *broker.Broker

	mu         sync.RWMutex
	containers map[string]bool
}

// NewContainerManager wraps a base manager with container-domain routing.
func NewContainerManager(base *Manager, containerBroker *broker.Broker) (*ContainerManager, error) {
	if base == nil {
		return nil, core.NewValidationError("comm", "base manager is required")
	}
	if containerBroker == nil {
		return nil, core.NewValidationError("comm", "container broker is required")
	}
	return &ContainerManager{
		Manager:         base,
		containerBroker: containerBroker,
		containers:      make(map[string]bool),
	}, nil
}

// ContainerBroker exposes the container-domain broker for delivery wiring.
func (cm *ContainerManager) ContainerBroker() *broker.Broker {
	return cm.containerBroker
}

// IsContainer reports whether the id belongs to the container domain.
func (cm *ContainerManager) IsContainer(agentID string) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.containers[agentID]
}

// Containers returns the registered container ids, sorted.
func (cm *ContainerManager) Containers() []string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	ids := make([]string, 0, len(cm.containers))
	for id := range cm.containers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RegisterContainer registers a containerized agent in both domains: the
// container broker for intra-container traffic and the base manager so
// external agents can address it.
func (cm *ContainerManager) RegisterContainer(ctx context.Context, agentID string, capabilities []string, token string) error {
	if err := cm.Manager.RegisterAgent(ctx, agentID, capabilities, token); err != nil {
		return err
	}
	if err := cm.containerBroker.RegisterAgent(agentID); err != nil {
		return err
	}
	cm.mu.Lock()
	cm.containers[agentID] = true
	cm.mu.Unlock()

	cm.logger.Info("Container registered", map[string]interface{}{
		"operation": "container_registered",
		"agent_id":  agentID,
	})
	return nil
}

// UnregisterContainer removes the container from both domains.
func (cm *ContainerManager) UnregisterContainer(ctx context.Context, agentID, token string) error {
	if err := cm.Manager.UnregisterAgent(ctx, agentID, token); err != nil {
		return err
	}
	if err := cm.containerBroker.UnregisterAgent(agentID); err != nil {
		return err
	}
	cm.mu.Lock()
	delete(cm.containers, agentID)
	cm.mu.Unlock()
	return nil
}

// UnregisterAgent drops a container from both domains, or falls through to
// the base manager for plain agents.
func (cm *ContainerManager) UnregisterAgent(ctx context.Context, agentID, token string) error {
	if cm.IsContainer(agentID) {
		return cm.UnregisterContainer(ctx, agentID, token)
	}
	return cm.Manager.UnregisterAgent(ctx, agentID, token)
}

// UpdateStatus flips the online flag in every domain that knows the agent.
func (cm *ContainerManager) UpdateStatus(ctx context.Context, agentID string, online bool, token string) error {
	if err := cm.Manager.UpdateStatus(ctx, agentID, online, token); err != nil {
		return err
	}
	if cm.IsContainer(agentID) {
		return cm.containerBroker.SetOnline(agentID, online)
	}
	return nil
}

// routesToContainerDomain decides which broker carries a message: the
// container broker only when the sender is a container and the message stays
// inside the domain (a broadcast, or a recipient that is also a container).
func (cm *ContainerManager) routesToContainerDomain(msg *core.Message) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if !cm.containers[msg.SenderID] {
		return false
	}
	return msg.Type == core.MessageTypeBroadcast || cm.containers[msg.RecipientID]
}

// Send applies the full guard chain and routes by domain membership.
func (cm *ContainerManager) Send(ctx context.Context, msg *core.Message, opts ...SendOption) (string, error) {
	options := applySendOptions(opts)
	if msg != nil && cm.routesToContainerDomain(msg) {
		return cm.guardedSend(ctx, cm.containerBroker, msg, options)
	}
	return cm.guardedSend(ctx, cm.broker, msg, options)
}

// GetMessages reads from every domain that can queue for the recipient.
// Containers drain the container broker first and then the base broker,
// where cross-domain direct sends land; plain agents read the base broker.
func (cm *ContainerManager) GetMessages(ctx context.Context, recipient string, markDelivered bool, token string) ([]*core.Message, error) {
	if err := cm.authorize(ctx, token, []string{core.ScopeAgentRead}, recipient); err != nil {
		return nil, err
	}
	if !cm.IsContainer(recipient) {
		return cm.broker.GetMessages(ctx, recipient, markDelivered)
	}
	msgs, err := cm.containerBroker.GetMessages(ctx, recipient, markDelivered)
	if err != nil {
		return nil, err
	}
	crossing, err := cm.broker.GetMessages(ctx, recipient, markDelivered)
	if err != nil {
		return msgs, err
	}
	return append(msgs, crossing...), nil
}

// RegisterHandler attaches a push handler in every domain that can deliver
// to the agent, so cross-domain sends reach container consumers too.
func (cm *ContainerManager) RegisterHandler(agentID string, h broker.DeliveryHandler) {
	cm.Manager.RegisterHandler(agentID, h)
	if cm.IsContainer(agentID) {
		cm.containerBroker.RegisterHandler(agentID, h)
	}
}
