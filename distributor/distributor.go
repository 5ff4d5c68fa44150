// Package distributor routes tasks to capable agents. It keeps a
// distribution view of the fleet (capabilities, priority rank, current
// load, online flag), matches a task's required capabilities against it,
// and applies a selection strategy. Load accounting counts in-flight
// task_request messages per agent; responses release them. Task state
// itself is not persisted here; an external task store owns status.
package distributor

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/agentmesh/core"
)

// StatusDistributed is the result status after a successful dispatch.
const StatusDistributed = "distributed"

// Sender dispatches a composed task message. The orchestrator wires this
// to the communication manager so dispatch rides the same guard chain as
// every other send.
type Sender interface {
	Send(ctx context.Context, msg *core.Message, authToken string) (string, error)
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, msg *core.Message, authToken string) (string, error)

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, msg *core.Message, authToken string) (string, error) {
	return f(ctx, msg, authToken)
}

// DistributionRequest describes one task to place on the fleet.
type DistributionRequest struct {
	// TaskID correlates the dispatched message with later responses.
	// Generated when empty.
	TaskID string
	// TaskType travels in the message payload for the worker to switch on.
	TaskType string
	// Required lists capabilities the agent must all have.
	Required []string
	// Data is the task body, carried opaquely in the message content.
	Data interface{}
	// SenderID is the agent or service the task_request is sent as.
	SenderID string
	// Strategy picks the selection policy. Empty means CAPABILITY_MATCH.
	Strategy Strategy
	// Excluded agents are skipped even when capable.
	Excluded map[string]bool
	// Priority, TTLSeconds and Metadata pass through to the message.
	Priority   core.Priority
	TTLSeconds *float64
	Metadata   map[string]interface{}
	// AuthToken authorizes the send when the comm layer validates tokens.
	AuthToken string
}

// DistributionResult reports where a task went.
type DistributionResult struct {
	TaskID    string
	AgentID   string
	MessageID string
	Status    string
	Timestamp time.Time
}

// TaskPayload is the content of a dispatched task_request message.
type TaskPayload struct {
	TaskID   string      `json:"task_id"`
	TaskType string      `json:"task_type,omitempty"`
	Data     interface{} `json:"data,omitempty"`
	Required []string    `json:"required_capabilities,omitempty"`
	Strategy Strategy    `json:"strategy,omitempty"`
}

// Config wires the distributor's collaborators.
type Config struct {
	// Sender delivers task_request messages. Required for Distribute;
	// the matching and accounting surface works without it.
	Sender    Sender
	Logger    core.Logger
	Telemetry core.Telemetry
}

// Distributor owns the distribution view of the fleet. One mutex guards
// the parallel maps; it is never held across a send.
type Distributor struct {
	sender    Sender
	logger    core.Logger
	telemetry core.Telemetry

	mu           sync.Mutex
	capabilities map[string][]string
	ranks        map[string]int
	loads        map[string]int
	online       map[string]bool
	custom       SelectorFunc
}

// New builds an empty distributor.
func New(cfg *Config) *Distributor {
	if cfg == nil {
		cfg = &Config{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	logger = core.ComponentLogger(logger, "framework/distributor")
	telemetry := cfg.Telemetry
	if telemetry == nil {
		telemetry = &core.NoOpTelemetry{}
	}

	return &Distributor{
		sender:       cfg.Sender,
		logger:       logger,
		telemetry:    telemetry,
		capabilities: make(map[string][]string),
		ranks:        make(map[string]int),
		loads:        make(map[string]int),
		online:       make(map[string]bool),
	}
}

// SetLogger replaces the distributor's logger, tagged
// "framework/distributor".
func (d *Distributor) SetLogger(logger core.Logger) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if logger == nil {
		d.logger = &core.NoOpLogger{}
		return
	}
	d.logger = core.ComponentLogger(logger, "framework/distributor")
}

// RegisterAgent adds or refreshes an agent's distribution record and marks
// it online. Re-registration keeps the current load: in-flight tasks do
// not reset when an agent re-announces itself.
func (d *Distributor) RegisterAgent(agentID string, capabilities []string, priorityRank int) {
	if agentID == "" {
		return
	}
	caps := make([]string, len(capabilities))
	copy(caps, capabilities)

	d.mu.Lock()
	d.capabilities[agentID] = caps
	d.ranks[agentID] = priorityRank
	if _, ok := d.loads[agentID]; !ok {
		d.loads[agentID] = 0
	}
	d.online[agentID] = true
	d.mu.Unlock()

	d.logger.Info("Agent registered for distribution", map[string]interface{}{
		"operation":     "distribution_agent_registered",
		"agent_id":      agentID,
		"capabilities":  caps,
		"priority_rank": priorityRank,
	})
}

// UnregisterAgent drops the agent's record entirely.
func (d *Distributor) UnregisterAgent(agentID string) {
	d.mu.Lock()
	delete(d.capabilities, agentID)
	delete(d.ranks, agentID)
	delete(d.loads, agentID)
	delete(d.online, agentID)
	d.mu.Unlock()
}

// SetOnline flips eligibility for dispatch. Unknown agents are ignored.
func (d *Distributor) SetOnline(agentID string, online bool) {
	d.mu.Lock()
	if _, ok := d.capabilities[agentID]; ok {
		d.online[agentID] = online
	}
	d.mu.Unlock()
}

// Load returns the agent's in-flight task count, zero for unknown agents.
func (d *Distributor) Load(agentID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loads[agentID]
}

// Snapshot copies every agent's distribution record.
func (d *Distributor) Snapshot() map[string]AgentState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked()
}

func (d *Distributor) snapshotLocked() map[string]AgentState {
	snap := make(map[string]AgentState, len(d.capabilities))
	for id, caps := range d.capabilities {
		cp := make([]string, len(caps))
		copy(cp, caps)
		snap[id] = AgentState{
			AgentID:      id,
			Capabilities: cp,
			PriorityRank: d.ranks[id],
			CurrentLoad:  d.loads[id],
			Online:       d.online[id],
		}
	}
	return snap
}

// UseCustomSelector registers the policy behind StrategyCustom.
func (d *Distributor) UseCustomSelector(fn SelectorFunc) {
	d.mu.Lock()
	d.custom = fn
	d.mu.Unlock()
}

// FindSuitable returns every online agent outside excluded whose
// capabilities cover required, in sorted id order.
func (d *Distributor) FindSuitable(required []string, excluded map[string]bool) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.findSuitableLocked(required, excluded)
}

func (d *Distributor) findSuitableLocked(required []string, excluded map[string]bool) []string {
	ids := make([]string, 0, len(d.capabilities))
	for id, caps := range d.capabilities {
		if !d.online[id] || excluded[id] {
			continue
		}
		if hasAll(caps, required) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func hasAll(caps, required []string) bool {
	for _, want := range required {
		found := false
		for _, c := range caps {
			if c == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Select applies a strategy to candidates. Candidates are expected in the
// deterministic order FindSuitable produces.
func (d *Distributor) Select(candidates []string, strategy Strategy) (string, error) {
	d.mu.Lock()
	snap := d.snapshotLocked()
	custom := d.custom
	d.mu.Unlock()
	return selectFrom(candidates, strategy, snap, custom)
}

// selectFrom is pure so custom selectors never run under the lock.
func selectFrom(candidates []string, strategy Strategy, snap map[string]AgentState, custom SelectorFunc) (string, error) {
	if len(candidates) == 0 {
		return "", core.NewTaskDistributionFailed("distributor", "no suitable agents for task")
	}
	switch strategy {
	case StrategyCapabilityMatch, "":
		return candidates[0], nil
	case StrategyRoundRobin:
		return candidates[rand.Intn(len(candidates))], nil
	case StrategyLoadBalanced:
		best := candidates[0]
		for _, id := range candidates[1:] {
			if snap[id].CurrentLoad < snap[best].CurrentLoad {
				best = id
			}
		}
		return best, nil
	case StrategyPriorityBased:
		best := candidates[0]
		for _, id := range candidates[1:] {
			if snap[id].PriorityRank > snap[best].PriorityRank {
				best = id
			}
		}
		return best, nil
	case StrategyCustom:
		if custom == nil {
			return "", core.NewValidationError("distributor", "no custom selector registered")
		}
		return custom(candidates, snap)
	default:
		return "", core.NewValidationError("distributor",
			fmt.Sprintf("unknown selection strategy %q", strategy))
	}
}

// Distribute finds a capable agent, claims a unit of its load, and sends
// the task_request with CorrelationID = TaskID. The claim is rolled back
// when the send fails.
func (d *Distributor) Distribute(ctx context.Context, req DistributionRequest) (*DistributionResult, error) {
	if d.sender == nil {
		return nil, core.NewValidationError("distributor", "no message sender configured")
	}
	taskID := req.TaskID
	if taskID == "" {
		taskID = uuid.New().String()
	}
	strategy := req.Strategy
	if strategy == "" {
		strategy = StrategyCapabilityMatch
	}

	d.mu.Lock()
	candidates := d.findSuitableLocked(req.Required, req.Excluded)
	snap := d.snapshotLocked()
	custom := d.custom
	d.mu.Unlock()

	agentID, err := selectFrom(candidates, strategy, snap, custom)
	if err != nil {
		d.logger.Warn("Task distribution found no agent", map[string]interface{}{
			"operation": "task_distribution_failed",
			"task_id":   taskID,
			"required":  req.Required,
			"strategy":  string(strategy),
		})
		return nil, err
	}

	// The selected agent may have gone offline between snapshot and claim.
	if !d.claim(agentID) {
		return nil, core.NewTaskDistributionFailed("distributor",
			fmt.Sprintf("agent %q became unavailable during selection", agentID))
	}

	opts := []core.MessageOption{
		core.WithRecipient(agentID),
		core.WithCorrelationID(taskID),
	}
	if req.Priority != "" {
		opts = append(opts, core.WithPriority(req.Priority))
	}
	if req.TTLSeconds != nil {
		opts = append(opts, core.WithTTL(*req.TTLSeconds))
	}
	if len(req.Metadata) > 0 {
		opts = append(opts, core.WithMetadata(req.Metadata))
	}
	payload := &TaskPayload{
		TaskID:   taskID,
		TaskType: req.TaskType,
		Data:     req.Data,
		Required: req.Required,
		Strategy: strategy,
	}
	msg := core.NewMessage(core.MessageTypeTaskRequest, req.SenderID, payload, opts...)

	msgID, err := d.sender.Send(ctx, msg, req.AuthToken)
	if err != nil {
		d.release(agentID)
		d.logger.Error("Task dispatch failed", map[string]interface{}{
			"operation": "task_dispatch_failed",
			"task_id":   taskID,
			"agent_id":  agentID,
			"error":     err.Error(),
		})
		return nil, err
	}

	d.telemetry.RecordMetric("tasks.distributed", 1, map[string]string{"strategy": string(strategy)})
	d.logger.Info("Task distributed", map[string]interface{}{
		"operation":  "task_distributed",
		"task_id":    taskID,
		"agent_id":   agentID,
		"message_id": msgID,
		"strategy":   string(strategy),
	})

	return &DistributionResult{
		TaskID:    taskID,
		AgentID:   agentID,
		MessageID: msgID,
		Status:    StatusDistributed,
		Timestamp: time.Now().UTC(),
	}, nil
}

// HandleResponse settles the load claimed at dispatch. The distributor
// only adjusts accounting; task status lives elsewhere.
func (d *Distributor) HandleResponse(taskID, agentID, status string, result, errInfo interface{}) {
	d.release(agentID)

	d.telemetry.RecordMetric("tasks.completed", 1, map[string]string{"status": status})
	fields := map[string]interface{}{
		"operation": "task_response",
		"task_id":   taskID,
		"agent_id":  agentID,
		"status":    status,
	}
	if errInfo != nil {
		fields["error"] = errInfo
		d.logger.Warn("Task completed with error", fields)
		return
	}
	d.logger.Debug("Task completed", fields)
}

// claim increments the agent's load if it is still online.
func (d *Distributor) claim(agentID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.online[agentID] {
		return false
	}
	d.loads[agentID]++
	return true
}

// release decrements, saturating at zero. Unknown agents are ignored.
func (d *Distributor) release(agentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if load, ok := d.loads[agentID]; ok && load > 0 {
		d.loads[agentID] = load - 1
	}
}
