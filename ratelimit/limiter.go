// Package ratelimit implements the admission control for the coordination
// core: a multi-dimensional token-bucket limiter checked on every send, and a
// Redis-backed sliding-window variant for multi-replica front ends.
//
// The in-process limiter enforces four independent quotas per request:
// per-agent, per-message-type, per-priority, and global. A request is
// admitted only when all four buckets hold a token, and exactly one token is
// deducted from each on admission. A denied request deducts nothing; the
// first over-limit bucket short-circuits the check and reports how long the
// caller should wait.
package ratelimit

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentmesh/agentmesh/core"
)

// Dimension names one of the four independent rate-limit axes.
type Dimension string

const (
	DimensionAgent       Dimension = "agent"
	DimensionMessageType Dimension = "message_type"
	DimensionPriority    Dimension = "priority"
	DimensionGlobal      Dimension = "global"
)

// GlobalKey is the single bucket key of the global dimension.
const GlobalKey = "global"

// Decision is the outcome of one admission check. On deny, Dimension and Key
// identify the bucket that rejected the request and RetryAfter is the wait
// hint in whole seconds (always >= 1).
type Decision struct {
	Allowed    bool
	RetryAfter int
	Dimension  Dimension
	Key        string
}

// bucket is one token bucket. All access happens under the limiter mutex.
type bucket struct {
	tokens          int
	maxTokens       int
	interval        time.Duration
	lastReplenished time.Time
}

// replenish adds floor(elapsed/interval * maxTokens) tokens capped at
// maxTokens. lastReplenished advances only when at least one token was
// added, so partial intervals are never lost to rounding.
func (b *bucket) replenish(now time.Time) int {
	if b.interval <= 0 {
		return 0
	}
	elapsed := now.Sub(b.lastReplenished)
	if elapsed <= 0 {
		return 0
	}
	add := int(math.Floor(elapsed.Seconds() / b.interval.Seconds() * float64(b.maxTokens)))
	if add < 1 {
		return 0
	}
	b.tokens += add
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastReplenished = now
	return add
}

// retryAfter reports the seconds until the bucket's next replenish point,
// clamped to at least one second.
func (b *bucket) retryAfter(now time.Time) int {
	next := b.lastReplenished.Add(b.interval)
	secs := int(math.Ceil(next.Sub(now).Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Config configures the limiter. Limits defaults to the compiled-in shapes
// from core.DefaultConfig when left zero.
type Config struct {
	Limits    core.RateLimitConfig
	Logger    core.Logger
	Telemetry core.Telemetry
}

// Limiter is the four-dimension token-bucket admission controller. One mutex
// serializes every check, so decisions are linearizable: concurrent callers
// never double-spend a token.
type Limiter struct {
	mu      sync.Mutex
	limits  core.RateLimitConfig
	buckets map[Dimension]map[string]*bucket

	logger    core.Logger
	telemetry core.Telemetry

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a limiter. Buckets are created lazily on first use of each
// dimension value; Start launches the background replenisher.
func New(cfg *Config) *Limiter {
	if cfg == nil {
		cfg = &Config{}
	}
	limits := normalizeLimits(cfg.Limits)

	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	logger = core.ComponentLogger(logger, "framework/ratelimit")

	telemetry := cfg.Telemetry
	if telemetry == nil {
		telemetry = &core.NoOpTelemetry{}
	}

	return &Limiter{
		limits: limits,
		buckets: map[Dimension]map[string]*bucket{
			DimensionAgent:       {},
			DimensionMessageType: {},
			DimensionPriority:    {},
			DimensionGlobal:      {},
		},
		logger:    logger,
		telemetry: telemetry,
		stopCh:    make(chan struct{}),
	}
}

// SetLogger replaces the limiter's logger, tagged "framework/ratelimit".
func (l *Limiter) SetLogger(logger core.Logger) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if logger == nil {
		l.logger = &core.NoOpLogger{}
		return
	}
	l.logger = core.ComponentLogger(logger, "framework/ratelimit")
}

// normalizeLimits fills zero-valued sections with the compiled defaults so a
// partially specified config never produces unlimited or dead buckets.
func normalizeLimits(limits core.RateLimitConfig) core.RateLimitConfig {
	defaults := core.DefaultConfig().RateLimit

	if limits.AgentDefault.MaxTokens < 1 || limits.AgentDefault.IntervalSeconds <= 0 {
		limits.AgentDefault = defaults.AgentDefault
	}
	if limits.MessageTypeDefault.MaxTokens < 1 || limits.MessageTypeDefault.IntervalSeconds <= 0 {
		limits.MessageTypeDefault = defaults.MessageTypeDefault
	}
	if limits.Global.MaxTokens < 1 || limits.Global.IntervalSeconds <= 0 {
		limits.Global = defaults.Global
	}
	if limits.Agents == nil {
		limits.Agents = map[string]core.BucketConfig{}
	}
	if limits.MessageTypes == nil {
		limits.MessageTypes = defaults.MessageTypes
	}
	if limits.Priorities == nil {
		limits.Priorities = defaults.Priorities
	}
	if limits.ReplenishIntervalSeconds <= 0 {
		limits.ReplenishIntervalSeconds = defaults.ReplenishIntervalSeconds
	}
	return limits
}

// shapeFor resolves the configured (max, interval) for a dimension value,
// falling back to the dimension default when no explicit entry exists.
func (l *Limiter) shapeFor(dim Dimension, key string) core.BucketConfig {
	switch dim {
	case DimensionAgent:
		if bc, ok := l.limits.Agents[key]; ok {
			return bc
		}
		return l.limits.AgentDefault
	case DimensionMessageType:
		if bc, ok := l.limits.MessageTypes[key]; ok {
			return bc
		}
		return l.limits.MessageTypeDefault
	case DimensionPriority:
		if bc, ok := l.limits.Priorities[key]; ok {
			return bc
		}
		// Unknown priorities are ranked as medium by the broker; limit them
		// the same way.
		if bc, ok := l.limits.Priorities[string(core.PriorityMedium)]; ok {
			return bc
		}
		return core.BucketConfig{MaxTokens: 100, IntervalSeconds: 60}
	default:
		return l.limits.Global
	}
}

// bucketFor returns the live bucket for a dimension value, creating it full
// on first use. Callers must hold the limiter mutex.
func (l *Limiter) bucketFor(dim Dimension, key string, now time.Time) *bucket {
	b, ok := l.buckets[dim][key]
	if !ok {
		shape := l.shapeFor(dim, key)
		b = &bucket{
			tokens:          shape.MaxTokens,
			maxTokens:       shape.MaxTokens,
			interval:        time.Duration(shape.IntervalSeconds * float64(time.Second)),
			lastReplenished: now,
		}
		l.buckets[dim][key] = b
	}
	return b
}

// Check runs the four-dimension admission test for one send. The dimensions
// are checked in a fixed order (agent, message type, priority, global); the
// first bucket without a token denies the request and nothing is deducted.
// When all four admit, one token is deducted from each.
func (l *Limiter) Check(agentID string, msgType core.MessageType, priority core.Priority) Decision {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	dims := [4]struct {
		dim Dimension
		key string
	}{
		{DimensionAgent, agentID},
		{DimensionMessageType, string(msgType)},
		{DimensionPriority, string(priority)},
		{DimensionGlobal, GlobalKey},
	}

	var checked [4]*bucket
	for i, d := range dims {
		b := l.bucketFor(d.dim, d.key, now)
		b.replenish(now)
		if b.tokens < 1 {
			retry := b.retryAfter(now)
			l.logger.Warn("Rate limit exceeded", map[string]interface{}{
				"operation":   "rate_limit_check",
				"dimension":   string(d.dim),
				"key":         d.key,
				"agent_id":    agentID,
				"retry_after": retry,
			})
			l.telemetry.RecordMetric("ratelimit.denied", 1, map[string]string{
				"dimension": string(d.dim),
			})
			return Decision{Allowed: false, RetryAfter: retry, Dimension: d.dim, Key: d.key}
		}
		checked[i] = b
	}

	for _, b := range checked {
		b.tokens--
	}
	l.telemetry.RecordMetric("ratelimit.allowed", 1, nil)
	return Decision{Allowed: true}
}

// Start launches the background replenisher at the configured cadence
// (default one tick per second). Buckets are also replenished lazily inside
// Check, so the ticker is an amortization for long-idle buckets, not a
// correctness requirement. Start is a no-op when already running.
func (l *Limiter) Start() {
	if l.running.Swap(true) {
		return
	}

	interval := time.Duration(l.limits.ReplenishIntervalSeconds * float64(time.Second))
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-l.stopCh:
				return
			case now := <-ticker.C:
				l.replenishAll(now)
			}
		}
	}()

	l.logger.Info("Rate limiter started", map[string]interface{}{
		"operation":          "rate_limiter_start",
		"replenish_interval": interval.String(),
	})
}

// replenishAll walks every live bucket once.
func (l *Limiter) replenishAll(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, byKey := range l.buckets {
		for _, b := range byKey {
			b.replenish(now)
		}
	}
}

// Stop cancels the replenisher. Idempotent; the ticker completes at most one
// more iteration before exiting.
func (l *Limiter) Stop() {
	if !l.running.Swap(false) {
		return
	}
	close(l.stopCh)
	l.wg.Wait()
	l.logger.Info("Rate limiter stopped", map[string]interface{}{
		"operation": "rate_limiter_stop",
	})
}

// LimitInfo describes one bucket for the admin surface: its configured shape
// and, when the bucket is live, its remaining tokens.
type LimitInfo struct {
	Dimension Dimension `json:"dimension"`
	Key       string    `json:"key"`
	MaxTokens int       `json:"max_tokens"`
	Interval  float64   `json:"interval_seconds"`
	Remaining int       `json:"remaining"`
	Live      bool      `json:"live"`
}

// Limits lists bucket configurations for the admin surface. Empty dimension
// returns every dimension; empty key returns every configured or live key in
// that dimension. Results are sorted by dimension then key.
func (l *Limiter) Limits(dim Dimension, key string) []LimitInfo {
	l.mu.Lock()
	defer l.mu.Unlock()

	dimensions := []Dimension{DimensionAgent, DimensionMessageType, DimensionPriority, DimensionGlobal}
	if dim != "" {
		dimensions = []Dimension{dim}
	}

	var infos []LimitInfo
	for _, d := range dimensions {
		keys := l.knownKeys(d)
		if key != "" {
			keys = []string{key}
		}
		for _, k := range keys {
			shape := l.shapeFor(d, k)
			info := LimitInfo{
				Dimension: d,
				Key:       k,
				MaxTokens: shape.MaxTokens,
				Interval:  shape.IntervalSeconds,
				Remaining: shape.MaxTokens,
			}
			if b, ok := l.buckets[d][k]; ok {
				info.Remaining = b.tokens
				info.Live = true
			}
			infos = append(infos, info)
		}
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Dimension != infos[j].Dimension {
			return infos[i].Dimension < infos[j].Dimension
		}
		return infos[i].Key < infos[j].Key
	})
	return infos
}

// knownKeys returns the union of configured and live keys for a dimension.
// Callers must hold the limiter mutex.
func (l *Limiter) knownKeys(dim Dimension) []string {
	set := map[string]bool{}
	switch dim {
	case DimensionAgent:
		for k := range l.limits.Agents {
			set[k] = true
		}
	case DimensionMessageType:
		for k := range l.limits.MessageTypes {
			set[k] = true
		}
	case DimensionPriority:
		for k := range l.limits.Priorities {
			set[k] = true
		}
	default:
		set[GlobalKey] = true
	}
	for k := range l.buckets[dim] {
		set[k] = true
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// UpdateLimit replaces one bucket's configuration and resets its live bucket
// so the new shape takes effect immediately.
func (l *Limiter) UpdateLimit(dim Dimension, key string, maxTokens int, intervalSeconds float64) error {
	if maxTokens < 1 {
		return core.NewValidationError("ratelimit", "max_tokens must be >= 1")
	}
	if intervalSeconds <= 0 {
		return core.NewValidationError("ratelimit", "interval_seconds must be > 0")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	shape := core.BucketConfig{MaxTokens: maxTokens, IntervalSeconds: intervalSeconds}
	switch dim {
	case DimensionAgent:
		l.limits.Agents[key] = shape
	case DimensionMessageType:
		l.limits.MessageTypes[key] = shape
	case DimensionPriority:
		l.limits.Priorities[key] = shape
	case DimensionGlobal:
		l.limits.Global = shape
		key = GlobalKey
	default:
		return core.NewValidationError("ratelimit", "unknown dimension "+string(dim))
	}
	delete(l.buckets[dim], key)

	l.logger.Info("Rate limit updated", map[string]interface{}{
		"operation":        "rate_limit_update",
		"dimension":        string(dim),
		"key":              key,
		"max_tokens":       maxTokens,
		"interval_seconds": intervalSeconds,
	})
	return nil
}

// SetAgentLimit is the common admin shortcut for tightening one agent.
func (l *Limiter) SetAgentLimit(agentID string, maxTokens int, intervalSeconds float64) error {
	return l.UpdateLimit(DimensionAgent, agentID, maxTokens, intervalSeconds)
}

// Remaining reports the live token count for one bucket, or the configured
// maximum when the bucket has never been used.
func (l *Limiter) Remaining(dim Dimension, key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if dim == DimensionGlobal {
		key = GlobalKey
	}
	if b, ok := l.buckets[dim][key]; ok {
		b.replenish(time.Now())
		return b.tokens
	}
	return l.shapeFor(dim, key).MaxTokens
}
