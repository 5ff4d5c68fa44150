// Package agentmesh is a lightweight meta-module that re-exports the
// coordination core's public surface. This is the main entry point for the
// AgentMesh framework; import the specific packages based on your needs:
//   - github.com/agentmesh/agentmesh/core - messages, configuration, errors
//   - github.com/agentmesh/agentmesh/orchestrator - the assembled core
//   - github.com/agentmesh/agentmesh/telemetry - OpenTelemetry wiring
package agentmesh

import (
	"github.com/agentmesh/agentmesh/core"
	"github.com/agentmesh/agentmesh/distributor"
	"github.com/agentmesh/agentmesh/orchestrator"
)

// Re-export core types
type (
	// Message types
	Message       = core.Message
	MessageType   = core.MessageType
	Priority      = core.Priority
	MessageOption = core.MessageOption

	// Configuration types
	Config            = core.Config
	Option            = core.Option
	LoggingConfig     = core.LoggingConfig
	DevelopmentConfig = core.DevelopmentConfig
	BucketConfig      = core.BucketConfig
	RateLimitConfig   = core.RateLimitConfig
	BreakerConfig     = core.BreakerConfig
	BrokerConfig      = core.BrokerConfig
	CommConfig        = core.CommConfig
	DistributorConfig = core.DistributorConfig
	TelemetryConfig   = core.TelemetryConfig
	RedisConfig       = core.RedisConfig
	NATSConfig        = core.NATSConfig

	// Interfaces
	Logger         = core.Logger
	Telemetry      = core.Telemetry
	Span           = core.Span
	TokenValidator = core.TokenValidator
	TokenInfo      = core.TokenInfo

	// Error taxonomy
	CoordError    = core.CoordError
	ErrorCategory = core.ErrorCategory

	// Orchestration types
	Core                = orchestrator.Core
	Strategy            = distributor.Strategy
	DistributionRequest = distributor.DistributionRequest
	DistributionResult  = distributor.DistributionResult
)

// Re-export message constants
const (
	MessageTypeDirect       = core.MessageTypeDirect
	MessageTypeBroadcast    = core.MessageTypeBroadcast
	MessageTypeTaskRequest  = core.MessageTypeTaskRequest
	MessageTypeTaskResponse = core.MessageTypeTaskResponse
	MessageTypeStatusUpdate = core.MessageTypeStatusUpdate
	MessageTypeError        = core.MessageTypeError
	MessageTypeSystem       = core.MessageTypeSystem

	PriorityHigh   = core.PriorityHigh
	PriorityMedium = core.PriorityMedium
	PriorityLow    = core.PriorityLow
)

// Re-export selection strategies
const (
	StrategyCapabilityMatch = distributor.StrategyCapabilityMatch
	StrategyRoundRobin      = distributor.StrategyRoundRobin
	StrategyLoadBalanced    = distributor.StrategyLoadBalanced
	StrategyPriorityBased   = distributor.StrategyPriorityBased
	StrategyCustom          = distributor.StrategyCustom
)

// Re-export token scopes
const (
	ScopeAgentRead      = core.ScopeAgentRead
	ScopeAgentWrite     = core.ScopeAgentWrite
	ScopeAgentExecute   = core.ScopeAgentExecute
	ScopeTaskRead       = core.ScopeTaskRead
	ScopeTaskWrite      = core.ScopeTaskWrite
	ScopeTaskDistribute = core.ScopeTaskDistribute
	ScopeAdmin          = core.ScopeAdmin
)

// Re-export core functions
var (
	NewMessage    = core.NewMessage
	NewConfig     = core.NewConfig
	DefaultConfig = core.DefaultConfig

	// Message options
	WithRecipient     = core.WithRecipient
	WithPriority      = core.WithPriority
	WithCorrelationID = core.WithCorrelationID
	WithTTL           = core.WithTTL
	WithMetadata      = core.WithMetadata

	// Configuration options
	WithServiceName       = core.WithServiceName
	WithLogLevel          = core.WithLogLevel
	WithLogFormat         = core.WithLogFormat
	WithDevelopmentMode   = core.WithDevelopmentMode
	WithConfigFile        = core.WithConfigFile
	WithAgentRateLimit    = core.WithAgentRateLimit
	WithAgentDefaultLimit = core.WithAgentDefaultLimit
	WithGlobalLimit       = core.WithGlobalLimit
	WithMessageTypeLimit  = core.WithMessageTypeLimit
	WithPriorityLimit     = core.WithPriorityLimit
	WithBreakerDefaults   = core.WithBreakerDefaults
	WithSweepInterval     = core.WithSweepInterval
	WithoutCircuitBreaker = core.WithoutCircuitBreaker
	WithDefaultStrategy   = core.WithDefaultStrategy
	WithTelemetryEndpoint = core.WithTelemetryEndpoint
	WithRedisURL          = core.WithRedisURL
	WithNATSBridge        = core.WithNATSBridge
	WithTokenValidator    = core.WithTokenValidator
	WithContainerDomain   = core.WithContainerDomain
)

// New assembles a coordination core from the compiled defaults, the
// environment, and the given options.
func New(opts ...core.Option) (*orchestrator.Core, error) {
	return orchestrator.New(nil, opts...)
}

// NewWithConfig assembles a coordination core from an explicit
// configuration. opts are applied on top before validation.
func NewWithConfig(cfg *core.Config, opts ...core.Option) (*orchestrator.Core, error) {
	return orchestrator.New(cfg, opts...)
}
