package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration for the coordination core. It is pure
// data: defaults are compiled in, a JSON/YAML file may override them, then
// environment variables, then functional options.
//
// Precedence (lowest to highest):
//  1. DefaultConfig()
//  2. config file (AGENTMESH_CONFIG_FILE or WithConfigFile)
//  3. environment variables (AGENTMESH_*)
//  4. functional options
type Config struct {
	ServiceName string `json:"service_name" yaml:"service_name"`

	Logging     LoggingConfig     `json:"logging" yaml:"logging"`
	Development DevelopmentConfig `json:"development" yaml:"development"`

	RateLimit   RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
	Breaker     BreakerConfig     `json:"circuit_breaker" yaml:"circuit_breaker"`
	Broker      BrokerConfig      `json:"broker" yaml:"broker"`
	Comm        CommConfig        `json:"communication" yaml:"communication"`
	Distributor DistributorConfig `json:"distributor" yaml:"distributor"`

	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
	Redis     RedisConfig     `json:"redis" yaml:"redis"`
	NATS      NATSConfig      `json:"nats" yaml:"nats"`

	// Validator authenticates tokens on guarded operations. Nil runs the
	// core in trusted mode. Injected, never serialized.
	Validator TokenValidator `json:"-" yaml:"-"`
}

// LoggingConfig controls the ProductionLogger.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level"`
	Format     string `json:"format" yaml:"format"`
	Output     string `json:"output" yaml:"output"`
	TimeFormat string `json:"time_format" yaml:"time_format"`
}

// DevelopmentConfig contains settings for local development and testing.
// When Enabled=true the core uses development-friendly defaults:
// human-readable logs and debug logging.
type DevelopmentConfig struct {
	Enabled      bool `json:"enabled" yaml:"enabled"`
	DebugLogging bool `json:"debug_logging" yaml:"debug_logging"`
	PrettyLogs   bool `json:"pretty_logs" yaml:"pretty_logs"`
}

// BucketConfig is one token bucket's shape: capacity and replenish interval.
type BucketConfig struct {
	MaxTokens       int     `json:"max_tokens" yaml:"max_tokens"`
	IntervalSeconds float64 `json:"interval_seconds" yaml:"interval_seconds"`
}

// RateLimitConfig holds the per-dimension bucket configurations. Map keys are
// the dimension values: agent ids, lowercase message types, lowercase
// priorities.
type RateLimitConfig struct {
	AgentDefault       BucketConfig            `json:"agent_default" yaml:"agent_default"`
	Agents             map[string]BucketConfig `json:"agents" yaml:"agents"`
	MessageTypes       map[string]BucketConfig `json:"message_types" yaml:"message_types"`
	MessageTypeDefault BucketConfig            `json:"message_type_default" yaml:"message_type_default"`
	Priorities         map[string]BucketConfig `json:"priorities" yaml:"priorities"`
	Global             BucketConfig            `json:"global" yaml:"global"`

	ReplenishIntervalSeconds float64 `json:"replenish_interval_seconds" yaml:"replenish_interval_seconds"`
}

// BreakerConfig is the default shape for circuit breakers created through
// the registry. Individual breakers may override it at GetOrCreate time.
type BreakerConfig struct {
	FailureThreshold    int     `json:"failure_threshold" yaml:"failure_threshold"`
	ResetTimeoutSeconds float64 `json:"reset_timeout_seconds" yaml:"reset_timeout_seconds"`
	HalfOpenLimit       int     `json:"half_open_limit" yaml:"half_open_limit"`
	WindowSizeSeconds   float64 `json:"window_size_seconds" yaml:"window_size_seconds"`
}

// BrokerConfig controls the message broker.
type BrokerConfig struct {
	SweepIntervalSeconds float64 `json:"sweep_interval_seconds" yaml:"sweep_interval_seconds"`
	SubscriptionBuffer   int     `json:"subscription_buffer" yaml:"subscription_buffer"`
}

// CommConfig controls the communication manager guards.
type CommConfig struct {
	UseCircuitBreaker         bool    `json:"use_circuit_breaker" yaml:"use_circuit_breaker"`
	BreakerName               string  `json:"breaker_name" yaml:"breaker_name"`
	CapabilityJanitorSeconds  float64 `json:"capability_janitor_seconds" yaml:"capability_janitor_seconds"`
	CapabilityCacheTTLSeconds float64 `json:"capability_cache_ttl_seconds" yaml:"capability_cache_ttl_seconds"`

	// EnableContainerDomain adds a second broker for containerized agents
	// with membership-based routing.
	EnableContainerDomain bool `json:"enable_container_domain" yaml:"enable_container_domain"`
}

// DistributorConfig controls task distribution.
type DistributorConfig struct {
	DefaultStrategy string `json:"default_strategy" yaml:"default_strategy"`
}

// TelemetryConfig configures the OpenTelemetry provider.
type TelemetryConfig struct {
	Enabled        bool    `json:"enabled" yaml:"enabled"`
	Endpoint       string  `json:"endpoint" yaml:"endpoint"`
	Insecure       bool    `json:"insecure" yaml:"insecure"`
	StdoutFallback bool    `json:"stdout_fallback" yaml:"stdout_fallback"`
	SampleRate     float64 `json:"sample_rate" yaml:"sample_rate"`
}

// RedisConfig configures the optional Redis-backed rate limiter used in
// front of multi-replica deployments.
type RedisConfig struct {
	URL string `json:"url" yaml:"url"`
}

// NATSConfig configures the optional NATS egress bridge.
type NATSConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	URL           string `json:"url" yaml:"url"`
	SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix"`

	// Publisher overrides the dialed connection. Injected, never
	// serialized; when set, URL is not dialed.
	Publisher MessagePublisher `json:"-" yaml:"-"`
}

// DefaultConfig returns the compiled-in defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName: "agentmesh",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		RateLimit: RateLimitConfig{
			AgentDefault: BucketConfig{MaxTokens: 100, IntervalSeconds: 60},
			Agents:       map[string]BucketConfig{},
			MessageTypes: map[string]BucketConfig{
				"direct":        {MaxTokens: 50, IntervalSeconds: 60},
				"broadcast":     {MaxTokens: 10, IntervalSeconds: 60},
				"task_request":  {MaxTokens: 20, IntervalSeconds: 60},
				"task_response": {MaxTokens: 20, IntervalSeconds: 60},
				"status_update": {MaxTokens: 30, IntervalSeconds: 60},
				"error":         {MaxTokens: 20, IntervalSeconds: 60},
				"system":        {MaxTokens: 10, IntervalSeconds: 60},
			},
			MessageTypeDefault: BucketConfig{MaxTokens: 50, IntervalSeconds: 60},
			Priorities: map[string]BucketConfig{
				"high":   {MaxTokens: 50, IntervalSeconds: 60},
				"medium": {MaxTokens: 100, IntervalSeconds: 60},
				"low":    {MaxTokens: 200, IntervalSeconds: 60},
			},
			Global:                   BucketConfig{MaxTokens: 1000, IntervalSeconds: 60},
			ReplenishIntervalSeconds: 1,
		},
		Breaker: BreakerConfig{
			FailureThreshold:    5,
			ResetTimeoutSeconds: 30,
			HalfOpenLimit:       3,
			WindowSizeSeconds:   60,
		},
		Broker: BrokerConfig{
			SweepIntervalSeconds: 60,
			SubscriptionBuffer:   16,
		},
		Comm: CommConfig{
			UseCircuitBreaker:        true,
			BreakerName:              "agent_communication",
			CapabilityJanitorSeconds: 600,
		},
		Distributor: DistributorConfig{
			DefaultStrategy: "CAPABILITY_MATCH",
		},
		Telemetry: TelemetryConfig{
			Enabled:        false,
			StdoutFallback: true,
			SampleRate:     1.0,
		},
		NATS: NATSConfig{
			SubjectPrefix: "agentmesh.messages",
		},
	}
}

// DetectEnvironment adjusts defaults for the runtime environment. Kubernetes
// pods get JSON logs regardless of the development settings.
func (c *Config) DetectEnvironment() {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		c.Logging.Format = "json"
		c.Development.PrettyLogs = false
	}
}

// LoadFromEnv applies AGENTMESH_* environment variables. A configured
// AGENTMESH_CONFIG_FILE is loaded first so explicit variables still win.
func (c *Config) LoadFromEnv() error {
	if path := os.Getenv("AGENTMESH_CONFIG_FILE"); path != "" {
		if err := c.LoadFromFile(path); err != nil {
			return err
		}
	}

	if v := os.Getenv("AGENTMESH_SERVICE_NAME"); v != "" {
		c.ServiceName = v
	}
	if v := os.Getenv("AGENTMESH_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("AGENTMESH_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("AGENTMESH_LOG_OUTPUT"); v != "" {
		c.Logging.Output = v
	}
	if v := os.Getenv("AGENTMESH_DEV_MODE"); v != "" {
		c.Development.Enabled = parseBool(v)
	}
	if v := os.Getenv("AGENTMESH_DEBUG"); v != "" {
		c.Development.DebugLogging = parseBool(v)
	}
	if v := os.Getenv("AGENTMESH_PRETTY_LOGS"); v != "" {
		c.Development.PrettyLogs = parseBool(v)
	}

	if v := os.Getenv("AGENTMESH_RATE_AGENT_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimit.AgentDefault.MaxTokens = n
		}
	}
	if v := os.Getenv("AGENTMESH_RATE_AGENT_INTERVAL"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.RateLimit.AgentDefault.IntervalSeconds = f
		}
	}
	if v := os.Getenv("AGENTMESH_RATE_GLOBAL_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimit.Global.MaxTokens = n
		}
	}
	if v := os.Getenv("AGENTMESH_RATE_GLOBAL_INTERVAL"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.RateLimit.Global.IntervalSeconds = f
		}
	}

	if v := os.Getenv("AGENTMESH_BREAKER_FAILURE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Breaker.FailureThreshold = n
		}
	}
	if v := os.Getenv("AGENTMESH_BREAKER_RESET_TIMEOUT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Breaker.ResetTimeoutSeconds = f
		}
	}
	if v := os.Getenv("AGENTMESH_BREAKER_HALF_OPEN_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Breaker.HalfOpenLimit = n
		}
	}
	if v := os.Getenv("AGENTMESH_BREAKER_WINDOW"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Breaker.WindowSizeSeconds = f
		}
	}

	if v := os.Getenv("AGENTMESH_BROKER_SWEEP_INTERVAL"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Broker.SweepIntervalSeconds = f
		}
	}
	if v := os.Getenv("AGENTMESH_USE_CIRCUIT_BREAKER"); v != "" {
		c.Comm.UseCircuitBreaker = parseBool(v)
	}
	if v := os.Getenv("AGENTMESH_CONTAINER_DOMAIN"); v != "" {
		c.Comm.EnableContainerDomain = parseBool(v)
	}
	if v := os.Getenv("AGENTMESH_DEFAULT_STRATEGY"); v != "" {
		c.Distributor.DefaultStrategy = v
	}

	if v := os.Getenv("AGENTMESH_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = parseBool(v)
	}
	if v := os.Getenv("AGENTMESH_TELEMETRY_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	if v := os.Getenv("AGENTMESH_TELEMETRY_SAMPLE_RATE"); v != "" {
		if rate, err := strconv.ParseFloat(v, 64); err == nil && rate > 0 && rate <= 1 {
			c.Telemetry.SampleRate = rate
		}
	}

	if v := os.Getenv("AGENTMESH_REDIS_URL"); v != "" {
		c.Redis.URL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}

	if v := os.Getenv("AGENTMESH_NATS_ENABLED"); v != "" {
		c.NATS.Enabled = parseBool(v)
	}
	if v := os.Getenv("AGENTMESH_NATS_URL"); v != "" {
		c.NATS.URL = v
	} else if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("AGENTMESH_NATS_SUBJECT_PREFIX"); v != "" {
		c.NATS.SubjectPrefix = v
	}

	return nil
}

// LoadFromFile merges a JSON or YAML config file into the receiver.
func (c *Config) LoadFromFile(path string) error {
	cleanPath := filepath.Clean(path)

	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config file extension %s: %w", ext, ErrInvalidConfiguration)
	}

	if !filepath.IsAbs(cleanPath) {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get working directory: %w", err)
		}
		cleanPath = filepath.Join(wd, cleanPath)
	}

	data, err := os.ReadFile(filepath.Clean(cleanPath)) // nosec G304 -- path is validated
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cleanPath, err)
	}

	switch ext {
	case ".json":
		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse JSON config file: %w", ErrInvalidConfiguration)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse YAML config file: %w", ErrInvalidConfiguration)
		}
	}

	return nil
}

// Validate checks if the configuration is valid and returns an error if not.
// Called automatically by NewConfig() but safe to call after modification.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: "service name is required",
			Err:     ErrMissingConfiguration,
		}
	}

	buckets := map[string]BucketConfig{
		"agent_default":        c.RateLimit.AgentDefault,
		"message_type_default": c.RateLimit.MessageTypeDefault,
		"global":               c.RateLimit.Global,
	}
	for key, bc := range c.RateLimit.Agents {
		buckets["agents."+key] = bc
	}
	for key, bc := range c.RateLimit.MessageTypes {
		buckets["message_types."+key] = bc
	}
	for key, bc := range c.RateLimit.Priorities {
		buckets["priorities."+key] = bc
	}
	for name, bc := range buckets {
		if bc.MaxTokens < 1 {
			return &FrameworkError{
				Op:      "Config.Validate",
				Kind:    "config",
				Message: fmt.Sprintf("rate limit %s: max_tokens must be >= 1, got %d", name, bc.MaxTokens),
				Err:     ErrInvalidConfiguration,
			}
		}
		if bc.IntervalSeconds <= 0 {
			return &FrameworkError{
				Op:      "Config.Validate",
				Kind:    "config",
				Message: fmt.Sprintf("rate limit %s: interval_seconds must be > 0, got %v", name, bc.IntervalSeconds),
				Err:     ErrInvalidConfiguration,
			}
		}
	}
	if c.RateLimit.ReplenishIntervalSeconds <= 0 {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: "rate limit replenish_interval_seconds must be > 0",
			Err:     ErrInvalidConfiguration,
		}
	}

	if c.Breaker.FailureThreshold < 1 {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: fmt.Sprintf("circuit breaker failure_threshold must be >= 1, got %d", c.Breaker.FailureThreshold),
			Err:     ErrInvalidConfiguration,
		}
	}
	if c.Breaker.ResetTimeoutSeconds <= 0 {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: "circuit breaker reset_timeout_seconds must be > 0",
			Err:     ErrInvalidConfiguration,
		}
	}
	if c.Breaker.HalfOpenLimit < 1 {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: fmt.Sprintf("circuit breaker half_open_limit must be >= 1, got %d", c.Breaker.HalfOpenLimit),
			Err:     ErrInvalidConfiguration,
		}
	}
	if c.Breaker.WindowSizeSeconds <= 0 {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: "circuit breaker window_size_seconds must be > 0",
			Err:     ErrInvalidConfiguration,
		}
	}

	if c.Broker.SweepIntervalSeconds <= 0 {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: "broker sweep_interval_seconds must be > 0",
			Err:     ErrInvalidConfiguration,
		}
	}
	if c.Broker.SubscriptionBuffer < 1 {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: fmt.Sprintf("broker subscription_buffer must be >= 1, got %d", c.Broker.SubscriptionBuffer),
			Err:     ErrInvalidConfiguration,
		}
	}

	switch c.Distributor.DefaultStrategy {
	case "CAPABILITY_MATCH", "ROUND_ROBIN", "LOAD_BALANCED", "PRIORITY_BASED", "CUSTOM":
	default:
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: fmt.Sprintf("unknown default strategy %q", c.Distributor.DefaultStrategy),
			Err:     ErrInvalidConfiguration,
		}
	}

	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" && !c.Telemetry.StdoutFallback {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: "telemetry endpoint is required when telemetry is enabled without stdout fallback",
			Err:     ErrMissingConfiguration,
		}
	}

	if c.NATS.Enabled && c.NATS.URL == "" && c.NATS.Publisher == nil {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: "NATS URL is required when the bridge is enabled",
			Err:     ErrMissingConfiguration,
		}
	}

	return nil
}

// Option configures a Config. Options are applied after defaults, file and
// environment, so they always win.
type Option func(*Config) error

// NewConfig builds a validated configuration: defaults, then environment
// (including an optional config file), then options.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()
	cfg.DetectEnvironment()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// WithServiceName sets the service name used in logs and telemetry.
func WithServiceName(name string) Option {
	return func(c *Config) error {
		c.ServiceName = name
		return nil
	}
}

// WithLogLevel sets the minimum logging level (debug, info, warn, error).
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.Logging.Level = level
		return nil
	}
}

// WithLogFormat selects json or text log output.
func WithLogFormat(format string) Option {
	return func(c *Config) error {
		c.Logging.Format = format
		return nil
	}
}

// WithDevelopmentMode enables development defaults: pretty logs and debug
// logging.
func WithDevelopmentMode() Option {
	return func(c *Config) error {
		c.Development.Enabled = true
		c.Development.DebugLogging = true
		c.Development.PrettyLogs = true
		return nil
	}
}

// WithConfigFile merges the given JSON/YAML file when the option is applied.
// Place it before other options so explicit options still win.
func WithConfigFile(path string) Option {
	return func(c *Config) error {
		return c.LoadFromFile(path)
	}
}

// WithAgentRateLimit overrides the bucket for one agent id.
func WithAgentRateLimit(agentID string, maxTokens int, intervalSeconds float64) Option {
	return func(c *Config) error {
		if c.RateLimit.Agents == nil {
			c.RateLimit.Agents = map[string]BucketConfig{}
		}
		c.RateLimit.Agents[agentID] = BucketConfig{MaxTokens: maxTokens, IntervalSeconds: intervalSeconds}
		return nil
	}
}

// WithAgentDefaultLimit overrides the default per-agent bucket.
func WithAgentDefaultLimit(maxTokens int, intervalSeconds float64) Option {
	return func(c *Config) error {
		c.RateLimit.AgentDefault = BucketConfig{MaxTokens: maxTokens, IntervalSeconds: intervalSeconds}
		return nil
	}
}

// WithGlobalLimit overrides the process-wide bucket.
func WithGlobalLimit(maxTokens int, intervalSeconds float64) Option {
	return func(c *Config) error {
		c.RateLimit.Global = BucketConfig{MaxTokens: maxTokens, IntervalSeconds: intervalSeconds}
		return nil
	}
}

// WithMessageTypeLimit overrides the bucket for one message type.
func WithMessageTypeLimit(msgType MessageType, maxTokens int, intervalSeconds float64) Option {
	return func(c *Config) error {
		if c.RateLimit.MessageTypes == nil {
			c.RateLimit.MessageTypes = map[string]BucketConfig{}
		}
		c.RateLimit.MessageTypes[string(msgType)] = BucketConfig{MaxTokens: maxTokens, IntervalSeconds: intervalSeconds}
		return nil
	}
}

// WithPriorityLimit overrides the bucket for one priority class.
func WithPriorityLimit(priority Priority, maxTokens int, intervalSeconds float64) Option {
	return func(c *Config) error {
		if c.RateLimit.Priorities == nil {
			c.RateLimit.Priorities = map[string]BucketConfig{}
		}
		c.RateLimit.Priorities[string(priority)] = BucketConfig{MaxTokens: maxTokens, IntervalSeconds: intervalSeconds}
		return nil
	}
}

// WithBreakerDefaults overrides the registry-wide breaker defaults.
func WithBreakerDefaults(failureThreshold int, resetTimeoutSeconds float64, halfOpenLimit int, windowSeconds float64) Option {
	return func(c *Config) error {
		c.Breaker = BreakerConfig{
			FailureThreshold:    failureThreshold,
			ResetTimeoutSeconds: resetTimeoutSeconds,
			HalfOpenLimit:       halfOpenLimit,
			WindowSizeSeconds:   windowSeconds,
		}
		return nil
	}
}

// WithSweepInterval overrides the broker's TTL sweep cadence.
func WithSweepInterval(seconds float64) Option {
	return func(c *Config) error {
		c.Broker.SweepIntervalSeconds = seconds
		return nil
	}
}

// WithoutCircuitBreaker disables the breaker wrap on communication calls by
// default (individual calls may still opt in or out).
func WithoutCircuitBreaker() Option {
	return func(c *Config) error {
		c.Comm.UseCircuitBreaker = false
		return nil
	}
}

// WithDefaultStrategy sets the distributor's default selection strategy.
func WithDefaultStrategy(strategy string) Option {
	return func(c *Config) error {
		c.Distributor.DefaultStrategy = strings.ToUpper(strategy)
		return nil
	}
}

// WithTelemetryEndpoint enables telemetry export to the given OTLP endpoint.
func WithTelemetryEndpoint(endpoint string) Option {
	return func(c *Config) error {
		c.Telemetry.Enabled = true
		c.Telemetry.Endpoint = endpoint
		return nil
	}
}

// WithRedisURL configures the Redis connection for the distributed limiter.
func WithRedisURL(url string) Option {
	return func(c *Config) error {
		c.Redis.URL = url
		return nil
	}
}

// WithNATSBridge enables the egress bridge publishing delivered messages to
// NATS subjects under the configured prefix.
func WithNATSBridge(url string) Option {
	return func(c *Config) error {
		c.NATS.Enabled = true
		c.NATS.URL = url
		return nil
	}
}

// WithTokenValidator runs every guarded operation through the given
// validator. Without one the core trusts its callers.
func WithTokenValidator(v TokenValidator) Option {
	return func(c *Config) error {
		c.Validator = v
		return nil
	}
}

// WithContainerDomain adds a second broker for containerized agents with
// membership-based routing.
func WithContainerDomain() Option {
	return func(c *Config) error {
		c.Comm.EnableContainerDomain = true
		return nil
	}
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
