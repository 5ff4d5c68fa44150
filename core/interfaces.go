package core

import (
	"context"
	"fmt"
)

// Logger interface - minimal logging interface
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// ComponentAwareLogger is implemented by loggers that can produce a child
// logger tagged with a component name (e.g. "framework/broker",
// "agent/translator"). Loggers that do not implement it are used as-is.
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// Telemetry interface - optional telemetry support
type Telemetry interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	RecordMetric(name string, value float64, labels map[string]string)
}

// Span represents a telemetry span
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

// TokenValidator is the boundary to the external auth system. The core never
// issues or stores tokens; it only asks whether a token is valid for a set of
// scopes and which subject it belongs to.
type TokenValidator interface {
	Validate(ctx context.Context, token string, requiredScopes []string) (*TokenInfo, error)
}

// MessagePublisher publishes encoded messages to an external subject.
// *nats.Conn satisfies it. Used to inject a transport into the egress
// bridge without dialing.
type MessagePublisher interface {
	Publish(subject string, data []byte) error
}

// TokenInfo is the validator's answer for one token.
type TokenInfo struct {
	Valid   bool
	Subject string
	Scopes  []string
}

// Scope strings known to the coordination core.
const (
	ScopeAgentRead      = "agent:read"
	ScopeAgentWrite     = "agent:write"
	ScopeAgentExecute   = "agent:execute"
	ScopeTaskRead       = "task:read"
	ScopeTaskWrite      = "task:write"
	ScopeTaskDistribute = "task:distribute"
	ScopeAdmin          = "admin"
)

// ScopesSatisfied reports whether every required scope is present in the
// granted set. The admin scope satisfies any requirement.
func ScopesSatisfied(granted []string, required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]bool, len(granted))
	for _, s := range granted {
		have[s] = true
	}
	if have[ScopeAdmin] {
		return true
	}
	for _, s := range required {
		if !have[s] {
			return false
		}
	}
	return true
}

// Authorize runs the token guard every guarded layer shares: token
// presence, validator verdict, scope coverage, and subject match when the
// operation acts for a named agent. Tokens carrying the admin scope may
// act for any agent. A nil validator trusts every caller and ignores the
// token.
func Authorize(ctx context.Context, v TokenValidator, component, token string, scopes []string, agentID string) error {
	if v == nil {
		return nil
	}
	if token == "" {
		return NewAuthenticationError(component, "auth token is required")
	}
	info, err := v.Validate(ctx, token, scopes)
	if err != nil {
		return Convert(err, component)
	}
	if info == nil || !info.Valid {
		return NewAuthenticationError(component, "token rejected by validator")
	}
	if !ScopesSatisfied(info.Scopes, scopes) {
		return NewAuthorizationError(component,
			fmt.Sprintf("token lacks required scopes %v", scopes))
	}
	if agentID != "" && info.Subject != agentID &&
		!ScopesSatisfied(info.Scopes, []string{ScopeAdmin}) {
		return NewSubjectMismatchError(component, info.Subject, agentID)
	}
	return nil
}

// Default no-op implementations

// NoOpLogger provides a no-op logger implementation
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

// NoOpTelemetry provides a no-op telemetry implementation
type NoOpTelemetry struct{}

func (n *NoOpTelemetry) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, &NoOpSpan{}
}

func (n *NoOpTelemetry) RecordMetric(name string, value float64, labels map[string]string) {}

// NoOpSpan provides a no-op span implementation
type NoOpSpan struct{}

func (n *NoOpSpan) End()                                       {}
func (n *NoOpSpan) SetAttribute(key string, value interface{}) {}
func (n *NoOpSpan) RecordError(err error)                      {}
