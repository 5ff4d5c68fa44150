package core

import (
	"context"
	"sync"
)

// MockTokenValidator provides an in-memory mock implementation of
// TokenValidator for tests and local development. Tokens are registered with
// a subject and scope set; unknown tokens validate as invalid rather than
// erroring, matching how a real validator answers for well-formed but revoked
// tokens.
type MockTokenValidator struct {
	mu     sync.RWMutex
	tokens map[string]*TokenInfo
	calls  []ValidateCall
	err    error
}

// ValidateCall records one Validate invocation for assertion in tests.
type ValidateCall struct {
	Token          string
	RequiredScopes []string
}

// NewMockTokenValidator creates an empty mock validator.
func NewMockTokenValidator() *MockTokenValidator {
	return &MockTokenValidator{
		tokens: make(map[string]*TokenInfo),
	}
}

// AddToken registers a token with its subject and granted scopes.
func (m *MockTokenValidator) AddToken(token, subject string, scopes ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tokens[token] = &TokenInfo{
		Valid:   true,
		Subject: subject,
		Scopes:  scopes,
	}
}

// RevokeToken makes a previously added token invalid.
func (m *MockTokenValidator) RevokeToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tokens, token)
}

// FailWith makes every Validate call return err, simulating an unreachable
// validator.
func (m *MockTokenValidator) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.err = err
}

// Validate implements TokenValidator.
func (m *MockTokenValidator) Validate(ctx context.Context, token string, requiredScopes []string) (*TokenInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.calls = append(m.calls, ValidateCall{Token: token, RequiredScopes: requiredScopes})
	err := m.err
	info, exists := m.tokens[token]
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if !exists {
		return &TokenInfo{Valid: false}, nil
	}

	// Valid reports token authenticity; scope sufficiency is the caller's
	// check so authentication and authorization failures stay distinct.
	result := &TokenInfo{
		Valid:   true,
		Subject: info.Subject,
		Scopes:  append([]string(nil), info.Scopes...),
	}
	return result, nil
}

// Calls returns the recorded Validate invocations.
func (m *MockTokenValidator) Calls() []ValidateCall {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]ValidateCall(nil), m.calls...)
}
