// ABOUTME: Authentication context for tracking agent identity through request handlers
// ABOUTME: Provides WithAgent/FromContext for propagating claims via context

package auth

import (
	"context"
)

// agentContextKey is the key type for storing AgentClaims in context.Context.
type agentContextKey struct{}

// WithAgent returns a new context with the claims attached.
func WithAgent(ctx context.Context, claims *AgentClaims) context.Context {
	return context.WithValue(ctx, agentContextKey{}, claims)
}

// FromContext retrieves the AgentClaims from the context, returning nil if not present.
func FromContext(ctx context.Context) *AgentClaims {
	claims, _ := ctx.Value(agentContextKey{}).(*AgentClaims)
	return claims
}
