// ABOUTME: Authenticates the WebSocket upgrade request of an agent
// ABOUTME: Reads the token from the Authorization header or ?token= and binds it to the path id

package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Handshake errors
var (
	ErrMissingToken     = errors.New("missing token")
	ErrIdentityMismatch = errors.New("token subject does not match agent id")
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// TokenFromRequest returns the bearer token of r, falling back to the
// "token" query parameter since browsers cannot set headers on WebSocket dials.
func TokenFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		token, errMsg := extractBearerToken(h)
		if errMsg != "" {
			return "", fmt.Errorf("%w: %s", ErrMissingToken, errMsg)
		}
		return token, nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", ErrMissingToken
}

// AuthorizeAgent verifies the token on r and checks that it was issued to agentID.
func AuthorizeAgent(verifier TokenVerifier, r *http.Request, agentID string) (*AgentClaims, error) {
	token, err := TokenFromRequest(r)
	if err != nil {
		return nil, err
	}
	claims, err := verifier.Verify(token)
	if err != nil {
		return nil, err
	}
	if claims.AgentID != agentID {
		return nil, fmt.Errorf("%w: %q != %q", ErrIdentityMismatch, claims.AgentID, agentID)
	}
	return claims, nil
}
