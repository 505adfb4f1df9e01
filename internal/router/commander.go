// ABOUTME: Picks the agent that receives PROCESS_USER_REQUEST envelopes.
// ABOUTME: Explicit commander role first, then identifier pattern; smallest id wins ties.

package router

import (
	"strings"

	"github.com/2389/coven-router/internal/agent"
)

// RoleCommander is the connection role that marks an explicit commander.
const RoleCommander = "commander"

// DefaultCommanderPattern is matched case-insensitively against agent ids
// when no connection declared the commander role.
const DefaultCommanderPattern = "commander"

// Directory lists live connections.
type Directory interface {
	Connections() []*agent.Connection
}

// CommanderResolver finds the commander among live connections.
type CommanderResolver struct {
	dir     Directory
	pattern string
}

// NewCommanderResolver creates a resolver. An empty pattern uses DefaultCommanderPattern.
func NewCommanderResolver(dir Directory, pattern string) *CommanderResolver {
	if pattern == "" {
		pattern = DefaultCommanderPattern
	}
	return &CommanderResolver{dir: dir, pattern: strings.ToLower(pattern)}
}

// Resolve returns the commander id for a request from requesterID.
// The requester is never chosen as its own commander.
func (r *CommanderResolver) Resolve(requesterID string) (string, bool) {
	var byRole, byName string
	for _, conn := range r.dir.Connections() {
		if conn.ID == requesterID || conn.Closed() {
			continue
		}
		if conn.Role == RoleCommander {
			if byRole == "" || conn.ID < byRole {
				byRole = conn.ID
			}
			continue
		}
		if strings.Contains(strings.ToLower(conn.ID), r.pattern) {
			if byName == "" || conn.ID < byName {
				byName = conn.ID
			}
		}
	}
	if byRole != "" {
		return byRole, true
	}
	if byName != "" {
		return byName, true
	}
	return "", false
}
