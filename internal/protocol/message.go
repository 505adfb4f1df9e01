// ABOUTME: Closed set of message types understood by the router and agents.
// ABOUTME: Adding a type here is a routing change, not a payload change.

package protocol

// MessageType tags an envelope and drives dispatch.
type MessageType string

const (
	TypeProcessUserRequest MessageType = "PROCESS_USER_REQUEST"
	TypeTaskAssign         MessageType = "TASK_ASSIGN"
	TypeTaskComplete       MessageType = "TASK_COMPLETE"
	TypeTaskFail           MessageType = "TASK_FAIL"
	TypePing               MessageType = "PING"
	TypePong               MessageType = "PONG"
	TypeError              MessageType = "ERROR"

	// Discovery sub-protocol, addressed with target_service "DISCOVERY".
	TypeDiscoveryRegister   MessageType = "DISCOVERY_REGISTER"
	TypeDiscoveryDeregister MessageType = "DISCOVERY_DEREGISTER"
	TypeDiscoveryQuery      MessageType = "DISCOVERY_QUERY"
	TypeDiscoveryAck        MessageType = "DISCOVERY_ACK"
	TypeDiscoveryResult     MessageType = "DISCOVERY_RESULT"
)

// ServiceDiscovery is the target_service value that routes to discovery.
const ServiceDiscovery = "DISCOVERY"

// RouterID is the sender_id of every envelope the router originates.
const RouterID = "ROUTER"

// Known reports whether t is part of the protocol.
func (t MessageType) Known() bool {
	switch t {
	case TypeProcessUserRequest, TypeTaskAssign, TypeTaskComplete, TypeTaskFail,
		TypePing, TypePong, TypeError,
		TypeDiscoveryRegister, TypeDiscoveryDeregister, TypeDiscoveryQuery,
		TypeDiscoveryAck, TypeDiscoveryResult:
		return true
	default:
		return false
	}
}

// IsDiscovery reports whether t belongs to the discovery sub-protocol.
func (t MessageType) IsDiscovery() bool {
	switch t {
	case TypeDiscoveryRegister, TypeDiscoveryDeregister, TypeDiscoveryQuery,
		TypeDiscoveryAck, TypeDiscoveryResult:
		return true
	default:
		return false
	}
}

func (t MessageType) String() string {
	return string(t)
}
