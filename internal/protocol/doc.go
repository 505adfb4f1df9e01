// Package protocol defines the envelope exchanged between agents and the router.
//
// # Wire Format
//
// Every frame is a single JSON object:
//
//	{
//	  "mcp_header": {
//	    "message_type":    "TASK_ASSIGN",
//	    "sender_id":       "planner_agent_01",
//	    "correlation_id":  "wf-42",
//	    "target_agent_id": "scoring_agent_03",
//	    "target_service":  null
//	  },
//	  "payload": { ... }
//	}
//
// The payload is owned by the message type and is kept as raw JSON. The router
// never inspects it except to build a PONG.
//
// # Errors
//
// Every rejection uses the same error envelope, always sent from "ROUTER":
//
//	{"mcp_header": {"message_type": "ERROR", "sender_id": "ROUTER", ...},
//	 "payload": {"error_code": "E004", "error_message": "..."}}
//
// See ErrorCode for the code table.
package protocol
