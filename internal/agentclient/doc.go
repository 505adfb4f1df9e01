// Package agentclient is the agent side of the coven-router protocol.
//
// An agent implements Handler and hands it to a Client:
//
//	c, err := agentclient.Dial(ctx, agentclient.Options{
//	    URL:          "ws://localhost:8080/ws/",
//	    AgentID:      "scorer_01",
//	    Capabilities: []string{"safety_scoring"},
//	    Handler:      scorer,
//	})
//	if err != nil {
//	    return err
//	}
//	return c.Run(ctx)
//
// Run announces the capabilities through discovery, answers every
// TASK_ASSIGN with TASK_COMPLETE or TASK_FAIL addressed to the assigning
// agent under the same correlation id, and pings the router periodically.
// AssignTask, Query and Ping are request/response helpers correlated by id.
package agentclient
