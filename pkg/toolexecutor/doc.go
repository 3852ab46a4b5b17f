// Package toolexecutor routes a tool call to its registered handler.
//
// Invariants:
// - Tool names are unique.
// - A tool runs only if the caller's capability set grants its capability.
// - Arguments are schema-validated before the handler sees them.
// - Every failure is classified as one protocol error kind.
//
// Usage:
//
//	exec := toolexecutor.New()
//	_ = exec.RegisterTool(toolexecutor.ToolDefinition{
//		Name:        "echo",
//		Description: "Echo input",
//		Parameters:  []toolexecutor.ToolParameter{{Name: "text", Type: "string", Description: "text", Required: true}},
//		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
//			return params["text"], nil
//		},
//	})
//	result, err := exec.Execute(ctx, "echo", args, protocol.NewCapabilitySet("BASE"))
package toolexecutor
