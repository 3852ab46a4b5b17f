package toolexecutor

import (
	"context"
	"time"

	"github.com/harun/toolrelay/pkg/protocol"
)

// RegisterBuiltins adds the echo and ping tools used for end-to-end checks.
func RegisterBuiltins(te *ToolExecutor) error {
	builtins := []ToolDefinition{
		{
			Name:        "echo",
			Description: "Return the arguments unchanged",
			Capability:  protocol.DefaultCapability,
			InputSchema: map[string]interface{}{"type": "object"},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				return params, nil
			},
		},
		{
			Name:        "ping",
			Description: "Report that the worker is alive",
			Capability:  protocol.DefaultCapability,
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				out := map[string]interface{}{
					"pong": true,
					"time": te.now().UTC().Format(time.RFC3339Nano),
				}
				if execCtx := ExecContextFromContext(ctx); execCtx != nil {
					out["sessionCode"] = execCtx.SessionCode
				}
				return out, nil
			},
		},
	}
	for _, def := range builtins {
		if err := te.RegisterTool(def); err != nil {
			return err
		}
	}
	return nil
}
