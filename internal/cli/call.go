package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/harun/toolrelay/pkg/protocol"
)

var (
	callRequestID string
	callTimeout   time.Duration
)

var callCmd = &cobra.Command{
	Use:   "call <code> <tool> [params-json]",
	Short: "Call a tool through a session and wait for its result",
	Long: `Enqueue a tool call for the worker attached to the session and wait for
the response. Params are a JSON object; they default to {}.`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runCall,
}

func init() {
	callCmd.Flags().StringVar(&relayURL, "relay", "", "relay base URL (default is worker.relay_url)")
	callCmd.Flags().StringVar(&callRequestID, "id", "", "request ID (default is a random UUID)")
	callCmd.Flags().DurationVar(&callTimeout, "timeout", time.Minute, "how long to wait for the response")
	rootCmd.AddCommand(callCmd)
}

func runCall(cmd *cobra.Command, args []string) error {
	code, tool := normalizeCode(args[0]), args[1]

	params := protocol.MustValue(map[string]interface{}{})
	if len(args) == 3 {
		parsed, err := protocol.ParseValue([]byte(args[2]))
		if err != nil {
			return fmt.Errorf("invalid params: %w", err)
		}
		params = parsed
	}

	requestID := callRequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	client, err := newRelayClient(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
	defer cancel()

	if _, err := client.Enqueue(ctx, code, requestID, tool, params); err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", tool, err)
	}

	resp, err := client.Await(ctx, requestID)
	if err != nil {
		return fmt.Errorf("no response for %s: %w", requestID, err)
	}
	if resp.Error != nil {
		return fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
	}

	result := "null"
	if resp.Result != nil {
		result = resp.Result.String()
	}
	fmt.Fprintln(cmd.OutOrStdout(), result)
	return nil
}
