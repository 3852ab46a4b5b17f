package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/toolrelay/internal/config"
	"github.com/harun/toolrelay/pkg/protocol"
	"github.com/harun/toolrelay/pkg/relayclient"
)

var (
	relayURL     string
	jsonOutput   bool
	capabilities []string
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage relay sessions",
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a session and print its code",
	Args:  cobra.NoArgs,
	RunE:  runSessionCreate,
}

var sessionGetCmd = &cobra.Command{
	Use:   "get <code>",
	Short: "Show a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionGet,
}

var sessionRenewCmd = &cobra.Command{
	Use:   "renew <code>",
	Short: "Extend a session by its TTL",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionRenew,
}

var sessionQueueCmd = &cobra.Command{
	Use:   "queue <code>",
	Short: "Show requests waiting for a worker",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionQueue,
}

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete <code>",
	Short: "Delete a session and drop its pending requests",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionDelete,
}

func init() {
	sessionCmd.PersistentFlags().StringVar(&relayURL, "relay", "", "relay base URL (default is worker.relay_url)")
	sessionCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON")
	sessionCreateCmd.Flags().StringSliceVar(&capabilities, "capability", nil, "capability granted to the session (repeatable)")

	sessionCmd.AddCommand(sessionCreateCmd)
	sessionCmd.AddCommand(sessionGetCmd)
	sessionCmd.AddCommand(sessionRenewCmd)
	sessionCmd.AddCommand(sessionQueueCmd)
	sessionCmd.AddCommand(sessionDeleteCmd)
	rootCmd.AddCommand(sessionCmd)
}

// newRelayClient builds a client for --relay, falling back to the
// configured worker relay URL.
func newRelayClient(cmd *cobra.Command) (*relayclient.Client, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	base := cfg.Worker.RelayURL
	if relayURL != "" {
		base = relayURL
	}
	return relayclient.New(relayclient.Options{BaseURL: base, Timeout: cfg.Worker.RequestTimeout})
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func runSessionCreate(cmd *cobra.Command, args []string) error {
	client, err := newRelayClient(cmd)
	if err != nil {
		return err
	}

	created, err := client.CreateSession(cmd.Context(), capabilities)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd, created)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Code: %s\n", created.Code)
	fmt.Fprintf(cmd.OutOrStdout(), "Expires: %s (in %s)\n", created.ExpiresAt.Format(time.RFC3339), formatDuration(time.Duration(created.TTL)*time.Second))
	fmt.Fprintf(cmd.OutOrStdout(), "Capabilities: %s\n", strings.Join(created.Capabilities, ", "))
	return nil
}

func runSessionGet(cmd *cobra.Command, args []string) error {
	client, err := newRelayClient(cmd)
	if err != nil {
		return err
	}

	session, err := client.GetSession(cmd.Context(), normalizeCode(args[0]))
	if err != nil {
		return err
	}
	return printSession(cmd, session)
}

func runSessionRenew(cmd *cobra.Command, args []string) error {
	client, err := newRelayClient(cmd)
	if err != nil {
		return err
	}

	session, err := client.RenewSession(cmd.Context(), normalizeCode(args[0]))
	if err != nil {
		return err
	}
	return printSession(cmd, session)
}

func runSessionQueue(cmd *cobra.Command, args []string) error {
	client, err := newRelayClient(cmd)
	if err != nil {
		return err
	}

	snapshot, err := client.Queue(cmd.Context(), normalizeCode(args[0]))
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd, snapshot)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Queued: %d\n", snapshot.Length)
	if len(snapshot.Pending) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTOOL\tWAITING")
	for _, req := range snapshot.Pending {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", req.ID, req.Tool, formatDuration(time.Since(req.EnqueuedAt)))
	}
	return tw.Flush()
}

func runSessionDelete(cmd *cobra.Command, args []string) error {
	client, err := newRelayClient(cmd)
	if err != nil {
		return err
	}

	code := normalizeCode(args[0])
	if err := client.DeleteSession(cmd.Context(), code); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s\n", code)
	return nil
}

func printSession(cmd *cobra.Command, session protocol.Session) error {
	if jsonOutput {
		return printJSON(cmd, session)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Code: %s\n", session.Code)
	fmt.Fprintf(cmd.OutOrStdout(), "Created: %s\n", session.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(cmd.OutOrStdout(), "Expires: %s (in %s)\n", session.ExpiresAt.Format(time.RFC3339), formatDuration(session.Remaining(time.Now())))
	fmt.Fprintf(cmd.OutOrStdout(), "Capabilities: %s\n", strings.Join(session.Capabilities, ", "))
	return nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
