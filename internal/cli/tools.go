package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var toolsAPIVersion string

var toolsCmd = &cobra.Command{
	Use:   "tools <code>",
	Short: "List the tools available to a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runTools,
}

func init() {
	toolsCmd.Flags().StringVar(&relayURL, "relay", "", "relay base URL (default is worker.relay_url)")
	toolsCmd.Flags().StringVar(&toolsAPIVersion, "api-version", "", "requested API version (semver range)")
	toolsCmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
	rootCmd.AddCommand(toolsCmd)
}

func runTools(cmd *cobra.Command, args []string) error {
	client, err := newRelayClient(cmd)
	if err != nil {
		return err
	}

	manifest, err := client.Metadata(cmd.Context(), normalizeCode(args[0]), toolsAPIVersion)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd, manifest)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "API version: %s\n", manifest.APIVersion)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tCAPABILITY\tDESCRIPTION")
	for _, tool := range manifest.Tools {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", tool.Name, tool.RequiredCapability(), tool.Description)
	}
	return tw.Flush()
}
