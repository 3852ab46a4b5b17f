package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/toolrelay/internal/daemon"
)

var (
	serveHost    string
	servePort    int
	serveBackend string
	serveCatalog string
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"start"},
	Short:   "Run the relay server",
	Long: `Run the relay server in the foreground.
It serves session management, the request and response exchange, the push
streams and the tool manifest until interrupted.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen host (overrides server.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides server.port)")
	serveCmd.Flags().StringVar(&serveBackend, "store", "", "store backend: memory, redis or sqlite (overrides store.backend)")
	serveCmd.Flags().StringVar(&serveCatalog, "manifest", "", "tool manifest file (overrides catalog.path)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host = serveHost
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = servePort
	}
	if cmd.Flags().Changed("store") {
		cfg.Store.Backend = serveBackend
	}
	if cmd.Flags().Changed("manifest") {
		cfg.Catalog.Path = serveCatalog
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	relay, err := daemon.NewRelay(cfg, log)
	if err != nil {
		return err
	}
	if err := relay.Start(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Relay listening on %s\n", relay.Addr())
	relay.Wait(cmd.Context())
	return nil
}
