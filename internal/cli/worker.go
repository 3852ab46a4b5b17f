package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/toolrelay/internal/daemon"
)

var (
	workerRelay   string
	workerBinding string
)

var workerCmd = &cobra.Command{
	Use:   "worker [code]",
	Short: "Connect a worker to a session",
	Long: `Connect a worker to the session with the given code and execute the
tool calls delivered to it. The worker prefers a push stream and falls back
to polling when the stream keeps failing. Without an argument the code is
taken from worker.session_code.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&workerRelay, "relay", "", "relay base URL (overrides worker.relay_url)")
	workerCmd.Flags().StringVar(&workerBinding, "binding", "", "push binding: sse or websocket (overrides worker.binding)")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("relay") {
		cfg.Worker.RelayURL = workerRelay
	}
	if cmd.Flags().Changed("binding") {
		cfg.Worker.Binding = workerBinding
	}

	code := ""
	if len(args) == 1 {
		code = normalizeCode(args[0])
	}

	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	worker, err := daemon.NewWorker(cfg, log, code)
	if err != nil {
		return err
	}
	if err := worker.Start(cmd.Context()); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Worker connected to %s\n", cfg.Worker.RelayURL)
	if err := worker.Wait(cmd.Context()); err != nil {
		return fmt.Errorf("worker stopped: %w", err)
	}
	return nil
}
