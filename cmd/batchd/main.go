// batchd runs commands at a delay given on stdin:
//
//	+ <n> <w1> .. <wn> <delay>   submit
//	-                            cancel the earliest pending job
//	r <id>                       cancel a job by id
//	p                            list pending jobs
//	q                            quit
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"batchd/internal/app"
	"batchd/internal/config"
)

var version = "dev"

var (
	cfgPath  string
	logLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "batchd",
		Short:         "Delayed batch job scheduler",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runDaemon,
	}
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to config file (.json, .yaml); defaults apply without one")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Read commands from stdin and run jobs when due (default)",
		Args:  cobra.NoArgs,
		RunE:  runDaemon,
	}
	for _, c := range []*cobra.Command{rootCmd, runCmd} {
		c.Flags().StringVar(&logLevel, "log-level", "", "Override logging.level (trace|debug|info|warn|error)")
	}

	rootCmd.AddCommand(runCmd, checkConfigCmd(), versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(app.Options{ConfigPath: cfgPath, LogLevel: logLevel})
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = a.Reason()
	}
	// Drain has its own bound; this only guards against a wedged step.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer stopCancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	return a.Err()
}

func checkConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate a config file and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfgPath == "" {
				return fmt.Errorf("--config is required")
			}
			if _, err := config.NewConfigManager(cfgPath).Load(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", cfgPath)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "batchd", version)
		},
	}
}
