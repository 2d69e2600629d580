// Command pulsewatchd runs the PulseWatch ingestion service and its
// maintenance commands.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"pulsewatch/internal/app"
	"pulsewatch/internal/config"
	"pulsewatch/internal/logger"
)

var exitFunc = os.Exit

type rootOptions struct {
	configPath string
	getenv     func(string) string
}

func main() {
	cmd := newRootCommand(os.Getenv)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "error:", err)
		exitFunc(1)
	}
}

func newRootCommand(getenv func(string) string) *cobra.Command {
	opts := &rootOptions{getenv: getenv}
	cmd := &cobra.Command{
		Use:           "pulsewatchd",
		Short:         "PulseWatch biometric recording ingestion service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newReindexCommand(opts))
	cmd.AddCommand(newVerifyCommand(opts))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

// open loads configuration and builds the application. The caller must
// close the returned App and sync the logger.
func (o *rootOptions) open(ctx context.Context) (*app.App, *logger.Logger, error) {
	cfg, err := config.Load(o.configPath, o.getenv)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(logger.Options{
		Mode:   cfg.Log.Mode,
		Level:  cfg.Log.Level,
		Redact: cfg.Log.RedactEnabled(),
		Salt:   cfg.Log.Salt,
	})
	if err != nil {
		return nil, nil, err
	}
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Sync()
		return nil, nil, err
	}
	return a, log, nil
}

func closeApp(a *app.App, log *logger.Logger) {
	if err := a.Close(context.Background()); err != nil {
		log.Warn("close", "error", err)
	}
	log.Sync()
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, log, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer closeApp(a, log)
			return a.Serve(ctx)
		},
	}
}

func newReindexCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the session catalog from the manifests in storage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, log, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a, log)
			n, err := a.Reindex(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reindexed %d sessions into %s catalog\n", n, a.Catalog.Driver())
			return nil
		},
	}
}

func newVerifyCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check every manifest against the recordings in storage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, log, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a, log)
			n, problems, err := a.Verify(cmd.Context())
			if err != nil {
				return err
			}
			return report(cmd.OutOrStdout(), n, problems)
		},
	}
}

func report(w io.Writer, sessions int, problems []app.Problem) error {
	for _, p := range problems {
		fmt.Fprintf(w, "%s: %s\n", p.Session, p.Detail)
	}
	if len(problems) > 0 {
		return fmt.Errorf("%d problems in %d sessions", len(problems), sessions)
	}
	fmt.Fprintf(w, "verified %d sessions\n", sessions)
	return nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), app.Version)
		},
	}
}
