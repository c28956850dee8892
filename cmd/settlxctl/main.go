package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"settlx/internal/app"
	"settlx/internal/config"
	"settlx/internal/logging"
)

var Version = "dev"

type rootOptions struct {
	verbose bool
	json    bool
	flush   func()
}

func main() {
	_ = godotenv.Load()

	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "settlxctl",
		Short:         "Operate the SettlX settlement contract and reconcile its payments",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log pipeline activity to stderr")
	rootCmd.PersistentFlags().BoolVar(&opts.json, "json", false, "Print results as JSON")

	rootCmd.AddCommand(reconcileCmd(opts))
	rootCmd.AddCommand(rateCmd(opts))
	rootCmd.AddCommand(payCmd(opts))
	rootCmd.AddCommand(acceptCmd(opts))
	rootCmd.AddCommand(paymentWriteCmd(opts, "reject", "Reject a pending payment (merchant only)", rejectCall))
	rootCmd.AddCommand(paymentWriteCmd(opts, "mark-paid", "Mark an accepted payment as paid out (admin only)", markPaidCall))
	rootCmd.AddCommand(bankCmd(opts, "register-bank", "Register the signer's bank details", registerBankCall))
	rootCmd.AddCommand(bankCmd(opts, "update-bank", "Update the signer's bank details", updateBankCall))
	rootCmd.AddCommand(signCmd())

	err := rootCmd.Execute()
	opts.flushLogs()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (o *rootOptions) logger(cfg *config.AppConfig) *slog.Logger {
	if !o.verbose {
		return logging.Discard()
	}
	logger, flush := logging.Setup(logging.Options{
		Service: "settlxctl",
		Env:     cfg.Logging.Env,
		Level:   slog.LevelDebug,
		LokiURL: cfg.Logging.LokiURL,
		Output:  os.Stderr,
	})
	o.flush = flush
	return logger
}

func (o *rootOptions) flushLogs() {
	if o.flush != nil {
		o.flush()
	}
}

// pipeline loads configuration and wires the chain-facing components.
func (o *rootOptions) pipeline(ctx context.Context, mutate func(*config.AppConfig) error) (*app.Components, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if mutate != nil {
		if err := mutate(cfg); err != nil {
			return nil, err
		}
	}
	return app.Build(ctx, cfg, o.logger(cfg), app.Options{})
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
