package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "backfill",
		Short: "Replay payment and refund events onto the event queue",
		Long: `Replay payment and refund events onto the event queue.

Runs exit 0 once the range has been walked, even if individual resources
failed; those failures are logged with the resource id.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(chargesCmd())
	root.AddCommand(datesCmd())
	root.AddCommand(refundsCmd())
	root.AddCommand(ledgerCmd())
	root.AddCommand(migrateCmd())

	return root
}
