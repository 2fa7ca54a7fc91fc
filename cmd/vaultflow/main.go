package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dwsmith1983/vaultflow/internal/commands"
)

var version = "dev"

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	root := &cobra.Command{
		Use:   "vaultflow",
		Short: "Incremental ELT control plane for vendor Direct Data feeds",
		Long: `vaultflow synchronizes a vendor Direct Data feed into an analytic
warehouse: time-windowed change sets are staged to the object store,
registered in a durable queue, and applied strictly in order, one warehouse
transaction per window.`,
		Version: version,
	}

	root.AddCommand(
		commands.NewProduceCmd(),
		commands.NewConsumeCmd(),
		commands.NewResetFailedCmd(),
		commands.NewTriggerFullCmd(),
		commands.NewStatusCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(commands.ExitCode(err))
	}
}
