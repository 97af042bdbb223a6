package cmd

import (
	"github.com/spf13/cobra"

	"github.com/armadaproject/hither/internal/common/logging"
	"github.com/armadaproject/hither/internal/hither/container"
)

func runInContainerCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "run-in-container <request> <response>",
		Short:  "Entry point of a job inside its container",
		Hidden: true,
		Args:   cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.ConfigureCommandLineLogging()
			r, err := registry()
			if err != nil {
				return logError(err)
			}
			ctx, cancel := signalContext()
			defer cancel()
			return logError(container.RunEntry(ctx, r, args[0], args[1]))
		},
	}
}
