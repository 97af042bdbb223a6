package cmd

import (
	"github.com/spf13/cobra"

	"github.com/armadaproject/hither/internal/common/logging"
	"github.com/armadaproject/hither/internal/hither/parallel"
)

func runJobCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "run-job",
		Short:  "Runs one job received from a parallel handler on file descriptors 3 and 4",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.ConfigureCommandLineLogging()
			app, err := loadApp(cmd)
			if err != nil {
				return logError(err)
			}
			defer app.Close()
			ctx, cancel := signalContext()
			defer cancel()
			return logError(parallel.RunChild(ctx, app.Runner))
		},
	}
}
