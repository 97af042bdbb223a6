package cmd

import (
	"github.com/spf13/cobra"

	"github.com/armadaproject/hither/internal/common/logging"
	"github.com/armadaproject/hither/internal/hither/batch"
)

func batchWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "batch-worker",
		Short:  "Serves one worker slot of a batch until the batch is halted",
		Hidden: true,
		Args:   cobra.NoArgs,
	}
	loopConfig := batch.AddWorkerLoopFlags(cmd.Flags())
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		logging.ConfigureCommandLineLogging()
		app, err := loadApp(cmd)
		if err != nil {
			return logError(err)
		}
		defer app.Close()
		ctx, cancel := signalContext()
		defer cancel()
		return logError(batch.RunWorkerLoop(ctx, app.Runner, *loopConfig))
	}
	return cmd
}
