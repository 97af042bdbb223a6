package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/armadaproject/hither/internal/common/logging"
	"github.com/armadaproject/hither/internal/hither"
	"github.com/armadaproject/hither/internal/hither/configuration"
	"github.com/armadaproject/hither/internal/hither/examples"
	"github.com/armadaproject/hither/internal/hither/job"
)

const (
	configFlag     = "config"
	configPathFlag = "config-path"
)

// RootCmd is the root Cobra command that gets called from the main func.
// All other sub-commands should be registered here.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "hither",
		Short:        "hither runs declared jobs inline, in a local process pool or in batches on a cluster.",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringSlice(configFlag, nil, "Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")
	cmd.PersistentFlags().String(configPathFlag, configuration.DefaultConfigPath, "Directory holding the default config.yaml")

	cmd.AddCommand(
		runJobCmd(),
		batchWorkerCmd(),
		runInContainerCmd(),
		demoCmd(),
		cacheCmd(),
	)
	return cmd
}

func Execute() {
	if err := RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// registry holds every function this binary can run. Processes started by hither look functions up in
// it by name.
func registry() (*job.Registry, error) {
	r := job.NewRegistry()
	if err := examples.Register(r); err != nil {
		return nil, err
	}
	return r, nil
}

func loadApp(cmd *cobra.Command) (*hither.App, error) {
	userConfigs, err := cmd.Flags().GetStringSlice(configFlag)
	if err != nil {
		return nil, err
	}
	configPath, err := cmd.Flags().GetString(configPathFlag)
	if err != nil {
		return nil, err
	}
	config, err := configuration.Load(configPath, userConfigs)
	if err != nil {
		return nil, err
	}
	r, err := registry()
	if err != nil {
		return nil, err
	}
	app, err := hither.NewApp(config, r)
	if err != nil {
		return nil, err
	}
	app.ChildArgs = []string{"--" + configPathFlag, configPath}
	for _, userConfig := range userConfigs {
		app.ChildArgs = append(app.ChildArgs, "--"+configFlag, userConfig)
	}
	return app, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func logError(err error) error {
	if err != nil {
		logging.WithStacktrace(log.NewEntry(log.StandardLogger()), err).Error("hither failed")
	}
	return err
}
