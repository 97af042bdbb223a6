package cmd

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/armadaproject/hither/internal/common"
	"github.com/armadaproject/hither/internal/common/logging"
	"github.com/armadaproject/hither/internal/hither"
	"github.com/armadaproject/hither/internal/hither/examples"
	"github.com/armadaproject/hither/internal/hither/job"
)

func demoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Runs the example functions through a job handler",
		Args:  cobra.NoArgs,
	}
	handlerKind := cmd.Flags().String("handler", hither.HandlerInline, "Job handler: inline, parallel or batch")
	n := cmd.Flags().IntP("num-jobs", "n", 10, "Number of square jobs")
	cachePreset := cmd.Flags().String("cache", "", "Cache preset to use for the demo jobs")
	forceRun := cmd.Flags().Bool("force-run", false, "Run jobs even if their results are cached")
	serveMetrics := cmd.Flags().Bool("serve-metrics", false, "Expose prometheus metrics on the configured port while running")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		logging.ConfigureLogging()
		app, err := loadApp(cmd)
		if err != nil {
			return logError(err)
		}
		defer app.Close()
		if *serveMetrics {
			shutdownMetricServer := common.ServeMetrics(app.Config.MetricsPort)
			defer shutdownMetricServer()
		}

		ctx, cancel := signalContext()
		defer cancel()
		h, err := app.NewHandler(ctx, *handlerKind)
		if err != nil {
			return logError(err)
		}
		cfg := job.Config{Handler: h, ForceRun: forceRun}
		if *cachePreset != "" {
			cfg.Cache = &job.CacheConfig{Preset: *cachePreset}
		}

		s := app.NewScheduler()
		var demo *examples.DemoJobs
		err = s.WithConfig(cfg, func() error {
			var err error
			demo, err = examples.RunDemo(ctx, s, *n)
			return err
		})
		if err != nil {
			return logError(err)
		}
		sum, err := demo.Sum.Result()
		if err != nil {
			return logError(err)
		}
		counted, err := demo.Counted.Result()
		if err != nil {
			return logError(err)
		}
		log.Infof("Sum of squares: %v", sum.Retval)
		fmt.Printf("sum of squares of 0..%d: %v\nlines written: %v\n", *n-1, sum.Retval, counted.Retval)
		return nil
	}
	return cmd
}
