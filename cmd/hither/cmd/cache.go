package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/armadaproject/hither/internal/common/hithererrors"
	"github.com/armadaproject/hither/internal/common/logging"
	"github.com/armadaproject/hither/internal/hither/job"
)

func cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the result cache",
	}
	cmd.AddCommand(cacheGetCmd())
	return cmd
}

func cacheGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <hash>",
		Short: "Prints the most recent result cached under a job hash",
		Args:  cobra.ExactArgs(1),
	}
	preset := cmd.Flags().String("preset", "", "Cache preset from the configuration")
	url := cmd.Flags().String("url", "", "Cache connection url, overriding the preset")
	collection := cmd.Flags().String("collection", "", "Cache collection, overriding the preset")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		logging.ConfigureCommandLineLogging()
		app, err := loadApp(cmd)
		if err != nil {
			return logError(err)
		}
		defer app.Close()
		ctx, cancel := signalContext()
		defer cancel()

		cfg := job.CacheConfig{Preset: *preset, URL: *url, Collection: *collection}
		doc, err := app.Cache.Get(ctx, cfg, args[0])
		if err != nil {
			return logError(err)
		}
		if doc == nil {
			return logError(&hithererrors.ErrNotFound{Type: "cached result", Value: args[0]})
		}
		out, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return logError(errors.WithStack(err))
		}
		fmt.Println(string(out))
		return nil
	}
	return cmd
}
