package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/eventwatch/eventwatch/internal/config"
	"github.com/eventwatch/eventwatch/pkg/watch"
)

var watchlistFile string

// validateCmd loads the watch list without starting any watch
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the watch list",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := watchlistFile
		if path == "" {
			conf, err := config.Parse(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to parse config %s: %w", cfgFile, err)
			}

			path = conf.Watchlist
		}

		targets, descriptions, err := loadWatchlist(path)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()

		for _, target := range targets {
			fmt.Fprintf(out, "%s: %v\n", target, target.EventIDs.Sorted())
		}

		fmt.Fprintf(out, "%d targets, %d descriptions\n", len(targets), descriptions.Len())

		return nil
	},
}

func loadWatchlist(path string) ([]watch.Target, watch.Descriptions, error) {
	watchlist, err := config.LoadWatchlist(path)
	if err != nil {
		return nil, watch.Descriptions{}, fmt.Errorf("failed to load watch list %s: %w", path, err)
	}

	targets, err := watchlist.Targets()
	if err != nil {
		return nil, watch.Descriptions{}, fmt.Errorf("invalid watch list %s: %w", path, err)
	}

	descriptions, err := watchlist.Descriptions()
	if err != nil {
		return nil, watch.Descriptions{}, fmt.Errorf("invalid watch list %s: %w", path, err)
	}

	return targets, descriptions, nil
}

func init() {
	validateCmd.Flags().StringVar(&watchlistFile, "watchlist", "", "watch list file (default: watchlist from the config)")

	rootCmd.AddCommand(validateCmd)
}
