package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "eventwatch",
	Short:         "Watch Windows event logs and notify on configured event IDs",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the selected command and returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)

		return 1
	}

	return 0
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: defaults and EVENTWATCH_* environment variables)")
}
