package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pythonspeed/memtrail/internal/config"
	"github.com/pythonspeed/memtrail/pkg/logx"
)

var (
	// Used for flags.
	flagConfig string

	rootCmd = &cobra.Command{
		Use:   "memtrail",
		Short: "A peak memory profiler for native allocations",
		Long:  "Memtrail - tracks native allocations and reports the call stacks responsible for peak memory",
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "d", "", "config file path")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	// report and version do not need a config file
	if flagConfig == "" {
		return
	}

	if err := config.Initialize(flagConfig); err != nil {
		fmt.Println("failed to initialize config")
		cobra.CheckErr(err)
	}

	if err := logx.Initialize(config.Get().Log); err != nil {
		fmt.Println(err)
		cobra.CheckErr(err)
	}
}
