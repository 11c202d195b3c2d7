package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pythonspeed/memtrail/internal/report"
	"github.com/pythonspeed/memtrail/pkg/fsx"
	"github.com/pythonspeed/memtrail/pkg/logx"
)

var (
	flagFolded string
	flagTopN   int
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Re-render a stored peak memory report",
	Long:  "Read a collapsed-stack report file and print the top call stacks",
	Run: func(cmd *cobra.Command, args []string) {
		if err := cmd.ParseFlags(args); err != nil {
			logx.As().Error().Err(err).Msg("Failed to parse flags")
			os.Exit(1)
		}

		if _, exists := fsx.PathExists(flagFolded); !exists {
			logx.As().Error().Str("file", flagFolded).Msg("Report file does not exist")
			os.Exit(1)
		}

		f, err := os.Open(flagFolded)
		if err != nil {
			logx.As().Error().Str("file", flagFolded).Err(err).Msg("Failed to open report file")
			os.Exit(1)
		}
		defer fsx.CloseFile(f)

		entries, err := report.ParseFolded(f)
		if err != nil {
			logx.As().Error().Str("file", flagFolded).Err(err).Msg("Failed to parse report file")
			os.Exit(1)
		}

		fmt.Print(report.Table(entries, flagTopN))
	},
}

func init() {
	reportCmd.Flags().StringVarP(&flagFolded, "file", "f", report.FoldedFileName, "collapsed-stack report file")
	reportCmd.Flags().IntVarP(&flagTopN, "top", "n", report.DefaultTopN, "number of call stacks to show")
}
