package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pythonspeed/memtrail/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("memtrail %s (%s)\n", version.Number(), version.Commit())
	},
}
