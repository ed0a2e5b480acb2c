package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/D-Astudillo-ASC/collaborative-editor/version"
)

func init() {
	RootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print build information",
	Run: func(cmd *cobra.Command, args []string) {
		v := version.Current()
		fmt.Printf("collab-server %s (%s)\n", v.Version, v.GoVersion)
		if v.Commit != "" {
			dirty := ""
			if v.Dirty {
				dirty = " (modified)"
			}
			fmt.Printf("commit %s%s\n", v.Commit, dirty)
		}
	},
}
