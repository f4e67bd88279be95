package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lumastream/pusher-go/pusher"
)

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of pusher-tail",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("pusher-tail %s\n", pusher.ClientVersion)
	},
}

func init() {
	RootCmd.AddCommand(versionCmd)
}
