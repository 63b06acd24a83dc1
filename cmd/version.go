package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/chukul/cloudchat/internal/version"
)

var versionCheck bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("cloudchat version %s (%s, %s/%s)\n", version.Current, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		if !versionCheck {
			return
		}

		latest, url, err := version.FetchLatest()
		if err != nil {
			fmt.Printf("Unable to check for updates: %v\n", err)
			return
		}

		if version.IsNewer(latest, version.Current) {
			fmt.Printf("\n💡 Update available: %s → %s\n", version.Current, latest)
			fmt.Printf("   Download: %s\n", url)
		} else {
			fmt.Println("✅ You're running the latest version")
		}
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionCheck, "check", true, "Look up the latest release")
	rootCmd.AddCommand(versionCmd)
}
