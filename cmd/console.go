package cmd

import (
	"fmt"

	"github.com/pkg/browser"
	"github.com/spf13/cobra"

	"github.com/chukul/cloudchat/internal/sso"
)

var (
	consoleOpen   bool
	consoleRegion string
)

var consoleCmd = &cobra.Command{
	Use:   "console [profile]",
	Short: "Generate an AWS console sign-in URL for a signed-in profile",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		var name string
		if len(args) > 0 {
			name = args[0]
		}
		if name, err = a.resolveProfile(name); err != nil {
			return err
		}

		creds, err := a.auth.GetCredentials(cmd.Context(), name)
		if err != nil {
			return err
		}
		region := consoleRegion
		if region == "" {
			region = creds.Region
		}

		fmt.Println("🔐 Getting sign-in token...")
		consoleURL, err := sso.ConsoleURL(cmd.Context(), nil, creds, region)
		if err != nil {
			return err
		}

		fmt.Printf("\n✅ Console URL generated for profile '%s'\n", name)
		fmt.Printf("   Expires: %s\n\n", creds.Expiration.Local().Format("2006-01-02 15:04:05"))

		if consoleOpen {
			fmt.Println("🌐 Opening AWS Console in browser...")
			if err := browser.OpenURL(consoleURL); err != nil {
				fmt.Printf("❌ Failed to open browser: %v\n", err)
				fmt.Printf("\nPlease open this URL manually:\n%s\n", consoleURL)
			}
			return nil
		}
		fmt.Printf("Console URL:\n%s\n", consoleURL)
		return nil
	},
}

func init() {
	consoleCmd.Flags().BoolVar(&consoleOpen, "open", false, "Automatically open URL in browser")
	consoleCmd.Flags().StringVar(&consoleRegion, "console-region", "", "Region to land in (default: the profile's region)")
	rootCmd.AddCommand(consoleCmd)
}
