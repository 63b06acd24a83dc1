package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chukul/cloudchat/internal/sso"
	"github.com/chukul/cloudchat/internal/ui"
)

var logoutAll bool

func init() {
	logoutCmd.Flags().BoolVar(&logoutAll, "all", false, "Sign out of every profile")
	rootCmd.AddCommand(logoutCmd)
}

var logoutCmd = &cobra.Command{
	Use:   "logout [profile]",
	Short: "Drop the SSO session of a profile or all profiles",
	Long:  `Forget the SSO session of a profile. The profile itself stays registered.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}

		if logoutAll {
			ok, err := ui.Confirm("⚠️  Sign out of every profile?")
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("❌ Operation cancelled.")
				return nil
			}
			profiles, err := a.store.List()
			if err != nil {
				return err
			}
			n := 0
			for _, p := range profiles {
				if a.auth.State(p.Name) != sso.StateUnauthenticated {
					n++
				}
				a.auth.Logout(p.Name)
			}
			fmt.Printf("✅ Signed out of %d profile(s).\n", n)
			return nil
		}

		var name string
		if len(args) > 0 {
			name = args[0]
		}
		if name, err = a.resolveProfile(name); err != nil {
			return err
		}
		a.auth.Logout(name)
		fmt.Printf("✅ Signed out of %s.\n", name)
		return nil
	},
}
