package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chukul/cloudchat/internal/ui"
)

var (
	loginNoBrowser bool
	loginIdentity  bool
)

func init() {
	loginCmd.Flags().BoolVar(&loginNoBrowser, "no-browser", false, "Print the verification URL instead of opening a browser")
	loginCmd.Flags().BoolVar(&loginIdentity, "identity", true, "Show the caller identity after signing in")
	rootCmd.AddCommand(loginCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login [profile]",
	Short: "Sign in to an SSO profile with the device authorization flow",
	Long: `Start an AWS SSO device authorization for the profile, open the
verification page and wait until the code is confirmed in the browser.
Other profiles keep their sessions.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if loginNoBrowser {
			off := false
			cfg.Auth.OpenBrowser = &off
		}
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

		sess, err := a.login(cmd.Context(), name)
		if err != nil {
			return err
		}
		fmt.Printf("✅ Signed in to %s\n", sess.ProfileName)
		fmt.Printf("   Role:    arn:aws:iam::%s:role/%s\n", sess.AccountID, sess.RoleName)
		fmt.Printf("   Expires: %s\n", ui.FormatTime(sess.ExpiresAt))

		if loginIdentity {
			id, err := a.auth.Identity(cmd.Context(), name)
			if err != nil {
				fmt.Printf("⚠️  Could not verify identity: %s\n", err)
				return nil
			}
			fmt.Printf("   Caller:  %s\n", id.Arn)
		}
		return nil
	},
}
