package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/chukul/cloudchat/internal/ui"
)

var (
	refreshAll   bool
	forceRefresh bool
)

var refreshCmd = &cobra.Command{
	Use:   "refresh [profile]",
	Short: "Refresh or restore SSO sessions",
	Long: `Silently refresh a session with its refresh token. When that is not
possible, or with --force, fall back to an interactive login.
With --all, every session expiring within the refresh window is renewed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}

		if refreshAll {
			refreshed, err := a.auth.RefreshExpiring(cmd.Context())
			for _, name := range refreshed {
				fmt.Printf("✅ %s refreshed\n", name)
			}
			if len(refreshed) == 0 && err == nil {
				fmt.Println("Nothing to refresh.")
			}
			return err
		}

		var name string
		if len(args) > 0 {
			name = args[0]
		}
		if name, err = a.resolveProfile(name); err != nil {
			return err
		}
		return smartRefresh(cmd.Context(), a, name, forceRefresh)
	},
}

func smartRefresh(ctx context.Context, a *app, name string, force bool) error {
	if !force {
		fmt.Printf("🔄 Attempting silent refresh for %s...\n", name)
		err := a.auth.Refresh(ctx, name)
		if err == nil {
			st := a.auth.Status(name)
			fmt.Printf("✅ Session %s refreshed, %s\n", name, ui.Remaining(st.ExpiresAt, time.Now()))
			return nil
		}
		if !ui.Interactive() {
			return err
		}
		fmt.Fprintf(os.Stderr, "⚠️  Silent refresh failed: %s\n", err)
	}

	sess, err := a.login(ctx, name)
	if err != nil {
		return err
	}
	fmt.Printf("✅ Session %s restored, expires %s\n", sess.ProfileName, ui.FormatTime(sess.ExpiresAt))
	return nil
}

func init() {
	refreshCmd.Flags().BoolVar(&refreshAll, "all", false, "Refresh every session close to expiry")
	refreshCmd.Flags().BoolVar(&forceRefresh, "force", false, "Skip the silent refresh and sign in again")
	rootCmd.AddCommand(refreshCmd)
}
