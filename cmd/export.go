package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var exportProfile string

var exportCmd = &cobra.Command{
	Use:   "export [profile]",
	Short: "Print role credentials of a signed-in profile as shell exports",
	Long: `Exchange the profile's SSO session for role credentials and print them
as export statements, e.g. eval "$(cloudchat export dev)".`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := exportProfile
		if name == "" && len(args) > 0 {
			name = args[0]
		}
		a, err := newApp()
		if err != nil {
			return err
		}
		if name, err = a.resolveProfile(name); err != nil {
			return err
		}

		creds, err := a.auth.GetCredentials(cmd.Context(), name)
		if err != nil {
			return err
		}
		for _, kv := range creds.Env() {
			k, v, _ := strings.Cut(kv, "=")
			fmt.Printf("export %s=%q\n", k, v)
		}
		fmt.Printf("export CLOUDCHAT_PROFILE=%q\n", name)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportProfile, "profile", "", "Profile to export")
	rootCmd.AddCommand(exportCmd)
}
