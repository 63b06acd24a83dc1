package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/chukul/cloudchat/internal/profile"
	"github.com/chukul/cloudchat/internal/ui"
)

var (
	addStartURL      string
	addSSORegion     string
	addAccountID     string
	addRoleName      string
	addDefaultRegion string
	addSync          bool

	removeKeepAWSConfig bool
	importPath          string
	listJSON            bool
)

var profileCmd = &cobra.Command{
	Use:     "profile",
	Aliases: []string{"profiles"},
	Short:   "Manage SSO profiles",
}

var profileAddCmd = &cobra.Command{
	Use:   "add [name]",
	Short: "Register an SSO profile",
	Long: `Register a named AWS SSO profile. Missing values are prompted for when
running in a terminal. Registering an existing name replaces that profile.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}

		p := profile.Profile{
			StartURL:      addStartURL,
			SSORegion:     addSSORegion,
			AccountID:     addAccountID,
			RoleName:      addRoleName,
			DefaultRegion: addDefaultRegion,
		}
		if len(args) > 0 {
			p.Name = args[0]
		}

		prompts := []struct {
			field  *string
			prompt string
			hint   string
			def    string
		}{
			{&p.Name, "Profile name", "dev-admin", ""},
			{&p.StartURL, "SSO start URL", "https://my-org.awsapps.com/start", ""},
			{&p.SSORegion, "SSO region", "", a.cfg.Region},
			{&p.AccountID, "Account ID", "123456789012", ""},
			{&p.RoleName, "Role name", "AdministratorAccess", ""},
			{&p.DefaultRegion, "Default region", "", a.cfg.Region},
		}
		for _, q := range prompts {
			if *q.field != "" {
				continue
			}
			v, err := ui.Input{Prompt: q.prompt, Placeholder: q.hint, Default: q.def}.Ask()
			if err != nil {
				return err
			}
			*q.field = v
		}

		saved, err := a.store.Register(p)
		if err != nil {
			return err
		}
		fmt.Printf("✅ Profile %s registered (%s)\n", saved.Name, saved.RoleARN())

		if addSync {
			if _, err := profile.SyncToAWSConfig(profile.AWSConfigPath(), []profile.Profile{saved}); err != nil {
				return err
			}
			fmt.Printf("📝 Written to %s\n", profile.AWSConfigPath())
		}
		fmt.Printf("💡 Sign in with: cloudchat login %s\n", saved.Name)
		return nil
	},
}

var profileListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List registered profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		profiles, err := a.store.List()
		if err != nil {
			return err
		}

		if listJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(profiles)
		}
		if len(profiles) == 0 {
			fmt.Println("No profiles registered.")
			fmt.Println("💡 Add one with: cloudchat profile add")
			return nil
		}

		header := color.New(color.FgCyan, color.Bold).SprintFunc()
		fmt.Printf("%-20s %-14s %-28s %-14s %-40s\n",
			header("PROFILE"), header("ACCOUNT"), header("ROLE"), header("REGION"), header("START URL"))
		fmt.Println(strings.Repeat("-", 120))
		for _, p := range profiles {
			fmt.Printf("%-20s %-14s %-28s %-14s %-40s\n",
				ui.Truncate(p.Name, 20),
				p.AccountID,
				ui.Truncate(p.RoleName, 28),
				p.DefaultRegion,
				ui.Truncate(p.StartURL, 40),
			)
		}
		return nil
	},
}

var profileRemoveCmd = &cobra.Command{
	Use:     "remove <name>",
	Aliases: []string{"rm"},
	Short:   "Remove a profile and sign it out",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		p, err := a.store.Get(args[0])
		if err != nil {
			return err
		}
		if err := a.store.Remove(p.Name); err != nil {
			return err
		}
		fmt.Printf("🗑️  Profile %s removed\n", p.Name)

		if !removeKeepAWSConfig {
			removed, err := profile.RemoveFromAWSConfig(profile.AWSConfigPath(), p.Name)
			if err != nil {
				return err
			}
			if removed {
				fmt.Printf("   Also removed from %s\n", profile.AWSConfigPath())
			}
		}
		return nil
	},
}

var profileImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import SSO profiles from an AWS config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		found, err := profile.ImportFromAWSConfig(cmd.Context(), importPath, a.cfg.Region)
		if err != nil {
			return err
		}
		if len(found) == 0 {
			fmt.Printf("No SSO profiles found in %s\n", importPath)
			return nil
		}

		imported := 0
		for _, p := range found {
			if _, err := a.store.Register(p); err != nil {
				color.Yellow("⚠️  Skipped %s: %s", p.Name, err)
				continue
			}
			imported++
			fmt.Printf("✅ %s (%s)\n", p.Name, p.RoleARN())
		}
		fmt.Printf("\nImported %d of %d profile(s)\n", imported, len(found))
		return nil
	},
}

var profileSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Write registered profiles to ~/.aws/config",
	Long: `Write every registered profile as a [profile NAME] SSO section into the
AWS config file so the AWS CLI and SDKs can use it. Other sections are kept.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		profiles, err := a.store.List()
		if err != nil {
			return err
		}
		n, err := profile.SyncToAWSConfig(profile.AWSConfigPath(), profiles)
		if err != nil {
			return err
		}
		fmt.Printf("✅ Synced %d profile(s) to %s\n", n, profile.AWSConfigPath())
		return nil
	},
}

func init() {
	profileAddCmd.Flags().StringVar(&addStartURL, "start-url", "", "SSO start URL (https://...)")
	profileAddCmd.Flags().StringVar(&addSSORegion, "sso-region", "", "Region of the SSO instance")
	profileAddCmd.Flags().StringVar(&addAccountID, "account", "", "12-digit AWS account id")
	profileAddCmd.Flags().StringVar(&addRoleName, "role", "", "Permission set role name")
	profileAddCmd.Flags().StringVar(&addDefaultRegion, "default-region", "", "Region used for API calls")
	profileAddCmd.Flags().BoolVar(&addSync, "sync", false, "Also write the profile to ~/.aws/config")

	profileListCmd.Flags().BoolVar(&listJSON, "json", false, "Output as JSON")
	profileRemoveCmd.Flags().BoolVar(&removeKeepAWSConfig, "keep-aws-config", false, "Leave the ~/.aws/config section in place")
	profileImportCmd.Flags().StringVar(&importPath, "file", profile.AWSConfigPath(), "AWS config file to read")

	profileCmd.AddCommand(profileAddCmd, profileListCmd, profileRemoveCmd, profileImportCmd, profileSyncCmd)
	rootCmd.AddCommand(profileCmd)
}
