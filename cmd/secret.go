package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chukul/cloudchat/internal/ui"
	"github.com/chukul/cloudchat/internal/vault"
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage the session cache encryption secret",
	Long: `Manage the secret that encrypts cached SSO sessions. Without a secret,
sessions only live as long as the command that created them.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(cmd); err != nil {
			return err
		}
		if !vault.KeychainSupported() {
			return fmt.Errorf("keychain integration is only available on macOS, set %s instead", vault.SecretEnv)
		}
		return nil
	},
}

var secretSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Generate a new secret and store it in the keychain",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := vault.GetSecret(""); err == nil {
			ok, err := ui.Confirm("⚠️  A secret already exists. Replacing it makes cached sessions unreadable. Continue?")
			if err != nil || !ok {
				fmt.Println("❌ Operation cancelled.")
				return err
			}
		}
		if _, err := vault.SetupKeychain(); err != nil {
			return err
		}
		fmt.Println("✅ New secret stored in Keychain. Sessions will now survive restarts.")
		return nil
	},
}

var secretShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current keychain secret",
	Long:  "Reveal the secret stored in your macOS Keychain. The system may ask you to authenticate.",
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, err := vault.GetSecret("")
		if err != nil {
			return fmt.Errorf("no secret found in Keychain or it couldn't be accessed")
		}

		fmt.Println("🔐 Your cloudchat encryption secret:")
		fmt.Println(strings.Repeat("─", 64))
		fmt.Println(secret)
		fmt.Println(strings.Repeat("─", 64))
		fmt.Println("\n⚠️  KEEP THIS SAFE! You will need it to read cached sessions on another machine.")
		fmt.Println("   To restore: cloudchat secret import <key>")
		return nil
	},
}

var secretImportCmd = &cobra.Command{
	Use:   "import [key]",
	Short: "Import a secret into keychain",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var key string
		if len(args) > 0 {
			key = args[0]
		} else {
			var err error
			key, err = ui.Input{
				Prompt:   "Enter Secret Key to Import",
				Password: true,
				Validate: func(s string) error {
					if s == "" {
						return fmt.Errorf("secret key cannot be empty")
					}
					return nil
				},
			}.Ask()
			if err != nil {
				return err
			}
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return fmt.Errorf("secret key cannot be empty")
		}

		if err := vault.StoreKeychainSecret(key); err != nil {
			return err
		}
		fmt.Println("✅ Secret imported successfully to Keychain!")
		return nil
	},
}

func init() {
	secretCmd.AddCommand(secretSetupCmd, secretShowCmd, secretImportCmd)
	rootCmd.AddCommand(secretCmd)
}
