package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/chukul/cloudchat/internal/config"
)

var initWriteConfig bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate shell integration code and a starter config",
	Long: `Print shell integration code for cloudchat. Add the output to your shell
config file. With --write-config, also write the default configuration to the
config path if no file exists there yet.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if initWriteConfig {
			if err := writeStarterConfig(configPath); err != nil {
				return err
			}
		}

		shell := detectShell()
		fmt.Printf("# cloudchat shell integration for %s\n", shell)
		fmt.Println("# Add this to your shell config file:")
		fmt.Println("# - Bash: ~/.bashrc or ~/.bash_profile")
		fmt.Println("# - Zsh: ~/.zshrc")
		fmt.Println("# - Fish: ~/.config/fish/config.fish")
		fmt.Println()

		switch shell {
		case "fish":
			printFishIntegration()
		default:
			printBashZshIntegration()
		}
		return nil
	},
}

func writeStarterConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(os.Stderr, "⚠️  %s already exists, leaving it alone\n", path)
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	fmt.Fprintln(f, "# cloudchat configuration. Drop-in files from --config-dir are merged on top.")
	if err := toml.NewEncoder(f).Encode(config.DefaultConfig()); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	fmt.Fprintf(os.Stderr, "✅ Wrote %s\n", path)
	return nil
}

func detectShell() string {
	shell := os.Getenv("SHELL")
	if shell == "" {
		if runtime.GOOS == "windows" {
			return "powershell"
		}
		return "bash"
	}
	return filepath.Base(shell)
}

func printBashZshIntegration() {
	fmt.Println(`# Keep cached SSO sessions across runs (or use 'cloudchat secret setup' on macOS)
# export CLOUDCHAT_SECRET="your-32-char-encryption-key"

# Load role credentials of a profile into this shell - usage: ccx <profile>
ccx() {
  eval "$(cloudchat export "$@")"
}

# Aliases for common commands
alias ccl='cloudchat login'
alias ccst='cloudchat status'
alias ccr='cloudchat refresh'
alias ccc='cloudchat chat'
alias cco='cloudchat console --open'`)
}

func printFishIntegration() {
	fmt.Println(`# Keep cached SSO sessions across runs (or use 'cloudchat secret setup' on macOS)
# set -gx CLOUDCHAT_SECRET "your-32-char-encryption-key"

# Load role credentials of a profile into this shell - usage: ccx <profile>
function ccx
    cloudchat export $argv | string replace -r '^export ([A-Z_]+)=' 'set -gx $1 ' | source
end

# Aliases for common commands
alias ccl='cloudchat login'
alias ccst='cloudchat status'
alias ccr='cloudchat refresh'
alias ccc='cloudchat chat'
alias cco='cloudchat console --open'`)
}

func init() {
	initCmd.Flags().BoolVar(&initWriteConfig, "write-config", false, "Write a starter config file")
	rootCmd.AddCommand(initCmd)
}
