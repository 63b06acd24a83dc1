package cmd

import (
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/chukul/cloudchat/internal/apperr"
	"github.com/chukul/cloudchat/internal/config"
	"github.com/chukul/cloudchat/internal/version"
)

var (
	configPath string
	configDir  string
	logLevel   string
	logFormat  string
	stateDir   string
	region     string
	secretKey  string

	cfg config.Config
)

func printLogo() {
	// Gradient colors (Blue -> Purple -> Pink)
	ascii := []string{
		`   ██████╗██╗      ██████╗ ██╗   ██╗██████╗  ██████╗██╗  ██╗ █████╗ ████████╗`,
		`  ██╔════╝██║     ██╔═══██╗██║   ██║██╔══██╗██╔════╝██║  ██║██╔══██╗╚══██╔══╝`,
		`  ██║     ██║     ██║   ██║██║   ██║██║  ██║██║     ███████║███████║   ██║   `,
		`  ██║     ██║     ██║   ██║██║   ██║██║  ██║██║     ██╔══██║██╔══██║   ██║   `,
		`  ╚██████╗███████╗╚██████╔╝╚██████╔╝██████╔╝╚██████╗██║  ██║██║  ██║   ██║   `,
		`   ╚═════╝╚══════╝ ╚═════╝  ╚═════╝ ╚═════╝  ╚═════╝╚═╝  ╚═╝╚═╝  ╚═╝   ╚═╝   `,
	}

	fmt.Println()
	for _, line := range ascii {
		runes := []rune(line)
		for i, char := range runes {
			ratio := float64(i) / float64(len(runes))

			var r, g, b int
			if ratio < 0.5 {
				subRatio := ratio * 2
				r = int(170 * subRatio)
				g = int(176 * (1 - subRatio))
				b = 255
			} else {
				subRatio := (ratio - 0.5) * 2
				r = int(170*(1-subRatio) + 255*subRatio)
				g = 0
				b = int(255*(1-subRatio) + 128*subRatio)
			}

			fmt.Printf("\x1b[38;2;%d;%d;%dm%c\x1b[0m", r, g, b, char)
		}
		fmt.Println()
	}
	fmt.Println("\x1b[1m  Chat with your AWS accounts through SSO profiles and MCP tool servers\x1b[0m")
	fmt.Println()
}

var rootCmd = &cobra.Command{
	Use:           "cloudchat",
	Short:         "cloudchat signs in to AWS SSO profiles and runs tool servers against them",
	Long:          `CloudChat manages AWS SSO profiles, keeps their sessions fresh, supervises MCP tool servers and answers requests by calling their tools.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(cmd); err != nil {
			return err
		}
		if cmd.Name() != builtinServerCmd.Name() {
			version.CheckForUpdates(cfg.StateDir)
		}
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", config.DefaultPath(), "Config file")
	flags.StringVar(&configDir, "config-dir", "", "Directory of *.toml drop-in files merged after --config")
	flags.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", "", "Log format (text or json)")
	flags.StringVar(&stateDir, "state-dir", "", "Directory for profiles, sessions and caches")
	flags.StringVar(&region, "region", "", "Default AWS region")
	flags.StringVar(&secretKey, "secret", "", "Session cache encryption secret (or set CLOUDCHAT_SECRET)")
}

func loadConfig(cmd *cobra.Command) error {
	if err := config.LoadDotEnv(); err != nil {
		log.WithError(err).Debug("ignoring unreadable .env")
	}

	var overrides config.Overrides
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		overrides.LogLevel = &logLevel
	}
	if flags.Changed("log-format") {
		overrides.LogFormat = &logFormat
	}
	if flags.Changed("state-dir") {
		overrides.StateDir = &stateDir
	}
	if flags.Changed("region") {
		overrides.Region = &region
	}

	loaded, err := config.Load(configPath, configDir, overrides)
	if err != nil {
		return fmt.Errorf("failed to load config %s: %w", configPath, err)
	}
	cfg = loaded
	setupLogging(cfg.LogLevel, cfg.LogFormat)

	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	return nil
}

func setupLogging(level, format string) {
	log.SetOutput(os.Stderr)
	if lvl, err := log.ParseLevel(level); err == nil {
		log.SetLevel(lvl)
	} else {
		log.SetLevel(log.InfoLevel)
		log.Warnf("unknown log level %q, using info", level)
	}
	if strings.EqualFold(format, "json") {
		log.SetFormatter(&log.JSONFormatter{})
		return
	}
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
}

// Execute runs the CLI
func Execute() {
	if len(os.Args) <= 1 || (len(os.Args) > 1 && os.Args[1] == "help") {
		printLogo()
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "❌ "+apperr.UserMessage(err))
		os.Exit(1)
	}
}
