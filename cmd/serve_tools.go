package cmd

import (
	"github.com/spf13/cobra"

	"github.com/chukul/cloudchat/internal/awstools"
	"github.com/chukul/cloudchat/internal/supervisor"
)

// builtinServerCmd is what the supervisor launches for built-in servers. It
// speaks MCP on stdin/stdout, so it must never print anything else there.
var builtinServerCmd = &cobra.Command{
	Use:    supervisor.BuiltinCommand,
	Short:  "Run the built-in AWS tool server on stdio",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return awstools.Serve(cmd.Context(), awstools.EnvClients(cfg.Region))
	},
}

func init() {
	rootCmd.AddCommand(builtinServerCmd)
}
