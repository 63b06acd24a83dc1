package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	invokeProfile string
	invokeArgs    []string
	invokeJSON    string
	invokeTimeout time.Duration
	invokeRaw     bool
)

var invokeCmd = &cobra.Command{
	Use:   "invoke <server> <operation>",
	Short: "Call one operation on a tool server",
	Long: `Call a tool server operation directly, bypassing the agent.

  cloudchat invoke aws-tools describe_instances --profile dev --arg state=running
  cloudchat invoke aws-tools stop_instances --profile dev --arg instance_ids=i-0abc --arg dry_run=true`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := parseArgs(invokeJSON, invokeArgs)
		if err != nil {
			return err
		}
		serversProfile = invokeProfile
		a, err := newServersApp(args[:1])
		if err != nil {
			return err
		}
		defer a.shutdown()

		res, err := a.tools.Invoke(cmd.Context(), args[0], args[1], params, invokeTimeout)
		if err != nil {
			return err
		}
		if invokeRaw {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if res.Structured != nil {
				return enc.Encode(res.Structured)
			}
			return enc.Encode(res.Raw)
		}
		fmt.Println(res.Text)
		return nil
	},
}

func init() {
	invokeCmd.Flags().StringVar(&invokeProfile, "profile", "", "Profile whose credentials the server receives")
	invokeCmd.Flags().StringArrayVarP(&invokeArgs, "arg", "a", nil, "Argument as key=value; repeat for lists")
	invokeCmd.Flags().StringVar(&invokeJSON, "json", "", "Arguments as a JSON object")
	invokeCmd.Flags().DurationVar(&invokeTimeout, "timeout", 0, "Invocation timeout (default: the server's timeout)")
	invokeCmd.Flags().BoolVar(&invokeRaw, "raw", false, "Print the structured result as JSON")
	rootCmd.AddCommand(invokeCmd)
}
