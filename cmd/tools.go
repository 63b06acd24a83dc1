package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	toolsProfile string
	toolsJSON    bool
)

var toolsCmd = &cobra.Command{
	Use:   "tools <server>",
	Short: "List the operations a tool server offers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		serversProfile = toolsProfile
		a, err := newServersApp(args)
		if err != nil {
			return err
		}
		defer a.shutdown()

		tools, err := a.tools.ListTools(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if toolsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(tools)
		}

		sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
		name := color.New(color.FgCyan, color.Bold).SprintFunc()
		for _, t := range tools {
			mode := color.YellowString("mutating")
			if t.Annotations != nil && t.Annotations.ReadOnlyHint {
				mode = color.GreenString("read-only")
			}
			fmt.Printf("%s:%s  %s\n", args[0], name(t.Name), mode)
			if t.Description != "" {
				fmt.Printf("    %s\n", strings.TrimSpace(t.Description))
			}
			if params := describeParams(t.InputSchema); params != "" {
				fmt.Printf("    args: %s\n", params)
			}
		}
		return nil
	},
}

// describeParams renders the top-level properties of an input schema, with
// required ones marked by a trailing asterisk.
func describeParams(schema any) string {
	raw, err := json.Marshal(schema)
	if err != nil {
		return ""
	}
	var s struct {
		Properties map[string]json.RawMessage `json:"properties"`
		Required   []string                   `json:"required"`
	}
	if json.Unmarshal(raw, &s) != nil {
		return ""
	}
	required := map[string]bool{}
	for _, r := range s.Required {
		required[r] = true
	}
	names := make([]string, 0, len(s.Properties))
	for n := range s.Properties {
		if required[n] {
			n += "*"
		}
		names = append(names, n)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

func init() {
	toolsCmd.Flags().StringVar(&toolsProfile, "profile", "", "Profile whose credentials the server receives")
	toolsCmd.Flags().BoolVar(&toolsJSON, "json", false, "Output the raw tool definitions")
	rootCmd.AddCommand(toolsCmd)
}
