package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/chukul/cloudchat/internal/sso"
	"github.com/chukul/cloudchat/internal/ui"
)

var (
	statusProfile string
	outputJSON    bool
)

// stateOrder sorts signed-in profiles first.
var stateOrder = map[sso.State]int{
	sso.StateAuthenticated:   0,
	sso.StateAuthenticating:  1,
	sso.StateExpired:         2,
	sso.StateUnauthenticated: 3,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the session state of every profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		profiles, err := a.store.List()
		if err != nil {
			return err
		}

		var statuses []sso.ProfileStatus
		roles := map[string]string{}
		for _, p := range profiles {
			if statusProfile != "" && !strings.EqualFold(p.Name, statusProfile) {
				continue
			}
			statuses = append(statuses, a.auth.Status(p.Name))
			roles[p.Name] = p.RoleARN()
		}
		if statusProfile != "" && len(statuses) == 0 {
			return fmt.Errorf("no profile named %s", statusProfile)
		}

		sort.SliceStable(statuses, func(i, j int) bool {
			if stateOrder[statuses[i].State] != stateOrder[statuses[j].State] {
				return stateOrder[statuses[i].State] < stateOrder[statuses[j].State]
			}
			return statuses[i].ExpiresAt.Before(statuses[j].ExpiresAt)
		})

		if outputJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(statuses)
		}

		if len(statuses) == 0 {
			fmt.Println("No profiles registered.")
			return nil
		}

		header := color.New(color.FgCyan, color.Bold).SprintFunc()
		fmt.Printf("%-20s %-50s %-20s %-12s %-16s\n",
			header("PROFILE"), header("ROLE ARN"), header("EXPIRATION"), header("REMAINING"), header("STATUS"))
		fmt.Println(strings.Repeat("-", 124))

		now := time.Now()
		for _, st := range statuses {
			stateText := strings.ToUpper(string(st.State))
			if st.CanRefresh {
				stateText += " ↻"
			}
			fmt.Printf("%-20s %-50s %-20s %-12s %-16s\n",
				ui.Truncate(st.Profile, 20),
				ui.Truncate(roles[st.Profile], 48),
				ui.FormatTime(st.ExpiresAt),
				ui.Remaining(st.ExpiresAt, now),
				stateColor(st.State)(stateText),
			)
		}
		return nil
	},
}

func stateColor(st sso.State) func(a ...interface{}) string {
	switch st {
	case sso.StateAuthenticated:
		return color.New(color.FgGreen).SprintFunc()
	case sso.StateAuthenticating:
		return color.New(color.FgCyan).SprintFunc()
	case sso.StateExpired:
		return color.New(color.FgYellow).SprintFunc()
	default:
		return color.New(color.FgRed).SprintFunc()
	}
}

func init() {
	statusCmd.Flags().StringVar(&statusProfile, "profile", "", "Filter by specific profile")
	statusCmd.Flags().BoolVar(&outputJSON, "json", false, "Output results in JSON format for automation")
	rootCmd.AddCommand(statusCmd)
}
