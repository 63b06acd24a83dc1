package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/chukul/cloudchat/internal/supervisor"
	"github.com/chukul/cloudchat/internal/ui"
)

const serversName = "servers"

var (
	serversProfile     string
	serversJSON        bool
	serversMetricsAddr string
)

var serversCmd = &cobra.Command{
	Use:     "servers",
	Aliases: []string{"server"},
	Short:   "Inspect and run the configured tool servers",
}

var serversListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List configured tool servers",
	Run: func(cmd *cobra.Command, args []string) {
		header := color.New(color.FgCyan, color.Bold).SprintFunc()
		fmt.Printf("%-14s %-10s %-10s %-44s %s\n",
			header("SERVER"), header("ENABLED"), header("PROFILE"), header("COMMAND"), header("DESCRIPTION"))
		fmt.Println(strings.Repeat("-", 120))
		for _, id := range cfg.ServerIDs() {
			sc := cfg.Servers[id]
			spec := supervisor.SpecFromConfig(id, sc)
			enabled := color.GreenString("yes")
			if sc.Disabled {
				enabled = color.RedString("no")
			}
			bound := sc.Profile
			if bound == "" {
				bound = "(active)"
			}
			fmt.Printf("%-14s %-10s %-10s %-44s %s\n", id, enabled, bound, ui.Truncate(spec.CommandLine(), 44), sc.Description)
		}
	},
}

var serversCheckCmd = &cobra.Command{
	Use:   "check [server...]",
	Short: "Start servers, probe them and list their tools",
	Long: `Start each server, perform the protocol handshake, send a health probe
and list its tools, then stop it again.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newServersApp(args)
		if err != nil {
			return err
		}
		defer a.shutdown()

		ctx := cmd.Context()
		startErr := ui.SpinErr(ctx, "Starting tool servers...", func(ctx context.Context) error {
			return a.sup.StartAll(ctx, args...)
		})
		if startErr != nil {
			log.WithError(startErr).Debug("some servers failed to start")
		}

		type report struct {
			supervisor.Status
			Tools int    `json:"tools"`
			Error string `json:"error,omitempty"`
		}
		var reports []report
		for _, st := range a.sup.Snapshot() {
			if len(args) > 0 && !slices.Contains(args, st.ServerID) {
				continue
			}
			a.sup.HealthCheck(ctx, st.ServerID)
			r := report{}
			if tools, err := a.tools.ListTools(ctx, st.ServerID); err == nil {
				r.Tools = len(tools)
			} else {
				r.Error = err.Error()
			}
			r.Status, _ = a.sup.Status(st.ServerID)
			if r.Error == "" {
				r.Error = r.LastError
			}
			reports = append(reports, r)
		}

		if serversJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(reports)
		}
		for _, r := range reports {
			icon := "✅"
			if r.State != supervisor.StateReady {
				icon = "❌"
			}
			fmt.Printf("%s %-14s %-10s %d tool(s)\n", icon, r.ServerID, serverStateColor(r.State)(string(r.State)), r.Tools)
			if r.Error != "" && r.State != supervisor.StateReady {
				fmt.Printf("   %s\n", r.Error)
			}
		}
		return nil
	},
}

var serversStartCmd = &cobra.Command{
	Use:   "start [server...]",
	Short: "Run tool servers in the foreground under supervision",
	Long: `Start the servers and keep them healthy until interrupted: they are
probed every health interval and restarted within the restart budget.
State changes are logged. Use 'cloudchat servers stop' from another shell.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pid := statePIDFile(serversName)
		if err := pid.claim(); err != nil {
			return err
		}
		defer pid.release()

		a, err := newServersApp(args)
		if err != nil {
			return err
		}
		defer a.shutdown()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if serversMetricsAddr != "" {
			srv := serveMetrics(serversMetricsAddr, a)
			defer srv.Close()
		}
		if err := a.sup.StartAll(ctx, args...); err != nil {
			log.WithError(err).Warn("some servers failed to start")
		}
		go a.sup.Run(ctx)
		if a.cfg.Auth.SilentRefreshEnabled() {
			go a.auth.RunRefresher(ctx, time.Minute)
		}

		printServerTable(a.sup.Snapshot())
		fmt.Println("Press Ctrl-C to stop.")
		<-ctx.Done()
		fmt.Println("\n🛑 Stopping tool servers...")
		return nil
	},
}

var serversStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop servers started with 'cloudchat servers start'",
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := statePIDFile(serversName).stop()
		if err != nil {
			fmt.Printf("❌ Tool servers: %s\n", err)
			return nil
		}
		fmt.Printf("🛑 Stopping tool servers (PID: %d)\n", pid)
		return nil
	},
}

// newServersApp builds an app whose supervisor knows the requested servers.
func newServersApp(ids []string) (*app, error) {
	for _, id := range ids {
		if _, ok := cfg.Servers[id]; !ok {
			return nil, fmt.Errorf("no tool server named %q (see 'cloudchat servers list')", id)
		}
	}
	a, err := newApp()
	if err != nil {
		return nil, err
	}
	switch {
	case serversProfile != "":
		if a.activeProfile, err = a.resolveProfile(serversProfile); err != nil {
			return nil, err
		}
	case needsActiveProfile(ids):
		name, err := a.resolveProfile("")
		if errors.Is(err, ui.ErrCancelled) {
			return nil, err
		}
		if err != nil {
			log.WithError(err).Debug("starting tool servers without profile credentials")
		}
		a.activeProfile = name
	}
	if err := a.withTools(); err != nil {
		return nil, err
	}
	return a, nil
}

// needsActiveProfile reports whether any of the servers (all enabled ones
// when ids is empty) takes the active profile's credentials.
func needsActiveProfile(ids []string) bool {
	if len(ids) == 0 {
		ids = cfg.EnabledServerIDs()
	}
	for _, id := range ids {
		if cfg.Servers[id].Profile == "" {
			return true
		}
	}
	return false
}

func printServerTable(statuses []supervisor.Status) {
	header := color.New(color.FgCyan, color.Bold).SprintFunc()
	fmt.Printf("%-14s %-12s %-8s %-9s %-20s %s\n",
		header("SERVER"), header("STATE"), header("PID"), header("RESTARTS"), header("LAST CHECK"), header("LAST ERROR"))
	fmt.Println(strings.Repeat("-", 110))
	now := time.Now()
	for _, st := range statuses {
		pid := "-"
		if st.PID > 0 {
			pid = fmt.Sprint(st.PID)
		}
		state := string(st.State)
		if st.GaveUp {
			state += "!"
		}
		fmt.Printf("%-14s %-12s %-8s %-9d %-20s %s\n",
			st.ServerID,
			serverStateColor(st.State)(state),
			pid,
			st.RestartCount,
			ui.Ago(st.LastHealthCheckAt, now),
			ui.Truncate(st.LastError, 50),
		)
	}
}

func serverStateColor(st supervisor.State) func(a ...interface{}) string {
	switch st {
	case supervisor.StateReady:
		return color.New(color.FgGreen).SprintFunc()
	case supervisor.StateStarting:
		return color.New(color.FgCyan).SprintFunc()
	case supervisor.StateDegraded:
		return color.New(color.FgYellow).SprintFunc()
	case supervisor.StateCrashed:
		return color.New(color.FgRed).SprintFunc()
	default:
		return fmt.Sprint
	}
}

func init() {
	serversCmd.PersistentFlags().StringVar(&serversProfile, "profile", "", "Profile whose credentials servers without a bound profile receive")
	serversCheckCmd.Flags().BoolVar(&serversJSON, "json", false, "Output as JSON")
	serversStartCmd.Flags().StringVar(&serversMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")

	serversCmd.AddCommand(serversListCmd, serversCheckCmd, serversStartCmd, serversStopCmd)
	rootCmd.AddCommand(serversCmd)
}
