package cmd

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/chukul/cloudchat/internal/metrics"
	"github.com/chukul/cloudchat/internal/vault"
)

var (
	daemonInterval    int
	daemonMetricsAddr string
)

const daemonName = "daemon"

func daemonLogPath() string {
	return filepath.Join(cfg.StateDir, "daemon.log")
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the background session refresher",
	Long: `The daemon silently refreshes SSO sessions before they expire. It works on
the encrypted session cache, so an encryption secret must be available.`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the session refresher in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := vault.GetSecret(secretKey); err != nil {
			return fmt.Errorf("the daemon needs an encryption secret (--secret, CLOUDCHAT_SECRET or keychain): %w", err)
		}
		pid := statePIDFile(daemonName)
		if err := pid.claim(); err != nil {
			return err
		}
		defer pid.release()

		logFile, err := os.OpenFile(daemonLogPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return err
		}
		defer logFile.Close()
		log.SetOutput(io.MultiWriter(os.Stderr, logFile))

		a, err := newApp()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if daemonMetricsAddr != "" {
			srv := serveMetrics(daemonMetricsAddr, a)
			defer srv.Close()
		}

		interval := time.Duration(daemonInterval) * time.Minute
		fmt.Printf("🚀 Starting cloudchat daemon (interval: %s)...\n", interval)
		fmt.Printf("📝 Logs: %s\n", daemonLogPath())
		log.WithField("interval", interval).Info("daemon started")
		a.auth.RunRefresher(ctx, interval)
		log.Info("daemon stopped")
		return nil
	},
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := statePIDFile(daemonName).stop()
		if err != nil {
			fmt.Printf("❌ Daemon: %s\n", err)
			return nil
		}
		fmt.Printf("🛑 Stopping cloudchat daemon (PID: %d)\n", pid)
		return nil
	},
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check daemon status",
	Run: func(cmd *cobra.Command, args []string) {
		pid, err := statePIDFile(daemonName).read()
		if err != nil || !processAlive(pid) {
			fmt.Println("⚪ Daemon is NOT running.")
			return
		}
		fmt.Printf("🟢 Daemon is running (PID: %d)\n", pid)
	},
}

var daemonLogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View daemon logs",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(daemonLogPath())
		if err != nil {
			fmt.Println("❌ No logs found.")
			return nil
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

// serveMetrics exposes the app's metrics registry until the returned server is closed.
func serveMetrics(addr string, a *app) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           metrics.Handler(a.registry),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithField("addr", addr).Error("metrics endpoint failed")
		}
	}()
	log.WithField("addr", addr).Info("serving metrics on /metrics")
	return srv
}

func init() {
	daemonStartCmd.Flags().IntVarP(&daemonInterval, "interval", "i", 5, "Check interval in minutes")
	daemonStartCmd.Flags().StringVar(&daemonMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")

	daemonCmd.AddCommand(daemonStartCmd, daemonStopCmd, daemonStatusCmd, daemonLogsCmd)
	rootCmd.AddCommand(daemonCmd)
}
