package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/chukul/cloudchat/internal/agent"
	"github.com/chukul/cloudchat/internal/apperr"
	"github.com/chukul/cloudchat/internal/sso"
	"github.com/chukul/cloudchat/internal/ui"
)

const refresherInterval = time.Minute

var (
	chatProfile     string
	chatMessage     string
	chatMetricsAddr string
	chatYes         bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Ask questions about an AWS account in a chat session",
	Long: `Start a chat session bound to one SSO profile. Each request is planned
into tool calls, the calls run against the configured tool servers with the
profile's credentials, and the results are summarized.

Type /help inside the session for commands.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		name, err := a.resolveProfile(chatProfile)
		if err != nil {
			return err
		}
		a.activeProfile = name

		planner, err := agent.NewRulePlanner(a.cfg.Agent.Rules)
		if err != nil {
			return err
		}
		if err := a.withTools(); err != nil {
			return err
		}
		defer a.shutdown()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if chatMetricsAddr != "" {
			srv := serveMetrics(chatMetricsAddr, a)
			defer srv.Close()
		}
		go a.sup.Run(ctx)
		if a.cfg.Auth.SilentRefreshEnabled() {
			go a.auth.RunRefresher(ctx, refresherInterval)
		}

		if err := ensureSignedIn(ctx, a, name); err != nil {
			return err
		}
		go func() {
			if err := a.sup.StartAll(ctx); err != nil {
				log.WithError(err).Warn("some tool servers did not start")
			}
		}()

		opts := agent.Options{
			Profile:        name,
			ServerProfiles: a.serverProfiles(),
			MaxIterations:  a.cfg.Agent.MaxIterations,
			AutoApprove:   a.autoApprove(),
			Confirm:       confirmCall,
		}
		if chatYes {
			opts.Confirm = nil
		}
		s := &chatSession{app: a, profile: name, agent: agent.New(planner, a.tools, a.auth, opts)}

		if chatMessage != "" {
			return s.ask(ctx, chatMessage)
		}
		return s.loop(ctx)
	},
}

// ensureSignedIn makes sure the profile has a session, refreshing silently
// or running an interactive login as needed.
func ensureSignedIn(ctx context.Context, a *app, name string) error {
	switch a.auth.State(name) {
	case sso.StateAuthenticated:
		return nil
	case sso.StateExpired:
		if err := a.auth.Refresh(ctx, name); err == nil {
			return nil
		}
	}
	if !ui.Interactive() {
		return apperr.NotAuthenticated("chat", name)
	}
	_, err := a.login(ctx, name)
	return err
}

type chatSession struct {
	app     *app
	profile string
	agent   *agent.Agent
}

func (s *chatSession) loop(ctx context.Context) error {
	fmt.Printf("💬 Chatting as %s. Type /help for commands, /quit to leave.\n", color.GreenString(s.profile))

	read := lineReader()
	for ctx.Err() == nil {
		line, err := read()
		if err != nil {
			// EOF, Esc or Ctrl-C at the prompt.
			fmt.Println()
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := s.command(ctx, line)
			if err != nil {
				fmt.Println("❌ " + apperr.UserMessage(err))
			}
			if quit {
				return nil
			}
			continue
		}
		if err := s.ask(ctx, line); err != nil {
			fmt.Println("❌ " + apperr.UserMessage(err))
		}
	}
	return nil
}

// lineReader reads prompts from the terminal widget, or plain lines when
// stdin is piped. Confirmation prompts share the terminal, so nothing reads
// stdin in the background.
func lineReader() func() (string, error) {
	if ui.Interactive() {
		return func() (string, error) {
			return ui.Input{Prompt: "you ›", Placeholder: "list my ec2 instances"}.Ask()
		}
	}
	scanner := bufio.NewScanner(os.Stdin)
	return func() (string, error) {
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return "", err
			}
			return "", io.EOF
		}
		fmt.Println(color.New(color.FgCyan, color.Bold).Sprint("you › ") + scanner.Text())
		return scanner.Text(), nil
	}
}

func (s *chatSession) ask(ctx context.Context, utterance string) error {
	ans, err := s.agent.Ask(ctx, utterance)
	if errors.Is(err, apperr.ErrNotAuthenticated) && ui.Interactive() {
		expired := s.signedOutProfile()
		fmt.Printf("🔐 The session of %s has ended.\n", expired)
		ok, cerr := ui.Confirm("Sign in again now?")
		if cerr != nil || !ok {
			return err
		}
		if _, err := s.app.login(ctx, expired); err != nil {
			return err
		}
		ans, err = s.agent.Ask(ctx, utterance)
	}
	if err != nil {
		return err
	}

	bot := color.New(color.FgMagenta, color.Bold).SprintFunc()
	fmt.Printf("%s\n%s\n", bot("cloudchat ›"), ans.Text)
	for _, st := range ans.Steps {
		if len(st.Dropped) > 0 {
			fmt.Println(ui.Muted(fmt.Sprintf("  (%s ignored: %s)", st.Call, strings.Join(st.Dropped, ", "))))
		}
	}
	return nil
}

// signedOutProfile returns the first profile the session depends on that has
// no live session: the chat profile, then the profiles bound to servers.
func (s *chatSession) signedOutProfile() string {
	names := []string{s.profile}
	for _, id := range s.app.cfg.EnabledServerIDs() {
		if p := s.app.cfg.Servers[id].Profile; p != "" {
			names = append(names, p)
		}
	}
	for _, name := range names {
		if !s.app.auth.IsAuthenticated(name) {
			return name
		}
	}
	return s.profile
}

// command handles a slash command and reports whether the session should end.
func (s *chatSession) command(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}
	a := s.app

	switch fields[0] {
	case "/quit", "/exit", "/q":
		return true, nil
	case "/help":
		fmt.Println(`Commands:
  /status            session state of the profile
  /login [profile]   sign in again, by default as the chat profile
  /servers           tool server states
  /tools <server>    operations of a server
  /check <server>    probe a server now
  /start <server>    start a server
  /stop <server>     stop a server
  /restart <server>  restart a server, e.g. to pick up refreshed credentials
  /history           recent tool invocations
  /quit              leave`)
	case "/status":
		st := a.auth.Status(s.profile)
		fmt.Printf("%s: %s, %s\n", st.Profile, stateColor(st.State)(string(st.State)), ui.Remaining(st.ExpiresAt, time.Now()))
	case "/login":
		name := s.profile
		if arg != "" {
			name = arg
		}
		sess, err := a.login(ctx, name)
		if err != nil {
			return false, err
		}
		fmt.Printf("✅ Signed in, expires %s\n", ui.FormatTime(sess.ExpiresAt))
	case "/servers":
		printServerTable(a.sup.Snapshot())
	case "/tools":
		if arg == "" {
			return false, fmt.Errorf("usage: /tools <server>")
		}
		tools, err := a.tools.ListTools(ctx, arg)
		if err != nil {
			return false, err
		}
		for _, t := range tools {
			fmt.Printf("  %s:%s  %s\n", arg, t.Name, ui.Muted(ui.Truncate(t.Description, 70)))
		}
	case "/check":
		if arg == "" {
			return false, fmt.Errorf("usage: /check <server>")
		}
		st := a.sup.HealthCheck(ctx, arg)
		fmt.Printf("%s: %s\n", arg, serverStateColor(st)(string(st)))
	case "/start":
		if arg == "" {
			return false, fmt.Errorf("usage: /start <server>")
		}
		if err := a.sup.EnsureRunning(ctx, arg); err != nil {
			return false, err
		}
		fmt.Printf("✅ %s is running\n", arg)
	case "/stop":
		if arg == "" {
			return false, fmt.Errorf("usage: /stop <server>")
		}
		if err := a.sup.Shutdown(ctx, arg); err != nil {
			return false, err
		}
		fmt.Printf("🛑 %s stopped\n", arg)
	case "/restart":
		if arg == "" {
			return false, fmt.Errorf("usage: /restart <server>")
		}
		if err := a.sup.Shutdown(ctx, arg); err != nil {
			return false, err
		}
		if err := a.sup.EnsureRunning(ctx, arg); err != nil {
			return false, err
		}
		fmt.Printf("🔄 %s restarted\n", arg)
	case "/history":
		history := a.tools.History()
		if len(history) == 0 {
			fmt.Println("No tool invocations yet.")
		}
		for _, inv := range history {
			line := fmt.Sprintf("  %s  %s:%s  %s  %s", inv.StartedAt.Local().Format(ui.LogTimeFormat), inv.Server, inv.Operation, inv.Outcome, inv.Duration.Round(time.Millisecond))
			if inv.Error != "" {
				line += "  " + ui.Muted(ui.Truncate(inv.Error, 60))
			}
			fmt.Println(line)
		}
	default:
		return false, fmt.Errorf("unknown command %s, try /help", fields[0])
	}
	return false, nil
}

func init() {
	chatCmd.Flags().StringVarP(&chatProfile, "profile", "p", "", "Profile to chat with")
	chatCmd.Flags().StringVarP(&chatMessage, "message", "m", "", "Ask one question and exit")
	chatCmd.Flags().StringVar(&chatMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	chatCmd.Flags().BoolVarP(&chatYes, "yes", "y", false, "Run every tool call without asking")
	rootCmd.AddCommand(chatCmd)
}
