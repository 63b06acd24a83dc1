package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/chukul/cloudchat/internal/agent"
	"github.com/chukul/cloudchat/internal/config"
	"github.com/chukul/cloudchat/internal/metrics"
	"github.com/chukul/cloudchat/internal/profile"
	"github.com/chukul/cloudchat/internal/sso"
	"github.com/chukul/cloudchat/internal/supervisor"
	"github.com/chukul/cloudchat/internal/toolclient"
	"github.com/chukul/cloudchat/internal/ui"
	"github.com/chukul/cloudchat/internal/vault"
)

const loginPollEvery = time.Second

// app wires the components for one command run.
type app struct {
	cfg      config.Config
	store    *profile.Store
	auth     *sso.Authenticator
	registry *prometheus.Registry
	metrics  *metrics.Collector

	// activeProfile supplies credentials to servers without a bound profile.
	activeProfile string

	sup   *supervisor.Supervisor
	tools *toolclient.Client
}

func newApp() (*app, error) {
	a := &app{
		cfg:      cfg,
		store:    profile.NewStore(profile.DefaultPath(cfg.StateDir)),
		registry: prometheus.NewRegistry(),
	}
	a.metrics = metrics.NewCollector(a.registry)

	var cache *sso.SessionCache
	secret, err := vault.GetSecret(secretKey)
	switch {
	case err == nil:
		cache = sso.NewSessionCache(sso.DefaultCachePath(cfg.StateDir), secret)
	case errors.Is(err, vault.ErrNoSecret):
		log.Debug("no encryption secret, sessions are kept in memory only")
	default:
		return nil, err
	}

	a.auth = sso.NewAuthenticator(a.store, sso.NewAWSDeviceFlow(), sso.Options{
		LoginTimeout:  cfg.Auth.LoginTimeout(),
		RefreshWindow: cfg.Auth.RefreshWindow(),
		SilentRefresh: cfg.Auth.SilentRefreshEnabled(),
		OpenBrowser:   cfg.Auth.OpenBrowserEnabled(),
		ClientName:    cfg.Auth.ClientName,
		Cache:         cache,
		Observer:      a.metrics,
	})
	a.store.OnRemove(a.auth.Invalidate)
	a.store.OnChange(a.auth.Invalidate)

	if err := a.seedProfiles(); err != nil {
		return nil, err
	}
	return a, nil
}

// seedProfiles registers [[profiles]] from the config file. Stored profiles
// that already match are left alone.
func (a *app) seedProfiles() error {
	for _, pc := range a.cfg.Profiles {
		p := profile.Profile{
			Name:          pc.Name,
			StartURL:      pc.StartURL,
			SSORegion:     pc.SSORegion,
			AccountID:     pc.AccountID,
			RoleName:      pc.RoleName,
			DefaultRegion: pc.DefaultRegion,
		}
		if p.DefaultRegion == "" {
			p.DefaultRegion = a.cfg.Region
		}
		if existing, err := a.store.Get(p.Name); err == nil && existing == p {
			continue
		}
		if _, err := a.store.Register(p); err != nil {
			return fmt.Errorf("config profile %q: %w", pc.Name, err)
		}
	}
	return nil
}

// withTools builds the supervisor and tool client for the enabled servers.
func (a *app) withTools() error {
	var specs []supervisor.Spec
	timeouts := map[string]time.Duration{}
	for _, id := range a.cfg.EnabledServerIDs() {
		sc := a.cfg.Servers[id]
		specs = append(specs, supervisor.SpecFromConfig(id, sc))
		timeouts[id] = sc.Timeout(a.cfg.Client.DefaultTimeout())
	}

	sup, err := supervisor.New(specs, supervisor.Options{
		Policy:   supervisor.PolicyFromConfig(a.cfg.Supervisor),
		Env:      a.serverEnv,
		Observer: a.metrics,
	})
	if err != nil {
		return err
	}
	a.sup = sup
	a.tools = toolclient.New(sup, toolclient.Options{
		DefaultTimeout:   a.cfg.Client.DefaultTimeout(),
		ServerTimeouts:   timeouts,
		HistorySize:      a.cfg.Client.HistorySize,
		TimeoutThreshold: a.cfg.Client.TimeoutThreshold,
		Observer:         a.metrics,
	})
	return nil
}

// serverEnv hands a server the credentials of its bound profile, or of the
// active profile when it has none. The worker is relaunched once they expire.
func (a *app) serverEnv(ctx context.Context, spec supervisor.Spec) (supervisor.Environment, error) {
	name := spec.Profile
	if name == "" {
		name = a.activeProfile
	}
	if name == "" {
		return supervisor.Environment{}, nil
	}
	creds, err := a.auth.GetCredentials(ctx, name)
	if err != nil {
		return supervisor.Environment{}, err
	}
	env := creds.Env()
	if spec.Region != "" {
		env = append(env, "AWS_REGION="+spec.Region, "AWS_DEFAULT_REGION="+spec.Region)
	}
	return supervisor.Environment{Vars: env, Expires: creds.Expiration}, nil
}

// serverProfiles lists the servers bound to a profile of their own.
func (a *app) serverProfiles() map[string]string {
	out := map[string]string{}
	for id, sc := range a.cfg.Servers {
		if sc.Profile != "" {
			out[id] = sc.Profile
		}
	}
	return out
}

// serversUsing lists the enabled servers that run with name's credentials.
func (a *app) serversUsing(name string) []string {
	var ids []string
	for _, id := range a.cfg.EnabledServerIDs() {
		bound := a.cfg.Servers[id].Profile
		if bound == "" {
			bound = a.activeProfile
		}
		if bound != "" && profile.Normalize(bound) == profile.Normalize(name) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (a *app) autoApprove() map[string][]string {
	out := map[string][]string{}
	for id, sc := range a.cfg.Servers {
		if len(sc.AutoApprove) > 0 {
			out[id] = sc.AutoApprove
		}
	}
	return out
}

func (a *app) shutdown() {
	if a.sup == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*a.cfg.Supervisor.ShutdownGrace()+time.Second)
	defer cancel()
	a.sup.ShutdownAll(ctx)
}

// resolveProfile returns name, or asks the user to pick a registered profile.
func (a *app) resolveProfile(name string) (string, error) {
	if name != "" {
		p, err := a.store.Get(name)
		if err != nil {
			return "", err
		}
		return p.Name, nil
	}
	profiles, err := a.store.List()
	if err != nil {
		return "", err
	}
	if len(profiles) == 0 {
		return "", fmt.Errorf("no profiles registered, add one with 'cloudchat profile add'")
	}
	options := make([]ui.Option, len(profiles))
	for i, p := range profiles {
		options[i] = ui.Option{Label: p.Name, Detail: string(a.auth.State(p.Name)) + "  " + p.RoleARN()}
	}
	idx, err := ui.Select("Select Profile", options)
	if err != nil {
		return "", err
	}
	return profiles[idx].Name, nil
}

// login runs the device authorization flow for a profile until it settles.
func (a *app) login(ctx context.Context, name string) (*sso.Session, error) {
	h, err := a.auth.StartLogin(ctx, name)
	if err != nil {
		return nil, err
	}

	target := h.VerificationURIComplete
	if target == "" {
		target = h.VerificationURI
	}
	fmt.Fprintf(os.Stderr, "\n🔐 Signing in to %s\n", h.Profile)
	fmt.Fprintf(os.Stderr, "   Open %s and confirm the code:\n\n", target)
	fmt.Fprintf(os.Stderr, "%s\n\n", ui.Code(h.UserCode))
	fmt.Fprintf(os.Stderr, "   %s\n", ui.Muted("The code expires at "+h.ExpiresAt.Local().Format(ui.LogTimeFormat)))

	res, err := ui.Spin(ctx, "Waiting for browser authorization...", func(ctx context.Context) (sso.PollResult, error) {
		ticker := time.NewTicker(loginPollEvery)
		defer ticker.Stop()
		for {
			res, err := a.auth.PollLogin(ctx, h.ID)
			if err != nil || res.Status != sso.PollPending {
				return res, err
			}
			select {
			case <-ctx.Done():
				a.auth.CancelLogin(h.ID)
				return sso.PollResult{}, ctx.Err()
			case <-ticker.C:
			}
		}
	})
	if err != nil {
		return nil, err
	}

	switch res.Status {
	case sso.PollAuthenticated:
		if ids := a.serversUsing(h.Profile); a.sup != nil && len(ids) > 0 {
			// They pick up the new session on their next call.
			a.sup.RefreshEnvironment(ids...)
		}
		return res.Session, nil
	case sso.PollTimedOut:
		return nil, fmt.Errorf("login for %s timed out: %s", h.Profile, res.Reason)
	default:
		return nil, fmt.Errorf("login for %s failed: %s", h.Profile, res.Reason)
	}
}

var confirmMu sync.Mutex

// confirmCall asks before running a tool call that is not auto-approved.
// Calls of one plan run concurrently, so prompts are serialized.
func confirmCall(ctx context.Context, call agent.Call) (bool, error) {
	confirmMu.Lock()
	defer confirmMu.Unlock()
	if err := ctx.Err(); err != nil {
		return false, err
	}
	question := fmt.Sprintf("Run %s", call)
	if len(call.Arguments) > 0 {
		question += fmt.Sprintf(" with %v", call.Arguments)
	}
	return ui.Confirm(question + "?")
}
