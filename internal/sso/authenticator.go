// Package sso signs profiles in through IAM Identity Center and hands out
// short-lived role credentials.
package sso

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/browser"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/chukul/cloudchat/internal/apperr"
	"github.com/chukul/cloudchat/internal/profile"
)

const (
	defaultPollInterval = 5 * time.Second
	slowDownStep        = 5 * time.Second
	pollCallTimeout     = 15 * time.Second
)

// ProfileSource looks up registered profiles.
type ProfileSource interface {
	Get(name string) (profile.Profile, error)
}

// reloader is implemented by profile sources backed by a shared file.
type reloader interface {
	Reload() error
}

// LoginObserver receives login outcomes, e.g. for metrics.
type LoginObserver interface {
	RecordLogin(profileName string, outcome string)
}

type Options struct {
	// LoginTimeout bounds a login attempt in addition to the device code lifetime.
	LoginTimeout time.Duration
	// RefreshWindow is how close to expiry RefreshExpiring renews a session.
	RefreshWindow time.Duration
	SilentRefresh bool
	OpenBrowser   bool
	ClientName    string

	Cache    *SessionCache
	Identity IdentityResolver
	Observer LoginObserver
	Browser  func(url string) error
	Now      func() time.Time
}

type loginAttempt struct {
	handle   LoginHandle
	key      string
	profile  profile.Profile
	client   ClientRegistration
	device   string
	deadline time.Time
	interval time.Duration
	limiter  *rate.Limiter
	polling  bool
	done     bool
	result   PollResult
}

// Authenticator owns every SSO session. All methods are safe for concurrent use.
type Authenticator struct {
	profiles ProfileSource
	flow     DeviceFlow
	opts     Options

	mu       sync.Mutex
	sessions map[string]*session
	logins   map[string]*loginAttempt
	active   map[string]string
	clients  map[string]ClientRegistration
}

func NewAuthenticator(profiles ProfileSource, flow DeviceFlow, opts Options) *Authenticator {
	if opts.LoginTimeout <= 0 {
		opts.LoginTimeout = 5 * time.Minute
	}
	if opts.RefreshWindow <= 0 {
		opts.RefreshWindow = 15 * time.Minute
	}
	if opts.ClientName == "" {
		opts.ClientName = "cloudchat"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Browser == nil {
		opts.Browser = browser.OpenURL
	}
	if opts.Identity == nil {
		opts.Identity = STSIdentity{}
	}
	a := &Authenticator{
		profiles: profiles,
		flow:     flow,
		opts:     opts,
		sessions: map[string]*session{},
		logins:   map[string]*loginAttempt{},
		active:   map[string]string{},
		clients:  map[string]ClientRegistration{},
	}
	a.loadCache()
	return a
}

func (a *Authenticator) loadCache() {
	if a.opts.Cache == nil {
		return
	}
	cached, err := a.opts.Cache.LoadAll()
	if err != nil {
		log.WithError(err).Warn("ignoring unreadable session cache")
		return
	}
	for key, s := range cached {
		a.sessions[key] = s
	}
	log.WithField("count", len(cached)).Debug("loaded cached sessions")
}

// syncFromCache makes the cache the source of truth again, so logins and
// logouts made by other processes since the last sync are seen. Sessions whose
// token did not change keep their identity.
func (a *Authenticator) syncFromCache() {
	if r, ok := a.profiles.(reloader); ok {
		if err := r.Reload(); err != nil {
			log.WithError(err).Warn("failed to reload profiles")
		}
	}
	if a.opts.Cache == nil {
		return
	}
	cached, err := a.opts.Cache.LoadAll()
	if err != nil {
		log.WithError(err).Warn("ignoring unreadable session cache")
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for key, s := range cached {
		if held := a.sessions[key]; held != nil && held.AccessToken == s.AccessToken {
			cached[key] = held
		}
	}
	a.sessions = cached
}

// StartLogin begins the device authorization flow for a profile and returns as
// soon as the user code is known.
func (a *Authenticator) StartLogin(ctx context.Context, name string) (LoginHandle, error) {
	const op = "sso.StartLogin"
	p, err := a.profiles.Get(name)
	if err != nil {
		return LoginHandle{}, err
	}
	key := profile.Normalize(p.Name)

	client, err := a.clientFor(ctx, p.SSORegion)
	if err != nil {
		return LoginHandle{}, apperr.FromAWS(op, err)
	}
	auth, err := a.flow.StartDeviceAuthorization(ctx, p.SSORegion, client, p.StartURL)
	if err != nil {
		return LoginHandle{}, apperr.FromAWS(op, err)
	}

	now := a.opts.Now()
	interval := auth.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	deadline := now.Add(a.opts.LoginTimeout)
	if auth.ExpiresIn > 0 && now.Add(auth.ExpiresIn).Before(deadline) {
		deadline = now.Add(auth.ExpiresIn)
	}

	attempt := &loginAttempt{
		handle: LoginHandle{
			ID:                      uuid.NewString(),
			Profile:                 p.Name,
			VerificationURI:         auth.VerificationURI,
			VerificationURIComplete: auth.VerificationURIComplete,
			UserCode:                auth.UserCode,
			ExpiresAt:               deadline,
			Interval:                interval,
		},
		key:      key,
		profile:  p,
		client:   client,
		device:   auth.DeviceCode,
		deadline: deadline,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
	}

	a.mu.Lock()
	if prev, ok := a.active[key]; ok {
		delete(a.logins, prev)
	}
	a.expireLoginsLocked(now)
	a.purgeDoneLocked()
	a.logins[attempt.handle.ID] = attempt
	a.active[key] = attempt.handle.ID
	a.mu.Unlock()

	log.WithFields(log.Fields{"profile": p.Name, "expires": deadline}).Info("sso login started")

	if a.opts.OpenBrowser {
		target := auth.VerificationURIComplete
		if target == "" {
			target = auth.VerificationURI
		}
		go func() {
			if err := a.opts.Browser(target); err != nil {
				log.Warnf("Could not open browser automatically: %v", err)
			}
		}()
	}
	return attempt.handle, nil
}

// PollLogin checks a login attempt once. It never waits for the user; calls
// arriving faster than the service allows report Pending without a request.
func (a *Authenticator) PollLogin(ctx context.Context, handleID string) (PollResult, error) {
	a.mu.Lock()
	attempt, ok := a.logins[handleID]
	if !ok {
		a.mu.Unlock()
		return PollResult{}, apperr.NotFound("sso.PollLogin", "login attempt %q is unknown or was cancelled", handleID)
	}
	if attempt.done {
		res := attempt.result
		a.mu.Unlock()
		return res, nil
	}
	now := a.opts.Now()
	if !now.Before(attempt.deadline) {
		res := a.finishLocked(attempt, PollResult{Status: PollTimedOut, Reason: "login window expired"})
		a.mu.Unlock()
		return res, nil
	}
	if attempt.polling || !attempt.limiter.AllowN(now, 1) {
		a.mu.Unlock()
		return PollResult{Status: PollPending}, nil
	}
	attempt.polling = true
	a.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, pollCallTimeout)
	tok, err := a.flow.CreateToken(callCtx, attempt.profile.SSORegion, attempt.client, attempt.device)
	cancel()

	a.mu.Lock()
	defer a.mu.Unlock()
	attempt.polling = false
	if current, ok := a.logins[handleID]; !ok || current != attempt {
		return PollResult{Status: PollFailed, Reason: "login was cancelled"}, nil
	}
	if attempt.done {
		return attempt.result, nil
	}

	switch {
	case err == nil:
		s := &session{
			Profile:         attempt.profile.Name,
			AccessToken:     tok.AccessToken,
			ExpiresAt:       a.opts.Now().Add(tok.ExpiresIn),
			AccountID:       attempt.profile.AccountID,
			RoleName:        attempt.profile.RoleName,
			SSORegion:       attempt.profile.SSORegion,
			RefreshToken:    tok.RefreshToken,
			ClientID:        attempt.client.ClientID,
			ClientSecret:    attempt.client.ClientSecret,
			ClientExpiresAt: attempt.client.ExpiresAt,
		}
		a.storeLocked(attempt.key, s)
		return a.finishLocked(attempt, PollResult{Status: PollAuthenticated, Session: s.view()}), nil
	case errors.Is(err, ErrAuthorizationPending):
		return PollResult{Status: PollPending}, nil
	case errors.Is(err, ErrSlowDown):
		attempt.interval += slowDownStep
		attempt.limiter.SetLimitAt(a.opts.Now(), rate.Every(attempt.interval))
		log.WithFields(log.Fields{"profile": attempt.profile.Name, "interval": attempt.interval}).Debug("sso asked to slow down")
		return PollResult{Status: PollPending}, nil
	case errors.Is(err, ErrDeviceCodeExpired):
		return a.finishLocked(attempt, PollResult{Status: PollTimedOut, Reason: "device code expired"}), nil
	case errors.Is(err, ErrAccessDenied):
		return a.finishLocked(attempt, PollResult{Status: PollFailed, Reason: "access was denied in the browser"}), nil
	case errors.Is(err, ErrInvalidGrant):
		return a.finishLocked(attempt, PollResult{Status: PollFailed, Reason: "the authorization request is no longer valid"}), nil
	}

	log.WithError(err).WithField("profile", attempt.profile.Name).Warn("sso token poll failed, will retry")
	return PollResult{Status: PollPending}, nil
}

// CancelLogin abandons a login attempt. The profile keeps whatever session it had.
func (a *Authenticator) CancelLogin(handleID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	attempt, ok := a.logins[handleID]
	if !ok {
		return
	}
	delete(a.logins, handleID)
	if a.active[attempt.key] == handleID {
		delete(a.active, attempt.key)
	}
	if !attempt.done {
		a.record(attempt.profile.Name, "cancelled")
	}
}

func (a *Authenticator) finishLocked(attempt *loginAttempt, res PollResult) PollResult {
	attempt.done = true
	attempt.result = res
	if a.active[attempt.key] == attempt.handle.ID {
		delete(a.active, attempt.key)
	}
	a.record(attempt.profile.Name, string(res.Status))
	fields := log.Fields{"profile": attempt.profile.Name, "outcome": res.Status}
	if res.Status == PollAuthenticated {
		log.WithFields(fields).Info("sso login complete")
	} else {
		log.WithFields(fields).WithField("reason", res.Reason).Warn("sso login ended")
	}
	return res
}

// expireLoginsLocked ends attempts whose window closed without a final poll.
func (a *Authenticator) expireLoginsLocked(now time.Time) {
	for _, attempt := range a.logins {
		if !attempt.done && !attempt.polling && !now.Before(attempt.deadline) {
			a.finishLocked(attempt, PollResult{Status: PollTimedOut, Reason: "login window expired"})
		}
	}
}

func (a *Authenticator) purgeDoneLocked() {
	for id, attempt := range a.logins {
		if attempt.done {
			delete(a.logins, id)
		}
	}
}

func (a *Authenticator) record(name, outcome string) {
	if a.opts.Observer != nil {
		a.opts.Observer.RecordLogin(name, outcome)
	}
}

// clientFor reuses an OIDC client registration per SSO region until it expires.
func (a *Authenticator) clientFor(ctx context.Context, region string) (ClientRegistration, error) {
	now := a.opts.Now()
	a.mu.Lock()
	c, ok := a.clients[region]
	a.mu.Unlock()
	if ok && c.ExpiresAt.After(now.Add(time.Hour)) {
		return c, nil
	}
	c, err := a.flow.RegisterClient(ctx, region, a.opts.ClientName)
	if err != nil {
		return ClientRegistration{}, err
	}
	a.mu.Lock()
	a.clients[region] = c
	a.mu.Unlock()
	return c, nil
}

func (a *Authenticator) storeLocked(key string, s *session) {
	a.sessions[key] = s
	if a.opts.Cache != nil {
		if err := a.opts.Cache.Save(key, s); err != nil {
			log.WithError(err).WithField("profile", s.Profile).Warn("failed to persist session")
		}
	}
}

func (a *Authenticator) dropLocked(key string) {
	delete(a.sessions, key)
	if a.opts.Cache != nil {
		if err := a.opts.Cache.Remove(key); err != nil {
			log.WithError(err).WithField("profile", key).Warn("failed to remove cached session")
		}
	}
}

// IsAuthenticated reports whether the profile has a session that has not
// expired. An expired session is looked up again in the cache first, since
// another process may have renewed it.
func (a *Authenticator) IsAuthenticated(name string) bool {
	key := profile.Normalize(name)
	a.mu.Lock()
	valid := a.sessions[key].valid(a.opts.Now())
	a.mu.Unlock()
	if valid || a.opts.Cache == nil {
		return valid
	}
	p, err := a.profiles.Get(name)
	if err != nil {
		return false
	}
	return a.reloadSession(key, p).valid(a.opts.Now())
}

// reloadSession re-reads the profile's cache entry, which other processes may
// have renewed, replaced or removed, and returns the session now held for key.
func (a *Authenticator) reloadSession(key string, p profile.Profile) *session {
	a.mu.Lock()
	held := a.sessions[key]
	a.mu.Unlock()
	if a.opts.Cache == nil {
		return held
	}
	cached, err := a.opts.Cache.Load(key)
	if err != nil {
		log.WithError(err).WithField("profile", p.Name).Warn("ignoring unreadable cached session")
		return held
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	switch current := a.sessions[key]; {
	case current != held:
		// Changed in this process while the cache was read.
		return current
	case cached == nil:
		if held != nil {
			delete(a.sessions, key)
			log.WithField("profile", p.Name).Debug("session was signed out elsewhere")
		}
		return nil
	case !cached.signsInAs(p):
		a.dropLocked(key)
		return nil
	case held != nil && cached.AccessToken == held.AccessToken:
		return held
	}
	a.sessions[key] = cached
	log.WithFields(log.Fields{"profile": p.Name, "expires": cached.ExpiresAt}).Debug("picked up session renewed elsewhere")
	return cached
}

// State returns the current state of a profile.
func (a *Authenticator) State(name string) State {
	return a.Status(name).State
}

func (a *Authenticator) Status(name string) ProfileStatus {
	key := profile.Normalize(name)
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.opts.Now()
	a.expireLoginsLocked(now)
	st := ProfileStatus{Profile: name, State: StateUnauthenticated}
	s := a.sessions[key]
	if s != nil {
		st.Profile = s.Profile
		st.ExpiresAt = s.ExpiresAt
		st.AccountID = s.AccountID
		st.RoleName = s.RoleName
		st.CanRefresh = a.opts.SilentRefresh && s.refreshable(now)
		if s.valid(now) {
			st.State = StateAuthenticated
		} else {
			st.State = StateExpired
		}
	}
	if _, ok := a.active[key]; ok {
		st.State = StateAuthenticating
	}
	return st
}

// Logout drops the profile's session and any login in progress. It is idempotent.
func (a *Authenticator) Logout(name string) {
	key := profile.Normalize(name)
	a.mu.Lock()
	defer a.mu.Unlock()
	if id, ok := a.active[key]; ok {
		delete(a.logins, id)
		delete(a.active, key)
	}
	_, held := a.sessions[key]
	// The cache entry goes too, even when another process wrote it.
	a.dropLocked(key)
	if held {
		log.WithField("profile", name).Info("logged out")
	}
}

// Invalidate is the profile store's remove and change hook.
func (a *Authenticator) Invalidate(name string) {
	a.Logout(name)
}

// GetCredentials exchanges the profile's SSO token for role credentials.
func (a *Authenticator) GetCredentials(ctx context.Context, name string) (Credentials, error) {
	const op = "sso.GetCredentials"
	p, err := a.profiles.Get(name)
	if err != nil {
		return Credentials{}, err
	}
	key := profile.Normalize(p.Name)

	a.mu.Lock()
	s := a.sessions[key]
	if s != nil && !s.signsInAs(p) {
		// The profile was re-registered with another identity, possibly by
		// another process.
		a.dropLocked(key)
		s = nil
	}
	valid := s.valid(a.opts.Now())
	a.mu.Unlock()

	if !valid {
		if s, err = a.renew(ctx, key, p); err != nil {
			return Credentials{}, apperr.NotAuthenticated(op, p.Name)
		}
	}

	creds, err := a.flow.RoleCredentials(ctx, p.SSORegion, s.AccessToken, p.AccountID, p.RoleName)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			a.mu.Lock()
			if a.sessions[key] == s {
				a.dropLocked(key)
			}
			a.mu.Unlock()
			return Credentials{}, apperr.NotAuthenticated(op, p.Name)
		}
		return Credentials{}, apperr.FromAWS(op, err)
	}
	creds.Region = p.DefaultRegion
	return creds, nil
}

// renew returns a live session for an expired one: the cached session when
// another process already renewed it, otherwise one refreshed here.
func (a *Authenticator) renew(ctx context.Context, key string, p profile.Profile) (*session, error) {
	const op = "sso.GetCredentials"
	s := a.reloadSession(key, p)
	now := a.opts.Now()
	if s.valid(now) {
		return s, nil
	}
	if !a.opts.SilentRefresh || !s.refreshable(now) {
		return nil, apperr.NotAuthenticated(op, p.Name)
	}
	if err := a.Refresh(ctx, p.Name); err != nil {
		// Another process may have refreshed first and rotated the refresh
		// token we used.
		if s = a.reloadSession(key, p); s.valid(a.opts.Now()) {
			return s, nil
		}
		return nil, err
	}
	a.mu.Lock()
	s = a.sessions[key]
	a.mu.Unlock()
	if !s.valid(a.opts.Now()) {
		return nil, apperr.NotAuthenticated(op, p.Name)
	}
	return s, nil
}

// Identity returns the STS caller identity for the profile's role.
func (a *Authenticator) Identity(ctx context.Context, name string) (Identity, error) {
	creds, err := a.GetCredentials(ctx, name)
	if err != nil {
		return Identity{}, err
	}
	id, err := a.opts.Identity.CallerIdentity(ctx, creds)
	if err != nil {
		return Identity{}, apperr.FromAWS("sso.Identity", err)
	}
	return id, nil
}

// Refresh renews the profile's token with its refresh token, without a browser.
func (a *Authenticator) Refresh(ctx context.Context, name string) error {
	const op = "sso.Refresh"
	key := profile.Normalize(name)

	a.mu.Lock()
	s := a.sessions[key]
	now := a.opts.Now()
	if !a.opts.SilentRefresh || !s.refreshable(now) {
		a.mu.Unlock()
		return apperr.NotAuthenticated(op, name)
	}
	prev := *s
	a.mu.Unlock()

	client := ClientRegistration{ClientID: prev.ClientID, ClientSecret: prev.ClientSecret, ExpiresAt: prev.ClientExpiresAt}
	tok, err := a.flow.RefreshToken(ctx, prev.SSORegion, client, prev.RefreshToken)
	if err != nil {
		log.WithError(err).WithField("profile", prev.Profile).Warn("silent refresh failed")
		a.record(prev.Profile, "refresh_failed")
		if errors.Is(err, ErrInvalidGrant) || errors.Is(err, ErrAccessDenied) {
			return apperr.NotAuthenticated(op, prev.Profile)
		}
		return apperr.FromAWS(op, err)
	}

	next := prev
	next.AccessToken = tok.AccessToken
	next.RefreshToken = tok.RefreshToken
	next.ExpiresAt = a.opts.Now().Add(tok.ExpiresIn)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sessions[key] != s {
		// Logged out or replaced while refreshing.
		return apperr.NotAuthenticated(op, prev.Profile)
	}
	if a.opts.Cache == nil {
		a.sessions[key] = &next
	} else {
		current, err := a.opts.Cache.Replace(key, &prev, &next)
		switch {
		case err != nil:
			log.WithError(err).WithField("profile", prev.Profile).Warn("failed to persist session")
			a.sessions[key] = &next
		case current == nil:
			delete(a.sessions, key)
			log.WithField("profile", prev.Profile).Info("session was signed out elsewhere, discarding refresh")
			return apperr.NotAuthenticated(op, prev.Profile)
		case current != &next:
			a.sessions[key] = current
			log.WithField("profile", prev.Profile).Debug("session was renewed elsewhere, discarding refresh")
			return nil
		default:
			a.sessions[key] = &next
		}
	}
	a.record(prev.Profile, "refreshed")
	log.WithFields(log.Fields{"profile": prev.Profile, "expires": next.ExpiresAt}).Info("session refreshed")
	return nil
}

// RefreshExpiring refreshes every live session that expires within the refresh
// window and returns the profiles it renewed. With a cache it first picks up
// sessions other processes created or removed.
func (a *Authenticator) RefreshExpiring(ctx context.Context) ([]string, error) {
	a.syncFromCache()

	a.mu.Lock()
	now := a.opts.Now()
	var due []string
	for _, s := range a.sessions {
		if !s.valid(now) || !s.refreshable(now) {
			continue
		}
		if s.ExpiresAt.Sub(now) < a.opts.RefreshWindow {
			due = append(due, s.Profile)
		}
	}
	a.mu.Unlock()
	sort.Strings(due)

	var refreshed []string
	var errs []error
	for _, name := range due {
		if err := a.Refresh(ctx, name); err != nil {
			errs = append(errs, err)
			continue
		}
		refreshed = append(refreshed, name)
	}
	return refreshed, errors.Join(errs...)
}

// RunRefresher calls RefreshExpiring every interval until ctx is done.
func (a *Authenticator) RunRefresher(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if refreshed, err := a.RefreshExpiring(ctx); err != nil {
			log.WithError(err).Warn("background refresh had failures")
		} else if len(refreshed) > 0 {
			log.WithField("profiles", refreshed).Debug("background refresh complete")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
