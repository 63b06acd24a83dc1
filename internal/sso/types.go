package sso

import (
	"time"

	"github.com/chukul/cloudchat/internal/profile"
)

// State is the authentication state of one profile.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateAuthenticating  State = "authenticating"
	StateAuthenticated   State = "authenticated"
	StateExpired         State = "expired"
)

// PollStatus is the outcome of one PollLogin call.
type PollStatus string

const (
	PollPending       PollStatus = "pending"
	PollAuthenticated PollStatus = "authenticated"
	PollFailed        PollStatus = "failed"
	PollTimedOut      PollStatus = "timed_out"
)

// LoginHandle is returned by StartLogin and identifies one login attempt.
type LoginHandle struct {
	ID                      string
	Profile                 string
	VerificationURI         string
	VerificationURIComplete string
	UserCode                string
	ExpiresAt               time.Time
	Interval                time.Duration
}

// PollResult reports the progress of a login attempt.
type PollResult struct {
	Status  PollStatus
	Session *Session
	Reason  string
}

// Session is the token-free view of an authenticated profile.
type Session struct {
	ProfileName string
	ExpiresAt   time.Time
	AccountID   string
	RoleName    string
}

// ProfileStatus is what the UI shows for one profile.
type ProfileStatus struct {
	Profile    string    `json:"profile"`
	State      State     `json:"state"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
	AccountID  string    `json:"account_id,omitempty"`
	RoleName   string    `json:"role_name,omitempty"`
	CanRefresh bool      `json:"can_refresh"`
}

// Credentials are temporary AWS credentials for a profile's role. Callers
// must request them again rather than caching them.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Expiration      time.Time
	Region          string
}

// Env renders the credentials as AWS SDK environment variables.
func (c Credentials) Env() []string {
	env := []string{
		"AWS_ACCESS_KEY_ID=" + c.AccessKeyID,
		"AWS_SECRET_ACCESS_KEY=" + c.SecretAccessKey,
		"AWS_SESSION_TOKEN=" + c.SessionToken,
	}
	if c.Region != "" {
		env = append(env, "AWS_REGION="+c.Region, "AWS_DEFAULT_REGION="+c.Region)
	}
	return env
}

// Identity is the caller identity reported by STS.
type Identity struct {
	Account string
	Arn     string
	UserID  string
}

// session is the full token state owned by the Authenticator.
type session struct {
	Profile         string
	AccessToken     string
	ExpiresAt       time.Time
	AccountID       string
	RoleName        string
	SSORegion       string
	RefreshToken    string
	ClientID        string
	ClientSecret    string
	ClientExpiresAt time.Time
}

func (s *session) valid(now time.Time) bool {
	return s != nil && s.AccessToken != "" && s.ExpiresAt.After(now)
}

func (s *session) refreshable(now time.Time) bool {
	return s != nil && s.RefreshToken != "" && s.ClientID != "" && s.ClientExpiresAt.After(now)
}

// signsInAs reports whether the session was issued for p's portal, account and role.
func (s *session) signsInAs(p profile.Profile) bool {
	return s.SSORegion == p.SSORegion && s.AccountID == p.AccountID && s.RoleName == p.RoleName
}

func (s *session) view() *Session {
	return &Session{
		ProfileName: s.Profile,
		ExpiresAt:   s.ExpiresAt,
		AccountID:   s.AccountID,
		RoleName:    s.RoleName,
	}
}
