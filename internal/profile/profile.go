// Package profile stores named SSO profiles. It never holds tokens.
package profile

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/chukul/cloudchat/internal/apperr"
)

type Profile struct {
	Name          string `json:"name"`
	StartURL      string `json:"sso_start_url"`
	SSORegion     string `json:"sso_region"`
	AccountID     string `json:"account_id"`
	RoleName      string `json:"role_name"`
	DefaultRegion string `json:"default_region"`
}

var (
	accountIDPattern = regexp.MustCompile(`^\d{12}$`)
	regionPattern    = regexp.MustCompile(`^[a-z]{2}(-gov|-iso[a-z]?)?-[a-z]+-\d{1,2}$`)
	roleNamePattern  = regexp.MustCompile(`^[\w+=,.@-]{1,64}$`)
)

// Normalize returns the lookup key for a profile name.
func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// RoleARN returns the IAM role ARN this profile assumes.
func (p Profile) RoleARN() string {
	return fmt.Sprintf("arn:aws:iam::%s:role/%s", p.AccountID, p.RoleName)
}

func (p Profile) trimmed() Profile {
	return Profile{
		Name:          strings.TrimSpace(p.Name),
		StartURL:      strings.TrimSpace(p.StartURL),
		SSORegion:     strings.TrimSpace(p.SSORegion),
		AccountID:     strings.TrimSpace(p.AccountID),
		RoleName:      strings.TrimSpace(p.RoleName),
		DefaultRegion: strings.TrimSpace(p.DefaultRegion),
	}
}

// sameIdentity reports whether q signs in to the same portal, account and role.
// DefaultRegion only steers tool calls and is not part of it.
func (p Profile) sameIdentity(q Profile) bool {
	return p.StartURL == q.StartURL && p.SSORegion == q.SSORegion &&
		p.AccountID == q.AccountID && p.RoleName == q.RoleName
}

// Validate checks that every field is present and well formed.
func (p Profile) Validate() error {
	const op = "profile.Register"
	p = p.trimmed()

	fields := []struct{ name, value string }{
		{"name", p.Name},
		{"sso_start_url", p.StartURL},
		{"sso_region", p.SSORegion},
		{"account_id", p.AccountID},
		{"role_name", p.RoleName},
		{"default_region", p.DefaultRegion},
	}
	for _, f := range fields {
		if f.value == "" {
			return apperr.Validation(op, "%s is required", f.name)
		}
	}

	u, err := url.Parse(p.StartURL)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return apperr.Validation(op, "sso_start_url must be an https URL such as https://my-org.awsapps.com/start")
	}
	if !regionPattern.MatchString(p.SSORegion) {
		return apperr.Validation(op, "sso_region %q is not a valid AWS region", p.SSORegion)
	}
	if !regionPattern.MatchString(p.DefaultRegion) {
		return apperr.Validation(op, "default_region %q is not a valid AWS region", p.DefaultRegion)
	}
	if !accountIDPattern.MatchString(p.AccountID) {
		return apperr.Validation(op, "account_id must be exactly 12 digits")
	}
	if !roleNamePattern.MatchString(p.RoleName) {
		return apperr.Validation(op, "role_name must be 1-64 characters of letters, digits or +=,.@_-")
	}
	return nil
}
