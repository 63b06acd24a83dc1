package sso

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/chukul/cloudchat/internal/apperr"
)

// FederationEndpoint is the AWS sign-in federation endpoint.
var FederationEndpoint = "https://signin.aws.amazon.com/federation"

// ConsoleURL exchanges role credentials for a one-time AWS console sign-in
// URL. An empty region opens the global console home page.
func ConsoleURL(ctx context.Context, client *http.Client, creds Credentials, region string) (string, error) {
	const op = "sso.ConsoleURL"
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}

	session, err := json.Marshal(map[string]string{
		"sessionId":    creds.AccessKeyID,
		"sessionKey":   creds.SecretAccessKey,
		"sessionToken": creds.SessionToken,
	})
	if err != nil {
		return "", apperr.Internal(op, err)
	}
	params := url.Values{}
	params.Set("Action", "getSigninToken")
	params.Set("Session", string(session))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, FederationEndpoint+"?"+params.Encode(), nil)
	if err != nil {
		return "", apperr.Internal(op, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", federationError(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", federationError(op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", federationError(op, fmt.Errorf("federation endpoint returned %s", resp.Status))
	}
	var token struct {
		SigninToken string `json:"SigninToken"`
	}
	if err := json.Unmarshal(body, &token); err != nil || token.SigninToken == "" {
		return "", federationError(op, fmt.Errorf("federation endpoint returned no sign-in token"))
	}

	destination := "https://console.aws.amazon.com/"
	if region != "" {
		destination = fmt.Sprintf("https://%s.console.aws.amazon.com/console/home?region=%s", region, region)
	}
	login := url.Values{}
	login.Set("Action", "login")
	login.Set("Issuer", "cloudchat")
	login.Set("Destination", destination)
	login.Set("SigninToken", token.SigninToken)
	return FederationEndpoint + "?" + login.Encode(), nil
}

func federationError(op string, err error) error {
	return &apperr.Error{Kind: apperr.KindTransport, Op: op, Err: err, Hint: "The AWS sign-in service could not be reached. Check your network and retry."}
}
