package sso

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chukul/cloudchat/internal/apperr"
)

func withFederation(t *testing.T, h http.HandlerFunc) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	prev := FederationEndpoint
	FederationEndpoint = srv.URL
	t.Cleanup(func() { FederationEndpoint = prev })
}

func TestConsoleURL(t *testing.T) {
	var session map[string]string
	withFederation(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "getSigninToken", r.URL.Query().Get("Action"))
		require.NoError(t, json.Unmarshal([]byte(r.URL.Query().Get("Session")), &session))
		_, _ = w.Write([]byte(`{"SigninToken":"tok-123"}`))
	})

	creds := Credentials{AccessKeyID: "AKID", SecretAccessKey: "SECRET", SessionToken: "TOKEN"}
	raw, err := ConsoleURL(context.Background(), nil, creds, "eu-west-1")
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"sessionId": "AKID", "sessionKey": "SECRET", "sessionToken": "TOKEN"}, session)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "login", q.Get("Action"))
	assert.Equal(t, "tok-123", q.Get("SigninToken"))
	assert.Equal(t, "https://eu-west-1.console.aws.amazon.com/console/home?region=eu-west-1", q.Get("Destination"))
}

func TestConsoleURLRejected(t *testing.T) {
	withFederation(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "denied", http.StatusForbidden)
	})

	_, err := ConsoleURL(context.Background(), nil, Credentials{AccessKeyID: "AKID"}, "")
	require.Error(t, err)
	assert.Equal(t, apperr.KindTransport, apperr.KindOf(err))
}
