package sso

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionCacheRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "sessions.json")
	c := NewSessionCache(path, "my-secret")

	expires := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	in := &session{
		Profile:         "Dev",
		AccessToken:     "token-value",
		ExpiresAt:       expires,
		AccountID:       "111122223333",
		RoleName:        "ReadOnly",
		SSORegion:       "us-east-1",
		RefreshToken:    "refresh-value",
		ClientID:        "cid",
		ClientSecret:    "csecret",
		ClientExpiresAt: expires.Add(24 * time.Hour),
	}
	require.NoError(t, c.Save("dev", in))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(raw), "token-value"), "tokens must not be stored in plain text")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	all, err := c.LoadAll()
	require.NoError(t, err)
	require.Contains(t, all, "dev")
	out := all["dev"]
	assert.Equal(t, in.AccessToken, out.AccessToken)
	assert.Equal(t, in.RefreshToken, out.RefreshToken)
	assert.True(t, in.ExpiresAt.Equal(out.ExpiresAt))
	assert.True(t, in.ClientExpiresAt.Equal(out.ClientExpiresAt))
}

func TestSessionCacheRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	c := NewSessionCache(path, "my-secret")

	require.NoError(t, c.Save("dev", &session{Profile: "dev", AccessToken: "a"}))
	require.NoError(t, c.Save("prod", &session{Profile: "prod", AccessToken: "b"}))

	require.NoError(t, c.Remove("dev"))
	require.NoError(t, c.Remove("dev"))
	all, err := c.LoadAll()
	require.NoError(t, err)
	assert.NotContains(t, all, "dev")
	assert.Contains(t, all, "prod")

	require.NoError(t, c.Remove("prod"))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestSessionCacheMissingFile(t *testing.T) {
	c := NewSessionCache(filepath.Join(t.TempDir(), "none.json"), "x")
	all, err := c.LoadAll()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSessionCacheCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))
	_, err := NewSessionCache(path, "x").LoadAll()
	assert.Error(t, err)
}

func TestSessionCacheReplaceOnlyOverCurrentToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	c := NewSessionCache(path, "my-secret")
	other := NewSessionCache(path, "my-secret")

	prev := &session{Profile: "dev", AccessToken: "a"}
	require.NoError(t, c.Save("dev", prev))

	next := &session{Profile: "dev", AccessToken: "a2"}
	got, err := c.Replace("dev", prev, next)
	require.NoError(t, err)
	assert.Same(t, next, got)

	got, err = c.Replace("dev", prev, &session{Profile: "dev", AccessToken: "stale"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "a2", got.AccessToken, "an entry written by someone else wins")

	require.NoError(t, other.Remove("dev"))
	got, err = c.Replace("dev", next, &session{Profile: "dev", AccessToken: "a3"})
	require.NoError(t, err)
	assert.Nil(t, got)
	all, err := c.LoadAll()
	require.NoError(t, err)
	assert.NotContains(t, all, "dev", "a removed entry is not written back")
}
