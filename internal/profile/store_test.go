package profile

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chukul/cloudchat/internal/apperr"
)

func sample(name string) Profile {
	return Profile{
		Name:          name,
		StartURL:      "https://acme.awsapps.com/start",
		SSORegion:     "us-east-1",
		AccountID:     "111122223333",
		RoleName:      "ReadOnly",
		DefaultRegion: "ca-central-1",
	}
}

func TestRegisterAndGet(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "profiles.json"))

	stored, err := s.Register(sample("dev"))
	require.NoError(t, err)
	assert.Equal(t, "dev", stored.Name)

	got, err := s.Get("DEV")
	require.NoError(t, err)
	assert.Equal(t, stored, got)
}

func TestRegisterRejectsEmptyFields(t *testing.T) {
	s := NewStore("")
	for _, mutate := range []func(*Profile){
		func(p *Profile) { p.Name = " " },
		func(p *Profile) { p.StartURL = "" },
		func(p *Profile) { p.SSORegion = "" },
		func(p *Profile) { p.AccountID = "" },
		func(p *Profile) { p.RoleName = "" },
		func(p *Profile) { p.DefaultRegion = "" },
	} {
		p := sample("dev")
		mutate(&p)
		_, err := s.Register(p)
		assert.ErrorIs(t, err, apperr.ErrValidation)
	}
	list, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRegisterValidatesFormat(t *testing.T) {
	s := NewStore("")
	cases := map[string]func(*Profile){
		"http url":    func(p *Profile) { p.StartURL = "http://acme.awsapps.com/start" },
		"short acct":  func(p *Profile) { p.AccountID = "1234" },
		"bad region":  func(p *Profile) { p.SSORegion = "mars-1" },
		"long role":   func(p *Profile) { p.RoleName = string(make([]byte, 65)) },
		"bad def rgn": func(p *Profile) { p.DefaultRegion = "canada" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := sample("dev")
			mutate(&p)
			_, err := s.Register(p)
			assert.ErrorIs(t, err, apperr.ErrValidation)
		})
	}
}

func TestRegisterCaseCollision(t *testing.T) {
	s := NewStore("")
	_, err := s.Register(sample("Prod"))
	require.NoError(t, err)

	_, err = s.Register(sample("prod"))
	assert.ErrorIs(t, err, apperr.ErrValidation)

	list, _ := s.List()
	require.Len(t, list, 1)
	assert.Equal(t, "Prod", list[0].Name)
}

func TestReRegistrationReplaces(t *testing.T) {
	s := NewStore("")
	_, err := s.Register(sample("dev"))
	require.NoError(t, err)

	updated := sample("dev")
	updated.RoleName = "Admin"
	_, err = s.Register(updated)
	require.NoError(t, err)

	list, _ := s.List()
	require.Len(t, list, 1)
	assert.Equal(t, "Admin", list[0].RoleName)
}

func TestListInsertionOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.json")
	s := NewStore(path)
	for _, n := range []string{"zeta", "alpha", "mid"} {
		_, err := s.Register(sample(n))
		require.NoError(t, err)
	}

	reopened := NewStore(path)
	list, err := reopened.List()
	require.NoError(t, err)
	var names []string
	for _, p := range list {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, names)
}

func TestRemoveNotifiesHooks(t *testing.T) {
	s := NewStore("")
	var removed []string
	s.OnRemove(func(name string) { removed = append(removed, name) })

	_, err := s.Register(sample("dev"))
	require.NoError(t, err)

	require.NoError(t, s.Remove("Dev"))
	assert.Equal(t, []string{"dev"}, removed)

	_, err = s.Get("dev")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	err = s.Remove("dev")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Len(t, removed, 1)
}

func TestChangeHookFiresOnIdentityChange(t *testing.T) {
	s := NewStore("")
	var changed []string
	s.OnChange(func(name string) { changed = append(changed, name) })

	_, err := s.Register(sample("dev"))
	require.NoError(t, err)
	assert.Empty(t, changed, "first registration is not a change")

	sameIdentity := sample("dev")
	sameIdentity.DefaultRegion = "eu-west-1"
	_, err = s.Register(sameIdentity)
	require.NoError(t, err)
	assert.Empty(t, changed)

	for _, edit := range []func(*Profile){
		func(p *Profile) { p.AccountID = "444455556666" },
		func(p *Profile) { p.RoleName = "Admin" },
		func(p *Profile) { p.StartURL = "https://other.awsapps.com/start" },
		func(p *Profile) { p.SSORegion = "eu-central-1" },
	} {
		p := sample("dev")
		edit(&p)
		_, err = s.Register(p)
		require.NoError(t, err)
		_, err = s.Register(sample("dev"))
		require.NoError(t, err)
	}
	assert.Len(t, changed, 8)
	assert.Equal(t, "dev", changed[0])
}

func TestReloadSeesOtherWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.json")
	reader := NewStore(path)
	writer := NewStore(path)

	_, err := reader.Register(sample("dev"))
	require.NoError(t, err)

	_, err = writer.Register(sample("prod"))
	require.NoError(t, err)
	require.NoError(t, writer.Remove("dev"))

	_, err = reader.Get("prod")
	assert.ErrorIs(t, err, apperr.ErrNotFound, "reads are cached until Reload")

	require.NoError(t, reader.Reload())
	_, err = reader.Get("prod")
	require.NoError(t, err)
	_, err = reader.Get("dev")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.json")
	require.NoError(t, os.WriteFile(path, []byte("{ invalid json..."), 0600))

	_, err := NewStore(path).Register(sample("dev"))
	assert.Error(t, err)
}

func TestConcurrentRegister(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "profiles.json"))
	var wg sync.WaitGroup
	for _, n := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			_, err := s.Register(sample(name))
			assert.NoError(t, err)
		}(n)
	}
	wg.Wait()

	list, err := s.List()
	require.NoError(t, err)
	assert.Len(t, list, 8)
}
