package sso

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chukul/cloudchat/internal/vault"
)

// SessionCache persists sessions across runs, encrypting every field with the
// user's secret. The file maps normalized profile name to encrypted fields.
type SessionCache struct {
	mu   sync.Mutex
	path string
	key  []byte
}

// DefaultCachePath returns the session cache location under the state directory.
func DefaultCachePath(stateDir string) string {
	return filepath.Join(stateDir, "sessions.json")
}

func NewSessionCache(path, secret string) *SessionCache {
	return &SessionCache{path: path, key: vault.DeriveKey(secret)}
}

func (c *SessionCache) Save(key string, s *session) error {
	unlock, err := c.lock()
	if err != nil {
		return err
	}
	defer unlock()

	data, err := c.read()
	if err != nil {
		return err
	}
	if err := c.put(data, key, s); err != nil {
		return err
	}
	return c.write(data)
}

// Replace stores next only while the cached entry still holds prev's token.
// It returns what the cache holds afterwards: next, the session another
// process wrote in the meantime, or nil when the entry was removed.
func (c *SessionCache) Replace(key string, prev, next *session) (*session, error) {
	unlock, err := c.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	data, err := c.read()
	if err != nil {
		return nil, err
	}
	enc, ok := data[key]
	if !ok {
		return nil, nil
	}
	if current, err := c.decode(enc); err == nil && current.AccessToken != prev.AccessToken {
		return current, nil
	}
	if err := c.put(data, key, next); err != nil {
		return nil, err
	}
	if err := c.write(data); err != nil {
		return nil, err
	}
	return next, nil
}

func (c *SessionCache) put(data map[string]map[string]string, key string, s *session) error {
	fields := map[string]string{
		"Profile":         s.Profile,
		"AccessToken":     s.AccessToken,
		"ExpiresAt":       s.ExpiresAt.Format(time.RFC3339Nano),
		"AccountID":       s.AccountID,
		"RoleName":        s.RoleName,
		"SSORegion":       s.SSORegion,
		"RefreshToken":    s.RefreshToken,
		"ClientID":        s.ClientID,
		"ClientSecret":    s.ClientSecret,
		"ClientExpiresAt": s.ClientExpiresAt.Format(time.RFC3339Nano),
	}
	encrypted := make(map[string]string, len(fields))
	for name, value := range fields {
		enc, err := vault.EncryptString(value, c.key)
		if err != nil {
			return fmt.Errorf("failed to encrypt %s: %w", name, err)
		}
		encrypted[name] = enc
	}
	data[key] = encrypted
	return nil
}

// LoadAll decrypts every cached session. Entries that fail to decrypt are skipped.
func (c *SessionCache) LoadAll() (map[string]*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := c.read()
	if err != nil {
		return nil, err
	}
	out := make(map[string]*session, len(data))
	for key, enc := range data {
		s, err := c.decode(enc)
		if err != nil {
			continue
		}
		out[key] = s
	}
	return out, nil
}

// Load decrypts one cached session. It returns nil when the entry is absent.
func (c *SessionCache) Load(key string) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := c.read()
	if err != nil {
		return nil, err
	}
	enc, ok := data[key]
	if !ok {
		return nil, nil
	}
	return c.decode(enc)
}

func (c *SessionCache) Remove(key string) error {
	unlock, err := c.lock()
	if err != nil {
		return err
	}
	defer unlock()

	data, err := c.read()
	if err != nil {
		return err
	}
	if _, ok := data[key]; !ok {
		return nil
	}
	delete(data, key)
	if len(data) == 0 {
		if err := os.Remove(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	return c.write(data)
}

func (c *SessionCache) decode(enc map[string]string) (*session, error) {
	var firstErr error
	field := func(name string) string {
		v, err := vault.DecryptString(enc[name], c.key)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return v
	}
	s := &session{
		Profile:      field("Profile"),
		AccessToken:  field("AccessToken"),
		AccountID:    field("AccountID"),
		RoleName:     field("RoleName"),
		SSORegion:    field("SSORegion"),
		RefreshToken: field("RefreshToken"),
		ClientID:     field("ClientID"),
		ClientSecret: field("ClientSecret"),
	}
	s.ExpiresAt, _ = time.Parse(time.RFC3339Nano, field("ExpiresAt"))
	s.ClientExpiresAt, _ = time.Parse(time.RFC3339Nano, field("ClientExpiresAt"))
	if firstErr != nil {
		return nil, firstErr
	}
	return s, nil
}

func (c *SessionCache) read() (map[string]map[string]string, error) {
	data := make(map[string]map[string]string)
	b, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return data, nil
		}
		return nil, fmt.Errorf("failed to read session cache: %w", err)
	}
	if err := json.Unmarshal(b, &data); err != nil {
		return nil, fmt.Errorf("failed to parse session cache: %w", err)
	}
	return data, nil
}

func (c *SessionCache) write(data map[string]map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0600); err != nil {
		return fmt.Errorf("failed to write session cache: %w", err)
	}
	return os.Rename(tmp, c.path)
}

// lock serializes writers in this process and, through a lock file, across
// processes sharing the cache.
func (c *SessionCache) lock() (func(), error) {
	c.mu.Lock()
	if err := os.MkdirAll(filepath.Dir(c.path), 0700); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	release, err := lockFile(c.path + ".lock")
	if err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("failed to lock session cache: %w", err)
	}
	return func() {
		release()
		c.mu.Unlock()
	}, nil
}
