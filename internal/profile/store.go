package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/chukul/cloudchat/internal/apperr"
)

// Hook is called with a profile name outside the store lock.
type Hook func(name string)

// Store persists profiles as a JSON document. An empty path keeps them in memory only.
type Store struct {
	mu       sync.Mutex
	path     string
	profiles []Profile
	loaded   bool
	removed  []Hook
	changed  []Hook
}

type document struct {
	Profiles []Profile `json:"profiles"`
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// DefaultPath returns the profile file under the state directory.
func DefaultPath(stateDir string) string {
	return filepath.Join(stateDir, "profiles.json")
}

// OnRemove registers a hook run after every successful Remove.
func (s *Store) OnRemove(hook Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, hook)
}

// OnChange registers a hook run when Register replaces a profile with one that
// signs in to a different portal, account or role.
func (s *Store) OnChange(hook Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changed = append(s.changed, hook)
}

// Reload drops the in-memory copy so the next read sees changes other
// processes made to the file.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path == "" {
		return nil
	}
	s.loaded = false
	return s.load()
}

// Register validates and stores p. Registering the same name again replaces the
// stored profile; a name differing only in case from a stored one is rejected.
func (s *Store) Register(p Profile) (Profile, error) {
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	p = p.trimmed()

	s.mu.Lock()
	if err := s.load(); err != nil {
		s.mu.Unlock()
		return Profile{}, err
	}

	key := Normalize(p.Name)
	replaced, changed := false, false
	next := make([]Profile, len(s.profiles))
	copy(next, s.profiles)
	for i, existing := range next {
		if Normalize(existing.Name) != key {
			continue
		}
		if existing.Name != p.Name {
			s.mu.Unlock()
			return Profile{}, apperr.Validation("profile.Register", "profile name %q collides with existing profile %q", p.Name, existing.Name)
		}
		changed = !existing.sameIdentity(p)
		next[i] = p
		replaced = true
		break
	}
	if !replaced {
		next = append(next, p)
	}

	if err := s.save(next); err != nil {
		s.mu.Unlock()
		return Profile{}, err
	}
	s.profiles = next
	var hooks []Hook
	if changed {
		hooks = append(hooks, s.changed...)
	}
	s.mu.Unlock()

	for _, hook := range hooks {
		hook(p.Name)
	}
	log.WithFields(log.Fields{"profile": p.Name, "replaced": replaced, "identity_changed": changed}).Debug("profile registered")
	return p, nil
}

// List returns all profiles in insertion order.
func (s *Store) List() ([]Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return nil, err
	}
	out := make([]Profile, len(s.profiles))
	copy(out, s.profiles)
	return out, nil
}

func (s *Store) Get(name string) (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return Profile{}, err
	}
	key := Normalize(name)
	for _, p := range s.profiles {
		if Normalize(p.Name) == key {
			return p, nil
		}
	}
	return Profile{}, apperr.NotFound("profile.Get", "profile %q is not registered", name)
}

// Remove deletes the named profile and notifies the remove hooks.
func (s *Store) Remove(name string) error {
	s.mu.Lock()
	if err := s.load(); err != nil {
		s.mu.Unlock()
		return err
	}
	key := Normalize(name)
	idx := -1
	for i, p := range s.profiles {
		if Normalize(p.Name) == key {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return apperr.NotFound("profile.Remove", "profile %q is not registered", name)
	}
	removed := s.profiles[idx].Name
	next := make([]Profile, 0, len(s.profiles)-1)
	next = append(next, s.profiles[:idx]...)
	next = append(next, s.profiles[idx+1:]...)
	if err := s.save(next); err != nil {
		s.mu.Unlock()
		return err
	}
	s.profiles = next
	hooks := append([]Hook(nil), s.removed...)
	s.mu.Unlock()

	for _, hook := range hooks {
		hook(removed)
	}
	log.WithField("profile", removed).Debug("profile removed")
	return nil
}

func (s *Store) load() error {
	if s.loaded {
		return nil
	}
	if s.path == "" {
		s.loaded = true
		return nil
	}
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.loaded = true
			return nil
		}
		return fmt.Errorf("failed to read profiles: %w", err)
	}
	var doc document
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("failed to parse profiles: %w", err)
	}
	s.profiles = doc.Profiles
	s.loaded = true
	return nil
}

func (s *Store) save(profiles []Profile) error {
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	b, err := json.MarshalIndent(document{Profiles: profiles}, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0600); err != nil {
		return fmt.Errorf("failed to write profiles: %w", err)
	}
	return os.Rename(tmp, s.path)
}
