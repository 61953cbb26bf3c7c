// Package identity persists the client identity and the reconnect request flag
// in a small TOML state file shared by the running link and the CLI.
package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/relaylink/internal/logging"
	"github.com/danmuck/relaylink/internal/protocol/session"
	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
)

var ErrStatePathRequired = errors.New("identity: state path required")

// State is the on-disk record.
type State struct {
	UUID      string    `toml:"uuid"`
	Reconnect bool      `toml:"reconnect"`
	Rejected  string    `toml:"rejected,omitempty"`
	UpdatedAt time.Time `toml:"updated_at"`
}

// Store reads the state file on every query so edits made by another process
// are picked up by the next poll.
type Store struct {
	path string
	mu   sync.Mutex
	log  zerolog.Logger
}

func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrStatePathRequired
	}
	return &Store{path: path, log: logging.Component("identity")}, nil
}

func (s *Store) Path() string { return s.path }

// Load returns the stored state. A missing file is an empty state.
func (s *Store) Load() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() (State, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("identity load failed (%s): %w", s.path, err)
	}
	var st State
	if err := toml.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("identity parse failed (%s): %w", s.path, err)
	}
	return st, nil
}

func (s *Store) save(st State) error {
	st.UpdatedAt = time.Now().UTC().Truncate(time.Second)
	data, err := toml.Marshal(st)
	if err != nil {
		return fmt.Errorf("identity encode failed: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("identity save failed (%s): %w", s.path, err)
	}
	tmp, err := os.CreateTemp(dir, ".identity-*.toml")
	if err != nil {
		return fmt.Errorf("identity save failed (%s): %w", s.path, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("identity save failed (%s): %w", s.path, err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("identity save failed (%s): %w", s.path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("identity save failed (%s): %w", s.path, err)
	}
	return os.Rename(tmp.Name(), s.path)
}

func (s *Store) update(fn func(*State)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.load()
	if err != nil {
		return err
	}
	fn(&st)
	return s.save(st)
}

// Get returns the configured identity, or "" when none can be read.
func (s *Store) Get() string {
	st, err := s.Load()
	if err != nil {
		s.log.Warn().Err(err).Msg("identity unreadable")
		return ""
	}
	return st.UUID
}

func (s *Store) ValidFormat(id string) bool {
	return session.ValidIdentityFormat(id)
}

// Set normalizes and stores id, then raises the reconnect flag so a running
// link picks the new identity up.
func (s *Store) Set(id string) (string, error) {
	id = session.NormalizeIdentity(id)
	if err := (session.ClientIdentity{UUID: id}).Validate(); err != nil {
		return "", err
	}
	err := s.update(func(st *State) {
		st.UUID = id
		st.Reconnect = true
		st.Rejected = ""
	})
	if err != nil {
		return "", err
	}
	s.log.Info().Str("uuid", id).Msg("identity updated")
	return id, nil
}

// Clear removes the identity. A running link stops at its next reconnect.
func (s *Store) Clear() error {
	return s.update(func(st *State) {
		st.UUID = ""
		st.Reconnect = true
	})
}

func (s *Store) RequestReconnect() error {
	return s.update(func(st *State) { st.Reconnect = true })
}

func (s *Store) ReconnectRequested() bool {
	st, err := s.Load()
	if err != nil {
		s.log.Warn().Err(err).Msg("reconnect flag unreadable")
		return false
	}
	return st.Reconnect
}

func (s *Store) ClearReconnectRequest() {
	if err := s.update(func(st *State) { st.Reconnect = false }); err != nil {
		s.log.Error().Err(err).Msg("clear reconnect flag failed")
	}
}

// IdentityRejected records that the relay refused id.
func (s *Store) IdentityRejected(id string) {
	err := s.update(func(st *State) {
		if st.UUID == id {
			st.Rejected = id
		}
	})
	if err != nil {
		s.log.Error().Err(err).Msg("record rejected identity failed")
	}
}

// Generate returns a fresh random identity in the 32 character format.
func Generate() string {
	return session.NormalizeIdentity(strings.ReplaceAll(uuid.NewString(), "-", ""))
}
