package config

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/crypto/bcrypt"

	"socksguard/internal/model"
)

// Snapshot is the immutable, process-ready form of a Config: passwords
// are hashed once here so the hot path never calls bcrypt.GenerateFromPassword.
type Snapshot struct {
	Raw   *Config
	Users map[string]model.User // keyed by username
}

// Build turns a raw Config into a Snapshot, hashing any plaintext
// passwords found in the user list exactly once.
func Build(c *Config) (*Snapshot, error) {
	users := make(map[string]model.User, len(c.Auth.Users))
	for i, u := range c.Auth.Users {
		hash := u.PasswordHash
		if hash == "" && u.Password != "" {
			b, err := bcrypt.GenerateFromPassword([]byte(u.Password), bcrypt.DefaultCost)
			if err != nil {
				return nil, fmt.Errorf("hash password for user %q: %w", u.Username, err)
			}
			hash = string(b)
		}
		enabled := true
		if u.Enabled != nil {
			enabled = *u.Enabled
		}
		users[u.Username] = model.User{
			ID:             int64(i + 1),
			Username:       u.Username,
			PasswordHash:   hash,
			Enabled:        enabled,
			UpLimitBps:     u.UpLimitBps,
			DownLimitBps:   u.DownLimitBps,
			MaxConnections: u.MaxConnections,
		}
	}
	return &Snapshot{Raw: c, Users: users}, nil
}

// Store is an atomic.Pointer[Snapshot] wrapper used to hot-swap the live
// configuration without taking any component's connection-handling lock.
type Store struct {
	p atomic.Pointer[Snapshot]
}

func NewStore(initial *Snapshot) *Store {
	s := &Store{}
	s.p.Store(initial)
	return s
}

func (s *Store) Load() *Snapshot   { return s.p.Load() }
func (s *Store) Swap(n *Snapshot)  { s.p.Store(n) }
