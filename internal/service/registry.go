package service

import (
	"bytes"
	"fmt"
	"sync"

	"ScoreGate/internal/attest"
	"ScoreGate/internal/logger"
	"ScoreGate/internal/storage"
)

// usernamePrefix is the Pebble key prefix for username mappings.
var usernamePrefix = []byte("u:")

// Registry maps usernames to subject addresses. Usernames pass through
// the protocol verbatim; the registry only prevents one name from binding
// two different subjects.
type Registry struct {
	db *storage.Store // db is the underlying Pebble storage
	mu sync.Mutex     // mu serializes check-then-set registrations
}

// NewRegistry creates a registry backed by the given storage.
func NewRegistry(db *storage.Store) *Registry {
	return &Registry{db: db}
}

// Register binds a username to a subject. Registration is idempotent: a
// name that is already bound stays bound to its original subject, and
// re-registering it (by anyone) is treated as already registered, never
// as an error.
func (r *Registry) Register(username string, subject attest.Address) error {
	if username == "" {
		return fmt.Errorf("empty username")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := makeUsernameKey(username)

	existing, err := r.db.Get(key)
	if err != nil {
		return fmt.Errorf("read username:\n%w", err)
	}

	if existing != nil {
		if !bytes.Equal(existing, subject[:]) {
			logger.Warn("username already bound, keeping existing mapping",
				"username", username,
				"subject", fmt.Sprintf("%x", subject[:8]),
			)
		}

		return nil
	}

	if err := r.db.Set(key, subject[:]); err != nil {
		return fmt.Errorf("store username:\n%w", err)
	}

	return nil
}

// Lookup returns the subject bound to a username, if any.
func (r *Registry) Lookup(username string) (attest.Address, bool, error) {
	data, err := r.db.Get(makeUsernameKey(username))
	if err != nil {
		return attest.Address{}, false, fmt.Errorf("read username:\n%w", err)
	}
	if len(data) != 32 {
		return attest.Address{}, false, nil
	}

	var subject attest.Address
	copy(subject[:], data)

	return subject, true, nil
}

// makeUsernameKey builds the storage key for a username.
func makeUsernameKey(username string) []byte {
	key := make([]byte, 0, len(usernamePrefix)+len(username))
	key = append(key, usernamePrefix...)
	key = append(key, username...)
	return key
}
