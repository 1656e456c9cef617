package policy

import (
	"encoding/binary"
	"fmt"

	"ScoreGate/internal/attest"
	"ScoreGate/internal/storage"
)

// policyPrefix is the Pebble key prefix for policy entries.
var policyPrefix = []byte("p:")

// policySize is the stored size of a policy: three u64 fields.
const policySize = 24

// Store persists one policy per (resource, policyKey) pair. Policies are
// overwritten in place and persist until replaced. Authorization of the
// writer is the execution environment's concern, not re-checked here.
type Store struct {
	db *storage.Store // db is the underlying Pebble storage
}

// NewStore creates a policy store backed by the given storage.
func NewStore(db *storage.Store) *Store {
	return &Store{db: db}
}

// Set stores the policy for (resource, key), replacing any previous one.
func (s *Store) Set(resource attest.Address, key attest.PolicyKey, p attest.Policy) error {
	if err := s.db.Set(makeKey(resource, key), encodePolicy(p)); err != nil {
		return fmt.Errorf("store policy:\n%w", err)
	}

	return nil
}

// Get returns the policy for (resource, key).
// Returns attest.ErrNoPolicy if none is registered.
func (s *Store) Get(resource attest.Address, key attest.PolicyKey) (attest.Policy, error) {
	data, err := s.db.Get(makeKey(resource, key))
	if err != nil {
		return attest.Policy{}, fmt.Errorf("read policy:\n%w", err)
	}
	if data == nil {
		return attest.Policy{}, attest.ErrNoPolicy
	}

	return decodePolicy(data)
}

// Exists reports whether a policy is registered for (resource, key).
func (s *Store) Exists(resource attest.Address, key attest.PolicyKey) (bool, error) {
	return s.db.Has(makeKey(resource, key))
}

// makeKey builds the storage key for a policy.
func makeKey(resource attest.Address, key attest.PolicyKey) []byte {
	storeKey := make([]byte, 0, len(policyPrefix)+64)
	storeKey = append(storeKey, policyPrefix...)
	storeKey = append(storeKey, resource[:]...)
	storeKey = append(storeKey, key[:]...)
	return storeKey
}

// encodePolicy serializes a policy for storage.
func encodePolicy(p attest.Policy) []byte {
	buf := make([]byte, policySize)
	binary.BigEndian.PutUint64(buf[0:8], p.MinScore)
	binary.BigEndian.PutUint64(buf[8:16], p.Expiry)
	binary.BigEndian.PutUint64(buf[16:24], p.ContextID)
	return buf
}

// decodePolicy deserializes a stored policy.
func decodePolicy(data []byte) (attest.Policy, error) {
	if len(data) != policySize {
		return attest.Policy{}, fmt.Errorf("bad policy size: %d", len(data))
	}

	return attest.Policy{
		MinScore:  binary.BigEndian.Uint64(data[0:8]),
		Expiry:    binary.BigEndian.Uint64(data[8:16]),
		ContextID: binary.BigEndian.Uint64(data[16:24]),
	}, nil
}
