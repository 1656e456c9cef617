package policy

import (
	"errors"
	"os"
	"testing"

	"ScoreGate/internal/attest"
	"ScoreGate/internal/storage"
)

// newTestStore creates a policy store over temporary storage.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	dir, err := os.MkdirTemp("", "policy_test_*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	t.Cleanup(func() {
		os.RemoveAll(dir)
	})

	db, err := storage.Open(dir)
	if err != nil {
		t.Fatalf("failed to open storage: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return NewStore(db)
}

func TestSetGet(t *testing.T) {
	s := newTestStore(t)

	var resource attest.Address
	var key attest.PolicyKey
	resource[0] = 0x01
	key[0] = 0x02

	want := attest.Policy{MinScore: 100, Expiry: 2_000_000_000, ContextID: 5}

	if err := s.Set(resource, key, want); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := s.Get(resource, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)

	var resource attest.Address
	var key attest.PolicyKey

	_, err := s.Get(resource, key)
	if !errors.Is(err, attest.ErrNoPolicy) {
		t.Errorf("expected ErrNoPolicy, got %v", err)
	}
}

func TestOverwrite(t *testing.T) {
	s := newTestStore(t)

	var resource attest.Address
	var key attest.PolicyKey

	if err := s.Set(resource, key, attest.Policy{MinScore: 100}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set(resource, key, attest.Policy{MinScore: 500}); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := s.Get(resource, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if got.MinScore != 500 {
		t.Errorf("minScore after overwrite: got %d, want 500", got.MinScore)
	}
}

func TestKeysIndependent(t *testing.T) {
	s := newTestStore(t)

	var resource attest.Address
	var keyA, keyB attest.PolicyKey
	keyA[0] = 0xA0
	keyB[0] = 0xB0

	if err := s.Set(resource, keyA, attest.Policy{MinScore: 1}); err != nil {
		t.Fatalf("set: %v", err)
	}

	ok, err := s.Exists(resource, keyA)
	if err != nil || !ok {
		t.Errorf("Exists(keyA) = %v, %v; want true", ok, err)
	}

	ok, err = s.Exists(resource, keyB)
	if err != nil || ok {
		t.Errorf("Exists(keyB) = %v, %v; want false", ok, err)
	}
}
