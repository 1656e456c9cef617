package bypass

import (
	"os"
	"testing"

	"ScoreGate/internal/attest"
	"ScoreGate/internal/storage"
)

// fakeClock is a settable time source for tests.
type fakeClock struct {
	t uint64
}

func (c *fakeClock) now() uint64 {
	return c.t
}

// newTestLedger creates a bypass ledger with a controllable clock.
func newTestLedger(t *testing.T, clock *fakeClock) *Ledger {
	t.Helper()

	dir, err := os.MkdirTemp("", "bypass_test_*")
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

	return New(db, clock.now)
}

// testKey returns a fixed (beneficiary, resource, policyKey) triple.
func testKey() (attest.Address, attest.Address, attest.PolicyKey) {
	var beneficiary, resource attest.Address
	var key attest.PolicyKey

	beneficiary[0] = 0x0B
	resource[0] = 0x0A
	key[0] = 0x0C

	return beneficiary, resource, key
}

func TestOpenCreatesEntry(t *testing.T) {
	clock := &fakeClock{t: 1000}
	b := newTestLedger(t, clock)
	beneficiary, resource, key := testKey()

	entry, err := b.OpenOrGet(beneficiary, resource, key, 60)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if entry.Nonce != 1 {
		t.Errorf("nonce: got %d, want 1", entry.Nonce)
	}
	if entry.Expiry != 1000+600 {
		t.Errorf("expiry: got %d, want 1600", entry.Expiry)
	}
	if !entry.Allowed {
		t.Error("allowed should be set at creation")
	}
}

func TestRetryDoesNotResetTimer(t *testing.T) {
	clock := &fakeClock{t: 1000}
	b := newTestLedger(t, clock)
	beneficiary, resource, key := testKey()

	first, err := b.OpenOrGet(beneficiary, resource, key, 60)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// Repeated failed attempts while pending must return the original
	// window untouched, no matter the new deficit.
	clock.t = 1300

	second, err := b.OpenOrGet(beneficiary, resource, key, 999)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if second != first {
		t.Errorf("pending entry changed on retry:\ngot  %+v\nwant %+v", second, first)
	}
}

func TestActiveEntryRollsForward(t *testing.T) {
	clock := &fakeClock{t: 1000}
	b := newTestLedger(t, clock)
	beneficiary, resource, key := testKey()

	if _, err := b.OpenOrGet(beneficiary, resource, key, 60); err != nil {
		t.Fatalf("open: %v", err)
	}

	// Window opened at 1600 and was consumed; a fresh failure at 2000
	// starts a new wait with an incremented nonce.
	clock.t = 2000

	entry, err := b.OpenOrGet(beneficiary, resource, key, 30)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if entry.Nonce != 2 {
		t.Errorf("nonce: got %d, want 2", entry.Nonce)
	}
	if entry.Expiry != 2000+300 {
		t.Errorf("expiry: got %d, want 2300", entry.Expiry)
	}
	if !entry.Allowed {
		t.Error("allowed should be set on recreation")
	}
}

func TestNonceMonotonic(t *testing.T) {
	clock := &fakeClock{t: 0}
	b := newTestLedger(t, clock)
	beneficiary, resource, key := testKey()

	var last uint64

	for i := 0; i < 10; i++ {
		entry, err := b.OpenOrGet(beneficiary, resource, key, 1)
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}

		if entry.Nonce <= last {
			t.Fatalf("nonce not increasing: %d after %d", entry.Nonce, last)
		}
		last = entry.Nonce

		// Let each window lapse so the next call recreates.
		clock.t = entry.Expiry
	}
}

func TestZeroDeficitImmediatelyActive(t *testing.T) {
	clock := &fakeClock{t: 500}
	b := newTestLedger(t, clock)
	beneficiary, resource, key := testKey()

	entry, err := b.OpenOrGet(beneficiary, resource, key, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if !entry.ActiveAt(clock.t) {
		t.Error("zero-deficit window should be active immediately")
	}
}

func TestActiveAtBoundary(t *testing.T) {
	entry := Entry{Expiry: 1600, Nonce: 1, Allowed: true}

	if entry.ActiveAt(1599) {
		t.Error("active one second early")
	}
	if !entry.ActiveAt(1600) {
		t.Error("not active at expiry")
	}
	if !entry.ActiveAt(1601) {
		t.Error("not active after expiry")
	}
}

func TestDistinctKeysIndependent(t *testing.T) {
	clock := &fakeClock{t: 100}
	b := newTestLedger(t, clock)
	beneficiary, resource, key := testKey()

	otherBeneficiary := beneficiary
	otherBeneficiary[1] = 0xEE

	if _, err := b.OpenOrGet(beneficiary, resource, key, 10); err != nil {
		t.Fatalf("open: %v", err)
	}

	entry, err := b.OpenOrGet(otherBeneficiary, resource, key, 20)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if entry.Nonce != 1 {
		t.Errorf("independent key should start at nonce 1, got %d", entry.Nonce)
	}
	if entry.Expiry != 100+200 {
		t.Errorf("expiry: got %d, want 300", entry.Expiry)
	}
}

func TestGetAbsent(t *testing.T) {
	clock := &fakeClock{t: 0}
	b := newTestLedger(t, clock)
	beneficiary, resource, key := testKey()

	_, found, err := b.Get(beneficiary, resource, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if found {
		t.Error("expected no entry before any failure")
	}
}

func TestEntryRoundTrip(t *testing.T) {
	e := Entry{Expiry: 123456, Nonce: 42, Allowed: true}

	got, err := decodeEntry(encodeEntry(e))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if got != e {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, e)
	}
}
