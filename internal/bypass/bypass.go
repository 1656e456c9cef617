package bypass

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"ScoreGate/internal/attest"
	"ScoreGate/internal/logger"
	"ScoreGate/internal/storage"
)

// WaitPerDeficitPoint is the delay added per point of score deficit, in
// seconds. Compatibility constant; a throttle, not a security boundary.
const WaitPerDeficitPoint = 10

// entryPrefix is the Pebble key prefix for bypass entries.
var entryPrefix = []byte("b:")

// entrySize is the stored size of an entry: u64 expiry + u64 nonce + u8
// allowed flag.
const entrySize = 17

// lockStripes is the number of mutex stripes for per-key serialization.
const lockStripes = 64

// Entry is one bypass window. Entries are never deleted; a later creation
// for the same key supersedes the previous one. The nonce strictly
// increases across creations. Allowed is informational; activation is
// decided by comparing the current time against Expiry.
type Entry struct {
	Expiry  uint64 // Expiry is when the window opens (unix seconds)
	Nonce   uint64 // Nonce counts creations for this key, starting at 1
	Allowed bool   // Allowed is set at creation and is not itself a gate
}

// ActiveAt reports whether the window is open at the given time.
func (e Entry) ActiveAt(now uint64) bool {
	return now >= e.Expiry
}

// Ledger stores bypass entries keyed by (beneficiary, resource, policyKey).
type Ledger struct {
	db    *storage.Store          // db is the underlying Pebble storage
	now   func() uint64           // now supplies the current unix time
	locks [lockStripes]sync.Mutex // locks serialize writes per key stripe
}

// New creates a bypass ledger backed by the given storage.
// If now is nil the wall clock is used.
func New(db *storage.Store, now func() uint64) *Ledger {
	if now == nil {
		now = func() uint64 { return uint64(time.Now().Unix()) }
	}

	return &Ledger{db: db, now: now}
}

// OpenOrGet opens a bypass window for a failed verification, or returns
// the one already pending. State transitions:
//
//	absent       -> create {nonce: 1, expiry: now + 10*deficit}
//	pending      -> return unchanged; retrying never resets the timer
//	active (used) -> create {nonce: prev+1, expiry from the new deficit}
func (b *Ledger) OpenOrGet(beneficiary, resource attest.Address, key attest.PolicyKey, deficit uint64) (Entry, error) {
	storeKey := makeKey(beneficiary, resource, key)

	stripe := &b.locks[storeKey[len(entryPrefix)]%lockStripes]
	stripe.Lock()
	defer stripe.Unlock()

	existing, found, err := b.get(storeKey)
	if err != nil {
		return Entry{}, err
	}

	now := b.now()

	if found && now < existing.Expiry {
		return existing, nil
	}

	entry := Entry{
		Expiry:  now + WaitPerDeficitPoint*deficit,
		Nonce:   1,
		Allowed: true,
	}
	if found {
		entry.Nonce = existing.Nonce + 1
	}

	if err := b.db.Set(storeKey, encodeEntry(entry)); err != nil {
		return Entry{}, fmt.Errorf("store bypass entry:\n%w", err)
	}

	logger.Debug("bypass window opened",
		"beneficiary", fmt.Sprintf("%x", beneficiary[:8]),
		"nonce", entry.Nonce,
		"expiry", entry.Expiry,
		"deficit", deficit,
	)

	return entry, nil
}

// Get returns the entry for a key, if any.
func (b *Ledger) Get(beneficiary, resource attest.Address, key attest.PolicyKey) (Entry, bool, error) {
	return b.get(makeKey(beneficiary, resource, key))
}

// get loads and decodes an entry by storage key.
func (b *Ledger) get(storeKey []byte) (Entry, bool, error) {
	data, err := b.db.Get(storeKey)
	if err != nil {
		return Entry{}, false, fmt.Errorf("read bypass entry:\n%w", err)
	}
	if data == nil {
		return Entry{}, false, nil
	}

	entry, err := decodeEntry(data)
	if err != nil {
		return Entry{}, false, err
	}

	return entry, true, nil
}

// makeKey builds the storage key for a bypass entry.
func makeKey(beneficiary, resource attest.Address, key attest.PolicyKey) []byte {
	storeKey := make([]byte, 0, len(entryPrefix)+96)
	storeKey = append(storeKey, entryPrefix...)
	storeKey = append(storeKey, beneficiary[:]...)
	storeKey = append(storeKey, resource[:]...)
	storeKey = append(storeKey, key[:]...)
	return storeKey
}

// encodeEntry serializes an entry for storage.
func encodeEntry(e Entry) []byte {
	buf := make([]byte, entrySize)
	binary.BigEndian.PutUint64(buf[0:8], e.Expiry)
	binary.BigEndian.PutUint64(buf[8:16], e.Nonce)
	if e.Allowed {
		buf[16] = 1
	}
	return buf
}

// decodeEntry deserializes a stored entry.
func decodeEntry(data []byte) (Entry, error) {
	if len(data) != entrySize {
		return Entry{}, fmt.Errorf("bad bypass entry size: %d", len(data))
	}

	return Entry{
		Expiry:  binary.BigEndian.Uint64(data[0:8]),
		Nonce:   binary.BigEndian.Uint64(data[8:16]),
		Allowed: data[16] == 1,
	}, nil
}
