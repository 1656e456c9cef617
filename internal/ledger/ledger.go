package ledger

import (
	"encoding/binary"
	"fmt"
	"sync"

	"ScoreGate/internal/attest"
	"ScoreGate/internal/logger"
	"ScoreGate/internal/storage"
)

// Pebble key prefixes.
var (
	prefixRecord = []byte("a:") // a:<subject><seq BE64> -> record bytes
	prefixCount  = []byte("n:") // n:<subject> -> BE64 record count
)

// Meta keys for aggregate counters.
var (
	keyTotalSubjects = []byte("m:subjects")
	keyTotalRecords  = []byte("m:records")
)

// lockStripes is the number of mutex stripes for per-subject
// serialization. Appends for subjects on different stripes never contend.
const lockStripes = 64

// Stats holds aggregate ledger counters.
type Stats struct {
	TotalSubjects uint64 // TotalSubjects is the number of distinct attested subjects
	TotalRecords  uint64 // TotalRecords is the number of issued attestations
}

// Ledger is the append-only per-subject attestation history.
// Records are never mutated or deleted; insertion order per subject is
// chronological issuance order.
type Ledger struct {
	db      *storage.Store          // db is the underlying Pebble storage
	locks   [lockStripes]sync.Mutex // locks serialize appends per subject stripe
	statsMu sync.Mutex              // statsMu serializes counter reads against the batch advancing them
}

// New creates a ledger backed by the given storage.
func New(db *storage.Store) *Ledger {
	return &Ledger{db: db}
}

// Append durably appends an issuance record for its subject.
// Appends for the same subject serialize on their stripe; all appends
// briefly serialize on the counter update so the aggregate counters
// advance atomically with the record. A storage failure propagates to
// the caller; the issuance must not report success without a record.
func (l *Ledger) Append(r attest.LedgerRecord) error {
	stripe := &l.locks[r.Subject[0]%lockStripes]
	stripe.Lock()
	defer stripe.Unlock()

	seq, err := l.count(r.Subject)
	if err != nil {
		return fmt.Errorf("read subject count:\n%w", err)
	}

	// The aggregate counters commit in the same batch as the record so a
	// crash can never leave Stats disagreeing with the stored records.
	l.statsMu.Lock()
	defer l.statsMu.Unlock()

	records, err := l.readCounter(keyTotalRecords)
	if err != nil {
		return fmt.Errorf("read record counter:\n%w", err)
	}

	pairs := []storage.KeyValue{
		{Key: makeRecordKey(r.Subject, seq), Value: attest.EncodeRecord(r)},
		{Key: makeCountKey(r.Subject), Value: encodeU64(seq + 1)},
		{Key: keyTotalRecords, Value: encodeU64(records + 1)},
	}

	if seq == 0 {
		subjects, err := l.readCounter(keyTotalSubjects)
		if err != nil {
			return fmt.Errorf("read subject counter:\n%w", err)
		}

		pairs = append(pairs, storage.KeyValue{Key: keyTotalSubjects, Value: encodeU64(subjects + 1)})
	}

	if err := l.db.SetBatch(pairs); err != nil {
		return fmt.Errorf("append record:\n%w", err)
	}

	logger.Debug("attestation recorded",
		"subject", fmt.Sprintf("%x", r.Subject[:8]),
		"score", r.Score,
		"seq", seq,
	)

	return nil
}

// Latest returns the most recent record for a subject.
// The boolean is false if the subject has no records.
func (l *Ledger) Latest(subject attest.Address) (attest.LedgerRecord, bool, error) {
	seq, err := l.count(subject)
	if err != nil {
		return attest.LedgerRecord{}, false, fmt.Errorf("read subject count:\n%w", err)
	}

	if seq == 0 {
		return attest.LedgerRecord{}, false, nil
	}

	data, err := l.db.Get(makeRecordKey(subject, seq-1))
	if err != nil {
		return attest.LedgerRecord{}, false, fmt.Errorf("read record:\n%w", err)
	}
	if data == nil {
		return attest.LedgerRecord{}, false, fmt.Errorf("record %d missing for counted subject", seq-1)
	}

	r, err := attest.DecodeRecord(data)
	if err != nil {
		return attest.LedgerRecord{}, false, err
	}

	return r, true, nil
}

// All returns every record for a subject in chronological order.
func (l *Ledger) All(subject attest.Address) ([]attest.LedgerRecord, error) {
	prefix := append(append([]byte{}, prefixRecord...), subject[:]...)

	var records []attest.LedgerRecord

	err := l.db.IteratePrefix(prefix, func(key, value []byte) error {
		r, err := attest.DecodeRecord(value)
		if err != nil {
			return err
		}

		records = append(records, r)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan records:\n%w", err)
	}

	return records, nil
}

// Stats returns the aggregate subject and record counters.
func (l *Ledger) Stats() (Stats, error) {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()

	subjects, err := l.readCounter(keyTotalSubjects)
	if err != nil {
		return Stats{}, err
	}

	records, err := l.readCounter(keyTotalRecords)
	if err != nil {
		return Stats{}, err
	}

	return Stats{TotalSubjects: subjects, TotalRecords: records}, nil
}

// count returns the number of records stored for a subject.
func (l *Ledger) count(subject attest.Address) (uint64, error) {
	data, err := l.db.Get(makeCountKey(subject))
	if err != nil {
		return 0, err
	}
	if len(data) != 8 {
		return 0, nil
	}

	return binary.BigEndian.Uint64(data), nil
}

// readCounter reads a meta counter, defaulting to zero.
func (l *Ledger) readCounter(key []byte) (uint64, error) {
	data, err := l.db.Get(key)
	if err != nil {
		return 0, err
	}
	if len(data) != 8 {
		return 0, nil
	}

	return binary.BigEndian.Uint64(data), nil
}

// makeRecordKey builds the storage key for one record.
// The big-endian sequence suffix keeps prefix scans chronological.
func makeRecordKey(subject attest.Address, seq uint64) []byte {
	key := make([]byte, 0, len(prefixRecord)+32+8)
	key = append(key, prefixRecord...)
	key = append(key, subject[:]...)
	key = binary.BigEndian.AppendUint64(key, seq)
	return key
}

// makeCountKey builds the storage key for a subject's record count.
func makeCountKey(subject attest.Address) []byte {
	key := make([]byte, 0, len(prefixCount)+32)
	key = append(key, prefixCount...)
	key = append(key, subject[:]...)
	return key
}

// encodeU64 encodes a counter value big-endian.
func encodeU64(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}
