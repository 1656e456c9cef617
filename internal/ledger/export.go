package ledger

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"ScoreGate/internal/attest"
	"ScoreGate/internal/logger"
)

// exportMagic identifies a ledger export stream.
var exportMagic = []byte("SGLEDGER")

// exportVersion is the current export format version.
const exportVersion = 1

// Export writes a zstd-compressed dump of every ledger record to w.
// Payload: magic + u8 version + u64 record count + fixed-size records in
// key order, followed by a BLAKE3 checksum of everything before it.
func (l *Ledger) Export(w io.Writer) error {
	var payload bytes.Buffer

	payload.Write(exportMagic)
	payload.WriteByte(exportVersion)

	countPos := payload.Len()
	payload.Write(make([]byte, 8)) // record count, patched below

	var count uint64

	err := l.db.IteratePrefix(prefixRecord, func(key, value []byte) error {
		if _, err := attest.DecodeRecord(value); err != nil {
			return fmt.Errorf("corrupt record at %x:\n%w", key, err)
		}

		payload.Write(value)
		count++
		return nil
	})
	if err != nil {
		return fmt.Errorf("collect records:\n%w", err)
	}

	binary.BigEndian.PutUint64(payload.Bytes()[countPos:countPos+8], count)

	checksum := blake3.Sum256(payload.Bytes())
	payload.Write(checksum[:])

	enc, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("create compressor:\n%w", err)
	}

	if _, err := enc.Write(payload.Bytes()); err != nil {
		enc.Close()
		return fmt.Errorf("write export:\n%w", err)
	}

	if err := enc.Close(); err != nil {
		return fmt.Errorf("flush export:\n%w", err)
	}

	logger.Info("ledger exported", "records", count)

	return nil
}

// Import replays an export stream into the ledger via Append, rebuilding
// sequence numbers and counters. The checksum is verified before any
// record is written.
func (l *Ledger) Import(r io.Reader) error {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("create decompressor:\n%w", err)
	}
	defer dec.Close()

	payload, err := io.ReadAll(dec)
	if err != nil {
		return fmt.Errorf("read export:\n%w", err)
	}

	records, err := parseExport(payload)
	if err != nil {
		return err
	}

	for i, rec := range records {
		if err := l.Append(rec); err != nil {
			return fmt.Errorf("replay record %d:\n%w", i, err)
		}
	}

	logger.Info("ledger imported", "records", len(records))

	return nil
}

// exportRecordSize is the fixed size of one encoded record in an export.
const exportRecordSize = 32 + 24 + attest.SignatureSize + 32

// parseExport validates the header and checksum and decodes the records.
func parseExport(payload []byte) ([]attest.LedgerRecord, error) {
	headerSize := len(exportMagic) + 1 + 8

	if len(payload) < headerSize+32 {
		return nil, fmt.Errorf("export too short: %d bytes", len(payload))
	}

	if !bytes.Equal(payload[:len(exportMagic)], exportMagic) {
		return nil, fmt.Errorf("bad export magic")
	}

	if v := payload[len(exportMagic)]; v != exportVersion {
		return nil, fmt.Errorf("unsupported export version %d", v)
	}

	body := payload[:len(payload)-32]
	var stored [32]byte
	copy(stored[:], payload[len(payload)-32:])

	if blake3.Sum256(body) != stored {
		return nil, fmt.Errorf("export checksum mismatch")
	}

	count := binary.BigEndian.Uint64(payload[len(exportMagic)+1 : headerSize])
	data := body[headerSize:]

	if uint64(len(data)) != count*exportRecordSize {
		return nil, fmt.Errorf("export body size %d does not match %d records", len(data), count)
	}

	records := make([]attest.LedgerRecord, 0, count)

	for off := 0; off < len(data); off += exportRecordSize {
		rec, err := attest.DecodeRecord(data[off : off+exportRecordSize])
		if err != nil {
			return nil, err
		}

		records = append(records, rec)
	}

	return records, nil
}
