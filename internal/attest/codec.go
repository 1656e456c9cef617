package attest

import (
	"encoding/binary"
	"fmt"
)

// BundleSize is the exact size of an encoded bundle:
// subject[32] + policyKey[32] + signature[96] + 3 * u64 claim fields.
const BundleSize = 32 + 32 + SignatureSize + 24

// EncodeBundle serializes a signed claim for transport across the trust
// boundary. The layout is a fixed, versionless tuple; any structural change
// is a breaking wire-format change.
// Format: subject[32] + policyKey[32] + signature[96] +
// u64 score + u64 issuedAt + u64 contextId (little-endian).
func EncodeBundle(sc SignedClaim) []byte {
	buf := make([]byte, BundleSize)

	copy(buf[0:32], sc.Subject[:])
	copy(buf[32:64], sc.PolicyKey[:])
	copy(buf[64:160], sc.Signature[:])
	binary.LittleEndian.PutUint64(buf[160:168], sc.Claim.Score)
	binary.LittleEndian.PutUint64(buf[168:176], sc.Claim.IssuedAt)
	binary.LittleEndian.PutUint64(buf[176:184], sc.Claim.ContextID)

	return buf
}

// DecodeBundle deserializes a signed claim. Truncated, oversized or empty
// input is rejected with ErrDecode; defaults are never substituted.
func DecodeBundle(data []byte) (SignedClaim, error) {
	if len(data) != BundleSize {
		return SignedClaim{}, fmt.Errorf("%w: got %d bytes, want %d", ErrDecode, len(data), BundleSize)
	}

	var sc SignedClaim
	copy(sc.Subject[:], data[0:32])
	copy(sc.PolicyKey[:], data[32:64])
	copy(sc.Signature[:], data[64:160])
	sc.Claim.Score = binary.LittleEndian.Uint64(data[160:168])
	sc.Claim.IssuedAt = binary.LittleEndian.Uint64(data[168:176])
	sc.Claim.ContextID = binary.LittleEndian.Uint64(data[176:184])

	return sc, nil
}

// recordSize is the encoded size of a ledger record.
const recordSize = 32 + 24 + SignatureSize + 32

// EncodeRecord serializes a ledger record for storage.
// Format: subject[32] + u64 score + u64 issuedAt + u64 contextId +
// signature[96] + signerAddress[32] (little-endian integers).
func EncodeRecord(r LedgerRecord) []byte {
	buf := make([]byte, recordSize)

	copy(buf[0:32], r.Subject[:])
	binary.LittleEndian.PutUint64(buf[32:40], r.Score)
	binary.LittleEndian.PutUint64(buf[40:48], r.IssuedAt)
	binary.LittleEndian.PutUint64(buf[48:56], r.ContextID)
	copy(buf[56:152], r.Signature[:])
	copy(buf[152:184], r.SignerAddress[:])

	return buf
}

// DecodeRecord deserializes a stored ledger record.
func DecodeRecord(data []byte) (LedgerRecord, error) {
	if len(data) != recordSize {
		return LedgerRecord{}, fmt.Errorf("%w: record got %d bytes, want %d", ErrDecode, len(data), recordSize)
	}

	var r LedgerRecord
	copy(r.Subject[:], data[0:32])
	r.Score = binary.LittleEndian.Uint64(data[32:40])
	r.IssuedAt = binary.LittleEndian.Uint64(data[40:48])
	r.ContextID = binary.LittleEndian.Uint64(data[48:56])
	copy(r.Signature[:], data[56:152])
	copy(r.SignerAddress[:], data[152:184])

	return r, nil
}
