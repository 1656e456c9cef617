package attest

import (
	"encoding/binary"

	"github.com/zeebo/blake3"
)

// typedDomainTag domain-separates the structured claim encoding.
var typedDomainTag = []byte("scoregate/typed-claim/v1")

// typedClaimType is the canonical type string hashed into the structured
// encoding. Field order and spelling are part of the wire contract.
const typedClaimType = "Claim(uint64 score,uint64 issuedAt,uint64 contextId)"

// legacyMessagePrefix is the personal-message prefix of the legacy
// encoding. The trailing 24 is the byte length of the encoded claim.
const legacyMessagePrefix = "\x19ScoreGate Signed Message:\n24"

// encodeClaimFields serializes exactly the three signed claim fields as
// little-endian u64s. Nothing else is ever covered by a signature.
func encodeClaimFields(c Claim) [24]byte {
	var buf [24]byte
	binary.LittleEndian.PutUint64(buf[0:8], c.Score)
	binary.LittleEndian.PutUint64(buf[8:16], c.IssuedAt)
	binary.LittleEndian.PutUint64(buf[16:24], c.ContextID)
	return buf
}

// TypedDigest computes the structured, domain-separated claim digest.
// This is the primary signing scheme.
func TypedDigest(c Claim) [32]byte {
	typeHash := blake3.Sum256([]byte(typedClaimType))
	fields := encodeClaimFields(c)

	h := blake3.New()
	h.Write(typedDomainTag)
	h.Write(typeHash[:])
	h.Write(fields[:])

	var digest [32]byte
	h.Sum(digest[:0])

	return digest
}

// LegacyDigest computes the personal-message claim digest kept for
// backward compatibility with older clients.
func LegacyDigest(c Claim) [32]byte {
	fields := encodeClaimFields(c)

	h := blake3.New()
	h.Write([]byte(legacyMessagePrefix))
	h.Write(fields[:])

	var digest [32]byte
	h.Sum(digest[:0])

	return digest
}
