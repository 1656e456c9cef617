package attest

import (
	"encoding/binary"

	"github.com/zeebo/blake3"
)

// scoreModulus maps the hash into [0, MaxScore]. Compatibility constant;
// changing it changes every derived score.
const scoreModulus = MaxScore + 1

// DeriveScore maps a subject to its compliance score.
// Deterministic: BLAKE3 of the subject bytes, low 32 bits little-endian,
// reduced modulo 1001. Always in [0, MaxScore]. Must only be computed by
// the issuing service; scores supplied by clients are never signed.
func DeriveScore(subject Address) uint64 {
	sum := blake3.Sum256(subject[:])
	return uint64(binary.LittleEndian.Uint32(sum[:4])) % scoreModulus
}
