package attest

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
	"github.com/zeebo/blake3"
)

// blsDST is the domain separation tag for BLS signatures.
var blsDST = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_")

// Signer is the key capability the issuing service consumes. It signs a
// digest and exposes the signer's identity; key storage and rotation live
// behind this boundary.
type Signer interface {
	// Sign signs the 32-byte digest. Returns ErrSigningUnavailable if no
	// key is loaded.
	Sign(digest [32]byte) ([SignatureSize]byte, error)

	// PublicKey returns the compressed BLS public key.
	PublicKey() [PublicKeySize]byte

	// Address returns the signer's address (BLAKE3 of the public key).
	Address() Address
}

// BLSSigner signs claim digests with a BLS12-381 key.
type BLSSigner struct {
	secret *blst.SecretKey // secret is the private key
	public *blst.P1Affine  // public is the public key
}

// NewSigner creates a BLS signer from a random seed.
func NewSigner() (*BLSSigner, error) {
	var ikm [32]byte
	if _, err := rand.Read(ikm[:]); err != nil {
		return nil, fmt.Errorf("generate random seed:\n%w", err)
	}

	return NewSignerFromSeed(ikm[:])
}

// NewSignerFromSeed creates a BLS signer from a deterministic seed.
// The seed must be at least 32 bytes.
func NewSignerFromSeed(seed []byte) (*BLSSigner, error) {
	if len(seed) < 32 {
		return nil, fmt.Errorf("seed must be at least 32 bytes")
	}

	secret := blst.KeyGen(seed)
	if secret == nil {
		return nil, fmt.Errorf("failed to generate BLS key")
	}

	return &BLSSigner{
		secret: secret,
		public: new(blst.P1Affine).From(secret),
	}, nil
}

// NewSignerFromED25519 derives a deterministic BLS signer from an Ed25519
// private key. The BLS key is bound to the service identity via
// BLAKE3("scoregate-bls-keygen" || seed).
func NewSignerFromED25519(privKey ed25519.PrivateKey) (*BLSSigner, error) {
	seed := privKey.Seed()
	h := blake3.New()
	h.Write([]byte("scoregate-bls-keygen"))
	h.Write(seed)

	var derived [32]byte
	h.Sum(derived[:0])

	return NewSignerFromSeed(derived[:])
}

// Sign signs a claim digest.
func (s *BLSSigner) Sign(digest [32]byte) ([SignatureSize]byte, error) {
	if s == nil || s.secret == nil {
		return [SignatureSize]byte{}, ErrSigningUnavailable
	}

	sig := new(blst.P2Affine).Sign(s.secret, digest[:], blsDST)

	var out [SignatureSize]byte
	copy(out[:], sig.Compress())

	return out, nil
}

// PublicKey returns the compressed public key bytes.
func (s *BLSSigner) PublicKey() [PublicKeySize]byte {
	var pk [PublicKeySize]byte
	copy(pk[:], s.public.Compress())
	return pk
}

// Address returns the signer's address.
func (s *BLSSigner) Address() Address {
	pk := s.PublicKey()
	return blake3.Sum256(pk[:])
}

// VerifyDigest checks a BLS signature over a digest against a compressed
// public key.
func VerifyDigest(signature [SignatureSize]byte, digest [32]byte, publicKey [PublicKeySize]byte) bool {
	sig := new(blst.P2Affine).Uncompress(signature[:])
	if sig == nil {
		return false
	}

	pk := new(blst.P1Affine).Uncompress(publicKey[:])
	if pk == nil {
		return false
	}

	return sig.Verify(true, pk, true, digest[:], blsDST)
}

// SignClaim signs a claim under the primary (typed) encoding.
func SignClaim(signer Signer, c Claim) ([SignatureSize]byte, error) {
	if signer == nil {
		return [SignatureSize]byte{}, ErrSigningUnavailable
	}

	return signer.Sign(TypedDigest(c))
}

// VerifyClaim checks a claim signature against the trusted signer's public
// key, accepting either signature encoding. The two digest paths are
// checked independently and combined with OR; neither weakens the other.
func VerifyClaim(signature [SignatureSize]byte, c Claim, publicKey [PublicKeySize]byte) bool {
	if VerifyDigest(signature, TypedDigest(c), publicKey) {
		return true
	}

	return VerifyDigest(signature, LegacyDigest(c), publicKey)
}

// AddressOfPublicKey returns the address of a compressed BLS public key.
func AddressOfPublicKey(publicKey [PublicKeySize]byte) Address {
	return blake3.Sum256(publicKey[:])
}
