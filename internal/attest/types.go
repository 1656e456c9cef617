package attest

const (
	// MaxScore is the upper bound of the compliance score range.
	MaxScore = 1000

	// SignatureSize is the size of a compressed BLS signature in bytes.
	SignatureSize = 96

	// PublicKeySize is the size of a compressed BLS public key in bytes.
	PublicKeySize = 48
)

// Address is a 32-byte party or resource identifier.
// For key-holding parties it is the BLAKE3 hash of the compressed public key.
type Address [32]byte

// PolicyKey is an opaque 32-byte key selecting a policy on a resource.
type PolicyKey [32]byte

// Claim is the score-bearing payload covered by the signature.
// Immutable once signed.
type Claim struct {
	Score     uint64 // Score is the compliance score in [0, MaxScore]
	IssuedAt  uint64 // IssuedAt is the issuance timestamp (unix seconds)
	ContextID uint64 // ContextID pins the claim to an execution context (0 = none)
}

// SignedClaim bundles a claim with its signature and routing fields.
// The signature covers only the three Claim fields.
type SignedClaim struct {
	Subject   Address             // Subject is the attested party
	PolicyKey PolicyKey           // PolicyKey selects the policy this bundle targets
	Signature [SignatureSize]byte // Signature is the BLS signature over the claim
	Claim     Claim               // Claim is the attested payload
}

// Policy holds the resource-side requirements a claim must satisfy.
type Policy struct {
	MinScore  uint64 // MinScore is the minimum accepted score
	Expiry    uint64 // Expiry is when the policy stops applying (0 = never)
	ContextID uint64 // ContextID restricts accepted contexts (0 = any)
}

// LedgerRecord is one issuance as stored in the attestation ledger.
type LedgerRecord struct {
	Subject       Address             // Subject is the attested party
	Score         uint64              // Score is the derived compliance score
	IssuedAt      uint64              // IssuedAt is the issuance timestamp
	ContextID     uint64              // ContextID is the context the claim was issued for
	Signature     [SignatureSize]byte // Signature is the claim signature
	SignerAddress Address             // SignerAddress identifies the issuing signer
}

// Deficit returns how far a claim's score falls short of the policy minimum,
// clamped at zero.
func Deficit(minScore, score uint64) uint64 {
	if score >= minScore {
		return 0
	}
	return minScore - score
}
