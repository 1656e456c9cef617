package verify

import (
	"errors"
	"fmt"
	"time"

	"ScoreGate/internal/attest"
	"ScoreGate/internal/bypass"
	"ScoreGate/internal/logger"
)

// Verifier validates signed claim bundles against policies. It runs in a
// different trust domain than the issuer and shares nothing with it except
// the trusted signer's public key and the bundle wire format.
// Verify is pure and safe for concurrent use.
type Verifier struct {
	signerKey  [attest.PublicKeySize]byte // signerKey is the trusted signer's public key
	signerAddr attest.Address             // signerAddr is the trusted signer's address
	contextID  uint64                     // contextID identifies the runtime execution context
	now        func() uint64              // now supplies the current unix time
}

// New creates a verifier trusting the given signer public key, running in
// the given context. If now is nil the wall clock is used.
func New(signerKey [attest.PublicKeySize]byte, contextID uint64, now func() uint64) *Verifier {
	if now == nil {
		now = func() uint64 { return uint64(time.Now().Unix()) }
	}

	return &Verifier{
		signerKey:  signerKey,
		signerAddr: attest.AddressOfPublicKey(signerKey),
		contextID:  contextID,
		now:        now,
	}
}

// SignerAddress returns the address of the trusted signer.
func (v *Verifier) SignerAddress() attest.Address {
	return v.signerAddr
}

// Verify checks an encoded bundle against the policy registered for
// (resource, key). Returns nil to accept or a typed rejection reason.
// Checks run in a fixed order and short-circuit on the first failure;
// no state is mutated.
func (v *Verifier) Verify(key attest.PolicyKey, bundleBytes []byte, p attest.Policy) error {
	_, err := v.evaluate(key, bundleBytes, p)
	return err
}

// evaluate runs the check sequence and returns the decoded bundle so
// bypass-aware callers can compute the score deficit.
func (v *Verifier) evaluate(key attest.PolicyKey, bundleBytes []byte, p attest.Policy) (attest.SignedClaim, error) {
	now := v.now()

	if p.Expiry != 0 && p.Expiry < now {
		return attest.SignedClaim{}, attest.ErrPolicyExpired
	}

	if p.ContextID != 0 && p.ContextID != v.contextID {
		return attest.SignedClaim{}, fmt.Errorf("%w: policy pinned to context %d, runtime is %d",
			attest.ErrContextMismatch, p.ContextID, v.contextID)
	}

	sc, err := attest.DecodeBundle(bundleBytes)
	if err != nil {
		return attest.SignedClaim{}, err
	}

	if sc.PolicyKey != key {
		return sc, attest.ErrKeyMismatch
	}

	if !attest.VerifyClaim(sc.Signature, sc.Claim, v.signerKey) {
		return sc, attest.ErrSignatureInvalid
	}

	if p.ContextID != 0 && sc.Claim.ContextID != v.contextID {
		return sc, fmt.Errorf("%w: claim issued for context %d, runtime is %d",
			attest.ErrContextMismatch, sc.Claim.ContextID, v.contextID)
	}

	if sc.Claim.Score < p.MinScore {
		return sc, fmt.Errorf("%w: score %d below minimum %d",
			attest.ErrScoreInsufficient, sc.Claim.Score, p.MinScore)
	}

	return sc, nil
}

// Gated is a bypass-aware verifier. Direct verification failures on score
// alone may open a time-delayed bypass window; once the window's delay has
// elapsed, verification succeeds regardless of score.
type Gated struct {
	verifier *Verifier      // verifier runs the direct checks
	windows  *bypass.Ledger // windows holds the bypass state
}

// NewGated wraps a verifier with a bypass ledger.
func NewGated(v *Verifier, windows *bypass.Ledger) *Gated {
	return &Gated{verifier: v, windows: windows}
}

// Verify runs direct verification; on a score shortfall it consults the
// bypass ledger. An active window accepts the call without mutating
// anything. A missing window is opened (reported as the score failure);
// a pending window is left untouched and reported as not yet active.
// All other rejection reasons pass through unchanged.
func (g *Gated) Verify(beneficiary, resource attest.Address, key attest.PolicyKey, bundleBytes []byte, p attest.Policy) error {
	sc, err := g.verifier.evaluate(key, bundleBytes, p)
	if err == nil {
		return nil
	}

	if !errors.Is(err, attest.ErrScoreInsufficient) {
		return err
	}

	entry, found, lookupErr := g.windows.Get(beneficiary, resource, key)
	if lookupErr != nil {
		return lookupErr
	}

	if found && entry.ActiveAt(g.verifier.now()) {
		logger.Debug("bypass window consumed",
			"beneficiary", fmt.Sprintf("%x", beneficiary[:8]),
			"nonce", entry.Nonce,
		)
		return nil
	}

	deficit := attest.Deficit(p.MinScore, sc.Claim.Score)

	if _, openErr := g.windows.OpenOrGet(beneficiary, resource, key, deficit); openErr != nil {
		return openErr
	}

	if found {
		return fmt.Errorf("%w: window opens at %d", attest.ErrBypassNotYetActive, entry.Expiry)
	}

	return err
}
