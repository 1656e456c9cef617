package attest

import "errors"

// Typed rejection reasons. Verification failures are reported as one of
// these sentinels (possibly wrapped with detail) so callers can tell why a
// bundle was refused, never as a bare boolean.
var (
	// ErrSigningUnavailable means no signing key was configured. Fatal for
	// the issuing request; there is no insecure fallback.
	ErrSigningUnavailable = errors.New("signing key unavailable")

	// ErrDecode means the bundle bytes are truncated or malformed.
	// Distinct from policy failures.
	ErrDecode = errors.New("bundle decode failed")

	// ErrKeyMismatch means the bundle targets a different policy key.
	ErrKeyMismatch = errors.New("policy key mismatch")

	// ErrSignatureInvalid means neither signature encoding verified
	// against the trusted signer.
	ErrSignatureInvalid = errors.New("signature not from trusted signer")

	// ErrPolicyExpired means the policy itself has lapsed.
	ErrPolicyExpired = errors.New("policy expired")

	// ErrContextMismatch means the policy pins a context the runtime or
	// the claim does not match.
	ErrContextMismatch = errors.New("context mismatch")

	// ErrScoreInsufficient means the claim score is below the policy
	// minimum. May open a bypass window.
	ErrScoreInsufficient = errors.New("insufficient score")

	// ErrBypassNotYetActive means a bypass window exists but its delay
	// has not elapsed.
	ErrBypassNotYetActive = errors.New("bypass not yet active")

	// ErrNoPolicy means no policy is registered for (resource, policyKey).
	ErrNoPolicy = errors.New("no policy registered")
)
