package verify

import (
	"errors"
	"os"
	"testing"

	"ScoreGate/internal/attest"
	"ScoreGate/internal/bypass"
	"ScoreGate/internal/storage"
)

// fakeClock is a settable time source for tests.
type fakeClock struct {
	t uint64
}

func (c *fakeClock) now() uint64 {
	return c.t
}

// testEnv bundles a signer, verifier and bypass ledger on a shared clock.
type testEnv struct {
	signer   *attest.BLSSigner
	verifier *Verifier
	gated    *Gated
	clock    *fakeClock
}

// newTestEnv creates a full verification environment. runtimeContext is
// the context the verifier believes it runs in.
func newTestEnv(t *testing.T, runtimeContext uint64) *testEnv {
	t.Helper()

	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i + 7)
	}

	signer, err := attest.NewSignerFromSeed(seed)
	if err != nil {
		t.Fatalf("create signer: %v", err)
	}

	clock := &fakeClock{t: 1_000_000}
	verifier := New(signer.PublicKey(), runtimeContext, clock.now)

	dir, err := os.MkdirTemp("", "verify_test_*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	t.Cleanup(func() {
		os.RemoveAll(dir)
	})

	db, err := storage.Open(dir)
	if err != nil {
		t.Fatalf("failed to open storage: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	windows := bypass.New(db, clock.now)

	return &testEnv{
		signer:   signer,
		verifier: verifier,
		gated:    NewGated(verifier, windows),
		clock:    clock,
	}
}

// signedBundle builds and encodes a bundle signed by the env's signer.
// The claim score is forced to the given value.
func (e *testEnv) signedBundle(t *testing.T, key attest.PolicyKey, score, contextID uint64) []byte {
	t.Helper()

	claim := attest.Claim{Score: score, IssuedAt: e.clock.t, ContextID: contextID}

	sig, err := attest.SignClaim(e.signer, claim)
	if err != nil {
		t.Fatalf("sign claim: %v", err)
	}

	sc := attest.SignedClaim{
		PolicyKey: key,
		Signature: sig,
		Claim:     claim,
	}
	sc.Subject[0] = 0x51

	return attest.EncodeBundle(sc)
}

// testPolicyKey returns a fixed policy key.
func testPolicyKey() attest.PolicyKey {
	var key attest.PolicyKey
	key[0] = 0x77
	return key
}

func TestAcceptSufficientScore(t *testing.T) {
	env := newTestEnv(t, 0)
	key := testPolicyKey()
	bundle := env.signedBundle(t, key, 500, 0)

	p := attest.Policy{MinScore: 400}

	if err := env.verifier.Verify(key, bundle, p); err != nil {
		t.Errorf("expected accept, got %v", err)
	}
}

func TestScoreFlipAtMinimum(t *testing.T) {
	env := newTestEnv(t, 0)
	key := testPolicyKey()

	p := attest.Policy{MinScore: 400}

	// Exactly at the minimum: accept.
	if err := env.verifier.Verify(key, env.signedBundle(t, key, 400, 0), p); err != nil {
		t.Errorf("score == minScore should accept, got %v", err)
	}

	// One below, all else equal: reject.
	err := env.verifier.Verify(key, env.signedBundle(t, key, 399, 0), p)
	if !errors.Is(err, attest.ErrScoreInsufficient) {
		t.Errorf("expected ErrScoreInsufficient, got %v", err)
	}
}

func TestRejectPolicyExpired(t *testing.T) {
	env := newTestEnv(t, 0)
	key := testPolicyKey()
	bundle := env.signedBundle(t, key, 1000, 0)

	p := attest.Policy{MinScore: 0, Expiry: env.clock.t - 1}

	err := env.verifier.Verify(key, bundle, p)
	if !errors.Is(err, attest.ErrPolicyExpired) {
		t.Errorf("expected ErrPolicyExpired, got %v", err)
	}
}

func TestPolicyExpiryZeroNeverExpires(t *testing.T) {
	env := newTestEnv(t, 0)
	key := testPolicyKey()
	bundle := env.signedBundle(t, key, 1000, 0)

	env.clock.t = 1 << 40 // far future

	if err := env.verifier.Verify(key, bundle, attest.Policy{}); err != nil {
		t.Errorf("zero expiry should never lapse, got %v", err)
	}
}

func TestRejectPolicyContextMismatch(t *testing.T) {
	env := newTestEnv(t, 3)
	key := testPolicyKey()
	bundle := env.signedBundle(t, key, 1000, 3)

	p := attest.Policy{ContextID: 4} // pinned to a different runtime

	err := env.verifier.Verify(key, bundle, p)
	if !errors.Is(err, attest.ErrContextMismatch) {
		t.Errorf("expected ErrContextMismatch, got %v", err)
	}
}

func TestRejectClaimContextMismatch(t *testing.T) {
	env := newTestEnv(t, 3)
	key := testPolicyKey()

	// Claim issued for context 9 presented to a policy pinned to 3.
	bundle := env.signedBundle(t, key, 1000, 9)

	err := env.verifier.Verify(key, bundle, attest.Policy{ContextID: 3})
	if !errors.Is(err, attest.ErrContextMismatch) {
		t.Errorf("expected ErrContextMismatch, got %v", err)
	}
}

func TestContextZeroAcceptsAnyContext(t *testing.T) {
	env := newTestEnv(t, 3)
	key := testPolicyKey()
	bundle := env.signedBundle(t, key, 1000, 9)

	// Policy context 0 means the claim's context is not checked.
	if err := env.verifier.Verify(key, bundle, attest.Policy{}); err != nil {
		t.Errorf("context 0 should accept any claim context, got %v", err)
	}
}

func TestRejectDecodeError(t *testing.T) {
	env := newTestEnv(t, 0)
	key := testPolicyKey()

	err := env.verifier.Verify(key, []byte{0x01, 0x02}, attest.Policy{})
	if !errors.Is(err, attest.ErrDecode) {
		t.Errorf("expected ErrDecode, got %v", err)
	}

	// A decode failure must not read as a policy failure.
	if errors.Is(err, attest.ErrScoreInsufficient) {
		t.Error("decode error must be distinct from policy failures")
	}
}

func TestRejectKeyMismatch(t *testing.T) {
	env := newTestEnv(t, 0)
	key := testPolicyKey()

	otherKey := key
	otherKey[1] = 0xFF

	// Valid signature, wrong target key.
	bundle := env.signedBundle(t, otherKey, 1000, 0)

	err := env.verifier.Verify(key, bundle, attest.Policy{})
	if !errors.Is(err, attest.ErrKeyMismatch) {
		t.Errorf("expected ErrKeyMismatch, got %v", err)
	}
}

func TestRejectUntrustedSigner(t *testing.T) {
	env := newTestEnv(t, 0)
	key := testPolicyKey()

	rogue, err := attest.NewSigner()
	if err != nil {
		t.Fatalf("create signer: %v", err)
	}

	claim := attest.Claim{Score: 1000, IssuedAt: env.clock.t}
	sig, _ := attest.SignClaim(rogue, claim)

	bundle := attest.EncodeBundle(attest.SignedClaim{
		PolicyKey: key,
		Signature: sig,
		Claim:     claim,
	})

	verifyErr := env.verifier.Verify(key, bundle, attest.Policy{})
	if !errors.Is(verifyErr, attest.ErrSignatureInvalid) {
		t.Errorf("expected ErrSignatureInvalid, got %v", verifyErr)
	}
}

func TestAcceptLegacySignature(t *testing.T) {
	env := newTestEnv(t, 0)
	key := testPolicyKey()

	claim := attest.Claim{Score: 800, IssuedAt: env.clock.t}

	sig, err := env.signer.Sign(attest.LegacyDigest(claim))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	bundle := attest.EncodeBundle(attest.SignedClaim{
		PolicyKey: key,
		Signature: sig,
		Claim:     claim,
	})

	if err := env.verifier.Verify(key, bundle, attest.Policy{MinScore: 500}); err != nil {
		t.Errorf("legacy-signed bundle should verify, got %v", err)
	}
}

func TestCheckOrderPolicyExpiryBeforeDecode(t *testing.T) {
	env := newTestEnv(t, 0)
	key := testPolicyKey()

	// Garbage bundle, but the policy is already expired: the policy check
	// fires first.
	p := attest.Policy{Expiry: env.clock.t - 10}

	err := env.verifier.Verify(key, []byte("garbage"), p)
	if !errors.Is(err, attest.ErrPolicyExpired) {
		t.Errorf("expected ErrPolicyExpired first, got %v", err)
	}
}

// Gated (bypass-aware) verification.

// gatedParties returns a beneficiary and resource for gated tests.
func gatedParties() (attest.Address, attest.Address) {
	var beneficiary, resource attest.Address
	beneficiary[0] = 0xBE
	resource[0] = 0x4E
	return beneficiary, resource
}

func TestGatedOpensWindowOnScoreFailure(t *testing.T) {
	env := newTestEnv(t, 0)
	key := testPolicyKey()
	beneficiary, resource := gatedParties()

	// Score 40 against minimum 100: deficit 60, window 600 seconds.
	bundle := env.signedBundle(t, key, 40, 0)
	p := attest.Policy{MinScore: 100}

	err := env.gated.Verify(beneficiary, resource, key, bundle, p)
	if !errors.Is(err, attest.ErrScoreInsufficient) {
		t.Fatalf("expected ErrScoreInsufficient on first failure, got %v", err)
	}

	// 599 seconds later: still pending.
	env.clock.t += 599

	err = env.gated.Verify(beneficiary, resource, key, bundle, p)
	if !errors.Is(err, attest.ErrBypassNotYetActive) {
		t.Errorf("expected ErrBypassNotYetActive at +599s, got %v", err)
	}

	// At exactly 600 seconds the window opens.
	env.clock.t += 1

	if err := env.gated.Verify(beneficiary, resource, key, bundle, p); err != nil {
		t.Errorf("expected accept at +600s, got %v", err)
	}
}

func TestGatedRetryDoesNotExtendWait(t *testing.T) {
	env := newTestEnv(t, 0)
	key := testPolicyKey()
	beneficiary, resource := gatedParties()

	bundle := env.signedBundle(t, key, 40, 0)
	p := attest.Policy{MinScore: 100}

	if err := env.gated.Verify(beneficiary, resource, key, bundle, p); err == nil {
		t.Fatal("expected rejection on first attempt")
	}

	// Hammering the verifier while pending must not move the expiry.
	for i := 0; i < 5; i++ {
		env.clock.t += 100
		err := env.gated.Verify(beneficiary, resource, key, bundle, p)
		if !errors.Is(err, attest.ErrBypassNotYetActive) {
			t.Fatalf("attempt %d: expected ErrBypassNotYetActive, got %v", i, err)
		}
	}

	// Original window: opened at t0+600. We are now at t0+500; 100 more
	// seconds reaches it.
	env.clock.t += 100

	if err := env.gated.Verify(beneficiary, resource, key, bundle, p); err != nil {
		t.Errorf("expected accept at original expiry, got %v", err)
	}
}

func TestGatedPassesThroughOtherFailures(t *testing.T) {
	env := newTestEnv(t, 0)
	key := testPolicyKey()
	beneficiary, resource := gatedParties()

	otherKey := key
	otherKey[2] = 0xAB

	bundle := env.signedBundle(t, otherKey, 40, 0)
	p := attest.Policy{MinScore: 100}

	// A key mismatch must not open a bypass window.
	err := env.gated.Verify(beneficiary, resource, key, bundle, p)
	if !errors.Is(err, attest.ErrKeyMismatch) {
		t.Fatalf("expected ErrKeyMismatch, got %v", err)
	}

	_, found, err := env.gated.windows.Get(beneficiary, resource, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if found {
		t.Error("non-score failure must not open a bypass window")
	}
}

func TestGatedSufficientScoreSkipsBypass(t *testing.T) {
	env := newTestEnv(t, 0)
	key := testPolicyKey()
	beneficiary, resource := gatedParties()

	bundle := env.signedBundle(t, key, 500, 0)

	if err := env.gated.Verify(beneficiary, resource, key, bundle, attest.Policy{MinScore: 100}); err != nil {
		t.Errorf("expected direct accept, got %v", err)
	}

	_, found, err := env.gated.windows.Get(beneficiary, resource, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if found {
		t.Error("successful verification must not touch the bypass ledger")
	}
}

func TestGatedDistinctBeneficiariesSeparateWindows(t *testing.T) {
	env := newTestEnv(t, 0)
	key := testPolicyKey()
	beneficiary, resource := gatedParties()

	other := beneficiary
	other[1] = 0x02

	bundle := env.signedBundle(t, key, 40, 0)
	p := attest.Policy{MinScore: 100}

	if err := env.gated.Verify(beneficiary, resource, key, bundle, p); err == nil {
		t.Fatal("expected rejection")
	}

	env.clock.t += 600

	// The first beneficiary's window is open; the other's does not exist
	// yet and must start its own wait.
	if err := env.gated.Verify(beneficiary, resource, key, bundle, p); err != nil {
		t.Errorf("expected accept for first beneficiary, got %v", err)
	}

	err := env.gated.Verify(other, resource, key, bundle, p)
	if !errors.Is(err, attest.ErrScoreInsufficient) {
		t.Errorf("expected fresh window for other beneficiary, got %v", err)
	}
}
