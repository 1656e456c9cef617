package service

import (
	"fmt"
	"time"

	"ScoreGate/internal/attest"
	"ScoreGate/internal/bypass"
	"ScoreGate/internal/ledger"
	"ScoreGate/internal/logger"
	"ScoreGate/internal/policy"
)

// Service is the trusted issuer: it derives scores, signs claims and
// records every issuance. The signer is an injected capability, never a
// module-level singleton.
type Service struct {
	signer   attest.Signer    // signer produces claim signatures
	records  *ledger.Ledger   // records is the attestation ledger
	policies *policy.Store    // policies holds resource policies
	windows  *bypass.Ledger   // windows holds bypass state
	registry *Registry        // registry maps usernames to subjects
	defKey   attest.PolicyKey // defKey is used when the caller supplies none
	now      func() uint64    // now supplies the current unix time
}

// Config holds the service dependencies.
type Config struct {
	Signer           attest.Signer    // Signer is the claim signing capability (required)
	Ledger           *ledger.Ledger   // Ledger records issuances (required)
	Policies         *policy.Store    // Policies holds resource policies
	Windows          *bypass.Ledger   // Windows holds bypass state
	Registry         *Registry        // Registry maps usernames to subjects
	DefaultPolicyKey attest.PolicyKey // DefaultPolicyKey is used when the caller supplies none
	Now              func() uint64    // Now overrides the clock (tests)
}

// New creates the issuing service.
func New(cfg Config) (*Service, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}

	now := cfg.Now
	if now == nil {
		now = func() uint64 { return uint64(time.Now().Unix()) }
	}

	return &Service{
		signer:   cfg.Signer,
		records:  cfg.Ledger,
		policies: cfg.Policies,
		windows:  cfg.Windows,
		registry: cfg.Registry,
		defKey:   cfg.DefaultPolicyKey,
		now:      now,
	}, nil
}

// Issue derives the subject's score, signs a claim over it and records
// the issuance. The score is always derived server-side; any
// client-supplied score is ignored. policyKey selects the policy the
// bundle targets; the zero value falls back to the service default.
// username, when non-empty, is registered idempotently before issuing.
func (s *Service) Issue(subject attest.Address, contextID uint64, policyKey attest.PolicyKey, username string) (attest.SignedClaim, error) {
	if s.signer == nil {
		return attest.SignedClaim{}, attest.ErrSigningUnavailable
	}

	if username != "" && s.registry != nil {
		// A name bound to another subject keeps its mapping; issuance
		// continues either way.
		if err := s.registry.Register(username, subject); err != nil {
			return attest.SignedClaim{}, fmt.Errorf("register username:\n%w", err)
		}
	}

	claim := attest.Claim{
		Score:     attest.DeriveScore(subject),
		IssuedAt:  s.now(),
		ContextID: contextID,
	}

	sig, err := attest.SignClaim(s.signer, claim)
	if err != nil {
		return attest.SignedClaim{}, err
	}

	record := attest.LedgerRecord{
		Subject:       subject,
		Score:         claim.Score,
		IssuedAt:      claim.IssuedAt,
		ContextID:     claim.ContextID,
		Signature:     sig,
		SignerAddress: s.signer.Address(),
	}

	// A failed append fails the issuance; never report success without
	// a durable record.
	if err := s.records.Append(record); err != nil {
		return attest.SignedClaim{}, err
	}

	key := policyKey
	if key == (attest.PolicyKey{}) {
		key = s.defKey
	}

	logger.Info("attestation issued",
		"subject", fmt.Sprintf("%x", subject[:8]),
		"score", claim.Score,
		"context", contextID,
	)

	return attest.SignedClaim{
		Subject:   subject,
		PolicyKey: key,
		Signature: sig,
		Claim:     claim,
	}, nil
}

// RequestBypass explicitly opens (or returns) the bypass window for a
// beneficiary that failed a resource's score check. Requires a registered
// policy; without one there is nothing to bypass.
func (s *Service) RequestBypass(beneficiary, resource attest.Address, key attest.PolicyKey) (bypass.Entry, error) {
	if s.policies == nil || s.windows == nil {
		return bypass.Entry{}, fmt.Errorf("bypass not configured")
	}

	p, err := s.policies.Get(resource, key)
	if err != nil {
		return bypass.Entry{}, err
	}

	deficit := attest.Deficit(p.MinScore, attest.DeriveScore(beneficiary))

	return s.windows.OpenOrGet(beneficiary, resource, key, deficit)
}

// SetPolicy stores the policy for (resource, key). Owner authorization is
// delegated to the execution environment.
func (s *Service) SetPolicy(resource attest.Address, key attest.PolicyKey, p attest.Policy) error {
	if s.policies == nil {
		return fmt.Errorf("policy store not configured")
	}

	return s.policies.Set(resource, key, p)
}

// History returns a subject's issuance records in chronological order.
func (s *Service) History(subject attest.Address) ([]attest.LedgerRecord, error) {
	return s.records.All(subject)
}

// Latest returns a subject's most recent issuance record.
func (s *Service) Latest(subject attest.Address) (attest.LedgerRecord, bool, error) {
	return s.records.Latest(subject)
}

// Stats returns aggregate issuance counters.
func (s *Service) Stats() (ledger.Stats, error) {
	return s.records.Stats()
}

// SignerAddress returns the issuing signer's address, or the zero address
// when no signer is configured.
func (s *Service) SignerAddress() attest.Address {
	if s.signer == nil {
		return attest.Address{}
	}

	return s.signer.Address()
}
