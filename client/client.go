package client

import (
	"encoding/hex"
	"fmt"

	"ScoreGate/internal/attest"
)

// Client talks to an attestation service via HTTP.
type Client struct {
	nodeAddr string // nodeAddr is the HTTP address (e.g. "127.0.0.1:8080")
}

// Attestation holds one issued bundle as returned by the service.
type Attestation struct {
	Bundle   []byte // Bundle is the encoded signed claim
	Score    uint64 // Score is the derived compliance score
	IssuedAt uint64 // IssuedAt is the issuance unix time
}

// Record holds one historical issuance for a subject.
type Record struct {
	Score     uint64   // Score at issuance time
	IssuedAt  uint64   // IssuedAt is the issuance unix time
	ContextID uint64   // ContextID the claim was bound to
	Signer    [32]byte // Signer is the issuing signer's address
}

// Verdict is the outcome of a verification request.
type Verdict struct {
	Accepted bool   // Accepted reports whether the bundle passed
	Reason   string // Reason describes the rejection, empty on acceptance
}

// BypassWindow describes a time-delayed bypass entry.
type BypassWindow struct {
	Expiry  uint64 // Expiry is when the window becomes usable
	Nonce   uint64 // Nonce counts how often the window was opened
	Allowed bool   // Allowed marks explicitly permitted windows
}

// Stats holds aggregate service counters.
type Stats struct {
	TotalSubjects uint64 // TotalSubjects counts distinct attested subjects
	TotalRecords  uint64 // TotalRecords counts all issuances
	Signer        string // Signer is the hex issuing address
}

// NewClient creates a client connected to an attestation service.
// It checks the service's /health endpoint before returning.
func NewClient(nodeAddr string) (*Client, error) {
	var health struct {
		Status string `json:"status"`
	}

	if err := httpGet("http://"+nodeAddr+"/health", &health); err != nil {
		return nil, fmt.Errorf("get health:\n%w", err)
	}

	if health.Status != "ok" {
		return nil, fmt.Errorf("service unhealthy: %q", health.Status)
	}

	return &Client{nodeAddr: nodeAddr}, nil
}

// Attest requests a signed attestation for a subject. The score is
// derived by the service; policyKey and username are optional.
func (c *Client) Attest(subject attest.Address, contextID uint64, policyKey attest.PolicyKey, username string) (Attestation, error) {
	body := map[string]any{
		"subject":   hex.EncodeToString(subject[:]),
		"contextId": contextID,
	}
	if policyKey != (attest.PolicyKey{}) {
		body["policyKey"] = hex.EncodeToString(policyKey[:])
	}
	if username != "" {
		body["username"] = username
	}

	var resp struct {
		Bundle   string `json:"bundle"`
		Score    uint64 `json:"score"`
		IssuedAt uint64 `json:"issuedAt"`
	}

	if err := httpSendJSON("POST", c.url("/attest"), body, &resp); err != nil {
		return Attestation{}, err
	}

	bundle, err := hex.DecodeString(resp.Bundle)
	if err != nil {
		return Attestation{}, fmt.Errorf("invalid bundle hex:\n%w", err)
	}

	return Attestation{Bundle: bundle, Score: resp.Score, IssuedAt: resp.IssuedAt}, nil
}

// Verify asks the service to check a bundle against the policy stored for
// (resource, policyKey).
func (c *Client) Verify(beneficiary, resource attest.Address, policyKey attest.PolicyKey, bundle []byte) (Verdict, error) {
	body := map[string]any{
		"beneficiary": hex.EncodeToString(beneficiary[:]),
		"resource":    hex.EncodeToString(resource[:]),
		"policyKey":   hex.EncodeToString(policyKey[:]),
		"bundle":      hex.EncodeToString(bundle),
	}

	var resp struct {
		Accepted bool   `json:"accepted"`
		Reason   string `json:"reason"`
	}

	if err := httpSendJSON("POST", c.url("/verify"), body, &resp); err != nil {
		return Verdict{}, err
	}

	return Verdict{Accepted: resp.Accepted, Reason: resp.Reason}, nil
}

// RequestBypass opens (or reads) the bypass window for a beneficiary that
// failed a resource's score check.
func (c *Client) RequestBypass(beneficiary, resource attest.Address, policyKey attest.PolicyKey) (BypassWindow, error) {
	body := map[string]any{
		"beneficiary": hex.EncodeToString(beneficiary[:]),
		"resource":    hex.EncodeToString(resource[:]),
		"policyKey":   hex.EncodeToString(policyKey[:]),
	}

	var resp struct {
		Expiry  uint64 `json:"expiry"`
		Nonce   uint64 `json:"nonce"`
		Allowed bool   `json:"allowed"`
	}

	if err := httpSendJSON("POST", c.url("/bypass"), body, &resp); err != nil {
		return BypassWindow{}, err
	}

	return BypassWindow{Expiry: resp.Expiry, Nonce: resp.Nonce, Allowed: resp.Allowed}, nil
}

// SetPolicy stores the access policy for (resource, policyKey).
func (c *Client) SetPolicy(resource attest.Address, policyKey attest.PolicyKey, p attest.Policy) error {
	body := map[string]any{
		"resource":  hex.EncodeToString(resource[:]),
		"policyKey": hex.EncodeToString(policyKey[:]),
		"minScore":  p.MinScore,
		"expiry":    p.Expiry,
		"contextId": p.ContextID,
	}

	return httpSendJSON("PUT", c.url("/policy"), body, nil)
}

// Attestations returns a subject's issuance history, oldest first.
func (c *Client) Attestations(subject attest.Address) ([]Record, error) {
	var resp struct {
		Records []struct {
			Score     uint64 `json:"score"`
			IssuedAt  uint64 `json:"issuedAt"`
			ContextID uint64 `json:"contextId"`
			Signer    string `json:"signer"`
		} `json:"records"`
	}

	if err := httpGet(c.url("/attestations/"+hex.EncodeToString(subject[:])), &resp); err != nil {
		return nil, err
	}

	records := make([]Record, len(resp.Records))
	for i, r := range resp.Records {
		records[i] = Record{Score: r.Score, IssuedAt: r.IssuedAt, ContextID: r.ContextID}

		signer, err := hex.DecodeString(r.Signer)
		if err != nil || len(signer) != 32 {
			return nil, fmt.Errorf("invalid signer in record %d: %q", i, r.Signer)
		}
		copy(records[i].Signer[:], signer)
	}

	return records, nil
}

// Stats returns aggregate service counters.
func (c *Client) Stats() (Stats, error) {
	var resp struct {
		TotalSubjects uint64 `json:"totalSubjects"`
		TotalRecords  uint64 `json:"totalRecords"`
		Signer        string `json:"signer"`
	}

	if err := httpGet(c.url("/stats"), &resp); err != nil {
		return Stats{}, err
	}

	return Stats{TotalSubjects: resp.TotalSubjects, TotalRecords: resp.TotalRecords, Signer: resp.Signer}, nil
}

// url builds a full endpoint URL.
func (c *Client) url(path string) string {
	return "http://" + c.nodeAddr + path
}
