package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"ScoreGate/internal/attest"
	"ScoreGate/internal/logger"
	"ScoreGate/internal/policy"
	"ScoreGate/internal/service"
	"ScoreGate/internal/verify"
)

const (
	// maxBodySize is the maximum request body size in bytes.
	maxBodySize = 64 << 10
)

// Server is the HTTP API of the issuing trust domain. It also exposes a
// local verification endpoint for operators; remote verifiers use the
// QUIC presentation endpoint instead.
type Server struct {
	addr     string           // addr is the HTTP listen address
	svc      *service.Service // svc issues attestations
	gated    *verify.Gated    // gated runs bypass-aware verification
	policies *policy.Store    // policies resolves resource policies
	server   *http.Server     // server is the underlying HTTP server
}

// New creates a new HTTP API server.
func New(addr string, svc *service.Service, gated *verify.Gated, policies *policy.Store) *Server {
	return &Server{
		addr:     addr,
		svc:      svc,
		gated:    gated,
		policies: policies,
	}
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", s.addr)

		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Handler builds the route mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /attest", s.handleAttest)
	mux.HandleFunc("POST /verify", s.handleVerify)
	mux.HandleFunc("POST /bypass", s.handleBypass)
	mux.HandleFunc("PUT /policy", s.handleSetPolicy)
	mux.HandleFunc("GET /attestations/{subject}", s.handleAttestations)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// attestRequest is the body of POST /attest. Score is intentionally
// absent: it is always derived server-side.
type attestRequest struct {
	Subject   string `json:"subject"`             // hex-encoded 32-byte address
	ContextID uint64 `json:"contextId"`           // execution context for the claim
	PolicyKey string `json:"policyKey,omitempty"` // hex-encoded 32-byte key, optional
	Username  string `json:"username,omitempty"`  // registered idempotently, optional
}

// handleAttest handles POST /attest requests.
func (s *Server) handleAttest(w http.ResponseWriter, r *http.Request) {
	var req attestRequest
	if !readJSON(w, r, &req) {
		return
	}

	subject, err := parseAddress(req.Subject)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid subject: %v", err))
		return
	}

	var key attest.PolicyKey
	if req.PolicyKey != "" {
		key, err = parsePolicyKey(req.PolicyKey)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid policyKey: %v", err))
			return
		}
	}

	sc, err := s.svc.Issue(subject, req.ContextID, key, req.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	signer := s.svc.SignerAddress()
	writeJSON(w, http.StatusCreated, map[string]any{
		"bundle":   hex.EncodeToString(attest.EncodeBundle(sc)),
		"score":    sc.Claim.Score,
		"issuedAt": sc.Claim.IssuedAt,
		"signer":   hex.EncodeToString(signer[:]),
	})
}

// verifyRequest is the body of POST /verify.
type verifyRequest struct {
	Beneficiary string `json:"beneficiary"` // hex-encoded 32-byte address
	Resource    string `json:"resource"`    // hex-encoded 32-byte address
	PolicyKey   string `json:"policyKey"`   // hex-encoded 32-byte key
	Bundle      string `json:"bundle"`      // hex-encoded bundle bytes
}

// handleVerify handles POST /verify requests.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !readJSON(w, r, &req) {
		return
	}

	beneficiary, resource, key, ok := parseParties(w, req.Beneficiary, req.Resource, req.PolicyKey)
	if !ok {
		return
	}

	bundle, err := hex.DecodeString(req.Bundle)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bundle is not valid hex")
		return
	}

	p, err := s.policies.Get(resource, key)
	if err != nil {
		writeJSON(w, http.StatusOK, verdictBody(err))
		return
	}

	writeJSON(w, http.StatusOK, verdictBody(s.gated.Verify(beneficiary, resource, key, bundle, p)))
}

// bypassRequest is the body of POST /bypass.
type bypassRequest struct {
	Beneficiary string `json:"beneficiary"` // hex-encoded 32-byte address
	Resource    string `json:"resource"`    // hex-encoded 32-byte address
	PolicyKey   string `json:"policyKey"`   // hex-encoded 32-byte key
}

// handleBypass handles POST /bypass requests.
func (s *Server) handleBypass(w http.ResponseWriter, r *http.Request) {
	var req bypassRequest
	if !readJSON(w, r, &req) {
		return
	}

	beneficiary, resource, key, ok := parseParties(w, req.Beneficiary, req.Resource, req.PolicyKey)
	if !ok {
		return
	}

	entry, err := s.svc.RequestBypass(beneficiary, resource, key)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"expiry":  entry.Expiry,
		"nonce":   entry.Nonce,
		"allowed": entry.Allowed,
	})
}

// policyRequest is the body of PUT /policy.
type policyRequest struct {
	Resource  string `json:"resource"`  // hex-encoded 32-byte address
	PolicyKey string `json:"policyKey"` // hex-encoded 32-byte key
	MinScore  uint64 `json:"minScore"`  // minimum accepted score
	Expiry    uint64 `json:"expiry"`    // policy expiry (0 = never)
	ContextID uint64 `json:"contextId"` // pinned context (0 = any)
}

// handleSetPolicy handles PUT /policy requests.
func (s *Server) handleSetPolicy(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if !readJSON(w, r, &req) {
		return
	}

	resource, err := parseAddress(req.Resource)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid resource: %v", err))
		return
	}

	key, err := parsePolicyKey(req.PolicyKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid policyKey: %v", err))
		return
	}

	p := attest.Policy{MinScore: req.MinScore, Expiry: req.Expiry, ContextID: req.ContextID}

	if err := s.svc.SetPolicy(resource, key, p); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "stored"})
}

// handleAttestations handles GET /attestations/{subject} requests.
func (s *Server) handleAttestations(w http.ResponseWriter, r *http.Request) {
	subject, err := parseAddress(r.PathValue("subject"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid subject: %v", err))
		return
	}

	records, err := s.svc.History(subject)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]map[string]any, len(records))
	for i, rec := range records {
		out[i] = map[string]any{
			"score":     rec.Score,
			"issuedAt":  rec.IssuedAt,
			"contextId": rec.ContextID,
			"signature": hex.EncodeToString(rec.Signature[:]),
			"signer":    hex.EncodeToString(rec.SignerAddress[:]),
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"subject": hex.EncodeToString(subject[:]),
		"records": out,
	})
}

// handleStats handles GET /stats requests.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Stats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	signer := s.svc.SignerAddress()
	writeJSON(w, http.StatusOK, map[string]any{
		"totalSubjects": stats.TotalSubjects,
		"totalRecords":  stats.TotalRecords,
		"signer":        hex.EncodeToString(signer[:]),
	})
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// verdictBody builds the JSON body for a verification outcome.
func verdictBody(err error) map[string]any {
	if err == nil {
		return map[string]any{"accepted": true}
	}

	return map[string]any{
		"accepted": false,
		"reason":   err.Error(),
	}
}

// parseParties parses the three party fields shared by verify and bypass
// requests, writing an error response on failure.
func parseParties(w http.ResponseWriter, beneficiaryHex, resourceHex, keyHex string) (attest.Address, attest.Address, attest.PolicyKey, bool) {
	beneficiary, err := parseAddress(beneficiaryHex)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid beneficiary: %v", err))
		return attest.Address{}, attest.Address{}, attest.PolicyKey{}, false
	}

	resource, err := parseAddress(resourceHex)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid resource: %v", err))
		return attest.Address{}, attest.Address{}, attest.PolicyKey{}, false
	}

	key, err := parsePolicyKey(keyHex)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid policyKey: %v", err))
		return attest.Address{}, attest.Address{}, attest.PolicyKey{}, false
	}

	return beneficiary, resource, key, true
}

// parseAddress parses a hex-encoded 32-byte address.
func parseAddress(s string) (attest.Address, error) {
	data, err := hex.DecodeString(s)
	if err != nil {
		return attest.Address{}, fmt.Errorf("not valid hex")
	}
	if len(data) != 32 {
		return attest.Address{}, fmt.Errorf("got %d bytes, want 32", len(data))
	}

	var addr attest.Address
	copy(addr[:], data)

	return addr, nil
}

// parsePolicyKey parses a hex-encoded 32-byte policy key.
func parsePolicyKey(s string) (attest.PolicyKey, error) {
	data, err := hex.DecodeString(s)
	if err != nil {
		return attest.PolicyKey{}, fmt.Errorf("not valid hex")
	}
	if len(data) != 32 {
		return attest.PolicyKey{}, fmt.Errorf("got %d bytes, want 32", len(data))
	}

	var key attest.PolicyKey
	copy(key[:], data)

	return key, nil
}

// readJSON decodes a JSON request body, writing an error response on
// failure.
func readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))

	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}

	return true
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
