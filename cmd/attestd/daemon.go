package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"ScoreGate/internal/api"
	"ScoreGate/internal/attest"
	"ScoreGate/internal/bypass"
	"ScoreGate/internal/ledger"
	"ScoreGate/internal/logger"
	"ScoreGate/internal/policy"
	"ScoreGate/internal/service"
	"ScoreGate/internal/storage"
	"ScoreGate/internal/transport"
	"ScoreGate/internal/verify"
)

// Daemon is a running attestation service: the issuer, its stores and
// both serving surfaces.
type Daemon struct {
	cfg      *Config
	storage  *storage.Store
	signer   *attest.BLSSigner
	records  *ledger.Ledger
	policies *policy.Store
	windows  *bypass.Ledger
	svc      *service.Service
	api      *api.Server
	endpoint *transport.Server
}

// NewDaemon creates and initializes a daemon.
func NewDaemon(cfg *Config) (*Daemon, error) {
	d := &Daemon{cfg: cfg}

	if err := d.initStorage(); err != nil {
		return nil, err
	}

	if err := d.initSigner(); err != nil {
		d.Close()
		return nil, err
	}

	if err := d.initService(); err != nil {
		d.Close()
		return nil, err
	}

	if err := d.initEndpoints(); err != nil {
		d.Close()
		return nil, err
	}

	return d, nil
}

// initStorage initializes the Pebble storage.
func (d *Daemon) initStorage() error {
	dbPath := d.cfg.DataPath + "/db"

	if err := os.MkdirAll(d.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.Open(dbPath)
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	d.storage = db

	return nil
}

// initSigner derives the BLS attestation key from the identity key. In
// verify-only mode no signer is created and issuance reports
// ErrSigningUnavailable.
func (d *Daemon) initSigner() error {
	if d.cfg.VerifyOnly {
		return nil
	}

	signer, err := attest.NewSignerFromED25519(d.cfg.PrivateKey)
	if err != nil {
		return fmt.Errorf("derive attestation key:\n%w", err)
	}

	d.signer = signer

	return nil
}

// initService wires the stores and the issuing service.
func (d *Daemon) initService() error {
	d.records = ledger.New(d.storage)
	d.policies = policy.NewStore(d.storage)
	d.windows = bypass.New(d.storage, nil)

	cfg := service.Config{
		Ledger:   d.records,
		Policies: d.policies,
		Windows:  d.windows,
		Registry: service.NewRegistry(d.storage),
	}
	if d.signer != nil {
		cfg.Signer = d.signer
	}

	svc, err := service.New(cfg)
	if err != nil {
		return fmt.Errorf("init service:\n%w", err)
	}

	d.svc = svc

	return nil
}

// initEndpoints creates the HTTP API and the QUIC presentation endpoint.
func (d *Daemon) initEndpoints() error {
	trustedKey, err := d.trustedIssuerKey()
	if err != nil {
		return err
	}

	gated := verify.NewGated(verify.New(trustedKey, d.cfg.ContextID, nil), d.windows)

	d.api = api.New(d.cfg.HTTPAddress, d.svc, gated, d.policies)

	endpoint, err := transport.NewServer(d.cfg.QUICAddress, d.cfg.PrivateKey, gated, d.policies)
	if err != nil {
		return fmt.Errorf("init presentation endpoint:\n%w", err)
	}

	d.endpoint = endpoint

	return nil
}

// trustedIssuerKey resolves the BLS public key the verifier trusts:
// the configured issuer key, or this daemon's own derived key.
func (d *Daemon) trustedIssuerKey() ([attest.PublicKeySize]byte, error) {
	var key [attest.PublicKeySize]byte

	if d.cfg.IssuerKey != "" {
		data, err := hex.DecodeString(d.cfg.IssuerKey)
		if err != nil {
			return key, fmt.Errorf("issuer key is not valid hex:\n%w", err)
		}
		if len(data) != attest.PublicKeySize {
			return key, fmt.Errorf("issuer key must be %d bytes, got %d", attest.PublicKeySize, len(data))
		}

		copy(key[:], data)

		return key, nil
	}

	if d.signer == nil {
		return key, fmt.Errorf("verify-only mode requires --issuer")
	}

	return d.signer.PublicKey(), nil
}

// Run starts both endpoints and blocks until shutdown signal.
func (d *Daemon) Run() error {
	if err := d.api.Start(); err != nil {
		return fmt.Errorf("start api:\n%w", err)
	}

	if err := d.endpoint.Start(); err != nil {
		return fmt.Errorf("start presentation endpoint:\n%w", err)
	}

	return d.waitForShutdown()
}

// waitForShutdown blocks until SIGINT or SIGTERM is received.
func (d *Daemon) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return d.Close()
}

// Close shuts down all components gracefully.
func (d *Daemon) Close() error {
	if d.api != nil {
		d.api.Stop()
	}

	if d.endpoint != nil {
		d.endpoint.Stop()
	}

	if d.storage != nil {
		d.storage.Close()
	}

	return nil
}
