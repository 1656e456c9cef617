package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"ScoreGate/internal/logger"
)

func main() {
	logger.Init()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run() error {
	cfg := parseFlags()

	var err error
	cfg.PrivateKey, err = loadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	daemon, err := NewDaemon(cfg)
	if err != nil {
		return fmt.Errorf("create daemon:\n%w", err)
	}

	printStartupInfo(cfg, daemon)

	return daemon.Run()
}

// printStartupInfo displays daemon configuration at startup.
func printStartupInfo(cfg *Config, daemon *Daemon) {
	signerAddr := daemon.svc.SignerAddress()

	logger.Info("starting attestation service",
		"signer", hex.EncodeToString(signerAddr[:]),
		"http", cfg.HTTPAddress,
		"quic", cfg.QUICAddress,
		"data", cfg.DataPath,
		"context", cfg.ContextID,
		"verifyOnly", cfg.VerifyOnly,
	)
}
