package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"ScoreGate/internal/attest"
	"ScoreGate/internal/logger"
	"ScoreGate/internal/policy"
	"ScoreGate/internal/verify"
)

const (
	// alpnProtocol is the ALPN protocol identifier.
	alpnProtocol = "scoregate/1"

	// streamTimeout bounds a single presentation exchange.
	streamTimeout = 10 * time.Second
)

// Server is the QUIC presentation endpoint of the verifying trust domain.
// Clients submit encoded bundles; the server resolves the policy, runs
// bypass-aware verification and answers with a coded verdict.
type Server struct {
	listenAddr string        // listenAddr is the UDP address to listen on
	tlsConfig  *tls.Config   // tlsConfig carries the self-signed cert
	quicConfig *quic.Config  // quicConfig is the QUIC configuration
	gated      *verify.Gated // gated runs bypass-aware verification
	policies   *policy.Store // policies resolves (resource, key) to a policy

	listener *quic.Listener // listener is the QUIC listener

	ctx    context.Context    // ctx is the server's context
	cancel context.CancelFunc // cancel stops the accept loop
	wg     sync.WaitGroup     // wg waits for goroutines to finish
}

// NewServer creates a presentation server. The ed25519 key identifies the
// endpoint in its self-signed TLS certificate.
func NewServer(listenAddr string, identity ed25519.PrivateKey, gated *verify.Gated, policies *policy.Store) (*Server, error) {
	if identity == nil {
		return nil, fmt.Errorf("identity key is required")
	}

	cert, err := generateCertificate(identity)
	if err != nil {
		return nil, fmt.Errorf("generate certificate:\n%w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		listenAddr: listenAddr,
		tlsConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{alpnProtocol},
		},
		quicConfig: &quic.Config{
			MaxIdleTimeout:  30 * time.Second,
			KeepAlivePeriod: 10 * time.Second,
		},
		gated:    gated,
		policies: policies,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start begins accepting presentation connections.
func (s *Server) Start() error {
	listener, err := quic.ListenAddr(s.listenAddr, s.tlsConfig, s.quicConfig)
	if err != nil {
		return fmt.Errorf("listen:\n%w", err)
	}

	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop()

	logger.Info("presentation endpoint started", "addr", listener.Addr().String())

	return nil
}

// Addr returns the listener's address. Empty before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}

	return s.listener.Addr().String()
}

// Stop closes the listener and waits for in-flight exchanges.
func (s *Server) Stop() error {
	s.cancel()

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}

	s.wg.Wait()

	return err
}

// acceptLoop accepts connections until the server stops.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}

			logger.Warn("accept failed", "error", err)
			continue
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn serves presentation streams on one connection.
func (s *Server) handleConn(conn *quic.Conn) {
	defer s.wg.Done()

	for {
		stream, err := conn.AcceptStream(s.ctx)
		if err != nil {
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleStream(stream)
		}()
	}
}

// handleStream processes one presentation exchange.
func (s *Server) handleStream(stream *quic.Stream) {
	defer stream.Close()

	stream.SetDeadline(time.Now().Add(streamTimeout))

	frame, err := readMessage(stream)
	if err != nil {
		logger.Debug("bad presentation frame", "error", err)
		return
	}

	req, err := decodeRequest(frame)
	if err != nil {
		_ = writeMessage(stream, encodeVerdict(CodeDecodeError, err.Error()))
		return
	}

	verdict := s.process(req)
	detail := ""
	if verdict != nil {
		detail = verdict.Error()
	}

	_ = writeMessage(stream, encodeVerdict(codeForError(verdict), detail))
}

// process resolves the policy and runs bypass-aware verification.
func (s *Server) process(req presentRequest) error {
	p, err := s.policies.Get(req.Resource, req.PolicyKey)
	if err != nil {
		if errors.Is(err, attest.ErrNoPolicy) {
			return err
		}

		return fmt.Errorf("resolve policy:\n%w", err)
	}

	return s.gated.Verify(req.Beneficiary, req.Resource, req.PolicyKey, req.Bundle, p)
}
