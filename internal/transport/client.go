package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/quic-go/quic-go"

	"ScoreGate/internal/attest"
)

// Client presents bundles to a remote verification endpoint over QUIC.
type Client struct {
	conn *quic.Conn // conn is the QUIC connection to the endpoint
}

// Dial connects to a presentation endpoint. The endpoint's self-signed
// certificate is not chain-validated; trust in the verdict rests on the
// caller's choice of address.
func Dial(ctx context.Context, addr string) (*Client, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnProtocol},
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConfig, quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial:\n%w", err)
	}

	return &Client{conn: conn}, nil
}

// Present submits an encoded bundle for (beneficiary, resource, key) and
// returns the remote verdict: nil for acceptance, otherwise the same
// typed rejection the verifier raised.
func (c *Client) Present(ctx context.Context, beneficiary, resource attest.Address, key attest.PolicyKey, bundle []byte) error {
	frame, err := encodeRequest(presentRequest{
		Beneficiary: beneficiary,
		Resource:    resource,
		PolicyKey:   key,
		Bundle:      bundle,
	})
	if err != nil {
		return err
	}

	stream, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("open stream:\n%w", err)
	}
	defer stream.Close()

	if deadline, ok := ctx.Deadline(); ok {
		stream.SetDeadline(deadline)
	} else {
		stream.SetDeadline(time.Now().Add(streamTimeout))
	}

	if err := writeMessage(stream, frame); err != nil {
		return fmt.Errorf("write request:\n%w", err)
	}

	response, err := readMessage(stream)
	if err != nil {
		return fmt.Errorf("read verdict:\n%w", err)
	}

	code, detail, err := decodeVerdict(response)
	if err != nil {
		return err
	}

	return errorForCode(code, detail)
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.CloseWithError(0, "closed")
}
