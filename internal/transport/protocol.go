package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"ScoreGate/internal/attest"
)

const (
	// maxMessageSize is the maximum allowed frame size.
	maxMessageSize = 1 << 16

	// lengthPrefixSize is the size of the frame length prefix in bytes.
	lengthPrefixSize = 4
)

// Verdict codes returned by the presentation endpoint. Code 0 is
// acceptance; every rejection reason has its own code so remote callers
// keep the typed-error contract across the wire.
const (
	CodeAccepted          uint8 = 0
	CodeDecodeError       uint8 = 1
	CodeKeyMismatch       uint8 = 2
	CodeSignatureInvalid  uint8 = 3
	CodePolicyExpired     uint8 = 4
	CodeContextMismatch   uint8 = 5
	CodeScoreInsufficient uint8 = 6
	CodeBypassPending     uint8 = 7
	CodeNoPolicy          uint8 = 8
	CodeInternal          uint8 = 9
)

// presentRequestSize is the fixed size of a presentation request:
// beneficiary[32] + resource[32] + policyKey[32] + bundle[BundleSize].
const presentRequestSize = 96 + attest.BundleSize

// presentRequest is one bundle presentation.
type presentRequest struct {
	Beneficiary attest.Address   // Beneficiary is the party seeking access
	Resource    attest.Address   // Resource is the protected resource
	PolicyKey   attest.PolicyKey // PolicyKey selects the policy to check
	Bundle      []byte           // Bundle is the encoded signed claim
}

// encodeRequest serializes a presentation request.
func encodeRequest(r presentRequest) ([]byte, error) {
	if len(r.Bundle) != attest.BundleSize {
		return nil, fmt.Errorf("bundle must be %d bytes, got %d", attest.BundleSize, len(r.Bundle))
	}

	buf := make([]byte, 0, presentRequestSize)
	buf = append(buf, r.Beneficiary[:]...)
	buf = append(buf, r.Resource[:]...)
	buf = append(buf, r.PolicyKey[:]...)
	buf = append(buf, r.Bundle...)

	return buf, nil
}

// decodeRequest deserializes a presentation request.
func decodeRequest(data []byte) (presentRequest, error) {
	if len(data) != presentRequestSize {
		return presentRequest{}, fmt.Errorf("bad request size: got %d, want %d", len(data), presentRequestSize)
	}

	var r presentRequest
	copy(r.Beneficiary[:], data[0:32])
	copy(r.Resource[:], data[32:64])
	copy(r.PolicyKey[:], data[64:96])
	r.Bundle = append([]byte{}, data[96:]...)

	return r, nil
}

// encodeVerdict serializes a verdict code and detail message.
func encodeVerdict(code uint8, detail string) []byte {
	buf := make([]byte, 0, 1+len(detail))
	buf = append(buf, code)
	buf = append(buf, detail...)
	return buf
}

// decodeVerdict deserializes a verdict frame.
func decodeVerdict(data []byte) (uint8, string, error) {
	if len(data) < 1 {
		return 0, "", fmt.Errorf("empty verdict frame")
	}

	return data[0], string(data[1:]), nil
}

// codeForError maps a verification error to its wire code.
func codeForError(err error) uint8 {
	switch {
	case err == nil:
		return CodeAccepted
	case errors.Is(err, attest.ErrDecode):
		return CodeDecodeError
	case errors.Is(err, attest.ErrKeyMismatch):
		return CodeKeyMismatch
	case errors.Is(err, attest.ErrSignatureInvalid):
		return CodeSignatureInvalid
	case errors.Is(err, attest.ErrPolicyExpired):
		return CodePolicyExpired
	case errors.Is(err, attest.ErrContextMismatch):
		return CodeContextMismatch
	case errors.Is(err, attest.ErrScoreInsufficient):
		return CodeScoreInsufficient
	case errors.Is(err, attest.ErrBypassNotYetActive):
		return CodeBypassPending
	case errors.Is(err, attest.ErrNoPolicy):
		return CodeNoPolicy
	default:
		return CodeInternal
	}
}

// errorForCode maps a wire code back to the sentinel error, or nil for
// acceptance.
func errorForCode(code uint8, detail string) error {
	var base error

	switch code {
	case CodeAccepted:
		return nil
	case CodeDecodeError:
		base = attest.ErrDecode
	case CodeKeyMismatch:
		base = attest.ErrKeyMismatch
	case CodeSignatureInvalid:
		base = attest.ErrSignatureInvalid
	case CodePolicyExpired:
		base = attest.ErrPolicyExpired
	case CodeContextMismatch:
		base = attest.ErrContextMismatch
	case CodeScoreInsufficient:
		base = attest.ErrScoreInsufficient
	case CodeBypassPending:
		base = attest.ErrBypassNotYetActive
	case CodeNoPolicy:
		base = attest.ErrNoPolicy
	default:
		return fmt.Errorf("verifier internal error: %s", detail)
	}

	if detail == "" {
		return base
	}

	return fmt.Errorf("%w: %s", base, detail)
}

// writeMessage writes a length-prefixed frame.
// Format: [4 bytes big-endian length] [payload]
func writeMessage(w io.Writer, data []byte) error {
	if len(data) > maxMessageSize {
		return fmt.Errorf("message too large: %d > %d", len(data), maxMessageSize)
	}

	var lengthBuf [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(lengthBuf[:], uint32(len(data)))

	if _, err := w.Write(lengthBuf[:]); err != nil {
		return fmt.Errorf("write length: %w", err)
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}

	return nil
}

// readMessage reads a length-prefixed frame.
func readMessage(r io.Reader) ([]byte, error) {
	var lengthBuf [lengthPrefixSize]byte

	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, fmt.Errorf("read length: %w", err)
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])

	if length > maxMessageSize {
		return nil, fmt.Errorf("message too large: %d > %d", length, maxMessageSize)
	}

	data := make([]byte, length)

	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}

	return data, nil
}
