// Package wire implements the framed, acknowledged message format shared by
// the relay and its endpoints.
//
// Every frame starts with a fixed-width ASCII decimal header giving the byte
// length of the body. Frames travelling from a peer to the relay additionally
// carry the shared password immediately after the header; relay-origin frames
// and local control-plane frames do not. The body is a CBOR envelope holding
// a monotonic stamp, a command tag, an optional destination map and an opaque
// payload. The engine never looks inside payloads.
package wire

import (
	"crypto/subtle"
	"fmt"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Command tags carried in envelopes. HELLO, OBJ, NTF and ACK travel over the
// relay link; TEST, STOP and STATUS only appear on the local control plane.
const (
	CmdHello  = "HELLO"
	CmdObj    = "OBJ"
	CmdNtf    = "NTF"
	CmdAck    = "ACK"
	CmdTest   = "TEST"
	CmdStop   = "STOP"
	CmdStatus = "STATUS"
)

// DefaultHeaderSize is the width of the length header when none is configured.
// Both ends of a link must agree on it.
const DefaultHeaderSize = 10

// Envelope is the decoded body of a frame. Dest is only meaningful in the
// peer-to-relay direction and is omitted from relay-origin frames. ACK frames
// carry the stamp being acknowledged and nothing else.
type Envelope struct {
	Stamp   uint64         `cbor:"1,keyasint"`
	Cmd     string         `cbor:"2,keyasint"`
	Dest    map[string]int `cbor:"3,keyasint,omitempty"`
	Payload []byte         `cbor:"4,keyasint,omitempty"`
}

// Config fixes the frame layout for one direction of a link. A non-empty
// Password means frames carry (writer side) or must present (reader side) the
// password field. MaxBody bounds the accepted body length; zero means the
// reader only rejects lengths that do not fit the header.
type Config struct {
	HeaderSize int
	Password   string
	MaxBody    int
}

func (c Config) headerSize() int {
	if c.HeaderSize <= 0 {
		return DefaultHeaderSize
	}
	return c.HeaderSize
}

// Encode produces the raw bytes of one frame: header, password field if
// configured, then the CBOR-encoded envelope.
func (c Config) Encode(env Envelope) ([]byte, error) {
	body, err := cbor.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	h := c.headerSize()
	header := fmt.Sprintf("%-*d", h, len(body))
	if len(header) > h {
		return nil, fmt.Errorf("%w: body of %d bytes does not fit a %d-byte header", ErrBodyTooLarge, len(body), h)
	}
	buf := make([]byte, 0, h+len(c.Password)+len(body))
	buf = append(buf, header...)
	buf = append(buf, c.Password...)
	buf = append(buf, body...)
	return buf, nil
}

// parseHeader decodes the fixed-width length header. The width is padded with
// trailing spaces, matching what Encode emits.
func (c Config) parseHeader(header []byte) (int, error) {
	s := strings.TrimRight(string(header), " ")
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q", ErrBadHeader, string(header))
	}
	if c.MaxBody > 0 && n > c.MaxBody {
		return 0, fmt.Errorf("%w: %d bytes (limit %d)", ErrBodyTooLarge, n, c.MaxBody)
	}
	return n, nil
}

// checkPassword compares a received password field in constant time.
func (c Config) checkPassword(field []byte) error {
	if subtle.ConstantTimeCompare(field, []byte(c.Password)) != 1 {
		return ErrBadPassword
	}
	return nil
}

// Decode parses a CBOR envelope body.
func Decode(body []byte) (Envelope, error) {
	var env Envelope
	if err := cbor.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	return env, nil
}

// EncodeGroups encodes a HELLO group list as an envelope payload.
func EncodeGroups(groups []string) ([]byte, error) {
	return cbor.Marshal(groups)
}

// DecodeGroups decodes a HELLO group list payload.
func DecodeGroups(payload []byte) ([]string, error) {
	var groups []string
	if err := cbor.Unmarshal(payload, &groups); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	return groups, nil
}
