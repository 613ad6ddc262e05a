package cell

import (
	"encoding/binary"
	"fmt"
)

// V3AuthBodyLen is the length, in bytes, of the fixed authenticator portion
// of an AUTHENTICATE cell body for AuthMethodRSASHA256TLSSecret (§6.5):
// TYPE(8) + CID(32) + SID(32) + SLOG(32) + CLOG(32) + SCERT(32) + TLSSECRETS(32) + RAND(24).
const V3AuthBodyLen = 8 + 32*6 + 24

// Authenticate is the parsed body of an AUTHENTICATE cell.
type Authenticate struct {
	Type uint16
	Body []byte
}

// EncodeAuthenticate serializes an AUTHENTICATE cell payload: type(2) + len(2) + body.
func EncodeAuthenticate(a *Authenticate) ([]byte, error) {
	if len(a.Body) > 0xFFFF {
		return nil, fmt.Errorf("AUTHENTICATE body too large: %d bytes", len(a.Body))
	}
	out := make([]byte, 4+len(a.Body))
	binary.BigEndian.PutUint16(out[0:2], a.Type)
	binary.BigEndian.PutUint16(out[2:4], uint16(len(a.Body)))
	copy(out[4:], a.Body)
	return out, nil
}

// DecodeAuthenticate parses an AUTHENTICATE cell payload. The header
// `{type, len}` must describe a body bounded by the cell (§4.8).
func DecodeAuthenticate(payload []byte) (*Authenticate, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("AUTHENTICATE payload too short: %d bytes", len(payload))
	}
	a := &Authenticate{
		Type: binary.BigEndian.Uint16(payload[0:2]),
	}
	length := int(binary.BigEndian.Uint16(payload[2:4]))
	if 4+length > len(payload) {
		return nil, fmt.Errorf("AUTHENTICATE body overruns cell: declared %d, have %d", length, len(payload)-4)
	}
	a.Body = make([]byte, length)
	copy(a.Body, payload[4:4+length])
	return a, nil
}
