package cell

import (
	"encoding/binary"
	"fmt"
)

// OR_AUTH_CHALLENGE_LEN is the length, in bytes, of the random challenge
// carried in an AUTH_CHALLENGE cell (§6.4).
const OR_AUTH_CHALLENGE_LEN = 32

// Authentication method codes offered in AUTH_CHALLENGE.
const (
	AuthMethodRSASHA256TLSSecret uint16 = 1
)

// AuthChallenge is the parsed body of an AUTH_CHALLENGE cell.
type AuthChallenge struct {
	Challenge [OR_AUTH_CHALLENGE_LEN]byte
	Methods   []uint16
}

// EncodeAuthChallenge serializes an AUTH_CHALLENGE cell payload.
func EncodeAuthChallenge(ac *AuthChallenge) []byte {
	out := make([]byte, 0, OR_AUTH_CHALLENGE_LEN+2+2*len(ac.Methods))
	out = append(out, ac.Challenge[:]...)
	var nBuf [2]byte
	binary.BigEndian.PutUint16(nBuf[:], uint16(len(ac.Methods)))
	out = append(out, nBuf[:]...)
	for _, m := range ac.Methods {
		var mBuf [2]byte
		binary.BigEndian.PutUint16(mBuf[:], m)
		out = append(out, mBuf[:]...)
	}
	return out
}

// DecodeAuthChallenge parses an AUTH_CHALLENGE cell payload. The minimum
// valid length is OR_AUTH_CHALLENGE_LEN+2 (challenge plus a zero-length
// method list), per §4.8.
func DecodeAuthChallenge(payload []byte) (*AuthChallenge, error) {
	if len(payload) < OR_AUTH_CHALLENGE_LEN+2 {
		return nil, fmt.Errorf("AUTH_CHALLENGE payload too short: %d bytes", len(payload))
	}
	ac := &AuthChallenge{}
	copy(ac.Challenge[:], payload[:OR_AUTH_CHALLENGE_LEN])
	pos := OR_AUTH_CHALLENGE_LEN
	nMethods := int(binary.BigEndian.Uint16(payload[pos : pos+2]))
	pos += 2
	if pos+nMethods*2 > len(payload) {
		return nil, fmt.Errorf("AUTH_CHALLENGE payload truncated: expected %d methods", nMethods)
	}
	ac.Methods = make([]uint16, nMethods)
	for i := 0; i < nMethods; i++ {
		ac.Methods[i] = binary.BigEndian.Uint16(payload[pos : pos+2])
		pos += 2
	}
	return ac, nil
}

// Offers reports whether the given method code is present in the methods list.
func (ac *AuthChallenge) Offers(method uint16) bool {
	for _, m := range ac.Methods {
		if m == method {
			return true
		}
	}
	return false
}
