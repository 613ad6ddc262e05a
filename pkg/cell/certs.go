package cell

import (
	"encoding/binary"
	"fmt"
)

// Certificate types carried in a CERTS cell (§6.3).
const (
	CertTypeTLSLink CertType = 1
	CertTypeID1024  CertType = 2
	CertTypeAuth1024 CertType = 3
)

// CertType identifies the kind of certificate carried in a CERTS cell entry.
type CertType byte

// CertEntry is one `{type, length, bytes}` entry of a CERTS cell.
type CertEntry struct {
	Type  CertType
	Bytes []byte
}

// EncodeCerts serializes a CERTS cell payload: n_certs (u8) followed by that
// many `{type: u8, len: u16 BE, bytes: [len]}` entries.
func EncodeCerts(entries []CertEntry) ([]byte, error) {
	if len(entries) > 0xFF {
		return nil, fmt.Errorf("too many certificate entries: %d", len(entries))
	}
	out := []byte{byte(len(entries))}
	for _, e := range entries {
		if len(e.Bytes) > 0xFFFF {
			return nil, fmt.Errorf("certificate entry too large: %d bytes", len(e.Bytes))
		}
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(e.Bytes)))
		out = append(out, byte(e.Type))
		out = append(out, lenBuf[:]...)
		out = append(out, e.Bytes...)
	}
	return out, nil
}

// DecodeCerts parses a CERTS cell payload into its entries. Any truncation
// (a declared entry length that runs past the end of the payload) is fatal,
// per §4.8.
func DecodeCerts(payload []byte) ([]CertEntry, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("CERTS payload too short: %d bytes", len(payload))
	}
	n := int(payload[0])
	pos := 1
	entries := make([]CertEntry, 0, n)
	for i := 0; i < n; i++ {
		if pos+3 > len(payload) {
			return nil, fmt.Errorf("CERTS payload truncated reading entry %d header", i)
		}
		typ := CertType(payload[pos])
		length := int(binary.BigEndian.Uint16(payload[pos+1 : pos+3]))
		pos += 3
		if pos+length > len(payload) {
			return nil, fmt.Errorf("CERTS payload truncated reading entry %d body (%d bytes)", i, length)
		}
		bytes := make([]byte, length)
		copy(bytes, payload[pos:pos+length])
		pos += length
		entries = append(entries, CertEntry{Type: typ, Bytes: bytes})
	}
	return entries, nil
}
