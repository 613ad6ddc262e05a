package cell

import (
	"encoding/binary"
	"fmt"
)

// Address types used in NETINFO address records (§6.6).
const (
	NetAddrTypeIPv4 byte = 4
	NetAddrTypeIPv6 byte = 6
)

// NetAddr is one `{type, len, bytes}` address record.
type NetAddr struct {
	Type  byte
	Bytes []byte
}

// Netinfo is the parsed body of a NETINFO cell.
type Netinfo struct {
	Timestamp uint32
	MyAddr    NetAddr
	OtherAddr []NetAddr
}

func encodeNetAddr(a NetAddr) []byte {
	out := make([]byte, 2+len(a.Bytes))
	out[0] = a.Type
	out[1] = byte(len(a.Bytes))
	copy(out[2:], a.Bytes)
	return out
}

func decodeNetAddr(payload []byte, pos int) (NetAddr, int, error) {
	if pos+2 > len(payload) {
		return NetAddr{}, pos, fmt.Errorf("NETINFO address header truncated")
	}
	typ := payload[pos]
	length := int(payload[pos+1])
	pos += 2
	if pos+length > len(payload) {
		return NetAddr{}, pos, fmt.Errorf("NETINFO address body truncated: declared %d bytes", length)
	}
	bytes := make([]byte, length)
	copy(bytes, payload[pos:pos+length])
	pos += length
	return NetAddr{Type: typ, Bytes: bytes}, pos, nil
}

// EncodeNetinfo serializes a NETINFO cell payload (§6.6).
func EncodeNetinfo(ni *Netinfo) ([]byte, error) {
	if len(ni.OtherAddr) > 0xFF {
		return nil, fmt.Errorf("too many other addresses: %d", len(ni.OtherAddr))
	}
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, ni.Timestamp)
	out = append(out, encodeNetAddr(ni.MyAddr)...)
	out = append(out, byte(len(ni.OtherAddr)))
	for _, a := range ni.OtherAddr {
		out = append(out, encodeNetAddr(a)...)
	}
	return out, nil
}

// DecodeNetinfo parses a NETINFO cell payload. Any overrun closes the
// connection per §4.8.
func DecodeNetinfo(payload []byte) (*Netinfo, error) {
	if len(payload) < 4+2 {
		return nil, fmt.Errorf("NETINFO payload too short: %d bytes", len(payload))
	}
	ni := &Netinfo{
		Timestamp: binary.BigEndian.Uint32(payload[0:4]),
	}
	pos := 4
	myAddr, pos, err := decodeNetAddr(payload, pos)
	if err != nil {
		return nil, fmt.Errorf("decode my_addr: %w", err)
	}
	ni.MyAddr = myAddr

	if pos >= len(payload) {
		return nil, fmt.Errorf("NETINFO payload truncated before n_other")
	}
	nOther := int(payload[pos])
	pos++
	ni.OtherAddr = make([]NetAddr, 0, nOther)
	for i := 0; i < nOther; i++ {
		var addr NetAddr
		addr, pos, err = decodeNetAddr(payload, pos)
		if err != nil {
			return nil, fmt.Errorf("decode other_addr[%d]: %w", i, err)
		}
		ni.OtherAddr = append(ni.OtherAddr, addr)
	}
	return ni, nil
}
