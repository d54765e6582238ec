// internal/hci/acl.go
package hci

import (
	"encoding/binary"
	"fmt"
)

// Packet boundary flags in the ACL header.
const (
	PBFirstNonFlushable uint8 = 0x00
	PBContinuing        uint8 = 0x01
	PBFirstFlushable    uint8 = 0x02
)

// aclHeaderLen is handle+flags (2) and data length (2).
const aclHeaderLen = 4

// ACLPacket is one ACL data packet as seen on the wire.
type ACLPacket struct {
	Handle uint16
	PB     uint8
	Data   []byte
}

// DecodeACL decodes an ACL packet without its indicator byte.
func DecodeACL(b []byte) (ACLPacket, error) {
	if len(b) < aclHeaderLen {
		return ACLPacket{}, fmt.Errorf("hci: short ACL packet (%d bytes)", len(b))
	}
	hf := binary.LittleEndian.Uint16(b)
	n := int(binary.LittleEndian.Uint16(b[2:]))
	if n != len(b)-aclHeaderLen {
		return ACLPacket{}, fmt.Errorf("hci: ACL length %d, have %d", n, len(b)-aclHeaderLen)
	}
	data := make([]byte, n)
	copy(data, b[aclHeaderLen:])
	return ACLPacket{
		Handle: hf & 0x0FFF,
		PB:     uint8(hf>>12) & 0x03,
		Data:   data,
	}, nil
}

// EncodeACL returns an ACL packet including the indicator byte.
func EncodeACL(handle uint16, pb uint8, data []byte) []byte {
	b := make([]byte, 1+aclHeaderLen+len(data))
	b[0] = PacketACL
	binary.LittleEndian.PutUint16(b[1:], handle&0x0FFF|uint16(pb&0x03)<<12)
	binary.LittleEndian.PutUint16(b[3:], uint16(len(data)))
	copy(b[5:], data)
	return b
}

// Fragment splits an L2CAP PDU into ACL packets of at most maxLen data bytes.
// The first carries PBFirstNonFlushable, the rest PBContinuing.
func Fragment(handle uint16, pdu []byte, maxLen int) [][]byte {
	if maxLen <= 0 || len(pdu) <= maxLen {
		return [][]byte{EncodeACL(handle, PBFirstNonFlushable, pdu)}
	}
	var out [][]byte
	pb := PBFirstNonFlushable
	for len(pdu) > 0 {
		n := min(maxLen, len(pdu))
		out = append(out, EncodeACL(handle, pb, pdu[:n]))
		pdu = pdu[n:]
		pb = PBContinuing
	}
	return out
}

// Reassembler rebuilds L2CAP PDUs from ACL fragments of one connection.
// The L2CAP basic header's length field tells when a PDU is complete.
type Reassembler struct {
	buf  []byte
	want int
}

// Push adds a fragment and returns a complete PDU when one is available.
func (r *Reassembler) Push(p ACLPacket) ([]byte, error) {
	switch p.PB {
	case PBFirstNonFlushable, PBFirstFlushable:
		// A new start abandons any partial PDU.
		r.Reset()
		if len(p.Data) < 4 {
			return nil, fmt.Errorf("hci: first ACL fragment too short (%d bytes)", len(p.Data))
		}
		r.want = 4 + int(binary.LittleEndian.Uint16(p.Data))
		r.buf = append(r.buf[:0], p.Data...)
	case PBContinuing:
		if r.want == 0 {
			return nil, fmt.Errorf("hci: continuing ACL fragment without start")
		}
		r.buf = append(r.buf, p.Data...)
	default:
		return nil, fmt.Errorf("hci: unsupported packet boundary 0x%X", p.PB)
	}

	if len(r.buf) < r.want {
		return nil, nil
	}
	if len(r.buf) > r.want {
		n := len(r.buf)
		r.Reset()
		return nil, fmt.Errorf("hci: ACL overrun, %d bytes for %d byte PDU", n, r.want)
	}
	pdu := make([]byte, len(r.buf))
	copy(pdu, r.buf)
	r.Reset()
	return pdu, nil
}

// Reset discards a partial PDU.
func (r *Reassembler) Reset() {
	r.buf = r.buf[:0]
	r.want = 0
}
