package l2cap

import (
	"encoding/binary"
	"fmt"
)

// Signaling command codes (BR/EDR, CID 0x0001).
const (
	codeCommandReject = 0x01
	codeConnReq       = 0x02
	codeConnRsp       = 0x03
	codeConfReq       = 0x04
	codeConfRsp       = 0x05
	codeDiscReq       = 0x06
	codeDiscRsp       = 0x07
	codeEchoReq       = 0x08
	codeEchoRsp       = 0x09
	codeInfoReq       = 0x0A
	codeInfoRsp       = 0x0B
)

// Connection response results.
const (
	ConnSuccess          uint16 = 0x0000
	ConnPending          uint16 = 0x0001
	ConnRefusedPSM       uint16 = 0x0002
	ConnRefusedSecurity  uint16 = 0x0003
	ConnRefusedResources uint16 = 0x0004
)

// Configuration response results.
const (
	confSuccess      uint16 = 0x0000
	confUnacceptable uint16 = 0x0001
	confRejected     uint16 = 0x0002
	confUnknown      uint16 = 0x0003
)

// Command reject reasons.
const (
	rejectNotUnderstood uint16 = 0x0000
	rejectInvalidCID    uint16 = 0x0002
)

// Configuration option types. Bit 7 marks a hint.
const (
	optMTU        = 0x01
	optFlushTO    = 0x02
	optQoS        = 0x03
	optRFC        = 0x04
	optFCS        = 0x05
	optEFS        = 0x06
	optExtWindow  = 0x07
	optHint       = 0x80
	modeBasic     = 0x00
	rfcOptionSize = 9
)

// Information request types.
const (
	infoConnectionlessMTU = 0x0001
	infoExtendedFeatures  = 0x0002
	infoFixedChannels     = 0x0003
)

// fixedChannelsMask advertises the signaling channel only.
const fixedChannelsMask = 0x02

// signal is one command inside a signaling C-frame.
type signal struct {
	code  uint8
	ident uint8
	data  []byte
}

func (s signal) marshal() []byte {
	b := make([]byte, 4+len(s.data))
	b[0] = s.code
	b[1] = s.ident
	binary.LittleEndian.PutUint16(b[2:], uint16(len(s.data)))
	copy(b[4:], s.data)
	return b
}

// parseSignals splits a signaling C-frame payload into its commands.
func parseSignals(b []byte) ([]signal, error) {
	var out []signal
	for len(b) > 0 {
		if len(b) < 4 {
			return out, fmt.Errorf("l2cap: truncated signaling header (%d bytes)", len(b))
		}
		n := int(binary.LittleEndian.Uint16(b[2:]))
		if len(b) < 4+n {
			return out, fmt.Errorf("l2cap: signal 0x%02X claims %d bytes, have %d", b[0], n, len(b)-4)
		}
		out = append(out, signal{code: b[0], ident: b[1], data: b[4 : 4+n]})
		b = b[4+n:]
	}
	return out, nil
}

func u16s(vals ...uint16) []byte {
	b := make([]byte, 2*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint16(b[2*i:], v)
	}
	return b
}

func connReq(ident uint8, psm PSM, scid CID) signal {
	return signal{codeConnReq, ident, u16s(uint16(psm), uint16(scid))}
}

func connRsp(ident uint8, dcid, scid CID, result, status uint16) signal {
	return signal{codeConnRsp, ident, u16s(uint16(dcid), uint16(scid), result, status)}
}

func confReq(ident uint8, dcid CID, mtu uint16) signal {
	data := u16s(uint16(dcid), 0)
	data = append(data, optMTU, 2)
	data = append(data, u16s(mtu)...)
	return signal{codeConfReq, ident, data}
}

func confRsp(ident uint8, scid CID, result uint16, options []byte) signal {
	data := u16s(uint16(scid), 0, result)
	data = append(data, options...)
	return signal{codeConfRsp, ident, data}
}

func discReq(ident uint8, dcid, scid CID) signal {
	return signal{codeDiscReq, ident, u16s(uint16(dcid), uint16(scid))}
}

func discRsp(ident uint8, dcid, scid CID) signal {
	return signal{codeDiscRsp, ident, u16s(uint16(dcid), uint16(scid))}
}

func commandReject(ident uint8, reason uint16, data ...uint16) signal {
	return signal{codeCommandReject, ident, u16s(append([]uint16{reason}, data...)...)}
}

func infoRsp(ident uint8, infoType uint16) signal {
	switch infoType {
	case infoExtendedFeatures:
		data := u16s(infoType, 0)
		return signal{codeInfoRsp, ident, append(data, 0, 0, 0, 0)}
	case infoFixedChannels:
		data := u16s(infoType, 0)
		mask := make([]byte, 8)
		mask[0] = fixedChannelsMask
		return signal{codeInfoRsp, ident, append(data, mask...)}
	default:
		// not supported
		return signal{codeInfoRsp, ident, u16s(infoType, 1)}
	}
}

// confOptions is what we extract from a peer's configuration request.
type confOptions struct {
	mtu       uint16
	hasMTU    bool
	badMode   bool
	unknown   []byte
	malformed bool
}

func parseConfOptions(b []byte) confOptions {
	var o confOptions
	for len(b) > 0 {
		if len(b) < 2 || len(b) < 2+int(b[1]) {
			o.malformed = true
			return o
		}
		typ, n := b[0], int(b[1])
		val := b[2 : 2+n]
		switch typ &^ optHint {
		case optMTU:
			if n == 2 {
				o.mtu = binary.LittleEndian.Uint16(val)
				o.hasMTU = true
			}
		case optRFC:
			if n >= 1 && val[0] != modeBasic {
				o.badMode = true
			}
		case optFlushTO, optQoS, optFCS, optEFS, optExtWindow:
		default:
			if typ&optHint == 0 {
				o.unknown = append(o.unknown, b[:2+n]...)
			}
		}
		b = b[2+n:]
	}
	return o
}

func basicModeOption() []byte {
	opt := make([]byte, 2+rfcOptionSize)
	opt[0] = optRFC
	opt[1] = rfcOptionSize
	opt[2] = modeBasic
	return opt
}

func mtuOption(mtu uint16) []byte {
	return append([]byte{optMTU, 2}, u16s(mtu)...)
}
