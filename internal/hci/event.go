package hci

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// EventCode identifies an HCI event.
type EventCode uint8

// Event codes.
const (
	EvtInquiryComplete          EventCode = 0x01
	EvtInquiryResult            EventCode = 0x02
	EvtConnectionComplete       EventCode = 0x03
	EvtConnectionRequest        EventCode = 0x04
	EvtDisconnectionComplete    EventCode = 0x05
	EvtAuthenticationComplete   EventCode = 0x06
	EvtEncryptionChange         EventCode = 0x08
	EvtCommandComplete          EventCode = 0x0E
	EvtCommandStatus            EventCode = 0x0F
	EvtNumberOfCompletedPackets EventCode = 0x13
	EvtPINCodeRequest           EventCode = 0x16
	EvtLinkKeyRequest           EventCode = 0x17
	EvtLinkKeyNotification      EventCode = 0x18
	EvtInquiryResultWithRSSI    EventCode = 0x22
	EvtExtendedInquiryResult    EventCode = 0x2F
	EvtIOCapabilityRequest      EventCode = 0x31
	EvtIOCapabilityResponse     EventCode = 0x32
	EvtUserConfirmationRequest  EventCode = 0x33
	EvtUserPasskeyRequest       EventCode = 0x34
	EvtSimplePairingComplete    EventCode = 0x36
)

// Link types in connection events.
const (
	LinkSCO  uint8 = 0x00
	LinkACL  uint8 = 0x01
	LinkESCO uint8 = 0x02
)

// ErrMalformed is returned for events whose length does not match their code.
var ErrMalformed = errors.New("hci: malformed event")

// Event is a decoded HCI event.
type Event interface {
	Code() EventCode
}

type InquiryComplete struct {
	Status Status
}

// InquiryResponse is one device reported by any of the inquiry result events.
type InquiryResponse struct {
	Addr                   Addr
	PageScanRepetitionMode uint8
	Class                  ClassOfDevice
	ClockOffset            uint16
	RSSI                   int8
	HasRSSI                bool
}

// InquiryResult covers the standard, with-RSSI and extended variants.
type InquiryResult struct {
	Variant   EventCode
	Responses []InquiryResponse
}

type ConnectionComplete struct {
	Status     Status
	Handle     uint16
	Addr       Addr
	LinkType   uint8
	Encryption bool
}

type ConnectionRequest struct {
	Addr     Addr
	Class    ClassOfDevice
	LinkType uint8
}

type DisconnectionComplete struct {
	Status Status
	Handle uint16
	Reason Status
}

type AuthenticationComplete struct {
	Status Status
	Handle uint16
}

type EncryptionChange struct {
	Status  Status
	Handle  uint16
	Enabled bool
}

type CommandComplete struct {
	NumCommands uint8
	Opcode      Opcode
	Return      []byte
}

// Status returns the first return parameter, which is the status for every
// command this package issues.
func (e *CommandComplete) Status() Status {
	if len(e.Return) == 0 {
		return StatusSuccess
	}
	return Status(e.Return[0])
}

type CommandStatus struct {
	Status      Status
	NumCommands uint8
	Opcode      Opcode
}

// CompletedPackets is one entry of Number Of Completed Packets.
type CompletedPackets struct {
	Handle uint16
	Count  uint16
}

type NumberOfCompletedPackets struct {
	Entries []CompletedPackets
}

type PINCodeRequest struct {
	Addr Addr
}

type LinkKeyRequest struct {
	Addr Addr
}

type LinkKeyNotification struct {
	Addr    Addr
	Key     LinkKey
	KeyType uint8
}

type IOCapabilityRequest struct {
	Addr Addr
}

type IOCapabilityResponse struct {
	Addr         Addr
	IOCapability uint8
	OOBPresent   uint8
	AuthReq      uint8
}

type UserConfirmationRequest struct {
	Addr  Addr
	Value uint32
}

type UserPasskeyRequest struct {
	Addr Addr
}

type SimplePairingComplete struct {
	Status Status
	Addr   Addr
}

// UnknownEvent carries an event this package does not decode.
type UnknownEvent struct {
	EventCode EventCode
	Params    []byte
}

func (*InquiryComplete) Code() EventCode          { return EvtInquiryComplete }
func (e *InquiryResult) Code() EventCode          { return e.Variant }
func (*ConnectionComplete) Code() EventCode       { return EvtConnectionComplete }
func (*ConnectionRequest) Code() EventCode        { return EvtConnectionRequest }
func (*DisconnectionComplete) Code() EventCode    { return EvtDisconnectionComplete }
func (*AuthenticationComplete) Code() EventCode   { return EvtAuthenticationComplete }
func (*EncryptionChange) Code() EventCode         { return EvtEncryptionChange }
func (*CommandComplete) Code() EventCode          { return EvtCommandComplete }
func (*CommandStatus) Code() EventCode            { return EvtCommandStatus }
func (*NumberOfCompletedPackets) Code() EventCode { return EvtNumberOfCompletedPackets }
func (*PINCodeRequest) Code() EventCode           { return EvtPINCodeRequest }
func (*LinkKeyRequest) Code() EventCode           { return EvtLinkKeyRequest }
func (*LinkKeyNotification) Code() EventCode      { return EvtLinkKeyNotification }
func (*IOCapabilityRequest) Code() EventCode      { return EvtIOCapabilityRequest }
func (*IOCapabilityResponse) Code() EventCode     { return EvtIOCapabilityResponse }
func (*UserConfirmationRequest) Code() EventCode  { return EvtUserConfirmationRequest }
func (*UserPasskeyRequest) Code() EventCode       { return EvtUserPasskeyRequest }
func (*SimplePairingComplete) Code() EventCode    { return EvtSimplePairingComplete }
func (e *UnknownEvent) Code() EventCode           { return e.EventCode }

// DecodeEvent decodes an event packet without its indicator byte:
// code, parameter length, parameters.
func DecodeEvent(b []byte) (Event, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("%w: % X", ErrMalformed, b)
	}
	code, plen := EventCode(b[0]), int(b[1])
	p := b[2:]
	if plen != len(p) {
		return nil, fmt.Errorf("%w: code 0x%02X length %d, have %d", ErrMalformed, code, plen, len(p))
	}

	need := func(n int) error {
		if len(p) < n {
			return fmt.Errorf("%w: code 0x%02X needs %d bytes, have %d", ErrMalformed, code, n, len(p))
		}
		return nil
	}

	switch code {
	case EvtInquiryComplete:
		if err := need(1); err != nil {
			return nil, err
		}
		return &InquiryComplete{Status: Status(p[0])}, nil

	case EvtInquiryResult, EvtInquiryResultWithRSSI, EvtExtendedInquiryResult:
		return decodeInquiryResult(code, p)

	case EvtConnectionComplete:
		if err := need(11); err != nil {
			return nil, err
		}
		return &ConnectionComplete{
			Status:     Status(p[0]),
			Handle:     handle(p[1:]),
			Addr:       addr(p[3:]),
			LinkType:   p[9],
			Encryption: p[10] != 0,
		}, nil

	case EvtConnectionRequest:
		if err := need(10); err != nil {
			return nil, err
		}
		return &ConnectionRequest{
			Addr:     addr(p),
			Class:    class(p[6:]),
			LinkType: p[9],
		}, nil

	case EvtDisconnectionComplete:
		if err := need(4); err != nil {
			return nil, err
		}
		return &DisconnectionComplete{Status: Status(p[0]), Handle: handle(p[1:]), Reason: Status(p[3])}, nil

	case EvtAuthenticationComplete:
		if err := need(3); err != nil {
			return nil, err
		}
		return &AuthenticationComplete{Status: Status(p[0]), Handle: handle(p[1:])}, nil

	case EvtEncryptionChange:
		if err := need(4); err != nil {
			return nil, err
		}
		return &EncryptionChange{Status: Status(p[0]), Handle: handle(p[1:]), Enabled: p[3] != 0}, nil

	case EvtCommandComplete:
		if err := need(3); err != nil {
			return nil, err
		}
		ret := make([]byte, len(p)-3)
		copy(ret, p[3:])
		return &CommandComplete{
			NumCommands: p[0],
			Opcode:      Opcode(binary.LittleEndian.Uint16(p[1:])),
			Return:      ret,
		}, nil

	case EvtCommandStatus:
		if err := need(4); err != nil {
			return nil, err
		}
		return &CommandStatus{
			Status:      Status(p[0]),
			NumCommands: p[1],
			Opcode:      Opcode(binary.LittleEndian.Uint16(p[2:])),
		}, nil

	case EvtNumberOfCompletedPackets:
		if err := need(1); err != nil {
			return nil, err
		}
		n := int(p[0])
		if err := need(1 + 4*n); err != nil {
			return nil, err
		}
		e := &NumberOfCompletedPackets{Entries: make([]CompletedPackets, n)}
		for i := range n {
			off := 1 + 4*i
			e.Entries[i] = CompletedPackets{
				Handle: handle(p[off:]),
				Count:  binary.LittleEndian.Uint16(p[off+2:]),
			}
		}
		return e, nil

	case EvtPINCodeRequest:
		if err := need(6); err != nil {
			return nil, err
		}
		return &PINCodeRequest{Addr: addr(p)}, nil

	case EvtLinkKeyRequest:
		if err := need(6); err != nil {
			return nil, err
		}
		return &LinkKeyRequest{Addr: addr(p)}, nil

	case EvtLinkKeyNotification:
		if err := need(23); err != nil {
			return nil, err
		}
		e := &LinkKeyNotification{Addr: addr(p), KeyType: p[22]}
		copy(e.Key[:], p[6:22])
		return e, nil

	case EvtIOCapabilityRequest:
		if err := need(6); err != nil {
			return nil, err
		}
		return &IOCapabilityRequest{Addr: addr(p)}, nil

	case EvtIOCapabilityResponse:
		if err := need(9); err != nil {
			return nil, err
		}
		return &IOCapabilityResponse{Addr: addr(p), IOCapability: p[6], OOBPresent: p[7], AuthReq: p[8]}, nil

	case EvtUserConfirmationRequest:
		if err := need(10); err != nil {
			return nil, err
		}
		return &UserConfirmationRequest{Addr: addr(p), Value: binary.LittleEndian.Uint32(p[6:])}, nil

	case EvtUserPasskeyRequest:
		if err := need(6); err != nil {
			return nil, err
		}
		return &UserPasskeyRequest{Addr: addr(p)}, nil

	case EvtSimplePairingComplete:
		if err := need(7); err != nil {
			return nil, err
		}
		return &SimplePairingComplete{Status: Status(p[0]), Addr: addr(p[1:])}, nil
	}

	params := make([]byte, len(p))
	copy(params, p)
	return &UnknownEvent{EventCode: code, Params: params}, nil
}

// decodeInquiryResult handles all three result layouts. Each response is a
// 14-byte row; the extended variant carries one row followed by EIR data.
//
//	standard:  addr(6) psrm(1) reserved(2) class(3) clock(2)
//	with RSSI: addr(6) psrm(1) reserved(1) class(3) clock(2) rssi(1)
func decodeInquiryResult(code EventCode, p []byte) (Event, error) {
	if len(p) < 1 {
		return nil, fmt.Errorf("%w: empty inquiry result", ErrMalformed)
	}
	n := int(p[0])
	const row = 14
	if code == EvtExtendedInquiryResult && n > 1 {
		n = 1
	}
	if len(p) < 1+row*n {
		return nil, fmt.Errorf("%w: inquiry result with %d responses has %d bytes", ErrMalformed, n, len(p))
	}

	e := &InquiryResult{Variant: code, Responses: make([]InquiryResponse, n)}
	for i := range n {
		r := p[1+row*i:]
		resp := InquiryResponse{
			Addr:                   addr(r),
			PageScanRepetitionMode: r[6],
		}
		if code == EvtInquiryResult {
			resp.Class = class(r[9:])
			resp.ClockOffset = binary.LittleEndian.Uint16(r[12:]) & 0x7FFF
		} else {
			resp.Class = class(r[8:])
			resp.ClockOffset = binary.LittleEndian.Uint16(r[11:]) & 0x7FFF
			resp.RSSI = int8(r[13])
			resp.HasRSSI = true
		}
		e.Responses[i] = resp
	}
	return e, nil
}

func handle(b []byte) uint16 {
	return binary.LittleEndian.Uint16(b) & 0x0FFF
}

func addr(b []byte) Addr {
	var a Addr
	copy(a[:], b[:6])
	return a
}

func class(b []byte) ClassOfDevice {
	return ClassOfDevice(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16)
}
