// Package l2cap implements the basic-mode L2CAP signaling a Classic HID host
// needs to open, configure and close its control and interrupt channels.
//
// Mux is a pure state machine. It never touches the transport: every call
// returns the PDUs to transmit and the channel events that resulted, and the
// caller owns locking and delivery.
package l2cap

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/chaz8081/padlink/internal/hci"
)

// CID is a channel identifier local to one ACL link.
type CID uint16

// PSM selects the protocol on a new channel.
type PSM uint16

// Fixed channel identifiers.
const (
	CIDSignaling  CID = 0x0001
	CIDDynamicMin CID = 0x0040
	CIDDynamicMax CID = 0xFFFF
)

// HID PSMs.
const (
	PSMHIDControl   PSM = 0x0011
	PSMHIDInterrupt PSM = 0x0013
)

// DefaultMTU applies when a peer's configuration omits the MTU option.
const DefaultMTU = 672

// MinMTU is the smallest MTU a BR/EDR channel may use.
const MinMTU = 48

// Open status values reported in EventOpened besides the connection
// response results.
const (
	StatusRejected       uint16 = 0xFFFF
	StatusConfigRejected uint16 = 0xFFFE
)

var (
	// ErrPayloadTooLarge is returned when a payload exceeds the remote MTU.
	ErrPayloadTooLarge = errors.New("l2cap: payload exceeds remote MTU")
	// ErrQueueFull is returned when the controller has no free ACL buffers.
	ErrQueueFull = errors.New("l2cap: outgoing queue full")
	// ErrNoChannel is returned for an unknown channel identifier.
	ErrNoChannel = errors.New("l2cap: no such channel")
	// ErrNotAllowed is returned when the channel is not open.
	ErrNotAllowed = errors.New("l2cap: operation not allowed in channel state")
)

func (p PSM) String() string {
	switch p {
	case PSMHIDControl:
		return "HID-Control"
	case PSMHIDInterrupt:
		return "HID-Interrupt"
	}
	return fmt.Sprintf("0x%04X", uint16(p))
}

// Frame is a basic L2CAP frame: length, channel id, payload.
type Frame struct {
	CID     CID
	Payload []byte
}

// Marshal returns the frame with its 4-byte basic header.
func (f Frame) Marshal() []byte {
	b := make([]byte, 4+len(f.Payload))
	binary.LittleEndian.PutUint16(b, uint16(len(f.Payload)))
	binary.LittleEndian.PutUint16(b[2:], uint16(f.CID))
	copy(b[4:], f.Payload)
	return b
}

// ParseFrame decodes a complete basic L2CAP frame.
func ParseFrame(b []byte) (Frame, error) {
	if len(b) < 4 {
		return Frame{}, fmt.Errorf("l2cap: short frame (%d bytes)", len(b))
	}
	n := int(binary.LittleEndian.Uint16(b))
	if n != len(b)-4 {
		return Frame{}, fmt.Errorf("l2cap: frame length %d, have %d", n, len(b)-4)
	}
	return Frame{CID: CID(binary.LittleEndian.Uint16(b[2:])), Payload: b[4:]}, nil
}

// PDU is a frame ready for the ACL link identified by Handle.
type PDU struct {
	Handle uint16
	Data   []byte
}

// State is the lifecycle state of a channel.
type State int

const (
	StateClosed State = iota
	StateWaitConnectRsp
	StateWaitAccept
	StateConfig
	StateOpen
	StateWaitDisconnect
)

var stateNames = [...]string{"closed", "wait-connect-rsp", "wait-accept", "config", "open", "wait-disconnect"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Channel is one dynamic channel.
type Channel struct {
	Handle    uint16
	Addr      hci.Addr
	PSM       PSM
	LocalCID  CID
	RemoteCID CID
	RemoteMTU uint16
	State     State
	Outgoing  bool

	// reqIdent is the identifier of the peer's connection request,
	// needed to answer it after Accept.
	reqIdent         uint8
	localConfigured  bool
	remoteConfigured bool
}

// EventType says what happened to a channel.
type EventType int

const (
	EventIncoming EventType = iota + 1
	EventOpened
	EventClosed
	EventData
)

func (t EventType) String() string {
	switch t {
	case EventIncoming:
		return "incoming"
	case EventOpened:
		return "opened"
	case EventClosed:
		return "closed"
	case EventData:
		return "data"
	}
	return fmt.Sprintf("event(%d)", int(t))
}

// Event reports a channel lifecycle change or received data.
type Event struct {
	Type      EventType
	Handle    uint16
	Addr      hci.Addr
	CID       CID
	PSM       PSM
	Status    uint16
	RemoteMTU uint16
	Payload   []byte
}
