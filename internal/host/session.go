package host

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/chaz8081/padlink/internal/hci"
	"github.com/chaz8081/padlink/internal/l2cap"
)

// State is the connection state of the single session.
type State int32

const (
	StateIdle State = iota
	StateDiscovering
	StateAwaitingAuthReply
	StateAuthenticating
	StateEncrypting
	StateOpeningControl
	StateOpeningInterrupt
	StateReady
	StateDisconnecting
)

var stateNames = [...]string{
	"idle",
	"discovering",
	"awaiting-auth-reply",
	"authenticating",
	"encrypting",
	"opening-control",
	"opening-interrupt",
	"ready",
	"disconnecting",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// ChannelSet tracks the two HID channels. A non-zero CID with the open flag
// clear is a channel still being set up.
type ChannelSet struct {
	Control       l2cap.CID
	Interrupt     l2cap.CID
	ControlOpen   bool
	InterruptOpen bool
}

// Has reports whether a channel for psm is open or pending.
func (c ChannelSet) Has(psm l2cap.PSM) bool {
	switch psm {
	case l2cap.PSMHIDControl:
		return c.Control != 0
	case l2cap.PSMHIDInterrupt:
		return c.Interrupt != 0
	}
	return false
}

// Session is the per-peer context. Everything in it returns to its zero
// value on disconnection.
type Session struct {
	ID       uuid.UUID
	State    State
	Channels ChannelSet

	Peer   hci.Addr
	Handle uint16

	Linked      bool
	Connecting  bool
	Inquiring   bool
	DeviceFound bool
	WeInitiated bool
	KeyUsed     bool
}

func (s *Session) reset() {
	*s = Session{}
}

func (s *Session) initiator() string {
	if s.WeInitiated {
		return "local"
	}
	return "remote"
}
