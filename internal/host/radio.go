package host

import (
	"github.com/chaz8081/padlink/internal/hci"
	"github.com/chaz8081/padlink/internal/l2cap"
)

// Radio is the link-layer stack the host drives. Every method issues a
// command and returns at once; results arrive later as events.
type Radio interface {
	// PowerOn brings the controller up. StackReady follows.
	PowerOn() error
	// StartInquiry runs a general inquiry for length * 1.28 s.
	StartInquiry(length uint8) error
	// StopInquiry cancels a running inquiry. InquiryComplete follows.
	StopInquiry() error
	SetDiscoverable(on bool) error
	SetConnectable(on bool) error
	// CreateConnection pages addr. ConnectionComplete follows.
	CreateConnection(addr hci.Addr) error
	AcceptConnection(addr hci.Addr) error
	RejectConnection(addr hci.Addr, reason hci.Status) error
	// Disconnect drops the link. DisconnectionComplete follows.
	Disconnect(handle uint16) error
	// RequestAuthentication asks for the baseline security level.
	RequestAuthentication(handle uint16) error
	LinkKeyReply(addr hci.Addr, key hci.LinkKey) error
	LinkKeyNegativeReply(addr hci.Addr) error
	ConfirmUser(addr hci.Addr) error
	PasskeyReply(addr hci.Addr, passkey uint32) error
	PINReply(addr hci.Addr, pin string) error
}

// Channels is the logical-channel layer on top of the link.
//
// Send returns nil, l2cap.ErrPayloadTooLarge, l2cap.ErrQueueFull,
// l2cap.ErrNoChannel or l2cap.ErrNotAllowed.
type Channels interface {
	// Create opens a channel to psm on the link to addr. ChannelOpened
	// follows with the same CID.
	Create(addr hci.Addr, psm l2cap.PSM) (l2cap.CID, error)
	Accept(cid l2cap.CID) error
	Refuse(cid l2cap.CID) error
	Close(cid l2cap.CID) error
	Send(cid l2cap.CID, payload []byte) error
	// RequestCanSendNow asks for one CanSendNow event once the channel can
	// take another payload.
	RequestCanSendNow(cid l2cap.CID) error
}

// Device is the report abstraction fed by the transport. Buffers are owned
// by the device; the host writes into them from the dispatch goroutine and
// then signals how many bytes are valid.
type Device interface {
	InputBuffer() []byte
	InputReady(n int)
	FeatureBuffer() []byte
	FeatureReady(n int)
	PeerReady(addr hci.Addr)
	PeerLost()
}
