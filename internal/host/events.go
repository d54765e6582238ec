package host

import (
	"github.com/chaz8081/padlink/internal/hci"
	"github.com/chaz8081/padlink/internal/l2cap"
)

// Event is anything the dispatcher routes. Link events come from the
// radio, channel events from the channel layer.
type Event interface {
	event()
}

// Link events.
type (
	StackReady struct{}

	InquiryResult struct {
		Addr  hci.Addr
		Class hci.ClassOfDevice
		RSSI  int8
	}

	InquiryComplete struct {
		Status hci.Status
	}

	ConnectionRequest struct {
		Addr  hci.Addr
		Class hci.ClassOfDevice
	}

	ConnectionComplete struct {
		Status hci.Status
		Handle uint16
		Addr   hci.Addr
	}

	LinkKeyRequest struct {
		Addr hci.Addr
	}

	LinkKeyNotification struct {
		Addr hci.Addr
		Key  hci.LinkKey
	}

	UserConfirmationRequest struct {
		Addr  hci.Addr
		Value uint32
	}

	PasskeyRequest struct {
		Addr hci.Addr
	}

	PINRequest struct {
		Addr hci.Addr
	}

	EncryptionChange struct {
		Status  hci.Status
		Handle  uint16
		Enabled bool
	}

	DisconnectionComplete struct {
		Status hci.Status
		Handle uint16
		Reason hci.Status
	}

	CommandStatus struct {
		Status hci.Status
		Opcode hci.Opcode
	}

	AuthenticationComplete struct {
		Status hci.Status
		Handle uint16
	}
)

// Channel events.
type (
	ChannelIncoming struct {
		Addr hci.Addr
		CID  l2cap.CID
		PSM  l2cap.PSM
	}

	// ChannelOpened reports the outcome of Create or Accept. Status is
	// zero on success.
	ChannelOpened struct {
		Status    uint16
		Addr      hci.Addr
		CID       l2cap.CID
		PSM       l2cap.PSM
		RemoteMTU uint16
	}

	ChannelClosed struct {
		CID l2cap.CID
		PSM l2cap.PSM
	}

	ChannelData struct {
		CID     l2cap.CID
		PSM     l2cap.PSM
		Payload []byte
	}

	CanSendNow struct {
		CID l2cap.CID
	}
)

// Internal requests, posted by the host itself.
type (
	outputRequest struct {
		report []byte
	}

	rescanDue struct {
		gen uint64
	}
)

func (StackReady) event()              {}
func (InquiryResult) event()           {}
func (InquiryComplete) event()         {}
func (ConnectionRequest) event()       {}
func (ConnectionComplete) event()      {}
func (LinkKeyRequest) event()          {}
func (LinkKeyNotification) event()     {}
func (UserConfirmationRequest) event() {}
func (PasskeyRequest) event()          {}
func (PINRequest) event()              {}
func (EncryptionChange) event()        {}
func (DisconnectionComplete) event()   {}
func (CommandStatus) event()           {}
func (AuthenticationComplete) event()  {}
func (ChannelIncoming) event()         {}
func (ChannelOpened) event()           {}
func (ChannelClosed) event()           {}
func (ChannelData) event()             {}
func (CanSendNow) event()              {}
func (outputRequest) event()           {}
func (rescanDue) event()               {}
