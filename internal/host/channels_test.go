package host

import (
	"errors"
	"fmt"
	"testing"

	"github.com/chaz8081/padlink/internal/hci"
	"github.com/chaz8081/padlink/internal/l2cap"
)

func TestOutboundChannelsOpenInOrder(t *testing.T) {
	th := newTestHost(t, true)
	th.Dispatch(StackReady{})
	th.connect(t)

	if n := th.chans.createdCount(l2cap.PSMHIDControl); n != 1 {
		t.Fatalf("control created %d times, want 1", n)
	}
	if n := th.chans.createdCount(l2cap.PSMHIDInterrupt); n != 0 {
		t.Fatalf("interrupt created before control opened")
	}

	th.Dispatch(ChannelOpened{CID: th.chans.cid(l2cap.PSMHIDControl), PSM: l2cap.PSMHIDControl, Addr: padAddr, RemoteMTU: 672})
	if th.State() != StateOpeningInterrupt {
		t.Errorf("State() = %s, want %s", th.State(), StateOpeningInterrupt)
	}
	if n := th.chans.createdCount(l2cap.PSMHIDInterrupt); n != 1 {
		t.Fatalf("interrupt created %d times, want 1", n)
	}

	th.Dispatch(ChannelOpened{CID: th.chans.cid(l2cap.PSMHIDInterrupt), PSM: l2cap.PSMHIDInterrupt, Addr: padAddr, RemoteMTU: 672})
	if th.State() != StateReady {
		t.Errorf("State() = %s, want %s", th.State(), StateReady)
	}
	if len(th.dev.ready) != 1 || th.dev.ready[0] != padAddr {
		t.Errorf("PeerReady calls = %v, want [%s]", th.dev.ready, padAddr)
	}
}

func TestDuplicateControlOpenIsIdempotent(t *testing.T) {
	th := newTestHost(t, true)
	th.Dispatch(StackReady{})
	th.connect(t)

	ctrl := th.chans.cid(l2cap.PSMHIDControl)
	opened := ChannelOpened{CID: ctrl, PSM: l2cap.PSMHIDControl, Addr: padAddr, RemoteMTU: 672}
	th.Dispatch(opened)
	th.Dispatch(opened)

	if n := th.chans.createdCount(l2cap.PSMHIDInterrupt); n != 1 {
		t.Errorf("interrupt created %d times, want 1", n)
	}
	if th.State() != StateOpeningInterrupt {
		t.Errorf("State() = %s, want %s", th.State(), StateOpeningInterrupt)
	}

	// a repeated encryption change does not reopen control either
	th.Dispatch(EncryptionChange{Status: hci.StatusSuccess, Handle: padHandle, Enabled: true})
	if n := th.chans.createdCount(l2cap.PSMHIDControl); n != 1 {
		t.Errorf("control created %d times, want 1", n)
	}
}

func TestInboundChannelsFromPad(t *testing.T) {
	th := newTestHost(t, true)
	th.Dispatch(StackReady{})
	th.Dispatch(ConnectionRequest{Addr: padAddr, Class: padClass})
	th.Dispatch(ConnectionComplete{Status: hci.StatusSuccess, Handle: padHandle, Addr: padAddr})

	const ctrl, intr = l2cap.CID(0x70), l2cap.CID(0x71)
	th.Dispatch(ChannelIncoming{Addr: padAddr, CID: ctrl, PSM: l2cap.PSMHIDControl})
	if len(th.chans.accepted) != 1 || th.chans.accepted[0] != ctrl {
		t.Fatalf("accepted = %v, want [%d]", th.chans.accepted, ctrl)
	}
	if th.State() != StateOpeningControl {
		t.Errorf("State() = %s, want %s", th.State(), StateOpeningControl)
	}

	th.Dispatch(AuthenticationComplete{Status: hci.StatusSuccess, Handle: padHandle})
	th.Dispatch(EncryptionChange{Status: hci.StatusSuccess, Handle: padHandle, Enabled: true})
	if n := th.chans.createdCount(l2cap.PSMHIDControl); n != 0 {
		t.Errorf("control created %d times alongside the pad's, want 0", n)
	}

	th.Dispatch(ChannelIncoming{Addr: padAddr, CID: intr, PSM: l2cap.PSMHIDInterrupt})
	th.Dispatch(ChannelOpened{CID: ctrl, PSM: l2cap.PSMHIDControl, Addr: padAddr, RemoteMTU: 672})
	if n := th.chans.createdCount(l2cap.PSMHIDInterrupt); n != 0 {
		t.Errorf("interrupt created %d times alongside the pad's, want 0", n)
	}
	th.Dispatch(ChannelOpened{CID: intr, PSM: l2cap.PSMHIDInterrupt, Addr: padAddr, RemoteMTU: 672})
	if th.State() != StateReady {
		t.Errorf("State() = %s, want %s", th.State(), StateReady)
	}
}

func TestInboundChannelRefused(t *testing.T) {
	tests := []struct {
		name string
		ev   ChannelIncoming
	}{
		{"unknown peer", ChannelIncoming{Addr: phoneAddr, CID: 0x70, PSM: l2cap.PSMHIDControl}},
		{"unsupported psm", ChannelIncoming{Addr: padAddr, CID: 0x70, PSM: 0x0001}},
		{"duplicate control", ChannelIncoming{Addr: padAddr, CID: 0x70, PSM: l2cap.PSMHIDControl}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := newTestHost(t, true)
			th.Dispatch(StackReady{})
			th.connect(t)
			th.Dispatch(tt.ev)

			if len(th.chans.refused) != 1 || th.chans.refused[0] != tt.ev.CID {
				t.Errorf("refused = %v, want [%d]", th.chans.refused, tt.ev.CID)
			}
			if len(th.chans.accepted) != 0 {
				t.Errorf("accepted = %v, want none", th.chans.accepted)
			}
		})
	}
}

func TestChannelOpenFailure(t *testing.T) {
	th := newTestHost(t, true)
	th.Dispatch(StackReady{})
	th.connect(t)

	ctrl := th.chans.cid(l2cap.PSMHIDControl)
	th.Dispatch(ChannelOpened{Status: l2cap.StatusRejected, CID: ctrl, PSM: l2cap.PSMHIDControl, Addr: padAddr})

	if th.sess.Channels.Has(l2cap.PSMHIDControl) {
		t.Error("failed control channel still tracked")
	}
	if n := th.chans.createdCount(l2cap.PSMHIDControl); n != 1 {
		t.Errorf("control created %d times, want 1 (no retry)", n)
	}
	if n := th.chans.createdCount(l2cap.PSMHIDInterrupt); n != 0 {
		t.Errorf("interrupt created %d times after control failed", n)
	}
}

func TestUntrackedChannelOpenIgnored(t *testing.T) {
	th := newTestHost(t, true)
	th.Dispatch(StackReady{})
	th.connect(t)
	th.Dispatch(ChannelOpened{CID: 0x99, PSM: l2cap.PSMHIDControl, Addr: padAddr})

	if th.State() != StateOpeningControl {
		t.Errorf("State() = %s, want %s", th.State(), StateOpeningControl)
	}
}

func TestChannelCloseDropsLink(t *testing.T) {
	th := newTestHost(t, true)
	th.ready(t)
	th.radio.reset()

	intr := th.chans.cid(l2cap.PSMHIDInterrupt)
	th.Dispatch(ChannelClosed{CID: intr, PSM: l2cap.PSMHIDInterrupt})
	if th.State() != StateDisconnecting {
		t.Fatalf("State() = %s, want %s", th.State(), StateDisconnecting)
	}
	if n := th.radio.count(fmt.Sprintf("Disconnect(%d)", padHandle)); n != 1 {
		t.Fatalf("Disconnect called %d times, want 1", n)
	}

	// the control channel closing too does not disconnect twice
	th.Dispatch(ChannelClosed{CID: th.chans.cid(l2cap.PSMHIDControl), PSM: l2cap.PSMHIDControl})
	if n := th.radio.count(fmt.Sprintf("Disconnect(%d)", padHandle)); n != 1 {
		t.Errorf("Disconnect called %d times, want 1", n)
	}

	th.Dispatch(DisconnectionComplete{Handle: padHandle, Reason: hci.StatusLocalHostTerminated})
	if th.State() != StateDiscovering {
		t.Errorf("State() = %s, want %s", th.State(), StateDiscovering)
	}
	if th.dev.lost != 1 {
		t.Errorf("PeerLost called %d times, want 1", th.dev.lost)
	}
}

func TestChannelCloseDisconnectError(t *testing.T) {
	th := newTestHost(t, true)
	th.ready(t)
	th.radio.disconnectErr = errors.New("controller gone")

	th.Dispatch(ChannelClosed{CID: th.chans.cid(l2cap.PSMHIDControl), PSM: l2cap.PSMHIDControl})
	if th.State() != StateDiscovering {
		t.Errorf("State() = %s, want %s", th.State(), StateDiscovering)
	}
	if th.sess.Linked {
		t.Error("session still linked after failed disconnect")
	}
}

func TestUntrackedChannelCloseIgnored(t *testing.T) {
	th := newTestHost(t, true)
	th.ready(t)
	th.Dispatch(ChannelClosed{CID: 0x99, PSM: l2cap.PSMHIDControl})
	if th.State() != StateReady {
		t.Errorf("State() = %s, want %s", th.State(), StateReady)
	}
}
