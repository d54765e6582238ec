package host

import (
	"github.com/chaz8081/padlink/internal/hci"
	"github.com/chaz8081/padlink/internal/l2cap"
)

// openControl starts the control channel unless one is already open or
// pending.
func (h *Host) openControl() {
	h.setState(StateOpeningControl)
	if h.sess.Channels.Has(l2cap.PSMHIDControl) {
		return
	}
	cid, err := h.chans.Create(h.sess.Peer, l2cap.PSMHIDControl)
	if err != nil {
		h.log.Error("[HOST] open control channel failed", "session", h.sess.ID, "error", err)
		return
	}
	h.log.Info("[HOST] opening control channel", "session", h.sess.ID, "cid", cid)
	h.sess.Channels.Control = cid
}

// openInterrupt starts the interrupt channel unless one is already open or
// pending.
func (h *Host) openInterrupt() {
	if h.sess.Channels.Has(l2cap.PSMHIDInterrupt) {
		return
	}
	cid, err := h.chans.Create(h.sess.Peer, l2cap.PSMHIDInterrupt)
	if err != nil {
		h.log.Error("[HOST] open interrupt channel failed", "session", h.sess.ID, "error", err)
		return
	}
	h.log.Info("[HOST] opening interrupt channel", "session", h.sess.ID, "cid", cid)
	h.sess.Channels.Interrupt = cid
}

func (h *Host) refuse(cid l2cap.CID) {
	if err := h.chans.Refuse(cid); err != nil {
		h.log.Error("[HOST] refuse channel failed", "cid", cid, "error", err)
	}
}

func (h *Host) onChannelIncoming(e ChannelIncoming) {
	if !h.sess.Linked || e.Addr != h.sess.Peer {
		h.log.Warn("[HOST] refusing channel from unknown peer", "addr", e.Addr, "psm", e.PSM)
		h.refuse(e.CID)
		return
	}
	if e.PSM != l2cap.PSMHIDControl && e.PSM != l2cap.PSMHIDInterrupt {
		h.log.Info("[HOST] refusing channel for unsupported PSM", "psm", e.PSM)
		h.refuse(e.CID)
		return
	}
	if h.sess.Channels.Has(e.PSM) {
		h.log.Info("[HOST] refusing duplicate channel", "session", h.sess.ID, "psm", e.PSM, "cid", e.CID)
		h.refuse(e.CID)
		return
	}

	if err := h.chans.Accept(e.CID); err != nil {
		h.log.Error("[HOST] accept channel failed", "psm", e.PSM, "cid", e.CID, "error", err)
		return
	}
	h.log.Info("[HOST] accepted channel", "session", h.sess.ID, "psm", e.PSM, "cid", e.CID)
	if e.PSM == l2cap.PSMHIDControl {
		h.sess.Channels.Control = e.CID
		if h.sess.State < StateOpeningControl {
			h.setState(StateOpeningControl)
		}
		return
	}
	h.sess.Channels.Interrupt = e.CID
}

func (h *Host) onChannelOpened(e ChannelOpened) {
	ch := &h.sess.Channels
	isControl := e.CID != 0 && e.CID == ch.Control
	isInterrupt := e.CID != 0 && e.CID == ch.Interrupt
	if !isControl && !isInterrupt {
		h.log.Debug("[HOST] open event for untracked channel", "cid", e.CID, "psm", e.PSM)
		return
	}

	if e.Status != 0 {
		h.log.Warn("[HOST] channel open failed", "session", h.sess.ID, "psm", e.PSM, "cid", e.CID, "status", e.Status)
		if isControl {
			ch.Control = 0
		} else {
			ch.Interrupt = 0
		}
		return
	}

	if e.RemoteMTU != 0 && int(e.RemoteMTU) < FrameSize {
		h.log.Warn("[HOST] remote MTU below output frame size", "psm", e.PSM, "mtu", e.RemoteMTU)
	}

	if isControl {
		if ch.ControlOpen {
			return
		}
		ch.ControlOpen = true
		h.log.Info("[HOST] control channel open", "session", h.sess.ID, "cid", e.CID)
		if !ch.InterruptOpen {
			h.setState(StateOpeningInterrupt)
			h.openInterrupt()
			return
		}
		h.becomeReady()
		return
	}

	if ch.InterruptOpen {
		return
	}
	ch.InterruptOpen = true
	h.log.Info("[HOST] interrupt channel open", "session", h.sess.ID, "cid", e.CID)
	if ch.ControlOpen {
		h.becomeReady()
	}
}

func (h *Host) becomeReady() {
	h.setState(StateReady)
	h.log.Info("[HOST] gamepad ready", "session", h.sess.ID, "addr", h.sess.Peer, "initiator", h.sess.initiator())
	h.metrics.SessionReady()
	h.peerSignaled = true
	h.dev.PeerReady(h.sess.Peer)
}

func (h *Host) onChannelClosed(e ChannelClosed) {
	ch := &h.sess.Channels
	matched := false
	if e.CID != 0 && e.CID == ch.Control {
		ch.Control = 0
		ch.ControlOpen = false
		matched = true
	}
	if e.CID != 0 && e.CID == ch.Interrupt {
		ch.Interrupt = 0
		ch.InterruptOpen = false
		matched = true
	}
	if !matched {
		return
	}
	h.log.Info("[HOST] channel closed", "session", h.sess.ID, "psm", e.PSM, "cid", e.CID)

	if !h.sess.Linked || h.sess.State == StateDisconnecting {
		return
	}
	h.tx.reset()
	h.setState(StateDisconnecting)
	if err := h.radio.Disconnect(h.sess.Handle); err != nil {
		h.log.Error("[HOST] disconnect failed, resetting session", "handle", h.sess.Handle, "error", err)
		h.onDisconnectionComplete(DisconnectionComplete{Handle: h.sess.Handle, Reason: hci.StatusLocalHostTerminated})
	}
}
