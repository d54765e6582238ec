package host

import (
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/padlink/internal/bond"
	"github.com/chaz8081/padlink/internal/hci"
)

// backoffDelay returns the rescan delay for attempt n, capped at maxSeconds.
func backoffDelay(attempt int, maxSeconds int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	max := time.Duration(maxSeconds) * time.Second
	if delay > max {
		return max
	}
	return delay
}

func (h *Host) isGamepad(c hci.ClassOfDevice) bool {
	return c.Matches(h.opts.ClassMask, h.opts.ClassValue)
}

func (h *Host) onStackReady() {
	h.log.Info("[HOST] stack ready")
	h.enterDiscovery()
}

// loadBond reads the store, treating a storage failure as no bond.
func (h *Host) loadBond() (bond.Record, bool) {
	rec, ok, err := h.store.Load()
	if err != nil {
		h.log.Error("[HOST] bond load failed, continuing unbonded", "error", err)
		return bond.Record{}, false
	}
	return rec, ok
}

// enterDiscovery makes the Idle -> Discovering decision: wait passively for
// a bonded peer, or inquire for a new one.
func (h *Host) enterDiscovery() {
	rec, bonded := h.loadBond()
	h.setState(StateDiscovering)

	if err := h.radio.SetConnectable(true); err != nil {
		h.log.Error("[HOST] set connectable failed", "error", err)
	}
	if err := h.radio.SetDiscoverable(true); err != nil {
		h.log.Error("[HOST] set discoverable failed", "error", err)
	}

	if bonded {
		h.log.Info("[HOST] bonded peer on record, waiting for it to connect", "addr", rec.Addr)
		return
	}
	h.log.Info("[HOST] no bonded peer, starting inquiry")
	h.startInquiry()
}

func (h *Host) startInquiry() {
	if h.sess.Inquiring {
		return
	}
	if err := h.radio.StartInquiry(h.opts.InquiryLength); err != nil {
		h.log.Error("[HOST] start inquiry failed", "error", err)
		h.scheduleRescan()
		return
	}
	h.sess.Inquiring = true
}

func (h *Host) scheduleRescan() {
	h.stopRescan()
	delay := backoffDelay(h.rescanAttempt, h.opts.RescanMax)
	h.rescanAttempt++
	gen := h.rescanGen
	h.log.Info("[HOST] no gamepad found, rescanning", "attempt", h.rescanAttempt, "delay", delay)
	h.rescanTimer = h.clock.AfterFunc(delay, func() {
		h.Post(rescanDue{gen: gen})
	})
}

// stopRescan cancels the timer and invalidates a rescanDue already queued.
func (h *Host) stopRescan() {
	h.rescanGen++
	if h.rescanTimer != nil {
		h.rescanTimer.Stop()
		h.rescanTimer = nil
	}
}

func (h *Host) onRescanDue(e rescanDue) {
	if e.gen != h.rescanGen {
		return
	}
	h.rescanTimer = nil
	if h.sess.State != StateDiscovering || h.sess.Linked || h.sess.Connecting {
		return
	}
	h.startInquiry()
}

func (h *Host) onInquiryResult(e InquiryResult) {
	if h.sess.State != StateDiscovering || h.sess.DeviceFound || h.sess.Linked || h.sess.Connecting {
		return
	}
	if !h.isGamepad(e.Class) {
		h.log.Debug("[HOST] ignoring device", "addr", e.Addr, "class", e.Class, "rssi", e.RSSI)
		return
	}
	h.log.Info("[HOST] gamepad found", "addr", e.Addr, "class", e.Class, "rssi", e.RSSI)
	h.sess.DeviceFound = true
	h.sess.Peer = e.Addr
	if err := h.radio.StopInquiry(); err != nil {
		h.log.Error("[HOST] stop inquiry failed", "error", err)
	}
}

func (h *Host) onInquiryComplete(e InquiryComplete) {
	h.sess.Inquiring = false
	if e.Status != hci.StatusSuccess {
		h.log.Warn("[HOST] inquiry ended with error", "status", e.Status)
	}
	if h.sess.State != StateDiscovering || h.sess.Linked || h.sess.Connecting {
		return
	}
	if !h.sess.DeviceFound {
		h.scheduleRescan()
		return
	}

	h.log.Info("[HOST] connecting", "addr", h.sess.Peer)
	h.sess.Connecting = true
	h.sess.WeInitiated = true
	if err := h.radio.CreateConnection(h.sess.Peer); err != nil {
		h.log.Error("[HOST] create connection failed", "addr", h.sess.Peer, "error", err)
		h.sess.Connecting = false
		h.sess.DeviceFound = false
		h.sess.WeInitiated = false
		h.scheduleRescan()
	}
}

func (h *Host) onConnectionRequest(e ConnectionRequest) {
	if h.sess.Linked || h.sess.Connecting {
		h.log.Info("[HOST] rejecting connection, busy", "addr", e.Addr)
		h.reject(e.Addr, hci.StatusRejectedLimitedRes)
		return
	}
	if !h.isGamepad(e.Class) {
		h.log.Info("[HOST] rejecting connection from non-gamepad", "addr", e.Addr, "class", e.Class)
		h.reject(e.Addr, hci.StatusRejectedBadAddr)
		return
	}

	h.log.Info("[HOST] accepting connection", "addr", e.Addr, "class", e.Class)
	if h.sess.Inquiring {
		if err := h.radio.StopInquiry(); err != nil {
			h.log.Error("[HOST] stop inquiry failed", "error", err)
		}
	}
	h.stopRescan()
	h.sess.Connecting = true
	h.sess.WeInitiated = false
	h.sess.Peer = e.Addr
	if err := h.radio.AcceptConnection(e.Addr); err != nil {
		h.log.Error("[HOST] accept connection failed", "addr", e.Addr, "error", err)
		h.sess.Connecting = false
	}
}

func (h *Host) reject(addr hci.Addr, reason hci.Status) {
	if err := h.radio.RejectConnection(addr, reason); err != nil {
		h.log.Error("[HOST] reject connection failed", "addr", addr, "error", err)
	}
}

func (h *Host) onConnectionComplete(e ConnectionComplete) {
	if h.sess.Linked {
		if e.Status == hci.StatusSuccess && e.Handle != h.sess.Handle {
			h.log.Warn("[HOST] dropping second link", "addr", e.Addr, "handle", e.Handle)
			if err := h.radio.Disconnect(e.Handle); err != nil {
				h.log.Error("[HOST] disconnect failed", "handle", e.Handle, "error", err)
			}
		}
		return
	}

	if e.Status != hci.StatusSuccess {
		h.log.Warn("[HOST] connection failed", "addr", e.Addr, "status", e.Status)
		h.sess.Connecting = false
		h.sess.DeviceFound = false
		h.sess.WeInitiated = false
		h.enterDiscovery()
		return
	}

	h.stopRescan()
	h.rescanAttempt = 0
	h.sess.ID = uuid.New()
	h.sess.Linked = true
	h.sess.Connecting = false
	h.sess.Handle = e.Handle
	h.sess.Peer = e.Addr
	h.log.Info("[HOST] connected", "session", h.sess.ID, "addr", e.Addr, "handle", e.Handle, "initiator", h.sess.initiator())

	h.setState(StateAwaitingAuthReply)
	if err := h.radio.RequestAuthentication(e.Handle); err != nil {
		h.log.Error("[HOST] request authentication failed", "session", h.sess.ID, "error", err)
	}
}

// authenticating marks the security exchange as under way.
func (h *Host) authenticating(addr hci.Addr) {
	if h.sess.Linked && addr == h.sess.Peer && h.sess.State == StateAwaitingAuthReply {
		h.setState(StateAuthenticating)
	}
}

func (h *Host) onLinkKeyRequest(e LinkKeyRequest) {
	h.authenticating(e.Addr)

	rec, ok := h.loadBond()
	if ok && rec.Addr == e.Addr {
		h.log.Info("[HOST] using stored link key", "session", h.sess.ID, "addr", e.Addr)
		h.sess.KeyUsed = true
		if err := h.radio.LinkKeyReply(e.Addr, rec.Key); err != nil {
			h.log.Error("[HOST] link key reply failed", "error", err)
		}
		return
	}

	h.log.Info("[HOST] no link key, peer must pair", "session", h.sess.ID, "addr", e.Addr)
	h.sess.KeyUsed = false
	if err := h.radio.LinkKeyNegativeReply(e.Addr); err != nil {
		h.log.Error("[HOST] link key negative reply failed", "error", err)
	}
}

func (h *Host) onLinkKeyNotification(e LinkKeyNotification) {
	if e.Key.IsZero() {
		h.log.Warn("[HOST] discarding all-zero link key", "addr", e.Addr)
		return
	}
	if err := h.store.Save(e.Addr, e.Key); err != nil {
		h.log.Error("[HOST] bond save failed", "addr", e.Addr, "error", err)
		return
	}
	h.log.Info("[HOST] bonded", "session", h.sess.ID, "addr", e.Addr)
}

func (h *Host) onUserConfirmation(e UserConfirmationRequest) {
	h.authenticating(e.Addr)
	h.log.Info("[HOST] confirming pairing", "addr", e.Addr, "value", e.Value)
	if err := h.radio.ConfirmUser(e.Addr); err != nil {
		h.log.Error("[HOST] user confirmation reply failed", "error", err)
	}
}

func (h *Host) onPasskeyRequest(e PasskeyRequest) {
	h.authenticating(e.Addr)
	if err := h.radio.PasskeyReply(e.Addr, h.opts.Passkey); err != nil {
		h.log.Error("[HOST] passkey reply failed", "error", err)
	}
}

func (h *Host) onPINRequest(e PINRequest) {
	h.authenticating(e.Addr)
	h.log.Info("[HOST] answering PIN request", "addr", e.Addr)
	if err := h.radio.PINReply(e.Addr, h.opts.PIN); err != nil {
		h.log.Error("[HOST] PIN reply failed", "error", err)
	}
}

func (h *Host) onAuthenticationComplete(e AuthenticationComplete) {
	if h.sess.Linked && e.Handle != h.sess.Handle {
		return
	}
	if e.Status != hci.StatusSuccess {
		h.log.Warn("[HOST] authentication failed", "session", h.sess.ID, "status", e.Status, "key_used", h.sess.KeyUsed)
		if h.sess.KeyUsed {
			h.log.Warn("[HOST] stored key rejected, clearing bond", "addr", h.sess.Peer)
			if err := h.store.Clear(); err != nil {
				h.log.Error("[HOST] bond clear failed", "error", err)
			}
			n := h.authFailures.Add(1)
			h.metrics.AuthFailure(n)
		}
		return
	}

	h.log.Info("[HOST] authenticated", "session", h.sess.ID)
	h.authFailures.Store(0)
	h.metrics.AuthSucceeded()
	if h.sess.Linked && h.sess.State < StateEncrypting {
		h.setState(StateEncrypting)
	}
}

func (h *Host) onEncryptionChange(e EncryptionChange) {
	if !h.sess.Linked || e.Handle != h.sess.Handle {
		return
	}
	if e.Status != hci.StatusSuccess {
		h.log.Warn("[HOST] encryption failed", "session", h.sess.ID, "status", e.Status)
		return
	}
	if !e.Enabled {
		h.log.Warn("[HOST] encryption turned off", "session", h.sess.ID)
		return
	}
	if h.sess.State >= StateOpeningControl {
		// key refresh on an established session
		return
	}
	h.log.Info("[HOST] link encrypted", "session", h.sess.ID)
	h.setState(StateEncrypting)
	h.openControl()
}

func (h *Host) onDisconnectionComplete(e DisconnectionComplete) {
	if h.sess.Linked && e.Handle != h.sess.Handle {
		return
	}
	if !h.sess.Linked && !h.sess.Connecting && h.sess.State == StateDiscovering {
		return
	}
	h.log.Info("[HOST] disconnected", "session", h.sess.ID, "addr", h.sess.Peer, "reason", e.Reason)
	h.resetSession()
	h.enterDiscovery()
}

// resetSession returns the session, channel set and output slot to their
// initial values.
func (h *Host) resetSession() {
	h.stopRescan()
	h.sess.reset()
	h.tx.reset()
	h.state.Store(int32(StateIdle))
	h.metrics.SetState(int(StateIdle))
	if h.peerSignaled {
		h.peerSignaled = false
		h.dev.PeerLost()
	}
}

func (h *Host) onCommandStatus(e CommandStatus) {
	if e.Status == hci.StatusSuccess {
		return
	}
	h.log.Warn("[HOST] command failed", "opcode", e.Opcode, "status", e.Status)

	switch e.Opcode {
	case hci.OpCreateConnection, hci.OpAcceptConnectionRequest:
		if h.sess.Linked || !h.sess.Connecting {
			return
		}
		h.sess.Connecting = false
		h.sess.DeviceFound = false
		h.sess.WeInitiated = false
		h.enterDiscovery()
	case hci.OpInquiry:
		h.sess.Inquiring = false
		if h.sess.State == StateDiscovering && !h.sess.Linked && !h.sess.Connecting {
			h.scheduleRescan()
		}
	}
}
