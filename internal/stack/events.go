package stack

import (
	"fmt"

	"github.com/chaz8081/padlink/internal/hci"
	"github.com/chaz8081/padlink/internal/host"
)

// handlePacket processes one packet read from the transport, indicator byte
// first.
func (s *Stack) handlePacket(b []byte) {
	if len(b) == 0 {
		return
	}
	s.mu.Lock()
	defer s.unlock()

	switch b[0] {
	case hci.PacketEvent:
		ev, err := hci.DecodeEvent(b[1:])
		if err != nil {
			s.log.Warn("[HCI] dropping event", "error", err)
			return
		}
		s.handleEvent(ev)
	case hci.PacketACL:
		p, err := hci.DecodeACL(b[1:])
		if err != nil {
			s.log.Warn("[HCI] dropping ACL packet", "error", err)
			return
		}
		s.handleACL(p)
	default:
		s.log.Debug("[HCI] ignoring packet", "indicator", b[0])
	}
}

func (s *Stack) handleEvent(ev hci.Event) {
	switch e := ev.(type) {
	case *hci.CommandComplete:
		s.onCommandComplete(e)
	case *hci.CommandStatus:
		s.cmdCredits = int(e.NumCommands)
		if e.Status != hci.StatusSuccess {
			s.log.Warn("[HCI] command failed", "op", e.Opcode, "status", e.Status)
			if e.Opcode == hci.OpInquiry {
				s.inquiring = false
			}
		}
		if e.Opcode != 0 {
			s.emit(host.CommandStatus{Status: e.Status, Opcode: e.Opcode})
		}
		s.flushCommands()

	case *hci.InquiryResult:
		for _, r := range e.Responses {
			s.emit(host.InquiryResult{Addr: r.Addr, Class: r.Class, RSSI: r.RSSI})
		}
	case *hci.InquiryComplete:
		s.inquiring = false
		s.emit(host.InquiryComplete{Status: e.Status})

	case *hci.ConnectionRequest:
		if e.LinkType != hci.LinkACL {
			s.log.Info("[HCI] rejecting non-ACL link", "addr", e.Addr, "link_type", e.LinkType)
			if err := s.command(hci.RejectConnectionRequest(e.Addr, hci.StatusRejectedLimitedRes)); err != nil {
				s.log.Error("[HCI] reject failed", "error", err)
			}
			return
		}
		s.emit(host.ConnectionRequest{Addr: e.Addr, Class: e.Class})
	case *hci.ConnectionComplete:
		if e.LinkType != hci.LinkACL {
			return
		}
		if e.Status == hci.StatusSuccess {
			s.conns[e.Handle] = &conn{handle: e.Handle, addr: e.Addr}
			s.log.Info("[HCI] link up", "addr", e.Addr, "handle", e.Handle)
		}
		s.emit(host.ConnectionComplete{Status: e.Status, Handle: e.Handle, Addr: e.Addr})
	case *hci.DisconnectionComplete:
		s.onDisconnectionComplete(e)

	case *hci.AuthenticationComplete:
		requested := s.authRequested[e.Handle]
		delete(s.authRequested, e.Handle)
		if e.Status == hci.StatusSuccess && requested {
			if err := s.command(hci.SetConnectionEncryption(e.Handle, true)); err != nil {
				s.log.Error("[HCI] enable encryption failed", "handle", e.Handle, "error", err)
			}
		}
		s.emit(host.AuthenticationComplete{Status: e.Status, Handle: e.Handle})
	case *hci.EncryptionChange:
		s.emit(host.EncryptionChange{Status: e.Status, Handle: e.Handle, Enabled: e.Enabled})

	case *hci.LinkKeyRequest:
		s.emit(host.LinkKeyRequest{Addr: e.Addr})
	case *hci.LinkKeyNotification:
		s.emit(host.LinkKeyNotification{Addr: e.Addr, Key: e.Key})
	case *hci.PINCodeRequest:
		s.emit(host.PINRequest{Addr: e.Addr})
	case *hci.IOCapabilityRequest:
		// Display yes/no with general bonding. MITM is not required, so a
		// pad without a display pairs with just-works.
		c := hci.IOCapabilityRequestReply(e.Addr, hci.IOCapabilityDisplayYesNo, 0, hci.AuthReqGeneralBonding)
		if err := s.command(c); err != nil {
			s.log.Error("[HCI] IO capability reply failed", "error", err)
		}
	case *hci.IOCapabilityResponse:
		s.log.Debug("[HCI] peer IO capability", "addr", e.Addr, "io", e.IOCapability, "auth_req", e.AuthReq)
	case *hci.UserConfirmationRequest:
		s.emit(host.UserConfirmationRequest{Addr: e.Addr, Value: e.Value})
	case *hci.UserPasskeyRequest:
		s.emit(host.PasskeyRequest{Addr: e.Addr})
	case *hci.SimplePairingComplete:
		s.log.Info("[HCI] simple pairing complete", "addr", e.Addr, "status", e.Status)

	case *hci.NumberOfCompletedPackets:
		s.onCompletedPackets(e)
	default:
		s.log.Debug("[HCI] unhandled event", "code", ev.Code())
	}
}

func (s *Stack) onCommandComplete(e *hci.CommandComplete) {
	s.cmdCredits = int(e.NumCommands)
	status := e.Status()
	if status != hci.StatusSuccess {
		s.log.Warn("[HCI] command failed", "op", e.Opcode, "status", status)
	}

	switch e.Opcode {
	case hci.OpReadBufferSize:
		s.setBufferSize(e.Return)
	case hci.OpInquiryCancel:
		if s.inquiring {
			s.inquiring = false
			s.emit(host.InquiryComplete{Status: hci.StatusSuccess})
		}
	}

	if len(s.initOps) > 0 && e.Opcode == s.initOps[0] {
		s.initOps = s.initOps[1:]
		if len(s.initOps) == 0 {
			s.ready = true
			s.log.Info("[HCI] controller ready", "acl_len", s.aclLength, "acl_packets", s.aclTotal)
			s.emit(host.StackReady{})
		}
	}
	s.flushCommands()
}

func (s *Stack) setBufferSize(ret []byte) {
	bs, err := hci.ParseBufferSize(ret)
	if err == nil && bs.Status != hci.StatusSuccess {
		err = fmt.Errorf("status %s", bs.Status)
	}
	if err != nil || bs.ACLDataLength == 0 || bs.ACLPackets == 0 {
		s.log.Warn("[HCI] read buffer size failed, using minimum", "error", err)
		bs.ACLDataLength = fallbackACLLength
		bs.ACLPackets = fallbackACLPackets
	}
	s.aclLength = int(bs.ACLDataLength)
	s.aclTotal = int(bs.ACLPackets)
	s.aclFree = s.aclTotal
}

func (s *Stack) onDisconnectionComplete(e *hci.DisconnectionComplete) {
	if e.Status != hci.StatusSuccess {
		s.log.Warn("[HCI] disconnect failed", "handle", e.Handle, "status", e.Status)
		return
	}
	c, ok := s.conns[e.Handle]
	if ok {
		s.aclFree = min(s.aclTotal, s.aclFree+c.inflight)
		delete(s.conns, e.Handle)
	}
	delete(s.authRequested, e.Handle)
	s.mux.DropHandle(e.Handle)
	s.dropQueued(e.Handle)
	s.log.Info("[HCI] link down", "handle", e.Handle, "reason", e.Reason)
	s.emit(host.DisconnectionComplete{Status: e.Status, Handle: e.Handle, Reason: e.Reason})
	s.drainACL()
}

func (s *Stack) onCompletedPackets(e *hci.NumberOfCompletedPackets) {
	for _, ent := range e.Entries {
		n := int(ent.Count)
		if c, ok := s.conns[ent.Handle]; ok {
			c.inflight = max(0, c.inflight-n)
		}
		s.aclFree = min(s.aclTotal, s.aclFree+n)
	}
	s.drainACL()
}
