package stack

import (
	"fmt"
	"slices"

	"github.com/chaz8081/padlink/internal/hci"
	"github.com/chaz8081/padlink/internal/host"
	"github.com/chaz8081/padlink/internal/l2cap"
)

type queuedACL struct {
	handle uint16
	pkt    []byte
}

func (s *Stack) handleACL(p hci.ACLPacket) {
	c, ok := s.conns[p.Handle]
	if !ok {
		s.log.Debug("[HCI] ACL data for unknown handle", "handle", p.Handle)
		return
	}
	pdu, err := c.rx.Push(p)
	if err != nil {
		s.log.Warn("[HCI] ACL reassembly failed", "handle", p.Handle, "error", err)
		return
	}
	if pdu == nil {
		return
	}
	pdus, events := s.mux.Receive(c.handle, c.addr, pdu)
	s.sendPDUs(pdus)
	for _, ev := range events {
		s.emitChannel(ev)
	}
}

func (s *Stack) emitChannel(ev l2cap.Event) {
	switch ev.Type {
	case l2cap.EventIncoming:
		s.emit(host.ChannelIncoming{Addr: ev.Addr, CID: ev.CID, PSM: ev.PSM})
	case l2cap.EventOpened:
		s.emit(host.ChannelOpened{Status: ev.Status, Addr: ev.Addr, CID: ev.CID, PSM: ev.PSM, RemoteMTU: ev.RemoteMTU})
	case l2cap.EventClosed:
		s.wants = slices.DeleteFunc(s.wants, func(cid l2cap.CID) bool { return cid == ev.CID })
		s.emit(host.ChannelClosed{CID: ev.CID, PSM: ev.PSM})
	case l2cap.EventData:
		s.emit(host.ChannelData{CID: ev.CID, PSM: ev.PSM, Payload: ev.Payload})
	}
}

// sendPDUs fragments signaling PDUs onto the link. Fragments that find no
// free controller buffer wait in the ACL queue.
func (s *Stack) sendPDUs(pdus []l2cap.PDU) {
	for _, pdu := range pdus {
		for _, pkt := range hci.Fragment(pdu.Handle, pdu.Data, s.aclLength) {
			if s.aclFree > 0 && len(s.aclQueue) == 0 {
				s.writeACL(pdu.Handle, pkt)
				continue
			}
			s.aclQueue = append(s.aclQueue, queuedACL{handle: pdu.Handle, pkt: pkt})
		}
	}
}

func (s *Stack) writeACL(handle uint16, pkt []byte) {
	if err := s.write(pkt); err != nil {
		s.log.Error("[HCI] ACL write failed", "handle", handle, "error", err)
		return
	}
	s.aclFree--
	if c, ok := s.conns[handle]; ok {
		c.inflight++
	}
}

// drainACL sends queued fragments, then grants the pending send requests
// that now fit.
func (s *Stack) drainACL() {
	for s.aclFree > 0 && len(s.aclQueue) > 0 {
		q := s.aclQueue[0]
		s.aclQueue = s.aclQueue[1:]
		s.writeACL(q.handle, q.pkt)
	}
	if len(s.wants) == 0 {
		return
	}
	s.wants = slices.DeleteFunc(s.wants, func(cid l2cap.CID) bool {
		if !s.canSend(cid) {
			return false
		}
		s.emit(host.CanSendNow{CID: cid})
		return true
	})
}

// fragments returns how many ACL packets a PDU of n bytes occupies, capped
// at the controller's buffer count.
func (s *Stack) fragments(n int) int {
	need := 1
	if s.aclLength > 0 {
		need = (n + s.aclLength - 1) / s.aclLength
	}
	return max(1, min(need, s.aclTotal))
}

// canSend reports whether a payload of the channel's full MTU would be
// accepted by Send now.
func (s *Stack) canSend(cid l2cap.CID) bool {
	ch, ok := s.mux.Channel(cid)
	if !ok || len(s.aclQueue) > 0 {
		return false
	}
	return s.aclFree >= s.fragments(int(ch.RemoteMTU)+4)
}

func (s *Stack) dropQueued(handle uint16) {
	s.aclQueue = slices.DeleteFunc(s.aclQueue, func(q queuedACL) bool { return q.handle == handle })
}

// Create opens a channel to psm on the link to addr.
func (s *Stack) Create(addr hci.Addr, psm l2cap.PSM) (l2cap.CID, error) {
	s.mu.Lock()
	defer s.unlock()
	c, ok := s.connByAddr(addr)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownConnection, addr)
	}
	cid, pdus, err := s.mux.Connect(c.handle, addr, psm)
	if err != nil {
		return 0, err
	}
	s.sendPDUs(pdus)
	return cid, nil
}

func (s *Stack) Accept(cid l2cap.CID) error {
	s.mu.Lock()
	defer s.unlock()
	pdus, err := s.mux.Accept(cid)
	if err != nil {
		return err
	}
	s.sendPDUs(pdus)
	return nil
}

// Refuse rejects an incoming channel as an unsupported PSM.
func (s *Stack) Refuse(cid l2cap.CID) error {
	s.mu.Lock()
	defer s.unlock()
	pdus, err := s.mux.Refuse(cid, l2cap.ConnRefusedPSM)
	if err != nil {
		return err
	}
	s.sendPDUs(pdus)
	return nil
}

func (s *Stack) Close(cid l2cap.CID) error {
	s.mu.Lock()
	defer s.unlock()
	pdus, err := s.mux.Disconnect(cid)
	if err != nil {
		return err
	}
	s.sendPDUs(pdus)
	return nil
}

// Send transmits payload on an open channel. It returns l2cap.ErrQueueFull
// when the controller lacks buffers for the frame.
func (s *Stack) Send(cid l2cap.CID, payload []byte) error {
	s.mu.Lock()
	defer s.unlock()
	pdu, err := s.mux.Send(cid, payload)
	if err != nil {
		return err
	}
	pkts := hci.Fragment(pdu.Handle, pdu.Data, s.aclLength)
	if len(s.aclQueue) > 0 || s.aclFree < s.fragments(len(pdu.Data)) {
		return l2cap.ErrQueueFull
	}
	// a frame larger than every controller buffer together goes out as
	// buffers return
	for _, pkt := range pkts {
		if s.aclFree > 0 && len(s.aclQueue) == 0 {
			s.writeACL(pdu.Handle, pkt)
			continue
		}
		s.aclQueue = append(s.aclQueue, queuedACL{handle: pdu.Handle, pkt: pkt})
	}
	return nil
}

// RequestCanSendNow emits one host.CanSendNow for cid as soon as the
// controller has buffers for a full-MTU frame, immediately if it has now.
func (s *Stack) RequestCanSendNow(cid l2cap.CID) error {
	s.mu.Lock()
	defer s.unlock()
	if _, ok := s.mux.Channel(cid); !ok {
		return l2cap.ErrNoChannel
	}
	if s.canSend(cid) {
		s.emit(host.CanSendNow{CID: cid})
		return nil
	}
	if !slices.Contains(s.wants, cid) {
		s.wants = append(s.wants, cid)
	}
	return nil
}
