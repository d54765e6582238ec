package l2cap

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/chaz8081/padlink/internal/hci"
)

// ConnRefusedInvalidSCID answers a request whose source CID is unusable.
const ConnRefusedInvalidSCID uint16 = 0x0006

// Mux tracks dynamic channels across ACL links and runs their signaling.
// It is not safe for concurrent use.
type Mux struct {
	localMTU uint16
	ident    uint8
	next     CID
	chans    map[CID]*Channel
	log      *slog.Logger
}

// NewMux creates a channel table advertising localMTU in configuration
// requests. A zero localMTU selects DefaultMTU.
func NewMux(localMTU uint16, logger *slog.Logger) *Mux {
	if localMTU == 0 {
		localMTU = DefaultMTU
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Mux{
		localMTU: localMTU,
		next:     CIDDynamicMin,
		chans:    make(map[CID]*Channel),
		log:      logger,
	}
}

// Channel returns a snapshot of the channel with the given local CID.
func (m *Mux) Channel(cid CID) (Channel, bool) {
	ch, ok := m.chans[cid]
	if !ok {
		return Channel{}, false
	}
	return *ch, true
}

// Connect starts an outgoing channel to psm on the link.
func (m *Mux) Connect(handle uint16, addr hci.Addr, psm PSM) (CID, []PDU, error) {
	cid, err := m.allocCID()
	if err != nil {
		return 0, nil, err
	}
	m.chans[cid] = &Channel{
		Handle:   handle,
		Addr:     addr,
		PSM:      psm,
		LocalCID: cid,
		State:    StateWaitConnectRsp,
		Outgoing: true,
	}
	m.log.Debug("[L2CAP] connecting", "addr", addr, "psm", psm, "cid", cid)
	return cid, []PDU{m.sig(handle, connReq(m.nextIdent(), psm, cid))}, nil
}

// Accept answers a pending incoming request and starts configuration.
func (m *Mux) Accept(cid CID) ([]PDU, error) {
	ch, err := m.lookup(cid, StateWaitAccept)
	if err != nil {
		return nil, err
	}
	ch.State = StateConfig
	return []PDU{
		m.sig(ch.Handle, connRsp(ch.reqIdent, ch.LocalCID, ch.RemoteCID, ConnSuccess, 0)),
		m.sig(ch.Handle, confReq(m.nextIdent(), ch.RemoteCID, m.localMTU)),
	}, nil
}

// Refuse rejects a pending incoming request with result.
func (m *Mux) Refuse(cid CID, result uint16) ([]PDU, error) {
	ch, err := m.lookup(cid, StateWaitAccept)
	if err != nil {
		return nil, err
	}
	delete(m.chans, cid)
	return []PDU{m.sig(ch.Handle, connRsp(ch.reqIdent, 0, ch.RemoteCID, result, 0))}, nil
}

// Disconnect starts closing a channel. The EventClosed arrives with the
// peer's response.
func (m *Mux) Disconnect(cid CID) ([]PDU, error) {
	ch, ok := m.chans[cid]
	if !ok {
		return nil, ErrNoChannel
	}
	switch ch.State {
	case StateWaitDisconnect:
		return nil, nil
	case StateWaitAccept:
		delete(m.chans, cid)
		return []PDU{m.sig(ch.Handle, connRsp(ch.reqIdent, 0, ch.RemoteCID, ConnRefusedResources, 0))}, nil
	case StateWaitConnectRsp:
		// No remote CID yet; a late success is torn down in onConnRsp.
		delete(m.chans, cid)
		return nil, nil
	}
	ch.State = StateWaitDisconnect
	return []PDU{m.sig(ch.Handle, discReq(m.nextIdent(), ch.RemoteCID, ch.LocalCID))}, nil
}

// Send frames payload for an open channel.
func (m *Mux) Send(cid CID, payload []byte) (PDU, error) {
	ch, ok := m.chans[cid]
	if !ok {
		return PDU{}, ErrNoChannel
	}
	if ch.State != StateOpen {
		return PDU{}, ErrNotAllowed
	}
	if len(payload) > int(ch.RemoteMTU) {
		return PDU{}, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), ch.RemoteMTU)
	}
	return PDU{Handle: ch.Handle, Data: Frame{CID: ch.RemoteCID, Payload: payload}.Marshal()}, nil
}

// DropHandle forgets every channel on a link that went away.
func (m *Mux) DropHandle(handle uint16) {
	for cid, ch := range m.chans {
		if ch.Handle == handle {
			delete(m.chans, cid)
		}
	}
}

// Receive processes one reassembled L2CAP frame from the link.
func (m *Mux) Receive(handle uint16, addr hci.Addr, b []byte) ([]PDU, []Event) {
	f, err := ParseFrame(b)
	if err != nil {
		m.log.Warn("[L2CAP] dropping frame", "handle", handle, "error", err)
		return nil, nil
	}

	if f.CID == CIDSignaling {
		return m.onSignaling(handle, addr, f.Payload)
	}

	ch, ok := m.chans[f.CID]
	if !ok || ch.Handle != handle {
		m.log.Debug("[L2CAP] data for unknown channel", "handle", handle, "cid", f.CID)
		return nil, nil
	}
	if ch.State != StateOpen {
		m.log.Debug("[L2CAP] data before open", "cid", f.CID, "state", ch.State)
		return nil, nil
	}
	payload := make([]byte, len(f.Payload))
	copy(payload, f.Payload)
	return nil, []Event{{
		Type:    EventData,
		Handle:  handle,
		Addr:    ch.Addr,
		CID:     ch.LocalCID,
		PSM:     ch.PSM,
		Payload: payload,
	}}
}

func (m *Mux) onSignaling(handle uint16, addr hci.Addr, payload []byte) ([]PDU, []Event) {
	sigs, err := parseSignals(payload)
	if err != nil {
		m.log.Warn("[L2CAP] bad signaling frame", "handle", handle, "error", err)
	}

	var pdus []PDU
	var events []Event
	for _, s := range sigs {
		var out []signal
		var ev *Event
		switch s.code {
		case codeConnReq:
			out, ev = m.onConnReq(handle, addr, s)
		case codeConnRsp:
			out, ev = m.onConnRsp(handle, s)
		case codeConfReq:
			out, ev = m.onConfReq(handle, s)
		case codeConfRsp:
			out, ev = m.onConfRsp(handle, s)
		case codeDiscReq:
			out, ev = m.onDiscReq(handle, s)
		case codeDiscRsp:
			ev = m.onDiscRsp(handle, s)
		case codeEchoReq:
			out = []signal{{codeEchoRsp, s.ident, s.data}}
		case codeInfoReq:
			if len(s.data) < 2 {
				out = []signal{commandReject(s.ident, rejectNotUnderstood)}
				break
			}
			out = []signal{infoRsp(s.ident, binary.LittleEndian.Uint16(s.data))}
		case codeCommandReject:
			m.log.Debug("[L2CAP] command rejected by peer", "handle", handle, "ident", s.ident, "data", fmt.Sprintf("% X", s.data))
		case codeEchoRsp, codeInfoRsp:
		default:
			out = []signal{commandReject(s.ident, rejectNotUnderstood)}
		}
		for _, o := range out {
			pdus = append(pdus, m.sig(handle, o))
		}
		if ev != nil {
			events = append(events, *ev)
		}
	}
	return pdus, events
}

func (m *Mux) onConnReq(handle uint16, addr hci.Addr, s signal) ([]signal, *Event) {
	if len(s.data) < 4 {
		return []signal{commandReject(s.ident, rejectNotUnderstood)}, nil
	}
	psm := PSM(binary.LittleEndian.Uint16(s.data))
	scid := CID(binary.LittleEndian.Uint16(s.data[2:]))
	if scid < CIDDynamicMin {
		return []signal{connRsp(s.ident, 0, scid, ConnRefusedInvalidSCID, 0)}, nil
	}
	cid, err := m.allocCID()
	if err != nil {
		return []signal{connRsp(s.ident, 0, scid, ConnRefusedResources, 0)}, nil
	}
	m.chans[cid] = &Channel{
		Handle:    handle,
		Addr:      addr,
		PSM:       psm,
		LocalCID:  cid,
		RemoteCID: scid,
		State:     StateWaitAccept,
		reqIdent:  s.ident,
	}
	m.log.Debug("[L2CAP] incoming request", "addr", addr, "psm", psm, "cid", cid)
	return nil, &Event{Type: EventIncoming, Handle: handle, Addr: addr, CID: cid, PSM: psm}
}

func (m *Mux) onConnRsp(handle uint16, s signal) ([]signal, *Event) {
	if len(s.data) < 8 {
		return nil, nil
	}
	dcid := CID(binary.LittleEndian.Uint16(s.data))
	scid := CID(binary.LittleEndian.Uint16(s.data[2:]))
	result := binary.LittleEndian.Uint16(s.data[4:])

	ch, ok := m.chans[scid]
	if !ok || ch.Handle != handle || ch.State != StateWaitConnectRsp {
		if result == ConnSuccess && dcid >= CIDDynamicMin {
			return []signal{discReq(m.nextIdent(), dcid, scid)}, nil
		}
		return nil, nil
	}

	switch result {
	case ConnPending:
		return nil, nil
	case ConnSuccess:
		ch.RemoteCID = dcid
		ch.State = StateConfig
		return []signal{confReq(m.nextIdent(), dcid, m.localMTU)}, nil
	}
	delete(m.chans, scid)
	return nil, &Event{Type: EventOpened, Handle: handle, Addr: ch.Addr, CID: scid, PSM: ch.PSM, Status: result}
}

func (m *Mux) onConfReq(handle uint16, s signal) ([]signal, *Event) {
	if len(s.data) < 4 {
		return []signal{commandReject(s.ident, rejectNotUnderstood)}, nil
	}
	dcid := CID(binary.LittleEndian.Uint16(s.data))
	flags := binary.LittleEndian.Uint16(s.data[2:])

	ch, ok := m.chans[dcid]
	if !ok || ch.Handle != handle || (ch.State != StateConfig && ch.State != StateOpen) {
		return []signal{commandReject(s.ident, rejectInvalidCID, uint16(dcid), 0)}, nil
	}

	opts := parseConfOptions(s.data[4:])
	switch {
	case opts.malformed:
		return []signal{confRsp(s.ident, ch.RemoteCID, confRejected, nil)}, nil
	case opts.badMode:
		return []signal{confRsp(s.ident, ch.RemoteCID, confUnacceptable, basicModeOption())}, nil
	case len(opts.unknown) > 0:
		return []signal{confRsp(s.ident, ch.RemoteCID, confUnknown, opts.unknown)}, nil
	case opts.hasMTU && opts.mtu < MinMTU:
		return []signal{confRsp(s.ident, ch.RemoteCID, confUnacceptable, mtuOption(MinMTU))}, nil
	}

	if opts.hasMTU {
		ch.RemoteMTU = opts.mtu
	} else if ch.RemoteMTU == 0 {
		ch.RemoteMTU = DefaultMTU
	}
	if flags&0x0001 != 0 {
		// continuation: more options follow in another request
		return []signal{confRsp(s.ident, ch.RemoteCID, confSuccess, nil)}, nil
	}
	ch.remoteConfigured = true
	rsp := []signal{confRsp(s.ident, ch.RemoteCID, confSuccess, mtuOption(ch.RemoteMTU))}
	return rsp, m.maybeOpen(ch)
}

func (m *Mux) onConfRsp(handle uint16, s signal) ([]signal, *Event) {
	if len(s.data) < 6 {
		return nil, nil
	}
	scid := CID(binary.LittleEndian.Uint16(s.data))
	flags := binary.LittleEndian.Uint16(s.data[2:])
	result := binary.LittleEndian.Uint16(s.data[4:])

	ch, ok := m.chans[scid]
	if !ok || ch.Handle != handle || ch.State != StateConfig {
		return nil, nil
	}
	if result != confSuccess {
		m.log.Warn("[L2CAP] configuration refused", "cid", scid, "psm", ch.PSM, "result", result)
		delete(m.chans, scid)
		return []signal{discReq(m.nextIdent(), ch.RemoteCID, ch.LocalCID)},
			&Event{Type: EventOpened, Handle: handle, Addr: ch.Addr, CID: scid, PSM: ch.PSM, Status: StatusConfigRejected}
	}
	if flags&0x0001 != 0 {
		return nil, nil
	}
	ch.localConfigured = true
	return nil, m.maybeOpen(ch)
}

func (m *Mux) onDiscReq(handle uint16, s signal) ([]signal, *Event) {
	if len(s.data) < 4 {
		return []signal{commandReject(s.ident, rejectNotUnderstood)}, nil
	}
	dcid := CID(binary.LittleEndian.Uint16(s.data))
	scid := CID(binary.LittleEndian.Uint16(s.data[2:]))

	ch, ok := m.chans[dcid]
	if !ok || ch.Handle != handle || ch.RemoteCID != scid {
		return []signal{commandReject(s.ident, rejectInvalidCID, uint16(dcid), uint16(scid))}, nil
	}
	delete(m.chans, dcid)
	m.log.Debug("[L2CAP] closed by peer", "cid", dcid, "psm", ch.PSM)
	return []signal{discRsp(s.ident, dcid, scid)},
		&Event{Type: EventClosed, Handle: handle, Addr: ch.Addr, CID: dcid, PSM: ch.PSM}
}

func (m *Mux) onDiscRsp(handle uint16, s signal) *Event {
	if len(s.data) < 4 {
		return nil
	}
	scid := CID(binary.LittleEndian.Uint16(s.data[2:]))
	ch, ok := m.chans[scid]
	if !ok || ch.Handle != handle || ch.State != StateWaitDisconnect {
		return nil
	}
	delete(m.chans, scid)
	return &Event{Type: EventClosed, Handle: handle, Addr: ch.Addr, CID: scid, PSM: ch.PSM}
}

func (m *Mux) maybeOpen(ch *Channel) *Event {
	if ch.State != StateConfig || !ch.localConfigured || !ch.remoteConfigured {
		return nil
	}
	ch.State = StateOpen
	m.log.Debug("[L2CAP] channel open", "addr", ch.Addr, "psm", ch.PSM, "cid", ch.LocalCID, "remote_mtu", ch.RemoteMTU)
	return &Event{
		Type:      EventOpened,
		Handle:    ch.Handle,
		Addr:      ch.Addr,
		CID:       ch.LocalCID,
		PSM:       ch.PSM,
		Status:    ConnSuccess,
		RemoteMTU: ch.RemoteMTU,
	}
}

func (m *Mux) lookup(cid CID, want State) (*Channel, error) {
	ch, ok := m.chans[cid]
	if !ok {
		return nil, ErrNoChannel
	}
	if ch.State != want {
		return nil, fmt.Errorf("%w: %s", ErrNotAllowed, ch.State)
	}
	return ch, nil
}

func (m *Mux) sig(handle uint16, s signal) PDU {
	return PDU{Handle: handle, Data: Frame{CID: CIDSignaling, Payload: s.marshal()}.Marshal()}
}

func (m *Mux) nextIdent() uint8 {
	m.ident++
	if m.ident == 0 {
		m.ident = 1
	}
	return m.ident
}

func (m *Mux) allocCID() (CID, error) {
	for range int(CIDDynamicMax - CIDDynamicMin + 1) {
		cid := m.next
		if m.next == CIDDynamicMax {
			m.next = CIDDynamicMin
		} else {
			m.next++
		}
		if _, used := m.chans[cid]; !used {
			return cid, nil
		}
	}
	return 0, fmt.Errorf("l2cap: no free channel identifiers")
}
