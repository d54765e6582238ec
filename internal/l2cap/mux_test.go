package l2cap

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/chaz8081/padlink/internal/hci"
)

const testHandle = 0x000B

var testAddr = hci.Addr{0x66, 0x55, 0x44, 0x33, 0x22, 0x11}

// peerSignal builds a signaling frame as the remote device would send it.
func peerSignal(code, ident uint8, vals ...uint16) []byte {
	s := signal{code: code, ident: ident, data: u16s(vals...)}
	return Frame{CID: CIDSignaling, Payload: s.marshal()}.Marshal()
}

func peerConfReq(ident uint8, dcid CID, opts ...byte) []byte {
	data := append(u16s(uint16(dcid), 0), opts...)
	s := signal{code: codeConfReq, ident: ident, data: data}
	return Frame{CID: CIDSignaling, Payload: s.marshal()}.Marshal()
}

// decodeSignal returns the single signaling command inside pdu.
func decodeSignal(t *testing.T, pdu PDU) signal {
	t.Helper()
	f, err := ParseFrame(pdu.Data)
	if err != nil {
		t.Fatalf("ParseFrame() error = %v", err)
	}
	if f.CID != CIDSignaling {
		t.Fatalf("frame CID = %d, want signaling", f.CID)
	}
	sigs, err := parseSignals(f.Payload)
	if err != nil || len(sigs) != 1 {
		t.Fatalf("parseSignals() = %d signals, error %v", len(sigs), err)
	}
	return sigs[0]
}

func field(s signal, i int) uint16 {
	return binary.LittleEndian.Uint16(s.data[2*i:])
}

func TestFrameRoundTrip(t *testing.T) {
	b := Frame{CID: 0x0041, Payload: []byte{0xA1, 0x01}}.Marshal()
	want := []byte{0x02, 0x00, 0x41, 0x00, 0xA1, 0x01}
	if !bytes.Equal(b, want) {
		t.Errorf("Marshal() = % X, want % X", b, want)
	}
	f, err := ParseFrame(b)
	if err != nil {
		t.Fatalf("ParseFrame() error = %v", err)
	}
	if f.CID != 0x0041 || !bytes.Equal(f.Payload, want[4:]) {
		t.Errorf("ParseFrame() = %+v", f)
	}
	if _, err := ParseFrame([]byte{0x05, 0x00, 0x41, 0x00}); err == nil {
		t.Error("expected error for length mismatch")
	}
}

func TestOutgoingChannelOpen(t *testing.T) {
	m := NewMux(0, nil)

	cid, pdus, err := m.Connect(testHandle, testAddr, PSMHIDControl)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if cid != CIDDynamicMin {
		t.Errorf("cid = 0x%04X, want 0x0040", cid)
	}
	req := decodeSignal(t, pdus[0])
	if req.code != codeConnReq || field(req, 0) != uint16(PSMHIDControl) || field(req, 1) != uint16(cid) {
		t.Fatalf("connection request = %+v", req)
	}

	// pending, then success with remote CID 0x0070
	if pdus, evs := m.Receive(testHandle, testAddr, peerSignal(codeConnRsp, req.ident, 0x0070, uint16(cid), ConnPending, 0)); len(pdus)+len(evs) != 0 {
		t.Fatalf("pending response produced %d PDUs, %d events", len(pdus), len(evs))
	}
	pdus, evs := m.Receive(testHandle, testAddr, peerSignal(codeConnRsp, req.ident, 0x0070, uint16(cid), ConnSuccess, 0))
	if len(evs) != 0 || len(pdus) != 1 {
		t.Fatalf("success response: %d PDUs, %d events, want 1, 0", len(pdus), len(evs))
	}
	conf := decodeSignal(t, pdus[0])
	if conf.code != codeConfReq || field(conf, 0) != 0x0070 {
		t.Fatalf("config request = %+v", conf)
	}

	// our config accepted
	_, evs = m.Receive(testHandle, testAddr, peerSignal(codeConfRsp, conf.ident, uint16(cid), 0, 0))
	if len(evs) != 0 {
		t.Fatalf("channel opened before peer configured")
	}

	// peer config with MTU 185
	pdus, evs = m.Receive(testHandle, testAddr, peerConfReq(9, cid, optMTU, 2, 185, 0))
	if len(pdus) != 1 {
		t.Fatalf("got %d PDUs, want config response", len(pdus))
	}
	rsp := decodeSignal(t, pdus[0])
	if rsp.code != codeConfRsp || rsp.ident != 9 || field(rsp, 0) != 0x0070 || field(rsp, 2) != confSuccess {
		t.Errorf("config response = %+v", rsp)
	}
	if len(evs) != 1 || evs[0].Type != EventOpened || evs[0].Status != ConnSuccess {
		t.Fatalf("events = %+v, want one successful open", evs)
	}
	if evs[0].RemoteMTU != 185 || evs[0].PSM != PSMHIDControl || evs[0].CID != cid {
		t.Errorf("open event = %+v", evs[0])
	}

	ch, ok := m.Channel(cid)
	if !ok || ch.State != StateOpen || ch.RemoteCID != 0x0070 {
		t.Errorf("Channel() = %+v, %v", ch, ok)
	}
}

func openIncoming(t *testing.T, m *Mux, psm PSM, remote CID) CID {
	t.Helper()
	_, evs := m.Receive(testHandle, testAddr, peerSignal(codeConnReq, 1, uint16(psm), uint16(remote)))
	if len(evs) != 1 || evs[0].Type != EventIncoming || evs[0].PSM != psm {
		t.Fatalf("events = %+v, want incoming", evs)
	}
	cid := evs[0].CID

	pdus, err := m.Accept(cid)
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if len(pdus) != 2 {
		t.Fatalf("Accept() = %d PDUs, want 2", len(pdus))
	}
	rsp := decodeSignal(t, pdus[0])
	if rsp.code != codeConnRsp || rsp.ident != 1 || field(rsp, 0) != uint16(cid) || field(rsp, 1) != uint16(remote) || field(rsp, 2) != ConnSuccess {
		t.Fatalf("connection response = %+v", rsp)
	}
	conf := decodeSignal(t, pdus[1])

	m.Receive(testHandle, testAddr, peerConfReq(2, cid))
	_, evs = m.Receive(testHandle, testAddr, peerSignal(codeConfRsp, conf.ident, uint16(cid), 0, 0))
	if len(evs) != 1 || evs[0].Type != EventOpened {
		t.Fatalf("events = %+v, want opened", evs)
	}
	if evs[0].RemoteMTU != DefaultMTU {
		t.Errorf("RemoteMTU = %d, want default %d", evs[0].RemoteMTU, DefaultMTU)
	}
	return cid
}

func TestIncomingChannelOpenAndData(t *testing.T) {
	m := NewMux(0, nil)
	cid := openIncoming(t, m, PSMHIDInterrupt, 0x0081)

	report := []byte{0xA1, 0x01, 0x80, 0x80}
	_, evs := m.Receive(testHandle, testAddr, Frame{CID: cid, Payload: report}.Marshal())
	if len(evs) != 1 || evs[0].Type != EventData || evs[0].PSM != PSMHIDInterrupt {
		t.Fatalf("events = %+v, want data", evs)
	}
	if !bytes.Equal(evs[0].Payload, report) {
		t.Errorf("payload = % X, want % X", evs[0].Payload, report)
	}

	pdu, err := m.Send(cid, []byte{0xA2, 0x31})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	f, _ := ParseFrame(pdu.Data)
	if f.CID != 0x0081 {
		t.Errorf("data sent to CID 0x%04X, want remote 0x0081", f.CID)
	}
}

func TestRefuseIncoming(t *testing.T) {
	m := NewMux(0, nil)
	_, evs := m.Receive(testHandle, testAddr, peerSignal(codeConnReq, 4, 0x0001, 0x0050))
	if len(evs) != 1 {
		t.Fatalf("events = %+v", evs)
	}
	pdus, err := m.Refuse(evs[0].CID, ConnRefusedPSM)
	if err != nil {
		t.Fatalf("Refuse() error = %v", err)
	}
	rsp := decodeSignal(t, pdus[0])
	if rsp.code != codeConnRsp || field(rsp, 2) != ConnRefusedPSM || field(rsp, 1) != 0x0050 {
		t.Errorf("refusal = %+v", rsp)
	}
	if _, ok := m.Channel(evs[0].CID); ok {
		t.Error("refused channel still tracked")
	}
}

func TestOutgoingRefused(t *testing.T) {
	m := NewMux(0, nil)
	cid, pdus, _ := m.Connect(testHandle, testAddr, PSMHIDInterrupt)
	req := decodeSignal(t, pdus[0])
	_, evs := m.Receive(testHandle, testAddr, peerSignal(codeConnRsp, req.ident, 0, uint16(cid), ConnRefusedSecurity, 0))
	if len(evs) != 1 || evs[0].Type != EventOpened || evs[0].Status != ConnRefusedSecurity {
		t.Fatalf("events = %+v, want failed open", evs)
	}
	if _, ok := m.Channel(cid); ok {
		t.Error("refused channel still tracked")
	}
}

func TestCloseByPeer(t *testing.T) {
	m := NewMux(0, nil)
	cid := openIncoming(t, m, PSMHIDControl, 0x0090)

	pdus, evs := m.Receive(testHandle, testAddr, peerSignal(codeDiscReq, 7, uint16(cid), 0x0090))
	if len(pdus) != 1 || decodeSignal(t, pdus[0]).code != codeDiscRsp {
		t.Fatalf("expected disconnection response, got %d PDUs", len(pdus))
	}
	if len(evs) != 1 || evs[0].Type != EventClosed || evs[0].CID != cid {
		t.Fatalf("events = %+v, want closed", evs)
	}
	if _, err := m.Send(cid, []byte{1}); !errors.Is(err, ErrNoChannel) {
		t.Errorf("Send() after close error = %v, want ErrNoChannel", err)
	}
}

func TestLocalDisconnect(t *testing.T) {
	m := NewMux(0, nil)
	cid := openIncoming(t, m, PSMHIDControl, 0x0090)

	pdus, err := m.Disconnect(cid)
	if err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	req := decodeSignal(t, pdus[0])
	if req.code != codeDiscReq || field(req, 0) != 0x0090 || field(req, 1) != uint16(cid) {
		t.Fatalf("disconnection request = %+v", req)
	}
	if _, err := m.Send(cid, []byte{1}); !errors.Is(err, ErrNotAllowed) {
		t.Errorf("Send() while closing error = %v, want ErrNotAllowed", err)
	}
	_, evs := m.Receive(testHandle, testAddr, peerSignal(codeDiscRsp, req.ident, 0x0090, uint16(cid)))
	if len(evs) != 1 || evs[0].Type != EventClosed {
		t.Fatalf("events = %+v, want closed", evs)
	}
}

func TestSendErrors(t *testing.T) {
	m := NewMux(0, nil)
	if _, err := m.Send(0x0040, nil); !errors.Is(err, ErrNoChannel) {
		t.Errorf("Send(unknown) error = %v, want ErrNoChannel", err)
	}

	cid, _, _ := m.Connect(testHandle, testAddr, PSMHIDInterrupt)
	if _, err := m.Send(cid, nil); !errors.Is(err, ErrNotAllowed) {
		t.Errorf("Send(pending) error = %v, want ErrNotAllowed", err)
	}

	cid = openIncoming(t, m, PSMHIDInterrupt, 0x0081)
	if _, err := m.Send(cid, make([]byte, DefaultMTU+1)); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("Send(oversize) error = %v, want ErrPayloadTooLarge", err)
	}
}

func TestConfigRejectsNonBasicMode(t *testing.T) {
	m := NewMux(0, nil)
	_, evs := m.Receive(testHandle, testAddr, peerSignal(codeConnReq, 1, uint16(PSMHIDControl), 0x0050))
	cid := evs[0].CID
	if _, err := m.Accept(cid); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	rfc := []byte{optRFC, 9, 0x03, 0, 0, 0, 0, 0, 0, 0, 0}
	pdus, evs := m.Receive(testHandle, testAddr, peerConfReq(3, cid, rfc...))
	if len(evs) != 0 {
		t.Fatalf("events = %+v, want none", evs)
	}
	rsp := decodeSignal(t, pdus[0])
	if field(rsp, 2) != confUnacceptable {
		t.Errorf("result = %d, want unacceptable", field(rsp, 2))
	}
}

func TestSignalingHousekeeping(t *testing.T) {
	m := NewMux(0, nil)

	t.Run("echo", func(t *testing.T) {
		s := signal{code: codeEchoReq, ident: 5, data: []byte{1, 2, 3}}
		pdus, _ := m.Receive(testHandle, testAddr, Frame{CID: CIDSignaling, Payload: s.marshal()}.Marshal())
		rsp := decodeSignal(t, pdus[0])
		if rsp.code != codeEchoRsp || rsp.ident != 5 || !bytes.Equal(rsp.data, s.data) {
			t.Errorf("echo response = %+v", rsp)
		}
	})

	t.Run("fixed channels", func(t *testing.T) {
		pdus, _ := m.Receive(testHandle, testAddr, peerSignal(codeInfoReq, 6, infoFixedChannels))
		rsp := decodeSignal(t, pdus[0])
		if rsp.code != codeInfoRsp || field(rsp, 0) != infoFixedChannels || field(rsp, 1) != 0 || rsp.data[4] != fixedChannelsMask {
			t.Errorf("info response = %+v", rsp)
		}
	})

	t.Run("unknown command", func(t *testing.T) {
		pdus, _ := m.Receive(testHandle, testAddr, peerSignal(0x7F, 8))
		rsp := decodeSignal(t, pdus[0])
		if rsp.code != codeCommandReject || field(rsp, 0) != rejectNotUnderstood {
			t.Errorf("reject = %+v", rsp)
		}
	})

	t.Run("config for unknown channel", func(t *testing.T) {
		pdus, _ := m.Receive(testHandle, testAddr, peerConfReq(9, 0x0099))
		rsp := decodeSignal(t, pdus[0])
		if rsp.code != codeCommandReject || field(rsp, 0) != rejectInvalidCID {
			t.Errorf("reject = %+v", rsp)
		}
	})
}

func TestDropHandle(t *testing.T) {
	m := NewMux(0, nil)
	cid := openIncoming(t, m, PSMHIDControl, 0x0090)
	m.DropHandle(testHandle)
	if _, ok := m.Channel(cid); ok {
		t.Error("channel survived DropHandle")
	}
}
