package host

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/chaz8081/padlink/internal/bond"
	"github.com/chaz8081/padlink/internal/hci"
	"github.com/chaz8081/padlink/internal/l2cap"
)

var (
	padAddr  = hci.Addr{0x66, 0x55, 0x44, 0x33, 0x22, 0x11}
	padKey   = hci.LinkKey{0xA0, 0xA1, 0xA2, 0xA3, 0xA4, 0xA5, 0xA6, 0xA7, 0xA8, 0xA9, 0xAA, 0xAB, 0xAC, 0xAD, 0xAE, 0xAF}
	padClass = hci.ClassOfDevice(0x002508)

	phoneAddr  = hci.Addr{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	phoneClass = hci.ClassOfDevice(0x5A020C)
)

const padHandle = 0x000B

// fakeRadio records every command as a string such as "StartInquiry(30)".
type fakeRadio struct {
	mu    sync.Mutex
	calls []string

	disconnectErr error
}

func (r *fakeRadio) record(format string, args ...any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
	return nil
}

func (r *fakeRadio) count(call string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (r *fakeRadio) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

func (r *fakeRadio) PowerOn() error {
	return r.record("PowerOn()")
}
func (r *fakeRadio) StartInquiry(length uint8) error {
	return r.record("StartInquiry(%d)", length)
}
func (r *fakeRadio) StopInquiry() error {
	return r.record("StopInquiry()")
}
func (r *fakeRadio) SetDiscoverable(on bool) error {
	return r.record("SetDiscoverable(%v)", on)
}
func (r *fakeRadio) SetConnectable(on bool) error {
	return r.record("SetConnectable(%v)", on)
}
func (r *fakeRadio) CreateConnection(addr hci.Addr) error {
	return r.record("CreateConnection(%s)", addr)
}
func (r *fakeRadio) AcceptConnection(addr hci.Addr) error {
	return r.record("AcceptConnection(%s)", addr)
}
func (r *fakeRadio) RejectConnection(addr hci.Addr, reason hci.Status) error {
	return r.record("RejectConnection(%s)", addr)
}
func (r *fakeRadio) Disconnect(handle uint16) error {
	r.record("Disconnect(%d)", handle)
	return r.disconnectErr
}
func (r *fakeRadio) RequestAuthentication(handle uint16) error {
	return r.record("RequestAuthentication(%d)", handle)
}
func (r *fakeRadio) LinkKeyReply(addr hci.Addr, key hci.LinkKey) error {
	return r.record("LinkKeyReply(%s,%s)", addr, key)
}
func (r *fakeRadio) LinkKeyNegativeReply(addr hci.Addr) error {
	return r.record("LinkKeyNegativeReply(%s)", addr)
}
func (r *fakeRadio) ConfirmUser(addr hci.Addr) error { return r.record("ConfirmUser(%s)", addr) }
func (r *fakeRadio) PasskeyReply(addr hci.Addr, passkey uint32) error {
	return r.record("PasskeyReply(%s,%d)", addr, passkey)
}
func (r *fakeRadio) PINReply(addr hci.Addr, pin string) error {
	return r.record("PINReply(%s,%s)", addr, pin)
}

// fakeChannels hands out CIDs from 0x40 and scripts Send results.
type fakeChannels struct {
	next    l2cap.CID
	created []l2cap.PSM
	cids    map[l2cap.PSM][]l2cap.CID

	accepted []l2cap.CID
	refused  []l2cap.CID
	closed   []l2cap.CID

	sendErrs    []error // consumed in order, nil when exhausted
	sent        [][]byte
	sendReqs    int
	sendReqErr  error
	lastSendCID l2cap.CID
}

func newFakeChannels() *fakeChannels {
	return &fakeChannels{next: 0x40, cids: make(map[l2cap.PSM][]l2cap.CID)}
}

func (c *fakeChannels) Create(addr hci.Addr, psm l2cap.PSM) (l2cap.CID, error) {
	cid := c.next
	c.next++
	c.created = append(c.created, psm)
	c.cids[psm] = append(c.cids[psm], cid)
	return cid, nil
}

func (c *fakeChannels) createdCount(psm l2cap.PSM) int {
	return len(c.cids[psm])
}

func (c *fakeChannels) cid(psm l2cap.PSM) l2cap.CID {
	list := c.cids[psm]
	if len(list) == 0 {
		return 0
	}
	return list[len(list)-1]
}

func (c *fakeChannels) Accept(cid l2cap.CID) error {
	c.accepted = append(c.accepted, cid)
	return nil
}

func (c *fakeChannels) Refuse(cid l2cap.CID) error {
	c.refused = append(c.refused, cid)
	return nil
}

func (c *fakeChannels) Close(cid l2cap.CID) error {
	c.closed = append(c.closed, cid)
	return nil
}

func (c *fakeChannels) Send(cid l2cap.CID, payload []byte) error {
	c.lastSendCID = cid
	if len(c.sendErrs) > 0 {
		err := c.sendErrs[0]
		c.sendErrs = c.sendErrs[1:]
		if err != nil {
			return err
		}
	}
	c.sent = append(c.sent, bytes.Clone(payload))
	return nil
}

func (c *fakeChannels) RequestCanSendNow(cid l2cap.CID) error {
	c.sendReqs++
	return c.sendReqErr
}

// fakeDevice keeps the report buffers and counts signals.
type fakeDevice struct {
	input   [FrameSize]byte
	feature [64]byte

	inputN   []int
	featureN []int
	ready    []hci.Addr
	lost     int

	panicOnReady bool
}

func (d *fakeDevice) InputBuffer() []byte   { return d.input[:] }
func (d *fakeDevice) InputReady(n int)      { d.inputN = append(d.inputN, n) }
func (d *fakeDevice) FeatureBuffer() []byte { return d.feature[:] }
func (d *fakeDevice) FeatureReady(n int)    { d.featureN = append(d.featureN, n) }
func (d *fakeDevice) PeerLost()             { d.lost++ }
func (d *fakeDevice) PeerReady(addr hci.Addr) {
	if d.panicOnReady {
		panic("device exploded")
	}
	d.ready = append(d.ready, addr)
}

// observingStore calls onLoad before every Load.
type observingStore struct {
	bond.Store
	onLoad func()
}

func (s *observingStore) Load() (bond.Record, bool, error) {
	if s.onLoad != nil {
		s.onLoad()
	}
	return s.Store.Load()
}

type testHost struct {
	*Host
	radio *fakeRadio
	chans *fakeChannels
	dev   *fakeDevice
	store *bond.MemoryStore
	clock *clock.Mock
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHost(t *testing.T, bonded bool) *testHost {
	t.Helper()
	th := &testHost{
		radio: &fakeRadio{},
		chans: newFakeChannels(),
		dev:   &fakeDevice{},
		store: bond.NewMemoryStore(),
		clock: clock.NewMock(),
	}
	if bonded {
		if err := th.store.Save(padAddr, padKey); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}
	opts := DefaultOptions()
	opts.Logger = quietLogger()
	opts.Clock = th.clock
	th.Host = New(th.radio, th.chans, th.store, th.dev, opts)
	return th
}

// drain dispatches everything posted so far.
func (th *testHost) drain() {
	for {
		ev, ok := th.pop()
		if !ok {
			return
		}
		th.Dispatch(ev)
	}
}

func (th *testHost) queued() int {
	th.mu.Lock()
	defer th.mu.Unlock()
	return len(th.queue)
}

// waitQueued waits for a timer callback to post its event.
func (th *testHost) waitQueued(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for th.queued() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for a posted event")
		}
		time.Sleep(time.Millisecond)
	}
}

// connect drives an inbound connection from the pad up to encryption.
func (th *testHost) connect(t *testing.T) {
	t.Helper()
	th.Dispatch(ConnectionRequest{Addr: padAddr, Class: padClass})
	th.Dispatch(ConnectionComplete{Status: hci.StatusSuccess, Handle: padHandle, Addr: padAddr})
	th.Dispatch(LinkKeyRequest{Addr: padAddr})
	th.Dispatch(AuthenticationComplete{Status: hci.StatusSuccess, Handle: padHandle})
	th.Dispatch(EncryptionChange{Status: hci.StatusSuccess, Handle: padHandle, Enabled: true})
	if th.State() != StateOpeningControl {
		t.Fatalf("State() = %s after encryption, want %s", th.State(), StateOpeningControl)
	}
}

// ready drives a bonded host all the way to StateReady.
func (th *testHost) ready(t *testing.T) {
	t.Helper()
	th.Dispatch(StackReady{})
	th.connect(t)
	ctrl := th.chans.cid(l2cap.PSMHIDControl)
	th.Dispatch(ChannelOpened{CID: ctrl, PSM: l2cap.PSMHIDControl, Addr: padAddr, RemoteMTU: 672})
	intr := th.chans.cid(l2cap.PSMHIDInterrupt)
	th.Dispatch(ChannelOpened{CID: intr, PSM: l2cap.PSMHIDInterrupt, Addr: padAddr, RemoteMTU: 672})
	if th.State() != StateReady {
		t.Fatalf("State() = %s, want %s", th.State(), StateReady)
	}
}
