// Package stack drives a Bluetooth controller over an HCI transport. It
// implements host.Radio and host.Channels and reports what the controller
// does as host events.
//
// Stack state is guarded by one mutex. Events produced while it is held are
// collected and handed to the sink just before it is released.
package stack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/chaz8081/padlink/internal/hci"
	"github.com/chaz8081/padlink/internal/host"
	"github.com/chaz8081/padlink/internal/l2cap"
)

var (
	// ErrUnknownConnection is returned for a handle or address with no ACL link.
	ErrUnknownConnection = errors.New("stack: unknown connection")
	// ErrNotReady is returned for operations issued before initialization
	// has finished.
	ErrNotReady = errors.New("stack: controller not initialized")
)

var (
	_ host.Radio    = (*Stack)(nil)
	_ host.Channels = (*Stack)(nil)
)

// Fallback ACL buffer geometry when Read Buffer Size fails.
const (
	fallbackACLLength  = 27
	fallbackACLPackets = 4
)

// Options configures the stack.
type Options struct {
	LocalName string
	LocalMTU  uint16 // advertised in L2CAP configuration, 0 for default
	Logger    *slog.Logger
}

// Poster receives stack events, normally *host.Host.
type Poster interface {
	Post(ev host.Event)
}

type conn struct {
	handle   uint16
	addr     hci.Addr
	rx       hci.Reassembler
	inflight int // ACL packets sent and not yet completed
}

// Stack is the radio and channel layer over one controller.
type Stack struct {
	rw   io.ReadWriteCloser
	opts Options
	log  *slog.Logger

	mu   sync.Mutex
	sink Poster

	ready   bool
	initOps []hci.Opcode

	cmdCredits int
	cmdQueue   []hci.Command

	aclLength int
	aclFree   int
	aclTotal  int
	aclQueue  []queuedACL // packets waiting for a controller buffer
	wants     []l2cap.CID

	scan          uint8
	inquiring     bool
	authRequested map[uint16]bool
	conns         map[uint16]*conn
	mux           *l2cap.Mux

	pending []host.Event
}

// New creates a stack over rw. Attach must be called before Run.
func New(rw io.ReadWriteCloser, opts Options) *Stack {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.LocalName == "" {
		opts.LocalName = "padlink"
	}
	return &Stack{
		rw:            rw,
		opts:          opts,
		log:           opts.Logger,
		cmdCredits:    1,
		authRequested: make(map[uint16]bool),
		conns:         make(map[uint16]*conn),
		mux:           l2cap.NewMux(opts.LocalMTU, opts.Logger),
	}
}

// Attach sets where events go.
func (s *Stack) Attach(p Poster) {
	if p == nil {
		panic("stack: Attach called with nil poster")
	}
	s.mu.Lock()
	s.sink = p
	s.mu.Unlock()
}

// Run reads packets from the transport until ctx is cancelled or the
// transport fails. Cancelling ctx closes the transport.
func (s *Stack) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		s.rw.Close()
	})
	defer stop()

	buf := make([]byte, 4096)
	for {
		n, err := s.rw.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("stack: transport closed: %w", err)
			}
			return fmt.Errorf("stack: read: %w", err)
		}
		s.handlePacket(buf[:n])
	}
}

// emit queues ev for delivery when the lock is released.
func (s *Stack) emit(ev host.Event) {
	s.pending = append(s.pending, ev)
}

// unlock delivers queued events and releases the lock. Events are posted
// while the lock is held so the sink sees them in production order; the
// sink must not call back into the stack from Post.
func (s *Stack) unlock() {
	evs := s.pending
	s.pending = nil
	defer s.mu.Unlock()

	if s.sink == nil {
		if len(evs) > 0 {
			s.log.Warn("[HCI] no sink attached, dropping events", "count", len(evs))
		}
		return
	}
	for _, ev := range evs {
		s.sink.Post(ev)
	}
}

func (s *Stack) write(b []byte) error {
	if _, err := s.rw.Write(b); err != nil {
		return fmt.Errorf("stack: write: %w", err)
	}
	return nil
}

// command sends c now if the controller has a command credit, otherwise
// queues it.
func (s *Stack) command(c hci.Command) error {
	if s.cmdCredits <= 0 || len(s.cmdQueue) > 0 {
		s.cmdQueue = append(s.cmdQueue, c)
		return nil
	}
	s.cmdCredits--
	s.log.Debug("[HCI] command", "op", c.Opcode)
	return s.write(c.Marshal())
}

func (s *Stack) flushCommands() {
	for s.cmdCredits > 0 && len(s.cmdQueue) > 0 {
		c := s.cmdQueue[0]
		s.cmdQueue = s.cmdQueue[1:]
		s.cmdCredits--
		s.log.Debug("[HCI] command", "op", c.Opcode)
		if err := s.write(c.Marshal()); err != nil {
			s.log.Error("[HCI] queued command failed", "op", c.Opcode, "error", err)
		}
	}
}

// readyCommand sends c once initialization has finished.
func (s *Stack) readyCommand(c hci.Command) error {
	s.mu.Lock()
	defer s.unlock()
	if !s.ready {
		return ErrNotReady
	}
	return s.command(c)
}

// PowerOn resets the controller and runs the initialization sequence.
// host.StackReady is emitted when the last step completes.
func (s *Stack) PowerOn() error {
	s.mu.Lock()
	defer s.unlock()

	s.ready = false
	s.cmdCredits = 1
	s.cmdQueue = nil
	s.aclQueue = nil
	s.wants = nil
	s.scan = 0
	s.inquiring = false
	for h := range s.conns {
		s.mux.DropHandle(h)
	}
	s.conns = make(map[uint16]*conn)
	s.authRequested = make(map[uint16]bool)

	seq := []hci.Command{
		hci.Reset(),
		hci.SetEventMask(hci.DefaultEventMask),
		hci.WriteSimplePairingMode(true),
		hci.WriteSecureConnectionsHostSupport(true),
		hci.WriteLocalName(s.opts.LocalName),
		hci.ReadBufferSize(),
	}
	s.initOps = s.initOps[:0]
	for _, c := range seq {
		s.initOps = append(s.initOps, c.Opcode)
	}
	s.log.Info("[HCI] initializing controller", "name", s.opts.LocalName)
	for _, c := range seq {
		if err := s.command(c); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stack) StartInquiry(length uint8) error {
	s.mu.Lock()
	defer s.unlock()
	if !s.ready {
		return ErrNotReady
	}
	if err := s.command(hci.Inquiry(length, 0)); err != nil {
		return err
	}
	s.inquiring = true
	return nil
}

// StopInquiry cancels the inquiry. The controller reports no Inquiry
// Complete after a cancel, so one is emitted when the cancel completes.
func (s *Stack) StopInquiry() error {
	s.mu.Lock()
	defer s.unlock()
	if !s.ready {
		return ErrNotReady
	}
	if !s.inquiring {
		s.emit(host.InquiryComplete{Status: hci.StatusSuccess})
		return nil
	}
	return s.command(hci.InquiryCancel())
}

func (s *Stack) SetDiscoverable(on bool) error {
	return s.setScan(hci.ScanInquiry, on)
}

func (s *Stack) SetConnectable(on bool) error {
	return s.setScan(hci.ScanPage, on)
}

func (s *Stack) setScan(bit uint8, on bool) error {
	s.mu.Lock()
	defer s.unlock()
	if !s.ready {
		return ErrNotReady
	}
	scan := s.scan &^ bit
	if on {
		scan |= bit
	}
	if scan == s.scan {
		return nil
	}
	s.scan = scan
	return s.command(hci.WriteScanEnable(scan))
}

func (s *Stack) CreateConnection(addr hci.Addr) error {
	return s.readyCommand(hci.CreateConnection(addr, hci.DefaultACLPacketTypes, true))
}

// AcceptConnection accepts the link and asks to become central.
func (s *Stack) AcceptConnection(addr hci.Addr) error {
	return s.readyCommand(hci.AcceptConnectionRequest(addr, hci.RoleCentral))
}

func (s *Stack) RejectConnection(addr hci.Addr, reason hci.Status) error {
	return s.readyCommand(hci.RejectConnectionRequest(addr, reason))
}

func (s *Stack) Disconnect(handle uint16) error {
	s.mu.Lock()
	defer s.unlock()
	if _, ok := s.conns[handle]; !ok {
		return fmt.Errorf("%w: handle 0x%03X", ErrUnknownConnection, handle)
	}
	return s.command(hci.Disconnect(handle, hci.StatusRemoteUserTerminated))
}

// RequestAuthentication starts authentication. Encryption is switched on
// when it succeeds.
func (s *Stack) RequestAuthentication(handle uint16) error {
	s.mu.Lock()
	defer s.unlock()
	if _, ok := s.conns[handle]; !ok {
		return fmt.Errorf("%w: handle 0x%03X", ErrUnknownConnection, handle)
	}
	s.authRequested[handle] = true
	return s.command(hci.AuthenticationRequested(handle))
}

func (s *Stack) LinkKeyReply(addr hci.Addr, key hci.LinkKey) error {
	return s.readyCommand(hci.LinkKeyRequestReply(addr, key))
}

func (s *Stack) LinkKeyNegativeReply(addr hci.Addr) error {
	return s.readyCommand(hci.LinkKeyRequestNegativeReply(addr))
}

func (s *Stack) ConfirmUser(addr hci.Addr) error {
	return s.readyCommand(hci.UserConfirmationRequestReply(addr))
}

func (s *Stack) PasskeyReply(addr hci.Addr, passkey uint32) error {
	return s.readyCommand(hci.UserPasskeyRequestReply(addr, passkey))
}

func (s *Stack) PINReply(addr hci.Addr, pin string) error {
	c, err := hci.PINCodeRequestReply(addr, pin)
	if err != nil {
		return err
	}
	return s.readyCommand(c)
}

func (s *Stack) connByAddr(addr hci.Addr) (*conn, bool) {
	for _, c := range s.conns {
		if c.addr == addr {
			return c, true
		}
	}
	return nil, false
}
