// Package host is the connection, pairing and transport core of a Classic
// HID gamepad host. All state lives in one Session mutated only by the
// dispatch goroutine; other goroutines talk to it by posting events.
package host

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"

	"github.com/chaz8081/padlink/internal/bond"
	"github.com/chaz8081/padlink/internal/hci"
	"github.com/chaz8081/padlink/internal/metrics"
)

// Options configures the host.
type Options struct {
	InquiryLength uint8  // inquiry duration in 1.28 s units
	RescanMax     int    // max rescan backoff in seconds
	ClassMask     uint32 // class-of-device bits compared during discovery
	ClassValue    uint32 // required value of the masked bits
	PIN           string // legacy pairing PIN
	Passkey       uint32 // SSP passkey entry reply

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Clock   clock.Clock
}

// DefaultOptions returns the settings a DualSense-class pad pairs with.
func DefaultOptions() Options {
	return Options{
		InquiryLength: 30,
		RescanMax:     30,
		ClassMask:     hci.GamepadClassMask,
		ClassValue:    hci.GamepadClassValue,
		PIN:           "0002",
		Passkey:       0,
	}
}

// Host owns the session and its components.
type Host struct {
	radio Radio
	chans Channels
	store bond.Store
	dev   Device

	opts    Options
	log     *slog.Logger
	clock   clock.Clock
	metrics *metrics.Metrics

	sess Session
	tx   transport

	// peerSignaled is set while the device has been told the peer is ready.
	peerSignaled bool

	rescanAttempt int
	rescanGen     uint64
	rescanTimer   *clock.Timer

	state        atomic.Int32
	authFailures atomic.Uint32

	mu    sync.Mutex
	queue []Event
	wake  chan struct{}
}

// New creates a host. Zero option fields take their DefaultOptions value.
func New(radio Radio, chans Channels, store bond.Store, dev Device, opts Options) *Host {
	def := DefaultOptions()
	if opts.InquiryLength == 0 {
		opts.InquiryLength = def.InquiryLength
	}
	if opts.RescanMax <= 0 {
		opts.RescanMax = def.RescanMax
	}
	if opts.ClassMask == 0 {
		opts.ClassMask = def.ClassMask
		opts.ClassValue = def.ClassValue
	}
	if opts.PIN == "" {
		opts.PIN = def.PIN
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Host{
		radio:   radio,
		chans:   chans,
		store:   store,
		dev:     dev,
		opts:    opts,
		log:     opts.Logger,
		clock:   opts.Clock,
		metrics: opts.Metrics,
		wake:    make(chan struct{}, 1),
	}
}

// State returns the current connection state. Safe for concurrent use.
func (h *Host) State() State {
	return State(h.state.Load())
}

// AuthFailures returns how many consecutive authentications with a stored
// key have failed. Safe for concurrent use.
func (h *Host) AuthFailures() uint32 {
	return h.authFailures.Load()
}

func (h *Host) setState(s State) {
	if h.sess.State == s {
		return
	}
	h.log.Debug("[HOST] state", "from", h.sess.State, "to", s, "session", h.sess.ID)
	h.sess.State = s
	h.state.Store(int32(s))
	h.metrics.SetState(int(s))
}

// Post queues an event for the dispatch goroutine. Safe for concurrent use
// and from inside a handler; the queue is unbounded so it never blocks.
func (h *Host) Post(ev Event) {
	h.mu.Lock()
	h.queue = append(h.queue, ev)
	h.mu.Unlock()
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *Host) pop() (Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.queue) == 0 {
		return nil, false
	}
	ev := h.queue[0]
	h.queue[0] = nil
	h.queue = h.queue[1:]
	return ev, true
}

// Run powers the radio on and dispatches queued events in arrival order
// until ctx is cancelled.
func (h *Host) Run(ctx context.Context) error {
	h.log.Info("[HOST] powering on radio")
	if err := h.radio.PowerOn(); err != nil {
		return fmt.Errorf("host: power on: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			h.stopRescan()
			return nil
		case <-h.wake:
		}
		for {
			ev, ok := h.pop()
			if !ok {
				break
			}
			h.Dispatch(ev)
		}
	}
}

// SendReport requests transmission of an output report on the interrupt
// channel. Safe for concurrent use; the report is copied.
func (h *Host) SendReport(report []byte) error {
	if len(report) == 0 {
		return nil
	}
	if len(report) > FrameSize {
		return fmt.Errorf("host: report is %d bytes, frame holds %d", len(report), FrameSize)
	}
	cp := make([]byte, len(report))
	copy(cp, report)
	h.Post(outputRequest{report: cp})
	return nil
}

// Dispatch routes one event to the component that owns it. It must only be
// called from the dispatch goroutine. Handlers never fail outward: a panic
// is logged and the event dropped.
func (h *Host) Dispatch(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("[HOST] handler panic", "event", fmt.Sprintf("%T", ev), "panic", r)
		}
	}()

	switch e := ev.(type) {
	// discovery/connection controller
	case StackReady:
		h.onStackReady()
	case InquiryResult:
		h.onInquiryResult(e)
	case InquiryComplete:
		h.onInquiryComplete(e)
	case rescanDue:
		h.onRescanDue(e)
	case ConnectionRequest:
		h.onConnectionRequest(e)
	case ConnectionComplete:
		h.onConnectionComplete(e)
	case LinkKeyRequest:
		h.onLinkKeyRequest(e)
	case LinkKeyNotification:
		h.onLinkKeyNotification(e)
	case UserConfirmationRequest:
		h.onUserConfirmation(e)
	case PasskeyRequest:
		h.onPasskeyRequest(e)
	case PINRequest:
		h.onPINRequest(e)
	case AuthenticationComplete:
		h.onAuthenticationComplete(e)
	case EncryptionChange:
		h.onEncryptionChange(e)
	case DisconnectionComplete:
		h.onDisconnectionComplete(e)
	case CommandStatus:
		h.onCommandStatus(e)

	// channel manager
	case ChannelIncoming:
		h.onChannelIncoming(e)
	case ChannelOpened:
		h.onChannelOpened(e)
	case ChannelClosed:
		h.onChannelClosed(e)

	// transport
	case ChannelData:
		h.onChannelData(e)
	case CanSendNow:
		h.onCanSendNow(e)
	case outputRequest:
		h.onOutputRequest(e)

	default:
		h.log.Warn("[HOST] unhandled event", "event", fmt.Sprintf("%T", ev))
	}
}
