// Package gamepad is the report-level view of the connected controller. Pad
// receives raw input and feature reports from the host, publishes them as
// updates, and forwards output reports back through a ReportSender.
package gamepad

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/chaz8081/padlink/internal/hci"
	"github.com/chaz8081/padlink/internal/host"
)

// FeatureSize is the size of the feature report buffer.
const FeatureSize = 64

// ErrNotAttached is returned by SetOutput before Attach.
var ErrNotAttached = errors.New("gamepad: no report sender attached")

// ReportSender is the interface the host exposes for output reports.
type ReportSender interface {
	SendReport(report []byte) error
}

// Kind says what an Update carries.
type Kind int

const (
	KindInput Kind = iota + 1
	KindFeature
	KindConnected
	KindDisconnected
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindFeature:
		return "feature"
	case KindConnected:
		return "connected"
	case KindDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Update is one change published on the Updates channel.
type Update struct {
	Kind   Kind
	Addr   hci.Addr
	Report []byte
}

// Options configures a Pad.
type Options struct {
	// InitialOutput is sent once every time the pad becomes ready.
	InitialOutput []byte
	// Buffer is the capacity of the Updates channel.
	Buffer int
	Logger *slog.Logger
}

// Pad implements host.Device.
type Pad struct {
	opts Options
	log  *slog.Logger

	// written only by the host's dispatch goroutine
	input   [host.FrameSize]byte
	feature [FeatureSize]byte

	mu        sync.Mutex
	sender    ReportSender
	peer      hci.Addr
	connected bool
	last      []byte
	dropped   uint64

	updates chan Update
}

var _ host.Device = (*Pad)(nil)

// New creates a pad.
func New(opts Options) *Pad {
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pad{
		opts:    opts,
		log:     opts.Logger,
		updates: make(chan Update, opts.Buffer),
	}
}

// Attach sets the sender for output reports.
// Panics if sender is nil (programmer error).
func (p *Pad) Attach(sender ReportSender) {
	if sender == nil {
		panic("gamepad: Attach called with nil sender")
	}
	p.mu.Lock()
	p.sender = sender
	p.mu.Unlock()
}

// Updates returns the channel updates are published on. When the reader
// falls behind, new updates are dropped.
func (p *Pad) Updates() <-chan Update {
	return p.updates
}

// Connected returns the peer address while a session is ready.
func (p *Pad) Connected() (hci.Addr, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peer, p.connected
}

// LastInput returns a copy of the most recent input report.
func (p *Pad) LastInput() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return nil
	}
	return append([]byte(nil), p.last...)
}

// Dropped returns how many updates were lost to a full channel.
func (p *Pad) Dropped() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// SetOutput sends an output report to the controller.
func (p *Pad) SetOutput(report []byte) error {
	if len(report) == 0 {
		return nil
	}
	p.mu.Lock()
	sender := p.sender
	p.mu.Unlock()
	if sender == nil {
		return ErrNotAttached
	}
	return sender.SendReport(report)
}

func (p *Pad) InputBuffer() []byte { return p.input[:] }

func (p *Pad) InputReady(n int) {
	report := append([]byte(nil), p.input[:n]...)
	p.mu.Lock()
	p.last = report
	addr := p.peer
	p.mu.Unlock()
	p.publish(Update{Kind: KindInput, Addr: addr, Report: report})
}

func (p *Pad) FeatureBuffer() []byte { return p.feature[:] }

func (p *Pad) FeatureReady(n int) {
	report := append([]byte(nil), p.feature[:n]...)
	p.mu.Lock()
	addr := p.peer
	p.mu.Unlock()
	p.publish(Update{Kind: KindFeature, Addr: addr, Report: report})
}

// PeerReady records the peer and sends the initial output report.
func (p *Pad) PeerReady(addr hci.Addr) {
	p.mu.Lock()
	p.peer = addr
	p.connected = true
	p.mu.Unlock()

	p.log.Info("[PAD] controller ready", "addr", addr)
	p.publish(Update{Kind: KindConnected, Addr: addr})

	if len(p.opts.InitialOutput) > 0 {
		if err := p.SetOutput(p.opts.InitialOutput); err != nil {
			p.log.Warn("[PAD] initial output report failed", "error", err)
		}
	}
}

func (p *Pad) PeerLost() {
	p.mu.Lock()
	addr := p.peer
	p.peer = hci.Addr{}
	p.connected = false
	p.last = nil
	p.mu.Unlock()

	p.log.Info("[PAD] controller lost", "addr", addr)
	p.publish(Update{Kind: KindDisconnected, Addr: addr})
}

func (p *Pad) publish(u Update) {
	select {
	case p.updates <- u:
	default:
		p.mu.Lock()
		p.dropped++
		p.mu.Unlock()
	}
}
