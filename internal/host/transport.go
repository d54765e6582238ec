package host

import (
	"errors"

	"github.com/chaz8081/padlink/internal/l2cap"
)

// FrameSize is the size of the single pending output frame.
const FrameSize = 78

// PendingOutputFrame is the one output report waiting for the channel.
type PendingOutputFrame struct {
	Bytes    [FrameSize]byte
	Len      int
	InFlight bool
}

// transport owns the output slot. Only the dispatch goroutine touches it.
type transport struct {
	out PendingOutputFrame
}

func (t *transport) reset() {
	t.out = PendingOutputFrame{}
}

// onOutputRequest stores the report. A report arriving while another is in
// flight replaces it: last write wins.
func (h *Host) onOutputRequest(e outputRequest) {
	if h.sess.State != StateReady {
		h.log.Debug("[HOST] dropping output report, not ready", "state", h.sess.State)
		return
	}
	out := &h.tx.out
	out.Len = copy(out.Bytes[:], e.report)
	if out.InFlight {
		return
	}
	out.InFlight = true
	h.requestSend()
}

func (h *Host) requestSend() {
	if err := h.chans.RequestCanSendNow(h.sess.Channels.Interrupt); err != nil {
		h.log.Error("[HOST] request send failed, dropping output", "cid", h.sess.Channels.Interrupt, "error", err)
		h.tx.out.InFlight = false
	}
}

func (h *Host) onCanSendNow(e CanSendNow) {
	out := &h.tx.out
	if !out.InFlight || e.CID != h.sess.Channels.Interrupt {
		return
	}

	err := h.chans.Send(h.sess.Channels.Interrupt, out.Bytes[:out.Len])
	switch {
	case err == nil:
		out.InFlight = false
		h.metrics.FrameSent()
	case errors.Is(err, l2cap.ErrQueueFull):
		h.log.Debug("[HOST] controller queue full, retrying output")
		h.metrics.Retry()
		h.requestSend()
	case errors.Is(err, l2cap.ErrPayloadTooLarge):
		h.log.Error("[HOST] output frame exceeds channel MTU", "len", out.Len, "error", err)
		out.InFlight = false
	default:
		h.log.Error("[HOST] output send failed", "error", err)
		out.InFlight = false
	}
}

// onChannelData copies inbound reports into the device buffers. Data before
// the session is ready is ignored.
func (h *Host) onChannelData(e ChannelData) {
	if h.sess.State != StateReady {
		return
	}
	switch e.CID {
	case h.sess.Channels.Interrupt:
		n := copy(h.dev.InputBuffer(), e.Payload)
		h.dev.InputReady(n)
		h.metrics.InputReport()
	case h.sess.Channels.Control:
		n := copy(h.dev.FeatureBuffer(), e.Payload)
		h.dev.FeatureReady(n)
	}
}

// PendingOutput returns a copy of the output slot, for diagnostics. Only
// call it from the dispatch goroutine.
func (h *Host) PendingOutput() PendingOutputFrame {
	return h.tx.out
}
