package pipeline

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/zalo/moonlight-embedded/internal/decoder"
)

// ErrHandoffClosed is returned by Publish once the handoff is closed.
var ErrHandoffClosed = errors.New("frame handoff closed")

// FrameSource is the side of a decoder the handoff pulls from.
type FrameSource interface {
	TakeLatestFrame(blocking bool) *decoder.Frame
}

// Handoff passes decoded frames from the decode goroutine to the render
// loop. One mutex orders "take and publish the newest frame" against
// "read the current frame", so the renderer sees either the previous frame
// or the newest one and never a frame the decoder is still writing.
//
// Publish holds the lock only to swap a pointer and bump the counter; it
// never decodes or blocks on the renderer.
type Handoff struct {
	mu      sync.Mutex
	src     FrameSource
	frame   *decoder.Frame
	counter uint64
	closed  bool

	// One pending wakeup is enough: the renderer always reads the newest
	// frame, so a full channel means the next wakeup already covers it.
	notify chan uint64

	published atomic.Uint64
	coalesced atomic.Uint64
}

// NewHandoff creates a handoff pulling frames from src.
func NewHandoff(src FrameSource) *Handoff {
	return &Handoff{src: src, notify: make(chan uint64, 1)}
}

// Publish takes the decoder's newest frame and makes it current. It reports
// whether a frame was published.
func (h *Handoff) Publish() (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false, ErrHandoffClosed
	}

	f := h.src.TakeLatestFrame(false)
	if f == nil {
		return false, nil
	}

	h.counter++
	h.frame = f
	h.published.Add(1)

	select {
	case h.notify <- h.counter:
	default:
		h.coalesced.Add(1)
	}
	return true, nil
}

// View runs fn with the current frame and its counter while holding the
// lock. fn must not retain the frame after returning.
func (h *Handoff) View(fn func(f *decoder.Frame, counter uint64)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(h.frame, h.counter)
}

// Notifications delivers the counter of newly published frames. It is
// closed by Close.
func (h *Handoff) Notifications() <-chan uint64 {
	return h.notify
}

// Close stops publication and wakes the render loop. Idempotent.
func (h *Handoff) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	h.frame = nil
	close(h.notify)
}
