package decoder

import (
	"sync"

	"github.com/zalo/moonlight-embedded/internal/limelight"
)

// Passthrough hands each compressed access unit on unchanged, for outputs
// that decode themselves (a browser over WebRTC, or a raw sink).
type Passthrough struct {
	params Params
	ready  bool

	// work is filled by Submit; published was returned by the last
	// TakeLatestFrame and may still be read by the renderer.
	work      *Frame
	published *Frame
	pending   bool

	mu   sync.Mutex
	cond *sync.Cond
	done bool
}

var _ Decoder = (*Passthrough)(nil)

// NewPassthrough creates an uninitialized passthrough decoder.
func NewPassthrough() *Passthrough {
	p := &Passthrough{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Initialize implements Decoder.
func (p *Passthrough) Initialize(params Params) error {
	if params.Format&(limelight.VideoFormatMaskH264|limelight.VideoFormatMaskH265|limelight.VideoFormatMaskAV1) == 0 {
		return ErrUnsupportedFormat
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.params = params
	p.work = p.newFrame()
	p.published = p.newFrame()
	p.pending = false
	p.done = false
	p.ready = true
	return nil
}

func (p *Passthrough) newFrame() *Frame {
	return &Frame{
		Width:   p.params.Width,
		Height:  p.params.Height,
		Format:  PixelFormatCompressed,
		Codec:   p.params.Format,
		Planes:  [][]byte{nil},
		Strides: []int{0},
	}
}

// Submit implements Decoder. The unit is copied because the caller reuses
// its buffer for the next frame.
func (p *Passthrough) Submit(buf []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.ready {
		return ErrNotInitialized
	}

	p.work.Planes[0] = append(p.work.Planes[0][:0], buf...)
	p.work.Strides[0] = len(buf)
	p.pending = true
	p.cond.Broadcast()
	return nil
}

// TakeLatestFrame implements Decoder.
func (p *Passthrough) TakeLatestFrame(blocking bool) *Frame {
	p.mu.Lock()
	defer p.mu.Unlock()

	for blocking && p.ready && !p.pending && !p.done {
		p.cond.Wait()
	}
	if !p.ready || !p.pending {
		return nil
	}

	p.work, p.published = p.published, p.work
	p.pending = false
	return p.published
}

// Teardown implements Decoder.
func (p *Passthrough) Teardown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ready = false
	p.done = true
	p.work, p.published = nil, nil
	p.pending = false
	p.cond.Broadcast()
}
