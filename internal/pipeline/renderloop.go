package pipeline

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/zalo/moonlight-embedded/internal/decoder"
)

// Renderer presents decoded frames.
type Renderer interface {
	// Upload consumes the frame while the handoff lock is held. It must copy
	// anything it needs later and must not block.
	Upload(f *decoder.Frame) error

	// Present shows the last uploaded frame, outside the lock.
	Present() error

	// Done is closed when the renderer wants the session to end, for
	// example because its window was closed. It may be nil.
	Done() <-chan struct{}
}

// RenderLoop consumes handoff notifications and presents the newest frame at
// its own pace.
type RenderLoop struct {
	log      zerolog.Logger
	handoff  *Handoff
	renderer Renderer

	last      uint64
	presented atomic.Uint64
	skipped   atomic.Uint64
	failed    atomic.Uint64
}

// NewRenderLoop creates a loop presenting frames from h on r.
func NewRenderLoop(log zerolog.Logger, h *Handoff, r Renderer) *RenderLoop {
	return &RenderLoop{log: log, handoff: h, renderer: r}
}

// Run blocks until ctx is cancelled, the renderer asks to quit, or the
// handoff is closed.
func (l *RenderLoop) Run(ctx context.Context) {
	notify := l.handoff.Notifications()
	done := l.renderer.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			l.log.Info().Msg("Renderer requested exit")
			return
		case _, ok := <-notify:
			if !ok {
				return
			}
			l.renderOnce()
		}
	}
}

func (l *RenderLoop) renderOnce() {
	var (
		uploaded bool
		err      error
	)

	l.handoff.View(func(f *decoder.Frame, counter uint64) {
		// Counters only grow; an older or repeated one has been shown already.
		if f == nil || counter <= l.last {
			l.skipped.Add(1)
			return
		}
		l.last = counter
		if err = l.renderer.Upload(f); err == nil {
			uploaded = true
		}
	})

	if err != nil {
		l.failed.Add(1)
		l.log.Warn().Err(err).Msg("Frame upload failed")
		return
	}
	if !uploaded {
		return
	}

	if err := l.renderer.Present(); err != nil {
		l.failed.Add(1)
		l.log.Warn().Err(err).Msg("Frame present failed")
		return
	}
	l.presented.Add(1)
}

// LastCounter returns the counter of the last uploaded frame.
func (l *RenderLoop) LastCounter() uint64 {
	var last uint64
	l.handoff.View(func(*decoder.Frame, uint64) { last = l.last })
	return last
}

// Presented returns how many frames were presented.
func (l *RenderLoop) Presented() uint64 {
	return l.presented.Load()
}
