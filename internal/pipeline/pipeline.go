// Package pipeline turns the decode units a streaming connection delivers
// into presented frames: assemble, decode, hand off, render.
package pipeline

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/zalo/moonlight-embedded/internal/decoder"
	"github.com/zalo/moonlight-embedded/internal/limelight"
)

// Options configure a Pipeline.
type Options struct {
	MaxDecodeSize  int
	FifoPath       string
	BufferedFrames int
	Parallelism    int
}

// Stats are the pipeline's frame counters.
type Stats struct {
	Submitted    uint64 `json:"submitted"`
	Published    uint64 `json:"published"`
	Coalesced    uint64 `json:"coalesced"`
	Dropped      uint64 `json:"dropped"`
	DecodeErrors uint64 `json:"decode_errors"`
}

// Pipeline is the per-session decode path. It is the callback table handed
// to the streaming connection, and owns the assembly buffer, the diagnostic
// pipe and the decoder for the session's lifetime.
type Pipeline struct {
	log     zerolog.Logger
	opts    Options
	dec     decoder.Decoder
	asm     *Assembler
	pipe    *DiagnosticPipe
	handoff *Handoff

	fatal     chan error
	failed    atomic.Bool
	closed    atomic.Bool
	fatalOnce sync.Once
	teardown  sync.Once

	submitted    atomic.Uint64
	dropped      atomic.Uint64
	decodeErrors atomic.Uint64
}

var _ limelight.DecoderRenderer = (*Pipeline)(nil)

// New creates a pipeline feeding dec.
func New(log zerolog.Logger, dec decoder.Decoder, opts Options) *Pipeline {
	if opts.MaxDecodeSize <= 0 {
		opts.MaxDecodeSize = 92 * 1024
	}
	if opts.BufferedFrames <= 0 {
		opts.BufferedFrames = 2
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = runtime.NumCPU()
	}

	return &Pipeline{
		log:     log,
		opts:    opts,
		dec:     dec,
		asm:     NewAssembler(opts.MaxDecodeSize),
		pipe:    NewDiagnosticPipe(log, opts.FifoPath),
		handoff: NewHandoff(dec),
		fatal:   make(chan error, 1),
	}
}

// Handoff returns the handoff the render loop reads from.
func (p *Pipeline) Handoff() *Handoff {
	return p.handoff
}

// Fatal delivers the error that ended streaming, at most once.
func (p *Pipeline) Fatal() <-chan error {
	return p.fatal
}

// Setup implements limelight.DecoderRenderer.
func (p *Pipeline) Setup(format limelight.VideoFormat, width, height, redrawRate int, flags int) error {
	p.pipe.Open()

	err := p.dec.Initialize(decoder.Params{
		Format:         format,
		Width:          width,
		Height:         height,
		Flags:          flags,
		BufferedFrames: p.opts.BufferedFrames,
		Parallelism:    p.opts.Parallelism,
	})
	if err != nil {
		return fmt.Errorf("decoder init: %w", err)
	}

	p.log.Info().Str("format", format.String()).Int("width", width).Int("height", height).
		Int("fps", redrawRate).Msg("Decoder initialized")
	return nil
}

// SubmitDecodeUnit implements limelight.DecoderRenderer. Per-frame failures
// drop the frame and ask the host for a new IDR; an oversized frame ends
// the session.
func (p *Pipeline) SubmitDecodeUnit(unit *limelight.DecodeUnit) int {
	if p.failed.Load() || p.closed.Load() {
		return limelight.DrNeedIDR
	}
	p.submitted.Add(1)

	buf, err := p.asm.Assemble(unit)
	if err != nil {
		if errors.Is(err, ErrDecodeBufferTooSmall) {
			p.fail(err)
			return limelight.DrNeedIDR
		}
		p.dropped.Add(1)
		p.log.Warn().Err(err).Msg("Dropping frame")
		return limelight.DrNeedIDR
	}

	p.pipe.Write(buf)

	if err := p.dec.Submit(buf); err != nil {
		p.decodeErrors.Add(1)
		p.log.Warn().Err(err).Uint32("frame", unit.FrameNumber).Msg("Decode failed")
		return limelight.DrNeedIDR
	}

	if _, err := p.handoff.Publish(); err != nil {
		p.dropped.Add(1)
		p.log.Debug().Err(err).Uint32("frame", unit.FrameNumber).Msg("Frame not published")
	}
	return limelight.DrOK
}

func (p *Pipeline) fail(err error) {
	p.fatalOnce.Do(func() {
		p.failed.Store(true)
		p.log.Error().Err(err).Msg("Streaming cannot continue")
		p.fatal <- err
	})
}

// Cleanup implements limelight.DecoderRenderer.
func (p *Pipeline) Cleanup() {
	p.Teardown()
}

// Teardown closes the handoff, then releases the decoder and the diagnostic
// pipe. Only call it once no submit can be running. Idempotent.
func (p *Pipeline) Teardown() {
	p.teardown.Do(func() {
		p.closed.Store(true)
		p.handoff.Close()
		p.dec.Teardown()
		p.pipe.Close()
		p.log.Debug().Interface("stats", p.Stats()).Msg("Pipeline torn down")
	})
}

// Stats returns a snapshot of the frame counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Submitted:    p.submitted.Load(),
		Published:    p.handoff.published.Load(),
		Coalesced:    p.handoff.coalesced.Load(),
		Dropped:      p.dropped.Load(),
		DecodeErrors: p.decodeErrors.Load(),
	}
}
