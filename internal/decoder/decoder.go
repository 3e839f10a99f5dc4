// Package decoder wraps a concrete video decoder behind the small lifecycle
// the pipeline drives: initialize, submit one unit, take the newest frame,
// tear down.
package decoder

import (
	"errors"

	"github.com/zalo/moonlight-embedded/internal/limelight"
)

var (
	ErrNotInitialized    = errors.New("decoder not initialized")
	ErrUnsupportedFormat = errors.New("unsupported video format")
	ErrUnavailable       = errors.New("decoder not available in this build")
)

// PixelFormat describes the layout of a Frame's planes.
type PixelFormat int

const (
	// PixelFormatCompressed frames carry the access unit itself in Planes[0].
	PixelFormatCompressed PixelFormat = iota
	PixelFormatYUV420P
)

func (p PixelFormat) String() string {
	switch p {
	case PixelFormatCompressed:
		return "compressed"
	case PixelFormatYUV420P:
		return "yuv420p"
	default:
		return "unknown"
	}
}

// Params are the stream parameters a decoder is initialized with.
type Params struct {
	Format         limelight.VideoFormat
	Width          int
	Height         int
	Flags          int
	BufferedFrames int
	Parallelism    int
}

// Frame is a decoded picture. Its memory stays owned by the decoder and is
// only valid until the next TakeLatestFrame call.
type Frame struct {
	Width   int
	Height  int
	Format  PixelFormat
	Codec   limelight.VideoFormat
	Planes  [][]byte
	Strides []int
}

// Decoder is implemented by every decoder variant.
//
// Submit and TakeLatestFrame are called from the same goroutine, one unit at
// a time. TakeLatestFrame is always called while the frame handoff lock is
// held, which is what lets a decoder recycle the previously returned frame.
type Decoder interface {
	Initialize(p Params) error
	Submit(buf []byte) error

	// TakeLatestFrame returns the newest frame not yet taken, or nil. The
	// variants here decode synchronously inside Submit, so blocking only
	// matters for decoders with their own worker.
	TakeLatestFrame(blocking bool) *Frame

	// Teardown releases all resources. It is safe to call more than once and
	// after a failed Initialize.
	Teardown()
}
