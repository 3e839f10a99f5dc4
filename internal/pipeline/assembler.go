package pipeline

import (
	"errors"
	"fmt"

	"github.com/zalo/moonlight-embedded/internal/limelight"
)

var (
	// ErrDecodeBufferTooSmall means the host sends frames larger than the
	// local decode buffer. Streaming cannot continue with these parameters.
	ErrDecodeBufferTooSmall = errors.New("decode buffer too small for frame")

	// ErrMalformedUnit means a unit's fragments do not add up to its length.
	ErrMalformedUnit = errors.New("malformed decode unit")
)

// Assembler copies the fragments of a decode unit into one contiguous,
// reused buffer. It is used from a single goroutine.
type Assembler struct {
	buf []byte
	max int
}

// NewAssembler creates an assembler for units strictly smaller than max bytes.
func NewAssembler(max int) *Assembler {
	return &Assembler{buf: make([]byte, max), max: max}
}

// MaxSize returns the decode buffer capacity.
func (a *Assembler) MaxSize() int {
	return a.max
}

// Assemble returns the unit's fragments concatenated in delivery order. The
// result aliases the assembler's buffer and is overwritten by the next call.
func (a *Assembler) Assemble(unit *limelight.DecodeUnit) ([]byte, error) {
	if unit.FullLength >= a.max {
		return nil, fmt.Errorf("%w: frame %d is %d bytes, buffer holds %d",
			ErrDecodeBufferTooSmall, unit.FrameNumber, unit.FullLength, a.max)
	}

	total := 0
	for _, f := range unit.Fragments {
		total += len(f.Data)
	}
	if total != unit.FullLength {
		return nil, fmt.Errorf("%w: frame %d fragments hold %d bytes, expected %d",
			ErrMalformedUnit, unit.FrameNumber, total, unit.FullLength)
	}

	off := 0
	for _, f := range unit.Fragments {
		off += copy(a.buf[off:], f.Data)
	}
	return a.buf[:off], nil
}
