// Package raw writes presented frames to a file or standard output, either
// as the compressed elementary stream or as planar YUV.
package raw

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/zalo/moonlight-embedded/internal/decoder"
)

// Renderer writes frames to an io.Writer.
type Renderer struct {
	log  zerolog.Logger
	path string

	out    *bufio.Writer
	closer io.Closer

	frame   []byte
	written uint64
}

// New creates a renderer writing to path, or to standard output when path
// is empty or "-".
func New(log zerolog.Logger, path string) *Renderer {
	return &Renderer{log: log, path: path}
}

// NewWriter creates a renderer writing to w.
func NewWriter(log zerolog.Logger, w io.Writer) *Renderer {
	return &Renderer{log: log, out: bufio.NewWriter(w)}
}

// Start opens the output.
func (r *Renderer) Start(context.Context) error {
	if r.out != nil {
		return nil
	}
	if r.path == "" || r.path == "-" {
		r.out = bufio.NewWriter(os.Stdout)
		return nil
	}

	f, err := os.Create(r.path)
	if err != nil {
		return err
	}
	r.out = bufio.NewWriter(f)
	r.closer = f
	r.log.Info().Str("path", r.path).Msg("Writing video")
	return nil
}

// Upload copies the frame: the compressed unit as is, decoded pictures as
// tightly packed planes.
func (r *Renderer) Upload(f *decoder.Frame) error {
	r.frame = r.frame[:0]

	switch f.Format {
	case decoder.PixelFormatCompressed:
		r.frame = append(r.frame, f.Planes[0]...)
	case decoder.PixelFormatYUV420P:
		if len(f.Planes) < 3 || len(f.Strides) < 3 {
			return errors.New("incomplete yuv frame")
		}
		for i := 0; i < 3; i++ {
			w, h := f.Width, f.Height
			if i > 0 {
				w, h = (w+1)/2, (h+1)/2
			}
			r.frame = appendPlane(r.frame, f.Planes[i], f.Strides[i], w, h)
		}
	default:
		return errors.New("unsupported pixel format " + f.Format.String())
	}
	return nil
}

func appendPlane(dst, plane []byte, stride, width, height int) []byte {
	for y := 0; y < height; y++ {
		start := y * stride
		if start+width > len(plane) {
			break
		}
		dst = append(dst, plane[start:start+width]...)
	}
	return dst
}

// Present writes the uploaded frame.
func (r *Renderer) Present() error {
	if r.out == nil {
		return errors.New("renderer not started")
	}
	if _, err := r.out.Write(r.frame); err != nil {
		return err
	}
	r.written++
	return r.out.Flush()
}

// Done never fires; the raw output has no way to end a session.
func (r *Renderer) Done() <-chan struct{} {
	return nil
}

// Close flushes and closes the output.
func (r *Renderer) Close() error {
	var err error
	if r.out != nil {
		err = r.out.Flush()
	}
	if r.closer != nil {
		err = errors.Join(err, r.closer.Close())
		r.closer = nil
	}
	r.log.Debug().Uint64("frames", r.written).Msg("Raw output closed")
	return err
}
