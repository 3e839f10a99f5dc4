//go:build !ffmpeg

package decoder

// FFmpeg is only available when built with the ffmpeg tag.
type FFmpeg struct{}

var _ Decoder = (*FFmpeg)(nil)

// NewFFmpeg reports that software decoding was not compiled in.
func NewFFmpeg() (*FFmpeg, error) {
	return nil, ErrUnavailable
}

func (*FFmpeg) Initialize(Params) error     { return ErrUnavailable }
func (*FFmpeg) Submit([]byte) error         { return ErrUnavailable }
func (*FFmpeg) TakeLatestFrame(bool) *Frame { return nil }
func (*FFmpeg) Teardown()                   {}
