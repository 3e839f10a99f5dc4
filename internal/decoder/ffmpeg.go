//go:build ffmpeg

package decoder

import (
	"errors"
	"fmt"
	"sync"

	"github.com/asticode/go-astiav"

	"github.com/zalo/moonlight-embedded/internal/limelight"
)

// FFmpeg decodes in software through libavcodec.
type FFmpeg struct {
	mu sync.Mutex

	ctx    *astiav.CodecContext
	pkt    *astiav.Packet
	frame  *astiav.Frame
	params Params

	work      *Frame
	published *Frame
	pending   bool
}

var _ Decoder = (*FFmpeg)(nil)

// NewFFmpeg creates an uninitialized software decoder.
func NewFFmpeg() (*FFmpeg, error) {
	return &FFmpeg{}, nil
}

func codecID(f limelight.VideoFormat) (astiav.CodecID, error) {
	switch {
	case f&limelight.VideoFormatMaskH264 != 0:
		return astiav.CodecIDH264, nil
	case f&limelight.VideoFormatMaskH265 != 0:
		return astiav.CodecIDHevc, nil
	case f&limelight.VideoFormatMaskAV1 != 0:
		return astiav.CodecIDAv1, nil
	}
	return 0, ErrUnsupportedFormat
}

// Initialize implements Decoder.
func (d *FFmpeg) Initialize(p Params) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	id, err := codecID(p.Format)
	if err != nil {
		return err
	}
	codec := astiav.FindDecoder(id)
	if codec == nil {
		return fmt.Errorf("%w: no decoder for %s", ErrUnsupportedFormat, p.Format)
	}

	d.ctx = astiav.AllocCodecContext(codec)
	if d.ctx == nil {
		return errors.New("AllocCodecContext failed")
	}
	d.ctx.SetWidth(p.Width)
	d.ctx.SetHeight(p.Height)
	if p.Parallelism > 1 {
		d.ctx.SetThreadCount(p.Parallelism)
		d.ctx.SetThreadType(astiav.ThreadTypeSlice)
	}

	opts := astiav.NewDictionary()
	defer opts.Free()
	_ = opts.Set("flags", "low_delay", 0)
	_ = opts.Set("flags2", "fast", 0)

	if err := d.ctx.Open(codec, opts); err != nil {
		d.releaseLocked()
		return fmt.Errorf("open decoder: %w", err)
	}

	d.pkt = astiav.AllocPacket()
	d.frame = astiav.AllocFrame()
	d.params = p
	d.work = &Frame{Format: PixelFormatYUV420P, Codec: p.Format}
	d.published = &Frame{Format: PixelFormatYUV420P, Codec: p.Format}
	return nil
}

// Submit implements Decoder. A unit that completes no picture leaves the
// pending frame unchanged.
func (d *FFmpeg) Submit(buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ctx == nil {
		return ErrNotInitialized
	}

	if err := d.pkt.FromData(buf); err != nil {
		return fmt.Errorf("packet from data: %w", err)
	}
	defer d.pkt.Unref()

	if err := d.ctx.SendPacket(d.pkt); err != nil && !errors.Is(err, astiav.ErrEagain) {
		return fmt.Errorf("send packet: %w", err)
	}

	for {
		err := d.ctx.ReceiveFrame(d.frame)
		if errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("receive frame: %w", err)
		}
		err = d.copyFrameLocked()
		d.frame.Unref()
		if err != nil {
			return err
		}
		d.pending = true
	}
}

// copyFrameLocked packs the decoded picture into the work slot as
// contiguous Y, U and V planes.
func (d *FFmpeg) copyFrameLocked() error {
	n, err := d.frame.ImageBufferSize(1)
	if err != nil {
		return fmt.Errorf("image buffer size: %w", err)
	}

	w, h := d.frame.Width(), d.frame.Height()
	f := d.work
	var data []byte
	if len(f.Planes) > 0 && cap(f.Planes[0]) >= n {
		data = f.Planes[0][:n]
	} else {
		data = make([]byte, n)
	}
	if _, err := d.frame.ImageCopyToBuffer(data, 1); err != nil {
		return fmt.Errorf("image copy: %w", err)
	}

	cw, ch := (w+1)/2, (h+1)/2
	ySize, cSize := w*h, cw*ch
	if ySize+2*cSize > n {
		return fmt.Errorf("unexpected pixel format %s", d.frame.PixelFormat())
	}

	f.Width, f.Height = w, h
	f.Planes = [][]byte{data[:ySize], data[ySize : ySize+cSize], data[ySize+cSize : ySize+2*cSize]}
	f.Strides = []int{w, cw, cw}
	return nil
}

// TakeLatestFrame implements Decoder.
func (d *FFmpeg) TakeLatestFrame(blocking bool) *Frame {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.pending {
		return nil
	}
	d.work, d.published = d.published, d.work
	d.pending = false
	return d.published
}

// Teardown implements Decoder.
func (d *FFmpeg) Teardown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.releaseLocked()
}

func (d *FFmpeg) releaseLocked() {
	if d.frame != nil {
		d.frame.Free()
		d.frame = nil
	}
	if d.pkt != nil {
		d.pkt.Free()
		d.pkt = nil
	}
	if d.ctx != nil {
		d.ctx.Free()
		d.ctx = nil
	}
	d.work, d.published = nil, nil
	d.pending = false
}
