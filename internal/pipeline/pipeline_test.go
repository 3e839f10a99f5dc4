package pipeline

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/zalo/moonlight-embedded/internal/decoder"
	"github.com/zalo/moonlight-embedded/internal/limelight"
)

func unitOf(frame uint32, parts ...[]byte) *limelight.DecodeUnit {
	u := &limelight.DecodeUnit{FrameNumber: frame, FrameType: limelight.FrameTypePFrame}
	for _, p := range parts {
		u.Fragments = append(u.Fragments, limelight.Fragment{Data: p})
		u.FullLength += len(p)
	}
	return u
}

func TestAssembleConcatenatesInOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	a := NewAssembler(4096)

	for i := 0; i < 200; i++ {
		var parts [][]byte
		var want []byte
		for n := rng.Intn(6); n > 0; n-- {
			p := make([]byte, rng.Intn(600))
			rng.Read(p)
			parts = append(parts, p)
			want = append(want, p...)
		}
		if len(want) >= a.MaxSize() {
			continue
		}

		got, err := a.Assemble(unitOf(uint32(i), parts...))
		if err != nil {
			t.Fatalf("unit %d: %v", i, err)
		}
		if len(got) != len(want) || !bytes.Equal(got, want) {
			t.Fatalf("unit %d: assembled %d bytes, want %d", i, len(got), len(want))
		}
	}
}

func TestAssembleRejectsOversizedUnit(t *testing.T) {
	a := NewAssembler(16)

	for _, size := range []int{16, 17, 100} {
		_, err := a.Assemble(unitOf(1, make([]byte, size)))
		if !errors.Is(err, ErrDecodeBufferTooSmall) {
			t.Errorf("size %d: err = %v, want ErrDecodeBufferTooSmall", size, err)
		}
	}
	if _, err := a.Assemble(unitOf(1, make([]byte, 15))); err != nil {
		t.Errorf("size 15: %v", err)
	}
}

func TestAssembleRejectsLengthMismatch(t *testing.T) {
	a := NewAssembler(64)
	u := unitOf(3, []byte("abc"))
	u.FullLength = 5

	if _, err := a.Assemble(u); !errors.Is(err, ErrMalformedUnit) {
		t.Fatalf("err = %v, want ErrMalformedUnit", err)
	}
}

// recordingDecoder counts calls and wraps a passthrough decoder.
type recordingDecoder struct {
	*decoder.Passthrough
	mu        sync.Mutex
	submits   int
	teardowns int
}

func newRecordingDecoder() *recordingDecoder {
	return &recordingDecoder{Passthrough: decoder.NewPassthrough()}
}

func (d *recordingDecoder) Submit(buf []byte) error {
	d.mu.Lock()
	d.submits++
	d.mu.Unlock()
	return d.Passthrough.Submit(buf)
}

func (d *recordingDecoder) Teardown() {
	d.mu.Lock()
	d.teardowns++
	d.mu.Unlock()
	d.Passthrough.Teardown()
}

func newTestPipeline(t *testing.T, dec decoder.Decoder, max int) *Pipeline {
	t.Helper()
	p := New(zerolog.Nop(), dec, Options{MaxDecodeSize: max})
	if err := p.Setup(limelight.VideoFormatH264, 1280, 720, 60, 0); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	return p
}

func TestOversizedUnitEndsSessionWithoutDecoding(t *testing.T) {
	dec := newRecordingDecoder()
	p := newTestPipeline(t, dec, 32)

	if ret := p.SubmitDecodeUnit(unitOf(1, make([]byte, 40))); ret != limelight.DrNeedIDR {
		t.Errorf("ret = %d", ret)
	}
	select {
	case err := <-p.Fatal():
		if !errors.Is(err, ErrDecodeBufferTooSmall) {
			t.Errorf("fatal = %v", err)
		}
	default:
		t.Fatal("no fatal error reported")
	}

	// Later units are refused too.
	p.SubmitDecodeUnit(unitOf(2, []byte("ok")))
	if dec.submits != 0 {
		t.Errorf("decoder called %d times", dec.submits)
	}
}

func TestSubmitPublishesFrame(t *testing.T) {
	p := newTestPipeline(t, decoder.NewPassthrough(), 1024)

	if ret := p.SubmitDecodeUnit(unitOf(1, []byte("ab"), []byte("cd"))); ret != limelight.DrOK {
		t.Fatalf("ret = %d", ret)
	}

	select {
	case c := <-p.Handoff().Notifications():
		if c != 1 {
			t.Errorf("counter = %d, want 1", c)
		}
	default:
		t.Fatal("no notification")
	}
	p.Handoff().View(func(f *decoder.Frame, counter uint64) {
		if f == nil || string(f.Planes[0]) != "abcd" {
			t.Errorf("frame = %+v", f)
		}
	})

	if s := p.Stats(); s.Submitted != 1 || s.Published != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestTeardownIsIdempotent(t *testing.T) {
	dec := newRecordingDecoder()
	fifo := filepath.Join(t.TempDir(), "stream.h264")
	if err := syscall.Mkfifo(fifo, 0600); err != nil {
		t.Skipf("mkfifo: %v", err)
	}
	reader, err := os.OpenFile(fifo, os.O_RDONLY|syscall.O_NONBLOCK, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()

	p := New(zerolog.Nop(), dec, Options{MaxDecodeSize: 1024, FifoPath: fifo})
	if err := p.Setup(limelight.VideoFormatH264, 640, 480, 30, 0); err != nil {
		t.Fatal(err)
	}
	p.SubmitDecodeUnit(unitOf(1, []byte("one")))
	p.SubmitDecodeUnit(unitOf(2, []byte("two")))

	p.Cleanup()
	p.Teardown()

	if dec.teardowns != 1 {
		t.Errorf("decoder torn down %d times", dec.teardowns)
	}
	if _, err := p.Handoff().Publish(); !errors.Is(err, ErrHandoffClosed) {
		t.Errorf("publish after teardown: %v", err)
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "onetwo" {
		t.Errorf("diagnostic copy = %q", data)
	}

	// Submits after teardown must not reach the decoder.
	p.SubmitDecodeUnit(unitOf(3, []byte("three")))
	if dec.submits != 2 {
		t.Errorf("decoder submits = %d", dec.submits)
	}
}

func TestDiagnosticPipeFailureIsNotFatal(t *testing.T) {
	p := New(zerolog.Nop(), decoder.NewPassthrough(), Options{
		MaxDecodeSize: 1024,
		FifoPath:      filepath.Join(t.TempDir(), "missing", "dir", "pipe"),
	})
	if err := p.Setup(limelight.VideoFormatH264, 640, 480, 30, 0); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if ret := p.SubmitDecodeUnit(unitOf(1, []byte("x"))); ret != limelight.DrOK {
		t.Errorf("ret = %d", ret)
	}
	p.Teardown()
}

func TestDiagnosticPipeCreatesNothing(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "stream.h264")
	regular := filepath.Join(dir, "regular.h264")
	if err := os.WriteFile(regular, nil, 0644); err != nil {
		t.Fatal(err)
	}

	for _, path := range []string{missing, regular} {
		p := New(zerolog.Nop(), decoder.NewPassthrough(), Options{MaxDecodeSize: 1024, FifoPath: path})
		if err := p.Setup(limelight.VideoFormatH264, 640, 480, 30, 0); err != nil {
			t.Fatalf("Setup: %v", err)
		}
		p.SubmitDecodeUnit(unitOf(1, []byte("frame")))
		p.Teardown()
	}

	if _, err := os.Stat(missing); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("missing pipe path: stat err = %v, want not exist", err)
	}
	if data, _ := os.ReadFile(regular); len(data) != 0 {
		t.Errorf("regular file written: %q", data)
	}
}

// checkingRenderer verifies every uploaded frame is whole and newer than
// the previous one. Frames carry their sequence number repeated.
type checkingRenderer struct {
	t        *testing.T
	lastSeq  uint64
	uploaded int
	pending  []byte
	done     chan struct{}
}

func (r *checkingRenderer) Upload(f *decoder.Frame) error {
	data := f.Planes[0]
	if len(data) == 0 || len(data)%8 != 0 {
		r.t.Errorf("frame length %d", len(data))
		return nil
	}
	seq := binary.BigEndian.Uint64(data)
	for off := 8; off < len(data); off += 8 {
		if binary.BigEndian.Uint64(data[off:]) != seq {
			r.t.Errorf("torn frame: seq %d at 0, %d at %d", seq, binary.BigEndian.Uint64(data[off:]), off)
			return nil
		}
	}
	if seq <= r.lastSeq {
		r.t.Errorf("frame went backwards: %d after %d", seq, r.lastSeq)
	}
	r.lastSeq = seq
	r.uploaded++
	r.pending = append(r.pending[:0], data...)
	return nil
}

func (r *checkingRenderer) Present() error {
	// simulate a slow display
	time.Sleep(50 * time.Microsecond)
	return nil
}

func (r *checkingRenderer) Done() <-chan struct{} { return r.done }

func TestRenderLoopNeverSeesTornOrOlderFrames(t *testing.T) {
	p := newTestPipeline(t, decoder.NewPassthrough(), 64*1024)
	r := &checkingRenderer{t: t}
	loop := NewRenderLoop(zerolog.Nop(), p.Handoff(), r)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loopDone := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(loopDone)
	}()

	const frames = 2000
	rng := rand.New(rand.NewSource(7))
	for seq := uint64(1); seq <= frames; seq++ {
		n := 1 + rng.Intn(512)
		payload := make([]byte, 8*n)
		for off := 0; off < len(payload); off += 8 {
			binary.BigEndian.PutUint64(payload[off:], seq)
		}
		// split into uneven fragments
		cut := rng.Intn(len(payload))
		if ret := p.SubmitDecodeUnit(unitOf(uint32(seq), payload[:cut], payload[cut:])); ret != limelight.DrOK {
			t.Fatalf("frame %d: ret %d", seq, ret)
		}
	}

	// the newest frame is eventually presented
	deadline := time.After(5 * time.Second)
	for loop.LastCounter() != frames {
		select {
		case <-deadline:
			t.Fatalf("last counter %d, want %d", loop.LastCounter(), frames)
		case <-time.After(time.Millisecond):
		}
	}

	p.Teardown()
	select {
	case <-loopDone:
	case <-time.After(time.Second):
		t.Fatal("render loop did not exit on handoff close")
	}

	if r.uploaded == 0 || uint64(r.uploaded) != loop.Presented() {
		t.Errorf("uploaded %d, presented %d", r.uploaded, loop.Presented())
	}
}

func TestRenderLoopSkipsStaleCounter(t *testing.T) {
	p := newTestPipeline(t, decoder.NewPassthrough(), 1024)
	r := &checkingRenderer{t: t}
	loop := NewRenderLoop(zerolog.Nop(), p.Handoff(), r)

	frame := make([]byte, 8)
	binary.BigEndian.PutUint64(frame, 1)
	p.SubmitDecodeUnit(unitOf(1, frame))

	loop.renderOnce()
	loop.renderOnce() // same counter again

	if r.uploaded != 1 {
		t.Errorf("uploaded %d times", r.uploaded)
	}
	if loop.skipped.Load() != 1 {
		t.Errorf("skipped = %d", loop.skipped.Load())
	}
}

func TestRenderLoopExits(t *testing.T) {
	t.Run("context", func(t *testing.T) {
		p := newTestPipeline(t, decoder.NewPassthrough(), 1024)
		loop := NewRenderLoop(zerolog.Nop(), p.Handoff(), &checkingRenderer{t: t})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		loop.Run(ctx)
	})

	t.Run("renderer", func(t *testing.T) {
		p := newTestPipeline(t, decoder.NewPassthrough(), 1024)
		r := &checkingRenderer{t: t, done: make(chan struct{})}
		close(r.done)
		NewRenderLoop(zerolog.Nop(), p.Handoff(), r).Run(context.Background())
	})
}
