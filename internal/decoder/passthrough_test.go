package decoder

import (
	"errors"
	"testing"
	"time"

	"github.com/zalo/moonlight-embedded/internal/limelight"
)

func initPassthrough(t *testing.T) *Passthrough {
	t.Helper()
	p := NewPassthrough()
	if err := p.Initialize(Params{Format: limelight.VideoFormatH264, Width: 1280, Height: 720}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return p
}

func TestPassthroughRejectsUnknownFormat(t *testing.T) {
	p := NewPassthrough()
	if err := p.Initialize(Params{Format: 0x0010}); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("err = %v, want ErrUnsupportedFormat", err)
	}
	p.Teardown()
}

func TestPassthroughSubmitBeforeInitialize(t *testing.T) {
	p := NewPassthrough()
	if err := p.Submit([]byte{1}); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("err = %v, want ErrNotInitialized", err)
	}
}

func TestPassthroughTakeLatest(t *testing.T) {
	p := initPassthrough(t)

	if f := p.TakeLatestFrame(false); f != nil {
		t.Fatalf("frame before submit: %+v", f)
	}

	buf := []byte("unit-1")
	if err := p.Submit(buf); err != nil {
		t.Fatal(err)
	}
	buf[0] = 'X'

	f := p.TakeLatestFrame(false)
	if f == nil || string(f.Planes[0]) != "unit-1" {
		t.Fatalf("frame = %+v", f)
	}
	if f.Format != PixelFormatCompressed || f.Width != 1280 {
		t.Errorf("frame meta = %+v", f)
	}
	if again := p.TakeLatestFrame(false); again != nil {
		t.Error("same frame taken twice")
	}
}

func TestPassthroughKeepsPublishedFrameIntact(t *testing.T) {
	p := initPassthrough(t)

	p.Submit([]byte("first"))
	first := p.TakeLatestFrame(false)

	// A later submit must not touch the frame handed out last.
	p.Submit([]byte("second"))
	if string(first.Planes[0]) != "first" {
		t.Fatalf("published frame overwritten: %q", first.Planes[0])
	}

	second := p.TakeLatestFrame(false)
	if second == first || string(second.Planes[0]) != "second" {
		t.Fatalf("second = %q", second.Planes[0])
	}
}

func TestPassthroughBlockingTake(t *testing.T) {
	p := initPassthrough(t)

	got := make(chan *Frame)
	go func() { got <- p.TakeLatestFrame(true) }()

	time.Sleep(10 * time.Millisecond)
	p.Submit([]byte("late"))

	select {
	case f := <-got:
		if f == nil || string(f.Planes[0]) != "late" {
			t.Fatalf("frame = %+v", f)
		}
	case <-time.After(time.Second):
		t.Fatal("blocking take did not wake")
	}
}

func TestPassthroughTeardownIdempotent(t *testing.T) {
	p := initPassthrough(t)
	p.Submit([]byte("x"))

	p.Teardown()
	p.Teardown()

	if f := p.TakeLatestFrame(true); f != nil {
		t.Error("frame after teardown")
	}
	if err := p.Submit([]byte("y")); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("submit after teardown: %v", err)
	}
}
