package input

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestReadEvent(t *testing.T) {
	var buf bytes.Buffer
	want := Event{Sec: 12, Usec: 34, Type: EvKey, Code: 0x130, Value: 1}
	if err := binary.Write(&buf, binary.LittleEndian, want); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != 24 {
		t.Fatalf("encoded event is %d bytes, want 24", buf.Len())
	}

	got, err := ReadEvent(&buf)
	if err != nil {
		t.Fatalf("ReadEvent() error = %v", err)
	}
	if got != want {
		t.Errorf("ReadEvent() = %+v, want %+v", got, want)
	}
}

func TestMappingRoundTrip(t *testing.T) {
	m := DefaultMapping()
	m.BtnSouth = 0x120
	m.ReverseX = true

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "btn_south = 288\n") {
		t.Errorf("output missing btn_south:\n%s", buf.String())
	}

	got := DefaultMapping()
	if err := got.Parse(&buf); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if *got != *m {
		t.Errorf("Parse() = %+v, want %+v", got, m)
	}
}

func TestMappingParse(t *testing.T) {
	m := DefaultMapping()
	err := m.Parse(strings.NewReader("# comment\n\nbtn_north = 0x131\nreverse_y = false\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if m.BtnNorth != 0x131 || m.ReverseY {
		t.Errorf("mapping = %+v", m)
	}

	for _, bad := range []string{"btn_nope = 1", "btn_north", "btn_north = x", "reverse_x = maybe"} {
		if err := DefaultMapping().Parse(strings.NewReader(bad)); err == nil {
			t.Errorf("Parse(%q) succeeded", bad)
		}
	}
}

// feed queues the events that map every control, with some noise.
func feed(events chan<- Event) {
	for i, c := range controls {
		code := uint16(0x200 + i)
		if c.axis {
			events <- Event{Type: EvAbs, Code: code, Value: 100}
			events <- Event{Type: EvAbs, Code: code, Value: 200} // jitter
			events <- Event{Type: EvSyn}
			events <- Event{Type: EvAbs, Code: code, Value: 30000}
		} else {
			events <- Event{Type: EvKey, Code: code, Value: 0} // release
			events <- Event{Type: EvKey, Code: code, Value: 1}
		}
	}
}

func TestMapperRecordsCodes(t *testing.T) {
	events := make(chan Event, 256)
	feed(events)

	var prompts bytes.Buffer
	m, err := NewMapper(zerolog.Nop(), events, &prompts).Map(context.Background(), nil)
	if err != nil {
		t.Fatalf("Map() error = %v", err)
	}

	for i, c := range controls {
		if got := *c.field(m); got != 0x200+i {
			t.Errorf("%s = %#x, want %#x", c.prompt, got, 0x200+i)
		}
	}
	if !strings.HasPrefix(prompts.String(), "Left Stick Right\n") {
		t.Errorf("prompts = %q", prompts.String())
	}
	// untouched controls keep their defaults
	if m.BtnTL2 != -1 || !m.ReverseY {
		t.Errorf("defaults lost: %+v", m)
	}
}

func TestMapperHatAxis(t *testing.T) {
	events := make(chan Event, 1)
	events <- Event{Type: EvAbs, Code: 0x10, Value: 1}

	code, err := NewMapper(zerolog.Nop(), events, &bytes.Buffer{}).next(context.Background(), true)
	if err != nil || code != 0x10 {
		t.Errorf("next() = %#x, %v", code, err)
	}
}

func TestMapperDevicesClosed(t *testing.T) {
	events := make(chan Event)
	close(events)

	_, err := NewMapper(zerolog.Nop(), events, &bytes.Buffer{}).Map(context.Background(), nil)
	if !errors.Is(err, ErrDevicesClosed) {
		t.Fatalf("Map() error = %v, want ErrDevicesClosed", err)
	}
}

func TestMapDevicesFromFile(t *testing.T) {
	dir := t.TempDir()
	device := filepath.Join(dir, "event0")

	events := make(chan Event, 256)
	feed(events)
	close(events)

	var raw bytes.Buffer
	for ev := range events {
		binary.Write(&raw, binary.LittleEndian, ev)
	}
	if err := os.WriteFile(device, raw.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(dir, "gamepad.map")
	err := MapDevices(context.Background(), zerolog.Nop(), []string{device}, "", out, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("MapDevices() error = %v", err)
	}

	m, err := LoadMapping(out)
	if err != nil {
		t.Fatalf("LoadMapping() error = %v", err)
	}
	if m.AbsX != 0x200 || m.BtnSouth != 0x208 {
		t.Errorf("mapping = %+v", m)
	}
}

func TestMapDevicesMissingDevice(t *testing.T) {
	err := MapDevices(context.Background(), zerolog.Nop(), []string{"/nonexistent/event9"}, "",
		filepath.Join(t.TempDir(), "out.map"), &bytes.Buffer{})
	if err == nil {
		t.Fatal("MapDevices() with a missing device succeeded")
	}
}
