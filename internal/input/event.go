// Package input reads Linux evdev gamepads and builds the mapping files
// that describe their buttons and axes.
package input

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

// Event types
const (
	EvSyn = 0x00
	EvKey = 0x01
	EvAbs = 0x03
)

// Event is one input_event record.
type Event struct {
	Sec   int64
	Usec  int64
	Type  uint16
	Code  uint16
	Value int32
}

// ReadEvent decodes the next input_event from r. The layout is the 64-bit
// little-endian kernel struct.
func ReadEvent(r io.Reader) (Event, error) {
	var ev Event
	err := binary.Read(r, binary.LittleEndian, &ev)
	return ev, err
}

// DefaultDevices lists the event devices present on the system.
func DefaultDevices() ([]string, error) {
	return filepath.Glob("/dev/input/event*")
}

// OpenDevices opens every path and merges their events into one channel.
// The channel is closed once ctx is done or every device has failed.
func OpenDevices(ctx context.Context, log zerolog.Logger, paths []string) (<-chan Event, error) {
	if len(paths) == 0 {
		return nil, errors.New("no input devices")
	}

	files := make([]*os.File, 0, len(paths))
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			for _, f := range files {
				f.Close()
			}
			return nil, err
		}
		log.Debug().Str("device", p).Msg("Input device opened")
		files = append(files, f)
	}

	events := make(chan Event, 64)
	var wg sync.WaitGroup
	for _, f := range files {
		wg.Add(1)
		go func(f *os.File) {
			defer wg.Done()
			readDevice(ctx, log, f, events)
		}(f)
	}

	go func() {
		<-ctx.Done()
		for _, f := range files {
			f.Close()
		}
	}()
	go func() {
		wg.Wait()
		close(events)
	}()
	return events, nil
}

func readDevice(ctx context.Context, log zerolog.Logger, r io.Reader, out chan<- Event) {
	for {
		ev, err := ReadEvent(r)
		if err != nil {
			if ctx.Err() == nil {
				log.Debug().Err(err).Msg("Input device read failed")
			}
			return
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}
