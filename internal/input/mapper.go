package input

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

// Minimum distance from the first reading before an axis counts as moved.
// TODO: read the EVIOCGABS range so triggers reporting 0..255 can be mapped.
const axisThreshold = 8000

var ErrDevicesClosed = errors.New("input devices closed")

type control struct {
	prompt string
	axis   bool
	field  func(m *Mapping) *int
}

var controls = []control{
	{"Left Stick Right", true, func(m *Mapping) *int { return &m.AbsX }},
	{"Left Stick Down", true, func(m *Mapping) *int { return &m.AbsY }},
	{"Right Stick Right", true, func(m *Mapping) *int { return &m.AbsRX }},
	{"Right Stick Down", true, func(m *Mapping) *int { return &m.AbsRY }},
	{"Left Trigger", true, func(m *Mapping) *int { return &m.AbsZ }},
	{"Right Trigger", true, func(m *Mapping) *int { return &m.AbsRZ }},
	{"D-Pad Right", true, func(m *Mapping) *int { return &m.AbsDpadX }},
	{"D-Pad Down", true, func(m *Mapping) *int { return &m.AbsDpadY }},
	{"Button A", false, func(m *Mapping) *int { return &m.BtnSouth }},
	{"Button B", false, func(m *Mapping) *int { return &m.BtnEast }},
	{"Button X", false, func(m *Mapping) *int { return &m.BtnWest }},
	{"Button Y", false, func(m *Mapping) *int { return &m.BtnNorth }},
	{"Back Button", false, func(m *Mapping) *int { return &m.BtnSelect }},
	{"Start Button", false, func(m *Mapping) *int { return &m.BtnStart }},
	{"Special Button", false, func(m *Mapping) *int { return &m.BtnMode }},
	{"Left Stick Button", false, func(m *Mapping) *int { return &m.BtnThumbL }},
	{"Right Stick Button", false, func(m *Mapping) *int { return &m.BtnThumbR }},
	{"Left Bumper", false, func(m *Mapping) *int { return &m.BtnTL }},
	{"Right Bumper", false, func(m *Mapping) *int { return &m.BtnTR }},
}

// Mapper asks the operator to press each control in turn and records the
// code the device reports for it.
type Mapper struct {
	log    zerolog.Logger
	prompt io.Writer
	events <-chan Event
}

// NewMapper creates a mapper reading events and writing prompts.
func NewMapper(log zerolog.Logger, events <-chan Event, prompt io.Writer) *Mapper {
	return &Mapper{log: log, prompt: prompt, events: events}
}

// Map fills base (or the defaults when nil) with the operator's controls.
func (m *Mapper) Map(ctx context.Context, base *Mapping) (*Mapping, error) {
	if base == nil {
		base = DefaultMapping()
	}
	out := *base

	for _, c := range controls {
		fmt.Fprintf(m.prompt, "%s\n", c.prompt)
		code, err := m.next(ctx, c.axis)
		if err != nil {
			return nil, err
		}
		*c.field(&out) = code
		m.log.Debug().Str("control", c.prompt).Int("code", code).Msg("Mapped")
	}
	return &out, nil
}

// next waits for a pressed button or an axis pushed past the threshold.
func (m *Mapper) next(ctx context.Context, axis bool) (int, error) {
	rest := make(map[uint16]int32)
	for {
		var ev Event
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case e, ok := <-m.events:
			if !ok {
				return 0, ErrDevicesClosed
			}
			ev = e
		}

		switch {
		case !axis && ev.Type == EvKey && ev.Value == 1:
			return int(ev.Code), nil
		case axis && ev.Type == EvAbs:
			first, seen := rest[ev.Code]
			if !seen {
				rest[ev.Code] = ev.Value
				// Hat axes rest at zero and jump straight to +-1
				if ev.Value == 1 || ev.Value == -1 {
					return int(ev.Code), nil
				}
				continue
			}
			if d := ev.Value - first; d > axisThreshold || d < -axisThreshold {
				return int(ev.Code), nil
			}
		}
	}
}

// MapDevices runs the interactive mapping over the given devices and saves
// the result to out. base, when not empty, is the mapping to start from.
func MapDevices(ctx context.Context, log zerolog.Logger, devices []string, base, out string, prompt io.Writer) error {
	start := DefaultMapping()
	if base != "" {
		m, err := LoadMapping(base)
		if err != nil {
			return err
		}
		start = m
	}

	if len(devices) == 0 {
		found, err := DefaultDevices()
		if err != nil {
			return err
		}
		devices = found
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := OpenDevices(ctx, log, devices)
	if err != nil {
		return err
	}

	mapping, err := NewMapper(log, events, prompt).Map(ctx, start)
	if err != nil {
		return err
	}
	if err := mapping.Save(out); err != nil {
		return err
	}
	log.Info().Str("path", out).Msg("Mapping saved")
	return nil
}
