package input

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"reflect"
	"strconv"
	"strings"
)

// Mapping assigns evdev codes to the gamepad controls sent to the host.
// A code of -1 leaves the control unmapped.
type Mapping struct {
	AbsX     int `map:"abs_x"`
	AbsY     int `map:"abs_y"`
	AbsZ     int `map:"abs_z"`
	AbsRX    int `map:"abs_rx"`
	AbsRY    int `map:"abs_ry"`
	AbsRZ    int `map:"abs_rz"`
	AbsDpadX int `map:"abs_dpad_x"`
	AbsDpadY int `map:"abs_dpad_y"`

	ReverseX     bool `map:"reverse_x"`
	ReverseY     bool `map:"reverse_y"`
	ReverseRX    bool `map:"reverse_rx"`
	ReverseRY    bool `map:"reverse_ry"`
	ReverseDpadX bool `map:"reverse_dpad_x"`
	ReverseDpadY bool `map:"reverse_dpad_y"`

	BtnNorth  int `map:"btn_north"`
	BtnEast   int `map:"btn_east"`
	BtnSouth  int `map:"btn_south"`
	BtnWest   int `map:"btn_west"`
	BtnSelect int `map:"btn_select"`
	BtnStart  int `map:"btn_start"`
	BtnMode   int `map:"btn_mode"`
	BtnThumbL int `map:"btn_thumbl"`
	BtnThumbR int `map:"btn_thumbr"`
	BtnTL     int `map:"btn_tl"`
	BtnTR     int `map:"btn_tr"`
	BtnTL2    int `map:"btn_tl2"`
	BtnTR2    int `map:"btn_tr2"`

	BtnDpadUp    int `map:"btn_dpad_up"`
	BtnDpadDown  int `map:"btn_dpad_down"`
	BtnDpadLeft  int `map:"btn_dpad_left"`
	BtnDpadRight int `map:"btn_dpad_right"`
}

// DefaultMapping matches the kernel's xpad driver.
func DefaultMapping() *Mapping {
	return &Mapping{
		AbsX: 0x00, AbsY: 0x01, AbsZ: 0x02,
		AbsRX: 0x03, AbsRY: 0x04, AbsRZ: 0x05,
		AbsDpadX: 0x10, AbsDpadY: 0x11,
		ReverseY: true, ReverseRY: true,

		BtnNorth: 0x133, BtnEast: 0x131, BtnSouth: 0x130, BtnWest: 0x134,
		BtnSelect: 0x13a, BtnStart: 0x13b, BtnMode: 0x13c,
		BtnThumbL: 0x13d, BtnThumbR: 0x13e,
		BtnTL: 0x136, BtnTR: 0x137, BtnTL2: -1, BtnTR2: -1,

		BtnDpadUp: -1, BtnDpadDown: -1, BtnDpadLeft: -1, BtnDpadRight: -1,
	}
}

// LoadMapping reads a mapping file on top of the defaults.
func LoadMapping(path string) (*Mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m := DefaultMapping()
	if err := m.Parse(f); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Parse applies "key = value" lines. Blank lines and lines starting with #
// are skipped; unknown keys are an error.
func (m *Mapping) Parse(r io.Reader) error {
	fields := m.fields()

	sc := bufio.NewScanner(r)
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		key, value, ok := strings.Cut(text, "=")
		if !ok {
			return fmt.Errorf("line %d: expected key = value", line)
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)

		field, ok := fields[key]
		if !ok {
			return fmt.Errorf("line %d: unknown key %q", line, key)
		}
		switch field.Kind() {
		case reflect.Bool:
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("line %d: %w", line, err)
			}
			field.SetBool(b)
		default:
			n, err := strconv.ParseInt(value, 0, 32)
			if err != nil {
				return fmt.Errorf("line %d: %w", line, err)
			}
			field.SetInt(n)
		}
	}
	return sc.Err()
}

// WriteTo writes the mapping in file form.
func (m *Mapping) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	v := reflect.ValueOf(m).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		fmt.Fprintf(&b, "%s = %v\n", t.Field(i).Tag.Get("map"), v.Field(i).Interface())
	}
	n, err := io.WriteString(w, b.String())
	return int64(n), err
}

// Save writes the mapping to path.
func (m *Mapping) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := m.WriteTo(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (m *Mapping) fields() map[string]reflect.Value {
	v := reflect.ValueOf(m).Elem()
	t := v.Type()
	out := make(map[string]reflect.Value, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		out[t.Field(i).Tag.Get("map")] = v.Field(i)
	}
	return out
}
