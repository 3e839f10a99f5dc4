package config

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/zalo/moonlight-embedded/internal/limelight"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]string{"stream", "10.0.0.2"}, io.Discard)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Action != "stream" || cfg.Address != "10.0.0.2" {
		t.Errorf("action/address = %q/%q", cfg.Action, cfg.Address)
	}
	s := cfg.Stream
	if s.Width != 1280 || s.Height != 720 || s.FPS != 60 || s.PacketSize != 1024 {
		t.Errorf("stream = %+v", s)
	}
	if s.Bitrate != 10000 {
		t.Errorf("bitrate = %d, want 10000", s.Bitrate)
	}
	if cfg.App != "Steam" || !cfg.SOPS || cfg.AudioDevice != "sysdefault" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.FifoPath != DefaultFifoPath || cfg.MaxDecodeSize != 92*1024 {
		t.Errorf("pipeline defaults = %q %d", cfg.FifoPath, cfg.MaxDecodeSize)
	}
}

func TestParseOptionsAroundPositionals(t *testing.T) {
	args := []string{
		"stream", "-1080", "-30fps", "-app", "Chrome", "-nosops",
		"-mapping", "pad.map", "-input", "/dev/input/event3", "-input", "/dev/input/event4",
		"host.local", "-localaudio", "-keydir", "/tmp/keys",
	}
	cfg, err := Parse(args, io.Discard)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Address != "host.local" {
		t.Errorf("address = %q", cfg.Address)
	}
	if cfg.Stream.Width != 1920 || cfg.Stream.Height != 1080 || cfg.Stream.FPS != 30 {
		t.Errorf("stream = %+v", cfg.Stream)
	}
	if cfg.Stream.Bitrate != 10000 {
		t.Errorf("bitrate = %d, want 10000 for 1080p30", cfg.Stream.Bitrate)
	}
	if cfg.App != "Chrome" || cfg.SOPS || !cfg.LocalAudio || cfg.KeyDir != "/tmp/keys" {
		t.Errorf("cfg = %+v", cfg)
	}
	want := []InputDevice{
		{Path: "/dev/input/event3", Mapping: "pad.map"},
		{Path: "/dev/input/event4", Mapping: "pad.map"},
	}
	if len(cfg.Inputs) != len(want) {
		t.Fatalf("inputs = %+v", cfg.Inputs)
	}
	for i := range want {
		if cfg.Inputs[i] != want[i] {
			t.Errorf("inputs[%d] = %+v, want %+v", i, cfg.Inputs[i], want[i])
		}
	}
}

func TestParseNoAction(t *testing.T) {
	cfg, err := Parse(nil, io.Discard)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Action != "" {
		t.Errorf("action = %q", cfg.Action)
	}
}

func TestParseTooManyPositionals(t *testing.T) {
	if _, err := Parse([]string{"list", "a", "b"}, io.Discard); err == nil {
		t.Fatal("expected error")
	}
}

func TestDefaultBitrate(t *testing.T) {
	tests := []struct {
		w, h, fps int
		want      int
	}{
		{1280, 720, 60, 10000},
		{1280, 720, 30, 5000},
		{1920, 1080, 60, 20000},
		{1920, 1080, 30, 10000},
	}
	for _, tt := range tests {
		if got := DefaultBitrate(tt.w, tt.h, tt.fps); got != tt.want {
			t.Errorf("DefaultBitrate(%d, %d, %d) = %d, want %d", tt.w, tt.h, tt.fps, got, tt.want)
		}
	}
}

func TestConfigFileThenFlags(t *testing.T) {
	for _, name := range []string{"moonlight.json", "moonlight.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)

			saved := DefaultConfig()
			saved.App = "Desktop"
			saved.Stream.Width, saved.Stream.Height = 1920, 1080
			saved.Stream.Bitrate = 15000
			if err := saved.Save(path); err != nil {
				t.Fatalf("Save: %v", err)
			}

			cfg, err := Parse([]string{"stream", "-config", path, "-bitrate", "8000"}, io.Discard)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if cfg.App != "Desktop" || cfg.Stream.Width != 1920 {
				t.Errorf("file values not applied: %+v", cfg)
			}
			if cfg.Stream.Bitrate != 8000 {
				t.Errorf("bitrate = %d, flag should win", cfg.Stream.Bitrate)
			}
			if cfg.ConfigPath != path {
				t.Errorf("config path = %q", cfg.ConfigPath)
			}
		})
	}
}

func TestSaveFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yml")

	if _, err := Parse([]string{"list", "-save", path, "-app", "Chrome"}, io.Discard); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config not saved: %v", err)
	}

	loaded := DefaultConfig()
	if err := loaded.LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if loaded.App != "Chrome" || loaded.Stream.Bitrate != 10000 {
		t.Errorf("loaded = %+v", loaded)
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Finalize()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}

	cfg.Stream.Width = 0
	cfg.Stream.Codec = "vp9"
	cfg.Stream.Colorspace = "srgb"
	err := cfg.Validate()
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestStreamConfiguration(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Stream.Codec = "h264"
	cfg.Stream.Surround = true
	cfg.Stream.Colorspace = "rec709"
	cfg.Stream.FullRange = true
	cfg.Finalize()

	sc := cfg.StreamConfiguration()
	if sc.SupportedVideoFormats != limelight.VideoFormatH264 {
		t.Errorf("formats = %#x", sc.SupportedVideoFormats)
	}
	if sc.AudioConfiguration != limelight.AudioConfig51Surround {
		t.Errorf("audio = %#x", sc.AudioConfiguration)
	}
	if sc.Bitrate != 10000 || sc.PacketSize != 1024 {
		t.Errorf("sc = %+v", sc)
	}
	if sc.Colorspace != limelight.ColorspaceRec709 || sc.ColorRange != limelight.ColorRangeFull {
		t.Errorf("color = %d/%d", sc.Colorspace, sc.ColorRange)
	}
}
