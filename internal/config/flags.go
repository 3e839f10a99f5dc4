package config

import (
	"flag"
	"fmt"
	"io"
	"strings"
)

// Parse builds the configuration for args (without the program name).
// The action is the first positional argument and the host address the
// next one. A -config file is applied before any other option so that
// command line options win.
func Parse(args []string, stderr io.Writer) (*Config, error) {
	cfg := DefaultConfig()

	if path := preScanConfig(args); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
		cfg.ConfigPath = path
	}

	fs := newFlagSet(cfg, stderr)

	var positional []string
	rest := args
	for {
		if err := fs.Parse(rest); err != nil {
			return nil, err
		}
		rest = fs.Args()
		if len(rest) == 0 {
			break
		}
		positional = append(positional, rest[0])
		rest = rest[1:]
	}

	if len(positional) > 0 {
		cfg.Action = positional[0]
	}
	if len(positional) > 1 {
		cfg.Address = positional[1]
	}
	if len(positional) > 2 {
		return nil, fmt.Errorf("unexpected argument %q", positional[2])
	}

	cfg.Finalize()

	if cfg.SavePath != "" {
		if err := cfg.Save(cfg.SavePath); err != nil {
			return nil, fmt.Errorf("save config: %w", err)
		}
	}
	return cfg, nil
}

// preScanConfig finds the -config value without interpreting other options.
func preScanConfig(args []string) string {
	for i, a := range args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(a, "-"), "=")
		if !strings.HasPrefix(a, "-") || name != "config" {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func newFlagSet(cfg *Config, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("moonlight", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {}

	s := &cfg.Stream

	var ignored string
	fs.StringVar(&ignored, "config", "", "Load configuration file")
	fs.StringVar(&cfg.SavePath, "save", "", "Save configuration file")

	fs.BoolFunc("720", "Use 1280x720 resolution", func(string) error {
		s.Width, s.Height = 1280, 720
		return nil
	})
	fs.BoolFunc("1080", "Use 1920x1080 resolution", func(string) error {
		s.Width, s.Height = 1920, 1080
		return nil
	})
	fs.IntVar(&s.Width, "width", s.Width, "Horizontal resolution")
	fs.IntVar(&s.Height, "height", s.Height, "Vertical resolution")
	fs.BoolFunc("30fps", "Use 30fps", func(string) error {
		s.FPS = 30
		return nil
	})
	fs.BoolFunc("60fps", "Use 60fps", func(string) error {
		s.FPS = 60
		return nil
	})
	fs.IntVar(&s.Bitrate, "bitrate", s.Bitrate, "Specify the bitrate in Kbps")
	fs.IntVar(&s.PacketSize, "packetsize", s.PacketSize, "Specify the maximum packetsize in bytes")
	fs.StringVar(&s.Codec, "codec", s.Codec, "Select codec: auto, h264, hevc, av1")
	fs.StringVar(&s.Colorspace, "colorspace", s.Colorspace, "Encoder colorspace: rec601, rec709, rec2020")
	fs.BoolVar(&s.FullRange, "fullrange", s.FullRange, "Request full range color")
	fs.BoolVar(&s.Surround, "surround", s.Surround, "Stream 5.1 surround sound")
	fs.BoolVar(&s.Remote, "remote", s.Remote, "Enable optimizations for streaming over the internet")

	fs.StringVar(&cfg.App, "app", cfg.App, "Name of app to stream")
	fs.BoolFunc("nosops", "Don't allow the host to modify game settings", func(string) error {
		cfg.SOPS = false
		return nil
	})
	fs.StringVar(&cfg.Mapping, "mapping", cfg.Mapping, "Use <file> as gamepad mapping configuration file (use before -input)")
	fs.Func("input", "Use <device> as input. Can be used multiple times", func(v string) error {
		cfg.Inputs = append(cfg.Inputs, InputDevice{Path: v, Mapping: cfg.Mapping})
		return nil
	})
	fs.StringVar(&cfg.AudioDevice, "audio", cfg.AudioDevice, "Use <device> as audio output device")
	fs.BoolVar(&cfg.LocalAudio, "localaudio", cfg.LocalAudio, "Play audio locally")
	fs.StringVar(&cfg.KeyDir, "keydir", cfg.KeyDir, "Load encryption keys from directory")
	fs.StringVar(&cfg.Platform, "platform", cfg.Platform, "Select output platform: auto, web, raw")
	fs.BoolVar(&cfg.Unsupported, "unsupported", cfg.Unsupported, "Try streaming if the host version is unsupported")

	fs.StringVar(&cfg.FifoPath, "fifo", cfg.FifoPath, "Copy every assembled frame to this existing FIFO, empty disables")
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "Web output listen address")
	fs.StringVar(&cfg.OutputPath, "output", cfg.OutputPath, "Raw output file, defaults to stdout")
	fs.BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "Enable debug logging")

	return fs
}
