// Package config holds the client configuration assembled from defaults,
// an optional configuration file and command line options.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zalo/moonlight-embedded/internal/limelight"
)

const (
	DefaultWidth         = 1280
	DefaultHeight        = 720
	DefaultFPS           = 60
	DefaultPacketSize    = 1024
	DefaultApp           = "Steam"
	DefaultAudioDevice   = "sysdefault"
	DefaultPlatform      = "auto"
	DefaultFifoPath      = "/tmp/stream.h264"
	DefaultMaxDecodeSize = 92 * 1024
	DefaultListenAddr    = ":8080"
	DefaultCodec         = "auto"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// InputDevice is an evdev device and the gamepad mapping applied to it.
type InputDevice struct {
	Path    string `json:"path" yaml:"path"`
	Mapping string `json:"mapping,omitempty" yaml:"mapping,omitempty"`
}

// StreamSettings holds video/audio streaming configuration
type StreamSettings struct {
	Width      int `json:"width" yaml:"width"`
	Height     int `json:"height" yaml:"height"`
	FPS        int `json:"fps" yaml:"fps"`
	Bitrate    int `json:"bitrate" yaml:"bitrate"` // Kbps, 0 picks one from resolution and fps
	PacketSize int `json:"packet_size" yaml:"packet_size"`

	// Codec preference: "auto", "h264", "hevc", "av1"
	Codec string `json:"codec" yaml:"codec"`

	// Encoder color matrix: "rec601", "rec709", "rec2020"
	Colorspace string `json:"colorspace" yaml:"colorspace"`
	FullRange  bool   `json:"full_range" yaml:"full_range"`

	Surround bool `json:"surround" yaml:"surround"`
	Remote   bool `json:"remote" yaml:"remote"`
}

// Config is the finalized configuration for one invocation.
type Config struct {
	// Action and Address come from positional arguments only
	Action  string `json:"-" yaml:"-"`
	Address string `json:"address,omitempty" yaml:"address,omitempty"`

	App         string         `json:"app" yaml:"app"`
	Platform    string         `json:"platform" yaml:"platform"`
	Stream      StreamSettings `json:"stream" yaml:"stream"`
	SOPS        bool           `json:"sops" yaml:"sops"`
	LocalAudio  bool           `json:"local_audio" yaml:"local_audio"`
	AudioDevice string         `json:"audio_device" yaml:"audio_device"`
	Unsupported bool           `json:"unsupported" yaml:"unsupported"`

	Inputs  []InputDevice `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Mapping string        `json:"mapping,omitempty" yaml:"mapping,omitempty"`
	KeyDir  string        `json:"key_dir" yaml:"key_dir"`

	// FIFO receiving a copy of every assembled decode unit, used only when it
	// exists; empty disables it
	FifoPath      string `json:"fifo_path" yaml:"fifo_path"`
	MaxDecodeSize int    `json:"max_decode_size" yaml:"max_decode_size"`

	// Web output
	ListenAddr string   `json:"listen_addr" yaml:"listen_addr"`
	ICEServers []string `json:"ice_servers,omitempty" yaml:"ice_servers,omitempty"`

	// Raw output destination; empty writes to stdout
	OutputPath string `json:"output_path,omitempty" yaml:"output_path,omitempty"`

	Verbose bool `json:"verbose" yaml:"verbose"`

	ConfigPath string `json:"-" yaml:"-"`
	SavePath   string `json:"-" yaml:"-"`
}

// DefaultConfig returns a configuration with the client's defaults.
func DefaultConfig() *Config {
	return &Config{
		App:         DefaultApp,
		Platform:    DefaultPlatform,
		SOPS:        true,
		AudioDevice: DefaultAudioDevice,
		KeyDir:      defaultKeyDir(),
		Stream: StreamSettings{
			Width:      DefaultWidth,
			Height:     DefaultHeight,
			FPS:        DefaultFPS,
			PacketSize: DefaultPacketSize,
			Codec:      DefaultCodec,
		},
		FifoPath:      DefaultFifoPath,
		MaxDecodeSize: DefaultMaxDecodeSize,
		ListenAddr:    DefaultListenAddr,
		ICEServers:    []string{"stun:stun.l.google.com:19302"},
	}
}

func defaultKeyDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "moonlight")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "moonlight")
	}
	return ".moonlight"
}

// DefaultBitrate picks a bitrate for the resolution and frame rate.
func DefaultBitrate(width, height, fps int) int {
	bitrate := 10000
	if width*height > DefaultWidth*DefaultHeight {
		bitrate = 20000
	}
	if fps <= 30 {
		bitrate /= 2
	}
	return bitrate
}

// Finalize fills derived values. It is called once all sources are applied.
func (c *Config) Finalize() {
	if c.Stream.Bitrate <= 0 {
		c.Stream.Bitrate = DefaultBitrate(c.Stream.Width, c.Stream.Height, c.Stream.FPS)
	}
	if c.Platform == "" {
		c.Platform = DefaultPlatform
	}
	if c.MaxDecodeSize <= 0 {
		c.MaxDecodeSize = DefaultMaxDecodeSize
	}
}

// Validate checks the configuration for values that cannot be streamed.
func (c *Config) Validate() error {
	var errs []error
	if c.Stream.Width <= 0 || c.Stream.Height <= 0 {
		errs = append(errs, fmt.Errorf("resolution %dx%d", c.Stream.Width, c.Stream.Height))
	}
	if c.Stream.FPS <= 0 {
		errs = append(errs, fmt.Errorf("frame rate %d", c.Stream.FPS))
	}
	if c.Stream.PacketSize <= 0 {
		errs = append(errs, fmt.Errorf("packet size %d", c.Stream.PacketSize))
	}
	if _, err := c.VideoFormats(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.colorspace(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// VideoFormats maps the codec preference to the formats offered to the host.
func (c *Config) VideoFormats() (limelight.VideoFormat, error) {
	switch strings.ToLower(c.Stream.Codec) {
	case "", "auto":
		return limelight.VideoFormatH264 | limelight.VideoFormatH265 | limelight.VideoFormatAV1Main8, nil
	case "h264":
		return limelight.VideoFormatH264, nil
	case "hevc", "h265":
		return limelight.VideoFormatH264 | limelight.VideoFormatH265, nil
	case "av1":
		return limelight.VideoFormatH264 | limelight.VideoFormatAV1Main8, nil
	default:
		return 0, fmt.Errorf("unknown codec %q", c.Stream.Codec)
	}
}

func (c *Config) colorspace() (limelight.Colorspace, error) {
	switch strings.ToLower(c.Stream.Colorspace) {
	case "", "rec601":
		return limelight.ColorspaceRec601, nil
	case "rec709":
		return limelight.ColorspaceRec709, nil
	case "rec2020":
		return limelight.ColorspaceRec2020, nil
	default:
		return 0, fmt.Errorf("unknown colorspace %q", c.Stream.Colorspace)
	}
}

// StreamConfiguration builds the parameters the connection is started with.
func (c *Config) StreamConfiguration() limelight.StreamConfiguration {
	formats, _ := c.VideoFormats()

	audio := limelight.AudioConfigStereo
	if c.Stream.Surround {
		audio = limelight.AudioConfig51Surround
	}
	colorspace, _ := c.colorspace()
	colorRange := limelight.ColorRangeLimited
	if c.Stream.FullRange {
		colorRange = limelight.ColorRangeFull
	}
	location := limelight.StreamingLocal
	if c.Stream.Remote {
		location = limelight.StreamingRemote
	}

	return limelight.StreamConfiguration{
		Width:                 c.Stream.Width,
		Height:                c.Stream.Height,
		FPS:                   c.Stream.FPS,
		Bitrate:               c.Stream.Bitrate,
		PacketSize:            c.Stream.PacketSize,
		StreamingRemotely:     location,
		AudioConfiguration:    audio,
		SupportedVideoFormats: formats,
		Colorspace:            colorspace,
		ColorRange:            colorRange,
	}
}

// LogLevel returns the zerolog level name for the configuration.
func (c *Config) LogLevel() string {
	if c.Verbose {
		return "debug"
	}
	return "info"
}
