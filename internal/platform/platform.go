// Package platform chooses the decoder and renderer pair a session streams
// with. The choice is made once, before the connection starts.
package platform

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/zalo/moonlight-embedded/internal/decoder"
	"github.com/zalo/moonlight-embedded/internal/limelight"
	"github.com/zalo/moonlight-embedded/internal/logging"
	"github.com/zalo/moonlight-embedded/internal/pipeline"
	"github.com/zalo/moonlight-embedded/internal/render/raw"
	"github.com/zalo/moonlight-embedded/internal/render/web"
)

const (
	Auto = "auto"
	Web  = "web"
	Raw  = "raw"
	Fake = "fake"
)

var ErrUnknownPlatform = errors.New("unknown platform")

// Renderer is a pipeline renderer with an output lifetime of its own.
type Renderer interface {
	pipeline.Renderer
	Start(ctx context.Context) error
	Close() error
}

// RenderOptions carry what a renderer needs from the session.
type RenderOptions struct {
	Log        zerolog.Logger
	Width      int
	Height     int
	FPS        int
	ListenAddr string
	ICEServers []string
	OutputPath string
	Stats      func() pipeline.Stats
}

// Platform is one decoder and renderer combination.
type Platform struct {
	Name string

	// Embedded platforms present without a window or browser.
	Embedded bool

	// VideoFormats limits the codecs offered to the host.
	VideoFormats limelight.VideoFormat

	NewDecoder  func() (decoder.Decoder, error)
	NewRenderer func(opts RenderOptions) (Renderer, error)
}

// Names lists the selectable platforms.
func Names() []string {
	return []string{Auto, Web, Raw, Fake}
}

// Select returns the platform called name. "auto" resolves to the web output.
func Select(name string) (Platform, error) {
	switch name {
	case Auto, Web:
		return webPlatform(), nil
	case Raw:
		return rawPlatform(), nil
	case Fake:
		return fakePlatform(), nil
	default:
		return Platform{}, fmt.Errorf("%w: %q", ErrUnknownPlatform, name)
	}
}

// The browser decodes, so only H.264 is offered and units pass through.
func webPlatform() Platform {
	return Platform{
		Name:         Web,
		VideoFormats: limelight.VideoFormatH264,
		NewDecoder: func() (decoder.Decoder, error) {
			return decoder.NewPassthrough(), nil
		},
		NewRenderer: func(opts RenderOptions) (Renderer, error) {
			return web.New(logging.Component(opts.Log, "web"), web.Options{
				ListenAddr: opts.ListenAddr,
				ICEServers: opts.ICEServers,
				Width:      opts.Width,
				Height:     opts.Height,
				FPS:        opts.FPS,
				Stats:      opts.Stats,
			})
		},
	}
}

// rawPlatform decodes to YUV when FFmpeg is compiled in and writes the
// elementary stream otherwise.
func rawPlatform() Platform {
	return Platform{
		Name:         Raw,
		Embedded:     true,
		VideoFormats: limelight.VideoFormatMaskH264 | limelight.VideoFormatMaskH265 | limelight.VideoFormatMaskAV1,
		NewDecoder: func() (decoder.Decoder, error) {
			d, err := decoder.NewFFmpeg()
			if errors.Is(err, decoder.ErrUnavailable) {
				return decoder.NewPassthrough(), nil
			}
			if err != nil {
				return nil, err
			}
			return d, nil
		},
		NewRenderer: func(opts RenderOptions) (Renderer, error) {
			return raw.New(logging.Component(opts.Log, "raw"), opts.OutputPath), nil
		},
	}
}

// fakePlatform decodes nothing and discards every frame. The diagnostic
// pipe is its only output.
func fakePlatform() Platform {
	return Platform{
		Name:         Fake,
		Embedded:     true,
		VideoFormats: limelight.VideoFormatMaskH264 | limelight.VideoFormatMaskH265 | limelight.VideoFormatMaskAV1,
		NewDecoder: func() (decoder.Decoder, error) {
			return decoder.NewPassthrough(), nil
		},
		NewRenderer: func(opts RenderOptions) (Renderer, error) {
			return raw.NewWriter(logging.Component(opts.Log, "fake"), io.Discard), nil
		},
	}
}
