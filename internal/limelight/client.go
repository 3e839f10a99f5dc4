package limelight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var ErrAlreadyStarted = errors.New("connection already started")

// Client is the host streaming connection: RTSP session setup followed by
// video reception. Control, audio and input channels are not carried.
type Client struct {
	log zerolog.Logger

	mu       sync.Mutex
	started  bool
	rtsp     *rtspClient
	video    *videoStream
	decoder  DecoderRenderer
	listener ConnectionListener
	cancel   context.CancelFunc

	terminateOnce sync.Once
}

var _ Connection = (*Client)(nil)

// NewClient creates an unconnected client.
func NewClient(log zerolog.Logger) *Client {
	return &Client{log: log.With().Str("component", "limelight").Logger()}
}

// Start implements Connection.
func (c *Client) Start(ctx context.Context, server ServerInformation, config StreamConfiguration,
	decoder DecoderRenderer, listener ConnectionListener) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true
	c.decoder = decoder
	c.listener = listener
	c.terminateOnce = sync.Once{}

	ctx, c.cancel = context.WithCancel(ctx)

	stage := func(s Stage, fn func() error) error {
		listener.StageStarting(s)
		if err := fn(); err != nil {
			listener.StageFailed(s, err)
			return fmt.Errorf("%s: %w", s, err)
		}
		listener.StageComplete(s)
		return nil
	}

	var (
		remote *net.UDPAddr
		ports  *streamPorts
		format = VideoFormatH264
	)

	err := stage(StagePlatformInit, func() error { return nil })
	if err == nil {
		err = stage(StageNameResolution, func() error {
			host := hostOnly(server.Address)
			ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return err
			}
			if len(ips) == 0 {
				return fmt.Errorf("no addresses for %s", host)
			}
			remote = &net.UDPAddr{IP: ips[0].IP}
			return nil
		})
	}
	if err == nil {
		err = stage(StageRTSPHandshake, func() error {
			c.rtsp = newRTSPClient(remote.IP.String(), server.RtspSessionURL)
			attrs, err := c.rtsp.describe()
			if err != nil {
				return err
			}
			format = negotiateFormat(attrs, config.SupportedVideoFormats)
			if ports, err = c.rtsp.setup(); err != nil {
				return err
			}
			if err := c.rtsp.announce(buildSDP(config, format)); err != nil {
				return err
			}
			return c.rtsp.play()
		})
	}
	if err == nil {
		err = stage(StageVideoStreamInit, func() error {
			if err := decoder.Setup(format, config.Width, config.Height, config.FPS, 0); err != nil {
				return err
			}
			remote.Port = ports.Video
			c.video = newVideoStream(c.log, remote, ports.PingPayload, config.PacketSize,
				decoder.SubmitDecodeUnit, c.terminated)
			return nil
		})
	}
	if err == nil {
		err = stage(StageVideoStreamStart, func() error { return c.video.start(ctx) })
	}
	if err != nil {
		c.cleanupLocked()
		return err
	}

	c.log.Info().Str("format", format.String()).Int("video_port", ports.Video).
		Msgf("Streaming %dx%d@%d", config.Width, config.Height, config.FPS)
	listener.ConnectionStarted()
	return nil
}

// Stop implements Connection.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return
	}
	c.cleanupLocked()
}

// cleanupLocked stops reception first so the decoder is never torn down
// while a submit is running.
func (c *Client) cleanupLocked() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.video != nil {
		c.video.stop()
		c.video = nil
	}
	if c.decoder != nil {
		c.decoder.Cleanup()
		c.decoder = nil
	}
	if c.rtsp != nil {
		if err := c.rtsp.teardown(); err != nil {
			c.log.Debug().Err(err).Msg("RTSP teardown failed")
		}
		c.rtsp = nil
	}
	c.started = false
}

func (c *Client) terminated(err error) {
	c.terminateOnce.Do(func() {
		c.log.Warn().Err(err).Msg("Connection terminated")
		if c.listener != nil {
			c.listener.ConnectionTerminated(err)
		}
	})
}

// negotiateFormat picks the best codec both sides support.
func negotiateFormat(attrs map[string]string, supported VideoFormat) VideoFormat {
	if f := supported & VideoFormatMaskAV1; f != 0 && attrs["x-nv-video[0].av1Support"] == "1" {
		return f & -f
	}
	if f := supported & VideoFormatMaskH265; f != 0 && attrs["x-nv-video[0].hevcSupport"] == "1" {
		return f & -f
	}
	return VideoFormatH264
}

func hostOnly(address string) string {
	if h, _, err := net.SplitHostPort(address); err == nil {
		return h
	}
	return strings.Trim(address, "[]")
}

// ParseAppVersion splits a dotted host version into up to four numbers,
// ignoring non-numeric suffixes.
func ParseAppVersion(v string) [4]int {
	var out [4]int
	for i, part := range strings.SplitN(v, ".", 4) {
		end := 0
		for end < len(part) && part[end] >= '0' && part[end] <= '9' {
			end++
		}
		out[i], _ = strconv.Atoi(part[:end])
	}
	return out
}
