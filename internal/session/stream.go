package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/zalo/moonlight-embedded/internal/limelight"
	"github.com/zalo/moonlight-embedded/internal/logging"
	"github.com/zalo/moonlight-embedded/internal/nvhttp"
	"github.com/zalo/moonlight-embedded/internal/pipeline"
	"github.com/zalo/moonlight-embedded/internal/platform"
)

// Stream starts the configured application and runs the decode and render
// pipeline until the context is cancelled, the renderer asks to quit, the
// host ends the connection or the pipeline fails. The session is stopped
// before Stream returns.
func (c *Controller) Stream(ctx context.Context) error {
	if err := c.RequirePaired(); err != nil {
		return err
	}
	if c.State() != StateAppSelected {
		if _, err := c.ResolveApp(ctx, c.cfg.App); err != nil {
			return err
		}
	}
	defer c.Stop()

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	pipe, renderer, err := c.buildPipeline(streamCtx)
	if err != nil {
		return err
	}

	streamCfg := c.cfg.StreamConfiguration()
	if formats := streamCfg.SupportedVideoFormats & c.opts.Platform.VideoFormats; formats != 0 {
		streamCfg.SupportedVideoFormats = formats
	} else {
		streamCfg.SupportedVideoFormats = limelight.VideoFormatH264
	}

	launch, err := c.host.Launch(ctx, c.server, nvhttp.LaunchRequest{
		AppID:      c.appID,
		Width:      streamCfg.Width,
		Height:     streamCfg.Height,
		FPS:        streamCfg.FPS,
		SOPS:       c.cfg.SOPS,
		LocalAudio: c.cfg.LocalAudio,
		Audio:      streamCfg.AudioConfiguration,
	})
	if err != nil {
		return fmt.Errorf("start app: %w", err)
	}
	streamCfg.RemoteInputAesKey = launch.RiKey
	streamCfg.RemoteInputAesIV = launch.RiIV

	listener := &listener{log: c.log, cancel: cancel}
	conn := c.opts.NewConnection()
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if err := conn.Start(streamCtx, c.server.StreamServer(launch.SessionURL), streamCfg, pipe, listener); err != nil {
		return fmt.Errorf("start connection: %w", err)
	}
	c.setState(StateStreaming)

	loop := pipeline.NewRenderLoop(logging.Component(c.opts.Log, "render"), pipe.Handoff(), renderer)
	loopDone := make(chan struct{})
	c.mu.Lock()
	c.loopDone = loopDone
	c.mu.Unlock()
	go func() {
		defer close(loopDone)
		loop.Run(streamCtx)
	}()

	var streamErr error
	select {
	case <-loopDone:
	case streamErr = <-pipe.Fatal():
	}

	c.Stop()
	<-loopDone

	if streamErr == nil {
		streamErr = listener.err()
	}
	c.log.Info().Uint64("presented", loop.Presented()).Interface("stats", pipe.Stats()).Msg("Stream ended")
	return streamErr
}

func (c *Controller) buildPipeline(ctx context.Context) (*pipeline.Pipeline, platform.Renderer, error) {
	p := c.opts.Platform

	dec, err := p.NewDecoder()
	if err != nil {
		return nil, nil, fmt.Errorf("create decoder: %w", err)
	}
	pipe := pipeline.New(logging.Component(c.opts.Log, "pipeline"), dec, pipeline.Options{
		MaxDecodeSize: c.cfg.MaxDecodeSize,
		FifoPath:      c.cfg.FifoPath,
	})
	c.mu.Lock()
	c.pipe = pipe
	c.mu.Unlock()

	renderer, err := p.NewRenderer(platform.RenderOptions{
		Log:        c.opts.Log,
		Width:      c.cfg.Stream.Width,
		Height:     c.cfg.Stream.Height,
		FPS:        c.cfg.Stream.FPS,
		ListenAddr: c.cfg.ListenAddr,
		ICEServers: c.cfg.ICEServers,
		OutputPath: c.cfg.OutputPath,
		Stats:      pipe.Stats,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create renderer: %w", err)
	}
	c.mu.Lock()
	c.renderer = renderer
	c.mu.Unlock()

	if err := renderer.Start(ctx); err != nil {
		return nil, nil, fmt.Errorf("start renderer: %w", err)
	}
	return pipe, renderer, nil
}

// Stop ends streaming: the render loop is cancelled and waited for, the
// connection stopped so no decode unit is in flight, and only then the
// pipeline and renderer released. It is safe to call at any point and more
// than once, but not from the render loop itself.
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel, loopDone, conn, pipe, renderer := c.cancel, c.loopDone, c.conn, c.pipe, c.renderer
	c.cancel, c.loopDone, c.conn, c.pipe, c.renderer = nil, nil, nil, nil, nil
	streaming := c.state == StateStreaming
	if streaming {
		c.state = StateStopped
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if loopDone != nil {
		<-loopDone
	}
	if conn != nil {
		conn.Stop()
	}
	if pipe != nil {
		pipe.Teardown()
	}
	if renderer != nil {
		if err := renderer.Close(); err != nil {
			c.log.Debug().Err(err).Msg("Renderer close failed")
		}
	}
	if streaming {
		c.log.Info().Msg("Session stopped")
	}
}

// listener logs connection progress. Termination only cancels the stream;
// the streaming goroutine performs the stop.
type listener struct {
	log    zerolog.Logger
	cancel context.CancelFunc

	mu         sync.Mutex
	terminated bool
	cause      error
}

var _ limelight.ConnectionListener = (*listener)(nil)

func (l *listener) StageStarting(s limelight.Stage) {
	l.log.Debug().Msgf("Starting %s", s)
}

func (l *listener) StageComplete(s limelight.Stage) {
	l.log.Debug().Msgf("%s complete", s)
}

func (l *listener) StageFailed(s limelight.Stage, err error) {
	l.log.Error().Err(err).Msgf("%s failed", s)
}

func (l *listener) ConnectionStarted() {
	l.log.Info().Msg("Connection started")
}

func (l *listener) ConnectionTerminated(err error) {
	l.mu.Lock()
	l.terminated = true
	l.cause = err
	l.mu.Unlock()

	l.cancel()
}

func (l *listener) err() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.terminated || l.cause == nil {
		return nil
	}
	if errors.Is(l.cause, context.Canceled) {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrConnectionTerminated, l.cause)
}
