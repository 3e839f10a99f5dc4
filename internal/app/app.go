// Package app dispatches the command line action: map, pair, list, stream,
// quit or help. Every failure comes back here as an error so the session is
// torn down before the process exits.
package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/zalo/moonlight-embedded/internal/config"
	"github.com/zalo/moonlight-embedded/internal/discovery"
	"github.com/zalo/moonlight-embedded/internal/input"
	"github.com/zalo/moonlight-embedded/internal/limelight"
	"github.com/zalo/moonlight-embedded/internal/logging"
	"github.com/zalo/moonlight-embedded/internal/nvhttp"
	"github.com/zalo/moonlight-embedded/internal/platform"
	"github.com/zalo/moonlight-embedded/internal/session"
)

// Exit codes
const (
	ExitOK     = 0
	ExitFailed = 1
	ExitFatal  = 255 // -1 as seen by the shell
)

// ExitError ends the process with Code after printing Err.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

func fatalf(format string, args ...any) *ExitError {
	return &ExitError{Code: ExitFatal, Err: fmt.Errorf(format, args...)}
}

func failedf(format string, args ...any) *ExitError {
	return &ExitError{Code: ExitFailed, Err: fmt.Errorf(format, args...)}
}

// App holds the process streams and the collaborators actions are run
// against.
type App struct {
	stdout io.Writer
	stderr io.Writer

	MapDevices    func(ctx context.Context, log zerolog.Logger, devices []string, base, out string, prompt io.Writer) error
	Dial          func(log zerolog.Logger, cfg *config.Config, address string) (session.Host, error)
	NewDiscoverer func(log zerolog.Logger) discovery.Discoverer
	NewConnection func(log zerolog.Logger) limelight.Connection
}

// New creates an App wired to the real devices, host and network.
func New(stdout, stderr io.Writer) *App {
	return &App{
		stdout:     stdout,
		stderr:     stderr,
		MapDevices: input.MapDevices,
		Dial: func(log zerolog.Logger, cfg *config.Config, address string) (session.Host, error) {
			identity, err := nvhttp.LoadOrCreateIdentity(cfg.KeyDir)
			if err != nil {
				return nil, err
			}
			return nvhttp.NewClient(log, address, identity), nil
		},
		NewDiscoverer: func(log zerolog.Logger) discovery.Discoverer {
			return discovery.NewMDNS(logging.Component(log, "discovery"), discovery.DefaultTimeout)
		},
		NewConnection: func(log zerolog.Logger) limelight.Connection {
			return limelight.NewClient(log)
		},
	}
}

// Run executes the action named by args and returns the process exit code.
func (a *App) Run(ctx context.Context, args []string) int {
	err := a.run(ctx, args)
	if err == nil {
		return ExitOK
	}

	var exit *ExitError
	if errors.As(err, &exit) {
		if exit.Err != nil {
			fmt.Fprintln(a.stderr, exit.Err)
		}
		return exit.Code
	}
	fmt.Fprintln(a.stderr, err)
	return ExitFatal
}

func (a *App) run(ctx context.Context, args []string) error {
	cfg, err := config.Parse(args, a.stderr)
	if errors.Is(err, flag.ErrHelp) {
		a.help()
		return nil
	}
	if err != nil {
		return fatalf("%w", err)
	}

	if cfg.Action == "" || cfg.Action == "help" {
		a.help()
		return nil
	}

	log := logging.NewWithWriter(a.stderr, cfg.LogLevel())

	p, err := platform.Select(cfg.Platform)
	if err != nil {
		return fatalf("Platform '%s' not found", cfg.Platform)
	}

	switch cfg.Action {
	case "map":
		return a.mapAction(ctx, log, cfg)
	case "pair", "list", "stream", "quit":
		return a.hostAction(ctx, log, cfg, p)
	default:
		return failedf("%s is not a valid action", cfg.Action)
	}
}

func (a *App) mapAction(ctx context.Context, log zerolog.Logger, cfg *config.Config) error {
	if cfg.Address == "" {
		return fatalf("No filename for mapping")
	}

	devices := make([]string, 0, len(cfg.Inputs))
	for _, in := range cfg.Inputs {
		devices = append(devices, in.Path)
	}
	if err := a.MapDevices(ctx, logging.Component(log, "input"), devices, cfg.Mapping, cfg.Address, a.stdout); err != nil {
		return fatalf("Failed to create mapping: %w", err)
	}
	return nil
}

func (a *App) hostAction(ctx context.Context, log zerolog.Logger, cfg *config.Config, p platform.Platform) error {
	if cfg.Action == "stream" {
		if err := cfg.Validate(); err != nil {
			return fatalf("%w", err)
		}
	}

	ctrl := session.New(session.Options{
		Log:        log,
		Config:     cfg,
		Discoverer: a.NewDiscoverer(log),
		Dial: func(address string) (session.Host, error) {
			return a.Dial(log, cfg, address)
		},
		NewConnection: func() limelight.Connection {
			return a.NewConnection(logging.Component(log, "limelight"))
		},
		Platform: p,
		PINDisplay: func(pin string) {
			fmt.Fprintf(a.stdout, "Please enter the following PIN on the target PC: %s\n", pin)
		},
	})
	defer ctrl.Stop()

	if err := ctrl.Resolve(ctx); err != nil {
		switch {
		case errors.Is(err, session.ErrDiscoveryFailed):
			return &ExitError{Code: ExitFatal, Err: errors.New("Autodiscovery failed. Specify an IP address next time.")}
		case errors.Is(err, session.ErrConnectServer):
			log.Debug().Err(err).Msg("Resolve failed")
			return fatalf("Can't connect to server %s", ctrl.Address())
		default:
			return fatalf("%w", err)
		}
	}

	switch cfg.Action {
	case "pair":
		if err := ctrl.Pair(ctx); err != nil {
			return failedf("Failed to pair to server: %w", err)
		}
		fmt.Fprintln(a.stdout, "Succesfully paired")
		return nil

	case "list":
		if err := ctrl.RequirePaired(); err != nil {
			return notPaired(err)
		}
		apps, err := ctrl.ListApps(ctx)
		if err != nil {
			return failedf("Can't get app list: %w", err)
		}
		for i, app := range apps {
			fmt.Fprintf(a.stdout, "%d. %s\n", i+1, app.Name)
		}
		return nil

	case "stream":
		if err := ctrl.RequirePaired(); err != nil {
			return notPaired(err)
		}
		err := ctrl.Stream(ctx)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, session.ErrAppNotFound):
			return fatalf("Can't find app %s", cfg.App)
		default:
			return fatalf("%w", err)
		}

	case "quit":
		if err := ctrl.RequirePaired(); err != nil {
			return notPaired(err)
		}
		if err := ctrl.QuitApp(ctx); err != nil {
			return failedf("Can't quit app: %w", err)
		}
		return nil
	}
	return nil
}

func notPaired(err error) error {
	if errors.Is(err, session.ErrNotPaired) {
		return &ExitError{Code: ExitFatal, Err: errors.New("You must pair with the PC first")}
	}
	return fatalf("%w", err)
}

func (a *App) help() {
	fmt.Fprint(a.stdout, usage)
}

const usage = `Usage: moonlight action [options] host

 Actions

	map			Create mapping file for gamepad
	pair			Pair device with computer
	stream			Stream computer to device
	list			List available games and applications
	quit			Quit the application or game being streamed
	help			Show this help

 Streaming options

	-config <config>	Load configuration file
	-save <config>		Save configuration file
	-720			Use 1280x720 resolution [default]
	-1080			Use 1920x1080 resolution
	-width <width>		Horizontal resolution (default 1280)
	-height <height>	Vertical resolution (default 720)
	-30fps			Use 30fps
	-60fps			Use 60fps [default]
	-bitrate <bitrate>	Specify the bitrate in Kbps
	-packetsize <size>	Specify the maximum packetsize in bytes
	-codec <codec>		Select codec: auto, h264, hevc, av1 (default auto)
	-colorspace <space>	Encoder colorspace: rec601, rec709, rec2020 (default rec601)
	-fullrange		Request full range color
	-surround		Stream 5.1 surround sound
	-remote			Enable optimizations for streaming over the internet
	-app <app>		Name of app to stream
	-nosops			Don't allow GFE to modify game settings
	-input <device>		Use <device> as input. Can be used multiple times
	-mapping <file>		Use <file> as gamepad mapping configuration file (use before -input)
	-audio <device>		Use <device> as ALSA audio output device (default sysdefault)
	-localaudio		Play audio locally
	-keydir <directory>	Load encryption keys from directory
	-platform <system>	Output platform: auto, web, raw, fake (default auto)
	-unsupported		Try streaming if the host version is unsupported
	-fifo <path>		Copy every received frame to the FIFO at <path> when it exists (default /tmp/stream.h264)
	-listen <addr>		Web output listen address (default :8080)
	-output <file>		Raw output file (default stdout)
	-verbose		Enable debug logging

Use Ctrl+C, or End session in the web viewer, to exit streaming session

`
