// Package session drives one client session: resolve the host, pair,
// select an application, stream it and stop.
package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync"

	"github.com/rs/zerolog"

	"github.com/zalo/moonlight-embedded/internal/config"
	"github.com/zalo/moonlight-embedded/internal/discovery"
	"github.com/zalo/moonlight-embedded/internal/limelight"
	"github.com/zalo/moonlight-embedded/internal/logging"
	"github.com/zalo/moonlight-embedded/internal/nvhttp"
	"github.com/zalo/moonlight-embedded/internal/pipeline"
	"github.com/zalo/moonlight-embedded/internal/platform"
)

// MaxSupportedVersion is the newest host major version known to work.
const MaxSupportedVersion = 7

var (
	ErrDiscoveryFailed      = errors.New("autodiscovery failed")
	ErrConnectServer        = errors.New("can't connect to server")
	ErrUnsupportedHost      = errors.New("host version is not supported")
	ErrNotPaired            = errors.New("you must pair with the PC first")
	ErrAppNotFound          = errors.New("can't find app")
	ErrInvalidState         = errors.New("invalid session state")
	ErrConnectionTerminated = errors.New("connection terminated")
)

// Host is the host API a session talks to.
type Host interface {
	ServerInfo(ctx context.Context) (*nvhttp.ServerInfo, error)
	AppList(ctx context.Context) ([]nvhttp.App, error)
	Pair(ctx context.Context, server *nvhttp.ServerInfo, pin string) error
	Launch(ctx context.Context, server *nvhttp.ServerInfo, req nvhttp.LaunchRequest) (*nvhttp.LaunchResult, error)
	Quit(ctx context.Context) error
}

var _ Host = (*nvhttp.Client)(nil)

// Options wire a Controller to its collaborators.
type Options struct {
	Log    zerolog.Logger
	Config *config.Config

	Discoverer    discovery.Discoverer
	Dial          func(address string) (Host, error)
	NewConnection func() limelight.Connection
	Platform      platform.Platform

	// PINDisplay shows the pairing PIN to the operator.
	PINDisplay func(pin string)

	// Rand is the PIN entropy source; crypto/rand when nil.
	Rand io.Reader
}

// Controller is the session state machine. Its methods are called from one
// goroutine, except Stop which may also be called concurrently with Stream.
type Controller struct {
	log  zerolog.Logger
	cfg  *config.Config
	opts Options

	mu      sync.Mutex
	state   State
	address string
	host    Host
	server  *nvhttp.ServerInfo
	appID   int

	cancel   context.CancelFunc
	loopDone chan struct{}
	conn     limelight.Connection
	pipe     *pipeline.Pipeline
	renderer platform.Renderer
}

// New creates an idle controller.
func New(opts Options) *Controller {
	if opts.Rand == nil {
		opts.Rand = rand.Reader
	}
	if opts.PINDisplay == nil {
		opts.PINDisplay = func(string) {}
	}
	return &Controller{
		log:  logging.Component(opts.Log, "session"),
		cfg:  opts.Config,
		opts: opts,
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()

	if prev != s {
		c.log.Debug().Stringer("from", prev).Stringer("to", s).Msg("Session state")
	}
}

// Address returns the resolved host address.
func (c *Controller) Address() string {
	return c.address
}

// Server returns the host descriptor fetched by Resolve.
func (c *Controller) Server() *nvhttp.ServerInfo {
	return c.server
}

// Resolve finds the host, by the configured address or by discovery, and
// fetches its descriptor.
func (c *Controller) Resolve(ctx context.Context) error {
	if s := c.State(); s != StateIdle {
		return fmt.Errorf("%w: resolve in state %s", ErrInvalidState, s)
	}

	address := c.cfg.Address
	if address == "" {
		if c.opts.Discoverer == nil {
			return ErrDiscoveryFailed
		}
		found, err := c.opts.Discoverer.Discover(ctx)
		if err == nil && found == "" {
			err = discovery.ErrNoHost
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrDiscoveryFailed, err)
		}
		c.log.Info().Str("address", found).Msg("Discovered host")
		address = found
	}
	c.address = address

	host, err := c.opts.Dial(address)
	if err != nil {
		return fmt.Errorf("%w %s: %w", ErrConnectServer, address, err)
	}
	server, err := host.ServerInfo(ctx)
	if err != nil {
		return fmt.Errorf("%w %s: %w", ErrConnectServer, address, err)
	}
	if major := server.MajorVersion(); major > MaxSupportedVersion && !c.cfg.Unsupported {
		return fmt.Errorf("%w: %s", ErrUnsupportedHost, server.AppVersion)
	}

	c.host = host
	c.server = server
	c.log.Info().Str("host", server.Hostname).Str("version", server.AppVersion).
		Bool("paired", server.Paired).Msg("Connected to host")

	if server.Paired {
		c.setState(StatePaired)
	} else {
		c.setState(StateResolved)
	}
	return nil
}

// Pair generates a PIN, shows it to the operator and runs the pairing
// exchange. The state only advances on success.
func (c *Controller) Pair(ctx context.Context) error {
	if s := c.State(); s != StateResolved && s != StatePaired {
		return fmt.Errorf("%w: pair in state %s", ErrInvalidState, s)
	}

	pin, err := GeneratePIN(c.opts.Rand)
	if err != nil {
		return err
	}
	c.opts.PINDisplay(pin)

	if err := c.host.Pair(ctx, c.server, pin); err != nil {
		return err
	}
	c.setState(StatePaired)
	return nil
}

// RequirePaired fails without contacting the host when the client is not
// paired.
func (c *Controller) RequirePaired() error {
	if c.server == nil {
		return fmt.Errorf("%w: host not resolved", ErrInvalidState)
	}
	if !c.server.Paired {
		return ErrNotPaired
	}
	return nil
}

// ListApps returns the host's applications in host order.
func (c *Controller) ListApps(ctx context.Context) ([]nvhttp.App, error) {
	if err := c.RequirePaired(); err != nil {
		return nil, err
	}
	return c.host.AppList(ctx)
}

// ResolveApp selects the first application called name.
func (c *Controller) ResolveApp(ctx context.Context, name string) (int, error) {
	apps, err := c.ListApps(ctx)
	if err != nil {
		return 0, err
	}
	id, ok := FindApp(apps, name)
	if !ok {
		return 0, fmt.Errorf("%w %s", ErrAppNotFound, name)
	}

	c.appID = id
	c.setState(StateAppSelected)
	return id, nil
}

// FindApp returns the id of the first app whose name matches exactly.
func FindApp(apps []nvhttp.App, name string) (int, bool) {
	for _, app := range apps {
		if app.Name == name {
			return app.ID, true
		}
	}
	return 0, false
}

// QuitApp asks the host to end the running application.
func (c *Controller) QuitApp(ctx context.Context) error {
	if err := c.RequirePaired(); err != nil {
		return err
	}
	return c.host.Quit(ctx)
}

// GeneratePIN returns four decimal digits, each drawn uniformly from r.
func GeneratePIN(r io.Reader) (string, error) {
	pin := make([]byte, 4)
	ten := big.NewInt(10)
	for i := range pin {
		n, err := rand.Int(r, ten)
		if err != nil {
			return "", fmt.Errorf("generate pin: %w", err)
		}
		pin[i] = byte('0' + n.Int64())
	}
	return string(pin), nil
}
