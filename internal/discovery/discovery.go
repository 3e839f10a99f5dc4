// Package discovery finds streaming hosts on the local network over mDNS.
package discovery

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"
)

const (
	Service        = "_nvstream._tcp"
	Domain         = "local."
	DefaultTimeout = 5 * time.Second
)

var ErrNoHost = errors.New("no streaming host found")

// Host is one discovered streaming host.
type Host struct {
	Name    string
	Address string
	Port    int
}

// Discoverer resolves the address of a host to stream from.
type Discoverer interface {
	Discover(ctx context.Context) (string, error)
}

// MDNS browses for hosts announcing the streaming service.
type MDNS struct {
	log     zerolog.Logger
	timeout time.Duration
}

// NewMDNS creates a discoverer that gives up after timeout.
func NewMDNS(log zerolog.Logger, timeout time.Duration) *MDNS {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &MDNS{log: log.With().Str("component", "discovery").Logger(), timeout: timeout}
}

// Discover returns the address of the first host that answers.
func (m *MDNS) Discover(ctx context.Context) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return "", err
	}

	host, err := firstHost(ctx, entries)
	if err != nil {
		return "", err
	}
	m.log.Info().Str("name", host.Name).Str("address", host.Address).Msg("Discovered host")
	return host.Address, nil
}

// firstHost waits for an entry carrying a usable address.
func firstHost(ctx context.Context, entries <-chan *zeroconf.ServiceEntry) (Host, error) {
	for {
		select {
		case <-ctx.Done():
			return Host{}, ErrNoHost
		case e, ok := <-entries:
			if !ok {
				return Host{}, ErrNoHost
			}
			if h, ok := toHost(e); ok {
				return h, nil
			}
		}
	}
}

func toHost(e *zeroconf.ServiceEntry) (Host, bool) {
	if e == nil {
		return Host{}, false
	}

	var ip net.IP
	switch {
	case len(e.AddrIPv4) > 0:
		ip = e.AddrIPv4[0]
	case len(e.AddrIPv6) > 0:
		ip = e.AddrIPv6[0]
	default:
		return Host{}, false
	}

	return Host{Name: e.Instance, Address: ip.String(), Port: e.Port}, true
}

// String formats the host as name (address:port).
func (h Host) String() string {
	return h.Name + " (" + net.JoinHostPort(h.Address, strconv.Itoa(h.Port)) + ")"
}
