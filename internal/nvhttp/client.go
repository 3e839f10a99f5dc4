// Package nvhttp talks to the host's HTTP API: server information, the
// application list, pairing, and starting or stopping an application.
package nvhttp

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/binary"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zalo/moonlight-embedded/internal/limelight"
)

const (
	DefaultHTTPPort  = 47989
	DefaultHTTPSPort = 47984

	requestTimeout = 10 * time.Second
	deviceName     = "roth"
)

var (
	ErrNotPaired  = errors.New("client is not paired with host")
	ErrAppRunning = errors.New("host is running an application started by another client")
)

// HostError is a request the host answered with a non-200 status.
type HostError struct {
	Code    int
	Message string
}

func (e *HostError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("host returned status %d", e.Code)
	}
	return fmt.Sprintf("host returned status %d: %s", e.Code, e.Message)
}

// ServerInfo is the host descriptor returned by /serverinfo.
type ServerInfo struct {
	Address          string
	Hostname         string
	AppVersion       string
	GfeVersion       string
	Paired           bool
	CurrentGame      int
	CodecModeSupport uint32
	HTTPSPort        int
}

// MajorVersion returns the first component of AppVersion.
func (s *ServerInfo) MajorVersion() int {
	return limelight.ParseAppVersion(s.AppVersion)[0]
}

// StreamServer converts the descriptor into the form a streaming
// connection is started with.
func (s *ServerInfo) StreamServer(sessionURL string) limelight.ServerInformation {
	return limelight.ServerInformation{
		Address:                s.Address,
		AppVersion:             s.AppVersion,
		GfeVersion:             s.GfeVersion,
		RtspSessionURL:         sessionURL,
		ServerCodecModeSupport: s.CodecModeSupport,
	}
}

// App is one entry of the host's application list.
type App struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Client handles communication with a single host.
type Client struct {
	log      zerolog.Logger
	address  string
	identity *Identity

	httpBase  string
	httpsBase string

	httpClient  *http.Client
	httpsClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURLs overrides the derived http and https endpoints.
func WithBaseURLs(httpBase, httpsBase string) Option {
	return func(c *Client) {
		c.httpBase = httpBase
		c.httpsBase = httpsBase
	}
}

// NewClient creates a client for the host at address.
func NewClient(log zerolog.Logger, address string, identity *Identity, opts ...Option) *Client {
	host := address
	if h, _, err := net.SplitHostPort(address); err == nil {
		host = h
	}

	c := &Client{
		log:       log.With().Str("component", "nvhttp").Logger(),
		address:   host,
		identity:  identity,
		httpBase:  "http://" + net.JoinHostPort(host, strconv.Itoa(DefaultHTTPPort)),
		httpsBase: "https://" + net.JoinHostPort(host, strconv.Itoa(DefaultHTTPSPort)),
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
		httpsClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					// Hosts use self-signed certificates; trust is the pinned
					// certificate exchanged during pairing.
					InsecureSkipVerify: true,
					Certificates:       []tls.Certificate{identity.tlsCert},
				},
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Address returns the host address requests are sent to.
func (c *Client) Address() string {
	return c.address
}

// ServerInfo fetches the host descriptor. The secure endpoint is tried first
// and the plain one is used when the client is not yet trusted.
func (c *Client) ServerInfo(ctx context.Context) (*ServerInfo, error) {
	var resp struct {
		rootStatus
		Hostname         string `xml:"hostname"`
		AppVersion       string `xml:"appversion"`
		GfeVersion       string `xml:"GfeVersion"`
		PairStatus       string `xml:"PairStatus"`
		CurrentGame      int    `xml:"currentgame"`
		CodecModeSupport uint32 `xml:"ServerCodecModeSupport"`
		HTTPSPort        int    `xml:"HttpsPort"`
	}

	err := c.get(ctx, true, "serverinfo", nil, &resp)
	if err != nil {
		c.log.Debug().Err(err).Msg("secure serverinfo failed, retrying over http")
		if err = c.get(ctx, false, "serverinfo", nil, &resp); err != nil {
			return nil, err
		}
	}

	info := &ServerInfo{
		Address:          c.address,
		Hostname:         resp.Hostname,
		AppVersion:       resp.AppVersion,
		GfeVersion:       resp.GfeVersion,
		Paired:           resp.PairStatus == "1",
		CurrentGame:      resp.CurrentGame,
		CodecModeSupport: resp.CodecModeSupport,
		HTTPSPort:        resp.HTTPSPort,
	}
	c.log.Debug().Str("host", info.Hostname).Str("version", info.AppVersion).
		Bool("paired", info.Paired).Int("current_game", info.CurrentGame).Msg("server info")
	return info, nil
}

// AppList returns the host's applications in the order the host lists them.
func (c *Client) AppList(ctx context.Context) ([]App, error) {
	var resp struct {
		rootStatus
		Apps []struct {
			ID    int    `xml:"ID"`
			Title string `xml:"AppTitle"`
		} `xml:"App"`
	}
	if err := c.get(ctx, true, "applist", nil, &resp); err != nil {
		return nil, err
	}

	apps := make([]App, len(resp.Apps))
	for i, a := range resp.Apps {
		apps[i] = App{ID: a.ID, Name: a.Title}
	}
	return apps, nil
}

// LaunchRequest holds the options an application is started with.
type LaunchRequest struct {
	AppID      int
	Width      int
	Height     int
	FPS        int
	SOPS       bool
	LocalAudio bool
	Audio      limelight.AudioConfiguration
}

// LaunchResult reports how the application was started.
type LaunchResult struct {
	SessionURL string
	Resumed    bool

	// Remote input key material sent to the host
	RiKey []byte
	RiIV  []byte
}

// Launch starts the requested application, or resumes it when it is
// already the host's current game.
func (c *Client) Launch(ctx context.Context, server *ServerInfo, req LaunchRequest) (*LaunchResult, error) {
	if !server.Paired {
		return nil, ErrNotPaired
	}
	if server.CurrentGame != 0 && server.CurrentGame != req.AppID {
		return nil, ErrAppRunning
	}

	result := &LaunchResult{RiKey: make([]byte, 16), RiIV: make([]byte, 16)}
	if _, err := rand.Read(result.RiKey); err != nil {
		return nil, err
	}
	if _, err := rand.Read(result.RiIV); err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("rikey", hex.EncodeToString(result.RiKey))
	query.Set("rikeyid", strconv.FormatInt(int64(int32(binary.BigEndian.Uint32(result.RiIV))), 10))
	query.Set("surroundAudioInfo", strconv.Itoa(surroundAudioInfo(req.Audio)))

	var resp struct {
		rootStatus
		GameSession string `xml:"gamesession"`
		Resume      string `xml:"resume"`
		SessionURL  string `xml:"sessionUrl0"`
	}

	if server.CurrentGame == req.AppID {
		result.Resumed = true
		if err := c.get(ctx, true, "resume", query, &resp); err != nil {
			return nil, err
		}
		if resp.Resume == "0" {
			return nil, errors.New("host refused to resume application")
		}
	} else {
		query.Set("appid", strconv.Itoa(req.AppID))
		query.Set("mode", fmt.Sprintf("%dx%dx%d", req.Width, req.Height, req.FPS))
		query.Set("additionalStates", "1")
		query.Set("sops", boolParam(req.SOPS))
		query.Set("localAudioPlayMode", boolParam(req.LocalAudio))
		if err := c.get(ctx, true, "launch", query, &resp); err != nil {
			return nil, err
		}
		if resp.GameSession == "" || resp.GameSession == "0" {
			return nil, errors.New("host failed to launch application")
		}
	}

	result.SessionURL = resp.SessionURL
	c.log.Info().Int("app", req.AppID).Bool("resumed", result.Resumed).Msg("Application started")
	return result, nil
}

// Quit asks the host to terminate the running application.
func (c *Client) Quit(ctx context.Context) error {
	var resp struct {
		rootStatus
		Cancel string `xml:"cancel"`
	}
	if err := c.get(ctx, true, "cancel", nil, &resp); err != nil {
		return err
	}
	if resp.Cancel == "0" {
		return errors.New("host refused to quit application")
	}
	return nil
}

type rootStatus struct {
	StatusCode    int    `xml:"status_code,attr"`
	StatusMessage string `xml:"status_message,attr"`
}

func (r *rootStatus) status() *rootStatus { return r }

type statusCarrier interface {
	status() *rootStatus
}

// get issues a request to one of the host endpoints and decodes the XML
// reply into out, which must embed rootStatus.
func (c *Client) get(ctx context.Context, secure bool, path string, query url.Values, out statusCarrier) error {
	if query == nil {
		query = url.Values{}
	}
	query.Set("uniqueid", c.identity.UniqueID)
	query.Set("uuid", uuid.NewString())

	base, client := c.httpBase, c.httpClient
	if secure {
		base, client = c.httpsBase, c.httpsClient
	}
	u := fmt.Sprintf("%s/%s?%s", base, path, query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read body: %w", path, err)
	}
	if err := xml.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: parse response: %w", path, err)
	}

	st := out.status()
	if st.StatusCode != http.StatusOK {
		if st.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%s: %w", path, ErrNotPaired)
		}
		return &HostError{Code: st.StatusCode, Message: st.StatusMessage}
	}
	return nil
}

func boolParam(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// surroundAudioInfo packs the channel mask and count the way /launch expects.
func surroundAudioInfo(a limelight.AudioConfiguration) int {
	if a == 0 {
		a = limelight.AudioConfigStereo
	}
	return a.ChannelMask()<<16 | a.ChannelCount()
}
