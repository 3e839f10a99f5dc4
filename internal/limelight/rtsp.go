package limelight

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	rtspDefaultPort = 48010
	rtspTimeout     = 10 * time.Second
	rtspClientVer   = 14
)

// rtspClient performs the session handshake. The host closes the TCP
// connection after every response, so each request dials again.
type rtspClient struct {
	host      string
	port      int
	cseq      int
	sessionID string
	dial      func(network, address string, timeout time.Duration) (net.Conn, error)
}

type rtspResponse struct {
	StatusCode int
	StatusText string
	Headers    map[string]string
	Body       string
}

// streamPorts are the server ports negotiated during SETUP.
type streamPorts struct {
	Video       int
	Audio       int
	Control     int
	PingPayload string
}

func newRTSPClient(host string, sessionURL string) *rtspClient {
	c := &rtspClient{host: host, port: rtspDefaultPort, dial: net.DialTimeout}

	if sessionURL == "" {
		return c
	}
	u, err := url.Parse(sessionURL)
	if err != nil {
		return c
	}
	if h := u.Hostname(); h != "" {
		c.host = h
	}
	if p, err := strconv.Atoi(u.Port()); err == nil && p > 0 {
		c.port = p
	}
	return c
}

func (c *rtspClient) target(path string) string {
	if path == "" {
		return fmt.Sprintf("rtsp://%s:%d", c.host, c.port)
	}
	return fmt.Sprintf("rtsp://%s:%d/%s", c.host, c.port, path)
}

func (c *rtspClient) announce(sdp string) error {
	return c.expectOK("ANNOUNCE", "", map[string]string{"Content-type": "application/sdp"}, sdp)
}

func (c *rtspClient) describe() (map[string]string, error) {
	resp, err := c.do("DESCRIBE", "", map[string]string{"Accept": "application/sdp"}, "")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("DESCRIBE failed: %d %s", resp.StatusCode, resp.StatusText)
	}
	return parseSDP(resp.Body), nil
}

func (c *rtspClient) setup() (*streamPorts, error) {
	ports := &streamPorts{}

	streams := []struct {
		path       string
		clientPort int
		dst        *int
	}{
		{"streamid=audio/0/0", 48000, &ports.Audio},
		{"streamid=video/0/0", 47998, &ports.Video},
		{"streamid=control/13/0", 47999, &ports.Control},
	}

	for _, s := range streams {
		headers := map[string]string{"Transport": fmt.Sprintf("unicast;client_port=%d", s.clientPort)}
		resp, err := c.do("SETUP", s.path, headers, "")
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != 200 {
			return nil, fmt.Errorf("SETUP %s failed: %d %s", s.path, resp.StatusCode, resp.StatusText)
		}
		if session := resp.Headers["Session"]; session != "" && c.sessionID == "" {
			c.sessionID = strings.TrimSpace(strings.Split(session, ";")[0])
		}
		if ping := resp.Headers["X-SS-Ping-Payload"]; ping != "" && ports.PingPayload == "" {
			ports.PingPayload = ping
		}
		*s.dst = parseTransportPort(resp.Headers["Transport"])
	}

	if ports.Video == 0 {
		ports.Video = 47998
	}
	if ports.Audio == 0 {
		ports.Audio = 48000
	}
	if ports.Control == 0 {
		ports.Control = 47999
	}
	return ports, nil
}

func (c *rtspClient) play() error {
	return c.expectOK("PLAY", "", nil, "")
}

func (c *rtspClient) teardown() error {
	return c.expectOK("TEARDOWN", "", nil, "")
}

func (c *rtspClient) expectOK(method, path string, headers map[string]string, body string) error {
	resp, err := c.do(method, path, headers, body)
	if err != nil {
		return err
	}
	if resp.StatusCode != 200 {
		return fmt.Errorf("%s failed: %d %s", method, resp.StatusCode, resp.StatusText)
	}
	return nil
}

func (c *rtspClient) do(method, path string, headers map[string]string, body string) (*rtspResponse, error) {
	conn, err := c.dial("tcp", net.JoinHostPort(c.host, strconv.Itoa(c.port)), rtspTimeout)
	if err != nil {
		return nil, fmt.Errorf("rtsp connect: %w", err)
	}
	defer conn.Close()

	c.cseq++

	var req strings.Builder
	fmt.Fprintf(&req, "%s %s RTSP/1.0\r\n", method, c.target(path))
	fmt.Fprintf(&req, "CSeq: %d\r\n", c.cseq)
	fmt.Fprintf(&req, "X-GS-ClientVersion: %d\r\n", rtspClientVer)
	fmt.Fprintf(&req, "Host: %s\r\n", c.host)
	if c.sessionID != "" {
		fmt.Fprintf(&req, "Session: %s\r\n", c.sessionID)
	}

	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&req, "%s: %s\r\n", k, headers[k])
	}

	// The host matches "Content-length" literally
	if body != "" {
		fmt.Fprintf(&req, "Content-length: %d\r\n", len(body))
	}
	req.WriteString("\r\n")
	req.WriteString(body)

	_ = conn.SetDeadline(time.Now().Add(rtspTimeout))
	if _, err := io.WriteString(conn, req.String()); err != nil {
		return nil, fmt.Errorf("rtsp send %s: %w", method, err)
	}

	return readRTSPResponse(bufio.NewReader(conn))
}

func readRTSPResponse(r *bufio.Reader) (*rtspResponse, error) {
	statusLine, err := r.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("read status line: %w", err)
	}

	parts := strings.SplitN(strings.TrimSpace(statusLine), " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "RTSP/") {
		return nil, fmt.Errorf("invalid RTSP response: %q", statusLine)
	}

	resp := &rtspResponse{Headers: make(map[string]string)}
	resp.StatusCode, _ = strconv.Atoi(parts[1])
	if len(parts) == 3 {
		resp.StatusText = parts[2]
	}

	contentLength := 0
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("read header: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		resp.Headers[k] = v
		if strings.EqualFold(k, "Content-Length") {
			contentLength, _ = strconv.Atoi(v)
		}
	}

	if contentLength > 0 {
		body := make([]byte, contentLength)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		resp.Body = string(body)
	}
	return resp, nil
}

// parseTransportPort extracts server_port from a Transport header.
func parseTransportPort(transport string) int {
	for _, part := range strings.Split(transport, ";") {
		part = strings.TrimSpace(part)
		v, ok := strings.CutPrefix(part, "server_port=")
		if !ok {
			continue
		}
		if i := strings.Index(v, "-"); i > 0 {
			v = v[:i]
		}
		port, _ := strconv.Atoi(v)
		return port
	}
	return 0
}

// buildSDP builds the client's stream description for ANNOUNCE.
func buildSDP(cfg StreamConfiguration, format VideoFormat) string {
	var b strings.Builder

	bitstream := 0
	if format&VideoFormatMaskH265 != 0 {
		bitstream = 1
	} else if format&VideoFormatMaskAV1 != 0 {
		bitstream = 2
	}

	surround := 0
	if cfg.AudioConfiguration.ChannelCount() > 2 {
		surround = 1
	}

	b.WriteString("v=0\r\n")
	b.WriteString("o=- 0 0 IN IP4 0.0.0.0\r\n")
	b.WriteString("s=NVIDIA Streaming Client\r\n")
	fmt.Fprintf(&b, "a=x-nv-video[0].clientViewportWd:%d\r\n", cfg.Width)
	fmt.Fprintf(&b, "a=x-nv-video[0].clientViewportHt:%d\r\n", cfg.Height)
	fmt.Fprintf(&b, "a=x-nv-video[0].maxFPS:%d\r\n", cfg.FPS)
	fmt.Fprintf(&b, "a=x-nv-video[0].packetSize:%d\r\n", cfg.PacketSize)
	fmt.Fprintf(&b, "a=x-nv-vqos[0].bw.maximumBitrateKbps:%d\r\n", cfg.Bitrate)
	fmt.Fprintf(&b, "a=x-ml-video.configuredBitrateKbps:%d\r\n", cfg.Bitrate)
	b.WriteString("a=x-nv-video[0].rateControlMode:4\r\n")
	b.WriteString("a=x-nv-video[0].timeoutLengthMs:7000\r\n")
	b.WriteString("a=x-nv-video[0].framesWithInvalidRefThreshold:0\r\n")
	fmt.Fprintf(&b, "a=x-nv-vqos[0].bitStreamFormat:%d\r\n", bitstream)
	fmt.Fprintf(&b, "a=x-nv-video[0].encoderCscMode:%d\r\n", int(cfg.Colorspace)<<1|int(cfg.ColorRange))
	b.WriteString("a=x-nv-video[0].maxNumReferenceFrames:1\r\n")
	b.WriteString("a=x-nv-video[0].videoEncoderSlicesPerFrame:4\r\n")
	fmt.Fprintf(&b, "a=x-nv-audio.surround.numChannels:%d\r\n", cfg.AudioConfiguration.ChannelCount())
	fmt.Fprintf(&b, "a=x-nv-audio.surround.channelMask:%d\r\n", cfg.AudioConfiguration.ChannelMask())
	fmt.Fprintf(&b, "a=x-nv-audio.surround.enable:%d\r\n", surround)
	b.WriteString("a=x-nv-aqos.packetDuration:5\r\n")
	b.WriteString("a=x-nv-general.useReliableUdp:1\r\n")
	b.WriteString("a=x-nv-vqos[0].fec.minRequiredFecPackets:0\r\n")
	b.WriteString("a=x-nv-vqos[0].qosTrafficType:5\r\n")
	b.WriteString("a=x-nv-aqos.qosTrafficType:4\r\n")
	return b.String()
}

// parseSDP collects the a= attributes of a session description.
func parseSDP(sdp string) map[string]string {
	attrs := make(map[string]string)
	for _, line := range strings.Split(sdp, "\n") {
		attr, ok := strings.CutPrefix(strings.TrimSpace(line), "a=")
		if !ok {
			continue
		}
		if k, v, ok := strings.Cut(attr, ":"); ok {
			attrs[k] = v
		}
	}
	return attrs
}
