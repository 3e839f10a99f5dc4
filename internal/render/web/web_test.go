package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/zalo/moonlight-embedded/internal/decoder"
	"github.com/zalo/moonlight-embedded/internal/pipeline"
)

func newTestRenderer(t *testing.T) (*Renderer, *httptest.Server) {
	t.Helper()

	r, err := New(zerolog.Nop(), Options{
		Width:  1280,
		Height: 720,
		FPS:    60,
		Stats:  func() pipeline.Stats { return pipeline.Stats{Submitted: 7, Published: 5} },
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	srv := httptest.NewServer(r.Handler())
	t.Cleanup(func() {
		srv.Close()
		r.peers.closeAll()
	})
	return r, srv
}

func dialViewer(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return msg
}

func TestStatsEndpoint(t *testing.T) {
	_, srv := newTestRenderer(t)

	resp, err := http.Get(srv.URL + "/api/stats")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Viewers  int            `json:"viewers"`
		Pipeline pipeline.Stats `json:"pipeline"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if body.Viewers != 0 {
		t.Errorf("viewers = %d, want 0", body.Viewers)
	}
	if body.Pipeline.Submitted != 7 || body.Pipeline.Published != 5 {
		t.Errorf("pipeline = %+v", body.Pipeline)
	}
}

func TestIndexServed(t *testing.T) {
	_, srv := newTestRenderer(t)

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestViewerReceivesSessionInfo(t *testing.T) {
	r, srv := newTestRenderer(t)
	conn := dialViewer(t, srv)

	msg := readMessage(t, conn)
	if msg.Type != MsgSessionInfo {
		t.Fatalf("first message = %q, want %q", msg.Type, MsgSessionInfo)
	}

	var info struct {
		SessionID string `json:"session_id"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	}
	if err := json.Unmarshal(msg.Payload, &info); err != nil {
		t.Fatalf("payload error = %v", err)
	}
	if info.SessionID != r.sessionID {
		t.Errorf("session_id = %q, want %q", info.SessionID, r.sessionID)
	}
	if info.Width != 1280 || info.Height != 720 {
		t.Errorf("size = %dx%d", info.Width, info.Height)
	}
	if n := r.peers.count(); n != 1 {
		t.Errorf("peers = %d, want 1", n)
	}
}

func TestQuitMessageEndsSession(t *testing.T) {
	r, srv := newTestRenderer(t)
	conn := dialViewer(t, srv)
	readMessage(t, conn)

	if err := conn.WriteJSON(Message{Type: MsgQuit}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}

	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done() not closed after quit")
	}

	// A second quit must not panic
	r.requestExit()
}

func TestOfferAnswer(t *testing.T) {
	_, srv := newTestRenderer(t)
	conn := dialViewer(t, srv)
	readMessage(t, conn)

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection() error = %v", err)
	}
	defer pc.Close()

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
		t.Fatalf("AddTransceiverFromKind() error = %v", err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("CreateOffer() error = %v", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		t.Fatalf("SetLocalDescription() error = %v", err)
	}

	if err := conn.WriteJSON(Message{Type: MsgOffer, Payload: jsonRaw(map[string]string{"sdp": offer.SDP})}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}

	for {
		msg := readMessage(t, conn)
		switch msg.Type {
		case MsgICECandidate:
			continue
		case MsgAnswer:
			var payload struct {
				SDP string `json:"sdp"`
			}
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				t.Fatalf("payload error = %v", err)
			}
			if !strings.Contains(payload.SDP, "H264") {
				t.Errorf("answer does not offer H264:\n%s", payload.SDP)
			}
			answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: payload.SDP}
			if err := pc.SetRemoteDescription(answer); err != nil {
				t.Fatalf("SetRemoteDescription() error = %v", err)
			}
			return
		default:
			t.Fatalf("unexpected message %q: %s", msg.Type, msg.Payload)
		}
	}
}

func TestUploadPresentWithoutViewers(t *testing.T) {
	r, _ := newTestRenderer(t)

	frame := &decoder.Frame{
		Format: decoder.PixelFormatCompressed,
		Planes: [][]byte{{0, 0, 0, 1, 0x65, 0x88}},
	}
	if err := r.Upload(frame); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	frame.Planes[0][4] = 0

	if r.pending[4] != 0x65 {
		t.Error("Upload did not copy the frame")
	}
	if err := r.Present(); err != nil {
		t.Fatalf("Present() error = %v", err)
	}
	if r.presented.Load() != 1 {
		t.Errorf("presented = %d, want 1", r.presented.Load())
	}
}

func TestUploadRejectsDecodedFrames(t *testing.T) {
	r, _ := newTestRenderer(t)

	err := r.Upload(&decoder.Frame{Format: decoder.PixelFormatYUV420P, Planes: [][]byte{{1}, {2}, {3}}})
	if err == nil {
		t.Fatal("Upload() of a decoded frame succeeded")
	}
}
