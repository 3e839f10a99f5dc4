package web

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // viewers are served from this same process
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// MessageType names a signaling message.
type MessageType string

const (
	// Viewer -> client
	MsgOffer     MessageType = "offer"
	MsgCandidate MessageType = "candidate"
	MsgQuit      MessageType = "quit"

	// Client -> viewer
	MsgSessionInfo  MessageType = "session_info"
	MsgAnswer       MessageType = "answer"
	MsgICECandidate MessageType = "ice_candidate"
	MsgError        MessageType = "error"
)

// Message is the signaling envelope.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// viewer is one connected signaling socket.
type viewer struct {
	conn   *websocket.Conn
	peerID string
	send   chan []byte

	mu     sync.Mutex
	closed bool
}

func (r *Renderer) handleWebSocket(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	v := &viewer{
		conn:   conn,
		peerID: uuid.NewString(),
		send:   make(chan []byte, 64),
	}

	p, err := r.peers.create(v.peerID)
	if err != nil {
		conn.WriteJSON(Message{Type: MsgError, Payload: jsonRaw(map[string]string{"error": err.Error()})})
		conn.Close()
		return
	}

	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		candidate, _ := json.Marshal(c.ToJSON())
		v.sendJSON(Message{Type: MsgICECandidate, Payload: jsonRaw(map[string]string{"candidate": string(candidate)})})
	})

	v.sendJSON(Message{
		Type: MsgSessionInfo,
		Payload: jsonRaw(map[string]any{
			"session_id": r.sessionID,
			"peer_id":    v.peerID,
			"width":      r.width,
			"height":     r.height,
		}),
	})
	r.log.Info().Str("peer", v.peerID).Str("remote", req.RemoteAddr).Msg("Viewer connected")

	go v.writePump()
	go r.readPump(v, p)
}

func (r *Renderer) readPump(v *viewer, p *peer) {
	defer func() {
		r.peers.remove(v.peerID)
		v.close()
		r.log.Info().Str("peer", v.peerID).Msg("Viewer left")
	}()

	for {
		_, data, err := v.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.log.Debug().Err(err).Str("peer", v.peerID).Msg("WebSocket read failed")
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			r.log.Debug().Err(err).Msg("Invalid signaling message")
			continue
		}
		r.handleMessage(v, p, msg)
	}
}

func (r *Renderer) handleMessage(v *viewer, p *peer, msg Message) {
	switch msg.Type {
	case MsgOffer:
		var payload struct {
			SDP string `json:"sdp"`
		}
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			v.sendError(err)
			return
		}
		answer, err := p.answer(payload.SDP)
		if err != nil {
			v.sendError(err)
			return
		}
		v.sendJSON(Message{Type: MsgAnswer, Payload: jsonRaw(map[string]string{"sdp": answer})})

	case MsgCandidate:
		var payload struct {
			Candidate string `json:"candidate"`
		}
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return
		}
		if err := p.addCandidate(payload.Candidate); err != nil {
			r.log.Debug().Err(err).Msg("Failed to add ICE candidate")
		}

	case MsgQuit:
		r.log.Info().Str("peer", v.peerID).Msg("Viewer ended the session")
		r.requestExit()
	}
}

func (v *viewer) writePump() {
	defer v.conn.Close()

	for message := range v.send {
		if err := v.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
}

func (v *viewer) sendJSON(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return
	}
	select {
	case v.send <- data:
	default:
		// viewer is not reading; drop it
		v.closed = true
		close(v.send)
	}
}

func (v *viewer) sendError(err error) {
	v.sendJSON(Message{Type: MsgError, Payload: jsonRaw(map[string]string{"error": err.Error()})})
}

func (v *viewer) close() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.closed {
		v.closed = true
		close(v.send)
	}
}

func jsonRaw(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
