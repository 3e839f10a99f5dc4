package web

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
)

// peerManager tracks the browser peers watching the stream.
type peerManager struct {
	log    zerolog.Logger
	api    *webrtc.API
	config webrtc.Configuration

	mu    sync.RWMutex
	peers map[string]*peer
}

func newPeerManager(log zerolog.Logger, iceServers []string) (*peerManager, error) {
	servers := make([]webrtc.ICEServer, 0, len(iceServers))
	for _, url := range iceServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{url}})
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		},
		PayloadType: 96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, err
	}

	return &peerManager{
		log:    log,
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(m)),
		config: webrtc.Configuration{ICEServers: servers},
		peers:  make(map[string]*peer),
	}, nil
}

// create opens a peer connection with a send-only video track.
func (m *peerManager) create(id string) (*peer, error) {
	pc, err := m.api.NewPeerConnection(m.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264}, "video", "moonlight")
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to create video track: %w", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to add video track: %w", err)
	}

	// Drain RTCP so the interceptors keep running
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	p := &peer{id: id, pc: pc, track: track}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.log.Debug().Str("peer", id).Str("state", state.String()).Msg("Peer connection state")
		switch state {
		case webrtc.PeerConnectionStateConnected:
			p.connected.Store(true)
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			m.remove(id)
		}
	})

	m.mu.Lock()
	m.peers[id] = p
	m.mu.Unlock()
	return p, nil
}

func (m *peerManager) remove(id string) {
	m.mu.Lock()
	p, ok := m.peers[id]
	delete(m.peers, id)
	m.mu.Unlock()

	if ok {
		p.close()
	}
}

func (m *peerManager) closeAll() {
	m.mu.Lock()
	peers := m.peers
	m.peers = make(map[string]*peer)
	m.mu.Unlock()

	for _, p := range peers {
		p.close()
	}
}

func (m *peerManager) count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}

// broadcast writes one access unit to every connected peer.
func (m *peerManager) broadcast(data []byte, duration time.Duration) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for id, p := range m.peers {
		if !p.connected.Load() {
			continue
		}
		if err := p.track.WriteSample(media.Sample{Data: data, Duration: duration}); err != nil {
			m.log.Debug().Err(err).Str("peer", id).Msg("Video write failed")
		}
	}
}

type peer struct {
	id        string
	pc        *webrtc.PeerConnection
	track     *webrtc.TrackLocalStaticSample
	connected atomic.Bool
	closeOnce sync.Once
}

// answer applies a browser offer and returns the complete local answer.
func (p *peer) answer(offerSDP string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	<-gatherComplete

	return p.pc.LocalDescription().SDP, nil
}

func (p *peer) addCandidate(candidateJSON string) error {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidateJSON), &candidate); err != nil {
		return err
	}
	return p.pc.AddICECandidate(candidate)
}

func (p *peer) close() {
	p.closeOnce.Do(func() { p.pc.Close() })
}
