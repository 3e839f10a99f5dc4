// Package web presents the stream in a browser: access units are forwarded
// over WebRTC and the browser decodes them.
package web

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/zalo/moonlight-embedded/internal/decoder"
	"github.com/zalo/moonlight-embedded/internal/pipeline"
)

//go:embed index.html
var indexHTML []byte

// Options configure the web renderer.
type Options struct {
	ListenAddr string
	ICEServers []string
	Width      int
	Height     int
	FPS        int

	// Stats, when set, is reported by /api/stats.
	Stats func() pipeline.Stats
}

// Renderer serves the viewer page and streams presented frames to every
// connected browser.
type Renderer struct {
	log       zerolog.Logger
	opts      Options
	sessionID string
	width     int
	height    int

	peers  *peerManager
	router *mux.Router
	server *http.Server
	ln     net.Listener

	pending       []byte
	frameDuration time.Duration
	presented     atomic.Uint64

	done     chan struct{}
	doneOnce sync.Once
}

var _ pipeline.Renderer = (*Renderer)(nil)

// New creates a web renderer. Call Start to begin serving.
func New(log zerolog.Logger, opts Options) (*Renderer, error) {
	peers, err := newPeerManager(log, opts.ICEServers)
	if err != nil {
		return nil, err
	}
	if opts.FPS <= 0 {
		opts.FPS = 60
	}

	r := &Renderer{
		log:           log,
		opts:          opts,
		sessionID:     uuid.NewString(),
		width:         opts.Width,
		height:        opts.Height,
		peers:         peers,
		frameDuration: time.Second / time.Duration(opts.FPS),
		done:          make(chan struct{}),
	}

	r.router = mux.NewRouter()
	r.router.HandleFunc("/ws", r.handleWebSocket)
	r.router.HandleFunc("/api/stats", r.handleStats).Methods(http.MethodGet)
	r.router.HandleFunc("/api/ice-servers", r.handleICEServers).Methods(http.MethodGet)
	r.router.HandleFunc("/", r.handleIndex).Methods(http.MethodGet)

	r.server = &http.Server{
		Handler:     r.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return r, nil
}

// Handler returns the HTTP routes.
func (r *Renderer) Handler() http.Handler {
	return r.router
}

// Start listens on the configured address and serves in the background.
func (r *Renderer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", r.opts.ListenAddr)
	if err != nil {
		return err
	}
	r.ln = ln

	go func() {
		if err := r.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Error().Err(err).Msg("Web server failed")
		}
	}()
	r.log.Info().Str("addr", ln.Addr().String()).Msg("Open the viewer in a browser")
	return nil
}

// Addr returns the listening address once started.
func (r *Renderer) Addr() net.Addr {
	if r.ln == nil {
		return nil
	}
	return r.ln.Addr()
}

// Upload implements pipeline.Renderer.
func (r *Renderer) Upload(f *decoder.Frame) error {
	if f.Format != decoder.PixelFormatCompressed {
		return errors.New("web output needs compressed frames")
	}
	r.pending = append(r.pending[:0], f.Planes[0]...)
	return nil
}

// Present implements pipeline.Renderer.
func (r *Renderer) Present() error {
	r.peers.broadcast(r.pending, r.frameDuration)
	r.presented.Add(1)
	return nil
}

// Done implements pipeline.Renderer.
func (r *Renderer) Done() <-chan struct{} {
	return r.done
}

func (r *Renderer) requestExit() {
	r.doneOnce.Do(func() { close(r.done) })
}

// Close disconnects every viewer and stops the web server.
func (r *Renderer) Close() error {
	r.peers.closeAll()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return r.server.Shutdown(ctx)
}

func (r *Renderer) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexHTML)
}

func (r *Renderer) handleStats(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"session_id": r.sessionID,
		"viewers":    r.peers.count(),
		"presented":  r.presented.Load(),
	}
	if r.opts.Stats != nil {
		resp["pipeline"] = r.opts.Stats()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (r *Renderer) handleICEServers(w http.ResponseWriter, _ *http.Request) {
	servers := make([]map[string]any, 0, len(r.opts.ICEServers))
	for _, url := range r.opts.ICEServers {
		servers = append(servers, map[string]any{"urls": []string{url}})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"iceServers": servers})
}
