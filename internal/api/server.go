package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"weight-atlas/internal/config"
	"weight-atlas/internal/engine"
	"weight-atlas/internal/frames"
	"weight-atlas/internal/render"
)

// ServerEngine is what the server needs on top of the router's interface:
// something to poll for finished frames.
type ServerEngine interface {
	EngineInterface
	PollFrame() (*frames.Frame, bool)
}

// FrameEvent is broadcast as "frame:ready" whenever the scene swaps.
type FrameEvent struct {
	Frame FrameInfo  `json:"frame"`
	Mix   engine.Mix `json:"mix"`
}

// Server is the HTTP API with WebSocket frame notifications.
type Server struct {
	engine       ServerEngine
	router       *chi.Mux
	wsHub        *WebSocketHub
	rateLimiter  *IPRateLimiter
	pollInterval time.Duration

	mu       sync.Mutex
	http     *http.Server
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Options configures a Server.
type Options struct {
	Server       config.ServerConfig
	PollInterval time.Duration
	Renderer     *render.Renderer
	ManifestDir  string
}

// NewServer creates the API server. Background workers do not start until
// Start is called, so the server can be built in tests and served through
// Router().
func NewServer(eng ServerEngine, opts Options) *Server {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second / 30
	}
	s := &Server{
		engine:       eng,
		wsHub:        NewWebSocketHub(opts.Server.MaxWSClients, NewOriginPolicy(opts.Server.AllowedOrigins)),
		pollInterval: opts.PollInterval,
		stopChan:     make(chan struct{}),
	}

	rl := DefaultRateLimitConfig
	if opts.Server.RequestsPerSecond > 0 {
		rl.RequestsPerSecond = opts.Server.RequestsPerSecond
		rl.Burst = max(opts.Server.Burst, 1)
	}
	if opts.Server.ViewportRequestsPerSecond > 0 {
		rl.ViewportRequestsPerSecond = opts.Server.ViewportRequestsPerSecond
		rl.ViewportBurst = max(opts.Server.ViewportBurst, 1)
	}
	s.rateLimiter = NewIPRateLimiter(rl)

	s.router = NewRouter(RouterConfig{
		Engine:      eng,
		Renderer:    opts.Renderer,
		RateLimiter: s.rateLimiter,
		CORSOrigins: opts.Server.AllowedOrigins,
		AdminToken:  opts.Server.AdminToken,
		ManifestDir: opts.ManifestDir,
	})

	s.wsHub.SetMessageHandler(s.handleMessage)
	s.router.Get("/ws", s.wsHub.HandleWebSocket)
	return s
}

// handleMessage answers client messages:
//
//	{"event":"viewport","data":{"x1":0,"y1":0,"x2":1280,"y2":720,"zoom":1}}
//	{"event":"point","data":{"x":10.5,"y":3}}
func (s *Server) handleMessage(event string, data json.RawMessage) (string, interface{}, bool) {
	switch event {
	case "viewport":
		var req ViewportRequest
		if err := json.Unmarshal(data, &req); err != nil || req.Rect().Empty() {
			return "error", map[string]string{"error": "invalid viewport"}, true
		}
		if req.Zoom <= 0 {
			req.Zoom = 1
		}
		return "viewport:update", s.engine.UpdateViewport(req.Rect(), req.Zoom), true

	case "point":
		var req struct {
			X float64 `json:"x"`
			Y float64 `json:"y"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return "error", map[string]string{"error": "invalid point"}, true
		}
		p, ok := s.engine.GetPoint(req.X, req.Y)
		if !ok {
			return "point", nil, true
		}
		return "point", p, true

	default:
		return "", nil, false
	}
}

// Start runs the background workers and serves HTTP on addr until Stop.
func (s *Server) Start(addr string) error {
	go s.wsHub.Run()
	s.StartPollLoop()

	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	log.Printf("🌐 API server starting on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// StartPollLoop moves finished frames into the scene and announces them.
func (s *Server) StartPollLoop() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.pollOnce()
			}
		}
	}()
}

func (s *Server) pollOnce() bool {
	f, ok := s.engine.PollFrame()
	if !ok {
		return false
	}
	if s.wsHub.ClientCount() > 0 {
		s.wsHub.Broadcast("frame:ready", FrameEvent{Frame: frameInfo(f), Mix: s.engine.MixFactor()})
	}
	return true
}

// Router returns the HTTP handler, for httptest.
func (s *Server) Router() http.Handler {
	return s.router
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *WebSocketHub {
	return s.wsHub
}

// Stop shuts the HTTP server down and stops the background workers.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.wsHub.Stop()
		s.rateLimiter.Stop()

		s.mu.Lock()
		srv := s.http
		s.mu.Unlock()
		if srv != nil {
			err = srv.Shutdown(ctx)
		}
		s.wg.Wait()
	})
	return err
}
