package api

import (
	"context"
	"image"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"weight-atlas/internal/bsp"
	"weight-atlas/internal/engine"
	"weight-atlas/internal/grid"
	"weight-atlas/internal/metrics"
	"weight-atlas/internal/model"
	"weight-atlas/internal/render"
	"weight-atlas/internal/scene"
)

// EngineInterface is the part of the atlas engine the API calls.
// Keep it minimal so tests can substitute a fake.
type EngineInterface interface {
	Load(ctx context.Context, src model.Source) error
	LoadTensors(name string, tensors []model.Tensor)
	Clear()
	UpdateViewport(bounds grid.Rect, zoom float64) engine.ViewportUpdate
	GetPoint(x, y float64) (grid.Point, bool)
	MixFactor() engine.Mix
	Layers() []engine.LayerInfo
	Layer(name string) (*grid.SpatialLayer, bool)
	ViewScene(fn func(*scene.Snapshot))
	VisibleCells(query grid.Rect) ([]grid.Rect, bsp.BoundingBox)
	Draw(r *render.Renderer, opts engine.DrawOptions) *image.RGBA
	Stats() engine.Stats
}

// RouterConfig contains the dependencies of the HTTP router.
//
//	cfg := api.RouterConfig{
//	    Engine: eng,
//	    RateLimitConfig: &api.RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000},
//	}
//	ts := httptest.NewServer(api.NewRouter(cfg))
type RouterConfig struct {
	// Engine is the atlas engine (required).
	Engine EngineInterface

	// Renderer draws /api/frame.png. Nil uses render.DefaultOptions.
	Renderer *render.Renderer

	// RateLimiter is an optional pre-built limiter. If nil, one is created
	// from RateLimitConfig, or DefaultRateLimitConfig when that is nil too.
	RateLimiter     *IPRateLimiter
	RateLimitConfig *RateLimitConfig

	// CORSOrigins lists allowed origins. Nil allows localhost only.
	CORSOrigins []string

	// AdminToken guards model load/unload. Empty disables the check.
	AdminToken string

	// ManifestDir restricts manifest paths posted to /api/model.
	// Empty rejects manifest loads over HTTP.
	ManifestDir string

	// DisableLogging disables the request logger (benchmarks).
	DisableLogging bool
}

type routerHandlers struct {
	engine      EngineInterface
	renderer    *render.Renderer
	rateLimiter *IPRateLimiter
	manifestDir string
}

// NewRouter builds the HTTP router. It starts no goroutines besides the rate
// limiter's cleanup loop and opens no listeners, so it is safe to use with
// httptest.NewServer.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	if !cfg.DisableLogging {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	r.Use(requestMetrics)

	// Rate limiting before CORS to reject early
	rateLimiter := cfg.RateLimiter
	if rateLimiter == nil {
		rlCfg := DefaultRateLimitConfig
		if cfg.RateLimitConfig != nil {
			rlCfg = *cfg.RateLimitConfig
		}
		rateLimiter = NewIPRateLimiter(rlCfg)
	}
	r.Use(rateLimiter.Middleware)

	origins := cfg.CORSOrigins
	if origins == nil {
		origins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Frame-Seq", "X-Frame-Cols", "X-Frame-Rows", "X-Frame-Factor", "X-Frame-Origin"},
		AllowCredentials: true,
	}))

	renderer := cfg.Renderer
	if renderer == nil {
		renderer = render.NewRenderer(render.DefaultOptions())
	}

	h := &routerHandlers{
		engine:      cfg.Engine,
		renderer:    renderer,
		rateLimiter: rateLimiter,
		manifestDir: cfg.ManifestDir,
	}
	auth := NewAdminAuth(cfg.AdminToken)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		// Model
		r.With(auth.Middleware).Post("/model", h.handleLoadModel)
		r.With(auth.Middleware).Delete("/model", h.handleClearModel)
		r.Get("/layers", h.handleLayers)
		r.Get("/layers.html", h.handleLayerDashboard)
		r.Get("/layers/{name}/histogram.png", h.handleHistogram)

		// Viewport and frames
		r.Post("/viewport", h.handleViewport)
		r.Get("/frame", h.handleFrame)
		r.Get("/frame.raw", h.handleFrameRaw)
		r.Get("/frame.png", h.handleFramePNG)
		r.Get("/mix", h.handleMix)

		// Queries
		r.Get("/point", h.handlePoint)
		r.Get("/bsp", h.handleBSP)
		r.Get("/stats", h.handleStats)
	})

	return r
}

// requestMetrics records latency per route pattern, never per raw URL.
func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			pattern = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.RecordRequest(r.Method, pattern, status, time.Since(start))
	})
}
