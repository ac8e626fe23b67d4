package api

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/zstd"

	"weight-atlas/internal/engine"
	"weight-atlas/internal/frames"
	"weight-atlas/internal/grid"
	"weight-atlas/internal/model"
	"weight-atlas/internal/render"
	"weight-atlas/internal/scene"
)

// maxUploadBytes bounds tensor uploads posted to /api/model.
const maxUploadBytes = 64 << 20

// LoadModelRequest selects a model source.
type LoadModelRequest struct {
	Source   string         `json:"source"` // "synthetic", "manifest" or "tensors"
	Name     string         `json:"name,omitempty"`
	Seed     uint64         `json:"seed,omitempty"`
	Manifest string         `json:"manifest,omitempty"` // relative to the manifest dir
	Tensors  []model.Tensor `json:"tensors,omitempty"`
}

// ViewportRequest is a view window in world coordinates.
type ViewportRequest struct {
	X1   float64 `json:"x1"`
	Y1   float64 `json:"y1"`
	X2   float64 `json:"x2"`
	Y2   float64 `json:"y2"`
	Zoom float64 `json:"zoom"`
}

// Rect returns the requested window.
func (v ViewportRequest) Rect() grid.Rect {
	return grid.Rect{X1: v.X1, Y1: v.Y1, X2: v.X2, Y2: v.Y2}
}

// FrameInfo describes the active frame.
type FrameInfo struct {
	Seq       uint64    `json:"seq"`
	Region    grid.Rect `json:"region"`
	Factor    float64   `json:"factor"`
	Cols      int       `json:"cols"`
	Rows      int       `json:"rows"`
	Filled    int       `json:"filled"`
	Chunks    int       `json:"chunks"`
	ElapsedMs float64   `json:"elapsedMs"`
	Failed    bool      `json:"failed"`
}

func frameInfo(f *frames.Frame) FrameInfo {
	return FrameInfo{
		Seq:       f.Seq,
		Region:    f.Region.Rect,
		Factor:    f.Region.Factor,
		Cols:      f.Cols,
		Rows:      f.Rows,
		Filled:    f.Filled(),
		Chunks:    f.Chunks,
		ElapsedMs: float64(f.Elapsed.Microseconds()) / 1000,
		Failed:    f.Failed,
	}
}

func (h *routerHandlers) handleLoadModel(w http.ResponseWriter, r *http.Request) {
	var req LoadModelRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUploadBytes)).Decode(&req); err != nil {
		writeError(w, "Invalid request", http.StatusBadRequest)
		return
	}

	var src model.Source
	switch req.Source {
	case "", "synthetic":
		s := model.DefaultSynthetic(req.Seed)
		if req.Name != "" {
			s.Label = req.Name
		}
		src = s
	case "manifest":
		if h.manifestDir == "" || req.Manifest == "" {
			writeError(w, "Manifest loading is disabled", http.StatusBadRequest)
			return
		}
		// Clean against a rooted path so ".." cannot leave the dir
		src = model.ManifestSource{Path: filepath.Join(h.manifestDir, filepath.Clean("/"+req.Manifest))}
	case "tensors":
		if len(req.Tensors) == 0 {
			writeError(w, "No tensors", http.StatusBadRequest)
			return
		}
		src = model.StaticSource{Label: req.Name, Tensors: req.Tensors}
	default:
		writeError(w, fmt.Sprintf("Unknown source %q", req.Source), http.StatusBadRequest)
		return
	}

	if err := h.engine.Load(r.Context(), src); err != nil {
		log.Printf("❌ Model load failed: %v", err)
		code := http.StatusInternalServerError
		if errors.Is(err, model.ErrUnknownInit) || errors.Is(err, model.ErrInvalidManifest) {
			code = http.StatusBadRequest
		}
		writeError(w, err.Error(), code)
		return
	}

	s := h.engine.Stats()
	writeJSON(w, map[string]interface{}{
		"model": s.Model,
		"grid":  s.Grid,
	})
}

func (h *routerHandlers) handleClearModel(w http.ResponseWriter, r *http.Request) {
	log.Println("🧹 Model cleared via API")
	h.engine.Clear()
	writeJSON(w, map[string]bool{"success": true})
}

func (h *routerHandlers) handleLayers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.engine.Layers())
}

func (h *routerHandlers) handleLayerDashboard(w http.ResponseWriter, r *http.Request) {
	layers := h.engine.Layers()
	stats := make([]render.LayerStat, len(layers))
	for i, l := range layers {
		stats[i] = render.LayerStat{Name: l.Name, Summary: l.Summary}
	}

	var buf bytes.Buffer
	if err := render.WriteLayerDashboard(&buf, h.engine.Stats().Model, stats); err != nil {
		writeError(w, fmt.Sprintf("render error: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}

func (h *routerHandlers) handleHistogram(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	layer, ok := h.engine.Layer(name)
	if !ok {
		writeError(w, "Layer not found", http.StatusNotFound)
		return
	}

	opts := render.DefaultHistogramOptions()
	if b, err := strconv.Atoi(r.URL.Query().Get("bins")); err == nil && b > 0 && b <= 1024 {
		opts.Bins = b
	}

	var buf bytes.Buffer
	if err := render.WriteHistogram(&buf, layer.Name, render.MatrixValues(layer.Data()), opts); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, render.ErrNoValues) {
			code = http.StatusUnprocessableEntity
		}
		writeError(w, err.Error(), code)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(buf.Bytes())
}

func (h *routerHandlers) handleViewport(w http.ResponseWriter, r *http.Request) {
	var req ViewportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if req.Rect().Empty() {
		writeError(w, "Empty view", http.StatusBadRequest)
		return
	}
	if req.Zoom <= 0 {
		req.Zoom = 1
	}
	writeJSON(w, h.engine.UpdateViewport(req.Rect(), req.Zoom))
}

func (h *routerHandlers) handleFrame(w http.ResponseWriter, r *http.Request) {
	var info *FrameInfo
	h.engine.ViewScene(func(s *scene.Snapshot) {
		if a := s.Active(); a != nil {
			fi := frameInfo(a)
			info = &fi
		}
	})
	if info == nil {
		writeError(w, "No frame yet", http.StatusNotFound)
		return
	}
	writeJSON(w, info)
}

// handleFrameRaw streams the active frame as zstd-compressed little-endian
// float32 samples. NaN marks samples without data.
func (h *routerHandlers) handleFrameRaw(w http.ResponseWriter, r *http.Request) {
	var (
		body bytes.Buffer
		info *FrameInfo
		err  error
	)
	h.engine.ViewScene(func(s *scene.Snapshot) {
		a := s.Active()
		if a == nil {
			return
		}
		fi := frameInfo(a)
		info = &fi

		var enc *zstd.Encoder
		enc, err = zstd.NewWriter(&body, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return
		}
		if err = binary.Write(enc, binary.LittleEndian, a.Data); err != nil {
			enc.Close()
			return
		}
		err = enc.Close()
	})

	if info == nil {
		writeError(w, "No frame yet", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/zstd")
	w.Header().Set("X-Frame-Seq", strconv.FormatUint(info.Seq, 10))
	w.Header().Set("X-Frame-Cols", strconv.Itoa(info.Cols))
	w.Header().Set("X-Frame-Rows", strconv.Itoa(info.Rows))
	w.Header().Set("X-Frame-Factor", strconv.FormatFloat(info.Factor, 'g', -1, 64))
	w.Header().Set("X-Frame-Origin", fmt.Sprintf("%g,%g", info.Region.X1, info.Region.Y1))
	w.Write(body.Bytes())
}

// handleFramePNG renders the scene. Without an explicit window it shows the
// active region.
func (h *routerHandlers) handleFramePNG(w http.ResponseWriter, r *http.Request) {
	view, _, err := parseRect(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	img := h.engine.Draw(h.renderer, engine.DrawOptions{
		View:  view,
		Cells: r.URL.Query().Get("cells") == "1",
	})
	if img == nil {
		writeError(w, "No frame yet", http.StatusNotFound)
		return
	}

	var buf bytes.Buffer
	if err := render.EncodePNG(&buf, img); err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(buf.Bytes())
}

func (h *routerHandlers) handleMix(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.engine.MixFactor())
}

func (h *routerHandlers) handlePoint(w http.ResponseWriter, r *http.Request) {
	x, errX := strconv.ParseFloat(r.URL.Query().Get("x"), 64)
	y, errY := strconv.ParseFloat(r.URL.Query().Get("y"), 64)
	if errX != nil || errY != nil {
		writeError(w, "x and y are required", http.StatusBadRequest)
		return
	}
	p, ok := h.engine.GetPoint(x, y)
	if !ok {
		writeError(w, "No layer at point", http.StatusNotFound)
		return
	}
	writeJSON(w, p)
}

func (h *routerHandlers) handleBSP(w http.ResponseWriter, r *http.Request) {
	q, ok, err := parseRect(r)
	if err != nil || !ok {
		writeError(w, "x1, y1, x2 and y2 are required", http.StatusBadRequest)
		return
	}
	cells, box := h.engine.VisibleCells(q)
	writeJSON(w, map[string]interface{}{
		"cells": cells,
		"box":   box,
	})
}

func (h *routerHandlers) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"engine":    h.engine.Stats(),
		"rateLimit": h.rateLimiter.GetStats(),
	})
}

// parseRect reads x1,y1,x2,y2 from the query string. It reports false when
// none are present.
func parseRect(r *http.Request) (grid.Rect, bool, error) {
	q := r.URL.Query()
	if q.Get("x1") == "" && q.Get("y1") == "" && q.Get("x2") == "" && q.Get("y2") == "" {
		return grid.Rect{}, false, nil
	}
	var v [4]float64
	for i, k := range []string{"x1", "y1", "x2", "y2"} {
		f, err := strconv.ParseFloat(q.Get(k), 64)
		if err != nil {
			return grid.Rect{}, false, fmt.Errorf("invalid %s", k)
		}
		v[i] = f
	}
	rect := grid.Rect{X1: v[0], Y1: v[1], X2: v[2], Y2: v[3]}
	if rect.Empty() {
		return grid.Rect{}, false, errors.New("empty rectangle")
	}
	return rect, true, nil
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
