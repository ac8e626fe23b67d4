// Command atlas-render renders one view of a model to PNG without the HTTP
// server. It drives the same engine: load, set the viewport, wait for the
// frame, draw.
//
//	go run ./cmd/atlas-render -manifest model.yaml -view 0,0,4096,2048 -zoom 0.25 -out atlas.png
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"weight-atlas/internal/config"
	"weight-atlas/internal/engine"
	"weight-atlas/internal/grid"
	"weight-atlas/internal/model"
	"weight-atlas/internal/render"
)

func main() {
	if err := godotenv.Load(".env"); err != nil {
		log.Println("💡 No .env file found, using environment variables only")
	}

	var (
		manifest  = flag.String("manifest", "", "YAML layer manifest (empty = synthetic model)")
		seed      = flag.Uint64("seed", 1, "synthetic model seed")
		viewFlag  = flag.String("view", "", "x1,y1,x2,y2 in world units (default: whole model)")
		zoom      = flag.Float64("zoom", 1, "zoom factor passed to the viewport")
		out       = flag.String("out", "atlas.png", "output PNG path")
		width     = flag.Int("width", 0, "output width (default from config)")
		height    = flag.Int("height", 0, "output height (default from config)")
		cells     = flag.Bool("cells", false, "outline BSP cells")
		histogram = flag.String("histogram", "", "also write a value histogram of this layer to <out>.hist.png")
		timeout   = flag.Duration("timeout", time.Minute, "give up waiting for the frame after this long")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Invalid configuration: %v", err)
	}
	if *width > 0 {
		cfg.Viewport.TargetWidth = *width
	}
	if *height > 0 {
		cfg.Viewport.TargetHeight = *height
	}

	eng, err := engine.New(engine.OptionsFromConfig(cfg))
	if err != nil {
		log.Fatalf("❌ Failed to create engine: %v", err)
	}

	ready := make(chan uint64, 1)
	eng.SetOnFrameReady(func(seq uint64) {
		select {
		case ready <- seq:
		default:
		}
	})
	eng.Start()
	defer eng.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var src model.Source = model.DefaultSynthetic(*seed)
	if *manifest != "" {
		src = model.ManifestSource{Path: *manifest}
	}
	if err := eng.Load(ctx, src); err != nil {
		log.Fatalf("❌ %v", err)
	}

	view := eng.Grid().Bounds()
	if *viewFlag != "" {
		if view, err = parseView(*viewFlag); err != nil {
			log.Fatalf("❌ -view: %v", err)
		}
	}

	u := eng.UpdateViewport(view, *zoom)
	log.Printf("🎯 View %v at zoom %g: factor %g, region %v", view, *zoom, u.Region.Factor, u.Region.Rect)

	if err := waitFrame(ctx, eng, ready); err != nil {
		log.Fatalf("❌ %v", err)
	}

	opts := render.DefaultOptions()
	opts.Width, opts.Height = cfg.Viewport.TargetWidth, cfg.Viewport.TargetHeight
	renderer := render.NewRenderer(opts)
	pool := render.NewPool(0)
	pool.Start()
	defer pool.Stop()
	renderer.UsePool(pool)

	img := eng.Draw(renderer, engine.DrawOptions{View: view, Cells: *cells})
	if err := writePNG(*out, func(f *os.File) error { return render.EncodePNG(f, img) }); err != nil {
		log.Fatalf("❌ %v", err)
	}
	log.Printf("✅ Wrote %s (%dx%d)", *out, opts.Width, opts.Height)

	if *histogram != "" {
		layer, ok := eng.Layer(*histogram)
		if !ok {
			log.Fatalf("❌ No layer %q", *histogram)
		}
		path := strings.TrimSuffix(*out, ".png") + ".hist.png"
		err := writePNG(path, func(f *os.File) error {
			return render.WriteHistogram(f, layer.Name, render.MatrixValues(layer.Data()), render.DefaultHistogramOptions())
		})
		if err != nil {
			log.Fatalf("❌ %v", err)
		}
		log.Printf("✅ Wrote %s", path)
	}
}

// waitFrame polls until the requested frame is in the scene.
func waitFrame(ctx context.Context, eng *engine.Engine, ready <-chan uint64) error {
	for {
		if _, ok := eng.PollFrame(); ok {
			return nil
		}
		select {
		case <-ready:
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return fmt.Errorf("waiting for frame: %w", ctx.Err())
		}
	}
}

func parseView(s string) (grid.Rect, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return grid.Rect{}, fmt.Errorf("want x1,y1,x2,y2, got %q", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return grid.Rect{}, err
		}
		v[i] = f
	}
	r := grid.Rect{X1: v[0], Y1: v[1], X2: v[2], Y2: v[3]}
	if r.Empty() {
		return r, fmt.Errorf("empty view %q", s)
	}
	return r, nil
}

func writePNG(path string, write func(*os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
