package engine

import (
	"image"

	"weight-atlas/internal/grid"
	"weight-atlas/internal/model"
	"weight-atlas/internal/render"
	"weight-atlas/internal/scene"
)

// DrawOptions selects what Draw overlays on the heatmap.
type DrawOptions struct {
	View  grid.Rect // empty draws the active region
	Cells bool      // outline the BSP cells covering the view
}

// Draw renders the current scene. It returns nil when there is nothing to
// show yet.
func (e *Engine) Draw(r *render.Renderer, opts DrawOptions) *image.RGBA {
	view := opts.View
	if view.Empty() {
		e.ViewScene(func(s *scene.Snapshot) {
			if a := s.Active(); a != nil {
				view = a.Region.Coverage()
			}
		})
		if view.Empty() {
			return nil
		}
	}

	// gathered before ViewScene: Clear holds mu while waiting for renderMu
	in := render.Input{View: view, PrevMix: e.MixFactor().Previous}
	var summaries []model.Summary
	for _, l := range e.Grid().Layers() {
		if !l.Bounds().Intersects(view) {
			continue
		}
		summaries = append(summaries, l.Summary)
		in.Layers = append(in.Layers, l)
	}
	in.Colormap = render.NewColormap(render.SymmetricLimit(summaries))
	if opts.Cells {
		in.Cells, _ = e.VisibleCells(view)
	}

	var img *image.RGBA
	e.ViewScene(func(s *scene.Snapshot) {
		in.Snapshot = s
		img = r.Render(in)
	})
	return img
}
