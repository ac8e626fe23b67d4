package render

import (
	"fmt"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"weight-atlas/internal/model"
)

// LayerStat is one bar group of the layer dashboard.
type LayerStat struct {
	Name    string
	Summary model.Summary
}

// WriteLayerDashboard writes an HTML page comparing layer statistics: value
// ranges per layer and element counts.
func WriteLayerDashboard(w io.Writer, title string, layers []LayerStat) error {
	names := make([]string, len(layers))
	minData := make([]opts.BarData, len(layers))
	maxData := make([]opts.BarData, len(layers))
	stdData := make([]opts.BarData, len(layers))
	counts := make([]opts.BarData, len(layers))
	for i, l := range layers {
		names[i] = l.Name
		minData[i] = opts.BarData{Value: l.Summary.Min}
		maxData[i] = opts.BarData{Value: l.Summary.Max}
		stdData[i] = opts.BarData{Value: l.Summary.StdDev}
		counts[i] = opts.BarData{Value: l.Summary.Count}
	}

	ranges := charts.NewBar()
	ranges.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Theme: "dark", Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: "Value range", Subtitle: fmt.Sprintf("%d layers", len(layers))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
	)
	ranges.SetXAxis(names).
		AddSeries("min", minData).
		AddSeries("max", maxData).
		AddSeries("std", stdData)

	sizes := charts.NewBar()
	sizes.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Theme: "dark", Width: "100%", Height: "360px"}),
		charts.WithTitleOpts(opts.Title{Title: "Elements"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
	)
	sizes.SetXAxis(names).AddSeries("elements", counts)

	page := components.NewPage()
	page.AddCharts(ranges, sizes)
	return page.Render(w)
}
