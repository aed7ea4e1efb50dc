package main

import (
	"sort"
	"strings"

	flow "cifarstages/src"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// savePlot draws every recorded metric with the given suffix, one line per
// loader, against the epoch count across all stages.
func savePlot(h *flow.HistoryCallback, metric, path string) error {
	p := plot.New()
	p.Title.Text = metric
	p.X.Label.Text = "epoch"
	p.X.Padding, p.Y.Padding = 0, 0
	p.Legend.Top = true
	p.Add(plotter.NewGrid())

	var keys []string
	for k := range h.History {
		if strings.HasSuffix(k, "/"+metric) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return errors.Errorf("no %q history to plot", metric)
	}

	for i, key := range keys {
		values := h.History[key]
		pts := make(plotter.XYs, len(values))
		for j, v := range values {
			pts[j].X = float64(j + 1)
			pts[j].Y = v
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return errors.Wrapf(err, "plot %s", key)
		}
		line.Width = 2
		line.Color = plotutil.Color(i)
		p.Add(line)
		p.Legend.Add(strings.TrimSuffix(key, "/"+metric), line)
	}
	return errors.Wrap(p.Save(8*vg.Inch, 5*vg.Inch, path), "save plot")
}
