// Package report renders diagnostics for keyframe factorizations: a PNG
// convergence plot of the refinement cycles and an HTML chart of the
// per-block singular value spectra.
package report

import (
	"errors"
	"fmt"
	"image/color"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/keyframe/internal/keyframe"
)

// errFloor stands in for exact zeros on the log scale.
const errFloor = 1e-18

// ErrNoHistory is returned when a factorization carries no iterations.
var ErrNoHistory = errors.New("report: factorization has no iteration history")

var (
	diagColor   = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	skewColor   = color.RGBA{R: 214, G: 39, B: 40, A: 255}
	strictColor = color.RGBA{R: 127, G: 127, B: 127, A: 255}
)

// ConvergencePlot writes log10 of the diagonal and skew errors per cycle to
// a PNG at path. tolStrict, when positive, is drawn as a reference line.
func ConvergencePlot(f *keyframe.Factorization, tolStrict float64, path string) error {
	if f == nil || len(f.History) == 0 {
		return ErrNoHistory
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Kappa refinement %s (%s)", f.Partition, f.Field)
	p.X.Label.Text = "Cycle"
	p.Y.Label.Text = "log10 error"

	diagPts := make(plotter.XYs, 0, len(f.History))
	skewPts := make(plotter.XYs, 0, len(f.History))
	for _, r := range f.History {
		diagPts = append(diagPts, plotter.XY{X: float64(r.Iter), Y: log10(r.DiagErr)})
		skewPts = append(skewPts, plotter.XY{X: float64(r.Iter), Y: log10(r.SkewErr)})
	}

	diagLine, err := plotter.NewLine(diagPts)
	if err != nil {
		return err
	}
	diagLine.Color = diagColor
	diagLine.Width = vg.Points(1.5)
	p.Add(diagLine)
	p.Legend.Add("max |kappa| diagonal block", diagLine)

	skewLine, err := plotter.NewLine(skewPts)
	if err != nil {
		return err
	}
	skewLine.Color = skewColor
	skewLine.Width = vg.Points(1)
	p.Add(skewLine)
	p.Legend.Add("||kappa + kappa^H||", skewLine)

	if tolStrict > 0 {
		first := float64(f.History[0].Iter)
		last := float64(f.History[len(f.History)-1].Iter)
		if last == first {
			last = first + 1
		}
		y := log10(tolStrict)
		tolLine, err := plotter.NewLine(plotter.XYs{{X: first, Y: y}, {X: last, Y: y}})
		if err != nil {
			return err
		}
		tolLine.Color = strictColor
		tolLine.Width = vg.Points(1)
		tolLine.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		p.Add(tolLine)
		p.Legend.Add("strict tolerance", tolLine)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create plot directory: %w", err)
		}
	}
	return p.Save(14*vg.Inch, 6*vg.Inch, path)
}

func log10(v float64) float64 {
	return math.Log10(math.Max(math.Abs(v), errFloor))
}

// SpectrumChart renders the singular values of every non-empty block of
// the alignment as a bar chart page.
func SpectrumChart(a *keyframe.Alignment, title string, w io.Writer) error {
	if a == nil {
		return errors.New("report: nil alignment")
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "540px"}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: a.Partition.String()}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "singular value", Max: 1}),
	)

	width := 0
	for _, b := range a.Partition.Blocks() {
		width = max(width, b.Size)
	}
	x := make([]string, width)
	for i := range x {
		x[i] = fmt.Sprintf("#%d", i+1)
	}
	bar.SetXAxis(x)

	for i, b := range a.Partition.Blocks() {
		if b.Size == 0 {
			continue
		}
		vals := a.BlockValues(i)
		y := make([]opts.BarData, len(vals))
		for j, v := range vals {
			y[j] = opts.BarData{Value: fmt.Sprintf("%.6f", v)}
		}
		bar.AddSeries(b.Label, y)
	}

	page := components.NewPage()
	page.AddCharts(bar)
	return page.Render(w)
}
