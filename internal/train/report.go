package train

import (
	"fmt"
	"image/color"
	"io"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/born-ml/neuralode/internal/autodiff"
)

// ReportFormat is the line printed by the accuracy report.
const ReportFormat = "Iter: %3d || Train Accuracy: %2.3f || Test Accuracy: %2.3f\n"

// Point is one accuracy measurement.
type Point struct {
	Iter  int
	Loss  float32
	Train float64
	Test  float64
}

// History is the sequence of accuracy measurements of a run.
type History struct {
	Points []Point
}

// Last returns the latest point, or the zero Point if there is none.
func (h *History) Last() Point {
	if len(h.Points) == 0 {
		return Point{}
	}
	return h.Points[len(h.Points)-1]
}

// BestTest returns the point with the highest test accuracy.
func (h *History) BestTest() Point {
	var best Point
	for i, p := range h.Points {
		if i == 0 || p.Test > best.Test {
			best = p
		}
	}
	return best
}

// Plot writes a PNG (or any format supported by gonum/plot, chosen by the
// file extension) with the train and test accuracy curves.
func (h *History) Plot(path string) error {
	if len(h.Points) == 0 {
		return errors.New("plot: history is empty")
	}
	p := plot.New()
	p.Title.Text = "Neural ODE MNIST"
	p.X.Label.Text = "iteration"
	p.Y.Label.Text = "accuracy"
	p.Y.Min, p.Y.Max = 0, 1
	p.Add(plotter.NewGrid())

	train := make(plotter.XYs, len(h.Points))
	test := make(plotter.XYs, len(h.Points))
	for i, pt := range h.Points {
		train[i] = plotter.XY{X: float64(pt.Iter), Y: pt.Train}
		test[i] = plotter.XY{X: float64(pt.Iter), Y: pt.Test}
	}
	for _, curve := range []struct {
		name  string
		xys   plotter.XYs
		color color.Color
	}{
		{"train", train, color.RGBA{R: 0x1f, G: 0x77, B: 0xb4, A: 0xff}},
		{"test", test, color.RGBA{R: 0xff, G: 0x7f, B: 0x0e, A: 0xff}},
	} {
		line, points, err := plotter.NewLinePoints(curve.xys)
		if err != nil {
			return errors.Wrapf(err, "plot: %s curve", curve.name)
		}
		line.Color = curve.color
		points.Color = curve.color
		p.Add(line, points)
		p.Legend.Add(curve.name, line, points)
	}
	p.Legend.Top = false
	if err := p.Save(8*vg.Inch, 5*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "saving plot to %q", path)
	}
	return nil
}

// AccuracyReport evaluates train and test accuracy and prints them in
// ReportFormat.
type AccuracyReport[B autodiff.BackwardCapable] struct {
	Out          io.Writer
	Eval         *Evaluator[B]
	Train, Test  Dataset[B]
	TrainBatches int // batches of Train to evaluate, <= 0 for all
	History      History
}

// Report measures both accuracies at iteration iter, prints one line and
// appends a Point to the history.
func (r *AccuracyReport[B]) Report(iter int, loss float32) error {
	trainAcc, err := r.Eval.Accuracy(r.Train, r.TrainBatches)
	if err != nil {
		return err
	}
	testAcc, err := r.Eval.Accuracy(r.Test, 0)
	if err != nil {
		return err
	}
	r.History.Points = append(r.History.Points, Point{Iter: iter, Loss: loss, Train: trainAcc, Test: testAcc})
	if _, err := fmt.Fprintf(r.Out, ReportFormat, iter, trainAcc, testAcc); err != nil {
		return errors.Wrap(err, "writing accuracy report")
	}
	return nil
}

// ReportAccuracy attaches r to loop so it reports on steps 1, every+1,
// 2·every+1, ... Iterations are numbered from 1.
func ReportAccuracy[B autodiff.BackwardCapable](loop *Loop[B], every int, r *AccuracyReport[B]) {
	EveryNSteps(loop, every, "accuracy report", 100, func(loop *Loop[B], loss float32) error {
		return r.Report(loop.LoopStep+1, loss)
	})
}
