package train

import (
	"fmt"
	"io"

	"github.com/schollz/progressbar/v3"

	"github.com/born-ml/neuralode/internal/autodiff"
)

type progressBar[B autodiff.BackwardCapable] struct {
	out io.Writer
	bar *progressbar.ProgressBar
}

func (pBar *progressBar[B]) onStart(loop *Loop[B], _ Dataset[B]) error {
	numSteps := loop.EndStep - loop.StartStep
	pBar.bar = progressbar.NewOptions(numSteps,
		progressbar.OptionSetDescription(fmt.Sprintf("Training (%d steps): ", numSteps)),
		progressbar.OptionSetWriter(pBar.out),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		progressbar.OptionClearOnFinish(),
	)
	return nil
}

func (pBar *progressBar[B]) onStep(_ *Loop[B], loss float32) error {
	pBar.bar.Describe(fmt.Sprintf("Training [loss=%.4f]: ", loss))
	return pBar.bar.Add(1)
}

func (pBar *progressBar[B]) onEnd(_ *Loop[B], _ float32) error {
	return pBar.bar.Finish()
}

// AttachProgressBar displays a progress bar on out, advanced at every step.
func AttachProgressBar[B autodiff.BackwardCapable](loop *Loop[B], out io.Writer) {
	pBar := &progressBar[B]{out: out}
	const name = "progress bar"
	loop.OnStart(name, 1000, pBar.onStart)
	loop.OnStep(name, 1000, pBar.onStep)
	loop.OnEnd(name, 1000, pBar.onEnd)
}
