package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/neuralode/internal/autodiff"
	"github.com/born-ml/neuralode/internal/config"
	"github.com/born-ml/neuralode/internal/data"
	"github.com/born-ml/neuralode/internal/device"
	"github.com/born-ml/neuralode/internal/nn"
	"github.com/born-ml/neuralode/internal/optim"
	"github.com/born-ml/neuralode/internal/tensor"
	"github.com/born-ml/neuralode/internal/train"
)

type backendT = *autodiff.AutodiffBackend[tensor.Backend]

// run trains the classifier described by cfg. Accuracy lines and summaries
// go to out, the progress bar to progress.
func run(ctx context.Context, cfg *config.Config, out, progress io.Writer) (*train.History, error) {
	runID := uuid.NewString()
	rng := rand.New(rand.NewSource(cfg.Seed))
	klog.Infof("run %s starting", runID)

	sel, err := device.Select(cfg.Device)
	if err != nil {
		return nil, err
	}
	defer sel.Release()
	backend := autodiff.New[tensor.Backend](sel.Backend)

	trainSet, testSet, err := loadData(ctx, cfg, rng)
	if err != nil {
		return nil, err
	}
	trainLoader, err := data.NewLoader("train", trainSet, data.LoaderConfig{BatchSize: cfg.BatchSize, Shuffle: true}, rng, backend)
	if err != nil {
		return nil, err
	}
	trainEval, err := data.NewLoader("train-eval", trainSet, data.LoaderConfig{BatchSize: cfg.BatchSize}, nil, backend)
	if err != nil {
		return nil, err
	}
	testLoader, err := data.NewLoader("test", testSet, data.LoaderConfig{BatchSize: cfg.BatchSize}, nil, backend)
	if err != nil {
		return nil, err
	}

	modelCfg, err := cfg.Classifier()
	if err != nil {
		return nil, err
	}
	model := nn.NewClassifier(modelCfg, rng, backend)
	opt, err := optim.New(cfg.Optimizer, model.Parameters(), float32(cfg.LearningRate))
	if err != nil {
		return nil, err
	}

	loop := train.NewLoop(train.NewTrainer[backendT](model, opt, backend))
	report := &train.AccuracyReport[backendT]{
		Out:          out,
		Eval:         train.NewEvaluator[backendT](model),
		Train:        trainEval,
		Test:         testLoader,
		TrainBatches: cfg.TrainEvalBatches,
	}
	train.ReportAccuracy(loop, cfg.ReportEvery, report)
	if !cfg.Quiet {
		train.AttachProgressBar(loop, progress)
	}

	fmt.Fprintln(out, summaryTable("Run", [][2]string{
		{"id", runID},
		{"device", fmt.Sprintf("%s (%s)", sel.Backend.Name(), sel.Detail)},
		{"cpu", device.Describe()},
		{"parameters", humanize.Comma(int64(nn.NumParams[backendT](model)))},
		{"train / test", fmt.Sprintf("%s / %s images", humanize.Comma(int64(trainSet.N)), humanize.Comma(int64(testSet.N)))},
		{"batches per epoch", humanize.Comma(int64(trainLoader.NumBatches()))},
		{"solver", fmt.Sprintf("%s, reltol=%g abstol=%g, t=[%g, %g]", modelCfg.Solver.Name, cfg.RelTol, cfg.AbsTol, cfg.TSpan[0], cfg.TSpan[1])},
		{"gradients", modelCfg.Sensitivity.String()},
		{"optimizer", fmt.Sprintf("%s lr=%g batch=%d", cfg.Optimizer, cfg.LearningRate, cfg.BatchSize)},
	}))

	start := time.Now()
	var loss float32
	if cfg.Steps > 0 {
		loss, err = loop.RunSteps(ctx, trainLoader, cfg.Steps)
	} else {
		loss, err = loop.RunEpochs(ctx, trainLoader, cfg.Epochs)
	}
	if err != nil {
		return &report.History, errors.WithMessagef(err, "run %s", runID)
	}
	elapsed := time.Since(start)

	testAcc, err := report.Eval.Accuracy(testLoader, 0)
	if err != nil {
		return &report.History, err
	}
	best := report.History.BestTest()
	stats := model.ODE.LastStats()
	fmt.Fprintln(out, summaryTable("Result", [][2]string{
		{"steps", humanize.Comma(int64(loop.LoopStep))},
		{"time", fmt.Sprintf("%s (median step %s)", elapsed.Round(time.Millisecond), loop.MedianTrainStepDuration().Round(time.Microsecond))},
		{"last batch loss", fmt.Sprintf("%.4f", loss)},
		{"test accuracy", fmt.Sprintf("%.3f", testAcc)},
		{"best reported", fmt.Sprintf("%.3f at iter %d", best.Test, best.Iter)},
		{"last solve", fmt.Sprintf("%d evals, %d accepted, %d rejected", stats.NF, stats.Accepted, stats.Rejected)},
	}))

	if cfg.Plot != "" {
		if err := report.History.Plot(cfg.Plot); err != nil {
			return &report.History, err
		}
		klog.Infof("accuracy plot written to %s", cfg.Plot)
	}
	return &report.History, nil
}

// loadData returns the train and test sets: generated images, the t10k set,
// or a stratified split of the MNIST training images.
func loadData(ctx context.Context, cfg *config.Config, rng *rand.Rand) (trainSet, testSet *data.Dataset, err error) {
	if cfg.Synthetic > 0 {
		return data.StratifiedSplit(data.Synthetic(cfg.Synthetic, rng), cfg.TrainSplit, rng)
	}
	if cfg.Download {
		if err := data.DownloadMNIST(ctx, cfg.BaseURL, cfg.DataDir, !cfg.Quiet); err != nil {
			return nil, nil, err
		}
	}
	full, err := data.LoadMNIST(ctx, cfg.DataDir, data.TrainSplit)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "use -download to fetch MNIST")
	}
	if cfg.UseTestSet {
		testSet, err = data.LoadMNIST(ctx, cfg.DataDir, data.TestSplit)
		return full, testSet, err
	}
	return data.StratifiedSplit(full, cfg.TrainSplit, rng)
}
