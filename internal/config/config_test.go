package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/neuralode/internal/config"
	"github.com/born-ml/neuralode/internal/nn"
)

func TestDefault(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 128, cfg.BatchSize)
	assert.Equal(t, 0.05, cfg.LearningRate)
	assert.Equal(t, "tsit5", cfg.Solver)
	assert.Equal(t, 1e-3, cfg.RelTol)
	assert.Equal(t, 1e-3, cfg.AbsTol)
	assert.Equal(t, [2]float64{0, 1}, cfg.TSpan)
	assert.Equal(t, 10, cfg.ReportEvery)
	assert.Equal(t, 100, cfg.TrainEvalBatches)
	assert.Equal(t, 0.9, cfg.TrainSplit)

	mc, err := cfg.Classifier()
	require.NoError(t, err)
	assert.Equal(t, nn.DefaultClassifierConfig().Latent, mc.Latent)
	assert.Equal(t, "tsit5", mc.Solver.Name)
	assert.Equal(t, nn.Backprop, mc.Sensitivity)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	content := `
batch_size: 64
learning_rate: 0.01
solver: dp5
tspan: [0, 2]
sensealg: adjoint
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.BatchSize)
	assert.Equal(t, 0.01, cfg.LearningRate)
	assert.Equal(t, [2]float64{0, 2}, cfg.TSpan)
	assert.Equal(t, 10, cfg.ReportEvery, "unset keys keep their defaults")

	mc, err := cfg.Classifier()
	require.NoError(t, err)
	assert.Equal(t, "dp5", mc.Solver.Name)
	assert.Equal(t, nn.Adjoint, mc.Sensitivity)
}

func TestLoad_Errors(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = config.Parse(strings.NewReader("batch_sise: 3\n"))
	assert.Error(t, err, "unknown keys are rejected")

	cfg, err := config.Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestApplyOverrides(t *testing.T) {
	cfg := config.Default()
	cfg.ApplyOverrides(config.Overrides{BatchSize: 32, Solver: "bs3", Quiet: true, Seed: 7})
	assert.Equal(t, 32, cfg.BatchSize)
	assert.Equal(t, "bs3", cfg.Solver)
	assert.True(t, cfg.Quiet)
	assert.Equal(t, int64(7), cfg.Seed)
	assert.Equal(t, 0.05, cfg.LearningRate, "zero overrides are ignored")
}

func TestApplyOverrides_FixedStepSolver(t *testing.T) {
	cfg := config.Default()
	cfg.ApplyOverrides(config.Overrides{Solver: "rk4"})
	require.Error(t, cfg.Validate(), "rk4 needs a step")

	dt := 0.05
	cfg.ApplyOverrides(config.Overrides{Dt: &dt})
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 0.05, cfg.Dt)

	mc, err := cfg.Classifier()
	require.NoError(t, err)
	assert.Equal(t, "rk4", mc.Solver.Name)
	assert.Equal(t, 0.05, mc.SolverOpts.Dt)

	cfg.ApplyOverrides(config.Overrides{Solver: "euler"})
	assert.Equal(t, 0.05, cfg.Dt, "a nil Dt keeps the configured step")
	assert.NoError(t, cfg.Validate())
}

func TestLoad_OverridesBeforeValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "euler.yaml")
	require.NoError(t, os.WriteFile(path, []byte("solver: euler\n"), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	dt := 0.1
	cfg.ApplyOverrides(config.Overrides{Dt: &dt})
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(*config.Config){
		"batch":       func(c *config.Config) { c.BatchSize = 0 },
		"lr":          func(c *config.Config) { c.LearningRate = -1 },
		"optimizer":   func(c *config.Config) { c.Optimizer = "lbfgs" },
		"solver":      func(c *config.Config) { c.Solver = "vern9" },
		"fixed no dt": func(c *config.Config) { c.Solver = "rk4" },
		"tolerance":   func(c *config.Config) { c.RelTol = 0 },
		"sensealg":    func(c *config.Config) { c.Sensitivity = "forward" },
		"split":       func(c *config.Config) { c.TrainSplit = 1 },
		"device":      func(c *config.Config) { c.Device = "tpu" },
		"no work":     func(c *config.Config) { c.Epochs, c.Steps = 0, 0 },
		"report":      func(c *config.Config) { c.ReportEvery = 0 },
		"tiny synth":  func(c *config.Config) { c.Synthetic = config.MinSynthetic - 1 },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := config.Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := config.Default()
	cfg.Solver, cfg.Dt = "rk4", 0.1
	assert.NoError(t, cfg.Validate())

	cfg = config.Default()
	cfg.Synthetic = config.MinSynthetic
	assert.NoError(t, cfg.Validate())

	for _, device := range []string{"auto", "cpu", "gpu"} {
		cfg = config.Default()
		cfg.Device = device
		assert.NoError(t, cfg.Validate(), device)
	}
	cfg = config.Default()
	cfg.Device = "tpu"
	assert.ErrorContains(t, cfg.Validate(), "auto, cpu or gpu")

	var nilCfg *config.Config
	assert.Error(t, nilCfg.Validate())
}
