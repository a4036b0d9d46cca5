// Package config holds the knobs of a training run. Values come from the
// defaults, then an optional YAML file, then command-line overrides.
package config

import (
	"io"
	"math"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/born-ml/neuralode/internal/data"
	"github.com/born-ml/neuralode/internal/nn"
	"github.com/born-ml/neuralode/internal/ode"
)

// Config captures the runtime knobs for a training run.
type Config struct {
	DataDir   string `yaml:"data_dir"`
	Download  bool   `yaml:"download"`
	BaseURL   string `yaml:"base_url"`
	Synthetic int    `yaml:"synthetic"` // > 0 trains on that many generated images instead of MNIST

	// TrainSplit is the fraction of the 60000 training images kept for
	// training; the rest form the test set. UseTestSet evaluates on the
	// t10k images instead.
	TrainSplit float64 `yaml:"train_split"`
	UseTestSet bool    `yaml:"use_test_set"`

	Device string `yaml:"device"` // auto, cpu or gpu

	BatchSize    int     `yaml:"batch_size"`
	LearningRate float64 `yaml:"learning_rate"`
	Optimizer    string  `yaml:"optimizer"`
	Epochs       int     `yaml:"epochs"`
	Steps        int     `yaml:"steps"` // > 0 runs this many steps instead of Epochs

	Latent      int        `yaml:"latent"`
	Hidden      int        `yaml:"hidden"`
	Solver      string     `yaml:"solver"`
	RelTol      float64    `yaml:"reltol"`
	AbsTol      float64    `yaml:"abstol"`
	Dt          float64    `yaml:"dt"`
	TSpan       [2]float64 `yaml:"tspan,flow"`
	Sensitivity string     `yaml:"sensealg"`

	ReportEvery      int `yaml:"report_every"`
	TrainEvalBatches int `yaml:"train_eval_batches"`

	Plot  string `yaml:"plot"`
	Quiet bool   `yaml:"quiet"`
	Seed  int64  `yaml:"seed"`
}

// MinSynthetic is the smallest generated dataset: two images per class, so a
// stratified split keeps each class on both sides.
const MinSynthetic = 2 * data.NumClasses

// Default returns the reference configuration.
func Default() *Config {
	return &Config{
		DataDir:          "~/.cache/neuralode/mnist",
		TrainSplit:       0.9,
		Device:           "auto",
		BatchSize:        128,
		LearningRate:     0.05,
		Optimizer:        "adam",
		Epochs:           1,
		Latent:           20,
		Hidden:           10,
		Solver:           "tsit5",
		RelTol:           1e-3,
		AbsTol:           1e-3,
		TSpan:            [2]float64{0, 1},
		Sensitivity:      "backprop",
		ReportEvery:      10,
		TrainEvalBatches: 100,
		Seed:             1,
	}
}

// Overrides captures CLI supplied values. Zero values leave the config
// untouched.
type Overrides struct {
	DataDir      string
	Download     bool
	Synthetic    int
	Device       string
	BatchSize    int
	LearningRate float64
	Epochs       int
	Steps        int
	Solver       string
	Dt           *float64 // nil keeps the configured step
	Sensitivity  string
	ReportEvery  int
	Plot         string
	Quiet        bool
	Seed         int64
}

// Load reads a YAML file over the defaults. Callers validate once any
// overrides are applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	defer func() { _ = f.Close() }()

	cfg, err := Parse(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "parse config %q", path)
	}
	return cfg, nil
}

// Parse decodes YAML from r over the defaults. Unknown keys are errors.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "decoding yaml")
	}
	return cfg, nil
}

// ApplyOverrides updates c using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.DataDir != "" {
		c.DataDir = o.DataDir
	}
	if o.Download {
		c.Download = true
	}
	if o.Synthetic > 0 {
		c.Synthetic = o.Synthetic
	}
	if o.Device != "" {
		c.Device = o.Device
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.LearningRate > 0 {
		c.LearningRate = o.LearningRate
	}
	if o.Epochs > 0 {
		c.Epochs = o.Epochs
	}
	if o.Steps > 0 {
		c.Steps = o.Steps
	}
	if o.Solver != "" {
		c.Solver = o.Solver
	}
	if o.Dt != nil {
		c.Dt = *o.Dt
	}
	if o.Sensitivity != "" {
		c.Sensitivity = o.Sensitivity
	}
	if o.ReportEvery > 0 {
		c.ReportEvery = o.ReportEvery
	}
	if o.Plot != "" {
		c.Plot = o.Plot
	}
	if o.Quiet {
		c.Quiet = true
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.DataDir == "" && c.Synthetic <= 0 {
		return errors.New("data_dir must be set unless synthetic data is used")
	}
	if c.Synthetic < 0 {
		return errors.Errorf("synthetic must be >= 0 (got %d)", c.Synthetic)
	}
	if c.Synthetic > 0 && c.Synthetic < MinSynthetic {
		return errors.Errorf("synthetic must be 0 or >= %d to leave every class in both splits (got %d)", MinSynthetic, c.Synthetic)
	}
	if !c.UseTestSet && (c.TrainSplit <= 0 || c.TrainSplit >= 1) {
		return errors.Errorf("train_split must be in (0, 1) (got %g)", c.TrainSplit)
	}
	switch strings.ToLower(c.Device) {
	case "auto", "cpu", "gpu", "webgpu":
	default:
		return errors.Errorf("device must be auto, cpu or gpu (got %q)", c.Device)
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.LearningRate <= 0 || math.IsInf(c.LearningRate, 0) || math.IsNaN(c.LearningRate) {
		return errors.Errorf("learning_rate must be a positive number (got %g)", c.LearningRate)
	}
	switch strings.ToLower(c.Optimizer) {
	case "adam", "sgd", "momentum":
	default:
		return errors.Errorf("optimizer must be adam, sgd or momentum (got %q)", c.Optimizer)
	}
	if c.Epochs <= 0 && c.Steps <= 0 {
		return errors.Errorf("one of epochs (got %d) or steps (got %d) must be > 0", c.Epochs, c.Steps)
	}
	if c.Latent <= 0 || c.Hidden <= 0 {
		return errors.Errorf("latent and hidden must be > 0 (got %d and %d)", c.Latent, c.Hidden)
	}
	tab, err := ode.ByName(c.Solver)
	if err != nil {
		return err
	}
	if tab.Adaptive && (c.RelTol <= 0 || c.AbsTol <= 0) {
		return errors.Errorf("reltol and abstol must be > 0 for %s (got %g and %g)", tab.Name, c.RelTol, c.AbsTol)
	}
	if !tab.Adaptive && c.Dt <= 0 {
		return errors.Errorf("dt must be > 0 for the fixed-step solver %s", tab.Name)
	}
	for _, t := range c.TSpan {
		if math.IsInf(t, 0) || math.IsNaN(t) {
			return errors.Errorf("tspan must be finite (got %v)", c.TSpan)
		}
	}
	if _, err := nn.ParseSensitivity(c.Sensitivity); err != nil {
		return err
	}
	if c.ReportEvery <= 0 {
		return errors.Errorf("report_every must be > 0 (got %d)", c.ReportEvery)
	}
	if c.TrainEvalBatches < 0 {
		return errors.Errorf("train_eval_batches must be >= 0 (got %d)", c.TrainEvalBatches)
	}
	return nil
}

// Classifier builds the model description from c. c must be valid.
func (c *Config) Classifier() (nn.ClassifierConfig, error) {
	mc := nn.DefaultClassifierConfig()
	tab, err := ode.ByName(c.Solver)
	if err != nil {
		return mc, err
	}
	sens, err := nn.ParseSensitivity(c.Sensitivity)
	if err != nil {
		return mc, err
	}
	mc.Latent, mc.Hidden = c.Latent, c.Hidden
	mc.TSpan = c.TSpan
	mc.Solver = tab
	mc.SolverOpts.RelTol, mc.SolverOpts.AbsTol = c.RelTol, c.AbsTol
	mc.SolverOpts.Dt = c.Dt
	mc.Sensitivity = sens
	return mc, nil
}
