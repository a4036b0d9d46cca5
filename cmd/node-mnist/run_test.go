package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/neuralode/internal/config"
)

func TestRun_Synthetic(t *testing.T) {
	if testing.Short() {
		t.Skip("trains the classifier")
	}
	cfg := config.Default()
	cfg.Synthetic = 300
	cfg.Device = "cpu"
	cfg.BatchSize = 32
	cfg.Steps = 12
	cfg.TrainEvalBatches = 2
	cfg.Quiet = true
	cfg.Plot = filepath.Join(t.TempDir(), "acc.png")
	require.NoError(t, cfg.Validate())

	var out bytes.Buffer
	history, err := run(context.Background(), cfg, &out, &bytes.Buffer{})
	require.NoError(t, err)
	require.Len(t, history.Points, 2)

	line := regexp.MustCompile(`^Iter: +\d+ \|\| Train Accuracy: \d\.\d{3} \|\| Test Accuracy: \d\.\d{3}$`)
	var iters []string
	for _, l := range strings.Split(out.String(), "\n") {
		if strings.HasPrefix(l, "Iter:") {
			assert.Regexp(t, line, l)
			iters = append(iters, strings.Fields(l)[1])
		}
	}
	assert.Equal(t, []string{"1", "11"}, iters)
	assert.Contains(t, out.String(), "parameters")
	assert.Contains(t, out.String(), "16,450")

	info := must.M1(os.Stat(cfg.Plot))
	assert.Greater(t, info.Size(), int64(0))
}

func TestRun_Cancelled(t *testing.T) {
	cfg := config.Default()
	cfg.Synthetic = 100
	cfg.Device = "cpu"
	cfg.Steps = 5
	cfg.Quiet = true
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := run(ctx, cfg, &bytes.Buffer{}, &bytes.Buffer{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_MissingData(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Device = "cpu"
	cfg.Quiet = true
	_, err := run(context.Background(), cfg, &bytes.Buffer{}, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "-download")
}
