package data_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/neuralode/internal/backend/cpu"
	"github.com/born-ml/neuralode/internal/data"
	"github.com/born-ml/neuralode/internal/tensor"
)

func imageFile(t *testing.T, n, rows, cols int, fill func(i, p int) uint8) []byte {
	t.Helper()
	var buf bytes.Buffer
	for _, v := range []int32{data.ImageMagic, int32(n), int32(rows), int32(cols)} {
		require.NoError(t, binary.Write(&buf, binary.BigEndian, v))
	}
	for i := 0; i < n; i++ {
		for p := 0; p < rows*cols; p++ {
			buf.WriteByte(fill(i, p))
		}
	}
	return buf.Bytes()
}

func labelFile(t *testing.T, labels []uint8) []byte {
	t.Helper()
	var buf bytes.Buffer
	for _, v := range []int32{data.LabelMagic, int32(len(labels))} {
		require.NoError(t, binary.Write(&buf, binary.BigEndian, v))
	}
	buf.Write(labels)
	return buf.Bytes()
}

func gzipped(t *testing.T, b []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write(b)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestReadIDX(t *testing.T) {
	raw := imageFile(t, 3, 2, 2, func(i, p int) uint8 { return uint8(10*i + p) })
	img, err := data.ReadIDXImages(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, 3, img.N)
	assert.Equal(t, 2, img.Rows)
	assert.Equal(t, 2, img.Cols)
	assert.Equal(t, []uint8{0, 1, 2, 3, 10, 11, 12, 13, 20, 21, 22, 23}, img.Pixels)

	labels, err := data.ReadIDXLabels(bytes.NewReader(labelFile(t, []uint8{7, 1, 9})))
	require.NoError(t, err)
	assert.Equal(t, []uint8{7, 1, 9}, labels)
}

func TestReadIDX_Errors(t *testing.T) {
	t.Run("bad magic", func(t *testing.T) {
		raw := labelFile(t, []uint8{1})
		_, err := data.ReadIDXImages(bytes.NewReader(raw))
		require.Error(t, err)
		assert.True(t, errors.Is(err, data.ErrFormat))
	})
	t.Run("truncated pixels", func(t *testing.T) {
		raw := imageFile(t, 2, 2, 2, func(int, int) uint8 { return 1 })
		_, err := data.ReadIDXImages(bytes.NewReader(raw[:len(raw)-3]))
		require.Error(t, err)
		assert.True(t, errors.Is(err, data.ErrFormat))
	})
	t.Run("truncated labels", func(t *testing.T) {
		raw := labelFile(t, []uint8{1, 2, 3})
		_, err := data.ReadIDXLabels(bytes.NewReader(raw[:len(raw)-1]))
		assert.True(t, errors.Is(err, data.ErrFormat))
	})
	t.Run("short header", func(t *testing.T) {
		_, err := data.ReadIDXLabels(bytes.NewReader([]byte{0, 0}))
		assert.Error(t, err)
	})
	t.Run("oversized image count", func(t *testing.T) {
		// Header claims ~50 GB of pixels, the stream holds one image.
		raw := imageFile(t, 1, 28, 28, func(i, p int) uint8 { return 1 })
		binary.BigEndian.PutUint32(raw[4:8], 1<<26)
		_, err := data.ReadIDXImages(bytes.NewReader(raw))
		require.Error(t, err)
		assert.True(t, errors.Is(err, data.ErrFormat))
		assert.Contains(t, err.Error(), "got 784 of")
	})
	t.Run("oversized image side", func(t *testing.T) {
		raw := imageFile(t, 0, 1, 1, nil)
		binary.BigEndian.PutUint32(raw[8:12], data.MaxIDXSide+1)
		_, err := data.ReadIDXImages(bytes.NewReader(raw))
		assert.True(t, errors.Is(err, data.ErrFormat))
	})
	t.Run("oversized label count", func(t *testing.T) {
		raw := labelFile(t, []uint8{3, 4})
		binary.BigEndian.PutUint32(raw[4:8], 1<<30)
		_, err := data.ReadIDXLabels(bytes.NewReader(raw))
		assert.True(t, errors.Is(err, data.ErrFormat))
	})
}

// writeMNIST writes a tiny train split to dir, gzipped images and plain labels.
func writeMNIST(t *testing.T, dir string, labels []uint8) {
	t.Helper()
	images := imageFile(t, len(labels), data.Height, data.Width, func(i, p int) uint8 {
		if p == 0 {
			return 255
		}
		return uint8(i)
	})
	require.NoError(t, os.WriteFile(filepath.Join(dir, data.TrainImagesFile), gzipped(t, images), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, data.TrainLabelsFile), labelFile(t, labels), 0o644))
}

func TestLoadMNIST(t *testing.T) {
	dir := t.TempDir()
	writeMNIST(t, dir, []uint8{3, 1, 4, 1, 5})

	ds, err := data.LoadMNIST(context.Background(), dir, data.TrainSplit)
	require.NoError(t, err)
	assert.Equal(t, 5, ds.N)
	assert.Equal(t, []uint8{3, 1, 4, 1, 5}, ds.Labels)
	assert.Len(t, ds.Images, 5*784)
	assert.Equal(t, float32(1), ds.Images[0])
	assert.InDelta(t, 2.0/255, ds.Images[2*784+1], 1e-7)

	_, err = data.LoadMNIST(context.Background(), dir, data.TestSplit)
	assert.Error(t, err, "t10k files are missing")
}

func TestLoadMNIST_CountMismatch(t *testing.T) {
	dir := t.TempDir()
	writeMNIST(t, dir, []uint8{1, 2})
	require.NoError(t, os.WriteFile(filepath.Join(dir, data.TrainLabelsFile), labelFile(t, []uint8{1, 2, 3}), 0o644))
	_, err := data.LoadMNIST(context.Background(), dir, data.TrainSplit)
	require.Error(t, err)
	assert.True(t, errors.Is(err, data.ErrFormat))
}

func TestDownloadIfMissing(t *testing.T) {
	payload := []byte("not really mnist")
	sum := sha256.Sum256(payload)
	goodHash := hex.EncodeToString(sum[:])

	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if r.URL.Path != "/file.gz" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(payload)
	}))
	defer srv.Close()
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "file.gz")

	var progress bytes.Buffer
	require.NoError(t, data.DownloadIfMissing(ctx, srv.URL+"/file.gz", path, goodHash, &progress))
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, payload, progress.Bytes())
	assert.Equal(t, 1, hits)

	// Present: no second request.
	require.NoError(t, data.DownloadIfMissing(ctx, srv.URL+"/file.gz", path, goodHash, nil))
	assert.Equal(t, 1, hits)

	// Wrong checksum removes the file.
	err = data.DownloadIfMissing(ctx, srv.URL+"/file.gz", path, "deadbeef", nil)
	require.Error(t, err)
	exists, err := data.FileExists(path)
	require.NoError(t, err)
	assert.False(t, exists)

	// HTTP errors surface and leave nothing behind.
	_, err = data.Download(ctx, srv.URL+"/missing.gz", filepath.Join(dir, "missing.gz"), nil)
	require.Error(t, err)
	exists, _ = data.FileExists(filepath.Join(dir, "missing.gz.partial"))
	assert.False(t, exists)
}

// mnistServer serves files by name and counts requests per path.
type mnistServer struct {
	*httptest.Server
	mu   sync.Mutex
	hits map[string]int
}

func newMNISTServer(t *testing.T, files map[string][]byte) *mnistServer {
	t.Helper()
	s := &mnistServer{hits: make(map[string]int)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/mnist/")
		s.mu.Lock()
		s.hits[name]++
		s.mu.Unlock()
		body, ok := files[name]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *mnistServer) Hits(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[name]
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func TestDownloadFiles(t *testing.T) {
	labels := []uint8{0, 7, 7, 2}
	files := map[string][]byte{
		data.TrainImagesFile: gzipped(t, imageFile(t, len(labels), data.Height, data.Width, func(i, p int) uint8 { return uint8(i + p) })),
		data.TrainLabelsFile: gzipped(t, labelFile(t, labels)),
		data.TestImagesFile:  gzipped(t, imageFile(t, 1, data.Height, data.Width, func(i, p int) uint8 { return 0 })),
		data.TestLabelsFile:  gzipped(t, labelFile(t, []uint8{9})),
	}
	checksums := make(map[string]string, len(files))
	for name, body := range files {
		checksums[name] = sha256Hex(body)
	}
	srv := newMNISTServer(t, files)
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "mnist")

	require.NoError(t, data.DownloadFiles(ctx, srv.URL+"/mnist/", dir, checksums, false))
	for name := range files {
		assert.Equal(t, 1, srv.Hits(name), name)
	}
	ds, err := data.LoadMNIST(ctx, dir, data.TrainSplit)
	require.NoError(t, err)
	assert.Equal(t, labels, ds.Labels)
	test, err := data.LoadMNIST(ctx, dir, data.TestSplit)
	require.NoError(t, err)
	assert.Equal(t, 1, test.N)

	// Everything present: nothing is fetched again.
	require.NoError(t, data.DownloadFiles(ctx, srv.URL+"/mnist", dir, checksums, false))
	for name := range files {
		assert.Equal(t, 1, srv.Hits(name), name)
	}

	// A missing file is fetched while the others are kept.
	require.NoError(t, os.Remove(filepath.Join(dir, data.TestLabelsFile)))
	require.NoError(t, data.DownloadFiles(ctx, srv.URL+"/mnist", dir, checksums, false))
	assert.Equal(t, 2, srv.Hits(data.TestLabelsFile))
	assert.Equal(t, 1, srv.Hits(data.TrainImagesFile))
}

func TestDownloadMNIST_ChecksumMismatch(t *testing.T) {
	// Well-formed gzip IDX files, but not the official ones.
	files := map[string][]byte{
		data.TrainImagesFile: gzipped(t, imageFile(t, 1, data.Height, data.Width, func(i, p int) uint8 { return 3 })),
		data.TrainLabelsFile: gzipped(t, labelFile(t, []uint8{3})),
		data.TestImagesFile:  gzipped(t, imageFile(t, 1, data.Height, data.Width, func(i, p int) uint8 { return 4 })),
		data.TestLabelsFile:  gzipped(t, labelFile(t, []uint8{4})),
	}
	srv := newMNISTServer(t, files)
	dir := t.TempDir()

	err := data.DownloadMNIST(context.Background(), srv.URL+"/mnist/", dir, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "downloading mnist")

	// Rejected files are removed and no partial download is left behind.
	for name := range files {
		for _, path := range []string{filepath.Join(dir, name), filepath.Join(dir, name+".partial")} {
			exists, err := data.FileExists(path)
			require.NoError(t, err)
			assert.False(t, exists, path)
		}
	}
}

func TestDownloadFiles_HTTPError(t *testing.T) {
	srv := newMNISTServer(t, map[string][]byte{data.TrainLabelsFile: gzipped(t, labelFile(t, []uint8{1}))})
	dir := t.TempDir()
	err := data.DownloadFiles(context.Background(), srv.URL+"/mnist", dir, map[string]string{"absent.gz": ""}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOneHot(t *testing.T) {
	got := data.OneHot([]uint8{2, 0, 1}, 3)
	assert.Equal(t, []float32{
		0, 1, 0,
		0, 0, 1,
		1, 0, 0,
	}, got)
}

func TestStratifiedSplit(t *testing.T) {
	ds := data.Synthetic(1000, rand.New(rand.NewSource(1)))
	train, test, err := data.StratifiedSplit(ds, 0.9, rand.New(rand.NewSource(2)))
	require.NoError(t, err)
	assert.Equal(t, 900, train.N)
	assert.Equal(t, 100, test.N)
	require.NoError(t, train.Validate())
	require.NoError(t, test.Validate())

	counts := make([]int, data.NumClasses)
	for _, l := range test.Labels {
		counts[l]++
	}
	for c, n := range counts {
		assert.Equal(t, 10, n, "class %d", c)
	}

	_, _, err = data.StratifiedSplit(ds, 1, rand.New(rand.NewSource(2)))
	assert.Error(t, err)
}

func TestStratifiedSplit_SmallClasses(t *testing.T) {
	// Two images per class: 0.9 of 2 rounds to 2, but one must stay for testing.
	ds := data.Synthetic(2*data.NumClasses, rand.New(rand.NewSource(1)))
	train, test, err := data.StratifiedSplit(ds, 0.9, rand.New(rand.NewSource(2)))
	require.NoError(t, err)
	assert.Equal(t, data.NumClasses, train.N)
	assert.Equal(t, data.NumClasses, test.N)
	assert.ElementsMatch(t, train.Labels, test.Labels)

	// One image per class cannot feed both sides.
	_, _, err = data.StratifiedSplit(data.Synthetic(5, rand.New(rand.NewSource(1))), 0.9, rand.New(rand.NewSource(2)))
	assert.ErrorContains(t, err, "each side")
}

func TestSynthetic(t *testing.T) {
	ds := data.Synthetic(20, rand.New(rand.NewSource(3)))
	require.NoError(t, ds.Validate())
	for _, v := range ds.Images {
		assert.GreaterOrEqual(t, v, float32(0))
		assert.LessOrEqual(t, v, float32(1))
	}
	assert.Equal(t, uint8(7), ds.Labels[17])
}

func TestLoader(t *testing.T) {
	backend := cpu.New()
	ds := data.Synthetic(10, rand.New(rand.NewSource(4)))

	l, err := data.NewLoader("train", ds, data.LoaderConfig{BatchSize: 4}, nil, backend)
	require.NoError(t, err)
	assert.Equal(t, 3, l.NumBatches())

	var sizes []int
	for {
		b, err := l.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		sizes = append(sizes, b.Size())
		assert.Equal(t, tensor.Shape{28, 28, 1, b.Size()}, b.Images.Shape())
		assert.Equal(t, tensor.Shape{10, b.Size()}, b.Labels.Shape())
	}
	assert.Equal(t, []int{4, 4, 2}, sizes)

	// Exhausted until Reset.
	_, err = l.Yield()
	assert.Equal(t, io.EOF, err)
	l.Reset()
	first, err := l.Yield()
	require.NoError(t, err)

	// Sample j of the batch sits at column j: pixel p of sample 1 is at p*B+1.
	imgs := first.Images.Data()
	for p := 0; p < 784; p += 97 {
		assert.Equal(t, ds.Images[784+p], imgs[p*4+1])
	}
	lbls := first.Labels.Data()
	for j := 0; j < 4; j++ {
		assert.Equal(t, float32(1), lbls[int(ds.Labels[j])*4+j])
	}
}

func TestLoader_DropLastAndShuffle(t *testing.T) {
	backend := cpu.New()
	ds := data.Synthetic(10, rand.New(rand.NewSource(5)))
	l, err := data.NewLoader("train", ds, data.LoaderConfig{BatchSize: 4, Shuffle: true, DropLast: true}, rand.New(rand.NewSource(6)), backend)
	require.NoError(t, err)
	assert.Equal(t, 2, l.NumBatches())

	n := 0
	for {
		_, err := l.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		n++
	}
	assert.Equal(t, 2, n)
}

func TestNewLoader_Errors(t *testing.T) {
	backend := cpu.New()
	ds := data.Synthetic(4, rand.New(rand.NewSource(7)))
	_, err := data.NewLoader("x", ds, data.LoaderConfig{BatchSize: 0}, nil, backend)
	assert.Error(t, err)
	_, err = data.NewLoader("x", ds, data.LoaderConfig{BatchSize: 2, Shuffle: true}, nil, backend)
	assert.Error(t, err)
	_, err = data.NewLoader[*cpu.CPUBackend]("x", nil, data.LoaderConfig{BatchSize: 2}, nil, backend)
	assert.Error(t, err)
	bad := &data.Dataset{Images: make([]float32, 784), Labels: []uint8{12}, N: 1}
	_, err = data.NewLoader("x", bad, data.LoaderConfig{BatchSize: 1}, nil, backend)
	assert.Error(t, err)
}
