// Package data provides the MNIST dataset and the minibatch loader.
//
// Images are stored as float32 pixels in [0, 1] and served features-first:
// a batch of B images has shape [28, 28, 1, B] and its one-hot labels have
// shape [10, B].
package data

import (
	"context"
	"math/rand"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// MNIST geometry.
const (
	Height     = 28
	Width      = 28
	Channels   = 1
	NumClasses = 10
)

// Dataset is an in-memory set of labelled images. Images holds N images of
// Height·Width·Channels pixels each, pixel/255.
type Dataset struct {
	Images []float32
	Labels []uint8
	N      int
}

// ImageSize returns the number of values per image.
func (ds *Dataset) ImageSize() int {
	return Height * Width * Channels
}

// Validate checks that images and labels are consistent.
func (ds *Dataset) Validate() error {
	if ds.N < 0 {
		return errors.Errorf("dataset: negative size %d", ds.N)
	}
	if len(ds.Images) != ds.N*ds.ImageSize() {
		return errors.Errorf("dataset: %d image values for %d samples of %d pixels", len(ds.Images), ds.N, ds.ImageSize())
	}
	if len(ds.Labels) != ds.N {
		return errors.Errorf("dataset: %d labels for %d samples", len(ds.Labels), ds.N)
	}
	for i, l := range ds.Labels {
		if int(l) >= NumClasses {
			return errors.Errorf("dataset: label %d at sample %d out of range [0, %d)", l, i, NumClasses)
		}
	}
	return nil
}

// Subset returns a new dataset with the samples at indices, in order.
func (ds *Dataset) Subset(indices []int) *Dataset {
	size := ds.ImageSize()
	out := &Dataset{
		Images: make([]float32, len(indices)*size),
		Labels: make([]uint8, len(indices)),
		N:      len(indices),
	}
	for i, idx := range indices {
		copy(out.Images[i*size:(i+1)*size], ds.Images[idx*size:(idx+1)*size])
		out.Labels[i] = ds.Labels[idx]
	}
	return out
}

// Split selects which MNIST files to read.
type Split int

const (
	TrainSplit Split = iota // the 60000 training images
	TestSplit               // the 10000 t10k images
)

// LoadMNIST reads one split from dir. Image and label files are decoded
// concurrently.
func LoadMNIST(ctx context.Context, dir string, split Split) (*Dataset, error) {
	dir = ReplaceTildeInDir(dir)
	imagesFile, labelsFile := TrainImagesFile, TrainLabelsFile
	if split == TestSplit {
		imagesFile, labelsFile = TestImagesFile, TestLabelsFile
	}

	var (
		images *IDXImages
		labels []uint8
	)
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		images, err = LoadIDXImages(filepath.Join(dir, imagesFile))
		return err
	})
	g.Go(func() (err error) {
		labels, err = LoadIDXLabels(filepath.Join(dir, labelsFile))
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if images.Rows != Height || images.Cols != Width {
		return nil, errors.Wrapf(ErrFormat, "images are %dx%d, want %dx%d", images.Rows, images.Cols, Height, Width)
	}
	if images.N != len(labels) {
		return nil, errors.Wrapf(ErrFormat, "%d images but %d labels", images.N, len(labels))
	}

	ds := &Dataset{
		Images: make([]float32, len(images.Pixels)),
		Labels: labels,
		N:      images.N,
	}
	for i, p := range images.Pixels {
		ds.Images[i] = float32(p) / 255
	}
	return ds, ds.Validate()
}

// StratifiedSplit partitions ds into two datasets keeping each class's
// proportion: about frac of every class goes to the first result. A class
// with at least two samples always has one on each side. It is an error for
// either side to end up empty.
func StratifiedSplit(ds *Dataset, frac float64, rng *rand.Rand) (train, test *Dataset, err error) {
	if frac <= 0 || frac >= 1 {
		return nil, nil, errors.Errorf("split fraction must be in (0, 1), got %g", frac)
	}
	byClass := make(map[uint8][]int)
	for i, l := range ds.Labels {
		byClass[l] = append(byClass[l], i)
	}
	classes := make([]int, 0, len(byClass))
	for c := range byClass {
		classes = append(classes, int(c))
	}
	sort.Ints(classes)

	var trainIdx, testIdx []int
	for _, c := range classes {
		idx := byClass[uint8(c)]
		rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
		cut := int(float64(len(idx))*frac + 0.5)
		if len(idx) > 1 {
			cut = min(max(cut, 1), len(idx)-1)
		}
		trainIdx = append(trainIdx, idx[:cut]...)
		testIdx = append(testIdx, idx[cut:]...)
	}
	if len(trainIdx) == 0 || len(testIdx) == 0 {
		return nil, nil, errors.Errorf("splitting %d samples at %g leaves %d/%d samples on each side", ds.N, frac, len(trainIdx), len(testIdx))
	}
	sort.Ints(trainIdx)
	sort.Ints(testIdx)
	return ds.Subset(trainIdx), ds.Subset(testIdx), nil
}

// OneHot encodes labels as a [classes, N] row-major matrix.
func OneHot(labels []uint8, classes int) []float32 {
	n := len(labels)
	out := make([]float32, classes*n)
	for i, l := range labels {
		out[int(l)*n+i] = 1
	}
	return out
}

// Synthetic generates n digit-like images that are linearly separable:
// class c lights a horizontal bar whose rows depend on c, on top of uniform
// noise. Labels cycle through the classes.
func Synthetic(n int, rng *rand.Rand) *Dataset {
	ds := &Dataset{
		Images: make([]float32, n*Height*Width*Channels),
		Labels: make([]uint8, n),
		N:      n,
	}
	size := ds.ImageSize()
	for i := 0; i < n; i++ {
		c := i % NumClasses
		ds.Labels[i] = uint8(c)
		img := ds.Images[i*size : (i+1)*size]
		for p := range img {
			img[p] = 0.2 * rng.Float32()
		}
		top := 3 + 2*c
		for r := top; r < top+3; r++ {
			for col := 4; col < Width-4; col++ {
				img[r*Width+col] = 0.8 + 0.2*rng.Float32()
			}
		}
	}
	return ds
}
