package data

import (
	"io"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/born-ml/neuralode/internal/tensor"
)

// Batch is one minibatch: Images [28, 28, 1, B] and one-hot Labels [10, B].
type Batch[B tensor.Backend] struct {
	Images *tensor.Tensor[float32, B]
	Labels *tensor.Tensor[float32, B]
}

// Size returns the number of samples in the batch.
func (b Batch[B]) Size() int {
	return b.Labels.Shape().Last()
}

// LoaderConfig controls batching.
type LoaderConfig struct {
	BatchSize int
	Shuffle   bool
	DropLast  bool // drop the final partial batch of each epoch
}

// Loader yields minibatches from a Dataset, one epoch at a time.
//
// It follows the Reset/Yield protocol of a training dataset: Yield returns
// io.EOF once every sample of the epoch has been served, and Reset starts a
// new epoch, reshuffling when enabled.
type Loader[B tensor.Backend] struct {
	name    string
	ds      *Dataset
	onehot  []float32
	cfg     LoaderConfig
	rng     *rand.Rand
	backend B

	order []int
	pos   int
}

// NewLoader creates a loader over ds. rng is required when shuffling.
func NewLoader[B tensor.Backend](name string, ds *Dataset, cfg LoaderConfig, rng *rand.Rand, backend B) (*Loader[B], error) {
	if ds == nil {
		return nil, errors.New("loader: nil dataset")
	}
	if err := ds.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "loader %q", name)
	}
	if cfg.BatchSize <= 0 {
		return nil, errors.Errorf("loader %q: batch size must be positive, got %d", name, cfg.BatchSize)
	}
	if cfg.Shuffle && rng == nil {
		return nil, errors.Errorf("loader %q: shuffling needs a random source", name)
	}
	l := &Loader[B]{
		name:    name,
		ds:      ds,
		onehot:  OneHot(ds.Labels, NumClasses),
		cfg:     cfg,
		rng:     rng,
		backend: backend,
		order:   make([]int, ds.N),
	}
	for i := range l.order {
		l.order[i] = i
	}
	l.Reset()
	return l, nil
}

// Name returns the loader name.
func (l *Loader[B]) Name() string {
	return l.name
}

// Dataset returns the underlying dataset.
func (l *Loader[B]) Dataset() *Dataset {
	return l.ds
}

// NumBatches returns the number of batches in one epoch.
func (l *Loader[B]) NumBatches() int {
	n := l.ds.N / l.cfg.BatchSize
	if !l.cfg.DropLast && l.ds.N%l.cfg.BatchSize != 0 {
		n++
	}
	return n
}

// Reset starts a new epoch.
func (l *Loader[B]) Reset() {
	l.pos = 0
	if l.cfg.Shuffle {
		l.rng.Shuffle(len(l.order), func(i, j int) { l.order[i], l.order[j] = l.order[j], l.order[i] })
	}
}

// Yield returns the next batch, or io.EOF at the end of the epoch.
func (l *Loader[B]) Yield() (Batch[B], error) {
	remaining := l.ds.N - l.pos
	if remaining <= 0 || (l.cfg.DropLast && remaining < l.cfg.BatchSize) {
		return Batch[B]{}, io.EOF
	}
	n := min(l.cfg.BatchSize, remaining)
	idx := l.order[l.pos : l.pos+n]
	l.pos += n

	size := l.ds.ImageSize()
	images := make([]float32, size*n)
	for j, s := range idx {
		src := l.ds.Images[s*size : (s+1)*size]
		for p, v := range src {
			images[p*n+j] = v
		}
	}
	labels := make([]float32, NumClasses*n)
	for c := 0; c < NumClasses; c++ {
		row := l.onehot[c*l.ds.N : (c+1)*l.ds.N]
		for j, s := range idx {
			labels[c*n+j] = row[s]
		}
	}

	imgT, err := tensor.FromSlice(images, tensor.Shape{Height, Width, Channels, n}, l.backend)
	if err != nil {
		return Batch[B]{}, errors.Wrap(err, "building image batch")
	}
	lblT, err := tensor.FromSlice(labels, tensor.Shape{NumClasses, n}, l.backend)
	if err != nil {
		return Batch[B]{}, errors.Wrap(err, "building label batch")
	}
	return Batch[B]{Images: imgT, Labels: lblT}, nil
}
