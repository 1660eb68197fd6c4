package data

import (
	"context"
	"fmt"
	"math/rand/v2"

	"golang.org/x/sync/errgroup"
)

// Batch is a collated NCHW batch of transformed images
type Batch struct {
	N, C, H, W int
	X          []float32
	Labels     []int
}

// Shard selects the part of a dataset owned by one replica
type Shard struct {
	Rank      int
	WorldSize int
}

// NoShard is the shard of a single-process world
var NoShard = Shard{Rank: 0, WorldSize: 1}

type LoaderOptions struct {
	BatchSize  int
	NumWorkers int
	Shuffle    bool
	DropLast   bool
	Seed       int64
	Shard      Shard
}

// Loader yields batches of a dataset. Batches are assembled by NumWorkers goroutines
// and delivered in order. Augmentation randomness depends only on (seed, epoch, sample index).
type Loader struct {
	dataset   Dataset
	transform Transform
	opts      LoaderOptions
	epoch     int
}

func NewLoader(dataset Dataset, transform Transform, opts LoaderOptions) *Loader {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	if opts.Shard.WorldSize <= 0 {
		opts.Shard = NoShard
	}
	return &Loader{dataset: dataset, transform: transform, opts: opts}
}

// SetEpoch changes the shuffle order and augmentation seed for the next iteration
func (l *Loader) SetEpoch(epoch int) {
	l.epoch = epoch
}

// Len is the number of batches per epoch
func (l *Loader) Len() int {
	n := l.numSamples()
	if l.opts.DropLast {
		return n / l.opts.BatchSize
	}
	return (n + l.opts.BatchSize - 1) / l.opts.BatchSize
}

func (l *Loader) numSamples() int {
	ws := l.opts.Shard.WorldSize
	return (l.dataset.Len() + ws - 1) / ws
}

// indices returns this shard's sample order. The global order is padded by repeating
// its head so every replica sees the same number of samples.
func (l *Loader) indices() []int {
	total := l.dataset.Len()
	var order []int
	if l.opts.Shuffle {
		order = rand.New(rand.NewPCG(uint64(l.opts.Seed), uint64(l.epoch))).Perm(total)
	} else {
		order = make([]int, total)
		for i := range order {
			order[i] = i
		}
	}
	ws, rank := l.opts.Shard.WorldSize, l.opts.Shard.Rank
	if ws == 1 || total == 0 {
		return order
	}
	padded := l.numSamples() * ws
	for i := 0; len(order) < padded; i++ {
		order = append(order, order[i%total])
	}
	out := make([]int, 0, padded/ws)
	for i := rank; i < padded; i += ws {
		out = append(out, order[i])
	}
	return out
}

func (l *Loader) sampleRand(index int) *rand.Rand {
	return rand.New(rand.NewPCG(uint64(l.opts.Seed), uint64(l.epoch)<<32|uint64(uint32(index))))
}

func (l *Loader) collate(indices []int) (*Batch, error) {
	b := &Batch{N: len(indices), Labels: make([]int, len(indices))}
	for i, idx := range indices {
		img, label, err := l.dataset.Example(idx)
		if err != nil {
			return nil, err
		}
		if l.transform != nil {
			img, err = l.transform.Apply(img, l.sampleRand(idx))
			if err != nil {
				return nil, fmt.Errorf("sample %d: %w", idx, err)
			}
		}
		if i == 0 {
			b.C, b.H, b.W = img.C, img.H, img.W
			b.X = make([]float32, len(indices)*len(img.Pix))
		} else if img.C != b.C || img.H != b.H || img.W != b.W {
			return nil, fmt.Errorf("sample %d has shape %dx%dx%d, batch has %dx%dx%d", idx, img.C, img.H, img.W, b.C, b.H, b.W)
		}
		copy(b.X[i*len(img.Pix):], img.Pix)
		b.Labels[i] = label
	}
	return b, nil
}

type loadJob struct {
	indices []int
	out     chan *Batch
}

// Iterate calls fn for every batch of the current epoch in order.
// Iteration stops at the first error from fn or from loading.
func (l *Loader) Iterate(ctx context.Context, fn func(i int, b *Batch) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	indices := l.indices()
	numBatches := l.Len()
	g, ctx := errgroup.WithContext(ctx)
	pending := make(chan chan *Batch, 2*l.opts.NumWorkers)
	jobs := make(chan loadJob)

	g.Go(func() error {
		defer close(pending)
		defer close(jobs)
		for i := 0; i < numBatches; i++ {
			end := min((i+1)*l.opts.BatchSize, len(indices))
			job := loadJob{indices: indices[i*l.opts.BatchSize : end], out: make(chan *Batch, 1)}
			select {
			case pending <- job.out:
			case <-ctx.Done():
				return ctx.Err()
			}
			select {
			case jobs <- job:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	for w := 0; w < l.opts.NumWorkers; w++ {
		g.Go(func() error {
			for job := range jobs {
				b, err := l.collate(job.indices)
				if err != nil {
					return err
				}
				job.out <- b
			}
			return nil
		})
	}
	g.Go(func() error {
		i := 0
		for out := range pending {
			select {
			case b := <-out:
				if err := fn(i, b); err != nil {
					return err
				}
				i++
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	return g.Wait()
}
