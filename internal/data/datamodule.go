package data

import (
	"context"
	"fmt"
	"math/rand/v2"

	"k8s.io/klog/v2"
)

// Stage selects which splits Setup prepares
type Stage string

const (
	StageFit  Stage = "fit"
	StageTest Stage = "test"
)

// CIFAR10Options configures the CIFAR-10 data module
type CIFAR10Options struct {
	DataDir     string `flag:"data_dir" json:"data_dir" desc:"Directory holding (or receiving) cifar-10-batches-bin"`
	ValSplit    int    `flag:"val_split" json:"val_split" desc:"Number of training images held out for validation"`
	NumWorkers  int    `flag:"num_workers" json:"num_workers" desc:"Goroutines assembling batches"`
	Normalize   bool   `flag:"normalize" json:"normalize" desc:"Normalize images with the CIFAR-10 channel statistics"`
	BatchSize   int    `flag:"batch_size" json:"batch_size" desc:"Images per batch"`
	Seed        int64  `flag:"seed" json:"seed" desc:"Seed of the train/val split and of shuffling"`
	Shuffle     bool   `flag:"shuffle" json:"shuffle" desc:"Shuffle the training split every epoch"`
	DropLast    bool   `flag:"drop_last" json:"drop_last" desc:"Drop the last incomplete training batch"`
	Download    bool   `flag:"download" json:"download" desc:"Download the dataset when it is missing"`
	DownloadURL string `flag:"download_url" json:"download_url" desc:"Location of the binary CIFAR-10 archive"`
}

func DefaultCIFAR10Options() CIFAR10Options {
	return CIFAR10Options{
		DataDir:     ".",
		ValSplit:    10000,
		NumWorkers:  1,
		Normalize:   true,
		BatchSize:   32,
		Seed:        42,
		Shuffle:     true,
		Download:    true,
		DownloadURL: DefaultCIFAR10URL,
	}
}

// CIFAR10DataModule owns the train/val/test splits of CIFAR-10 and their pipelines.
// The training split is augmented with a random padded crop and a horizontal flip.
type CIFAR10DataModule struct {
	Options CIFAR10Options

	train, val, test Dataset
}

func NewCIFAR10DataModule(opts CIFAR10Options) *CIFAR10DataModule {
	return &CIFAR10DataModule{Options: opts}
}

func (dm *CIFAR10DataModule) NumClasses() int {
	return CIFAR10Classes
}

// DefaultTransforms is the preprocessing shared by every split
func (dm *CIFAR10DataModule) DefaultTransforms() *Compose {
	return DefaultTransforms(dm.Options.Normalize)
}

func DefaultTransforms(normalize bool) *Compose {
	c := NewCompose(ToTensor{})
	if normalize {
		c.Transforms = append(c.Transforms, Normalize{Mean: CIFAR10Mean, Std: CIFAR10Std})
	}
	return c
}

// TrainTransforms is the default pipeline with the augmentation steps placed first
func (dm *CIFAR10DataModule) TrainTransforms() *Compose {
	return WithAugmentation(dm.DefaultTransforms())
}

// WithAugmentation inserts RandomCrop at index 0 and RandomHorizontalFlip at index 1 of a copy of base
func WithAugmentation(base *Compose) *Compose {
	c := base.Clone()
	c.Insert(0, RandomCrop{Size: CIFAR10Size, Padding: 4})
	c.Insert(1, RandomHorizontalFlip{P: 0.5})
	return c
}

func (dm *CIFAR10DataModule) ValTransforms() *Compose {
	return dm.DefaultTransforms()
}

func (dm *CIFAR10DataModule) TestTransforms() *Compose {
	return dm.DefaultTransforms()
}

// PrepareData makes sure the dataset is on disk
func (dm *CIFAR10DataModule) PrepareData(ctx context.Context) error {
	if CIFAR10Exists(dm.Options.DataDir) {
		return nil
	}
	if !dm.Options.Download {
		return fmt.Errorf("CIFAR-10 not found in %s and download is disabled", dm.Options.DataDir)
	}
	return DownloadCIFAR10(ctx, dm.Options.DataDir, dm.Options.DownloadURL)
}

// Setup loads the splits of a stage. The training images are split into train and val
// with a permutation seeded by Options.Seed.
func (dm *CIFAR10DataModule) Setup(stage Stage) error {
	switch stage {
	case StageFit:
		full, err := LoadCIFAR10(dm.Options.DataDir, true)
		if err != nil {
			return err
		}
		dm.train, dm.val, err = RandomSplit(full, dm.Options.ValSplit, dm.Options.Seed)
		if err != nil {
			return err
		}
		klog.Infof("CIFAR-10 fit split: %d train, %d val", dm.train.Len(), dm.val.Len())
	case StageTest:
		test, err := LoadCIFAR10(dm.Options.DataDir, false)
		if err != nil {
			return err
		}
		dm.test = test
	default:
		return fmt.Errorf("unknown stage: %s", stage)
	}
	return nil
}

// RandomSplit partitions d into len(d)-valSize and valSize examples
func RandomSplit(d Dataset, valSize int, seed int64) (*Subset, *Subset, error) {
	if valSize < 0 || valSize > d.Len() {
		return nil, nil, fmt.Errorf("val split %d does not fit a dataset of %d", valSize, d.Len())
	}
	perm := rand.New(rand.NewPCG(uint64(seed), 0)).Perm(d.Len())
	trainSize := d.Len() - valSize
	return &Subset{Dataset: d, Indices: perm[:trainSize]}, &Subset{Dataset: d, Indices: perm[trainSize:]}, nil
}

func (dm *CIFAR10DataModule) loader(d Dataset, transform Transform, shuffle bool, shard Shard) (*Loader, error) {
	if d == nil {
		return nil, fmt.Errorf("data module is not set up for this split")
	}
	return NewLoader(d, transform, LoaderOptions{
		BatchSize:  dm.Options.BatchSize,
		NumWorkers: dm.Options.NumWorkers,
		Shuffle:    shuffle,
		DropLast:   dm.Options.DropLast && shuffle,
		Seed:       dm.Options.Seed,
		Shard:      shard,
	}), nil
}

func (dm *CIFAR10DataModule) TrainDataloader(shard Shard) (*Loader, error) {
	return dm.loader(dm.train, dm.TrainTransforms(), dm.Options.Shuffle, shard)
}

func (dm *CIFAR10DataModule) ValDataloader(shard Shard) (*Loader, error) {
	return dm.loader(dm.val, dm.ValTransforms(), false, shard)
}

func (dm *CIFAR10DataModule) TestDataloader(shard Shard) (*Loader, error) {
	return dm.loader(dm.test, dm.TestTransforms(), false, shard)
}

func (dm *CIFAR10DataModule) HyperParameters() map[string]any {
	return map[string]any{
		"data_dir":    dm.Options.DataDir,
		"val_split":   dm.Options.ValSplit,
		"num_workers": dm.Options.NumWorkers,
		"normalize":   dm.Options.Normalize,
		"batch_size":  dm.Options.BatchSize,
		"seed":        dm.Options.Seed,
		"shuffle":     dm.Options.Shuffle,
		"drop_last":   dm.Options.DropLast,
	}
}
