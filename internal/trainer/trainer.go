// Package trainer runs the fit, validation and test loops of a model over a data module,
// keeping replicas of a distributed run in sync and persisting checkpoints.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/aws/aws-cifar10-trainer/internal/data"
	"github.com/aws/aws-cifar10-trainer/internal/distributed"
	"github.com/aws/aws-cifar10-trainer/internal/model"
	"github.com/aws/aws-cifar10-trainer/internal/nn"
	"github.com/aws/aws-cifar10-trainer/internal/util"
	"k8s.io/klog/v2"
)

// Module is a model with its training, validation and test steps
type Module interface {
	TrainingStep(b *data.Batch, log model.MetricLogger) (*nn.Tensor, error)
	ValidationStep(b *data.Batch, log model.MetricLogger) error
	TestStep(b *data.Batch, log model.MetricLogger) error
	Backward(grad *nn.Tensor) error
	Layer() nn.Layer
	HyperParameters() map[string]any
}

// DataModule provides the loaders of every split
type DataModule interface {
	PrepareData(ctx context.Context) error
	Setup(stage data.Stage) error
	TrainDataloader(shard data.Shard) (*data.Loader, error)
	ValDataloader(shard data.Shard) (*data.Loader, error)
	TestDataloader(shard data.Shard) (*data.Loader, error)
	HyperParameters() map[string]any
}

// Options configure the trainer
type Options struct {
	Accelerator         string `flag:"accelerator" json:"accelerator" desc:"Hardware to train on: cpu, gpu or auto. GPUs are not supported and fall back to the CPU"`
	Devices             int    `flag:"devices" json:"devices" desc:"Devices per node, -1 for all available"`
	NumNodes            int    `flag:"num_nodes" json:"num_nodes" desc:"Number of nodes taking part in training"`
	MaxEpochs           int    `flag:"max_epochs" json:"max_epochs" desc:"Stop training after this many epochs"`
	MaxSteps            int    `flag:"max_steps" json:"max_steps" desc:"Stop training after this many optimizer steps, -1 for no limit"`
	LimitTrainBatches   int    `flag:"limit_train_batches" json:"limit_train_batches" desc:"Train batches per epoch, 0 for all"`
	LimitValBatches     int    `flag:"limit_val_batches" json:"limit_val_batches" desc:"Validation batches per run, 0 for all"`
	LimitTestBatches    int    `flag:"limit_test_batches" json:"limit_test_batches" desc:"Test batches per run, 0 for all"`
	CheckValEveryNEpoch int    `flag:"check_val_every_n_epoch" json:"check_val_every_n_epoch" desc:"Run validation every n training epochs"`
	LogEveryNSteps      int    `flag:"log_every_n_steps" json:"log_every_n_steps" desc:"How often to log training metrics"`
	DefaultRootDir      string `flag:"default_root_dir" json:"default_root_dir" desc:"Default directory for logs and weights"`
	WeightsSavePath     string `flag:"weights_save_path" json:"weights_save_path" desc:"Directory for checkpoints when the checkpoint callback has no dirpath"`
	EnableCheckpointing bool   `flag:"enable_checkpointing" json:"enable_checkpointing" desc:"Add a default ModelCheckpoint when none is configured"`
	EmitMetrics         bool   `flag:"emit_metrics" json:"emit_metrics" desc:"Record and emit training metrics to CloudWatch"`
	MetricsNamespace    string `flag:"metrics_namespace" json:"metrics_namespace" desc:"CloudWatch namespace for emitted metrics"`
	TestAfterFit        bool   `flag:"test_after_fit" json:"test_after_fit" desc:"Evaluate on the test split once fitting finishes"`
}

func DefaultOptions() Options {
	return Options{
		Accelerator:         "auto",
		Devices:             -1,
		NumNodes:            1,
		MaxEpochs:           1000,
		MaxSteps:            -1,
		CheckValEveryNEpoch: 1,
		LogEveryNSteps:      50,
		DefaultRootDir:      ".",
		EnableCheckpointing: true,
	}
}

type Trainer struct {
	Options   Options
	Loggers   []Logger
	Callbacks []Callback
	World     distributed.World
	Group     distributed.Group

	module          Module
	optimizer       nn.Optimizer
	epoch           int
	globalStep      int
	callbackMetrics map[string]float32
	shouldStop      bool
}

func New(opts Options, world distributed.World, group distributed.Group, loggers []Logger, callbacks []Callback) (*Trainer, error) {
	switch opts.Accelerator {
	case "", "auto", "cpu":
	case "gpu", "cuda", "mps", "tpu":
		klog.Warningf("accelerator %q is not available, training on the CPU", opts.Accelerator)
	default:
		return nil, fmt.Errorf("unknown accelerator %q", opts.Accelerator)
	}
	if opts.Devices > 1 {
		klog.Warningf("devices=%d requested, each process trains on a single CPU device", opts.Devices)
	}
	if opts.NumNodes > 0 && world.WorldSize%opts.NumNodes != 0 {
		klog.Warningf("world size %d is not a multiple of num_nodes=%d", world.WorldSize, opts.NumNodes)
	}
	if opts.CheckValEveryNEpoch <= 0 {
		opts.CheckValEveryNEpoch = 1
	}
	if opts.LogEveryNSteps <= 0 {
		opts.LogEveryNSteps = 1
	}
	if group == nil {
		group = noopGroup(world)
	}
	if opts.EnableCheckpointing && checkpointCallback(callbacks) == nil {
		cb, err := NewModelCheckpoint(ModelCheckpointOptions{SaveTopK: 1})
		if err != nil {
			return nil, err
		}
		callbacks = append(callbacks, cb)
	}
	return &Trainer{
		Options:         opts,
		Loggers:         loggers,
		Callbacks:       callbacks,
		World:           world,
		Group:           group,
		callbackMetrics: map[string]float32{},
	}, nil
}

func noopGroup(world distributed.World) distributed.Group {
	g := util.Must(distributed.NewGroup(context.Background(), distributed.SingleProcess))
	if world.WorldSize > 1 {
		klog.Warningf("no collective group for a world of size %d, replicas will not be synchronized", world.WorldSize)
	}
	return g
}

func checkpointCallback(callbacks []Callback) *ModelCheckpoint {
	for _, cb := range callbacks {
		if mc, ok := cb.(*ModelCheckpoint); ok {
			return mc
		}
	}
	return nil
}

// CheckpointCallback is the first ModelCheckpoint, or nil
func (t *Trainer) CheckpointCallback() *ModelCheckpoint {
	return checkpointCallback(t.Callbacks)
}

func (t *Trainer) CurrentEpoch() int { return t.epoch }

func (t *Trainer) GlobalStep() int { return t.globalStep }

func (t *Trainer) IsGlobalZero() bool { return t.World.IsGlobalZero() }

// RequestStop ends fitting after the current epoch
func (t *Trainer) RequestStop() { t.shouldStop = true }

// CallbackMetrics are the latest epoch-level metrics, read by callbacks
func (t *Trainer) CallbackMetrics() map[string]float32 {
	return t.callbackMetrics
}

// LogDir is the directory of the first versioned logger, or the default root dir
func (t *Trainer) LogDir() string {
	for _, l := range t.Loggers {
		if vl, ok := l.(VersionedLogger); ok {
			return vl.LogDir()
		}
	}
	return t.Options.DefaultRootDir
}

func (t *Trainer) shard() data.Shard {
	return data.Shard{Rank: t.World.Rank, WorldSize: t.World.WorldSize}
}

func (t *Trainer) resolveCheckpointDir() {
	mc := t.CheckpointCallback()
	if mc == nil || mc.Options.Dirpath != "" {
		return
	}
	base := t.Options.WeightsSavePath
	if base == "" {
		base = t.Options.DefaultRootDir
	}
	dir := filepath.Join(base, "checkpoints")
	for _, l := range t.Loggers {
		if vl, ok := l.(VersionedLogger); ok {
			if rel, err := filepath.Rel(filepath.Dir(filepath.Dir(vl.LogDir())), vl.LogDir()); err == nil {
				dir = filepath.Join(base, rel, "checkpoints")
			}
			break
		}
	}
	mc.Options.Dirpath = dir
}

func (t *Trainer) logMetrics(metrics map[string]float32, step int) {
	if !t.IsGlobalZero() || len(metrics) == 0 {
		return
	}
	for _, l := range t.Loggers {
		if err := l.LogMetrics(metrics, step); err != nil {
			klog.Warningf("failed to log metrics: %v", err)
		}
	}
}

func (t *Trainer) flushLoggers() {
	if !t.IsGlobalZero() {
		return
	}
	for _, l := range t.Loggers {
		if err := l.Flush(); err != nil {
			klog.Warningf("failed to flush logger: %v", err)
		}
	}
}

// Close flushes and closes the loggers
func (t *Trainer) Close() error {
	var errs []error
	for _, l := range t.Loggers {
		errs = append(errs, l.Close())
	}
	return errors.Join(errs...)
}

// syncModel makes every replica hold the same parameters and buffers: rank 0's when
// broadcast is set, the replica average otherwise.
func (t *Trainer) syncModel(ctx context.Context, broadcast bool) error {
	if t.Group.Size() <= 1 {
		return nil
	}
	params := nn.AllParameters(t.module.Layer())
	var flat []float32
	for _, p := range params {
		flat = append(flat, p.Value.Data...)
	}
	var err error
	if broadcast {
		err = t.Group.Broadcast(ctx, flat)
	} else {
		err = t.Group.AllReduce(ctx, flat, distributed.ReduceMean)
	}
	if err != nil {
		return fmt.Errorf("failed to synchronize model: %w", err)
	}
	for _, p := range params {
		n := copy(p.Value.Data, flat)
		flat = flat[n:]
	}
	return nil
}

// SaveCheckpoint writes the full training state on rank 0 and waits for every replica
func (t *Trainer) SaveCheckpoint(path string) error {
	if t.IsGlobalZero() {
		ckpt := &Checkpoint{
			Epoch:           t.epoch,
			GlobalStep:      t.globalStep,
			StateDict:       nn.GetStateDict(t.module.Layer()),
			CallbackStates:  map[string]CallbackState{},
			HyperParameters: map[string]string{},
		}
		if t.optimizer != nil {
			ckpt.OptimizerState = t.optimizer.State()
		}
		for _, cb := range t.Callbacks {
			ckpt.CallbackStates[cb.Name()] = cb.State()
		}
		for k, v := range t.module.HyperParameters() {
			ckpt.HyperParameters[k] = fmt.Sprint(v)
		}
		if err := SaveCheckpoint(path, ckpt); err != nil {
			return fmt.Errorf("failed to save checkpoint %s: %w", path, err)
		}
	}
	return t.Group.Barrier(context.Background())
}

func (t *Trainer) restore(path string) error {
	ckpt, err := LoadCheckpoint(path)
	if err != nil {
		return err
	}
	if err := nn.LoadStateDict(t.module.Layer(), ckpt.StateDict); err != nil {
		return err
	}
	if t.optimizer != nil {
		if err := t.optimizer.LoadState(ckpt.OptimizerState); err != nil {
			return fmt.Errorf("failed to restore optimizer: %w", err)
		}
	}
	for _, cb := range t.Callbacks {
		if s, ok := ckpt.CallbackStates[cb.Name()]; ok {
			cb.LoadState(s)
		}
	}
	t.epoch = ckpt.Epoch + 1
	t.globalStep = ckpt.GlobalStep
	klog.Infof("Restored all states from the checkpoint at %s, resuming at epoch %d", path, t.epoch)
	return nil
}

func (t *Trainer) prepare(ctx context.Context, dm DataModule, stage data.Stage) error {
	if t.World.LocalRank == 0 {
		if err := dm.PrepareData(ctx); err != nil {
			return fmt.Errorf("failed to prepare data: %w", err)
		}
	}
	if err := t.Group.Barrier(ctx); err != nil {
		return err
	}
	return dm.Setup(stage)
}

// Fit trains module with optimizer, resuming from ckptPath when it is set
func (t *Trainer) Fit(ctx context.Context, module Module, optimizer nn.Optimizer, dm DataModule, ckptPath string) error {
	t.module, t.optimizer = module, optimizer
	t.shouldStop = false
	if err := t.prepare(ctx, dm, data.StageFit); err != nil {
		return err
	}
	trainLoader, err := dm.TrainDataloader(t.shard())
	if err != nil {
		return err
	}
	valLoader, err := dm.ValDataloader(t.shard())
	if err != nil {
		return err
	}
	t.resolveCheckpointDir()
	if ckptPath != "" {
		if err := t.restore(ckptPath); err != nil {
			return fmt.Errorf("failed to resume from %s: %w", ckptPath, err)
		}
	} else if err := t.syncModel(ctx, true); err != nil {
		return err
	}
	if t.IsGlobalZero() {
		hparams := map[string]any{}
		for k, v := range dm.HyperParameters() {
			hparams[k] = v
		}
		for k, v := range module.HyperParameters() {
			hparams[k] = v
		}
		for _, l := range t.Loggers {
			if err := l.LogHyperparams(hparams); err != nil {
				return fmt.Errorf("failed to log hyperparameters: %w", err)
			}
		}
	}

	for ; t.epoch < t.Options.MaxEpochs && !t.shouldStop && !t.maxStepsReached(); t.epoch++ {
		start := time.Now()
		if err := t.trainEpoch(ctx, trainLoader); err != nil {
			return fmt.Errorf("epoch %d: %w", t.epoch, err)
		}
		if err := t.syncModel(ctx, false); err != nil {
			return err
		}
		epochMetrics := map[string]float32{"epoch_seconds": float32(time.Since(start).Seconds())}
		if (t.epoch+1)%t.Options.CheckValEveryNEpoch == 0 || t.epoch+1 == t.Options.MaxEpochs {
			metrics, err := t.runEvaluation(ctx, valLoader, stageValidation, t.Options.LimitValBatches)
			if err != nil {
				return fmt.Errorf("epoch %d validation: %w", t.epoch, err)
			}
			for k, v := range metrics {
				t.callbackMetrics[k] = v
				epochMetrics[k] = v
			}
			for _, cb := range t.Callbacks {
				if err := cb.OnValidationEnd(t); err != nil {
					return err
				}
			}
		}
		epochMetrics["epoch"] = float32(t.epoch)
		t.logMetrics(epochMetrics, t.globalStep)
		t.flushLoggers()
		if t.IsGlobalZero() {
			klog.Infof("Epoch %d finished in %s: %s", t.epoch, time.Since(start).Round(time.Millisecond), formatMetrics(t.callbackMetrics, nil))
		}
		if err := t.syncStop(ctx); err != nil {
			return err
		}
	}
	if t.maxStepsReached() {
		klog.Infof("max_steps=%d reached", t.Options.MaxSteps)
	}
	return nil
}

func (t *Trainer) maxStepsReached() bool {
	return t.Options.MaxSteps >= 0 && t.globalStep >= t.Options.MaxSteps
}

// syncStop stops every replica once any replica asked to stop
func (t *Trainer) syncStop(ctx context.Context) error {
	flag := []float32{0}
	if t.shouldStop {
		flag[0] = 1
	}
	if err := t.Group.AllReduce(ctx, flag, distributed.ReduceSum); err != nil {
		return err
	}
	t.shouldStop = flag[0] > 0
	return nil
}

var errStopEpoch = errors.New("stop epoch")

func (t *Trainer) trainEpoch(ctx context.Context, loader *data.Loader) error {
	loader.SetEpoch(t.epoch)
	total := loader.Len()
	if t.Options.LimitTrainBatches > 0 {
		total = min(total, t.Options.LimitTrainBatches)
	}
	err := loader.Iterate(ctx, func(i int, b *data.Batch) error {
		if i >= total || t.maxStepsReached() {
			return errStopEpoch
		}
		conn := newConnector(stageTrain)
		t.optimizer.ZeroGrad()
		grad, err := t.module.TrainingStep(b, conn)
		if err != nil {
			return err
		}
		if err := t.module.Backward(grad); err != nil {
			return err
		}
		t.optimizer.Step()
		t.globalStep++
		for k, v := range conn.step {
			t.callbackMetrics[k] = v
		}
		if t.globalStep%t.Options.LogEveryNSteps == 0 {
			metrics := map[string]float32{"epoch": float32(t.epoch)}
			for k, v := range conn.step {
				metrics[k] = v
			}
			t.logMetrics(metrics, t.globalStep)
			if t.IsGlobalZero() {
				klog.Infof("Epoch %d: %d/%d %s", t.epoch, i+1, total, formatMetrics(conn.step, func(name string) bool { return conn.bar[name] }))
			}
		}
		return nil
	})
	if errors.Is(err, errStopEpoch) {
		return nil
	}
	return err
}

func (t *Trainer) runEvaluation(ctx context.Context, loader *data.Loader, s stage, limit int) (map[string]float32, error) {
	conn := newConnector(s)
	total := loader.Len()
	if limit > 0 {
		total = min(total, limit)
	}
	err := loader.Iterate(ctx, func(i int, b *data.Batch) error {
		if i >= total {
			return errStopEpoch
		}
		if s == stageTest {
			return t.module.TestStep(b, conn)
		}
		return t.module.ValidationStep(b, conn)
	})
	if err != nil && !errors.Is(err, errStopEpoch) {
		return nil, err
	}
	return conn.reduce(ctx, t.Group)
}

// Validate runs one validation pass and logs its metrics
func (t *Trainer) Validate(ctx context.Context, module Module, dm DataModule) (map[string]float32, error) {
	return t.evaluate(ctx, module, dm, data.StageFit, stageValidation)
}

// Test runs one test pass and logs its metrics
func (t *Trainer) Test(ctx context.Context, module Module, dm DataModule) (map[string]float32, error) {
	return t.evaluate(ctx, module, dm, data.StageTest, stageTest)
}

func (t *Trainer) evaluate(ctx context.Context, module Module, dm DataModule, ds data.Stage, s stage) (map[string]float32, error) {
	t.module = module
	if err := t.prepare(ctx, dm, ds); err != nil {
		return nil, err
	}
	var loader *data.Loader
	var err error
	limit := t.Options.LimitValBatches
	if s == stageTest {
		loader, err = dm.TestDataloader(t.shard())
		limit = t.Options.LimitTestBatches
	} else {
		loader, err = dm.ValDataloader(t.shard())
	}
	if err != nil {
		return nil, err
	}
	metrics, err := t.runEvaluation(ctx, loader, s, limit)
	if err != nil {
		return nil, err
	}
	t.logMetrics(metrics, t.globalStep)
	t.flushLoggers()
	if t.IsGlobalZero() {
		klog.Infof("%s metrics: %s", s, formatMetrics(metrics, nil))
	}
	return metrics, nil
}
