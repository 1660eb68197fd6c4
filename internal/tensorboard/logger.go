// Package tensorboard writes scalar metrics and hyperparameters in the TensorBoard event format.
package tensorboard

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"k8s.io/klog/v2"
	"sigs.k8s.io/yaml"
)

const hparamsFile = "hparams.yaml"

// Options mirror the constructor of the TensorBoard logger
type Options struct {
	SaveDir string `flag:"save_dir" json:"save_dir" desc:"Root directory for TensorBoard logs"`
	Name    string `flag:"name" json:"name" desc:"Experiment name. Empty writes directly below save_dir"`
	// Version is a number (written as version_<n>) or an arbitrary directory name. Empty picks the next free number.
	Version         string `flag:"version" json:"version" desc:"Experiment version. Empty selects the next available version"`
	LogGraph        bool   `flag:"log_graph" json:"log_graph" desc:"Add the computational graph to TensorBoard"`
	DefaultHPMetric bool   `flag:"default_hp_metric" json:"default_hp_metric" desc:"Log a placeholder hp_metric with the hyperparameters"`
	Prefix          string `flag:"prefix" json:"prefix" desc:"String prepended to every metric key"`
	SubDir          string `flag:"sub_dir" json:"sub_dir" desc:"Sub directory of the version directory holding event files"`
	MaxQueue        int    `flag:"max_queue" json:"max_queue" desc:"Number of pending events before they are written to disk"`
	FlushSecs       int    `flag:"flush_secs" json:"flush_secs" desc:"How often, in seconds, pending events are written to disk"`
}

func DefaultOptions() Options {
	return Options{
		SaveDir:         "lightning_logs",
		Name:            "lightning_logs",
		DefaultHPMetric: true,
		MaxQueue:        10,
		FlushSecs:       120,
	}
}

// Logger writes to <save_dir>/<name>/<version>[/<sub_dir>]
type Logger struct {
	opts    Options
	version string
	writer  *EventWriter
}

func New(opts Options) (*Logger, error) {
	l := &Logger{opts: opts}
	version, err := resolveVersion(l.rootDir(), opts.Version)
	if err != nil {
		return nil, err
	}
	l.version = version
	if opts.LogGraph {
		klog.Warningf("log_graph is not supported, the model graph will not be written")
	}
	return l, nil
}

func (l *Logger) rootDir() string {
	return filepath.Join(l.opts.SaveDir, l.opts.Name)
}

// Version is the directory name of this run, e.g. "version_3"
func (l *Logger) Version() string {
	return l.version
}

// LogDir holds hparams.yaml and the saved configuration
func (l *Logger) LogDir() string {
	return filepath.Join(l.rootDir(), l.version)
}

func (l *Logger) eventDir() string {
	if l.opts.SubDir == "" {
		return l.LogDir()
	}
	return filepath.Join(l.LogDir(), l.opts.SubDir)
}

func resolveVersion(root, version string) (string, error) {
	if version != "" {
		if _, err := strconv.Atoi(version); err == nil {
			return "version_" + version, nil
		}
		return version, nil
	}
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return "version_0", nil
	}
	if err != nil {
		return "", err
	}
	next := 0
	for _, e := range entries {
		n, ok := strings.CutPrefix(e.Name(), "version_")
		if !e.IsDir() || !ok {
			continue
		}
		if v, err := strconv.Atoi(n); err == nil && v >= next {
			next = v + 1
		}
	}
	return "version_" + strconv.Itoa(next), nil
}

func (l *Logger) eventWriter() (*EventWriter, error) {
	if l.writer != nil {
		return l.writer, nil
	}
	w, err := NewEventWriter(l.eventDir(), l.opts.MaxQueue, time.Duration(l.opts.FlushSecs)*time.Second)
	if err != nil {
		return nil, err
	}
	klog.Infof("writing TensorBoard events to %s", w.Path())
	l.writer = w
	return w, nil
}

// LogMetrics records scalars at step. Keys are prefixed with "<prefix>-" when a prefix is set.
func (l *Logger) LogMetrics(metrics map[string]float32, step int) error {
	if len(metrics) == 0 {
		return nil
	}
	w, err := l.eventWriter()
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(metrics))
	for k := range metrics {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	e := &Event{WallTime: wallTime(time.Now()), Step: int64(step)}
	for _, k := range keys {
		tag := k
		if l.opts.Prefix != "" {
			tag = l.opts.Prefix + "-" + k
		}
		e.Scalars = append(e.Scalars, Scalar{Tag: tag, Value: metrics[k]})
	}
	return w.Add(e)
}

// LogHyperparams saves params to hparams.yaml and, with DefaultHPMetric, logs hp_metric = -1
func (l *Logger) LogHyperparams(params map[string]any) error {
	if err := os.MkdirAll(l.LogDir(), 0755); err != nil {
		return fmt.Errorf("could not create %q: %w", l.LogDir(), err)
	}
	b, err := yaml.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode hyperparameters: %w", err)
	}
	if err := os.WriteFile(filepath.Join(l.LogDir(), hparamsFile), b, 0644); err != nil {
		return err
	}
	if l.opts.DefaultHPMetric {
		return l.LogMetrics(map[string]float32{"hp_metric": -1}, 0)
	}
	return nil
}

func (l *Logger) Flush() error {
	if l.writer == nil {
		return nil
	}
	return l.writer.Flush()
}

// Close writes pending events. The logger cannot be used afterwards.
func (l *Logger) Close() error {
	if l.writer == nil {
		return nil
	}
	return l.writer.Close()
}
