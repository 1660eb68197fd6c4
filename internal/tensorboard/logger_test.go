package tensorboard

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sigs.k8s.io/yaml"
)

func eventFiles(t *testing.T, dir string) []string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "events.out.tfevents.*"))
	require.NoError(t, err)
	return files
}

func Test_Logger_Versions(t *testing.T) {
	opts := DefaultOptions()
	opts.SaveDir = t.TempDir()
	opts.Name = "tutorial"

	l, err := New(opts)
	require.NoError(t, err)
	assert.Equal(t, "version_0", l.Version())
	require.NoError(t, l.LogMetrics(map[string]float32{"x": 1}, 0))
	require.NoError(t, l.Close())

	l, err = New(opts)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(opts.SaveDir, "tutorial", "version_1"), l.LogDir())

	opts.Version = "7"
	l, err = New(opts)
	require.NoError(t, err)
	assert.Equal(t, "version_7", l.Version())

	opts.Version = "baseline"
	l, err = New(opts)
	require.NoError(t, err)
	assert.Equal(t, "baseline", l.Version())
}

func Test_Logger_Metrics(t *testing.T) {
	opts := DefaultOptions()
	opts.SaveDir = t.TempDir()
	opts.Name = ""
	opts.Prefix = "fit"
	opts.SubDir = "events"
	opts.MaxQueue = 100
	l, err := New(opts)
	require.NoError(t, err)

	require.NoError(t, l.LogMetrics(map[string]float32{"val_loss": 0.5, "val_acc": 0.9}, 10))
	require.NoError(t, l.LogMetrics(nil, 11))
	require.NoError(t, l.Close())

	files := eventFiles(t, filepath.Join(opts.SaveDir, "version_0", "events"))
	require.Len(t, files, 1)
	events, err := ReadEvents(files[0])
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "brain.Event:2", events[0].FileVersion)
	assert.Equal(t, int64(10), events[1].Step)
	assert.Equal(t, []Scalar{{Tag: "fit-val_acc", Value: 0.9}, {Tag: "fit-val_loss", Value: 0.5}}, events[1].Scalars)
}

func Test_Logger_FlushAtMaxQueue(t *testing.T) {
	opts := DefaultOptions()
	opts.SaveDir = t.TempDir()
	opts.MaxQueue = 2
	opts.FlushSecs = 0
	l, err := New(opts)
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.LogMetrics(map[string]float32{"a": 1}, 1))
	files := eventFiles(t, l.LogDir())
	require.Len(t, files, 1)
	events, err := ReadEvents(files[0])
	require.NoError(t, err)
	assert.Len(t, events, 1)

	require.NoError(t, l.LogMetrics(map[string]float32{"a": 2}, 2))
	events, err = ReadEvents(files[0])
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func Test_Logger_Hyperparams(t *testing.T) {
	opts := DefaultOptions()
	opts.SaveDir = t.TempDir()
	l, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, l.LogHyperparams(map[string]any{"num_classes": 10, "lr": 0.001}))
	require.NoError(t, l.Close())

	b, err := os.ReadFile(filepath.Join(l.LogDir(), "hparams.yaml"))
	require.NoError(t, err)
	var params map[string]any
	require.NoError(t, yaml.Unmarshal(b, &params))
	assert.Equal(t, float64(10), params["num_classes"])

	events, err := ReadEvents(eventFiles(t, l.LogDir())[0])
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, []Scalar{{Tag: "hp_metric", Value: -1}}, events[1].Scalars)
}

func Test_EventWriter_Closed(t *testing.T) {
	w, err := NewEventWriter(t.TempDir(), 10, 0)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.Error(t, w.Add(&Event{}))
	assert.NoError(t, w.Flush())
}
