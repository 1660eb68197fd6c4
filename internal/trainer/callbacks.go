package trainer

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"k8s.io/klog/v2"
)

// Callback hooks into the fit loop. Callbacks run on every replica; only rank 0 writes files.
type Callback interface {
	Name() string
	// OnValidationEnd runs after every validation with the synchronized metrics
	OnValidationEnd(t *Trainer) error
	State() CallbackState
	LoadState(CallbackState)
}

const (
	ModeMin = "min"
	ModeMax = "max"
)

func improved(mode string, current, best float64, minDelta float64) bool {
	if mode == ModeMax {
		return current > best+minDelta
	}
	return current < best-minDelta
}

func validMode(mode string) error {
	if mode != ModeMin && mode != ModeMax {
		return fmt.Errorf("mode must be %q or %q, got %q", ModeMin, ModeMax, mode)
	}
	return nil
}

// LastCheckpointName is the file ModelCheckpoint refreshes after every validation with SaveLast
const LastCheckpointName = "last.ckpt"

// ModelCheckpointOptions configure ModelCheckpoint
type ModelCheckpointOptions struct {
	Dirpath  string `json:"dirpath"`
	Filename string `json:"filename"`
	Monitor  string `json:"monitor"`
	Mode     string `json:"mode"`
	SaveLast bool   `json:"save_last"`
	SaveTopK int    `json:"save_top_k"`
}

// ModelCheckpoint keeps the best checkpoint by a monitored metric, and optionally the latest one
type ModelCheckpoint struct {
	Options ModelCheckpointOptions

	BestModelPath  string
	BestModelScore float64
	hasBest        bool
}

func NewModelCheckpoint(opts ModelCheckpointOptions) (*ModelCheckpoint, error) {
	if opts.Mode == "" {
		opts.Mode = ModeMin
	}
	if err := validMode(opts.Mode); err != nil {
		return nil, err
	}
	if opts.SaveTopK > 1 {
		return nil, fmt.Errorf("save_top_k=%d is not supported, use 0, 1 or -1", opts.SaveTopK)
	}
	if opts.Filename == "" {
		opts.Filename = "{epoch}-{step}"
	}
	return &ModelCheckpoint{Options: opts}, nil
}

func (c *ModelCheckpoint) Name() string {
	return "ModelCheckpoint"
}

// LastModelPath is where SaveLast writes
func (c *ModelCheckpoint) LastModelPath() string {
	return filepath.Join(c.Options.Dirpath, LastCheckpointName)
}

func (c *ModelCheckpoint) OnValidationEnd(t *Trainer) error {
	metrics := t.CallbackMetrics()
	var score float64
	better := true
	if c.Options.Monitor != "" {
		v, ok := metrics[c.Options.Monitor]
		if !ok {
			return fmt.Errorf("ModelCheckpoint(monitor=%q) could not find the monitored key in the logged metrics: %v", c.Options.Monitor, metricNames(metrics))
		}
		score = float64(v)
		better = !c.hasBest || improved(c.Options.Mode, score, c.BestModelScore, 0)
	}
	// save_top_k=-1 keeps every checkpoint, 1 only the best
	if c.Options.SaveTopK < 0 || (c.Options.SaveTopK > 0 && better) {
		path := filepath.Join(c.Options.Dirpath, formatCheckpointName(c.Options.Filename, t.CurrentEpoch(), t.GlobalStep(), metrics)+".ckpt")
		if err := t.SaveCheckpoint(path); err != nil {
			return err
		}
		if better {
			if c.Options.Monitor != "" {
				klog.Infof("Epoch %d, global step %d: %s reached %.5f, saving model to %s", t.CurrentEpoch(), t.GlobalStep(), c.Options.Monitor, score, path)
			}
			previous := c.BestModelPath
			c.BestModelPath, c.BestModelScore, c.hasBest = path, score, true
			if c.Options.SaveTopK > 0 && previous != "" && previous != path && t.IsGlobalZero() {
				if err := os.Remove(previous); err != nil && !os.IsNotExist(err) {
					klog.Warningf("failed to remove previous best checkpoint %s: %v", previous, err)
				}
			}
		}
	}
	if c.Options.SaveLast {
		return t.SaveCheckpoint(c.LastModelPath())
	}
	return nil
}

func (c *ModelCheckpoint) State() CallbackState {
	return CallbackState{BestModelPath: c.BestModelPath, BestModelScore: c.BestModelScore, HasBestScore: c.hasBest}
}

func (c *ModelCheckpoint) LoadState(s CallbackState) {
	c.BestModelPath, c.BestModelScore, c.hasBest = s.BestModelPath, s.BestModelScore, s.HasBestScore
}

var filenameField = regexp.MustCompile(`\{([A-Za-z0-9_/]+)(?::([^}]*))?\}`)

// formatCheckpointName expands "{name}" and "{name:fmt}" fields into "name=value".
// fmt is a printf verb without the percent sign, e.g. ".2f".
func formatCheckpointName(filename string, epoch, step int, metrics map[string]float32) string {
	return filenameField.ReplaceAllStringFunc(filename, func(field string) string {
		m := filenameField.FindStringSubmatch(field)
		name, format := m[1], m[2]
		var value any
		switch name {
		case "epoch":
			value = epoch
		case "step":
			value = step
		default:
			v, ok := metrics[name]
			if !ok {
				value = 0
			} else {
				value = v
			}
		}
		var s string
		if format != "" {
			s = fmt.Sprintf("%"+format, value)
		} else if f, ok := value.(float32); ok {
			s = strconv.FormatFloat(float64(f), 'f', 4, 32)
		} else {
			s = fmt.Sprint(value)
		}
		return strings.ReplaceAll(name, "/", "_") + "=" + s
	})
}

// EarlyStoppingOptions configure EarlyStopping
type EarlyStoppingOptions struct {
	Monitor  string  `json:"monitor"`
	Mode     string  `json:"mode"`
	Patience int     `json:"patience"`
	MinDelta float64 `json:"min_delta"`
}

// EarlyStopping stops fitting when the monitored metric has not improved for Patience validations
type EarlyStopping struct {
	Options EarlyStoppingOptions

	best         float64
	wait         int
	stoppedEpoch int
}

func NewEarlyStopping(opts EarlyStoppingOptions) (*EarlyStopping, error) {
	if opts.Mode == "" {
		opts.Mode = ModeMin
	}
	if err := validMode(opts.Mode); err != nil {
		return nil, err
	}
	if opts.Monitor == "" {
		return nil, fmt.Errorf("EarlyStopping requires a monitor")
	}
	best := math.Inf(1)
	if opts.Mode == ModeMax {
		best = math.Inf(-1)
	}
	return &EarlyStopping{Options: opts, best: best}, nil
}

func (e *EarlyStopping) Name() string {
	return "EarlyStopping"
}

func (e *EarlyStopping) OnValidationEnd(t *Trainer) error {
	v, ok := t.CallbackMetrics()[e.Options.Monitor]
	if !ok {
		return fmt.Errorf("EarlyStopping(monitor=%q) could not find the monitored key in the logged metrics: %v", e.Options.Monitor, metricNames(t.CallbackMetrics()))
	}
	current := float64(v)
	if improved(e.Options.Mode, current, e.best, math.Abs(e.Options.MinDelta)) {
		e.best, e.wait = current, 0
		return nil
	}
	e.wait++
	if e.wait >= e.Options.Patience {
		e.stoppedEpoch = t.CurrentEpoch()
		klog.Infof("Monitored metric %s did not improve in the last %d records. Best score: %.3f. Signaling Trainer to stop.", e.Options.Monitor, e.wait, e.best)
		t.RequestStop()
	}
	return nil
}

func (e *EarlyStopping) State() CallbackState {
	return CallbackState{BestModelScore: e.best, HasBestScore: true, Wait: e.wait, StoppedEpoch: e.stoppedEpoch}
}

func (e *EarlyStopping) LoadState(s CallbackState) {
	if s.HasBestScore {
		e.best = s.BestModelScore
	}
	e.wait, e.stoppedEpoch = s.Wait, s.StoppedEpoch
}
