package flow

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CheckpointDir returns the checkpoint directory under a log dir.
func CheckpointDir(logDir string) string { return filepath.Join(logDir, "checkpoints") }

// BestCheckpointPath returns the path of the best checkpoint under a log dir.
func BestCheckpointPath(logDir string) string {
	return filepath.Join(CheckpointDir(logDir), "best.ckpt")
}

// CheckpointCallback saves a checkpoint every epoch and keeps the SaveNBest
// best ones by MainMetric of the valid loader (train when there is none).
// With Resume set, weights are loaded from that file on stage init.
type CheckpointCallback struct {
	CallbackBase
	SaveNBest  int
	Resume     string
	MainMetric string
	Minimize   bool

	runID string
	top   []CheckpointRecord
}

type CheckpointConfig struct {
	SaveNBest  int
	Resume     string
	MainMetric string
	Minimize   bool
}

// CheckpointRecord describes one retained checkpoint in checkpoints.json
type CheckpointRecord struct {
	Path  string  `json:"path"`
	Stage string  `json:"stage"`
	Epoch int     `json:"epoch"`
	Value float64 `json:"value"`
}

type checkpointSummary struct {
	RunID      string             `json:"run_id"`
	MainMetric string             `json:"main_metric"`
	Minimize   bool               `json:"minimize"`
	Best       *CheckpointRecord  `json:"best"`
	Last       CheckpointRecord   `json:"last"`
	Top        []CheckpointRecord `json:"top"`
}

func CheckpointSaver(config CheckpointConfig) *CheckpointCallback {
	c := &CheckpointCallback{
		SaveNBest:  config.SaveNBest,
		Resume:     config.Resume,
		MainMetric: config.MainMetric,
		Minimize:   config.Minimize,
		runID:      uuid.NewString(),
	}
	if c.SaveNBest < 1 {
		c.SaveNBest = 1
	}
	if c.MainMetric == "" {
		c.MainMetric = "loss"
	}
	return c
}

// Top returns the retained checkpoints, best first.
func (c *CheckpointCallback) Top() []CheckpointRecord {
	return append([]CheckpointRecord(nil), c.top...)
}

func (c *CheckpointCallback) OnStageInit(model *Network, stage string) error {
	c.top = nil
	if c.Resume == "" {
		return nil
	}
	ckpt, err := LoadCheckpoint(c.Resume)
	if err != nil {
		return err
	}
	if err := ckpt.Restore(model); err != nil {
		return errors.Wrapf(err, "flow: resume from %s", c.Resume)
	}
	klog.Infof("stage %s: resumed from %s (%s epoch %d)", stage, c.Resume, ckpt.Stage, ckpt.Epoch)
	return nil
}

func (c *CheckpointCallback) OnEpochEnd(s *State) error {
	if s.LogDir == "" {
		logDebugf("checkpoint: no log dir, skipping save for %s epoch %d", s.Stage, s.Epoch)
		return nil
	}
	value, err := c.mainValue(s)
	if err != nil {
		return err
	}

	metrics := make(map[string]float64)
	for loader, m := range s.Metrics {
		for name, v := range m {
			metrics[loader+"/"+name] = v
		}
	}
	ckpt := NewCheckpoint(s.Model, c.runID, s.Stage, s.Epoch, metrics)
	data, err := ckpt.MarshalBinary()
	if err != nil {
		return err
	}

	dir := CheckpointDir(s.LogDir)
	path := filepath.Join(dir, fmt.Sprintf("%s.%d.ckpt", s.Stage, s.Epoch))
	if err := writeFileAtomic(path, data); err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(dir, "last.ckpt"), data); err != nil {
		return err
	}

	record := CheckpointRecord{Path: path, Stage: s.Stage, Epoch: s.Epoch, Value: value}
	c.top = append(c.top, record)
	sort.SliceStable(c.top, func(i, j int) bool { return c.better(c.top[i].Value, c.top[j].Value) })
	if c.top[0] == record {
		if err := writeFileAtomic(filepath.Join(dir, "best.ckpt"), data); err != nil {
			return err
		}
		logDebugf("checkpoint: new best %s=%.4f at %s epoch %d", c.MainMetric, value, s.Stage, s.Epoch)
	}
	for len(c.top) > c.SaveNBest {
		drop := c.top[len(c.top)-1]
		c.top = c.top[:len(c.top)-1]
		if err := os.Remove(drop.Path); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "flow: remove checkpoint %s", drop.Path)
		}
	}
	return c.writeSummary(dir, record)
}

// better orders values so the best comes first. NaN sorts last.
func (c *CheckpointCallback) better(a, b float64) bool {
	if math.IsNaN(b) {
		return !math.IsNaN(a)
	}
	if c.Minimize {
		return a < b
	}
	return a > b
}

func (c *CheckpointCallback) mainValue(s *State) (float64, error) {
	for _, loader := range []string{ValidLoader, TrainLoader} {
		if v, ok := s.Metric(loader, c.MainMetric); ok {
			return v, nil
		}
	}
	return 0, errorf("checkpoint: main metric %q was not recorded by any loader", c.MainMetric)
}

func (c *CheckpointCallback) writeSummary(dir string, last CheckpointRecord) error {
	summary := checkpointSummary{
		RunID:      c.runID,
		MainMetric: c.MainMetric,
		Minimize:   c.Minimize,
		Last:       last,
		Top:        c.top,
	}
	if len(c.top) > 0 {
		best := c.top[0]
		summary.Best = &best
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return errors.Wrap(err, "flow: encode checkpoint summary")
	}
	return writeFileAtomic(filepath.Join(dir, "checkpoints.json"), data)
}
