package flow

import (
	"math"
	"strconv"
)

// Loader names the Runner treats specially.
const (
	TrainLoader = "train"
	ValidLoader = "valid"
)

// Callback is invoked by the Runner at fixed points of a stage. Hooks run in
// registry order; a non-nil error aborts the stage.
type Callback interface {
	OnStageInit(model *Network, stage string) error
	OnStageStart(s *State) error
	OnEpochStart(s *State) error
	OnLoaderStart(s *State) error
	OnBatchStart(s *State) error
	OnBatchEnd(s *State) error
	OnLoaderEnd(s *State) error
	OnEpochEnd(s *State) error
	OnStageEnd(s *State) error
}

// CallbackBase implements every hook as a no-op. Embed it and override the
// hooks you need.
type CallbackBase struct{}

func (CallbackBase) OnStageInit(model *Network, stage string) error { return nil }
func (CallbackBase) OnStageStart(s *State) error                    { return nil }
func (CallbackBase) OnEpochStart(s *State) error                    { return nil }
func (CallbackBase) OnLoaderStart(s *State) error                   { return nil }
func (CallbackBase) OnBatchStart(s *State) error                    { return nil }
func (CallbackBase) OnBatchEnd(s *State) error                      { return nil }
func (CallbackBase) OnLoaderEnd(s *State) error                     { return nil }
func (CallbackBase) OnEpochEnd(s *State) error                      { return nil }
func (CallbackBase) OnStageEnd(s *State) error                      { return nil }

// Callbacks is an ordered name -> Callback registry.
type Callbacks struct {
	keys  []string
	items map[string]Callback
}

func NewCallbacks() *Callbacks {
	return &Callbacks{items: make(map[string]Callback)}
}

// Set adds a callback under name. Replacing an existing name keeps its position.
func (c *Callbacks) Set(name string, cb Callback) *Callbacks {
	if _, ok := c.items[name]; !ok {
		c.keys = append(c.keys, name)
	}
	c.items[name] = cb
	return c
}

func (c *Callbacks) Get(name string) (Callback, bool) {
	cb, ok := c.items[name]
	return cb, ok
}

// Keys returns the registered names in insertion order.
func (c *Callbacks) Keys() []string {
	return append([]string(nil), c.keys...)
}

func (c *Callbacks) Len() int { return len(c.keys) }

// Each calls fn for every callback in order and stops at the first error.
func (c *Callbacks) Each(fn func(name string, cb Callback) error) error {
	for _, k := range c.keys {
		if err := fn(k, c.items[k]); err != nil {
			return err
		}
	}
	return nil
}

// EarlyStoppingCallback stops the stage when a loader metric stops improving
type EarlyStoppingCallback struct {
	CallbackBase
	Loader    string
	Metric    string
	MinDelta  float64
	Patience  int
	Mode      string // "min" or "max"
	bestValue float64
	wait      int

	StoppedEpoch int
}

type EarlyStoppingConfig struct {
	Loader   string // default "valid"
	Metric   string // default "loss"
	MinDelta float64
	Patience int
	Mode     string
}

func EarlyStopping(config EarlyStoppingConfig) *EarlyStoppingCallback {
	e := &EarlyStoppingCallback{
		Loader:   config.Loader,
		Metric:   config.Metric,
		MinDelta: config.MinDelta,
		Patience: config.Patience,
		Mode:     config.Mode,
	}
	if e.Loader == "" {
		e.Loader = ValidLoader
	}
	if e.Metric == "" {
		e.Metric = "loss"
	}
	return e
}

func (e *EarlyStoppingCallback) OnStageStart(s *State) error {
	e.wait = 0
	e.StoppedEpoch = 0
	if e.Mode == "max" {
		e.bestValue = math.Inf(-1)
	} else {
		e.bestValue = math.Inf(1)
	}
	return nil
}

func (e *EarlyStoppingCallback) OnEpochEnd(s *State) error {
	current, ok := s.Metric(e.Loader, e.Metric)
	if !ok {
		return nil
	}

	improved := false
	if e.Mode == "max" {
		improved = current > e.bestValue+e.MinDelta
	} else {
		improved = current < e.bestValue-e.MinDelta
	}

	if improved {
		e.bestValue = current
		e.wait = 0
		return nil
	}
	e.wait++
	if e.wait >= e.Patience {
		e.StoppedEpoch = s.Epoch
		s.StopTraining = true
		logDebugf("early stopping at %s epoch %d: %s/%s did not improve for %d epochs",
			s.Stage, s.Epoch, e.Loader, e.Metric, e.wait)
	}
	return nil
}

// HistoryCallback records loader metrics per epoch under "loader/metric"
// keys. It keeps accumulating across stages.
type HistoryCallback struct {
	CallbackBase
	History map[string][]float64
	Epochs  []string // "stage/epoch" label per recorded epoch
}

func History() *HistoryCallback {
	return &HistoryCallback{
		History: make(map[string][]float64),
	}
}

func (h *HistoryCallback) OnEpochEnd(s *State) error {
	for loader := range s.Metrics {
		for _, name := range s.MetricNames(loader) {
			key := loader + "/" + name
			h.History[key] = append(h.History[key], s.Metrics[loader][name])
		}
	}
	h.Epochs = append(h.Epochs, s.Stage+"/"+strconv.Itoa(s.Epoch))
	return nil
}
