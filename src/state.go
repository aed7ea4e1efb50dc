package flow

import "sort"

// State is the shared, mutable view of a stage that callbacks read and write.
// The Runner owns it; callbacks run sequentially, so no locking is needed.
type State struct {
	Model        *Network
	Optimizer    Optimizer
	Regularizer  Regularizer
	GradientClip GradientClipConfig
	LogDir       string

	Stage      string
	Epochs     int // epochs in this stage
	Epoch      int // 1-based
	LoaderName string
	LoaderLen  int // batches in the current loader
	IsTrain    bool
	Batch      int // 0-based within the current loader
	Step       int // train batches completed in this stage

	Input   *tensor
	Output  *tensor
	Targets *tensor
	Labels  []int

	Loss     float64
	lossGrad *tensor

	// BatchMetrics holds values recorded for the current batch.
	BatchMetrics map[string]float64
	// Metrics holds sample-weighted averages per loader for the last
	// completed pass: Metrics["valid"]["loss"].
	Metrics map[string]map[string]float64

	StopTraining bool

	meters map[string]*meter
}

type meter struct {
	sum   float64
	count int
}

func newState(model *Network, stage StageSpec, args Args, logDir string) *State {
	return &State{
		Model:        model,
		GradientClip: stage.GradientClip,
		LogDir:       logDir,
		Stage:        stage.Name,
		Epochs:       args.Epochs,
		BatchMetrics: make(map[string]float64),
		Metrics:      make(map[string]map[string]float64),
	}
}

// BatchSize returns the number of samples in the current batch.
func (s *State) BatchSize() int {
	if s.Input == nil {
		return 0
	}
	return s.Input.shape[0]
}

// LR returns the optimizer's current learning rate.
func (s *State) LR() float64 {
	if s.Optimizer == nil {
		return 0
	}
	return s.Optimizer.learningRate()
}

// Momentum returns the optimizer's current momentum (beta1 for Adam).
func (s *State) Momentum() float64 {
	if s.Optimizer == nil {
		return 0
	}
	return s.Optimizer.momentum()
}

// AddBatchMetric records a per-batch value and folds it into the loader
// average, weighted by batch size.
func (s *State) AddBatchMetric(name string, value float64) {
	s.BatchMetrics[name] = value
	m, ok := s.meters[name]
	if !ok {
		m = &meter{}
		s.meters[name] = m
	}
	n := s.BatchSize()
	m.sum += value * float64(n)
	m.count += n
}

// Metric returns the averaged value of a metric for a loader's last pass.
func (s *State) Metric(loader, name string) (float64, bool) {
	v, ok := s.Metrics[loader][name]
	return v, ok
}

// MetricNames returns the sorted metric names recorded for a loader.
func (s *State) MetricNames(loader string) []string {
	names := make([]string, 0, len(s.Metrics[loader]))
	for k := range s.Metrics[loader] {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (s *State) startLoader(l *Loader) {
	s.LoaderName = l.Name
	s.LoaderLen = l.Len()
	s.IsTrain = l.Name == TrainLoader
	s.Batch = 0
	s.meters = make(map[string]*meter)
}

func (s *State) startBatch(batch int, x, y *tensor, labels []int) {
	s.Batch = batch
	s.Input, s.Targets, s.Labels = x, y, labels
	s.Output = nil
	s.Loss = 0
	s.lossGrad = nil
	s.BatchMetrics = make(map[string]float64)
}

func (s *State) finishLoader() {
	avg := make(map[string]float64, len(s.meters))
	for name, m := range s.meters {
		if m.count > 0 {
			avg[name] = m.sum / float64(m.count)
		}
	}
	s.Metrics[s.LoaderName] = avg
}
