package flow

import (
	"math"
	"sort"
	"strings"

	"k8s.io/klog/v2"
)

// ClassificationLossCallback computes the batch loss from the network
// output and one-hot targets, plus the regularizer penalty over trainable
// parameters. It records the "loss" metric and leaves the output gradient
// on the State for the optimizer callback.
type ClassificationLossCallback struct {
	CallbackBase
	criterion Loss
}

func ClassificationLoss(config CrossEntropyConfig) *ClassificationLossCallback {
	return &ClassificationLossCallback{criterion: CrossEntropy(config)}
}

func (c *ClassificationLossCallback) OnBatchEnd(s *State) error {
	if s.Output == nil || s.Targets == nil {
		return errorf("loss callback: batch %d has no output or targets", s.Batch)
	}
	loss := c.criterion.compute(s.Output, s.Targets)
	if s.Regularizer != nil {
		params, _ := s.Model.trainableParamsAndGrads()
		for _, p := range params {
			loss += s.Regularizer.loss(p)
		}
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return &FlowError{
			Component: "Loss",
			ErrorType: "non-finite loss",
			Stage:     s.Stage,
			Epoch:     s.Epoch,
			Loader:    s.LoaderName,
			Batch:     s.Batch,
			Cause:     c.criterion.name() + " returned " + formatFloat(loss),
		}
	}
	s.Loss = loss
	s.AddBatchMetric("loss", loss)

	if s.IsTrain {
		s.lossGrad = newTensor(s.Output.shape...)
		c.criterion.gradient(s.Output, s.Targets, s.lossGrad)
	}
	return nil
}

// OptimizerCallback runs backpropagation and one optimizer step on train
// batches. Frozen parameters receive gradients but are never updated.
type OptimizerCallback struct {
	CallbackBase
}

type OptimizerStepConfig struct{}

func OptimizerStep(config OptimizerStepConfig) *OptimizerCallback {
	return &OptimizerCallback{}
}

func (o *OptimizerCallback) OnBatchEnd(s *State) error {
	if !s.IsTrain {
		return nil
	}
	if s.lossGrad == nil {
		return errorf("optimizer callback: no loss gradient for batch %d; register a loss callback before it", s.Batch)
	}
	if s.Optimizer == nil {
		return errorf("optimizer callback: stage %q has no optimizer", s.Stage)
	}

	if err := s.Model.backward(s.lossGrad); err != nil {
		return err
	}

	trainable, trainableGrads := s.Model.trainableParamsAndGrads()
	if s.Regularizer != nil {
		for i, p := range trainable {
			s.Regularizer.gradient(p, trainableGrads[i])
		}
	}
	clipGradients(s.GradientClip, trainableGrads)

	params, grads := s.Model.paramsAndGrads()
	s.Optimizer.step(params, grads)
	return nil
}

// clipGradients applies global norm or per-value clipping.
func clipGradients(cfg GradientClipConfig, grads []*tensor) {
	switch cfg.Mode {
	case "norm":
		total := 0.0
		for _, g := range grads {
			n := l2Norm(g)
			total += n * n
		}
		total = math.Sqrt(total)
		if total > cfg.MaxNorm {
			scale := cfg.MaxNorm / total
			for _, g := range grads {
				mulScalar(g, scale)
			}
		}
	case "value":
		for _, g := range grads {
			clip(g, -cfg.MaxValue, cfg.MaxValue)
		}
	}
}

// OneCycleLRCallback drives the optimizer's learning rate and momentum with a
// one-cycle schedule on every train batch.
type OneCycleLRCallback struct {
	CallbackBase
	CycleLen int
	schedule oneCycleSchedule
	baseLR   float64
}

type OneCycleConfig struct {
	CycleLen      int        // epochs per cycle
	Div           float64    // lr range is [base/Div, base]
	CutDiv        int        // fraction of the cycle spent warming up is 1/CutDiv
	MomentumRange [2]float64 // momentum at the cycle ends and at the peak
}

func OneCycleLR(config OneCycleConfig) *OneCycleLRCallback {
	if config.CycleLen < 1 {
		config.CycleLen = 1
	}
	if config.Div <= 0 {
		config.Div = 1
	}
	if config.CutDiv < 1 {
		config.CutDiv = 1
	}
	return &OneCycleLRCallback{
		CycleLen: config.CycleLen,
		schedule: oneCycleSchedule{
			div:           config.Div,
			cutDiv:        config.CutDiv,
			momentumRange: config.MomentumRange,
		},
	}
}

// Config returns the effective schedule settings.
func (o *OneCycleLRCallback) Config() OneCycleConfig {
	return OneCycleConfig{
		CycleLen:      o.CycleLen,
		Div:           o.schedule.div,
		CutDiv:        o.schedule.cutDiv,
		MomentumRange: o.schedule.momentumRange,
	}
}

func (o *OneCycleLRCallback) OnStageStart(s *State) error {
	if s.Optimizer == nil {
		return errorf("one-cycle: stage %q has no optimizer", s.Stage)
	}
	o.baseLR = s.Optimizer.learningRate()
	o.schedule.reset(1)
	return nil
}

// OnLoaderStart sizes the cycle from the train loader without restarting it.
func (o *OneCycleLRCallback) OnLoaderStart(s *State) error {
	if !s.IsTrain {
		return nil
	}
	total := s.LoaderLen*o.CycleLen - 1
	if total < 1 {
		total = 1
	}
	o.schedule.total = total
	if o.schedule.iter >= total {
		o.schedule.iter = 0
	}
	return nil
}

func (o *OneCycleLRCallback) OnBatchStart(s *State) error {
	if !s.IsTrain {
		return nil
	}
	s.Optimizer.setLearningRate(o.schedule.nextLR(o.baseLR))
	s.Optimizer.setMomentum(o.schedule.momentum())
	return nil
}

func (o *OneCycleLRCallback) OnBatchEnd(s *State) error {
	if s.IsTrain {
		s.AddBatchMetric("lr", s.LR())
		s.AddBatchMetric("momentum", s.Momentum())
	}
	return nil
}

// PrecisionCallback records top-k accuracy for each k as "precisionKK".
type PrecisionCallback struct {
	CallbackBase
	metrics []Metric
}

type PrecisionConfig struct {
	PrecisionArgs []int
}

func Precision(config PrecisionConfig) *PrecisionCallback {
	p := &PrecisionCallback{}
	for _, k := range config.PrecisionArgs {
		p.metrics = append(p.metrics, PrecisionAtK(k))
	}
	return p
}

// Names returns the metric names this callback records.
func (p *PrecisionCallback) Names() []string {
	names := make([]string, len(p.metrics))
	for i, m := range p.metrics {
		names[i] = m.name()
	}
	return names
}

func (p *PrecisionCallback) OnBatchEnd(s *State) error {
	if s.Output == nil {
		return nil
	}
	for _, m := range p.metrics {
		m.reset()
		m.update(s.Output, s.Targets)
		s.AddBatchMetric(m.name(), m.result())
	}
	return nil
}

// LoggerCallback writes progress through klog: one line per loader at the
// end of each epoch, plus per-batch lines at verbosity 2.
type LoggerCallback struct {
	CallbackBase
	ResetStep bool
	step      int
}

type LoggerConfig struct {
	ResetStep bool // restart the batch step counter on every loader
}

func Logger(config LoggerConfig) *LoggerCallback {
	return &LoggerCallback{ResetStep: config.ResetStep}
}

func (l *LoggerCallback) OnStageStart(s *State) error {
	l.step = 0
	klog.Infof("stage %s: %d epochs, optimizer %s lr=%g, %d/%d trainable parameters",
		s.Stage, s.Epochs, s.Optimizer.name(), s.LR(),
		s.Model.TrainableParameters(), s.Model.TotalParameters())
	if frozen := s.Model.FrozenLayers(); len(frozen) > 0 {
		klog.Infof("stage %s: frozen layers %s", s.Stage, strings.Join(frozen, ", "))
	}
	return nil
}

func (l *LoggerCallback) OnLoaderStart(s *State) error {
	if l.ResetStep {
		l.step = 0
	}
	return nil
}

func (l *LoggerCallback) OnBatchEnd(s *State) error {
	l.step++
	if klog.V(2).Enabled() {
		klog.V(2).Infof("%s epoch %d %s step %d: loss=%.4f lr=%g",
			s.Stage, s.Epoch, s.LoaderName, l.step, s.Loss, s.LR())
	}
	return nil
}

func (l *LoggerCallback) OnEpochEnd(s *State) error {
	for _, loader := range loaderOrder(s.Metrics) {
		var b strings.Builder
		for _, name := range s.MetricNames(loader) {
			b.WriteString(" ")
			b.WriteString(name)
			b.WriteString("=")
			b.WriteString(formatFloat(s.Metrics[loader][name]))
		}
		klog.Infof("%d/%d * Epoch (%s/%s):%s", s.Epoch, s.Epochs, s.Stage, loader, b.String())
	}
	return nil
}

func (l *LoggerCallback) OnStageEnd(s *State) error {
	klog.Infof("stage %s finished after %d epochs", s.Stage, s.Epoch)
	return nil
}

// loaderOrder lists train first, then valid, then the rest by name.
func loaderOrder(m map[string]map[string]float64) []string {
	var out []string
	for _, name := range []string{TrainLoader, ValidLoader} {
		if _, ok := m[name]; ok {
			out = append(out, name)
		}
	}
	var rest []string
	for name := range m {
		if name != TrainLoader && name != ValidLoader {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}
