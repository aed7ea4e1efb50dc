package flow

import (
	"context"
	"math/rand"

	"github.com/pkg/errors"
)

// RunnerConfig for the classification runner
type RunnerConfig struct {
	Seed int64 // shuffling seed
}

// Runner drives stages: epochs over loaders over batches, with every step
// delegated to the callbacks registered for the stage.
type Runner struct {
	rng *rand.Rand
}

func NewRunner(config RunnerConfig) *Runner {
	return &Runner{rng: rand.New(rand.NewSource(config.Seed))}
}

// CallbacksFactory assembles the callbacks for one stage of a Config.
type CallbacksFactory func(params CallbacksParams, args Args, mode string, stage string) *Callbacks

// Run executes one stage. Loaders run in the given order every epoch; the
// loader named "train" is the only one that updates weights. The returned
// State holds the metrics of the final epoch.
func (r *Runner) Run(ctx context.Context, model *Network, stage StageSpec, args Args, loaders []*Loader, callbacks *Callbacks) (*State, error) {
	if model == nil {
		return nil, errorf("runner: model is nil")
	}
	if err := ValidateStage(stage, args); err != nil {
		return nil, err
	}
	if len(loaders) == 0 {
		return nil, errorf("runner: stage %q has no loaders", stage.Name)
	}
	for _, l := range loaders {
		if err := l.validate(); err != nil {
			return nil, err
		}
	}
	if callbacks == nil {
		callbacks = NewCallbacks()
	}

	err := callbacks.Each(func(name string, cb Callback) error {
		return errors.Wrapf(cb.OnStageInit(model, stage.Name), "callback %s: stage init", name)
	})
	if err != nil {
		return nil, err
	}

	s := newState(model, stage, args, args.LogDir)
	if s.Optimizer, err = NewOptimizer(stage.Optimizer); err != nil {
		return nil, err
	}
	if s.Regularizer, err = newRegularizer(stage.Regularizer); err != nil {
		return nil, err
	}
	logDebugf("stage %s: %s", stage.Name, model.FreezeSummary())

	if err := dispatch(callbacks, "stage start", func(cb Callback) error { return cb.OnStageStart(s) }); err != nil {
		return s, err
	}
	for epoch := 1; epoch <= args.Epochs; epoch++ {
		s.Epoch = epoch
		if err := r.runEpoch(ctx, s, loaders, callbacks); err != nil {
			return s, err
		}
		if s.StopTraining {
			break
		}
	}
	if err := dispatch(callbacks, "stage end", func(cb Callback) error { return cb.OnStageEnd(s) }); err != nil {
		return s, err
	}
	return s, nil
}

func (r *Runner) runEpoch(ctx context.Context, s *State, loaders []*Loader, callbacks *Callbacks) error {
	if err := dispatch(callbacks, "epoch start", func(cb Callback) error { return cb.OnEpochStart(s) }); err != nil {
		return err
	}
	for _, l := range loaders {
		if err := r.runLoader(ctx, s, l, callbacks); err != nil {
			return err
		}
	}
	return dispatch(callbacks, "epoch end", func(cb Callback) error { return cb.OnEpochEnd(s) })
}

func (r *Runner) runLoader(ctx context.Context, s *State, l *Loader, callbacks *Callbacks) error {
	l.reset(r.rng)
	s.startLoader(l)
	if err := dispatch(callbacks, "loader start", func(cb Callback) error { return cb.OnLoaderStart(s) }); err != nil {
		return err
	}

	for b := 0; b < l.Len(); b++ {
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "flow: stage %s epoch %d interrupted", s.Stage, s.Epoch)
		}
		x, y, labels, err := l.batch(b, s.Model.InputShape())
		if err != nil {
			return err
		}
		s.startBatch(b, x, y, labels)
		if err := dispatch(callbacks, "batch start", func(cb Callback) error { return cb.OnBatchStart(s) }); err != nil {
			return err
		}

		out, err := s.Model.forward(s.Input, s.IsTrain)
		if err != nil {
			return err
		}
		if err := validateOutput(out, s); err != nil {
			return err
		}
		s.Output = out

		if err := dispatch(callbacks, "batch end", func(cb Callback) error { return cb.OnBatchEnd(s) }); err != nil {
			return err
		}
		if s.IsTrain {
			s.Step++
		}
	}

	s.finishLoader()
	return dispatch(callbacks, "loader end", func(cb Callback) error { return cb.OnLoaderEnd(s) })
}

func dispatch(callbacks *Callbacks, hook string, call func(cb Callback) error) error {
	return callbacks.Each(func(name string, cb Callback) error {
		return errors.Wrapf(call(cb), "callback %s: %s", name, hook)
	})
}

// RunStages runs every stage of cfg in order on one model, building each
// stage's callbacks with factory. Args.Resume applies to the first stage;
// later stages resume from the previous stage's best checkpoint when one was
// written.
func (r *Runner) RunStages(ctx context.Context, model *Network, cfg Config, mode string, loaders []*Loader, factory CallbacksFactory) ([]*State, error) {
	var states []*State
	prevBest := ""
	for i, stage := range cfg.Stages {
		args := cfg.StageArgs(stage)
		if i > 0 {
			args.Resume = prevBest
		}
		s, err := r.Run(ctx, model, stage, args, loaders, factory(stage.CallbacksParams, args, mode, stage.Name))
		if s != nil {
			states = append(states, s)
		}
		if err != nil {
			return states, err
		}
		prevBest = ""
		if best := BestCheckpointPath(args.LogDir); args.LogDir != "" && fileExists(best) {
			prevBest = best
		}
	}
	return states, nil
}

// Infer returns the network output for every sample of a loader, in order.
func (r *Runner) Infer(model *Network, l *Loader) ([][]float64, error) {
	if err := l.validate(); err != nil {
		return nil, err
	}
	out := make([][]float64, 0, l.Samples())
	for start := 0; start < l.Samples(); start += l.BatchSize {
		end := start + l.BatchSize
		if end > l.Samples() {
			end = l.Samples()
		}
		rows, err := model.Forward(l.Inputs[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

// Evaluate reports loss, accuracy and precision@k for a loader.
func (r *Runner) Evaluate(model *Network, l *Loader, ks ...int) (map[string]float64, error) {
	logits, err := r.Infer(model, l)
	if err != nil {
		return nil, err
	}
	pred, err := tensorFromRows(logits, []int{len(logits[0])})
	if err != nil {
		return nil, err
	}
	target := oneHotEncode(l.Labels, l.NumClasses)
	if pred.shape[1] != l.NumClasses {
		return nil, errorf("evaluate: model has %d outputs but loader %q has %d classes", pred.shape[1], l.Name, l.NumClasses)
	}

	results := map[string]float64{
		"loss": CrossEntropy(CrossEntropyConfig{}).compute(pred, target),
	}
	metrics := []Metric{Accuracy()}
	for _, k := range ks {
		metrics = append(metrics, PrecisionAtK(k))
	}
	for _, m := range metrics {
		m.update(pred, target)
		results[m.name()] = m.result()
	}
	return results, nil
}
