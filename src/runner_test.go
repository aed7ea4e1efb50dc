package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

// recorder logs every hook it sees.
type recorder struct {
	CallbackBase
	id     string
	events *[]string
}

func (r *recorder) add(event string) error {
	*r.events = append(*r.events, r.id+":"+event)
	return nil
}

func (r *recorder) OnStageInit(model *Network, stage string) error { return r.add("init " + stage) }
func (r *recorder) OnStageStart(s *State) error                    { return r.add("stage") }
func (r *recorder) OnEpochStart(s *State) error                    { return r.add(fmt.Sprintf("epoch %d", s.Epoch)) }
func (r *recorder) OnLoaderStart(s *State) error                   { return r.add("loader " + s.LoaderName) }
func (r *recorder) OnBatchStart(s *State) error                    { return r.add("batch") }
func (r *recorder) OnBatchEnd(s *State) error                      { return r.add("batch end") }
func (r *recorder) OnLoaderEnd(s *State) error                     { return r.add("loader end") }
func (r *recorder) OnEpochEnd(s *State) error                      { return r.add("epoch end") }
func (r *recorder) OnStageEnd(s *State) error                      { return r.add("stage end") }

func testStage(epochs int) (StageSpec, Args) {
	return StageSpec{Name: "stage1", Optimizer: OptimizerParams{Name: "adam", LR: 0.05}}, Args{Epochs: epochs}
}

func TestCallbacksRegistry(t *testing.T) {
	a, b, c := &recorder{id: "a"}, &recorder{id: "b"}, &recorder{id: "c"}
	cbs := NewCallbacks().Set("first", a).Set("second", b).Set("first", c)
	if keys := cbs.Keys(); strings.Join(keys, ",") != "first,second" {
		t.Errorf("keys = %v", keys)
	}
	if got, _ := cbs.Get("first"); got != c {
		t.Error("Set did not replace the callback in place")
	}
	if _, ok := cbs.Get("third"); ok {
		t.Error("Get(third) found something")
	}
	if cbs.Len() != 2 {
		t.Errorf("Len = %d", cbs.Len())
	}

	stop := errors.New("stop")
	var seen []string
	err := cbs.Each(func(name string, cb Callback) error {
		seen = append(seen, name)
		return stop
	})
	if err != stop || len(seen) != 1 {
		t.Errorf("Each returned %v after %v", err, seen)
	}
}

func TestRunnerHookOrder(t *testing.T) {
	var events []string
	cbs := NewCallbacks().
		Set("a", &recorder{id: "a", events: &events}).
		Set("b", &recorder{id: "b", events: &events})

	train := newTestLoader(TrainLoader, 8, 1) // one batch
	valid := newTestLoader(ValidLoader, 8, 2)
	stage, args := testStage(1)
	if _, err := NewRunner(RunnerConfig{}).Run(context.Background(), newTestNet(t, 1), stage, args, []*Loader{train, valid}, cbs); err != nil {
		t.Fatal(err)
	}

	want := []string{
		"a:init stage1", "b:init stage1",
		"a:stage", "b:stage",
		"a:epoch 1", "b:epoch 1",
		"a:loader train", "b:loader train",
		"a:batch", "b:batch", "a:batch end", "b:batch end",
		"a:loader end", "b:loader end",
		"a:loader valid", "b:loader valid",
		"a:batch", "b:batch", "a:batch end", "b:batch end",
		"a:loader end", "b:loader end",
		"a:epoch end", "b:epoch end",
		"a:stage end", "b:stage end",
	}
	if strings.Join(events, "|") != strings.Join(want, "|") {
		t.Errorf("events:\n%v\nwant:\n%v", events, want)
	}
}

func TestRunnerTrainsAndRecordsMetrics(t *testing.T) {
	net := newTestNet(t, 3)
	history := History()
	cbs := NewCallbacks().
		Set("loss", ClassificationLoss(CrossEntropyConfig{})).
		Set("optimizer", OptimizerStep(OptimizerStepConfig{})).
		Set("precision", Precision(PrecisionConfig{PrecisionArgs: []int{1, 2}})).
		Set("logger", Logger(LoggerConfig{})).
		Set("history", history)

	loaders := []*Loader{newTestLoader(TrainLoader, 60, 1), newTestLoader(ValidLoader, 30, 2)}
	stage, args := testStage(15)
	s, err := NewRunner(RunnerConfig{Seed: 1}).Run(context.Background(), net, stage, args, loaders, cbs)
	if err != nil {
		t.Fatal(err)
	}

	losses := history.History["valid/loss"]
	if len(losses) != 15 {
		t.Fatalf("recorded %d valid losses, want 15", len(losses))
	}
	if losses[len(losses)-1] >= losses[0] {
		t.Errorf("valid loss did not improve: %g -> %g", losses[0], losses[len(losses)-1])
	}
	if top1, _ := s.Metric(ValidLoader, "precision01"); top1 < 0.9 {
		t.Errorf("valid precision01 = %g, want >= 0.9 on separable data", top1)
	}
	if top2, _ := s.Metric(ValidLoader, "precision02"); top2 < 0.9 {
		t.Errorf("valid precision02 = %g", top2)
	}
	if s.Step != 15*8 {
		t.Errorf("Step = %d, want %d", s.Step, 15*8)
	}
	if len(history.Epochs) != 15 || history.Epochs[0] != "stage1/1" {
		t.Errorf("history epochs = %v", history.Epochs)
	}
}

func TestRunnerValidDoesNotUpdateWeights(t *testing.T) {
	net := newTestNet(t, 3)
	cbs := NewCallbacks().
		Set("loss", ClassificationLoss(CrossEntropyConfig{})).
		Set("optimizer", OptimizerStep(OptimizerStepConfig{}))
	before := snapshotParams(net)
	stage, args := testStage(2)
	if _, err := NewRunner(RunnerConfig{}).Run(context.Background(), net, stage, args, []*Loader{newTestLoader(ValidLoader, 16, 1)}, cbs); err != nil {
		t.Fatal(err)
	}
	for name, v := range snapshotParams(net) {
		if !equalValues(v, before[name]) {
			t.Errorf("%s changed on a valid-only run", name)
		}
	}
}

func TestRunnerErrors(t *testing.T) {
	ctx := context.Background()
	stage, args := testStage(1)
	loaders := []*Loader{newTestLoader(TrainLoader, 16, 1)}

	t.Run("optimizer without loss", func(t *testing.T) {
		cbs := NewCallbacks().Set("optimizer", OptimizerStep(OptimizerStepConfig{}))
		_, err := NewRunner(RunnerConfig{}).Run(ctx, newTestNet(t, 1), stage, args, loaders, cbs)
		if err == nil || !strings.Contains(err.Error(), "callback optimizer") {
			t.Errorf("error = %v", err)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := NewRunner(RunnerConfig{}).Run(cctx, newTestNet(t, 1), stage, args, loaders, nil)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
	})

	t.Run("wrong input size", func(t *testing.T) {
		bad := &Loader{Name: TrainLoader, Inputs: [][]float64{{1, 2}}, Labels: []int{0}, NumClasses: 3, BatchSize: 1}
		if _, err := NewRunner(RunnerConfig{}).Run(ctx, newTestNet(t, 1), stage, args, []*Loader{bad}, nil); err == nil {
			t.Error("ran with 2-value samples on a 4-input network")
		}
	})

	t.Run("bad label", func(t *testing.T) {
		bad := newTestLoader(TrainLoader, 4, 1)
		bad.Labels[0] = 7
		if _, err := NewRunner(RunnerConfig{}).Run(ctx, newTestNet(t, 1), stage, args, []*Loader{bad}, nil); err == nil {
			t.Error("ran with an out of range label")
		}
	})

	t.Run("stage init error", func(t *testing.T) {
		fail := &failingInit{}
		_, err := NewRunner(RunnerConfig{}).Run(ctx, newTestNet(t, 1), stage, args, loaders, NewCallbacks().Set("fail", fail))
		if err == nil || !strings.Contains(err.Error(), "stage init") {
			t.Errorf("error = %v", err)
		}
	})
}

type failingInit struct{ CallbackBase }

func (failingInit) OnStageInit(model *Network, stage string) error { return errors.New("boom") }

func TestEarlyStoppingEndsStage(t *testing.T) {
	var events []string
	es := EarlyStopping(EarlyStoppingConfig{Loader: TrainLoader, Metric: "const", Patience: 2})
	cbs := NewCallbacks().
		Set("metric", &constMetric{}).
		Set("early-stopping", es).
		Set("rec", &recorder{id: "r", events: &events})

	stage, args := testStage(10)
	s, err := NewRunner(RunnerConfig{}).Run(context.Background(), newTestNet(t, 1), stage, args, []*Loader{newTestLoader(TrainLoader, 8, 1)}, cbs)
	if err != nil {
		t.Fatal(err)
	}
	// epoch 1 sets the best value, epochs 2 and 3 fail to improve
	if s.Epoch != 3 || es.StoppedEpoch != 3 {
		t.Errorf("stopped at epoch %d (callback says %d), want 3", s.Epoch, es.StoppedEpoch)
	}
	if events[len(events)-1] != "r:stage end" {
		t.Errorf("last event = %q, want stage end", events[len(events)-1])
	}
}

type constMetric struct{ CallbackBase }

func (constMetric) OnBatchEnd(s *State) error {
	s.AddBatchMetric("const", 1)
	return nil
}

func TestEvaluateAndInfer(t *testing.T) {
	net := newTestNet(t, 1)
	valid := newTestLoader(ValidLoader, 10, 1)
	r := NewRunner(RunnerConfig{})

	logits, err := r.Infer(net, valid)
	if err != nil {
		t.Fatal(err)
	}
	if len(logits) != 10 || len(logits[0]) != 3 {
		t.Fatalf("Infer returned %dx%d", len(logits), len(logits[0]))
	}

	results, err := r.Evaluate(net, valid, 1, 3)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"loss", "accuracy", "precision01", "precision03"} {
		if _, ok := results[name]; !ok {
			t.Errorf("missing %s in %v", name, results)
		}
	}
	if results["precision03"] != 1 {
		t.Errorf("precision03 = %g, want 1 with 3 classes", results["precision03"])
	}
	if results["accuracy"] != results["precision01"] {
		t.Errorf("accuracy %g != precision01 %g", results["accuracy"], results["precision01"])
	}
}
