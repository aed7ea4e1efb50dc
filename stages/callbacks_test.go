package stages

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	flow "cifarstages/src"
)

func TestStageCallbackFreezesFrontEnd(t *testing.T) {
	net, err := BuildSimpleModel(1)
	if err != nil {
		t.Fatal(err)
	}
	cb := &StageCallback{}
	if err := cb.OnStageInit(net, "stage2"); err != nil {
		t.Fatalf("OnStageInit(stage2): %v", err)
	}

	for _, p := range net.Params() {
		switch p.Layer() {
		case "conv1", "conv2":
			if p.Trainable() {
				t.Errorf("%s still trainable after stage2 init", p.Name())
			}
		default:
			if !p.Trainable() {
				t.Errorf("%s frozen after stage2 init", p.Name())
			}
		}
	}
	pool, _ := net.LayerParams("pool")
	for _, p := range pool {
		if p.Trainable() {
			t.Errorf("%s still trainable", p.Name())
		}
	}

	want := 48120 + 10164 + 850
	if got := net.TrainableParameters(); got != want {
		t.Errorf("TrainableParameters = %d, want %d", got, want)
	}
	if got := net.FrozenLayers(); len(got) != 2 || got[0] != "conv1" || got[1] != "conv2" {
		t.Errorf("FrozenLayers = %v, want [conv1 conv2]", got)
	}
}

func TestStageCallbackIgnoresOtherStages(t *testing.T) {
	for _, stage := range []string{"stage1", "stage3", "Stage2", ""} {
		net, err := BuildSimpleModel(1)
		if err != nil {
			t.Fatal(err)
		}
		net.Freeze("fc3")
		if err := (&StageCallback{}).OnStageInit(net, stage); err != nil {
			t.Fatalf("OnStageInit(%q): %v", stage, err)
		}
		for _, p := range net.Params() {
			wantTrainable := p.Layer() != "fc3"
			if p.Trainable() != wantTrainable {
				t.Errorf("stage %q: %s trainable = %v, want %v", stage, p.Name(), p.Trainable(), wantTrainable)
			}
		}
	}
}

func TestStageCallbackIsIdempotent(t *testing.T) {
	net, _ := BuildSimpleModel(1)
	cb := &StageCallback{}
	for i := 0; i < 2; i++ {
		if err := cb.OnStageInit(net, FreezeStage); err != nil {
			t.Fatal(err)
		}
	}
	for _, name := range []string{"conv1", "conv2"} {
		if !net.IsFrozen(name) {
			t.Errorf("%s not frozen", name)
		}
	}
}

func TestPrepareCallbacksDefaults(t *testing.T) {
	cbs := PrepareCallbacks(flow.CallbacksParams{}, flow.Args{Epochs: 7}, "train", "stage1")

	keys := cbs.Keys()
	if len(keys) != len(CallbackKeys) {
		t.Fatalf("keys = %v, want %v", keys, CallbackKeys)
	}
	for i := range CallbackKeys {
		if keys[i] != CallbackKeys[i] {
			t.Errorf("key %d = %q, want %q", i, keys[i], CallbackKeys[i])
		}
	}

	if cb, _ := cbs.Get("stage"); cb == nil {
		t.Error("missing stage callback")
	} else if _, ok := cb.(*StageCallback); !ok {
		t.Errorf("stage callback is %T", cb)
	}
	if cb, _ := cbs.Get("loss"); cb == nil {
		t.Error("missing loss callback")
	} else if _, ok := cb.(*flow.ClassificationLossCallback); !ok {
		t.Errorf("loss callback is %T", cb)
	}
	if cb, _ := cbs.Get("optimizer"); cb == nil {
		t.Error("missing optimizer callback")
	} else if _, ok := cb.(*flow.OptimizerCallback); !ok {
		t.Errorf("optimizer callback is %T", cb)
	}

	cb, _ := cbs.Get("one-cycle")
	oneCycle, ok := cb.(*flow.OneCycleLRCallback)
	if !ok {
		t.Fatalf("one-cycle callback is %T", cb)
	}
	wantCycle := flow.OneCycleConfig{CycleLen: 7, Div: 3, CutDiv: 4, MomentumRange: [2]float64{0.95, 0.85}}
	if got := oneCycle.Config(); got != wantCycle {
		t.Errorf("one-cycle config = %+v, want %+v", got, wantCycle)
	}

	cb, _ = cbs.Get("precision")
	precision, ok := cb.(*flow.PrecisionCallback)
	if !ok {
		t.Fatalf("precision callback is %T", cb)
	}
	names := precision.Names()
	wantNames := []string{"precision01", "precision03", "precision05"}
	if len(names) != len(wantNames) {
		t.Fatalf("precision names = %v, want %v", names, wantNames)
	}
	for i := range wantNames {
		if names[i] != wantNames[i] {
			t.Errorf("precision name %d = %q, want %q", i, names[i], wantNames[i])
		}
	}

	cb, _ = cbs.Get("logger")
	if logger, ok := cb.(*flow.LoggerCallback); !ok {
		t.Errorf("logger callback is %T", cb)
	} else if logger.ResetStep {
		t.Error("logger ResetStep defaulted to true")
	}

	cb, _ = cbs.Get("saver")
	saver, ok := cb.(*flow.CheckpointCallback)
	if !ok {
		t.Fatalf("saver callback is %T", cb)
	}
	if saver.SaveNBest != DefaultSaveNBest || saver.Resume != "" || saver.MainMetric != "loss" || !saver.Minimize {
		t.Errorf("saver = {SaveNBest:%d Resume:%q MainMetric:%q Minimize:%v}, want {5 \"\" loss true}",
			saver.SaveNBest, saver.Resume, saver.MainMetric, saver.Minimize)
	}
}

func TestPrepareCallbacksOverrides(t *testing.T) {
	three := 3
	maximize := false
	cbs := PrepareCallbacks(
		flow.CallbacksParams{PrecisionArgs: []int{2}, ResetStep: true, MainMetric: "precision01", MinimizeMetric: &maximize},
		flow.Args{Epochs: 2, Resume: "logs/best.ckpt", SaveNBest: &three},
		"infer", "stage2",
	)
	if cbs.Len() != 7 {
		t.Fatalf("Len = %d, want 7", cbs.Len())
	}

	cb, _ := cbs.Get("saver")
	saver := cb.(*flow.CheckpointCallback)
	if saver.SaveNBest != 3 || saver.Resume != "logs/best.ckpt" || saver.MainMetric != "precision01" || saver.Minimize {
		t.Errorf("saver = %+v", saver)
	}
	cb, _ = cbs.Get("precision")
	if names := cb.(*flow.PrecisionCallback).Names(); len(names) != 1 || names[0] != "precision02" {
		t.Errorf("precision names = %v", names)
	}
	cb, _ = cbs.Get("logger")
	if !cb.(*flow.LoggerCallback).ResetStep {
		t.Error("logger ResetStep not applied")
	}
	cb, _ = cbs.Get("one-cycle")
	if got := cb.(*flow.OneCycleLRCallback).Config().CycleLen; got != 2 {
		t.Errorf("one-cycle CycleLen = %d, want 2", got)
	}
}

func syntheticLoader(name string, n int, seed int64) *flow.Loader {
	labels := make([]int, n)
	for i := range labels {
		labels[i] = i % NumClasses
	}
	return &flow.Loader{
		Name:       name,
		Inputs:     randomImages(n, seed),
		Labels:     labels,
		NumClasses: NumClasses,
		BatchSize:  4,
		Shuffle:    name == flow.TrainLoader,
	}
}

func TestStagedRunKeepsFrozenWeights(t *testing.T) {
	net, err := PrepareModel(flow.ModelParams{Model: "simple", Seed: 5})
	if err != nil {
		t.Fatal(err)
	}
	logDir := t.TempDir()
	one := 1
	cfg := flow.Config{
		ModelParams: flow.ModelParams{Model: "simple", Seed: 5},
		Args:        flow.Args{Epochs: 1, LogDir: logDir, BatchSize: 4, SaveNBest: &one},
		Stages: []flow.StageSpec{
			{Name: "stage1", Optimizer: flow.OptimizerParams{Name: "adam", LR: 1e-3}},
			{Name: "stage2", Optimizer: flow.OptimizerParams{Name: "sgd", LR: 1e-2, Momentum: 0.9}},
		},
	}
	if err := flow.ValidateConfig(cfg); err != nil {
		t.Fatal(err)
	}
	loaders := []*flow.Loader{syntheticLoader(flow.TrainLoader, 8, 1), syntheticLoader(flow.ValidLoader, 4, 2)}

	var afterStage1 map[string][]float64
	runner := flow.NewRunner(flow.RunnerConfig{Seed: 5})
	factory := func(params flow.CallbacksParams, args flow.Args, mode, stage string) *flow.Callbacks {
		if stage == "stage2" {
			afterStage1 = snapshot(net)
		}
		return PrepareCallbacks(params, args, mode, stage)
	}
	states, err := runner.RunStages(context.Background(), net, cfg, "train", loaders, factory)
	if err != nil {
		t.Fatalf("RunStages: %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("got %d stage states, want 2", len(states))
	}

	after := snapshot(net)
	for name, before := range afterStage1 {
		changed := false
		for i := range before {
			if before[i] != after[name][i] {
				changed = true
				break
			}
		}
		frozen := name[:4] == "conv"
		if frozen && changed {
			t.Errorf("%s changed during stage2", name)
		}
		if !frozen && !changed {
			t.Errorf("%s did not change during stage2", name)
		}
	}

	for _, s := range states {
		if _, ok := s.Metric(flow.ValidLoader, "loss"); !ok {
			t.Errorf("stage %s: no valid loss recorded", s.Stage)
		}
		if _, ok := s.Metric(flow.TrainLoader, "precision05"); !ok {
			t.Errorf("stage %s: no train precision05 recorded", s.Stage)
		}
	}
	for _, f := range []string{"best.ckpt", "last.ckpt", "checkpoints.json", "stage2.1.ckpt"} {
		if _, err := os.Stat(filepath.Join(flow.CheckpointDir(logDir), f)); err != nil {
			t.Errorf("missing %s: %v", f, err)
		}
	}
}

func snapshot(net *flow.Network) map[string][]float64 {
	out := make(map[string][]float64)
	for _, p := range net.Params() {
		out[p.Name()] = p.Values()
	}
	return out
}
