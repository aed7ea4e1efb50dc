package flow

import "testing"

func TestFreezeMarksLayerParams(t *testing.T) {
	net := newTestNet(t, 1)
	if err := net.Freeze("fc1"); err != nil {
		t.Fatal(err)
	}
	for _, p := range net.Params() {
		want := p.Layer() != "fc1"
		if p.Trainable() != want {
			t.Errorf("%s trainable = %v, want %v", p.Name(), p.Trainable(), want)
		}
	}
	if !net.IsFrozen("fc1") || net.IsFrozen("fc2") {
		t.Errorf("IsFrozen fc1=%v fc2=%v", net.IsFrozen("fc1"), net.IsFrozen("fc2"))
	}
	if got, want := net.TrainableParameters(), 8*3+3; got != want {
		t.Errorf("TrainableParameters = %d, want %d", got, want)
	}
	if got, want := net.TotalParameters(), 4*8+8+8*3+3; got != want {
		t.Errorf("TotalParameters = %d, want %d", got, want)
	}

	if err := net.Unfreeze("fc1"); err != nil {
		t.Fatal(err)
	}
	if net.IsFrozen("fc1") {
		t.Error("fc1 still frozen after Unfreeze")
	}
}

func TestFreezeUnknownLayer(t *testing.T) {
	net := newTestNet(t, 1)
	if err := net.Freeze("conv9"); err == nil {
		t.Error("Freeze(conv9) succeeded")
	}
	if _, err := net.LayerParams("conv9"); err == nil {
		t.Error("LayerParams(conv9) succeeded")
	}
}

func TestFrozenParamsSurviveOptimizerStep(t *testing.T) {
	optimizers := []OptimizerParams{
		{Name: "sgd", LR: 0.1, Momentum: 0.9, WeightDecay: 0.01},
		{Name: "adam", LR: 0.1},
		{Name: "adamw", LR: 0.1, WeightDecay: 0.1},
		{Name: "rmsprop", LR: 0.1, Momentum: 0.5},
	}
	for _, op := range optimizers {
		t.Run(op.Name, func(t *testing.T) {
			net := newTestNet(t, 2)
			opt, err := NewOptimizer(op)
			if err != nil {
				t.Fatal(err)
			}
			params, grads := net.paramsAndGrads()

			// one step with everything trainable builds optimizer state
			fillGrads(net, 0.5)
			opt.step(params, grads)

			if err := net.Freeze("fc1"); err != nil {
				t.Fatal(err)
			}
			before := snapshotParams(net)
			for i := 0; i < 3; i++ {
				fillGrads(net, 0.5)
				opt.step(params, grads)
			}
			after := snapshotParams(net)

			for name, v := range before {
				changed := !equalValues(v, after[name])
				frozen := name[:3] == "fc1"
				if frozen && changed {
					t.Errorf("frozen %s changed", name)
				}
				if !frozen && !changed {
					t.Errorf("trainable %s did not change", name)
				}
			}
		})
	}
}

func TestTrainableParamsAndGradsSkipsFrozen(t *testing.T) {
	net := newTestNet(t, 1)
	net.FreezeAll()
	if params, grads := net.trainableParamsAndGrads(); len(params) != 0 || len(grads) != 0 {
		t.Errorf("got %d params after FreezeAll", len(params))
	}
	net.UnfreezeAll()
	if params, _ := net.trainableParamsAndGrads(); len(params) != 4 {
		t.Errorf("got %d params after UnfreezeAll, want 4", len(params))
	}
}
