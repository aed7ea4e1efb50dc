package stages

import (
	flow "cifarstages/src"

	"k8s.io/klog/v2"
)

// FreezeStage is the stage in which the convolutional front end is frozen.
const FreezeStage = "stage2"

// Callback defaults used when a stage leaves the setting unset.
const (
	DefaultSaveNBest  = 5
	DefaultMainMetric = "loss"
)

// DefaultPrecisionArgs are the k values reported as precision@k.
var DefaultPrecisionArgs = []int{1, 3, 5}

// Callback registry keys, in execution order.
var CallbackKeys = []string{"stage", "loss", "optimizer", "one-cycle", "precision", "logger", "saver"}

// StageCallback freezes conv1, pool and conv2 when FreezeStage starts. The
// flags stay off for the rest of the run; nothing turns them back on.
type StageCallback struct {
	flow.CallbackBase
}

func frozenLayers() []string { return []string{"conv1", "pool", "conv2"} }

func (c *StageCallback) OnStageInit(model *flow.Network, stage string) error {
	if stage != FreezeStage {
		return nil
	}
	if err := model.Freeze(frozenLayers()...); err != nil {
		return err
	}
	klog.V(1).Infof("stage %s: froze %v, %d of %d parameters trainable",
		stage, frozenLayers(), model.TrainableParameters(), model.TotalParameters())
	return nil
}

// PrepareCallbacks returns the callbacks for one stage, in order: stage,
// loss, optimizer, one-cycle, precision, logger, saver. mode is accepted
// for symmetry with the runner's factory signature and does not change the
// set.
func PrepareCallbacks(params flow.CallbacksParams, args flow.Args, mode string, stage string) *flow.Callbacks {
	precisionArgs := params.PrecisionArgs
	if len(precisionArgs) == 0 {
		precisionArgs = DefaultPrecisionArgs
	}
	saveNBest := DefaultSaveNBest
	if args.SaveNBest != nil {
		saveNBest = *args.SaveNBest
	}
	mainMetric := params.MainMetric
	if mainMetric == "" {
		mainMetric = DefaultMainMetric
	}
	minimize := true
	if params.MinimizeMetric != nil {
		minimize = *params.MinimizeMetric
	}

	return flow.NewCallbacks().
		Set("stage", &StageCallback{}).
		Set("loss", flow.ClassificationLoss(flow.CrossEntropyConfig{})).
		Set("optimizer", flow.OptimizerStep(flow.OptimizerStepConfig{})).
		Set("one-cycle", flow.OneCycleLR(flow.OneCycleConfig{
			CycleLen:      args.Epochs,
			Div:           3,
			CutDiv:        4,
			MomentumRange: [2]float64{0.95, 0.85},
		})).
		Set("precision", flow.Precision(flow.PrecisionConfig{PrecisionArgs: precisionArgs})).
		Set("logger", flow.Logger(flow.LoggerConfig{ResetStep: params.ResetStep})).
		Set("saver", flow.CheckpointSaver(flow.CheckpointConfig{
			SaveNBest:  saveNBest,
			Resume:     args.Resume,
			MainMetric: mainMetric,
			Minimize:   minimize,
		}))
}
