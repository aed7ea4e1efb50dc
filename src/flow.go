// Package flow is a small neural network training framework for Go.
//
// Flow keeps configuration explicit: layers are assembled with fluent
// builders, and a training run is a sequence of named stages driven by a
// Runner. Everything that happens inside the loop (loss, optimizer step,
// learning-rate schedule, metrics, logging, checkpoints) is a Callback, so a
// run is fully described by the ordered callback registry passed to Run.
//
// Basic usage:
//
//	net, err := flow.NewNetwork(flow.NetworkConfig{Seed: 42}).
//		AddLayer(flow.Dense(128).
//			WithName("fc1").
//			WithActivation(flow.ReLU()).
//			WithInitializer(flow.HeNormal(1.0)).
//			WithBiasInitializer(flow.Zeros()).
//			WithBias(true).
//			Build()).
//		AddLayer(flow.Dense(10).
//			WithName("fc2").
//			WithActivation(flow.Linear()).
//			WithInitializer(flow.XavierUniform(1.0)).
//			WithBiasInitializer(flow.Zeros()).
//			WithBias(true).
//			Build()).
//		Build([]int{784})
//
//	callbacks := flow.NewCallbacks().
//		Set("loss", flow.ClassificationLoss(flow.CrossEntropyConfig{})).
//		Set("optimizer", flow.OptimizerStep(flow.OptimizerStepConfig{})).
//		Set("logger", flow.Logger(flow.LoggerConfig{}))
//
//	state, err := flow.NewRunner(flow.RunnerConfig{Seed: 42}).Run(ctx, net,
//		flow.StageSpec{Name: "stage1", Optimizer: flow.OptimizerParams{Name: "adam", LR: 1e-3}},
//		flow.Args{Epochs: 10},
//		[]*flow.Loader{train, valid},
//		callbacks)
package flow

import "k8s.io/klog/v2"

// Version of the Flow library
const Version = "1.1.0"

// DebugMode enables verbose logging
var DebugMode = false

// SetDebug enables or disables debug mode
func SetDebug(enabled bool) {
	DebugMode = enabled
}

func logDebugf(format string, args ...interface{}) {
	if DebugMode {
		klog.Infof(format, args...)
		return
	}
	klog.V(1).Infof(format, args...)
}
