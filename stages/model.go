// Package stages configures staged fine-tuning of a small CIFAR-10
// classifier: the network, the stage controller that freezes the
// convolutional front end in stage2, and the per-stage callback set.
package stages

import (
	"fmt"

	flow "cifarstages/src"
)

// Image geometry and class count the network expects.
const (
	Channels   = 3
	Height     = 32
	Width      = 32
	NumClasses = 10
)

// ModelFunc builds a network from a seed.
type ModelFunc func(seed int64) (*flow.Network, error)

// Networks is the model registry consulted by PrepareModel.
var Networks = map[string]ModelFunc{
	"simple": BuildSimpleModel,
}

// BuildSimpleModel builds conv(3->6, 5x5) -> pool -> conv(6->16, 5x5) ->
// pool -> fc(400->120) -> fc(120->84) -> fc(84->10). Input samples are
// channels-first [3, 32, 32]; output is 10 raw logits.
//
// The two pooling steps are separate layer instances that share the name
// "pool", so they are frozen and reported together.
func BuildSimpleModel(seed int64) (*flow.Network, error) {
	return flow.NewNetwork(flow.NetworkConfig{Seed: seed}).
		AddLayer(flow.ChannelsLast().WithName("layout").Build()).
		AddLayer(flow.Conv2D(6, [2]int{5, 5}).
			WithName("conv1").
			WithActivation(flow.ReLU()).
			WithInitializer(flow.FanInUniform()).
			WithBiasInitializer(flow.FanInUniform()).
			WithBias(true).
			Build()).
		AddLayer(flow.MaxPool2D([2]int{2, 2}).WithName("pool").Build()).
		AddLayer(flow.Conv2D(16, [2]int{5, 5}).
			WithName("conv2").
			WithActivation(flow.ReLU()).
			WithInitializer(flow.FanInUniform()).
			WithBiasInitializer(flow.FanInUniform()).
			WithBias(true).
			Build()).
		AddLayer(flow.MaxPool2D([2]int{2, 2}).WithName("pool").Build()).
		AddLayer(flow.Flatten().WithName("flatten").Build()).
		AddLayer(dense(120, "fc1", flow.ReLU())).
		AddLayer(dense(84, "fc2", flow.ReLU())).
		AddLayer(dense(NumClasses, "fc3", flow.Linear())).
		Build([]int{Channels, Height, Width})
}

func dense(units int, name string, act flow.Activation) flow.Layer {
	return flow.Dense(units).
		WithName(name).
		WithActivation(act).
		WithInitializer(flow.FanInUniform()).
		WithBiasInitializer(flow.FanInUniform()).
		WithBias(true).
		Build()
}

// PrepareModel builds the registered network named by params.Model.
func PrepareModel(params flow.ModelParams) (*flow.Network, error) {
	build, ok := Networks[params.Model]
	if !ok {
		return nil, &UnknownModelError{Name: params.Model}
	}
	return build(params.Seed)
}

// UnknownModelError is returned for a model name missing from Networks.
type UnknownModelError struct {
	Name string
}

func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("stages: unknown model %q", e.Name)
}
