package flow

import (
	"errors"
	"math/rand"
)

// Layer is the base interface for all layers
type Layer interface {
	forward(input *tensor, training bool) (*tensor, error)
	backward(gradOutput *tensor) (*tensor, error)
	parameters() []*tensor
	gradients() []*tensor
	paramNames() []string
	build(inputShape []int, rng *rand.Rand) error
	outputShape() []int
	label() string
	name() string
}

// DenseLayer - fully connected layer
type DenseLayer struct {
	layerName   string
	units       int
	activation  Activation
	initializer Initializer
	biasInit    Initializer
	useBias     bool
	weights     *tensor
	bias        *tensor
	input       *tensor
	preAct      *tensor
	output      *tensor
	gradW       *tensor
	gradB       *tensor
	inputShape  []int
	built       bool
}

// DenseBuilder for fluent API
type DenseBuilder struct {
	layer *DenseLayer
}

func Dense(units int) *DenseBuilder {
	return &DenseBuilder{
		layer: &DenseLayer{
			units: units,
		},
	}
}

func (b *DenseBuilder) WithName(name string) *DenseBuilder {
	b.layer.layerName = name
	return b
}

func (b *DenseBuilder) WithActivation(act Activation) *DenseBuilder {
	b.layer.activation = act
	return b
}

func (b *DenseBuilder) WithInitializer(init Initializer) *DenseBuilder {
	b.layer.initializer = init
	return b
}

func (b *DenseBuilder) WithBiasInitializer(init Initializer) *DenseBuilder {
	b.layer.biasInit = init
	return b
}

func (b *DenseBuilder) WithBias(useBias bool) *DenseBuilder {
	b.layer.useBias = useBias
	return b
}

func (b *DenseBuilder) Build() Layer {
	return b.layer
}

func (d *DenseLayer) build(inputShape []int, rng *rand.Rand) error {
	if len(inputShape) != 1 {
		return errorf("Dense expects a flat input shape, got %v - add Flatten() first", inputShape)
	}
	if d.initializer == nil {
		return errors.New("flow: DenseLayer requires initializer - use WithInitializer()")
	}
	if d.activation == nil {
		return errors.New("flow: DenseLayer requires activation - use WithActivation()")
	}
	if d.useBias && d.biasInit == nil {
		return errors.New("flow: DenseLayer with bias requires bias initializer - use WithBiasInitializer()")
	}

	fanIn := inputShape[0]
	d.inputShape = inputShape

	d.weights = newTensor(fanIn, d.units)
	d.initializer.initialize(d.weights, fanIn, d.units, rng)
	d.gradW = newTensor(fanIn, d.units)

	if d.useBias {
		d.bias = newTensor(d.units)
		d.biasInit.initialize(d.bias, fanIn, d.units, rng)
		d.gradB = newTensor(d.units)
	}

	d.built = true
	return nil
}

func (d *DenseLayer) forward(input *tensor, training bool) (*tensor, error) {
	if !d.built {
		return nil, errors.New("flow: layer not built - call Build() first")
	}
	if len(input.shape) != 2 || input.shape[1] != d.weights.shape[0] {
		return nil, errorf("Dense input shape %v does not match [batch, %d]", input.shape, d.weights.shape[0])
	}
	batchSize := input.shape[0]

	d.input = input
	d.preAct = newTensor(batchSize, d.units)
	d.output = newTensor(batchSize, d.units)

	// Y = X @ W + b
	matmul(input, d.weights, d.preAct)
	if d.useBias {
		addVec(d.preAct, d.bias)
	}

	d.activation.forward(d.preAct, d.output)
	return d.output, nil
}

func (d *DenseLayer) backward(gradOutput *tensor) (*tensor, error) {
	if d.input == nil {
		return nil, errors.New("flow: backward called before forward")
	}

	gradPreAct := newTensor(gradOutput.shape...)
	d.activation.backward(d.preAct, gradOutput, gradPreAct)

	// The loss gradient is already averaged over the batch.
	matmulTransA(d.input, gradPreAct, d.gradW)
	if d.useBias {
		sumAxis0(gradPreAct, d.gradB)
	}

	// dL/dX = dL/dY @ W^T
	gradInput := newTensor(d.input.shape...)
	matmulTransB(gradPreAct, d.weights, gradInput)

	return gradInput, nil
}

func (d *DenseLayer) parameters() []*tensor {
	if d.useBias {
		return []*tensor{d.weights, d.bias}
	}
	return []*tensor{d.weights}
}

func (d *DenseLayer) gradients() []*tensor {
	if d.useBias {
		return []*tensor{d.gradW, d.gradB}
	}
	return []*tensor{d.gradW}
}

func (d *DenseLayer) paramNames() []string {
	if d.useBias {
		return []string{"weight", "bias"}
	}
	return []string{"weight"}
}

func (d *DenseLayer) outputShape() []int {
	return []int{d.units}
}

func (d *DenseLayer) label() string { return d.layerName }
func (d *DenseLayer) name() string  { return "dense" }

// FlattenLayer - flattens input to 1D (per sample)
type FlattenLayer struct {
	layerName  string
	inputShape []int
	built      bool
}

type FlattenBuilder struct {
	layer *FlattenLayer
}

func Flatten() *FlattenBuilder {
	return &FlattenBuilder{
		layer: &FlattenLayer{},
	}
}

func (b *FlattenBuilder) WithName(name string) *FlattenBuilder {
	b.layer.layerName = name
	return b
}

func (b *FlattenBuilder) Build() Layer {
	return b.layer
}

func (f *FlattenLayer) build(inputShape []int, rng *rand.Rand) error {
	f.inputShape = inputShape
	f.built = true
	return nil
}

func (f *FlattenLayer) forward(input *tensor, training bool) (*tensor, error) {
	batchSize := input.shape[0]
	output := newTensor(batchSize, input.size()/batchSize)
	copy(output.data, input.data)
	return output, nil
}

func (f *FlattenLayer) backward(gradOutput *tensor) (*tensor, error) {
	shape := append([]int{gradOutput.shape[0]}, f.inputShape...)
	gradInput := newTensor(shape...)
	copy(gradInput.data, gradOutput.data)
	return gradInput, nil
}

func (f *FlattenLayer) parameters() []*tensor { return nil }
func (f *FlattenLayer) gradients() []*tensor  { return nil }
func (f *FlattenLayer) paramNames() []string  { return nil }

func (f *FlattenLayer) outputShape() []int {
	flatSize := 1
	for _, s := range f.inputShape {
		flatSize *= s
	}
	return []int{flatSize}
}

func (f *FlattenLayer) label() string { return f.layerName }
func (f *FlattenLayer) name() string  { return "flatten" }

// ChannelsLastLayer - permutes [C, H, W] samples into the [H, W, C] layout used by
// Conv2D and MaxPool2D
type ChannelsLastLayer struct {
	layerName  string
	inputShape []int
	built      bool
}

type ChannelsLastBuilder struct {
	layer *ChannelsLastLayer
}

func ChannelsLast() *ChannelsLastBuilder {
	return &ChannelsLastBuilder{
		layer: &ChannelsLastLayer{},
	}
}

func (b *ChannelsLastBuilder) WithName(name string) *ChannelsLastBuilder {
	b.layer.layerName = name
	return b
}

func (b *ChannelsLastBuilder) Build() Layer {
	return b.layer
}

func (p *ChannelsLastLayer) build(inputShape []int, rng *rand.Rand) error {
	if len(inputShape) != 3 {
		return errors.New("flow: ChannelsLast requires input shape [C, H, W]")
	}
	p.inputShape = inputShape
	p.built = true
	return nil
}

func (p *ChannelsLastLayer) forward(input *tensor, training bool) (*tensor, error) {
	if len(input.shape) != 4 {
		return nil, errorf("ChannelsLast expects [batch, C, H, W], got %v", input.shape)
	}
	if err := validateShape(p.inputShape, input.shape[1:]); err != nil {
		return nil, errorf("ChannelsLast input %v does not match %v", input.shape[1:], p.inputShape)
	}
	batchSize := input.shape[0]
	c, h, w := p.inputShape[0], p.inputShape[1], p.inputShape[2]

	output := newTensor(batchSize, h, w, c)
	for b := 0; b < batchSize; b++ {
		for ch := 0; ch < c; ch++ {
			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					output.data[((b*h+y)*w+x)*c+ch] = input.at(b, ch, y, x)
				}
			}
		}
	}
	return output, nil
}

func (p *ChannelsLastLayer) backward(gradOutput *tensor) (*tensor, error) {
	batchSize := gradOutput.shape[0]
	c, h, w := p.inputShape[0], p.inputShape[1], p.inputShape[2]

	gradInput := newTensor(batchSize, c, h, w)
	for b := 0; b < batchSize; b++ {
		for ch := 0; ch < c; ch++ {
			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					gradInput.data[((b*c+ch)*h+y)*w+x] = gradOutput.data[((b*h+y)*w+x)*c+ch]
				}
			}
		}
	}
	return gradInput, nil
}

func (p *ChannelsLastLayer) parameters() []*tensor { return nil }
func (p *ChannelsLastLayer) gradients() []*tensor  { return nil }
func (p *ChannelsLastLayer) paramNames() []string  { return nil }

func (p *ChannelsLastLayer) outputShape() []int {
	return []int{p.inputShape[1], p.inputShape[2], p.inputShape[0]}
}

func (p *ChannelsLastLayer) label() string { return p.layerName }
func (p *ChannelsLastLayer) name() string  { return "channels_last" }
