package flow

import (
	"errors"
	"math"
	"math/rand"
)

// Conv2DLayer - 2D Convolution layer
type Conv2DLayer struct {
	layerName   string
	filters     int
	kernelSize  [2]int
	stride      [2]int
	padding     string // "valid" or "same"
	activation  Activation
	initializer Initializer
	biasInit    Initializer
	useBias     bool
	weights     *tensor // [kernelH, kernelW, inChannels, outChannels]
	bias        *tensor
	input       *tensor
	preAct      *tensor
	gradW       *tensor
	gradB       *tensor
	inputShape  []int // [H, W, C]
	built       bool
}

type Conv2DBuilder struct {
	layer *Conv2DLayer
}

func Conv2D(filters int, kernelSize [2]int) *Conv2DBuilder {
	return &Conv2DBuilder{
		layer: &Conv2DLayer{
			filters:    filters,
			kernelSize: kernelSize,
			stride:     [2]int{1, 1},
			padding:    "valid",
		},
	}
}

func (b *Conv2DBuilder) WithName(name string) *Conv2DBuilder {
	b.layer.layerName = name
	return b
}

func (b *Conv2DBuilder) WithStride(strideH, strideW int) *Conv2DBuilder {
	b.layer.stride = [2]int{strideH, strideW}
	return b
}

func (b *Conv2DBuilder) WithPadding(padding string) *Conv2DBuilder {
	b.layer.padding = padding
	return b
}

func (b *Conv2DBuilder) WithActivation(act Activation) *Conv2DBuilder {
	b.layer.activation = act
	return b
}

func (b *Conv2DBuilder) WithInitializer(init Initializer) *Conv2DBuilder {
	b.layer.initializer = init
	return b
}

func (b *Conv2DBuilder) WithBiasInitializer(init Initializer) *Conv2DBuilder {
	b.layer.biasInit = init
	return b
}

func (b *Conv2DBuilder) WithBias(useBias bool) *Conv2DBuilder {
	b.layer.useBias = useBias
	return b
}

func (b *Conv2DBuilder) Build() Layer {
	return b.layer
}

func (c *Conv2DLayer) build(inputShape []int, rng *rand.Rand) error {
	if len(inputShape) != 3 {
		return errors.New("flow: Conv2D requires input shape [H, W, C]")
	}
	if c.initializer == nil {
		return errors.New("flow: Conv2D requires initializer")
	}
	if c.activation == nil {
		return errors.New("flow: Conv2D requires activation")
	}
	if c.useBias && c.biasInit == nil {
		return errors.New("flow: Conv2D with bias requires bias initializer")
	}
	if c.padding != "valid" && c.padding != "same" {
		return errorf("Conv2D padding must be 'valid' or 'same', got %q", c.padding)
	}

	c.inputShape = inputShape
	outH, outW := c.computeOutputSize(inputShape[0], inputShape[1])
	if outH <= 0 || outW <= 0 {
		return errorf("Conv2D kernel %v does not fit input %v", c.kernelSize, inputShape)
	}
	inChannels := inputShape[2]

	c.weights = newTensor(c.kernelSize[0], c.kernelSize[1], inChannels, c.filters)
	fanIn := c.kernelSize[0] * c.kernelSize[1] * inChannels
	fanOut := c.kernelSize[0] * c.kernelSize[1] * c.filters
	c.initializer.initialize(c.weights, fanIn, fanOut, rng)
	c.gradW = newTensor(c.kernelSize[0], c.kernelSize[1], inChannels, c.filters)

	if c.useBias {
		c.bias = newTensor(c.filters)
		c.biasInit.initialize(c.bias, fanIn, fanOut, rng)
		c.gradB = newTensor(c.filters)
	}

	c.built = true
	return nil
}

func (c *Conv2DLayer) computeOutputSize(inputH, inputW int) (int, int) {
	var outH, outW int
	if c.padding == "same" {
		outH = (inputH + c.stride[0] - 1) / c.stride[0]
		outW = (inputW + c.stride[1] - 1) / c.stride[1]
	} else { // valid
		outH = (inputH-c.kernelSize[0])/c.stride[0] + 1
		outW = (inputW-c.kernelSize[1])/c.stride[1] + 1
	}
	return outH, outW
}

func (c *Conv2DLayer) padOffsets(inputH, inputW, outH, outW int) (int, int) {
	if c.padding != "same" {
		return 0, 0
	}
	padH := maxInt((outH-1)*c.stride[0]+c.kernelSize[0]-inputH, 0)
	padW := maxInt((outW-1)*c.stride[1]+c.kernelSize[1]-inputW, 0)
	return padH / 2, padW / 2
}

func (c *Conv2DLayer) forward(input *tensor, training bool) (*tensor, error) {
	if !c.built {
		return nil, errors.New("flow: Conv2D not built")
	}
	if len(input.shape) != 4 || validateShape(c.inputShape, input.shape[1:]) != nil {
		return nil, errorf("Conv2D input shape %v does not match [batch %v]", input.shape, c.inputShape)
	}

	batchSize := input.shape[0]
	inputH := input.shape[1]
	inputW := input.shape[2]
	inChannels := input.shape[3]

	outH, outW := c.computeOutputSize(inputH, inputW)
	padTop, padLeft := c.padOffsets(inputH, inputW, outH, outW)

	c.input = input
	c.preAct = newTensor(batchSize, outH, outW, c.filters)

	forEach(batchSize, workers, func(b int) {
		for oh := 0; oh < outH; oh++ {
			for ow := 0; ow < outW; ow++ {
				for f := 0; f < c.filters; f++ {
					sum := 0.0
					for kh := 0; kh < c.kernelSize[0]; kh++ {
						for kw := 0; kw < c.kernelSize[1]; kw++ {
							ih := oh*c.stride[0] + kh - padTop
							iw := ow*c.stride[1] + kw - padLeft
							if ih >= 0 && ih < inputH && iw >= 0 && iw < inputW {
								for ic := 0; ic < inChannels; ic++ {
									inputIdx := b*inputH*inputW*inChannels + ih*inputW*inChannels + iw*inChannels + ic
									weightIdx := kh*c.kernelSize[1]*inChannels*c.filters + kw*inChannels*c.filters + ic*c.filters + f
									sum += input.data[inputIdx] * c.weights.data[weightIdx]
								}
							}
						}
					}
					outIdx := b*outH*outW*c.filters + oh*outW*c.filters + ow*c.filters + f
					c.preAct.data[outIdx] = sum
					if c.useBias {
						c.preAct.data[outIdx] += c.bias.data[f]
					}
				}
			}
		}
	})

	output := newTensor(c.preAct.shape...)
	c.activation.forward(c.preAct, output)
	return output, nil
}

func (c *Conv2DLayer) backward(gradOutput *tensor) (*tensor, error) {
	if c.input == nil {
		return nil, errors.New("flow: backward called before forward")
	}
	batchSize := c.input.shape[0]
	inputH := c.input.shape[1]
	inputW := c.input.shape[2]
	inChannels := c.input.shape[3]
	outH := gradOutput.shape[1]
	outW := gradOutput.shape[2]
	kH, kW := c.kernelSize[0], c.kernelSize[1]

	gradPreAct := newTensor(gradOutput.shape...)
	c.activation.backward(c.preAct, gradOutput, gradPreAct)

	padTop, padLeft := c.padOffsets(inputH, inputW, outH, outW)

	// Weight and bias gradients: each filter owns a disjoint slice of gradW.
	forEach(c.filters, workers, func(f int) {
		biasSum := 0.0
		for kh := 0; kh < kH; kh++ {
			for kw := 0; kw < kW; kw++ {
				for ic := 0; ic < inChannels; ic++ {
					weightIdx := kh*kW*inChannels*c.filters + kw*inChannels*c.filters + ic*c.filters + f
					c.gradW.data[weightIdx] = 0
				}
			}
		}
		for b := 0; b < batchSize; b++ {
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					dout := gradPreAct.data[b*outH*outW*c.filters+oh*outW*c.filters+ow*c.filters+f]
					if dout == 0 {
						continue
					}
					biasSum += dout
					for kh := 0; kh < kH; kh++ {
						for kw := 0; kw < kW; kw++ {
							ih := oh*c.stride[0] + kh - padTop
							iw := ow*c.stride[1] + kw - padLeft
							if ih >= 0 && ih < inputH && iw >= 0 && iw < inputW {
								for ic := 0; ic < inChannels; ic++ {
									inputIdx := b*inputH*inputW*inChannels + ih*inputW*inChannels + iw*inChannels + ic
									weightIdx := kh*kW*inChannels*c.filters + kw*inChannels*c.filters + ic*c.filters + f
									c.gradW.data[weightIdx] += c.input.data[inputIdx] * dout
								}
							}
						}
					}
				}
			}
		}
		if c.useBias {
			c.gradB.data[f] = biasSum
		}
	})

	// Input gradient: each sample owns a disjoint slice of gradInput.
	gradInput := newTensor(c.input.shape...)
	forEach(batchSize, workers, func(b int) {
		for oh := 0; oh < outH; oh++ {
			for ow := 0; ow < outW; ow++ {
				for f := 0; f < c.filters; f++ {
					dout := gradPreAct.data[b*outH*outW*c.filters+oh*outW*c.filters+ow*c.filters+f]
					if dout == 0 {
						continue
					}
					for kh := 0; kh < kH; kh++ {
						for kw := 0; kw < kW; kw++ {
							ih := oh*c.stride[0] + kh - padTop
							iw := ow*c.stride[1] + kw - padLeft
							if ih >= 0 && ih < inputH && iw >= 0 && iw < inputW {
								for ic := 0; ic < inChannels; ic++ {
									inputIdx := b*inputH*inputW*inChannels + ih*inputW*inChannels + iw*inChannels + ic
									weightIdx := kh*kW*inChannels*c.filters + kw*inChannels*c.filters + ic*c.filters + f
									gradInput.data[inputIdx] += c.weights.data[weightIdx] * dout
								}
							}
						}
					}
				}
			}
		}
	})

	return gradInput, nil
}

func (c *Conv2DLayer) parameters() []*tensor {
	if c.useBias {
		return []*tensor{c.weights, c.bias}
	}
	return []*tensor{c.weights}
}

func (c *Conv2DLayer) gradients() []*tensor {
	if c.useBias {
		return []*tensor{c.gradW, c.gradB}
	}
	return []*tensor{c.gradW}
}

func (c *Conv2DLayer) paramNames() []string {
	if c.useBias {
		return []string{"weight", "bias"}
	}
	return []string{"weight"}
}

func (c *Conv2DLayer) outputShape() []int {
	outH, outW := c.computeOutputSize(c.inputShape[0], c.inputShape[1])
	return []int{outH, outW, c.filters}
}

func (c *Conv2DLayer) label() string { return c.layerName }
func (c *Conv2DLayer) name() string  { return "conv2d" }

// MaxPool2DLayer - Max pooling layer
type MaxPool2DLayer struct {
	layerName  string
	poolSize   [2]int
	stride     [2]int
	inputShape []int
	maxIndices []int // flat input index of each output's max, for backward
	built      bool
}

type MaxPool2DBuilder struct {
	layer *MaxPool2DLayer
}

func MaxPool2D(poolSize [2]int) *MaxPool2DBuilder {
	return &MaxPool2DBuilder{
		layer: &MaxPool2DLayer{
			poolSize: poolSize,
			stride:   poolSize, // Default stride = pool size
		},
	}
}

func (b *MaxPool2DBuilder) WithName(name string) *MaxPool2DBuilder {
	b.layer.layerName = name
	return b
}

func (b *MaxPool2DBuilder) WithStride(strideH, strideW int) *MaxPool2DBuilder {
	b.layer.stride = [2]int{strideH, strideW}
	return b
}

func (b *MaxPool2DBuilder) Build() Layer {
	return b.layer
}

func (m *MaxPool2DLayer) build(inputShape []int, rng *rand.Rand) error {
	if len(inputShape) != 3 {
		return errors.New("flow: MaxPool2D requires input shape [H, W, C]")
	}
	m.inputShape = inputShape
	outH, outW := m.computeOutputSize(inputShape[0], inputShape[1])
	if outH <= 0 || outW <= 0 {
		return errorf("MaxPool2D window %v does not fit input %v", m.poolSize, inputShape)
	}
	m.built = true
	return nil
}

func (m *MaxPool2DLayer) computeOutputSize(inputH, inputW int) (int, int) {
	outH := (inputH-m.poolSize[0])/m.stride[0] + 1
	outW := (inputW-m.poolSize[1])/m.stride[1] + 1
	return outH, outW
}

func (m *MaxPool2DLayer) forward(input *tensor, training bool) (*tensor, error) {
	if len(input.shape) != 4 || validateShape(m.inputShape, input.shape[1:]) != nil {
		return nil, errorf("MaxPool2D input shape %v does not match [batch %v]", input.shape, m.inputShape)
	}
	batchSize := input.shape[0]
	inputH := input.shape[1]
	inputW := input.shape[2]
	channels := input.shape[3]

	outH, outW := m.computeOutputSize(inputH, inputW)
	output := newTensor(batchSize, outH, outW, channels)
	m.maxIndices = make([]int, output.size())

	forEach(batchSize, workers, func(b int) {
		for oh := 0; oh < outH; oh++ {
			for ow := 0; ow < outW; ow++ {
				for c := 0; c < channels; c++ {
					maxVal := math.Inf(-1)
					maxIdx := 0
					for ph := 0; ph < m.poolSize[0]; ph++ {
						for pw := 0; pw < m.poolSize[1]; pw++ {
							ih := oh*m.stride[0] + ph
							iw := ow*m.stride[1] + pw
							idx := b*inputH*inputW*channels + ih*inputW*channels + iw*channels + c
							if input.data[idx] > maxVal {
								maxVal = input.data[idx]
								maxIdx = idx
							}
						}
					}
					outIdx := b*outH*outW*channels + oh*outW*channels + ow*channels + c
					output.data[outIdx] = maxVal
					m.maxIndices[outIdx] = maxIdx
				}
			}
		}
	})

	return output, nil
}

func (m *MaxPool2DLayer) backward(gradOutput *tensor) (*tensor, error) {
	if m.maxIndices == nil {
		return nil, errors.New("flow: backward called before forward")
	}
	batchSize := gradOutput.shape[0]
	gradInput := newTensor(batchSize, m.inputShape[0], m.inputShape[1], m.inputShape[2])
	for outIdx, maxIdx := range m.maxIndices {
		gradInput.data[maxIdx] += gradOutput.data[outIdx]
	}
	return gradInput, nil
}

func (m *MaxPool2DLayer) parameters() []*tensor { return nil }
func (m *MaxPool2DLayer) gradients() []*tensor  { return nil }
func (m *MaxPool2DLayer) paramNames() []string  { return nil }

func (m *MaxPool2DLayer) outputShape() []int {
	outH, outW := m.computeOutputSize(m.inputShape[0], m.inputShape[1])
	return []int{outH, outW, m.inputShape[2]}
}

func (m *MaxPool2DLayer) label() string { return m.layerName }
func (m *MaxPool2DLayer) name() string  { return "max_pool2d" }
