package flow

import (
	"math"
	"math/rand"
)

// Initializer sets up initial weights for layers
type Initializer interface {
	initialize(t *tensor, fanIn, fanOut int, rng *rand.Rand)
	name() string
}

// HeNormalInit - He/Kaiming normal initialization
type HeNormalInit struct {
	Gain float64
}

func HeNormal(gain float64) Initializer {
	return &HeNormalInit{Gain: gain}
}

func (h *HeNormalInit) initialize(t *tensor, fanIn, fanOut int, rng *rand.Rand) {
	t.fillRandNorm(0, h.Gain*math.Sqrt(2.0/float64(fanIn)), rng)
}

func (h *HeNormalInit) name() string { return "he_normal" }

// XavierUniformInit - Xavier/Glorot uniform initialization
type XavierUniformInit struct {
	Gain float64
}

func XavierUniform(gain float64) Initializer {
	return &XavierUniformInit{Gain: gain}
}

func (x *XavierUniformInit) initialize(t *tensor, fanIn, fanOut int, rng *rand.Rand) {
	limit := x.Gain * math.Sqrt(6.0/float64(fanIn+fanOut))
	t.fillRandUniform(-limit, limit, rng)
}

func (x *XavierUniformInit) name() string { return "xavier_uniform" }

// FanInUniformInit draws from U(-1/sqrt(fanIn), 1/sqrt(fanIn)), the default
// for convolution and linear layers in most deep-learning toolkits. It is used
// for both weights and biases.
type FanInUniformInit struct{}

func FanInUniform() Initializer { return &FanInUniformInit{} }

func (f *FanInUniformInit) initialize(t *tensor, fanIn, fanOut int, rng *rand.Rand) {
	limit := 1 / math.Sqrt(float64(fanIn))
	t.fillRandUniform(-limit, limit, rng)
}

func (f *FanInUniformInit) name() string { return "fan_in_uniform" }

// ZerosInit - all zeros
type ZerosInit struct{}

func Zeros() Initializer { return &ZerosInit{} }

func (z *ZerosInit) initialize(t *tensor, fanIn, fanOut int, rng *rand.Rand) {
	t.fill(0)
}

func (z *ZerosInit) name() string { return "zeros" }
