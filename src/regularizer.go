package flow

import "math"

// Regularizer adds a weight penalty to the loss and its gradient to trainable parameters
type Regularizer interface {
	loss(weights *tensor) float64
	gradient(weights *tensor, grad *tensor)
	name() string
}

// L1Regularizer - Lasso regularization
type L1Regularizer struct {
	Lambda float64
}

func L1(lambda float64) Regularizer {
	return &L1Regularizer{Lambda: lambda}
}

func (l *L1Regularizer) loss(weights *tensor) float64 {
	sum := 0.0
	for _, v := range weights.data {
		sum += math.Abs(v)
	}
	return l.Lambda * sum
}

func (l *L1Regularizer) gradient(weights *tensor, grad *tensor) {
	for i, v := range weights.data {
		switch {
		case v > 0:
			grad.data[i] += l.Lambda
		case v < 0:
			grad.data[i] -= l.Lambda
		}
	}
}

func (l *L1Regularizer) name() string { return "l1" }

// L2Regularizer - Ridge regularization
type L2Regularizer struct {
	Lambda float64
}

func L2(lambda float64) Regularizer {
	return &L2Regularizer{Lambda: lambda}
}

func (l *L2Regularizer) loss(weights *tensor) float64 {
	sum := 0.0
	for _, v := range weights.data {
		sum += v * v
	}
	return 0.5 * l.Lambda * sum
}

func (l *L2Regularizer) gradient(weights *tensor, grad *tensor) {
	for i, v := range weights.data {
		grad.data[i] += l.Lambda * v
	}
}

func (l *L2Regularizer) name() string { return "l2" }

// NoRegularizer - explicit "none"
type NoRegularizer struct{}

func NoReg() Regularizer { return &NoRegularizer{} }

func (n *NoRegularizer) loss(weights *tensor) float64           { return 0 }
func (n *NoRegularizer) gradient(weights *tensor, grad *tensor) {}
func (n *NoRegularizer) name() string                           { return "none" }

// newRegularizer maps a RegularizerParams block to an implementation.
func newRegularizer(p RegularizerParams) (Regularizer, error) {
	switch p.Name {
	case "", "none":
		return NoReg(), nil
	case "l1":
		return L1(p.Lambda), nil
	case "l2":
		return L2(p.Lambda), nil
	}
	return nil, errorf("unknown regularizer %q", p.Name)
}
