package flow

// Activation represents an element-wise activation applied after a layer's affine step
type Activation interface {
	forward(x *tensor, out *tensor)
	backward(x *tensor, gradOut *tensor, gradIn *tensor)
	name() string
}

// ReLUActivation - max(0, x)
type ReLUActivation struct{}

func ReLU() Activation { return &ReLUActivation{} }

func (r *ReLUActivation) forward(x *tensor, out *tensor) {
	for i, v := range x.data {
		out.data[i] = 0
		if v > 0 {
			out.data[i] = v
		}
	}
}

// The subgradient at 0 is taken as 0.
func (r *ReLUActivation) backward(x *tensor, gradOut *tensor, gradIn *tensor) {
	for i, v := range x.data {
		gradIn.data[i] = 0
		if v > 0 {
			gradIn.data[i] = gradOut.data[i]
		}
	}
}

func (r *ReLUActivation) name() string { return "relu" }

// LinearActivation - identity, used for logit layers
type LinearActivation struct{}

func Linear() Activation { return &LinearActivation{} }

func (l *LinearActivation) forward(x *tensor, out *tensor) {
	copy(out.data, x.data)
}

func (l *LinearActivation) backward(x *tensor, gradOut *tensor, gradIn *tensor) {
	copy(gradIn.data, gradOut.data)
}

func (l *LinearActivation) name() string { return "linear" }
