package flow

import "math"

// Optimizer updates network parameters. Frozen parameters are skipped, and their
// optimizer state is left untouched.
type Optimizer interface {
	step(params []*tensor, grads []*tensor)
	learningRate() float64
	setLearningRate(lr float64)
	momentum() float64
	setMomentum(m float64)
	name() string
}

// SGDOptimizer - Stochastic Gradient Descent
type SGDOptimizer struct {
	LR          float64
	Momentum    float64
	Dampening   float64
	WeightDecay float64
	Nesterov    bool
	velocities  []*tensor
}

type SGDConfig struct {
	LR          float64
	Momentum    float64
	Dampening   float64
	WeightDecay float64
	Nesterov    bool
}

func SGD(config SGDConfig) Optimizer {
	return &SGDOptimizer{
		LR:          config.LR,
		Momentum:    config.Momentum,
		Dampening:   config.Dampening,
		WeightDecay: config.WeightDecay,
		Nesterov:    config.Nesterov,
	}
}

func (s *SGDOptimizer) step(params []*tensor, grads []*tensor) {
	s.velocities = ensureState(s.velocities, params)
	for i, p := range params {
		if p.frozen {
			continue
		}
		g := grads[i]
		v := s.velocities[i]

		for j := range p.data {
			grad := g.data[j]
			if s.WeightDecay != 0 {
				grad += s.WeightDecay * p.data[j]
			}
			if s.Momentum != 0 {
				v.data[j] = s.Momentum*v.data[j] + (1-s.Dampening)*grad
				if s.Nesterov {
					grad += s.Momentum * v.data[j]
				} else {
					grad = v.data[j]
				}
			}
			p.data[j] -= s.LR * grad
		}
	}
}

func (s *SGDOptimizer) learningRate() float64      { return s.LR }
func (s *SGDOptimizer) setLearningRate(lr float64) { s.LR = lr }
func (s *SGDOptimizer) momentum() float64          { return s.Momentum }
func (s *SGDOptimizer) setMomentum(m float64)      { s.Momentum = m }
func (s *SGDOptimizer) name() string               { return "sgd" }

// AdamOptimizer - Adaptive Moment Estimation. With Decoupled set it behaves as
// AdamW: weight decay is applied to the weights directly instead of the gradient.
type AdamOptimizer struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Epsilon     float64
	WeightDecay float64
	AMSGrad     bool
	Decoupled   bool
	m           []*tensor
	v           []*tensor
	vMax        []*tensor
	t           int
}

type AdamConfig struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Epsilon     float64
	WeightDecay float64
	AMSGrad     bool
}

func Adam(config AdamConfig) Optimizer {
	return &AdamOptimizer{
		LR:          config.LR,
		Beta1:       config.Beta1,
		Beta2:       config.Beta2,
		Epsilon:     config.Epsilon,
		WeightDecay: config.WeightDecay,
		AMSGrad:     config.AMSGrad,
	}
}

func AdamW(config AdamConfig) Optimizer {
	opt := Adam(config).(*AdamOptimizer)
	opt.Decoupled = true
	return opt
}

func (a *AdamOptimizer) step(params []*tensor, grads []*tensor) {
	a.m = ensureState(a.m, params)
	a.v = ensureState(a.v, params)
	if a.AMSGrad {
		a.vMax = ensureState(a.vMax, params)
	}
	a.t++
	bc1 := 1 - math.Pow(a.Beta1, float64(a.t))
	bc2 := 1 - math.Pow(a.Beta2, float64(a.t))

	for i, p := range params {
		if p.frozen {
			continue
		}
		g := grads[i]
		m := a.m[i]
		v := a.v[i]

		for j := range p.data {
			grad := g.data[j]
			if a.WeightDecay != 0 {
				if a.Decoupled {
					p.data[j] -= a.LR * a.WeightDecay * p.data[j]
				} else {
					grad += a.WeightDecay * p.data[j]
				}
			}
			m.data[j] = a.Beta1*m.data[j] + (1-a.Beta1)*grad
			v.data[j] = a.Beta2*v.data[j] + (1-a.Beta2)*grad*grad

			mHat := m.data[j] / bc1
			vHat := v.data[j] / bc2
			if a.AMSGrad {
				if vHat > a.vMax[i].data[j] {
					a.vMax[i].data[j] = vHat
				}
				vHat = a.vMax[i].data[j]
			}

			p.data[j] -= a.LR * mHat / (math.Sqrt(vHat) + a.Epsilon)
		}
	}
}

func (a *AdamOptimizer) learningRate() float64      { return a.LR }
func (a *AdamOptimizer) setLearningRate(lr float64) { a.LR = lr }

// Momentum for the Adam family is beta1.
func (a *AdamOptimizer) momentum() float64     { return a.Beta1 }
func (a *AdamOptimizer) setMomentum(m float64) { a.Beta1 = m }

func (a *AdamOptimizer) name() string {
	if a.Decoupled {
		return "adamw"
	}
	return "adam"
}

// RMSpropOptimizer
type RMSpropOptimizer struct {
	LR          float64
	Alpha       float64
	Epsilon     float64
	WeightDecay float64
	Momentum    float64
	v           []*tensor
	buf         []*tensor
}

type RMSpropConfig struct {
	LR          float64
	Alpha       float64
	Epsilon     float64
	WeightDecay float64
	Momentum    float64
}

func RMSprop(config RMSpropConfig) Optimizer {
	return &RMSpropOptimizer{
		LR:          config.LR,
		Alpha:       config.Alpha,
		Epsilon:     config.Epsilon,
		WeightDecay: config.WeightDecay,
		Momentum:    config.Momentum,
	}
}

func (r *RMSpropOptimizer) step(params []*tensor, grads []*tensor) {
	r.v = ensureState(r.v, params)
	r.buf = ensureState(r.buf, params)

	for i, p := range params {
		if p.frozen {
			continue
		}
		grad := grads[i]
		v := r.v[i]
		buf := r.buf[i]

		for j := range p.data {
			g := grad.data[j]
			if r.WeightDecay != 0 {
				g += r.WeightDecay * p.data[j]
			}
			v.data[j] = r.Alpha*v.data[j] + (1-r.Alpha)*g*g
			update := g / (math.Sqrt(v.data[j]) + r.Epsilon)
			if r.Momentum > 0 {
				buf.data[j] = r.Momentum*buf.data[j] + update
				update = buf.data[j]
			}
			p.data[j] -= r.LR * update
		}
	}
}

func (r *RMSpropOptimizer) learningRate() float64      { return r.LR }
func (r *RMSpropOptimizer) setLearningRate(lr float64) { r.LR = lr }
func (r *RMSpropOptimizer) momentum() float64          { return r.Momentum }
func (r *RMSpropOptimizer) setMomentum(m float64)      { r.Momentum = m }
func (r *RMSpropOptimizer) name() string               { return "rmsprop" }

// ensureState allocates one zeroed slot per parameter the first time an
// optimizer sees a parameter list.
func ensureState(state []*tensor, params []*tensor) []*tensor {
	if len(state) == len(params) {
		return state
	}
	state = make([]*tensor, len(params))
	for i, p := range params {
		state[i] = newTensor(p.shape...)
	}
	return state
}

// NewOptimizer builds an optimizer from a stage's optimizer block. Unset
// hyperparameters take the usual defaults.
func NewOptimizer(p OptimizerParams) (Optimizer, error) {
	if p.LR <= 0 {
		return nil, errorf("optimizer lr must be > 0, got %g", p.LR)
	}
	switch p.Name {
	case "sgd":
		return SGD(SGDConfig{
			LR:          p.LR,
			Momentum:    p.Momentum,
			WeightDecay: p.WeightDecay,
			Nesterov:    p.Nesterov,
		}), nil
	case "adam", "adamw":
		cfg := AdamConfig{
			LR:          p.LR,
			Beta1:       orDefault(p.Beta1, 0.9),
			Beta2:       orDefault(p.Beta2, 0.999),
			Epsilon:     orDefault(p.Epsilon, 1e-8),
			WeightDecay: p.WeightDecay,
			AMSGrad:     p.AMSGrad,
		}
		if p.Name == "adamw" {
			return AdamW(cfg), nil
		}
		return Adam(cfg), nil
	case "rmsprop":
		return RMSprop(RMSpropConfig{
			LR:          p.LR,
			Alpha:       orDefault(p.Alpha, 0.99),
			Epsilon:     orDefault(p.Epsilon, 1e-8),
			WeightDecay: p.WeightDecay,
			Momentum:    p.Momentum,
		}), nil
	}
	return nil, errorf("unknown optimizer %q", p.Name)
}

func orDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}
