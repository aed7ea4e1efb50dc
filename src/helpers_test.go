package flow

import (
	"math/rand"
	"testing"
)

// newTestNet builds a two-layer classifier: 4 inputs, 3 classes.
func newTestNet(t *testing.T, seed int64) *Network {
	t.Helper()
	net, err := NewNetwork(NetworkConfig{Seed: seed}).
		AddLayer(Dense(8).
			WithName("fc1").
			WithActivation(ReLU()).
			WithInitializer(HeNormal(1.0)).
			WithBiasInitializer(Zeros()).
			WithBias(true).
			Build()).
		AddLayer(Dense(3).
			WithName("fc2").
			WithActivation(Linear()).
			WithInitializer(XavierUniform(1.0)).
			WithBiasInitializer(Zeros()).
			WithBias(true).
			Build()).
		Build([]int{4})
	if err != nil {
		t.Fatalf("build test network: %v", err)
	}
	return net
}

// newTestLoader draws n separable samples: class c has feature c set high.
func newTestLoader(name string, n int, seed int64) *Loader {
	rng := rand.New(rand.NewSource(seed))
	l := &Loader{Name: name, NumClasses: 3, BatchSize: 8, Shuffle: name == TrainLoader}
	for i := 0; i < n; i++ {
		c := i % 3
		x := make([]float64, 4)
		for j := range x {
			x[j] = rng.NormFloat64() * 0.1
		}
		x[c] += 2
		l.Inputs = append(l.Inputs, x)
		l.Labels = append(l.Labels, c)
	}
	return l
}

func snapshotParams(net *Network) map[string][]float64 {
	out := make(map[string][]float64)
	for _, p := range net.Params() {
		out[p.Name()] = p.Values()
	}
	return out
}

func equalValues(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// fillGrads sets every gradient buffer to a constant.
func fillGrads(net *Network, v float64) {
	_, grads := net.paramsAndGrads()
	for _, g := range grads {
		g.fill(v)
	}
}
