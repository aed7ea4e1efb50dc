package flow

import (
	"math"
	"testing"
)

func TestCrossEntropyMatchesNumericGradient(t *testing.T) {
	pred := newTensor(2, 3)
	copy(pred.data, []float64{0.2, -1.0, 3.0, 1.5, 0.1, -0.4})
	target := oneHotEncode([]int{2, 0}, 3)

	for _, smoothing := range []float64{0, 0.1} {
		loss := CrossEntropy(CrossEntropyConfig{LabelSmoothing: smoothing})
		grad := newTensor(2, 3)
		loss.gradient(pred, target, grad)

		const h = 1e-6
		for i := range pred.data {
			orig := pred.data[i]
			pred.data[i] = orig + h
			up := loss.compute(pred, target)
			pred.data[i] = orig - h
			down := loss.compute(pred, target)
			pred.data[i] = orig

			numeric := (up - down) / (2 * h)
			if math.Abs(numeric-grad.data[i]) > 1e-6 {
				t.Errorf("smoothing %g: grad[%d] = %g, numeric %g", smoothing, i, grad.data[i], numeric)
			}
		}
	}
}

func TestCrossEntropyIsStableForLargeLogits(t *testing.T) {
	pred := newTensor(1, 2)
	copy(pred.data, []float64{1000, -1000})
	target := oneHotEncode([]int{0}, 2)
	if got := CrossEntropy(CrossEntropyConfig{}).compute(pred, target); math.IsNaN(got) || got > 1e-9 {
		t.Errorf("loss = %g, want ~0", got)
	}
}

func TestPrecisionAtK(t *testing.T) {
	pred := newTensor(3, 4)
	copy(pred.data, []float64{
		0.1, 0.9, 0.5, 0.3, // ranking 1,2,3,0
		0.8, 0.1, 0.2, 0.7, // ranking 0,3,2,1
		0.3, 0.2, 0.1, 0.4, // ranking 3,0,1,2
	})
	target := oneHotEncode([]int{2, 0, 2}, 4)

	tests := []struct {
		k    int
		want float64
		name string
	}{
		{1, 1.0 / 3, "precision01"},
		{2, 2.0 / 3, "precision02"},
		{4, 1, "precision04"},
		{10, 1, "precision10"},
	}
	for _, tt := range tests {
		m := PrecisionAtK(tt.k)
		m.update(pred, target)
		if got := m.result(); !near(got, tt.want) {
			t.Errorf("k=%d: %g, want %g", tt.k, got, tt.want)
		}
		if m.name() != tt.name {
			t.Errorf("k=%d: name %q, want %q", tt.k, m.name(), tt.name)
		}
	}

	acc := Accuracy()
	acc.update(pred, target)
	if !near(acc.result(), 1.0/3) {
		t.Errorf("accuracy = %g, want 1/3", acc.result())
	}
}
