package flow

import (
	"math/rand"
)

// Loader serves labelled samples in mini-batches. Each input row is one
// flattened sample in the network's input layout.
type Loader struct {
	Name       string
	Inputs     [][]float64
	Labels     []int
	NumClasses int
	BatchSize  int
	Shuffle    bool

	order []int
}

// Samples returns the number of samples.
func (l *Loader) Samples() int { return len(l.Inputs) }

// Len returns the number of batches per pass, counting a final partial batch.
func (l *Loader) Len() int {
	if l.BatchSize <= 0 {
		return 0
	}
	return (len(l.Inputs) + l.BatchSize - 1) / l.BatchSize
}

func (l *Loader) validate() error {
	if l.Name == "" {
		return errorf("loader name is required")
	}
	if len(l.Inputs) == 0 {
		return errorf("loader %q has no samples", l.Name)
	}
	if len(l.Inputs) != len(l.Labels) {
		return errorf("loader %q: %d inputs but %d labels", l.Name, len(l.Inputs), len(l.Labels))
	}
	if l.BatchSize <= 0 {
		return errorf("loader %q: BatchSize must be > 0, got %d", l.Name, l.BatchSize)
	}
	if l.NumClasses <= 0 {
		return errorf("loader %q: NumClasses must be > 0, got %d", l.Name, l.NumClasses)
	}
	for i, y := range l.Labels {
		if y < 0 || y >= l.NumClasses {
			return errorf("loader %q: label %d of sample %d outside [0, %d)", l.Name, y, i, l.NumClasses)
		}
	}
	return nil
}

// reset prepares a new pass over the data, reshuffling when requested.
func (l *Loader) reset(rng *rand.Rand) {
	if len(l.order) != len(l.Inputs) {
		l.order = make([]int, len(l.Inputs))
		for i := range l.order {
			l.order[i] = i
		}
	}
	if l.Shuffle {
		shuffleOrder(l.order, rng)
	}
}

// batch assembles batch i as an input tensor and one-hot targets.
func (l *Loader) batch(i int, sampleShape []int) (*tensor, *tensor, []int, error) {
	start := i * l.BatchSize
	end := start + l.BatchSize
	if end > len(l.order) {
		end = len(l.order)
	}
	idx := l.order[start:end]

	rows := make([][]float64, len(idx))
	labels := make([]int, len(idx))
	for j, k := range idx {
		rows[j] = l.Inputs[k]
		labels[j] = l.Labels[k]
	}
	x, err := tensorFromRows(rows, sampleShape)
	if err != nil {
		return nil, nil, nil, errorf("loader %q batch %d: %v", l.Name, i, err)
	}
	return x, oneHotEncode(labels, l.NumClasses), labels, nil
}
