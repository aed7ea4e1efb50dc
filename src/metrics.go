package flow

import (
	"fmt"
	"sort"
)

// Metric accumulates an evaluation metric over batches
type Metric interface {
	reset()
	update(pred, target *tensor)
	result() float64
	name() string
}

// argmax returns the index of the largest value in row.
func argmax(row []float64) int {
	best := 0
	for j := 1; j < len(row); j++ {
		if row[j] > row[best] {
			best = j
		}
	}
	return best
}

// AccuracyMetric - top-1 classification accuracy
type AccuracyMetric struct {
	correct int
	total   int
}

func Accuracy() Metric {
	return &AccuracyMetric{}
}

func (a *AccuracyMetric) reset() {
	a.correct = 0
	a.total = 0
}

func (a *AccuracyMetric) update(pred, target *tensor) {
	batchSize := pred.shape[0]
	numClasses := pred.shape[1]
	for i := 0; i < batchSize; i++ {
		lo, hi := i*numClasses, (i+1)*numClasses
		if argmax(pred.data[lo:hi]) == argmax(target.data[lo:hi]) {
			a.correct++
		}
		a.total++
	}
}

func (a *AccuracyMetric) result() float64 {
	if a.total == 0 {
		return 0
	}
	return float64(a.correct) / float64(a.total)
}

func (a *AccuracyMetric) name() string { return "accuracy" }

// PrecisionAtKMetric - fraction of samples whose target class is among the K
// highest logits
type PrecisionAtKMetric struct {
	K       int
	correct int
	total   int
}

func PrecisionAtK(k int) Metric {
	return &PrecisionAtKMetric{K: k}
}

func (p *PrecisionAtKMetric) reset() {
	p.correct = 0
	p.total = 0
}

func (p *PrecisionAtKMetric) update(pred, target *tensor) {
	batchSize := pred.shape[0]
	numClasses := pred.shape[1]
	indices := make([]int, numClasses)

	for i := 0; i < batchSize; i++ {
		row := pred.data[i*numClasses : (i+1)*numClasses]
		targetClass := argmax(target.data[i*numClasses : (i+1)*numClasses])

		for j := range indices {
			indices[j] = j
		}
		sort.SliceStable(indices, func(a, b int) bool {
			return row[indices[a]] > row[indices[b]]
		})
		for k := 0; k < p.K && k < numClasses; k++ {
			if indices[k] == targetClass {
				p.correct++
				break
			}
		}
		p.total++
	}
}

func (p *PrecisionAtKMetric) result() float64 {
	if p.total == 0 {
		return 0
	}
	return float64(p.correct) / float64(p.total)
}

// Names are zero padded so they sort: precision01, precision03, precision10.
func (p *PrecisionAtKMetric) name() string { return fmt.Sprintf("precision%02d", p.K) }
