package flow

import (
	"fmt"
	"math/rand"
	"strconv"
)

// shuffleOrder permutes a sample index slice in-place
func shuffleOrder(order []int, rng *rand.Rand) {
	for i := len(order) - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		order[i], order[j] = order[j], order[i]
	}
}

// oneHotEncode converts integer labels to one-hot encoding
func oneHotEncode(labels []int, numClasses int) *tensor {
	out := newTensor(len(labels), numClasses)
	for i, label := range labels {
		out.data[i*numClasses+label] = 1.0
	}
	return out
}

// errorf creates a formatted error
func errorf(format string, args ...interface{}) error {
	return fmt.Errorf("flow: "+format, args...)
}

// max returns the maximum of two ints
func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// formatFloat renders a metric value for log lines
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}
