package flow

import "math"

// Loss computes loss and gradients
type Loss interface {
	compute(pred, target *tensor) float64
	gradient(pred, target *tensor, gradOut *tensor)
	name() string
}

// CrossEntropyLoss - softmax cross-entropy over raw logits with one-hot targets
type CrossEntropyLoss struct {
	LabelSmoothing float64
}

type CrossEntropyConfig struct {
	LabelSmoothing float64
}

func CrossEntropy(config CrossEntropyConfig) Loss {
	return &CrossEntropyLoss{LabelSmoothing: config.LabelSmoothing}
}

func (c *CrossEntropyLoss) smooth(t float64, nClasses int) float64 {
	if c.LabelSmoothing > 0 {
		return t*(1-c.LabelSmoothing) + c.LabelSmoothing/float64(nClasses)
	}
	return t
}

func (c *CrossEntropyLoss) compute(pred, target *tensor) float64 {
	nClasses := pred.shape[len(pred.shape)-1]
	nSamples := len(pred.data) / nClasses

	sum := 0.0
	for i := 0; i < nSamples; i++ {
		row := pred.data[i*nClasses : (i+1)*nClasses]
		lse := logSumExp(row)
		for j, logit := range row {
			t := c.smooth(target.data[i*nClasses+j], nClasses)
			if t != 0 {
				sum -= t * (logit - lse)
			}
		}
	}
	return sum / float64(nSamples)
}

func (c *CrossEntropyLoss) gradient(pred, target *tensor, gradOut *tensor) {
	nClasses := pred.shape[len(pred.shape)-1]
	nSamples := len(pred.data) / nClasses
	scale := 1.0 / float64(nSamples)

	probs := make([]float64, nClasses)
	for i := 0; i < nSamples; i++ {
		softmax(pred.data[i*nClasses:(i+1)*nClasses], probs)
		for j, p := range probs {
			idx := i*nClasses + j
			gradOut.data[idx] = scale * (p - c.smooth(target.data[idx], nClasses))
		}
	}
}

func (c *CrossEntropyLoss) name() string { return "cross_entropy" }

func logSumExp(row []float64) float64 {
	maxV := math.Inf(-1)
	for _, v := range row {
		if v > maxV {
			maxV = v
		}
	}
	sum := 0.0
	for _, v := range row {
		sum += math.Exp(v - maxV)
	}
	return maxV + math.Log(sum)
}

func softmax(row, out []float64) {
	lse := logSumExp(row)
	for i, v := range row {
		out[i] = math.Exp(v - lse)
	}
}
