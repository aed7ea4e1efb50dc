package flow

// oneCycleSchedule is the per-iteration one-cycle policy: the learning rate
// climbs linearly from base/div to base over the first total/cutDiv
// iterations and falls back to base/div over the rest, while momentum moves
// the opposite way between momentumRange[0] and momentumRange[1]. The cycle
// restarts after total iterations.
type oneCycleSchedule struct {
	div           float64
	cutDiv        int
	momentumRange [2]float64
	total         int
	iter          int
}

func (o *oneCycleSchedule) reset(total int) {
	if total < 1 {
		total = 1
	}
	o.total = total
	o.iter = 0
}

func (o *oneCycleSchedule) cut() int {
	c := o.total / o.cutDiv
	if c < 1 {
		c = 1
	}
	return c
}

// nextLR returns the learning rate for the current iteration and advances it.
func (o *oneCycleSchedule) nextLR(base float64) float64 {
	cut := o.cut()
	var percent float64
	if o.iter > cut {
		percent = 1 - float64(o.iter-cut)/float64(o.total-cut)
	} else {
		percent = float64(o.iter) / float64(cut)
	}
	lr := base * (1 + percent*(o.div-1)) / o.div

	o.iter++
	if o.iter >= o.total {
		o.iter = 0
	}
	return lr
}

// momentum is evaluated at the already advanced iteration.
func (o *oneCycleSchedule) momentum() float64 {
	cut := o.cut()
	var percent float64
	if o.iter > cut {
		percent = float64(o.iter-cut) / float64(o.total-cut)
	} else {
		percent = 1 - float64(o.iter)/float64(cut)
	}
	lo, hi := o.momentumRange[1], o.momentumRange[0]
	return lo + percent*(hi-lo)
}
