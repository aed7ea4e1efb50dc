package flow

import (
	"fmt"
	"math"
	"strings"
)

// =============================================================================
// FLOW ERROR TYPES
// Concise, informative error messages with location and context
// =============================================================================

// TensorInfo captures tensor state for error reporting
type TensorInfo struct {
	Shape      []int
	Size       int
	NaNCount   int
	InfCount   int
	MinValue   float64
	MaxValue   float64
	BadIndices []int // First 10 corrupted indices
}

// Format returns a compact string representation
func (t *TensorInfo) Format() string {
	s := fmt.Sprintf("%v size=%d", t.Shape, t.Size)
	if t.NaNCount > 0 || t.InfCount > 0 {
		s += fmt.Sprintf(" (corrupt: %d NaN, %d Inf)", t.NaNCount, t.InfCount)
	} else {
		s += fmt.Sprintf(" range=[%.4f, %.4f]", t.MinValue, t.MaxValue)
	}
	return s
}

// FlowError is the standard error type for numerical failures during a run
type FlowError struct {
	Component  string // "Runner", "Checkpoint", ...
	ErrorType  string // "NaN detected", "shape mismatch"
	Stage      string
	Epoch      int
	Loader     string
	Batch      int
	OutputInfo *TensorInfo // nil if not relevant
	Cause      string      // human-readable cause
}

// Error implements the error interface
func (e *FlowError) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "flow: %s %s", e.Component, e.ErrorType)
	if e.Stage != "" {
		fmt.Fprintf(&b, " at %s epoch %d %s batch %d", e.Stage, e.Epoch, e.Loader, e.Batch)
	}
	b.WriteString("\n")
	if e.OutputInfo != nil {
		fmt.Fprintf(&b, "  output:   %s\n", e.OutputInfo.Format())
	}
	fmt.Fprintf(&b, "  cause:    %s", e.Cause)

	return b.String()
}

// scanTensor checks for NaN/Inf and collects stats
func scanTensor(t *tensor) *TensorInfo {
	info := &TensorInfo{
		Shape:      t.shape,
		Size:       len(t.data),
		MinValue:   math.Inf(1),
		MaxValue:   math.Inf(-1),
		BadIndices: make([]int, 0, 10),
	}

	for i, v := range t.data {
		switch {
		case math.IsNaN(v):
			info.NaNCount++
		case math.IsInf(v, 0):
			info.InfCount++
		default:
			info.MinValue = math.Min(info.MinValue, v)
			info.MaxValue = math.Max(info.MaxValue, v)
			continue
		}
		if len(info.BadIndices) < 10 {
			info.BadIndices = append(info.BadIndices, i)
		}
	}

	// Empty or all-corrupt tensors
	if math.IsInf(info.MinValue, 1) {
		info.MinValue = 0
	}
	if math.IsInf(info.MaxValue, -1) {
		info.MaxValue = 0
	}
	return info
}

// validateOutput returns a *FlowError when a batch output holds NaN or Inf.
func validateOutput(t *tensor, s *State) error {
	info := scanTensor(t)
	if info.NaNCount == 0 && info.InfCount == 0 {
		return nil
	}
	e := &FlowError{
		Component:  "Runner",
		Stage:      s.Stage,
		Epoch:      s.Epoch,
		Loader:     s.LoaderName,
		Batch:      s.Batch,
		OutputInfo: info,
	}
	if info.NaNCount > 0 {
		e.ErrorType = "NaN detected"
		e.Cause = fmt.Sprintf("%d NaN values at indices %v - lower the learning rate or enable gradient clipping", info.NaNCount, info.BadIndices)
	} else {
		e.ErrorType = "Inf detected"
		e.Cause = fmt.Sprintf("%d Inf values at indices %v - likely overflow", info.InfCount, info.BadIndices)
	}
	return e
}
