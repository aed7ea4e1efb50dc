package flow

import (
	"fmt"
	"strings"
)

// =============================================================================
// PARAMETER FREEZING & FINE-TUNING SUPPORT
// Trainability is a flag on each parameter tensor. Frozen parameters still take
// part in forward and backward passes, but optimizers and regularizers skip them.
// =============================================================================

// Param is a handle to one learnable tensor of a named layer.
type Param struct {
	layer string
	name  string
	value *tensor
	grad  *tensor
}

// Name returns "<layer>.<param>", e.g. "conv1.weight".
func (p *Param) Name() string { return p.layer + "." + p.name }

// Layer returns the owning layer's name.
func (p *Param) Layer() string { return p.layer }

func (p *Param) Shape() []int { return append([]int(nil), p.value.shape...) }
func (p *Param) Size() int    { return p.value.size() }

// Trainable reports whether optimizers will update this parameter.
func (p *Param) Trainable() bool { return !p.value.frozen }

// SetTrainable sets the trainability flag.
func (p *Param) SetTrainable(trainable bool) { p.value.frozen = !trainable }

// Values returns a copy of the parameter data.
func (p *Param) Values() []float64 { return append([]float64(nil), p.value.data...) }

// LayerFreezeInfo contains information about a layer's freeze status
type LayerFreezeInfo struct {
	Index      int
	Name       string
	Kind       string
	Frozen     bool
	Parameters int
}

func (n *Network) layerParams(i int) []*Param {
	layer := n.layers[i]
	values := layer.parameters()
	grads := layer.gradients()
	names := layer.paramNames()
	params := make([]*Param, len(values))
	for j := range values {
		params[j] = &Param{layer: n.names[i], name: names[j], value: values[j], grad: grads[j]}
	}
	return params
}

// Params returns every parameter in layer order.
func (n *Network) Params() []*Param {
	var params []*Param
	for i := range n.layers {
		params = append(params, n.layerParams(i)...)
	}
	return params
}

// LayerParams returns the parameters of every layer called name. A layer that
// exists but owns no parameters yields an empty slice.
func (n *Network) LayerParams(name string) ([]*Param, error) {
	found := false
	params := []*Param{}
	for i := range n.layers {
		if n.names[i] == name {
			found = true
			params = append(params, n.layerParams(i)...)
		}
	}
	if !found {
		return nil, errorf("no layer found with name '%s'", name)
	}
	return params, nil
}

func (n *Network) setTrainable(trainable bool, names ...string) error {
	for _, name := range names {
		params, err := n.LayerParams(name)
		if err != nil {
			return err
		}
		for _, p := range params {
			p.SetTrainable(trainable)
		}
	}
	return nil
}

// Freeze marks every parameter of the named layers non-trainable.
func (n *Network) Freeze(names ...string) error {
	return n.setTrainable(false, names...)
}

// Unfreeze marks every parameter of the named layers trainable again.
func (n *Network) Unfreeze(names ...string) error {
	return n.setTrainable(true, names...)
}

// FreezeAll freezes all layers in the network
func (n *Network) FreezeAll() {
	for _, p := range n.Params() {
		p.SetTrainable(false)
	}
}

// UnfreezeAll unfreezes all layers in the network
func (n *Network) UnfreezeAll() {
	for _, p := range n.Params() {
		p.SetTrainable(true)
	}
}

// IsFrozen reports whether the named layers own parameters and all of them are
// frozen. Parameterless layers are never reported frozen.
func (n *Network) IsFrozen(name string) bool {
	params, err := n.LayerParams(name)
	if err != nil || len(params) == 0 {
		return false
	}
	for _, p := range params {
		if p.Trainable() {
			return false
		}
	}
	return true
}

// FrozenLayers returns the names of frozen layers in layer order, without duplicates.
func (n *Network) FrozenLayers() []string {
	var result []string
	seen := make(map[string]bool)
	for _, name := range n.names {
		if !seen[name] && n.IsFrozen(name) {
			result = append(result, name)
		}
		seen[name] = true
	}
	return result
}

// LayerInfo returns information about all layers including their freeze status
func (n *Network) LayerInfo() []LayerFreezeInfo {
	result := make([]LayerFreezeInfo, len(n.layers))
	for i, layer := range n.layers {
		paramCount := 0
		frozen := len(layer.parameters()) > 0
		for _, p := range layer.parameters() {
			paramCount += p.size()
			frozen = frozen && p.frozen
		}
		result[i] = LayerFreezeInfo{
			Index:      i,
			Name:       n.names[i],
			Kind:       layer.name(),
			Frozen:     frozen,
			Parameters: paramCount,
		}
	}
	return result
}

// TrainableParameters returns the total count of trainable (non-frozen) parameters
func (n *Network) TrainableParameters() int {
	total := 0
	for _, p := range n.Params() {
		if p.Trainable() {
			total += p.Size()
		}
	}
	return total
}

// TotalParameters returns the total count of all parameters
func (n *Network) TotalParameters() int {
	total := 0
	for _, p := range n.Params() {
		total += p.Size()
	}
	return total
}

// trainableParamsAndGrads returns only the parameters and gradients that
// optimizers and regularizers may touch.
func (n *Network) trainableParamsAndGrads() ([]*tensor, []*tensor) {
	var params, grads []*tensor
	for _, p := range n.Params() {
		if p.Trainable() {
			params = append(params, p.value)
			grads = append(grads, p.grad)
		}
	}
	return params, grads
}

// FreezeSummary returns a human-readable summary of frozen/unfrozen layers
func (n *Network) FreezeSummary() string {
	var b strings.Builder
	b.WriteString("Layer Freeze Status\n")
	b.WriteString("===================\n")

	trainableParams := 0
	frozenParams := 0
	for _, info := range n.LayerInfo() {
		status := "trainable"
		switch {
		case info.Parameters == 0:
			status = "-"
		case info.Frozen:
			status = "FROZEN"
			frozenParams += info.Parameters
		default:
			trainableParams += info.Parameters
		}
		fmt.Fprintf(&b, "Layer %d: %-8s %-14s %d params [%s]\n", info.Index, info.Name, info.Kind, info.Parameters, status)
	}

	b.WriteString("===================\n")
	fmt.Fprintf(&b, "Trainable params: %d\n", trainableParams)
	fmt.Fprintf(&b, "Frozen params:    %d\n", frozenParams)
	fmt.Fprintf(&b, "Total params:     %d\n", trainableParams+frozenParams)

	return b.String()
}
