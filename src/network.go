package flow

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
)

// Network is the main neural network container
type Network struct {
	layers     []Layer
	names      []string
	rng        *rand.Rand
	inputShape []int
	built      bool
	verbose    bool
}

// NetworkBuilder for fluent API
type NetworkBuilder struct {
	network *Network
	err     error
}

// NewNetwork creates a new network builder
func NewNetwork(config NetworkConfig) *NetworkBuilder {
	return &NetworkBuilder{
		network: &Network{
			layers:  make([]Layer, 0),
			rng:     rand.New(rand.NewSource(config.Seed)),
			verbose: config.Verbose,
		},
	}
}

// AddLayer adds a layer to the network
func (n *NetworkBuilder) AddLayer(layer Layer) *NetworkBuilder {
	if n.err != nil {
		return n
	}
	if layer == nil {
		n.err = errors.New("flow: AddLayer called with nil layer")
		return n
	}
	n.network.layers = append(n.network.layers, layer)
	return n
}

// Build finalizes the network structure. inputShape is the per-sample shape.
// Layers without an explicit name are called "<kind>_<index>". Several layers
// may share a name; they are then addressed together.
func (n *NetworkBuilder) Build(inputShape []int) (*Network, error) {
	if n.err != nil {
		return nil, n.err
	}
	if len(n.network.layers) == 0 {
		return nil, errors.New("flow: network must have at least one layer")
	}
	if len(inputShape) == 0 {
		return nil, errors.New("flow: inputShape must be specified")
	}

	net := n.network
	net.inputShape = append([]int(nil), inputShape...)
	net.names = make([]string, len(net.layers))

	currentShape := net.inputShape
	for i, layer := range net.layers {
		net.names[i] = layer.label()
		if net.names[i] == "" {
			net.names[i] = fmt.Sprintf("%s_%d", layer.name(), i)
		}
		if err := layer.build(currentShape, net.rng); err != nil {
			return nil, errorf("layer %d (%s): %v", i, net.names[i], err)
		}
		if outShape := layer.outputShape(); outShape != nil {
			currentShape = outShape
		}
		if net.verbose {
			logDebugf("built layer %d %-8s %-14s -> %v", i, net.names[i], layer.name(), currentShape)
		}
	}

	net.built = true
	return net, nil
}

// InputShape returns the per-sample input shape the network was built for.
func (n *Network) InputShape() []int {
	return append([]int(nil), n.inputShape...)
}

// LayerNames returns layer names in execution order.
func (n *Network) LayerNames() []string {
	return append([]string(nil), n.names...)
}

// forward runs every layer on a batch tensor of shape [batch, inputShape...].
func (n *Network) forward(x *tensor, training bool) (*tensor, error) {
	if !n.built {
		return nil, errors.New("flow: network must be built before use")
	}
	if len(x.shape) != len(n.inputShape)+1 || validateShape(n.inputShape, x.shape[1:]) != nil {
		return nil, errorf("input shape %v does not match [batch %v]", x.shape, n.inputShape)
	}
	out := x
	var err error
	for i, layer := range n.layers {
		out, err = layer.forward(out, training)
		if err != nil {
			return nil, errorf("layer %d (%s) forward: %v", i, n.names[i], err)
		}
	}
	return out, nil
}

// backward propagates the loss gradient through every layer, filling the
// per-layer gradient tensors.
func (n *Network) backward(grad *tensor) error {
	var err error
	for i := len(n.layers) - 1; i >= 0; i-- {
		grad, err = n.layers[i].backward(grad)
		if err != nil {
			return errorf("layer %d (%s) backward: %v", i, n.names[i], err)
		}
	}
	return nil
}

// Forward runs inference on flattened samples and returns one output row per sample.
func (n *Network) Forward(inputs [][]float64) ([][]float64, error) {
	if len(inputs) == 0 {
		return nil, errors.New("flow: no inputs provided")
	}
	x, err := tensorFromRows(inputs, n.inputShape)
	if err != nil {
		return nil, err
	}
	out, err := n.forward(x, false)
	if err != nil {
		return nil, err
	}
	return out.rows(), nil
}

// paramsAndGrads returns every parameter and its gradient buffer, frozen or not.
func (n *Network) paramsAndGrads() ([]*tensor, []*tensor) {
	var params, grads []*tensor
	for _, layer := range n.layers {
		params = append(params, layer.parameters()...)
		grads = append(grads, layer.gradients()...)
	}
	return params, grads
}

// Summary prints network architecture
func (n *Network) Summary() string {
	var b strings.Builder
	b.WriteString("Network Summary\n")
	b.WriteString("====================\n")

	totalParams := 0
	for i, layer := range n.layers {
		layerParams := 0
		for _, p := range layer.parameters() {
			layerParams += p.size()
		}
		totalParams += layerParams
		fmt.Fprintf(&b, "Layer %d: %-8s %-14s %v - %d params\n", i+1, n.names[i], layer.name(), layer.outputShape(), layerParams)
	}
	b.WriteString("====================\n")
	fmt.Fprintf(&b, "Total parameters: %d\n", totalParams)

	return b.String()
}
