package flow

import (
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Checkpoint is a snapshot of network weights with the run position and
// metrics it was taken at. Trainability flags are not part of a checkpoint.
type Checkpoint struct {
	RunID     string
	Version   string
	Stage     string
	Epoch     int
	Metrics   map[string]float64 // "loader/metric"
	Weights   []WeightTensor
	CreatedAt time.Time
}

// WeightTensor is one named parameter
type WeightTensor struct {
	Name  string // "layer.param"
	Shape []int
	Data  []float64
}

// Wire field numbers.
const (
	ckptRunID     protowire.Number = 1
	ckptStage     protowire.Number = 2
	ckptEpoch     protowire.Number = 3
	ckptMetric    protowire.Number = 4
	ckptWeight    protowire.Number = 5
	ckptCreatedAt protowire.Number = 6
	ckptVersion   protowire.Number = 7

	metricName  protowire.Number = 1
	metricValue protowire.Number = 2

	weightName  protowire.Number = 1
	weightShape protowire.Number = 2
	weightData  protowire.Number = 3
)

// NewCheckpoint copies the current weights of model.
func NewCheckpoint(model *Network, runID, stage string, epoch int, metrics map[string]float64) *Checkpoint {
	c := &Checkpoint{
		RunID:     runID,
		Version:   Version,
		Stage:     stage,
		Epoch:     epoch,
		Metrics:   make(map[string]float64, len(metrics)),
		CreatedAt: time.Now(),
	}
	for k, v := range metrics {
		c.Metrics[k] = v
	}
	for _, p := range model.Params() {
		c.Weights = append(c.Weights, WeightTensor{Name: p.Name(), Shape: p.Shape(), Data: p.Values()})
	}
	return c
}

// Restore copies the checkpoint weights into model. Every model parameter
// must be present with the same shape. Trainability is left as is.
func (c *Checkpoint) Restore(model *Network) error {
	byName := make(map[string]*WeightTensor, len(c.Weights))
	for i := range c.Weights {
		byName[c.Weights[i].Name] = &c.Weights[i]
	}
	params := model.Params()
	if len(params) != len(c.Weights) {
		return errorf("checkpoint has %d weights, model has %d parameters", len(c.Weights), len(params))
	}
	for _, p := range params {
		w, ok := byName[p.Name()]
		if !ok {
			return errorf("checkpoint has no weights for %s", p.Name())
		}
		if err := validateShape(p.value.shape, w.Shape); err != nil {
			return errorf("checkpoint %s: shape %v, model expects %v", p.Name(), w.Shape, p.value.shape)
		}
		if len(w.Data) != p.Size() {
			return errorf("checkpoint %s: %d values for shape %v", p.Name(), len(w.Data), w.Shape)
		}
	}
	for _, p := range params {
		copy(p.value.data, byName[p.Name()].Data)
	}
	return nil
}

// MarshalBinary encodes the checkpoint in protobuf wire format.
func (c *Checkpoint) MarshalBinary() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, ckptRunID, protowire.BytesType)
	b = protowire.AppendString(b, c.RunID)
	b = protowire.AppendTag(b, ckptVersion, protowire.BytesType)
	b = protowire.AppendString(b, c.Version)
	b = protowire.AppendTag(b, ckptStage, protowire.BytesType)
	b = protowire.AppendString(b, c.Stage)
	b = protowire.AppendTag(b, ckptEpoch, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.Epoch))
	b = protowire.AppendTag(b, ckptCreatedAt, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.CreatedAt.UnixNano()))

	keys := make([]string, 0, len(c.Metrics))
	for k := range c.Metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var m []byte
		m = protowire.AppendTag(m, metricName, protowire.BytesType)
		m = protowire.AppendString(m, k)
		m = protowire.AppendTag(m, metricValue, protowire.Fixed64Type)
		m = protowire.AppendFixed64(m, math.Float64bits(c.Metrics[k]))
		b = protowire.AppendTag(b, ckptMetric, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}

	for _, w := range c.Weights {
		var shape, data, msg []byte
		for _, d := range w.Shape {
			shape = protowire.AppendVarint(shape, uint64(d))
		}
		for _, v := range w.Data {
			data = protowire.AppendFixed64(data, math.Float64bits(v))
		}
		msg = protowire.AppendTag(msg, weightName, protowire.BytesType)
		msg = protowire.AppendString(msg, w.Name)
		msg = protowire.AppendTag(msg, weightShape, protowire.BytesType)
		msg = protowire.AppendBytes(msg, shape)
		msg = protowire.AppendTag(msg, weightData, protowire.BytesType)
		msg = protowire.AppendBytes(msg, data)
		b = protowire.AppendTag(b, ckptWeight, protowire.BytesType)
		b = protowire.AppendBytes(b, msg)
	}
	return b, nil
}

// UnmarshalBinary decodes a checkpoint written by MarshalBinary. Unknown
// fields are skipped.
func (c *Checkpoint) UnmarshalBinary(b []byte) error {
	*c = Checkpoint{Metrics: make(map[string]float64)}
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == ckptRunID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			c.RunID = v
			return n, nil
		case num == ckptVersion && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			c.Version = v
			return n, nil
		case num == ckptStage && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			c.Stage = v
			return n, nil
		case num == ckptEpoch && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			c.Epoch = int(v)
			return n, nil
		case num == ckptCreatedAt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			c.CreatedAt = time.Unix(0, int64(v))
			return n, nil
		case num == ckptMetric && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			name, value, err := decodeMetric(v)
			if err != nil {
				return 0, err
			}
			c.Metrics[name] = value
			return n, nil
		case num == ckptWeight && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			w, err := decodeWeight(v)
			if err != nil {
				return 0, err
			}
			c.Weights = append(c.Weights, w)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

// walkFields iterates over the top-level fields of a message. visit returns
// the number of value bytes it consumed, negative on a wire error.
func walkFields(b []byte, visit func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "flow: checkpoint tag")
		}
		b = b[n:]
		n, err := visit(num, typ, b)
		if err != nil {
			return err
		}
		if n < 0 {
			return errors.Wrapf(protowire.ParseError(n), "flow: checkpoint field %d", num)
		}
		b = b[n:]
	}
	return nil
}

func decodeMetric(b []byte) (string, float64, error) {
	var name string
	var value float64
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == metricName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			name = v
			return n, nil
		case num == metricValue && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			value = math.Float64frombits(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return name, value, err
}

func decodeWeight(b []byte) (WeightTensor, error) {
	var w WeightTensor
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == weightName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			w.Name = v
			return n, nil
		case num == weightShape && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			for len(v) > 0 {
				d, m := protowire.ConsumeVarint(v)
				if m < 0 {
					return m, nil
				}
				w.Shape = append(w.Shape, int(d))
				v = v[m:]
			}
			return n, nil
		case num == weightData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if len(v)%8 != 0 {
				return 0, errorf("checkpoint weight %q: %d data bytes is not a multiple of 8", w.Name, len(v))
			}
			w.Data = make([]float64, 0, len(v)/8)
			for len(v) > 0 {
				bits, m := protowire.ConsumeFixed64(v)
				if m < 0 {
					return m, nil
				}
				w.Data = append(w.Data, math.Float64frombits(bits))
				v = v[m:]
			}
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return w, err
}

// SaveCheckpoint writes c to path, replacing any existing file atomically.
func SaveCheckpoint(path string, c *Checkpoint) error {
	data, err := c.MarshalBinary()
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

// LoadCheckpoint reads a checkpoint file.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "flow: read checkpoint")
	}
	c := &Checkpoint{}
	if err := c.UnmarshalBinary(data); err != nil {
		return nil, errors.Wrapf(err, "flow: decode checkpoint %s", path)
	}
	return c, nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "flow: create checkpoint dir")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "flow: write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "flow: rename %s", tmp)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
