package flow

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Config is a complete run description, usually loaded from JSON
type Config struct {
	ModelParams ModelParams `json:"model_params"`
	Args        Args        `json:"args"`
	DataParams  DataParams  `json:"data_params"`
	Stages      []StageSpec `json:"stages"`
}

// ModelParams selects a network from a model registry
type ModelParams struct {
	Model string `json:"model"`
	Seed  int64  `json:"seed"`
}

// Args are run-wide arguments, typically overridable from the command line
type Args struct {
	Epochs    int    `json:"epochs"`
	Resume    string `json:"resume,omitempty"`      // checkpoint path to load on stage init
	SaveNBest *int   `json:"save_n_best,omitempty"` // nil means unset
	LogDir    string `json:"logdir"`
	BatchSize int    `json:"batch_size"`
	Seed      int64  `json:"seed"`
	Workers   int    `json:"workers"`
}

// DataParams locate the dataset
type DataParams struct {
	DataDir    string `json:"data_dir"`
	MaxSamples int    `json:"max_samples"` // 0 means all
}

// StageSpec describes one named training stage
type StageSpec struct {
	Name            string             `json:"name"`
	Epochs          int                `json:"epochs"` // 0 means Args.Epochs
	Optimizer       OptimizerParams    `json:"optimizer"`
	Regularizer     RegularizerParams  `json:"regularizer"`
	GradientClip    GradientClipConfig `json:"gradient_clip"`
	CallbacksParams CallbacksParams    `json:"callbacks_params"`
}

// OptimizerParams selects and parameterizes an optimizer
type OptimizerParams struct {
	Name        string  `json:"name"` // "sgd", "adam", "adamw", "rmsprop"
	LR          float64 `json:"lr"`
	Momentum    float64 `json:"momentum"`
	WeightDecay float64 `json:"weight_decay"`
	Nesterov    bool    `json:"nesterov"`
	Beta1       float64 `json:"beta1"`
	Beta2       float64 `json:"beta2"`
	Epsilon     float64 `json:"epsilon"`
	Alpha       float64 `json:"alpha"`
	AMSGrad     bool    `json:"amsgrad"`
}

// RegularizerParams selects a weight penalty
type RegularizerParams struct {
	Name   string  `json:"name"` // "", "none", "l1", "l2"
	Lambda float64 `json:"lambda"`
}

// GradientClipConfig for gradient clipping
type GradientClipConfig struct {
	Mode     string  `json:"mode"` // "norm", "value", or "none"/""
	MaxNorm  float64 `json:"max_norm"`
	MaxValue float64 `json:"max_value"`
}

// CallbacksParams are the optional per-stage callback settings. Absent fields
// are defaulted by whoever assembles the callbacks.
type CallbacksParams struct {
	PrecisionArgs  []int  `json:"precision_args,omitempty"`
	ResetStep      bool   `json:"reset_step,omitempty"`
	MainMetric     string `json:"main_metric,omitempty"`
	MinimizeMetric *bool  `json:"minimize_metric,omitempty"`
}

// NetworkConfig for network construction
type NetworkConfig struct {
	Seed    int64
	Verbose bool
}

// LoadConfig reads a JSON run config and validates it.
func LoadConfig(path string) (Config, error) {
	var c Config
	f, err := os.Open(path)
	if err != nil {
		return c, errors.Wrap(err, "flow: open config")
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return c, errors.Wrapf(err, "flow: decode config %s", path)
	}
	return c, ValidateConfig(c)
}

// StageArgs returns Args with the stage's epoch count applied.
func (c Config) StageArgs(stage StageSpec) Args {
	args := c.Args
	if stage.Epochs > 0 {
		args.Epochs = stage.Epochs
	}
	return args
}

// ValidateConfig checks all required fields are set
func ValidateConfig(c Config) error {
	if c.ModelParams.Model == "" {
		return errorf("model_params.model is required")
	}
	if c.Args.BatchSize <= 0 {
		return errorf("args.batch_size must be > 0, got %d", c.Args.BatchSize)
	}
	if c.Args.SaveNBest != nil && *c.Args.SaveNBest < 1 {
		return errorf("args.save_n_best must be >= 1, got %d", *c.Args.SaveNBest)
	}
	if len(c.Stages) == 0 {
		return errorf("at least one stage is required")
	}
	seen := make(map[string]bool)
	for i, s := range c.Stages {
		if s.Name == "" {
			return errorf("stages[%d].name is required", i)
		}
		if seen[s.Name] {
			return errorf("duplicate stage name %q", s.Name)
		}
		seen[s.Name] = true
		if err := ValidateStage(s, c.StageArgs(s)); err != nil {
			return err
		}
	}
	return nil
}

// ValidateStage checks a single stage against the effective args
func ValidateStage(s StageSpec, args Args) error {
	if args.Epochs <= 0 {
		return errorf("stage %q: epochs must be > 0, got %d", s.Name, args.Epochs)
	}
	if s.Optimizer.Name == "" {
		return errorf("stage %q: optimizer.name is required", s.Name)
	}
	if s.Optimizer.LR <= 0 {
		return errorf("stage %q: optimizer.lr must be > 0, got %g", s.Name, s.Optimizer.LR)
	}
	switch s.GradientClip.Mode {
	case "", "none":
	case "norm":
		if s.GradientClip.MaxNorm <= 0 {
			return errorf("stage %q: gradient_clip.max_norm must be > 0", s.Name)
		}
	case "value":
		if s.GradientClip.MaxValue <= 0 {
			return errorf("stage %q: gradient_clip.max_value must be > 0", s.Name)
		}
	default:
		return errorf("stage %q: gradient_clip.mode must be 'norm', 'value' or 'none', got %q", s.Name, s.GradientClip.Mode)
	}
	for _, k := range s.CallbacksParams.PrecisionArgs {
		if k < 1 {
			return errorf("stage %q: precision_args must be >= 1, got %d", s.Name, k)
		}
	}
	return nil
}
