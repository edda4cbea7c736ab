// Package config loads and validates the declarative experiment
// configuration: which model to train, on which dataset, with which
// optimizer settings, and when to checkpoint and measure.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Experiment is the full configuration document. It is loaded once at
// process start and never mutated afterwards.
type Experiment struct {
	Model        ModelConfig        `yaml:"Model"`
	Data         DataConfig         `yaml:"Data"`
	Optimizer    OptimizerConfig    `yaml:"Optimizer"`
	Logging      LoggingConfig      `yaml:"Logging"`
	Measurements MeasurementsConfig `yaml:"Measurements"`
}

// ModelConfig selects the architecture and the layers to tap.
type ModelConfig struct {
	ModelName       string   `yaml:"model-name"`
	EmbeddingLayers []string `yaml:"embedding-layers"`
}

// DataConfig selects the dataset and batch handling.
type DataConfig struct {
	DatasetID      string `yaml:"dataset-id"`
	BatchSize      int    `yaml:"batch-size"`
	DoAugmentation bool   `yaml:"do-augmentation"`
}

// OptimizerConfig holds the SGD hyperparameters and epoch budget.
type OptimizerConfig struct {
	Loss         string  `yaml:"loss"`
	WeightDecay  float64 `yaml:"weight-decay"`
	LR           float64 `yaml:"lr"`
	LRDecay      float64 `yaml:"lr-decay"`
	LRDecaySteps int     `yaml:"lr-decay-steps"`
	Momentum     float64 `yaml:"momentum"`
	Epochs       int     `yaml:"epochs"`
}

// LoggingConfig controls where artifacts go and which epochs produce
// them. LogEpochs takes precedence over LogInterval when both are set;
// CheckpointEpochs, when present, decouples checkpointing from
// measurement.
type LoggingConfig struct {
	SaveDir          string `yaml:"save-dir"`
	LogEpochs        []int  `yaml:"log-epochs"`
	LogInterval      int    `yaml:"log-interval"`
	CheckpointEpochs []int  `yaml:"checkpoint-epochs"`
}

// MeasurementsConfig selects the measure set ("fast" or "full").
type MeasurementsConfig struct {
	Measures string `yaml:"measures"`
}

// Load reads and validates an experiment configuration file. Any
// problem found here is fatal before training starts.
func Load(path string) (*Experiment, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %v", path, err)
	}
	var exp Experiment
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(&exp); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %v", path, err)
	}
	if err := exp.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &exp, nil
}

// Validate checks every field the harness depends on. Layer name
// resolution is deliberately not checked here; that happens when the
// embedding registry is built against the instantiated model.
func (e *Experiment) Validate() error {
	if e.Model.ModelName == "" {
		return fmt.Errorf("Model.model-name is required")
	}
	if len(e.Model.EmbeddingLayers) == 0 {
		return fmt.Errorf("Model.embedding-layers must list at least one layer")
	}
	seen := make(map[string]bool)
	for _, name := range e.Model.EmbeddingLayers {
		if name == "" {
			return fmt.Errorf("Model.embedding-layers contains an empty name")
		}
		if seen[name] {
			return fmt.Errorf("Model.embedding-layers contains duplicate %q", name)
		}
		seen[name] = true
	}

	if e.Data.DatasetID == "" {
		return fmt.Errorf("Data.dataset-id is required")
	}
	if e.Data.BatchSize <= 0 {
		return fmt.Errorf("Data.batch-size must be positive, got %d", e.Data.BatchSize)
	}

	switch strings.ToLower(e.Optimizer.Loss) {
	case "mseloss", "crossentropy":
	case "":
		return fmt.Errorf("Optimizer.loss is required")
	default:
		return fmt.Errorf("unsupported Optimizer.loss %q (known: mseloss, crossentropy)", e.Optimizer.Loss)
	}
	if e.Optimizer.LR <= 0 {
		return fmt.Errorf("Optimizer.lr must be positive, got %g", e.Optimizer.LR)
	}
	if e.Optimizer.LRDecay < 0 || e.Optimizer.LRDecay > 1 {
		return fmt.Errorf("Optimizer.lr-decay must be in [0,1], got %g", e.Optimizer.LRDecay)
	}
	if e.Optimizer.LRDecaySteps < 0 {
		return fmt.Errorf("Optimizer.lr-decay-steps must be non-negative, got %d", e.Optimizer.LRDecaySteps)
	}
	if e.Optimizer.Momentum < 0 || e.Optimizer.Momentum > 1 {
		return fmt.Errorf("Optimizer.momentum must be in [0,1], got %g", e.Optimizer.Momentum)
	}
	if e.Optimizer.WeightDecay < 0 {
		return fmt.Errorf("Optimizer.weight-decay must be non-negative, got %g", e.Optimizer.WeightDecay)
	}
	if e.Optimizer.Epochs <= 0 {
		return fmt.Errorf("Optimizer.epochs must be positive, got %d", e.Optimizer.Epochs)
	}

	if e.Logging.SaveDir == "" {
		return fmt.Errorf("Logging.save-dir is required")
	}
	for _, epoch := range e.Logging.LogEpochs {
		if epoch < 0 {
			return fmt.Errorf("Logging.log-epochs contains negative epoch %d", epoch)
		}
	}
	for _, epoch := range e.Logging.CheckpointEpochs {
		if epoch < 0 {
			return fmt.Errorf("Logging.checkpoint-epochs contains negative epoch %d", epoch)
		}
	}
	if e.Logging.LogInterval < 0 {
		return fmt.Errorf("Logging.log-interval must be non-negative, got %d", e.Logging.LogInterval)
	}
	e.Logging.LogEpochs = dedupeSorted(e.Logging.LogEpochs)
	e.Logging.CheckpointEpochs = dedupeSorted(e.Logging.CheckpointEpochs)

	switch strings.ToLower(e.Measurements.Measures) {
	case "fast", "full":
	case "":
		return fmt.Errorf("Measurements.measures is required")
	default:
		return fmt.Errorf("unsupported Measurements.measures %q (known: fast, full)", e.Measurements.Measures)
	}

	return nil
}

func dedupeSorted(epochs []int) []int {
	if len(epochs) == 0 {
		return epochs
	}
	sorted := append([]int(nil), epochs...)
	sort.Ints(sorted)
	out := sorted[:1]
	for _, e := range sorted[1:] {
		if e != out[len(out)-1] {
			out = append(out, e)
		}
	}
	return out
}
