// Package checkpoints persists model state as epoch-keyed JSON records.
// Records are write-once per epoch key: a write lands in a temporary
// file and is renamed into place, so an aborted run never leaves a
// corrupt half-written record.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/tsawler/go-collapse/layers"
	"github.com/tsawler/go-collapse/optimizer"
	"github.com/tsawler/go-collapse/tensor"
)

// Checkpoint represents a complete model state including weights,
// optimizer state, and training metadata.
type Checkpoint struct {
	ModelSpec *layers.ModelSpec `json:"model_spec"`
	Weights   []WeightTensor    `json:"weights"`

	TrainingState TrainingState `json:"training_state"`

	OptimizerState *optimizer.State `json:"optimizer_state,omitempty"`

	Metadata Metadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight", "bias", "gamma", "beta"
}

// TrainingState captures the training progress at checkpoint time
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         uint64  `json:"step"`
	LearningRate float64 `json:"learning_rate"`
	TrainAcc     float64 `json:"train_acc"`
}

// Metadata identifies the run a checkpoint belongs to
type Metadata struct {
	Version   string    `json:"version"`
	Framework string    `json:"framework"`
	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`
}

// NewMetadata stamps checkpoint metadata for a run.
func NewMetadata(runID string) Metadata {
	if runID == "" {
		runID = uuid.NewString()
	}
	return Metadata{
		Version:   "1.0.0",
		Framework: "go-collapse",
		RunID:     runID,
		CreatedAt: time.Now().UTC(),
	}
}

// Saver writes and reads epoch-keyed checkpoint records in a directory.
type Saver struct {
	dir string
}

// NewSaver creates a saver rooted at dir, creating it if needed.
func NewSaver(dir string) (*Saver, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory %s: %v", dir, err)
	}
	return &Saver{dir: dir}, nil
}

// Path returns the record path for an epoch.
func (s *Saver) Path(epoch int) string {
	return filepath.Join(s.dir, fmt.Sprintf("epoch_%04d.json", epoch))
}

// Save writes the checkpoint for its epoch atomically.
func (s *Saver) Save(checkpoint *Checkpoint) error {
	path := s.Path(checkpoint.TrainingState.Epoch)
	tmp, err := os.CreateTemp(s.dir, "checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint temp file: %v", err)
	}
	defer os.Remove(tmp.Name())

	encoder := json.NewEncoder(tmp)
	if err := encoder.Encode(checkpoint); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode checkpoint: %v", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to flush checkpoint: %v", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to finalize checkpoint %s: %v", path, err)
	}
	return nil
}

// Load reads the checkpoint record for an epoch.
func (s *Saver) Load(epoch int) (*Checkpoint, error) {
	return loadFile(s.Path(epoch))
}

// Epochs lists all epochs with a saved record, ascending.
func (s *Saver) Epochs() ([]int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoint directory: %v", err)
	}
	var epochs []int
	for _, entry := range entries {
		var epoch int
		if n, err := fmt.Sscanf(entry.Name(), "epoch_%d.json", &epoch); n == 1 && err == nil {
			epochs = append(epochs, epoch)
		}
	}
	sort.Ints(epochs)
	return epochs, nil
}

// LoadLatest returns the record with the highest epoch, or nil when no
// records exist.
func (s *Saver) LoadLatest() (*Checkpoint, error) {
	epochs, err := s.Epochs()
	if err != nil {
		return nil, err
	}
	if len(epochs) == 0 {
		return nil, nil
	}
	return s.Load(epochs[len(epochs)-1])
}

func loadFile(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %v", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
	}
	return &checkpoint, nil
}

// ExtractWeights maps parameter tensors to named weight records using
// the layer spec's parameter layout.
func ExtractWeights(modelSpec *layers.ModelSpec, params []*tensor.Tensor) ([]WeightTensor, error) {
	var weights []WeightTensor
	paramIndex := 0

	take := func(layerName, suffix, kind string) error {
		if paramIndex >= len(params) {
			return fmt.Errorf("insufficient tensors for layer %s", layerName)
		}
		p := params[paramIndex]
		weights = append(weights, WeightTensor{
			Name:  fmt.Sprintf("%s.%s", layerName, suffix),
			Shape: append([]int(nil), p.Shape...),
			Data:  append([]float32(nil), p.Data...),
			Layer: layerName,
			Type:  kind,
		})
		paramIndex++
		return nil
	}

	for _, layerSpec := range modelSpec.Layers {
		switch layerSpec.Type {
		case layers.Dense, layers.Conv2D:
			if err := take(layerSpec.Name, "weight", "weight"); err != nil {
				return nil, err
			}
			if useBias, _ := layerSpec.BoolParam("use_bias"); useBias {
				if err := take(layerSpec.Name, "bias", "bias"); err != nil {
					return nil, err
				}
			}
		case layers.BatchNorm:
			if affine, _ := layerSpec.BoolParam("affine"); affine {
				if err := take(layerSpec.Name, "weight", "gamma"); err != nil {
					return nil, err
				}
				if err := take(layerSpec.Name, "bias", "beta"); err != nil {
					return nil, err
				}
			}
		default:
			// No learnable parameters
		}
	}

	if paramIndex != len(params) {
		return nil, fmt.Errorf("parameter count mismatch: consumed %d of %d tensors", paramIndex, len(params))
	}
	return weights, nil
}

// RestoreWeights converts weight records back into parameter tensors in
// extraction order.
func RestoreWeights(weights []WeightTensor) ([]*tensor.Tensor, error) {
	params := make([]*tensor.Tensor, len(weights))
	for i, w := range weights {
		t, err := tensor.NewFromData(append([]float32(nil), w.Data...), w.Shape...)
		if err != nil {
			return nil, fmt.Errorf("malformed weight %s: %v", w.Name, err)
		}
		params[i] = t
	}
	return params, nil
}
