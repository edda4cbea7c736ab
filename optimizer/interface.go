// Package optimizer implements the parameter update rules. State is
// held CPU-side and can be extracted for checkpointing and restored on
// resume.
package optimizer

import (
	"fmt"

	"github.com/tsawler/go-collapse/tensor"
)

// Optimizer defines the common interface for all optimizers.
type Optimizer interface {
	// Step applies one update. gradients must align one-to-one with
	// the parameter tensors the optimizer was created for.
	Step(params, gradients []*tensor.Tensor) error

	// GetState extracts optimizer state for checkpointing
	GetState() (*State, error)

	// LoadState restores optimizer state from a checkpoint
	LoadState(state *State) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float64)

	// GetLearningRate returns the current learning rate
	GetLearningRate() float64
}

// State represents the complete serializable state of an optimizer.
type State struct {
	Type       string                 `json:"type"` // "SGD", etc.
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []StateTensor          `json:"state_data"`
}

// StateTensor is one optimizer state buffer (momentum, variance, ...).
type StateTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"`
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *State) error {
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
