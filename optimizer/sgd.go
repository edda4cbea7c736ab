package optimizer

import (
	"fmt"

	"github.com/tsawler/go-collapse/tensor"
)

// SGDConfig holds configuration for the SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// SGD implements stochastic gradient descent with optional momentum
// and L2 weight decay.
type SGD struct {
	config SGDConfig

	// Momentum buffers, allocated lazily on the first step when
	// momentum is enabled; aligned with the parameter list.
	momentumBuffers []*tensor.Tensor
	paramShapes     [][]int

	stepCount uint64
}

// NewSGD creates an SGD optimizer for parameters with the given shapes.
func NewSGD(config SGDConfig, paramShapes [][]int) (*SGD, error) {
	if len(paramShapes) == 0 {
		return nil, fmt.Errorf("no parameter shapes provided")
	}
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Momentum < 0 || config.Momentum > 1.0 {
		return nil, fmt.Errorf("momentum must be in [0,1]: %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}

	shapes := make([][]int, len(paramShapes))
	for i, s := range paramShapes {
		shapes[i] = append([]int(nil), s...)
	}

	return &SGD{
		config:      config,
		paramShapes: shapes,
	}, nil
}

// Step applies one SGD update:
//
//	g = grad + weightDecay * w
//	v = momentum * v + g
//	w = w - lr * v          (or w - lr*(g + momentum*v) with Nesterov)
func (s *SGD) Step(params, gradients []*tensor.Tensor) error {
	if len(params) != len(s.paramShapes) {
		return fmt.Errorf("parameter count mismatch: optimizer built for %d, got %d", len(s.paramShapes), len(params))
	}
	if len(gradients) != len(params) {
		return fmt.Errorf("gradient count %d does not match parameter count %d", len(gradients), len(params))
	}

	useMomentum := s.config.Momentum > 0
	if useMomentum && s.momentumBuffers == nil {
		s.momentumBuffers = make([]*tensor.Tensor, len(params))
		for i, shape := range s.paramShapes {
			s.momentumBuffers[i] = tensor.Zeros(shape...)
		}
	}

	lr := float32(s.config.LearningRate)
	momentum := float32(s.config.Momentum)
	weightDecay := float32(s.config.WeightDecay)

	for i, p := range params {
		g := gradients[i]
		if !p.ShapeEquals(g) {
			return fmt.Errorf("gradient %d shape %v does not match parameter shape %v", i, g.Shape, p.Shape)
		}

		if !useMomentum {
			for j := range p.Data {
				grad := g.Data[j] + weightDecay*p.Data[j]
				p.Data[j] -= lr * grad
			}
			continue
		}

		buf := s.momentumBuffers[i]
		for j := range p.Data {
			grad := g.Data[j] + weightDecay*p.Data[j]
			buf.Data[j] = momentum*buf.Data[j] + grad
			if s.config.Nesterov {
				p.Data[j] -= lr * (grad + momentum*buf.Data[j])
			} else {
				p.Data[j] -= lr * buf.Data[j]
			}
		}
	}

	s.stepCount++
	return nil
}

// GetState extracts the optimizer state for checkpointing.
func (s *SGD) GetState() (*State, error) {
	state := &State{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": s.config.LearningRate,
			"momentum":      s.config.Momentum,
			"weight_decay":  s.config.WeightDecay,
			"nesterov":      s.config.Nesterov,
			"step_count":    s.stepCount,
		},
	}
	for i, buf := range s.momentumBuffers {
		state.StateData = append(state.StateData, StateTensor{
			Name:      fmt.Sprintf("momentum_%d", i),
			Shape:     append([]int(nil), buf.Shape...),
			Data:      append([]float32(nil), buf.Data...),
			StateType: "momentum",
		})
	}
	return state, nil
}

// LoadState restores optimizer state from a checkpoint.
func (s *SGD) LoadState(state *State) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	if lr, ok := state.Parameters["learning_rate"].(float64); ok {
		s.config.LearningRate = lr
	}
	if sc, ok := state.Parameters["step_count"].(float64); ok {
		// JSON round-trips integers as float64
		s.stepCount = uint64(sc)
	} else if sc, ok := state.Parameters["step_count"].(uint64); ok {
		s.stepCount = sc
	}

	if len(state.StateData) == 0 {
		s.momentumBuffers = nil
		return nil
	}
	if len(state.StateData) != len(s.paramShapes) {
		return fmt.Errorf("momentum buffer count mismatch: optimizer built for %d, state has %d", len(s.paramShapes), len(state.StateData))
	}

	buffers := make([]*tensor.Tensor, len(state.StateData))
	for i, st := range state.StateData {
		buf, err := tensor.NewFromData(append([]float32(nil), st.Data...), st.Shape...)
		if err != nil {
			return fmt.Errorf("malformed momentum buffer %s: %v", st.Name, err)
		}
		buffers[i] = buf
	}
	s.momentumBuffers = buffers
	return nil
}

// GetStepCount returns the number of optimization steps applied.
func (s *SGD) GetStepCount() uint64 {
	return s.stepCount
}

// UpdateLearningRate sets the learning rate for subsequent steps.
func (s *SGD) UpdateLearningRate(lr float64) {
	s.config.LearningRate = lr
}

// GetLearningRate returns the current learning rate.
func (s *SGD) GetLearningRate() float64 {
	return s.config.LearningRate
}
