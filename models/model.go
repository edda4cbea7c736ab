// Package models owns the runtime form of a compiled network: its
// parameter tensors, the CPU forward and backward passes, and the tap
// capability surface that lets observers capture named layer outputs
// without touching the computation itself.
package models

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-collapse/layers"
	"github.com/tsawler/go-collapse/tensor"
)

// TapFunc observes a layer's output during a forward pass. The tensor
// is the live output; implementations must treat it as read-only.
type TapFunc func(output *tensor.Tensor)

// Model is a compiled network with materialized parameters.
type Model struct {
	spec   *layers.ModelSpec
	params []*tensor.Tensor

	// first index into params for each layer
	paramOffsets []int

	taps map[string]TapFunc
	rng  *rand.Rand

	// per-layer caches from the most recent training-mode forward
	caches []layerCache
}

type layerCache struct {
	input  *tensor.Tensor
	output *tensor.Tensor
	mask   []float32 // dropout keep/scale mask
	argmax []int     // maxpool winner indices (flat, per output element)
	bn     *bnCache
}

// NewModel materializes parameters for a compiled spec. Initialization
// is deterministic for a given seed.
func NewModel(spec *layers.ModelSpec, seed int64) (*Model, error) {
	if spec == nil || !spec.Compiled {
		return nil, fmt.Errorf("model spec must be compiled before instantiation")
	}

	m := &Model{
		spec:         spec,
		taps:         make(map[string]TapFunc),
		rng:          rand.New(rand.NewSource(seed)),
		paramOffsets: make([]int, len(spec.Layers)),
		caches:       make([]layerCache, len(spec.Layers)),
	}

	for i := range spec.Layers {
		layer := &spec.Layers[i]
		m.paramOffsets[i] = len(m.params)
		params, err := m.initLayerParams(layer)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize layer %s: %v", layer.Name, err)
		}
		m.params = append(m.params, params...)
	}

	return m, nil
}

func (m *Model) initLayerParams(layer *layers.LayerSpec) ([]*tensor.Tensor, error) {
	var params []*tensor.Tensor
	for _, shape := range layer.ParameterShapes {
		t, err := tensor.New(shape...)
		if err != nil {
			return nil, err
		}
		params = append(params, t)
	}

	switch layer.Type {
	case layers.Dense:
		inSize, _ := layer.IntParam("input_size")
		params[0].HeNormal(inSize, m.rng)
		// bias, if present, stays zero
	case layers.Conv2D:
		inC, _ := layer.IntParam("input_channels")
		k, _ := layer.IntParam("kernel_size")
		params[0].HeNormal(inC*k*k, m.rng)
	case layers.BatchNorm:
		if len(params) == 2 {
			for i := range params[0].Data {
				params[0].Data[i] = 1.0 // gamma
			}
			// beta stays zero
		}
	}
	return params, nil
}

// Spec returns the model's compiled specification.
func (m *Model) Spec() *layers.ModelSpec {
	return m.spec
}

// Parameters returns the parameter tensors in model order.
func (m *Model) Parameters() []*tensor.Tensor {
	return m.params
}

// LoadParameters replaces the model's parameter values with the given
// tensors, which must match shape-for-shape.
func (m *Model) LoadParameters(params []*tensor.Tensor) error {
	if len(params) != len(m.params) {
		return fmt.Errorf("parameter count mismatch: have %d, got %d", len(m.params), len(params))
	}
	for i, p := range params {
		if !p.ShapeEquals(m.params[i]) {
			return fmt.Errorf("parameter %d shape mismatch: have %v, got %v", i, m.params[i].Shape, p.Shape)
		}
		copy(m.params[i].Data, p.Data)
	}
	return nil
}

// LoadRunningStatistics copies non-learnable layer state (BatchNorm
// running mean and variance) from a saved spec into the live model's
// spec. LoadParameters only covers learnable tensors, so restoring a
// checkpoint needs both. Layers without running statistics pass
// through untouched.
func (m *Model) LoadRunningStatistics(saved *layers.ModelSpec) error {
	if saved == nil {
		return fmt.Errorf("saved model spec is nil")
	}
	if len(saved.Layers) != len(m.spec.Layers) {
		return fmt.Errorf("layer count mismatch: have %d, got %d", len(m.spec.Layers), len(saved.Layers))
	}
	for i := range saved.Layers {
		src := &saved.Layers[i]
		dst := &m.spec.Layers[i]
		if src.Name != dst.Name {
			return fmt.Errorf("layer %d name mismatch: have %q, got %q", i, dst.Name, src.Name)
		}
		for key, values := range src.RunningStatistics {
			existing, ok := dst.RunningStatistics[key]
			if !ok {
				return fmt.Errorf("layer %s carries no running statistic %q", dst.Name, key)
			}
			if len(existing) != len(values) {
				return fmt.Errorf("layer %s statistic %q size mismatch: have %d, got %d",
					dst.Name, key, len(existing), len(values))
			}
			copy(existing, values)
		}
	}
	return nil
}

// TapPoints returns the names of all layers a tap may attach to.
func (m *Model) TapPoints() []string {
	return m.spec.LayerNames()
}

// AttachTap registers an observer on the named layer. The observer is
// invoked with the layer's output during every forward pass until the
// tap is detached. Attaching to an unknown layer is an error.
//
// The signature is kept as a plain func type so any package can define
// a tap capability interface without importing this one.
func (m *Model) AttachTap(name string, fn func(output *tensor.Tensor)) error {
	if m.spec.FindLayer(name) < 0 {
		return fmt.Errorf("no layer named %q in model (available: %v)", name, m.spec.LayerNames())
	}
	if fn == nil {
		return fmt.Errorf("tap callback for layer %q is nil", name)
	}
	m.taps[name] = fn
	return nil
}

// DetachTap removes the observer from the named layer. Detaching a
// layer with no tap is a no-op, so forward passes after deactivation
// carry zero observation overhead.
func (m *Model) DetachTap(name string) {
	delete(m.taps, name)
}

// Forward runs one forward pass over a batch shaped [N, inputShape...].
// In training mode, dropout and batch statistics are live and per-layer
// caches are retained for Backward; in inference mode the pass is
// stateless apart from attached taps.
func (m *Model) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if x.Dims() < 2 {
		return nil, fmt.Errorf("forward input must include a batch dimension, got shape %v", x.Shape)
	}

	current := x
	for i := range m.spec.Layers {
		layer := &m.spec.Layers[i]
		out, cache, err := m.forwardLayer(layer, i, current, training)
		if err != nil {
			return nil, fmt.Errorf("forward failed at layer %d (%s): %v", i, layer.Name, err)
		}
		if training {
			m.caches[i] = cache
		}
		if tap, ok := m.taps[layer.Name]; ok {
			tap(out)
		}
		current = out
	}
	return current, nil
}

// Backward propagates the loss gradient through the network and returns
// parameter gradients aligned with Parameters(). It consumes the caches
// of the most recent Forward call in training mode.
func (m *Model) Backward(gradOut *tensor.Tensor) ([]*tensor.Tensor, error) {
	grads := make([]*tensor.Tensor, len(m.params))

	current := gradOut
	for i := len(m.spec.Layers) - 1; i >= 0; i-- {
		layer := &m.spec.Layers[i]
		cache := m.caches[i]
		if cache.input == nil {
			return nil, fmt.Errorf("no cached activations for layer %s; run Forward in training mode first", layer.Name)
		}
		gradIn, paramGrads, err := m.backwardLayer(layer, i, current, cache)
		if err != nil {
			return nil, fmt.Errorf("backward failed at layer %d (%s): %v", i, layer.Name, err)
		}
		off := m.paramOffsets[i]
		for j, g := range paramGrads {
			grads[off+j] = g
		}
		current = gradIn
	}

	// Layers without parameters leave nil slots; fill with zeros so the
	// gradient list always aligns with the parameter list.
	for i, g := range grads {
		if g == nil {
			grads[i] = tensor.Zeros(m.params[i].Shape...)
		}
	}
	return grads, nil
}

// ClearCaches drops all cached activations, releasing the memory held
// between a training forward and its backward pass.
func (m *Model) ClearCaches() {
	for i := range m.caches {
		m.caches[i] = layerCache{}
	}
}

func (m *Model) layerParams(i int) []*tensor.Tensor {
	off := m.paramOffsets[i]
	n := len(m.spec.Layers[i].ParameterShapes)
	return m.params[off : off+n]
}
