// Package capture records named-layer embeddings during evaluation
// passes. Taps are pure observers: they never modify the forward
// computation and hold at most one evaluation pass worth of data.
package capture

import (
	"errors"
	"fmt"

	"github.com/tsawler/go-collapse/tensor"
)

// ErrUnknownLayer marks a registration against a layer name the model
// does not expose. It is a configuration error: the run must not start.
var ErrUnknownLayer = errors.New("unknown embedding layer")

// TapTarget is the capability a model must expose for embedding
// capture. Implementations list their tappable points explicitly; no
// reflection or attribute traversal is involved.
type TapTarget interface {
	TapPoints() []string
	AttachTap(name string, fn func(output *tensor.Tensor)) error
	DetachTap(name string)
}

// Capture holds the embeddings recorded for one layer over one
// evaluation pass, with labels aligned row-for-row. It must be
// discarded once consumed; embeddings are large and retaining them
// across epochs leaks memory.
type Capture struct {
	LayerName  string
	Embeddings *tensor.Tensor // [samples, features], nil when empty
	Labels     []int
}

// Empty reports whether the capture recorded no samples.
func (c Capture) Empty() bool {
	return c.Embeddings == nil || c.Embeddings.Shape[0] == 0
}

type tapBuffer struct {
	name   string
	dim    int
	rows   []float32
	labels []int
}

// Registry owns the embedding taps for one experiment, keyed by layer
// name in configuration order.
type Registry struct {
	target     TapTarget
	layerNames []string
	buffers    map[string]*tapBuffer
	active     bool
	collectErr error

	// labels for the batch currently flowing through the model
	batchLabels []int
}

// NewRegistry validates every configured layer name against the
// target's tap points and prepares (but does not attach) the taps.
// An unresolvable name fails construction before any training step.
func NewRegistry(target TapTarget, layerNames []string) (*Registry, error) {
	if len(layerNames) == 0 {
		return nil, fmt.Errorf("no embedding layers configured")
	}

	available := make(map[string]bool)
	for _, name := range target.TapPoints() {
		available[name] = true
	}
	for _, name := range layerNames {
		if !available[name] {
			return nil, fmt.Errorf("%w: %q is not a tap point of the model", ErrUnknownLayer, name)
		}
	}

	return &Registry{
		target:     target,
		layerNames: append([]string(nil), layerNames...),
		buffers:    make(map[string]*tapBuffer),
	}, nil
}

// LayerNames returns the configured layer names in order.
func (r *Registry) LayerNames() []string {
	return r.layerNames
}

// Active reports whether taps are currently attached.
func (r *Registry) Active() bool {
	return r.active
}

// Activate attaches all taps so subsequent forward passes are
// recorded. Activating an active registry is a no-op.
func (r *Registry) Activate() error {
	if r.active {
		return nil
	}
	for _, name := range r.layerNames {
		buf := &tapBuffer{name: name}
		r.buffers[name] = buf
		layerName := name
		if err := r.target.AttachTap(layerName, func(output *tensor.Tensor) {
			r.record(layerName, output)
		}); err != nil {
			r.detachAll()
			return fmt.Errorf("failed to attach tap for %q: %v", name, err)
		}
	}
	r.active = true
	r.collectErr = nil
	return nil
}

// Deactivate detaches every tap so resumed training passes incur zero
// observation overhead. Buffered captures are discarded.
func (r *Registry) Deactivate() {
	r.detachAll()
	r.buffers = make(map[string]*tapBuffer)
	r.active = false
	r.batchLabels = nil
}

func (r *Registry) detachAll() {
	for _, name := range r.layerNames {
		r.target.DetachTap(name)
	}
}

// SetBatchLabels declares the labels for the batch about to flow
// through the model. Must be called before each recorded forward pass.
func (r *Registry) SetBatchLabels(labels []int) {
	r.batchLabels = append(r.batchLabels[:0], labels...)
}

// record flattens each sample of the layer output into a feature row
// and appends it with the current batch labels. The output tensor is
// copied, never retained or mutated.
func (r *Registry) record(layerName string, output *tensor.Tensor) {
	buf, ok := r.buffers[layerName]
	if !ok {
		return
	}
	if output.Dims() < 2 {
		r.collectErr = fmt.Errorf("tap %q observed output without a batch dimension: shape %v", layerName, output.Shape)
		return
	}

	n := output.Shape[0]
	dim := output.NumElems / n
	if buf.dim == 0 {
		buf.dim = dim
	} else if buf.dim != dim {
		r.collectErr = fmt.Errorf("tap %q observed inconsistent feature sizes: %d then %d", layerName, buf.dim, dim)
		return
	}
	if len(r.batchLabels) != n {
		r.collectErr = fmt.Errorf("tap %q observed batch of %d samples but %d labels are set", layerName, n, len(r.batchLabels))
		return
	}

	buf.rows = append(buf.rows, output.Data[:n*dim]...)
	buf.labels = append(buf.labels, r.batchLabels...)
}

// Collect drains all buffered captures and clears the buffers. Calling
// Collect without a prior Activate yields an empty mapping, which lets
// the orchestrator skip measurement cheaply on non-measurement epochs.
func (r *Registry) Collect() (map[string]Capture, error) {
	if !r.active {
		return map[string]Capture{}, nil
	}
	if r.collectErr != nil {
		err := r.collectErr
		r.collectErr = nil
		return nil, err
	}

	out := make(map[string]Capture, len(r.layerNames))
	for _, name := range r.layerNames {
		buf := r.buffers[name]
		capture := Capture{LayerName: name}
		if buf != nil && len(buf.labels) > 0 {
			emb, err := tensor.NewFromData(buf.rows, len(buf.labels), buf.dim)
			if err != nil {
				return nil, fmt.Errorf("tap %q produced malformed buffer: %v", name, err)
			}
			capture.Embeddings = emb
			capture.Labels = buf.labels
		}
		out[name] = capture
		r.buffers[name] = &tapBuffer{name: name}
	}
	return out, nil
}
