package dataset

import (
	"math/rand"
	"sync"
)

// augmentPad is the reflection-free zero padding applied before the
// random crop, the standard recipe for 32x32 image classification.
const augmentPad = 4

// Augmented wraps a dataset with random crop and horizontal flip
// augmentation on every sample access. Labels and shapes are
// unchanged; only training splits should be wrapped.
type Augmented struct {
	base Dataset
	rng  *rand.Rand
	mu   sync.Mutex

	channels, height, width int
}

func newAugmented(base Dataset, seed int64) *Augmented {
	shape := base.InputShape()
	return &Augmented{
		base:     base,
		rng:      rand.New(rand.NewSource(seed)),
		channels: shape[0],
		height:   shape[1],
		width:    shape[2],
	}
}

func (a *Augmented) Len() int          { return a.base.Len() }
func (a *Augmented) InputShape() []int { return a.base.InputShape() }
func (a *Augmented) NumClasses() int   { return a.base.NumClasses() }

func (a *Augmented) Sample(idx int) ([]float32, int, error) {
	data, label, err := a.base.Sample(idx)
	if err != nil {
		return nil, 0, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	offH := a.rng.Intn(2*augmentPad+1) - augmentPad
	offW := a.rng.Intn(2*augmentPad+1) - augmentPad
	flip := a.rng.Intn(2) == 1

	out := make([]float32, len(data))
	plane := a.height * a.width
	for c := 0; c < a.channels; c++ {
		for h := 0; h < a.height; h++ {
			srcH := h + offH
			for w := 0; w < a.width; w++ {
				srcW := w + offW
				if flip {
					srcW = a.width - 1 - srcW
				}
				if srcH < 0 || srcH >= a.height || srcW < 0 || srcW >= a.width {
					continue // zero padding
				}
				out[c*plane+h*a.width+w] = data[c*plane+srcH*a.width+srcW]
			}
		}
	}
	return out, label, nil
}
