// Package dataset loads the supported image classification datasets
// into memory and exposes them behind the loader's Dataset contract.
package dataset

import (
	"fmt"
	"strings"
)

// Dataset is the sample-level access contract. It mirrors the training
// loader's expectations: flat per-sample data plus an integer label.
type Dataset interface {
	Len() int
	Sample(idx int) (data []float32, label int, err error)
	InputShape() []int
	NumClasses() int
}

// SliceDataset is an in-memory dataset backed by one flat slice.
type SliceDataset struct {
	name       string
	data       []float32
	labels     []int
	inputShape []int
	sampleSize int
	numClasses int
}

func (d *SliceDataset) Len() int {
	return len(d.labels)
}

func (d *SliceDataset) Sample(idx int) ([]float32, int, error) {
	if idx < 0 || idx >= len(d.labels) {
		return nil, 0, fmt.Errorf("sample index %d out of range [0,%d)", idx, len(d.labels))
	}
	return d.data[idx*d.sampleSize : (idx+1)*d.sampleSize], d.labels[idx], nil
}

func (d *SliceDataset) InputShape() []int {
	return d.inputShape
}

func (d *SliceDataset) NumClasses() int {
	return d.numClasses
}

func (d *SliceDataset) String() string {
	return fmt.Sprintf("%s(%d samples, shape %v)", d.name, len(d.labels), d.inputShape)
}

// Load resolves a configured dataset id into its train and evaluation
// splits. root is the directory holding the raw dataset files. An
// unknown id is a configuration error.
func Load(id, root string, augment bool, seed int64) (train, eval Dataset, err error) {
	switch strings.ToLower(id) {
	case "cifar10":
		train, eval, err = loadCIFAR10(root)
	case "mnist":
		train, eval, err = loadMNIST(root)
	default:
		return nil, nil, fmt.Errorf("unknown dataset id %q (known: cifar10, mnist)", id)
	}
	if err != nil {
		return nil, nil, err
	}
	if augment {
		train = newAugmented(train, seed)
	}
	return train, eval, nil
}
