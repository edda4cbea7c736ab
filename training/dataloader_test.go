package training

import (
	"fmt"
	"sort"
	"testing"
)

// rampDataset serves deterministic samples where every value equals the
// sample index, making batch contents easy to verify.
type rampDataset struct {
	size       int
	inputShape []int
	numClasses int
}

func (d *rampDataset) Len() int          { return d.size }
func (d *rampDataset) InputShape() []int { return d.inputShape }
func (d *rampDataset) NumClasses() int   { return d.numClasses }

func (d *rampDataset) Sample(idx int) ([]float32, int, error) {
	if idx < 0 || idx >= d.size {
		return nil, 0, fmt.Errorf("index %d out of range", idx)
	}
	sampleSize := 1
	for _, s := range d.inputShape {
		sampleSize *= s
	}
	data := make([]float32, sampleSize)
	for i := range data {
		data[i] = float32(idx)
	}
	return data, idx % d.numClasses, nil
}

func TestDataLoaderBatching(t *testing.T) {
	dataset := &rampDataset{size: 10, inputShape: []int{4}, numClasses: 3}
	loader, err := NewDataLoader(dataset, 4, false, 1)
	if err != nil {
		t.Fatalf("NewDataLoader failed: %v", err)
	}

	if loader.Len() != 3 {
		t.Errorf("Expected 3 batches, got %d", loader.Len())
	}

	loader.Reset()
	sizes := []int{}
	for {
		batch, err := loader.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if batch == nil {
			break
		}
		if got := batch.Data.Shape[0]; got != len(batch.Labels) {
			t.Errorf("Batch rows %d != label count %d", got, len(batch.Labels))
		}
		sizes = append(sizes, len(batch.Labels))
	}
	expected := []int{4, 4, 2}
	if len(sizes) != len(expected) {
		t.Fatalf("Expected %d batches, got %d", len(expected), len(sizes))
	}
	for i, e := range expected {
		if sizes[i] != e {
			t.Errorf("Batch %d: expected size %d, got %d", i, e, sizes[i])
		}
	}
}

func TestDataLoaderSequentialOrder(t *testing.T) {
	dataset := &rampDataset{size: 6, inputShape: []int{1}, numClasses: 2}
	loader, _ := NewDataLoader(dataset, 2, false, 1)

	loader.Reset()
	var seen []float32
	for {
		batch, err := loader.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if batch == nil {
			break
		}
		seen = append(seen, batch.Data.Data...)
	}
	for i, v := range seen {
		if v != float32(i) {
			t.Errorf("Position %d: expected sample %d, got %f", i, i, v)
		}
	}
}

func TestDataLoaderShuffleCoversAllSamples(t *testing.T) {
	dataset := &rampDataset{size: 16, inputShape: []int{1}, numClasses: 4}
	loader, _ := NewDataLoader(dataset, 5, true, 42)

	loader.Reset()
	var seen []int
	for {
		batch, err := loader.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if batch == nil {
			break
		}
		for _, v := range batch.Data.Data {
			seen = append(seen, int(v))
		}
	}
	if len(seen) != 16 {
		t.Fatalf("Expected 16 samples over the epoch, got %d", len(seen))
	}
	sort.Ints(seen)
	for i, v := range seen {
		if v != i {
			t.Errorf("Sample %d missing from shuffled epoch", i)
		}
	}
}

func TestDataLoaderShuffleIsSeeded(t *testing.T) {
	dataset := &rampDataset{size: 32, inputShape: []int{1}, numClasses: 4}

	order := func(seed int64) []float32 {
		loader, _ := NewDataLoader(dataset, 32, true, seed)
		loader.Reset()
		batch, err := loader.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		return batch.Data.Data
	}

	a, b := order(7), order(7)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("Same seed produced different orders at position %d", i)
		}
	}
}

func TestDataLoaderRejectsBadInputs(t *testing.T) {
	dataset := &rampDataset{size: 4, inputShape: []int{1}, numClasses: 2}
	if _, err := NewDataLoader(dataset, 0, false, 1); err == nil {
		t.Error("expected error for zero batch size")
	}
	empty := &rampDataset{size: 0, inputShape: []int{1}, numClasses: 2}
	if _, err := NewDataLoader(empty, 4, false, 1); err == nil {
		t.Error("expected error for empty dataset")
	}
}
