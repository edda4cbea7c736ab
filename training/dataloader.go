package training

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/tsawler/go-collapse/tensor"
)

// Dataset defines the methods all datasets must implement. Sample
// returns one example's flattened data; the loader assembles batches.
type Dataset interface {
	Len() int
	Sample(idx int) (data []float32, label int, err error)
	InputShape() []int
	NumClasses() int
}

// Batch is one batch of inputs shaped [N, inputShape...] with the
// integer labels aligned row-for-row.
type Batch struct {
	Data   *tensor.Tensor
	Labels []int
}

// DataLoader provides batching and shuffling over a Dataset.
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	rng       *rand.Rand
	indices   []int
	position  int
	mutex     sync.Mutex
}

// NewDataLoader creates a new DataLoader. The seed fixes the shuffle
// order so runs are reproducible.
func NewDataLoader(dataset Dataset, batchSize int, shuffle bool, seed int64) (*DataLoader, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if dataset.Len() == 0 {
		return nil, fmt.Errorf("dataset is empty")
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	return &DataLoader{
		dataset:   dataset,
		batchSize: batchSize,
		shuffle:   shuffle,
		rng:       rand.New(rand.NewSource(seed)),
		indices:   indices,
	}, nil
}

// Len returns the number of batches in an epoch.
func (dl *DataLoader) Len() int {
	return (dl.dataset.Len() + dl.batchSize - 1) / dl.batchSize
}

// Reset rewinds the loader for a new epoch, reshuffling if enabled.
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0
	if dl.shuffle {
		for i := len(dl.indices) - 1; i > 0; i-- {
			j := dl.rng.Intn(i + 1)
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		}
	}
}

// Next returns the next batch, or nil once the epoch is complete.
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.position >= len(dl.indices) {
		return nil, nil // End of epoch
	}

	batchEnd := dl.position + dl.batchSize
	if batchEnd > len(dl.indices) {
		batchEnd = len(dl.indices)
	}
	batchIndices := dl.indices[dl.position:batchEnd]
	dl.position = batchEnd

	return dl.loadBatch(batchIndices)
}

func (dl *DataLoader) loadBatch(batchIndices []int) (*Batch, error) {
	inputShape := dl.dataset.InputShape()
	sampleSize := 1
	for _, d := range inputShape {
		sampleSize *= d
	}

	n := len(batchIndices)
	data := make([]float32, n*sampleSize)
	labels := make([]int, n)

	for row, idx := range batchIndices {
		sample, label, err := dl.dataset.Sample(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to load sample %d: %v", idx, err)
		}
		if len(sample) != sampleSize {
			return nil, fmt.Errorf("sample %d has %d values, expected %d", idx, len(sample), sampleSize)
		}
		copy(data[row*sampleSize:(row+1)*sampleSize], sample)
		labels[row] = label
	}

	shape := append([]int{n}, inputShape...)
	batchData, err := tensor.NewFromData(data, shape...)
	if err != nil {
		return nil, fmt.Errorf("failed to assemble batch tensor: %v", err)
	}
	return &Batch{Data: batchData, Labels: labels}, nil
}
