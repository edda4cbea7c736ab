package dataset

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// CIFAR-10 binary format: each record is 1 label byte followed by
// 3072 pixel bytes (three 32x32 channel planes, red first).
const (
	cifarImageSize  = 32
	cifarChannels   = 3
	cifarPixels     = cifarImageSize * cifarImageSize
	cifarRecordSize = 1 + cifarChannels*cifarPixels
	cifarClasses    = 10
)

// Per-channel normalization constants, computed over the training set.
var (
	cifarMean = [3]float32{0.4914, 0.4822, 0.4465}
	cifarStd  = [3]float32{0.2470, 0.2435, 0.2616}
)

var cifarTrainFiles = []string{
	"data_batch_1.bin",
	"data_batch_2.bin",
	"data_batch_3.bin",
	"data_batch_4.bin",
	"data_batch_5.bin",
}

func loadCIFAR10(root string) (*SliceDataset, *SliceDataset, error) {
	train, err := loadCIFARFiles(root, cifarTrainFiles, "cifar10-train")
	if err != nil {
		return nil, nil, err
	}
	eval, err := loadCIFARFiles(root, []string{"test_batch.bin"}, "cifar10-test")
	if err != nil {
		return nil, nil, err
	}
	return train, eval, nil
}

func loadCIFARFiles(root string, files []string, name string) (*SliceDataset, error) {
	var data []float32
	var labels []int

	for _, file := range files {
		path := filepath.Join(root, file)
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read CIFAR-10 batch %s: %v", path, err)
		}
		if len(raw)%cifarRecordSize != 0 {
			return nil, fmt.Errorf("CIFAR-10 batch %s has %d bytes, not a multiple of record size %d", path, len(raw), cifarRecordSize)
		}

		records := len(raw) / cifarRecordSize
		for r := 0; r < records; r++ {
			rec := raw[r*cifarRecordSize : (r+1)*cifarRecordSize]
			label := int(rec[0])
			if label >= cifarClasses {
				return nil, fmt.Errorf("CIFAR-10 batch %s record %d has label %d out of range", path, r, label)
			}
			labels = append(labels, label)
			for c := 0; c < cifarChannels; c++ {
				plane := rec[1+c*cifarPixels : 1+(c+1)*cifarPixels]
				for _, b := range plane {
					data = append(data, (float32(b)/255.0-cifarMean[c])/cifarStd[c])
				}
			}
		}
	}

	if len(labels) == 0 {
		return nil, fmt.Errorf("no CIFAR-10 records found under %s", root)
	}
	return &SliceDataset{
		name:       name,
		data:       data,
		labels:     labels,
		inputShape: []int{cifarChannels, cifarImageSize, cifarImageSize},
		sampleSize: cifarChannels * cifarPixels,
		numClasses: cifarClasses,
	}, nil
}

// readFull is a small helper kept for symmetry with the MNIST reader.
func readFull(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	return err
}
