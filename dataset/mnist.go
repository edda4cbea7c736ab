package dataset

import (
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// MNIST IDX format: big-endian magic + dimension sizes, then raw bytes.
const (
	mnistImageMagic = 2051
	mnistLabelMagic = 2049
	mnistClasses    = 10
	mnistRawSize    = 28

	// Images are zero-padded to 32x32 so the convolutional
	// architectures see the same spatial extent as CIFAR-10.
	mnistPaddedSize = 32
	mnistPad        = (mnistPaddedSize - mnistRawSize) / 2
)

var (
	mnistMean float32 = 0.1307
	mnistStd  float32 = 0.3081
)

func loadMNIST(root string) (*SliceDataset, *SliceDataset, error) {
	train, err := loadMNISTSplit(root, "train-images-idx3-ubyte", "train-labels-idx1-ubyte", "mnist-train")
	if err != nil {
		return nil, nil, err
	}
	eval, err := loadMNISTSplit(root, "t10k-images-idx3-ubyte", "t10k-labels-idx1-ubyte", "mnist-test")
	if err != nil {
		return nil, nil, err
	}
	return train, eval, nil
}

func loadMNISTSplit(root, imageFile, labelFile, name string) (*SliceDataset, error) {
	images, rows, cols, err := readIDXImages(filepath.Join(root, imageFile))
	if err != nil {
		return nil, err
	}
	labels, err := readIDXLabels(filepath.Join(root, labelFile))
	if err != nil {
		return nil, err
	}
	if rows != mnistRawSize || cols != mnistRawSize {
		return nil, fmt.Errorf("unexpected MNIST image size %dx%d", rows, cols)
	}
	count := len(labels)
	if len(images) != count*rows*cols {
		return nil, fmt.Errorf("MNIST image/label count mismatch: %d pixels for %d labels", len(images), count)
	}

	sampleSize := mnistPaddedSize * mnistPaddedSize
	data := make([]float32, count*sampleSize)
	// Padding pixels stay at the normalized value of black.
	padValue := (0.0 - mnistMean) / mnistStd
	for i := range data {
		data[i] = padValue
	}

	for s := 0; s < count; s++ {
		src := images[s*rows*cols : (s+1)*rows*cols]
		dstOff := s * sampleSize
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				v := (float32(src[r*cols+c])/255.0 - mnistMean) / mnistStd
				data[dstOff+(r+mnistPad)*mnistPaddedSize+(c+mnistPad)] = v
			}
		}
	}

	intLabels := make([]int, count)
	for i, b := range labels {
		if int(b) >= mnistClasses {
			return nil, fmt.Errorf("MNIST label %d out of range at index %d", b, i)
		}
		intLabels[i] = int(b)
	}

	return &SliceDataset{
		name:       name,
		data:       data,
		labels:     intLabels,
		inputShape: []int{1, mnistPaddedSize, mnistPaddedSize},
		sampleSize: sampleSize,
		numClasses: mnistClasses,
	}, nil
}

// openMaybeGzip opens an IDX file, transparently handling a .gz
// sibling when the raw file is absent.
func openMaybeGzip(path string) (io.ReadCloser, error) {
	if file, err := os.Open(path); err == nil {
		return file, nil
	}
	file, err := os.Open(path + ".gz")
	if err != nil {
		return nil, fmt.Errorf("failed to open %s (or .gz): %v", path, err)
	}
	gz, err := gzip.NewReader(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to open gzip stream %s.gz: %v", path, err)
	}
	return &gzipFile{gz: gz, file: file}, nil
}

type gzipFile struct {
	gz   *gzip.Reader
	file *os.File
}

func (g *gzipFile) Read(p []byte) (int, error) { return g.gz.Read(p) }

func (g *gzipFile) Close() error {
	gzErr := g.gz.Close()
	fileErr := g.file.Close()
	if gzErr != nil {
		return gzErr
	}
	return fileErr
}

func readIDXImages(path string) (pixels []byte, rows, cols int, err error) {
	r, err := openMaybeGzip(path)
	if err != nil {
		return nil, 0, 0, err
	}
	defer r.Close()

	var header [16]byte
	if err := readFull(r, header[:]); err != nil {
		return nil, 0, 0, fmt.Errorf("failed to read IDX header of %s: %v", path, err)
	}
	magic := binary.BigEndian.Uint32(header[0:4])
	if magic != mnistImageMagic {
		return nil, 0, 0, fmt.Errorf("%s has IDX magic %d, expected %d", path, magic, mnistImageMagic)
	}
	count := int(binary.BigEndian.Uint32(header[4:8]))
	rows = int(binary.BigEndian.Uint32(header[8:12]))
	cols = int(binary.BigEndian.Uint32(header[12:16]))

	pixels = make([]byte, count*rows*cols)
	if err := readFull(r, pixels); err != nil {
		return nil, 0, 0, fmt.Errorf("failed to read %d images from %s: %v", count, path, err)
	}
	return pixels, rows, cols, nil
}

func readIDXLabels(path string) ([]byte, error) {
	r, err := openMaybeGzip(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var header [8]byte
	if err := readFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("failed to read IDX header of %s: %v", path, err)
	}
	magic := binary.BigEndian.Uint32(header[0:4])
	if magic != mnistLabelMagic {
		return nil, fmt.Errorf("%s has IDX magic %d, expected %d", path, magic, mnistLabelMagic)
	}
	count := int(binary.BigEndian.Uint32(header[4:8]))

	labels := make([]byte, count)
	if err := readFull(r, labels); err != nil {
		return nil, fmt.Errorf("failed to read %d labels from %s: %v", count, path, err)
	}
	return labels, nil
}
