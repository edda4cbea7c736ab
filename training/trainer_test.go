package training

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/tsawler/go-collapse/config"
)

// writeMNISTFixture synthesizes a tiny MNIST-format dataset on disk so
// the full pipeline can run against real loader code.
func writeMNISTFixture(t *testing.T, root string, trainLabels, testLabels []byte) {
	t.Helper()

	writeImages := func(path string, count int) {
		buf := make([]byte, 16)
		binary.BigEndian.PutUint32(buf[0:4], 2051)
		binary.BigEndian.PutUint32(buf[4:8], uint32(count))
		binary.BigEndian.PutUint32(buf[8:12], 28)
		binary.BigEndian.PutUint32(buf[12:16], 28)
		img := make([]byte, 28*28)
		for i := 0; i < count; i++ {
			// Give each sample a distinct blob so classes are separable.
			for j := range img {
				img[j] = byte((i*37 + j) % 251)
			}
			buf = append(buf, img...)
		}
		if err := os.WriteFile(path, buf, 0o644); err != nil {
			t.Fatalf("failed to write %s: %v", path, err)
		}
	}
	writeLabels := func(path string, labels []byte) {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint32(buf[0:4], 2049)
		binary.BigEndian.PutUint32(buf[4:8], uint32(len(labels)))
		buf = append(buf, labels...)
		if err := os.WriteFile(path, buf, 0o644); err != nil {
			t.Fatalf("failed to write %s: %v", path, err)
		}
	}

	writeImages(filepath.Join(root, "train-images-idx3-ubyte"), len(trainLabels))
	writeLabels(filepath.Join(root, "train-labels-idx1-ubyte"), trainLabels)
	writeImages(filepath.Join(root, "t10k-images-idx3-ubyte"), len(testLabels))
	writeLabels(filepath.Join(root, "t10k-labels-idx1-ubyte"), testLabels)
}

func fixtureConfig(saveDir string, epochs int) *config.Experiment {
	return &config.Experiment{
		Model: config.ModelConfig{
			ModelName:       "mlp",
			EmbeddingLayers: []string{"classifier.relu1", "classifier.relu2"},
		},
		Data: config.DataConfig{
			DatasetID: "mnist",
			BatchSize: 4,
		},
		Optimizer: config.OptimizerConfig{
			Loss:     "crossentropy",
			LR:       0.01,
			Momentum: 0.9,
			Epochs:   epochs,
		},
		Logging: config.LoggingConfig{
			SaveDir: saveDir,
		},
		Measurements: config.MeasurementsConfig{Measures: "fast"},
	}
}

func TestTrainerEndToEnd(t *testing.T) {
	dataRoot := t.TempDir()
	writeMNISTFixture(t, dataRoot,
		[]byte{0, 1, 0, 1, 0, 1, 0, 1},
		[]byte{0, 1, 0, 1})

	saveDir := filepath.Join(t.TempDir(), "run")
	cfg := fixtureConfig(saveDir, 2)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("fixture config invalid: %v", err)
	}

	trainer, err := NewTrainer(cfg, dataRoot)
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	if err := trainer.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if failed := trainer.FailedEpochs(); len(failed) > 0 {
		t.Errorf("unexpected persistence failures: %v", failed)
	}

	// Two training epochs inside the early measurement window: epoch
	// keys 0, 1 and the final key 2 all leave artifacts.
	for _, name := range []string{"epoch_0000.json", "epoch_0001.json", "epoch_0002.json"} {
		path := filepath.Join(saveDir, "model-checkpoints", name)
		if _, err := os.Stat(path); err != nil {
			t.Errorf("expected checkpoint %s: %v", name, err)
		}
	}
	for _, name := range []string{"collapse_index.csv", "class_mean_spread.csv"} {
		path := filepath.Join(saveDir, "measurements", name)
		if _, err := os.Stat(path); err != nil {
			t.Errorf("expected measurement file %s: %v", name, err)
		}
	}
}

func TestTrainerResumeSkipsFinishedRun(t *testing.T) {
	dataRoot := t.TempDir()
	writeMNISTFixture(t, dataRoot,
		[]byte{0, 1, 0, 1},
		[]byte{0, 1})

	saveDir := filepath.Join(t.TempDir(), "run")
	cfg := fixtureConfig(saveDir, 1)

	first, err := NewTrainer(cfg, dataRoot)
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	if err := first.Run(context.Background()); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}

	// A fresh trainer over the same save-dir finds the final checkpoint
	// and has nothing left to train.
	second, err := NewTrainer(cfg, dataRoot)
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	if err := second.Run(context.Background()); err != nil {
		t.Fatalf("resumed Run failed: %v", err)
	}
}

func TestCheckpointRecordsTrainAccuracy(t *testing.T) {
	dataRoot := t.TempDir()
	writeMNISTFixture(t, dataRoot,
		[]byte{0, 1, 0, 1},
		[]byte{0, 1})

	saveDir := filepath.Join(t.TempDir(), "run")
	trainer, err := NewTrainer(fixtureConfig(saveDir, 10), dataRoot)
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}

	trainer.lastTrainAcc = 0.625
	if err := trainer.checkpointEpoch(5); err != nil {
		t.Fatalf("checkpointEpoch failed: %v", err)
	}
	ckpt, err := trainer.saver.Load(5)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if ckpt.TrainingState.TrainAcc != 0.625 {
		t.Errorf("Expected train accuracy 0.625 in checkpoint, got %f", ckpt.TrainingState.TrainAcc)
	}

	// Resume carries the recorded accuracy back into the trainer.
	second, err := NewTrainer(fixtureConfig(saveDir, 10), dataRoot)
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	if _, err := second.resume(); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if second.lastTrainAcc != 0.625 {
		t.Errorf("Expected resumed train accuracy 0.625, got %f", second.lastTrainAcc)
	}
}

func TestTrainerCancelledContext(t *testing.T) {
	dataRoot := t.TempDir()
	writeMNISTFixture(t, dataRoot,
		[]byte{0, 1, 0, 1},
		[]byte{0, 1})

	saveDir := filepath.Join(t.TempDir(), "run")
	trainer, err := NewTrainer(fixtureConfig(saveDir, 3), dataRoot)
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := trainer.Run(ctx); err == nil {
		t.Error("expected error from cancelled run")
	}

	// A cancelled run leaves no partial checkpoints behind.
	entries, err := os.ReadDir(filepath.Join(saveDir, "model-checkpoints"))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no checkpoints after immediate cancellation, found %d", len(entries))
	}
}

func TestTrainerRejectsUnknownEmbeddingLayer(t *testing.T) {
	dataRoot := t.TempDir()
	writeMNISTFixture(t, dataRoot, []byte{0, 1}, []byte{0})

	cfg := fixtureConfig(filepath.Join(t.TempDir(), "run"), 1)
	cfg.Model.EmbeddingLayers = []string{"classifier.relu9"}

	if _, err := NewTrainer(cfg, dataRoot); err == nil {
		t.Error("expected error for unknown embedding layer")
	}
}
