package optimizer

import (
	"math"
	"testing"

	"github.com/tsawler/go-collapse/tensor"
)

func TestNewSGDValidation(t *testing.T) {
	shapes := [][]int{{2}}
	tests := []struct {
		name    string
		config  SGDConfig
		shapes  [][]int
		wantErr bool
	}{
		{"valid", SGDConfig{LearningRate: 0.1}, shapes, false},
		{"no shapes", SGDConfig{LearningRate: 0.1}, nil, true},
		{"negative lr", SGDConfig{LearningRate: -0.1}, shapes, true},
		{"momentum above one", SGDConfig{LearningRate: 0.1, Momentum: 1.5}, shapes, true},
		{"negative weight decay", SGDConfig{LearningRate: 0.1, WeightDecay: -1}, shapes, true},
	}
	for _, tt := range tests {
		_, err := NewSGD(tt.config, tt.shapes)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: err=%v, wantErr=%v", tt.name, err, tt.wantErr)
		}
	}
}

func TestSGDVanillaStep(t *testing.T) {
	sgd, err := NewSGD(SGDConfig{LearningRate: 0.1}, [][]int{{2}})
	if err != nil {
		t.Fatalf("NewSGD failed: %v", err)
	}

	w, _ := tensor.NewFromData([]float32{1, 2}, 2)
	g, _ := tensor.NewFromData([]float32{0.5, -0.5}, 2)
	if err := sgd.Step([]*tensor.Tensor{w}, []*tensor.Tensor{g}); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	want := []float32{0.95, 2.05}
	for i := range want {
		if math.Abs(float64(w.Data[i]-want[i])) > 1e-6 {
			t.Errorf("w[%d]: expected %f, got %f", i, want[i], w.Data[i])
		}
	}
	if sgd.GetStepCount() != 1 {
		t.Errorf("Expected step count 1, got %d", sgd.GetStepCount())
	}
}

func TestSGDWeightDecay(t *testing.T) {
	sgd, _ := NewSGD(SGDConfig{LearningRate: 0.1, WeightDecay: 0.1}, [][]int{{1}})

	w, _ := tensor.NewFromData([]float32{1}, 1)
	g, _ := tensor.NewFromData([]float32{0}, 1)
	if err := sgd.Step([]*tensor.Tensor{w}, []*tensor.Tensor{g}); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	// Effective gradient 0 + 0.1*1; w = 1 - 0.1*0.1 = 0.99.
	if math.Abs(float64(w.Data[0]-0.99)) > 1e-6 {
		t.Errorf("Expected 0.99, got %f", w.Data[0])
	}
}

func TestSGDMomentumAccumulates(t *testing.T) {
	sgd, _ := NewSGD(SGDConfig{LearningRate: 1, Momentum: 0.5}, [][]int{{1}})

	w, _ := tensor.NewFromData([]float32{0}, 1)
	g, _ := tensor.NewFromData([]float32{1}, 1)

	// Step 1: v = 1, w = -1.
	if err := sgd.Step([]*tensor.Tensor{w}, []*tensor.Tensor{g}); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if math.Abs(float64(w.Data[0]+1)) > 1e-6 {
		t.Errorf("After step 1: expected -1, got %f", w.Data[0])
	}
	// Step 2: v = 0.5*1 + 1 = 1.5, w = -2.5.
	if err := sgd.Step([]*tensor.Tensor{w}, []*tensor.Tensor{g}); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if math.Abs(float64(w.Data[0]+2.5)) > 1e-6 {
		t.Errorf("After step 2: expected -2.5, got %f", w.Data[0])
	}
}

func TestSGDShapeMismatch(t *testing.T) {
	sgd, _ := NewSGD(SGDConfig{LearningRate: 0.1}, [][]int{{2}})
	w := tensor.Zeros(2)
	g := tensor.Zeros(3)
	if err := sgd.Step([]*tensor.Tensor{w}, []*tensor.Tensor{g}); err == nil {
		t.Error("expected shape mismatch error")
	}
	if err := sgd.Step([]*tensor.Tensor{w}, nil); err == nil {
		t.Error("expected gradient count error")
	}
}

func TestSGDStateRoundTrip(t *testing.T) {
	sgd, _ := NewSGD(SGDConfig{LearningRate: 0.1, Momentum: 0.9}, [][]int{{2}})
	w, _ := tensor.NewFromData([]float32{1, 1}, 2)
	g, _ := tensor.NewFromData([]float32{0.5, 0.25}, 2)
	if err := sgd.Step([]*tensor.Tensor{w}, []*tensor.Tensor{g}); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	state, err := sgd.GetState()
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if state.Type != "SGD" {
		t.Errorf("Expected state type SGD, got %q", state.Type)
	}
	if len(state.StateData) != 1 {
		t.Fatalf("Expected 1 momentum buffer, got %d", len(state.StateData))
	}

	restored, _ := NewSGD(SGDConfig{LearningRate: 0.1, Momentum: 0.9}, [][]int{{2}})
	if err := restored.LoadState(state); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}

	// Both take the same next step from identical state.
	w1, _ := tensor.NewFromData([]float32{5, 5}, 2)
	w2 := w1.Clone()
	if err := sgd.Step([]*tensor.Tensor{w1}, []*tensor.Tensor{g}); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if err := restored.Step([]*tensor.Tensor{w2}, []*tensor.Tensor{g}); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	for i := range w1.Data {
		if w1.Data[i] != w2.Data[i] {
			t.Errorf("w[%d] diverged after state restore: %f vs %f", i, w1.Data[i], w2.Data[i])
		}
	}
}

func TestSGDLoadStateTypeMismatch(t *testing.T) {
	sgd, _ := NewSGD(SGDConfig{LearningRate: 0.1}, [][]int{{2}})
	if err := sgd.LoadState(&State{Type: "Adam"}); err == nil {
		t.Error("expected state type mismatch error")
	}
}

func TestSGDLearningRateUpdate(t *testing.T) {
	sgd, _ := NewSGD(SGDConfig{LearningRate: 0.1}, [][]int{{1}})
	sgd.UpdateLearningRate(0.01)
	if got := sgd.GetLearningRate(); got != 0.01 {
		t.Errorf("Expected lr 0.01, got %f", got)
	}
}
