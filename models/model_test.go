package models

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tsawler/go-collapse/layers"
	"github.com/tsawler/go-collapse/tensor"
)

func buildSmallMLP(t *testing.T) *Model {
	t.Helper()
	spec, err := layers.NewModelBuilder([]int{4}).
		AddDense(8, true, "fc1").
		AddReLU("relu1").
		AddDense(3, true, "fc2").
		Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	m, err := NewModel(spec, 1)
	if err != nil {
		t.Fatalf("NewModel failed: %v", err)
	}
	return m
}

func TestForwardShapes(t *testing.T) {
	m := buildSmallMLP(t)
	x := tensor.Zeros(5, 4)

	out, err := m.Forward(x, false)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if diff := cmp.Diff([]int{5, 3}, out.Shape); diff != "" {
		t.Errorf("output shape mismatch (-want +got):\n%s", diff)
	}
}

func TestForwardRequiresBatchDimension(t *testing.T) {
	m := buildSmallMLP(t)
	x := tensor.Zeros(4)
	if _, err := m.Forward(x, false); err == nil {
		t.Error("expected error for input without batch dimension")
	}
}

func TestDeterministicInitialization(t *testing.T) {
	a := buildSmallMLP(t)
	b := buildSmallMLP(t)
	for i, p := range a.Parameters() {
		q := b.Parameters()[i]
		for j := range p.Data {
			if p.Data[j] != q.Data[j] {
				t.Fatalf("parameter %d diverges at %d with identical seeds", i, j)
			}
		}
	}
}

func TestTapInvocation(t *testing.T) {
	m := buildSmallMLP(t)

	var calls int
	var observedShape []int
	err := m.AttachTap("relu1", func(output *tensor.Tensor) {
		calls++
		observedShape = output.Shape
	})
	if err != nil {
		t.Fatalf("AttachTap failed: %v", err)
	}

	x := tensor.Zeros(2, 4)
	if _, err := m.Forward(x, false); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 tap call, got %d", calls)
	}
	if diff := cmp.Diff([]int{2, 8}, observedShape); diff != "" {
		t.Errorf("tap observed shape mismatch (-want +got):\n%s", diff)
	}

	m.DetachTap("relu1")
	if _, err := m.Forward(x, false); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("Tap fired after detach: %d calls", calls)
	}
}

func TestTapDoesNotChangeOutput(t *testing.T) {
	m := buildSmallMLP(t)
	x, _ := tensor.NewFromData([]float32{1, 2, 3, 4}, 1, 4)

	baseline, err := m.Forward(x, false)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	if err := m.AttachTap("fc1", func(*tensor.Tensor) {}); err != nil {
		t.Fatalf("AttachTap failed: %v", err)
	}
	tapped, err := m.Forward(x, false)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	for i := range baseline.Data {
		if baseline.Data[i] != tapped.Data[i] {
			t.Fatalf("output %d changed with a tap attached", i)
		}
	}
}

func TestAttachTapUnknownLayer(t *testing.T) {
	m := buildSmallMLP(t)
	if err := m.AttachTap("absent", func(*tensor.Tensor) {}); err == nil {
		t.Error("expected error for unknown layer")
	}
	if err := m.AttachTap("fc1", nil); err == nil {
		t.Error("expected error for nil callback")
	}
}

func TestBackwardAlignment(t *testing.T) {
	m := buildSmallMLP(t)
	x := tensor.Zeros(2, 4)
	for i := range x.Data {
		x.Data[i] = float32(i) * 0.1
	}

	out, err := m.Forward(x, true)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	grads, err := m.Backward(tensor.Zeros(out.Shape...))
	if err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	params := m.Parameters()
	if len(grads) != len(params) {
		t.Fatalf("Expected %d gradients, got %d", len(params), len(grads))
	}
	for i, g := range grads {
		if !g.ShapeEquals(params[i]) {
			t.Errorf("gradient %d shape %v does not match parameter shape %v", i, g.Shape, params[i].Shape)
		}
	}
}

func TestBackwardWithoutTrainingForward(t *testing.T) {
	m := buildSmallMLP(t)
	x := tensor.Zeros(2, 4)
	if _, err := m.Forward(x, false); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if _, err := m.Backward(tensor.Zeros(2, 3)); err == nil {
		t.Error("expected error without cached activations")
	}
}

func TestDenseGradientNumeric(t *testing.T) {
	// Check one weight gradient of a single dense layer against a
	// central finite difference of the squared-output objective.
	spec, err := layers.NewModelBuilder([]int{2}).
		AddDense(1, false, "fc").
		Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	m, err := NewModel(spec, 3)
	if err != nil {
		t.Fatalf("NewModel failed: %v", err)
	}

	x, _ := tensor.NewFromData([]float32{0.5, -0.25}, 1, 2)
	objective := func() float64 {
		out, err := m.Forward(x, true)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		return 0.5 * float64(out.Data[0]) * float64(out.Data[0])
	}

	out, err := m.Forward(x, true)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	// d(0.5*y^2)/dy = y
	grads, err := m.Backward(out.Clone())
	if err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	analytic := float64(grads[0].Data[0])

	w := m.Parameters()[0]
	const eps = 1e-3
	orig := w.Data[0]
	w.Data[0] = orig + eps
	plus := objective()
	w.Data[0] = orig - eps
	minus := objective()
	w.Data[0] = orig
	numeric := (plus - minus) / (2 * eps)

	if math.Abs(analytic-numeric) > 1e-2*math.Max(1, math.Abs(numeric)) {
		t.Errorf("analytic gradient %g disagrees with numeric %g", analytic, numeric)
	}
}

func TestDropoutIdentityInEval(t *testing.T) {
	spec, err := layers.NewModelBuilder([]int{4}).
		AddDropout(0.5, "drop").
		Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	m, err := NewModel(spec, 1)
	if err != nil {
		t.Fatalf("NewModel failed: %v", err)
	}

	x, _ := tensor.NewFromData([]float32{1, 2, 3, 4}, 1, 4)
	out, err := m.Forward(x, false)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	for i := range x.Data {
		if out.Data[i] != x.Data[i] {
			t.Errorf("eval-mode dropout altered element %d: %f vs %f", i, out.Data[i], x.Data[i])
		}
	}
}

func TestLoadParameters(t *testing.T) {
	a := buildSmallMLP(t)
	b, err := NewModel(a.Spec(), 99)
	if err != nil {
		t.Fatalf("NewModel failed: %v", err)
	}

	cloned := make([]*tensor.Tensor, 0, len(a.Parameters()))
	for _, p := range a.Parameters() {
		cloned = append(cloned, p.Clone())
	}
	if err := b.LoadParameters(cloned); err != nil {
		t.Fatalf("LoadParameters failed: %v", err)
	}

	x, _ := tensor.NewFromData([]float32{1, -1, 0.5, 2}, 1, 4)
	outA, _ := a.Forward(x, false)
	outB, _ := b.Forward(x, false)
	for i := range outA.Data {
		if outA.Data[i] != outB.Data[i] {
			t.Fatalf("outputs differ at %d after parameter transfer", i)
		}
	}

	if err := b.LoadParameters(cloned[:1]); err == nil {
		t.Error("expected error for parameter count mismatch")
	}
}

// buildBNModel compiles a fresh spec per call so two models never share
// running statistics through a common spec pointer.
func buildBNModel(t *testing.T, seed int64) *Model {
	t.Helper()
	spec, err := layers.NewModelBuilder([]int{4}).
		AddDense(6, true, "fc1").
		AddBatchNorm(6, 1e-5, 0.1, true, "bn1").
		AddReLU("relu1").
		AddDense(3, true, "fc2").
		Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	m, err := NewModel(spec, seed)
	if err != nil {
		t.Fatalf("NewModel failed: %v", err)
	}
	return m
}

func TestLoadRunningStatistics(t *testing.T) {
	trained := buildBNModel(t, 1)

	// A few training passes move the running estimates away from their
	// initial mean 0 / var 1.
	batch, _ := tensor.NewFromData([]float32{
		1, -2, 0.5, 3,
		-1, 2, -0.5, -3,
		4, 1, 2, -1,
		-4, -1, -2, 1,
	}, 4, 4)
	for i := 0; i < 3; i++ {
		if _, err := trained.Forward(batch, true); err != nil {
			t.Fatalf("training Forward failed: %v", err)
		}
	}
	trained.ClearCaches()

	resumed := buildBNModel(t, 99)
	cloned := make([]*tensor.Tensor, 0, len(trained.Parameters()))
	for _, p := range trained.Parameters() {
		cloned = append(cloned, p.Clone())
	}
	if err := resumed.LoadParameters(cloned); err != nil {
		t.Fatalf("LoadParameters failed: %v", err)
	}

	x, _ := tensor.NewFromData([]float32{0.5, 1.5, -1, 2}, 1, 4)
	want, err := trained.Forward(x, false)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	// Weights alone are not enough: inference still normalizes with the
	// freshly-initialized running estimates.
	partial, err := resumed.Forward(x, false)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	same := true
	for i := range want.Data {
		if want.Data[i] != partial.Data[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("expected inference outputs to diverge before running statistics are restored")
	}

	if err := resumed.LoadRunningStatistics(trained.Spec()); err != nil {
		t.Fatalf("LoadRunningStatistics failed: %v", err)
	}
	got, err := resumed.Forward(x, false)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	for i := range want.Data {
		if want.Data[i] != got.Data[i] {
			t.Fatalf("outputs differ at %d after full state transfer: %f vs %f", i, want.Data[i], got.Data[i])
		}
	}
}

func TestLoadRunningStatisticsMismatch(t *testing.T) {
	m := buildBNModel(t, 1)
	if err := m.LoadRunningStatistics(nil); err == nil {
		t.Error("expected error for nil spec")
	}
	if err := m.LoadRunningStatistics(buildSmallMLP(t).Spec()); err == nil {
		t.Error("expected error for mismatched layer layout")
	}
}

func TestBuildRegistry(t *testing.T) {
	tests := []struct {
		name    string
		shape   []int
		classes int
		wantErr bool
	}{
		{"mlp", []int{1, 32, 32}, 10, false},
		{"convnet", []int{3, 32, 32}, 10, false},
		{"vgg16", []int{3, 32, 32}, 10, false},
		{"vgg16-bn", []int{3, 32, 32}, 10, false},
		{"resnet50", []int{3, 32, 32}, 10, true},
		{"mlp", []int{1, 32, 32}, 0, true},
	}
	for _, tt := range tests {
		m, err := Build(tt.name, tt.shape, tt.classes, 1)
		if tt.wantErr {
			if err == nil {
				t.Errorf("Build(%q): expected error", tt.name)
			}
			continue
		}
		if err != nil {
			t.Errorf("Build(%q): unexpected error: %v", tt.name, err)
			continue
		}
		outShape := m.Spec().OutputShape
		if len(outShape) != 1 || outShape[0] != tt.classes {
			t.Errorf("Build(%q): expected output [%d], got %v", tt.name, tt.classes, outShape)
		}
	}
}

func TestVGG16TapPoints(t *testing.T) {
	m, err := Build("vgg16", []int{3, 32, 32}, 10, 1)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	points := make(map[string]bool)
	for _, p := range m.TapPoints() {
		points[p] = true
	}
	for _, want := range []string{"features.conv1_1", "features.pool5", "classifier.fc1", "classifier.fc3"} {
		if !points[want] {
			t.Errorf("missing tap point %q", want)
		}
	}
}
