package layers

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCompileDenseModel(t *testing.T) {
	spec, err := NewModelBuilder([]int{1, 32, 32}).
		AddFlatten("flatten").
		AddDense(128, true, "fc1").
		AddReLU("relu1").
		AddDense(10, true, "fc2").
		Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	if !spec.Compiled {
		t.Error("spec not marked compiled")
	}
	if diff := cmp.Diff([]int{10}, spec.OutputShape); diff != "" {
		t.Errorf("OutputShape mismatch (-want +got):\n%s", diff)
	}
	// fc1: 1024*128 + 128, fc2: 128*10 + 10.
	wantParams := int64(1024*128 + 128 + 128*10 + 10)
	if spec.TotalParameters != wantParams {
		t.Errorf("Expected %d parameters, got %d", wantParams, spec.TotalParameters)
	}
	wantShapes := [][]int{{128, 1024}, {128}, {10, 128}, {10}}
	if diff := cmp.Diff(wantShapes, spec.ParameterShapes); diff != "" {
		t.Errorf("ParameterShapes mismatch (-want +got):\n%s", diff)
	}
}

func TestCompileConvModel(t *testing.T) {
	spec, err := NewModelBuilder([]int{3, 32, 32}).
		AddConv2D(16, 3, 1, 1, true, "conv1").
		AddReLU("relu1").
		AddMaxPool2D(2, 2, "pool1").
		AddFlatten("flatten").
		AddDense(10, false, "fc").
		Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	// Same-padded conv keeps 32x32; pool halves it.
	conv := spec.Layers[0]
	if diff := cmp.Diff([]int{16, 32, 32}, conv.OutputShape); diff != "" {
		t.Errorf("conv OutputShape mismatch (-want +got):\n%s", diff)
	}
	pool := spec.Layers[2]
	if diff := cmp.Diff([]int{16, 16, 16}, pool.OutputShape); diff != "" {
		t.Errorf("pool OutputShape mismatch (-want +got):\n%s", diff)
	}
	flat := spec.Layers[3]
	if diff := cmp.Diff([]int{16 * 16 * 16}, flat.OutputShape); diff != "" {
		t.Errorf("flatten OutputShape mismatch (-want +got):\n%s", diff)
	}
}

func TestCompileBatchNorm(t *testing.T) {
	spec, err := NewModelBuilder([]int{8, 4, 4}).
		AddBatchNorm(8, 1e-5, 0.1, true, "bn1").
		Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	bn := spec.Layers[0]
	if diff := cmp.Diff([][]int{{8}, {8}}, bn.ParameterShapes); diff != "" {
		t.Errorf("bn ParameterShapes mismatch (-want +got):\n%s", diff)
	}
	stats := bn.RunningStatistics
	if stats == nil {
		t.Fatal("bn missing running statistics")
	}
	if len(stats["running_mean"]) != 8 || len(stats["running_var"]) != 8 {
		t.Error("running statistics have wrong size")
	}
	for i, v := range stats["running_var"] {
		if v != 1 {
			t.Errorf("running_var[%d]: expected 1, got %f", i, v)
		}
	}
	if bn.ParameterCount != 16 {
		t.Errorf("Expected 16 bn parameters, got %d", bn.ParameterCount)
	}
}

func TestCompileBatchNormChannelMismatch(t *testing.T) {
	_, err := NewModelBuilder([]int{8, 4, 4}).
		AddBatchNorm(16, 1e-5, 0.1, true, "bn1").
		Compile()
	if err == nil {
		t.Error("expected channel mismatch error")
	}
}

func TestCompileRejectsDuplicateNames(t *testing.T) {
	_, err := NewModelBuilder([]int{4}).
		AddDense(4, false, "fc").
		AddDense(4, false, "fc").
		Compile()
	if err == nil {
		t.Error("expected duplicate name error")
	}
}

func TestCompileRejectsUnnamedLayer(t *testing.T) {
	_, err := NewModelBuilder([]int{4}).
		AddDense(4, false, "").
		Compile()
	if err == nil {
		t.Error("expected missing name error")
	}
}

func TestCompileRejectsEmptyModel(t *testing.T) {
	if _, err := NewModelBuilder([]int{4}).Compile(); err == nil {
		t.Error("expected error for empty model")
	}
}

func TestCompileDenseNeedsFlatInput(t *testing.T) {
	_, err := NewModelBuilder([]int{3, 8, 8}).
		AddDense(10, true, "fc").
		Compile()
	if err == nil {
		t.Error("expected error for dense on spatial input")
	}
}

func TestCompilePoolCollapse(t *testing.T) {
	// Pooling a 2x2 input twice collapses the spatial dims to zero.
	_, err := NewModelBuilder([]int{1, 2, 2}).
		AddMaxPool2D(2, 2, "pool1").
		AddMaxPool2D(2, 2, "pool2").
		Compile()
	if err == nil {
		t.Error("expected collapsed shape error")
	}
}

func TestFindLayer(t *testing.T) {
	spec, err := NewModelBuilder([]int{4}).
		AddDense(4, false, "fc1").
		AddReLU("relu1").
		Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if idx := spec.FindLayer("relu1"); idx != 1 {
		t.Errorf("Expected index 1 for relu1, got %d", idx)
	}
	if idx := spec.FindLayer("absent"); idx != -1 {
		t.Errorf("Expected -1 for unknown layer, got %d", idx)
	}
	if diff := cmp.Diff([]string{"fc1", "relu1"}, spec.LayerNames()); diff != "" {
		t.Errorf("LayerNames mismatch (-want +got):\n%s", diff)
	}
}

func TestParamAccessors(t *testing.T) {
	ls := &LayerSpec{Parameters: map[string]interface{}{
		"int":       3,
		"jsonfloat": float64(7),
		"rate":      float32(0.5),
		"flag":      true,
	}}

	if v, ok := ls.IntParam("int"); !ok || v != 3 {
		t.Errorf("IntParam(int): got %d, %v", v, ok)
	}
	// JSON decoding turns numbers into float64; IntParam must cope.
	if v, ok := ls.IntParam("jsonfloat"); !ok || v != 7 {
		t.Errorf("IntParam(jsonfloat): got %d, %v", v, ok)
	}
	if v, ok := ls.FloatParam("rate"); !ok || v != 0.5 {
		t.Errorf("FloatParam(rate): got %f, %v", v, ok)
	}
	if v, ok := ls.BoolParam("flag"); !ok || !v {
		t.Errorf("BoolParam(flag): got %v, %v", v, ok)
	}
	if _, ok := ls.IntParam("absent"); ok {
		t.Error("IntParam(absent) should report missing")
	}
}
