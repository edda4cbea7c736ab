package layers

import (
	"fmt"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	Conv2D
	ReLU
	Softmax
	MaxPool2D
	Dropout
	BatchNorm
	Flatten
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Conv2D:
		return "Conv2D"
	case ReLU:
		return "ReLU"
	case Softmax:
		return "Softmax"
	case MaxPool2D:
		return "MaxPool2D"
	case Dropout:
		return "Dropout"
	case BatchNorm:
		return "BatchNorm"
	case Flatten:
		return "Flatten"
	default:
		return "Unknown"
	}
}

// LayerSpec defines layer configuration - no execution logic.
// Name is the dotted path used to address the layer from experiment
// configuration (e.g. "features.conv1_1", "classifier.fc1").
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Shape information (computed during model compilation)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`

	// Non-learnable state (BatchNorm running statistics)
	RunningStatistics map[string][]float32 `json:"running_statistics,omitempty"`
}

// IntParam reads an integer parameter from the spec, tolerating the
// float64 representation JSON round-trips produce.
func (ls *LayerSpec) IntParam(key string) (int, bool) {
	v, ok := ls.Parameters[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// FloatParam reads a float parameter from the spec.
func (ls *LayerSpec) FloatParam(key string) (float64, bool) {
	v, ok := ls.Parameters[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

// BoolParam reads a boolean parameter from the spec.
func (ls *LayerSpec) BoolParam(key string) (bool, bool) {
	v, ok := ls.Parameters[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// ModelSpec defines a complete neural network model as layer configuration
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	// Compiled model information
	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// LayerNames returns the layer names in model order.
func (ms *ModelSpec) LayerNames() []string {
	names := make([]string, len(ms.Layers))
	for i, l := range ms.Layers {
		names[i] = l.Name
	}
	return names
}

// FindLayer returns the index of the layer with the given name, or -1.
func (ms *ModelSpec) FindLayer(name string) int {
	for i, l := range ms.Layers {
		if l.Name == name {
			return i
		}
	}
	return -1
}

// ModelBuilder helps construct neural network models
type ModelBuilder struct {
	layers     []LayerSpec
	inputShape []int
	compiled   bool
}

// NewModelBuilder creates a new model builder. The input shape excludes
// the batch dimension (e.g. [3, 32, 32] for CIFAR-10).
func NewModelBuilder(inputShape []int) *ModelBuilder {
	return &ModelBuilder{
		layers:     make([]LayerSpec, 0),
		inputShape: inputShape,
		compiled:   false,
	}
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	mb.layers = append(mb.layers, layer)
	mb.compiled = false // Invalidate compilation
	return mb
}

// AddDense adds a dense layer to the model
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, name string) *ModelBuilder {
	// Input size will be computed during compilation
	return mb.AddLayer(LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"output_size": outputSize,
			"use_bias":    useBias,
		},
	})
}

// AddConv2D adds a Conv2D layer to the model
func (mb *ModelBuilder) AddConv2D(outputChannels, kernelSize, stride, padding int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Conv2D,
		Name: name,
		Parameters: map[string]interface{}{
			"output_channels": outputChannels,
			"kernel_size":     kernelSize,
			"stride":          stride,
			"padding":         padding,
			"use_bias":        useBias,
		},
	})
}

// AddReLU adds a ReLU activation to the model
func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:       ReLU,
		Name:       name,
		Parameters: map[string]interface{}{},
	})
}

// AddSoftmax adds a Softmax activation to the model
func (mb *ModelBuilder) AddSoftmax(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:       Softmax,
		Name:       name,
		Parameters: map[string]interface{}{},
	})
}

// AddMaxPool2D adds a max pooling layer to the model
func (mb *ModelBuilder) AddMaxPool2D(poolSize, stride int, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: MaxPool2D,
		Name: name,
		Parameters: map[string]interface{}{
			"pool_size": poolSize,
			"stride":    stride,
		},
	})
}

// AddDropout adds a Dropout layer to the model.
// rate: dropout probability (0.0 = no dropout, 1.0 = drop all)
func (mb *ModelBuilder) AddDropout(rate float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Dropout,
		Name: name,
		Parameters: map[string]interface{}{
			"rate": rate,
		},
	})
}

// AddBatchNorm adds a Batch Normalization layer to the model.
// numFeatures: number of input channels (Conv) or neurons (Dense)
func (mb *ModelBuilder) AddBatchNorm(numFeatures int, eps float32, momentum float32, affine bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: BatchNorm,
		Name: name,
		Parameters: map[string]interface{}{
			"num_features": numFeatures,
			"eps":          eps,
			"momentum":     momentum,
			"affine":       affine,
		},
	})
}

// AddFlatten adds a layer collapsing all non-batch dimensions into one
func (mb *ModelBuilder) AddFlatten(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:       Flatten,
		Name:       name,
		Parameters: map[string]interface{}{},
	})
}

// Compile compiles the model and computes shapes and parameter counts
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}

	seen := make(map[string]bool, len(mb.layers))
	for _, l := range mb.layers {
		if l.Name == "" {
			return nil, fmt.Errorf("layer of type %s has no name", l.Type)
		}
		if seen[l.Name] {
			return nil, fmt.Errorf("duplicate layer name %q", l.Name)
		}
		seen[l.Name] = true
	}

	model := &ModelSpec{
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: mb.inputShape,
		Compiled:   false,
	}
	copy(model.Layers, mb.layers)

	currentShape := mb.inputShape
	var allParameterShapes [][]int
	totalParams := int64(0)

	for i := range model.Layers {
		layer := &model.Layers[i]

		layer.InputShape = make([]int, len(currentShape))
		copy(layer.InputShape, currentShape)

		outputShape, paramShapes, paramCount, err := computeLayerInfo(layer, currentShape)
		if err != nil {
			return nil, fmt.Errorf("failed to compute layer %d (%s) info: %v", i, layer.Name, err)
		}

		layer.OutputShape = outputShape
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = paramCount

		allParameterShapes = append(allParameterShapes, paramShapes...)
		totalParams += paramCount

		currentShape = outputShape
	}

	model.OutputShape = currentShape
	model.ParameterShapes = allParameterShapes
	model.TotalParameters = totalParams
	model.Compiled = true
	mb.compiled = true

	return model, nil
}

// computeLayerInfo computes output shape and parameter information for a layer
func computeLayerInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	switch layer.Type {
	case Dense:
		return computeDenseInfo(layer, inputShape)
	case Conv2D:
		return computeConv2DInfo(layer, inputShape)
	case MaxPool2D:
		return computeMaxPool2DInfo(layer, inputShape)
	case BatchNorm:
		return computeBatchNormInfo(layer, inputShape)
	case Flatten:
		return computeFlattenInfo(inputShape)
	case ReLU, Softmax, Dropout:
		// Shape-preserving layers with no parameters
		return append([]int(nil), inputShape...), nil, 0, nil
	default:
		return nil, nil, 0, fmt.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

func computeDenseInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 1 {
		return nil, nil, 0, fmt.Errorf("dense layer requires flat input, got shape %v (add a Flatten layer first)", inputShape)
	}
	outputSize, ok := layer.IntParam("output_size")
	if !ok || outputSize <= 0 {
		return nil, nil, 0, fmt.Errorf("dense layer requires positive output_size")
	}
	inputSize := inputShape[0]
	layer.Parameters["input_size"] = inputSize

	paramShapes := [][]int{{outputSize, inputSize}}
	count := int64(outputSize) * int64(inputSize)
	if useBias, _ := layer.BoolParam("use_bias"); useBias {
		paramShapes = append(paramShapes, []int{outputSize})
		count += int64(outputSize)
	}
	return []int{outputSize}, paramShapes, count, nil
}

func computeConv2DInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 3 {
		return nil, nil, 0, fmt.Errorf("conv2d layer requires [C,H,W] input, got shape %v", inputShape)
	}
	inC, h, w := inputShape[0], inputShape[1], inputShape[2]
	outC, ok := layer.IntParam("output_channels")
	if !ok || outC <= 0 {
		return nil, nil, 0, fmt.Errorf("conv2d layer requires positive output_channels")
	}
	k, ok := layer.IntParam("kernel_size")
	if !ok || k <= 0 {
		return nil, nil, 0, fmt.Errorf("conv2d layer requires positive kernel_size")
	}
	stride, _ := layer.IntParam("stride")
	if stride <= 0 {
		stride = 1
	}
	pad, _ := layer.IntParam("padding")
	if pad < 0 {
		pad = 0
	}
	layer.Parameters["input_channels"] = inC

	outH := (h+2*pad-k)/stride + 1
	outW := (w+2*pad-k)/stride + 1
	if outH <= 0 || outW <= 0 {
		return nil, nil, 0, fmt.Errorf("conv2d output shape collapsed to [%d,%d,%d]", outC, outH, outW)
	}

	paramShapes := [][]int{{outC, inC, k, k}}
	count := int64(outC) * int64(inC) * int64(k) * int64(k)
	if useBias, _ := layer.BoolParam("use_bias"); useBias {
		paramShapes = append(paramShapes, []int{outC})
		count += int64(outC)
	}
	return []int{outC, outH, outW}, paramShapes, count, nil
}

func computeMaxPool2DInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 3 {
		return nil, nil, 0, fmt.Errorf("maxpool2d layer requires [C,H,W] input, got shape %v", inputShape)
	}
	c, h, w := inputShape[0], inputShape[1], inputShape[2]
	pool, ok := layer.IntParam("pool_size")
	if !ok || pool <= 0 {
		return nil, nil, 0, fmt.Errorf("maxpool2d layer requires positive pool_size")
	}
	stride, _ := layer.IntParam("stride")
	if stride <= 0 {
		stride = pool
		layer.Parameters["stride"] = stride
	}
	outH := (h-pool)/stride + 1
	outW := (w-pool)/stride + 1
	if outH <= 0 || outW <= 0 {
		return nil, nil, 0, fmt.Errorf("maxpool2d output shape collapsed to [%d,%d,%d]", c, outH, outW)
	}
	return []int{c, outH, outW}, nil, 0, nil
}

func computeBatchNormInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	numFeatures, ok := layer.IntParam("num_features")
	if !ok || numFeatures <= 0 {
		return nil, nil, 0, fmt.Errorf("batchnorm layer requires positive num_features")
	}
	if inputShape[0] != numFeatures {
		return nil, nil, 0, fmt.Errorf("batchnorm num_features %d does not match input channels %d", numFeatures, inputShape[0])
	}

	// Running statistics live on the spec so checkpoints carry them
	if layer.RunningStatistics == nil {
		mean := make([]float32, numFeatures)
		variance := make([]float32, numFeatures)
		for i := range variance {
			variance[i] = 1.0
		}
		layer.RunningStatistics = map[string][]float32{
			"running_mean": mean,
			"running_var":  variance,
		}
	}

	affine, _ := layer.BoolParam("affine")
	if !affine {
		return append([]int(nil), inputShape...), nil, 0, nil
	}
	paramShapes := [][]int{{numFeatures}, {numFeatures}} // gamma, beta
	return append([]int(nil), inputShape...), paramShapes, int64(2 * numFeatures), nil
}

func computeFlattenInfo(inputShape []int) ([]int, [][]int, int64, error) {
	n := 1
	for _, d := range inputShape {
		n *= d
	}
	return []int{n}, nil, 0, nil
}
