package models

import (
	"fmt"

	"github.com/tsawler/go-collapse/layers"
)

// Build constructs a model by its configured name. Layer names follow
// the torchvision-style dotted convention ("features.conv1_1",
// "classifier.fc2") so experiment configs can address them directly.
func Build(modelName string, inputShape []int, numClasses int, seed int64) (*Model, error) {
	if numClasses <= 0 {
		return nil, fmt.Errorf("model %q requires a positive class count, got %d", modelName, numClasses)
	}

	var builder *layers.ModelBuilder
	switch modelName {
	case "mlp":
		builder = buildMLP(inputShape, numClasses)
	case "convnet":
		builder = buildConvNet(inputShape, numClasses)
	case "vgg16":
		builder = buildVGG16(inputShape, numClasses, false)
	case "vgg16-bn":
		builder = buildVGG16(inputShape, numClasses, true)
	default:
		return nil, fmt.Errorf("unknown model name %q (known: mlp, convnet, vgg16, vgg16-bn)", modelName)
	}

	spec, err := builder.Compile()
	if err != nil {
		return nil, fmt.Errorf("failed to compile model %q: %v", modelName, err)
	}
	return NewModel(spec, seed)
}

func buildMLP(inputShape []int, numClasses int) *layers.ModelBuilder {
	return layers.NewModelBuilder(inputShape).
		AddFlatten("features.flatten").
		AddDense(512, true, "classifier.fc1").
		AddReLU("classifier.relu1").
		AddDense(512, true, "classifier.fc2").
		AddReLU("classifier.relu2").
		AddDense(numClasses, true, "classifier.fc3")
}

func buildConvNet(inputShape []int, numClasses int) *layers.ModelBuilder {
	return layers.NewModelBuilder(inputShape).
		AddConv2D(32, 3, 1, 1, true, "features.conv1").
		AddReLU("features.relu1").
		AddMaxPool2D(2, 2, "features.pool1").
		AddConv2D(64, 3, 1, 1, true, "features.conv2").
		AddReLU("features.relu2").
		AddMaxPool2D(2, 2, "features.pool2").
		AddFlatten("features.flatten").
		AddDense(256, true, "classifier.fc1").
		AddReLU("classifier.relu1").
		AddDense(numClasses, true, "classifier.fc2")
}

// vgg16Blocks lists the conv channel counts per block of configuration D.
var vgg16Blocks = [][]int{
	{64, 64},
	{128, 128},
	{256, 256, 256},
	{512, 512, 512},
	{512, 512, 512},
}

// buildVGG16 assembles VGG16 (configuration D) with an optional batch
// norm after every convolution. The classifier follows the compact
// CIFAR variant: two 512-unit hidden layers with dropout.
func buildVGG16(inputShape []int, numClasses int, batchNorm bool) *layers.ModelBuilder {
	mb := layers.NewModelBuilder(inputShape)

	for blockIdx, block := range vgg16Blocks {
		for convIdx, channels := range block {
			suffix := fmt.Sprintf("%d_%d", blockIdx+1, convIdx+1)
			mb.AddConv2D(channels, 3, 1, 1, !batchNorm, "features.conv"+suffix)
			if batchNorm {
				mb.AddBatchNorm(channels, 1e-5, 0.1, true, "features.bn"+suffix)
			}
			mb.AddReLU("features.relu" + suffix)
		}
		mb.AddMaxPool2D(2, 2, fmt.Sprintf("features.pool%d", blockIdx+1))
	}

	return mb.
		AddFlatten("classifier.flatten").
		AddDense(512, true, "classifier.fc1").
		AddReLU("classifier.relu1").
		AddDropout(0.5, "classifier.drop1").
		AddDense(512, true, "classifier.fc2").
		AddReLU("classifier.relu2").
		AddDropout(0.5, "classifier.drop2").
		AddDense(numClasses, true, "classifier.fc3")
}
