package training

import (
	"fmt"
	"math"
	"strings"

	"github.com/tsawler/go-collapse/tensor"
)

// Loss defines the interface all loss functions implement. Forward
// returns the scalar loss for a batch; Backward returns the gradient
// of the loss with respect to the predictions.
type Loss interface {
	Forward(predicted, target *tensor.Tensor) (float64, error)
	Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
	Name() string
}

// NewLoss maps the configured loss identifier onto an implementation.
func NewLoss(name string) (Loss, error) {
	switch strings.ToLower(name) {
	case "mseloss":
		return &MSELoss{}, nil
	case "crossentropy":
		return &CrossEntropyLoss{}, nil
	default:
		return nil, fmt.Errorf("unsupported loss %q (known: mseloss, crossentropy)", name)
	}
}

// MSELoss implements mean squared error against one-hot targets,
// averaged over every element of the batch.
type MSELoss struct{}

func (mse *MSELoss) Name() string { return "MSELoss" }

// Forward computes L = (1/N) * sum((y_pred - y_true)^2)
func (mse *MSELoss) Forward(predicted, target *tensor.Tensor) (float64, error) {
	if !predicted.ShapeEquals(target) {
		return 0, fmt.Errorf("predicted and target tensors must have the same shape: %v vs %v", predicted.Shape, target.Shape)
	}
	var sum float64
	for i := range predicted.Data {
		d := float64(predicted.Data[i]) - float64(target.Data[i])
		sum += d * d
	}
	return sum / float64(predicted.NumElems), nil
}

// Backward computes dL/d(pred) = 2 * (predicted - target) / N
func (mse *MSELoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if !predicted.ShapeEquals(target) {
		return nil, fmt.Errorf("predicted and target tensors must have the same shape: %v vs %v", predicted.Shape, target.Shape)
	}
	grad := tensor.Zeros(predicted.Shape...)
	scale := 2.0 / float32(predicted.NumElems)
	for i := range predicted.Data {
		grad.Data[i] = scale * (predicted.Data[i] - target.Data[i])
	}
	return grad, nil
}

// CrossEntropyLoss fuses softmax with negative log-likelihood over
// one-hot targets, which keeps the backward pass to the numerically
// stable (softmax - target) / batch form.
type CrossEntropyLoss struct{}

func (ce *CrossEntropyLoss) Name() string { return "CrossEntropy" }

func (ce *CrossEntropyLoss) Forward(predicted, target *tensor.Tensor) (float64, error) {
	probs, err := ce.softmax(predicted)
	if err != nil {
		return 0, err
	}
	if !predicted.ShapeEquals(target) {
		return 0, fmt.Errorf("predicted and target tensors must have the same shape: %v vs %v", predicted.Shape, target.Shape)
	}
	n, c := predicted.Shape[0], predicted.Shape[1]
	var sum float64
	for i := 0; i < n; i++ {
		for j := 0; j < c; j++ {
			t := float64(target.Data[i*c+j])
			if t == 0 {
				continue
			}
			p := math.Max(float64(probs.Data[i*c+j]), 1e-12)
			sum -= t * math.Log(p)
		}
	}
	return sum / float64(n), nil
}

func (ce *CrossEntropyLoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	probs, err := ce.softmax(predicted)
	if err != nil {
		return nil, err
	}
	if !predicted.ShapeEquals(target) {
		return nil, fmt.Errorf("predicted and target tensors must have the same shape: %v vs %v", predicted.Shape, target.Shape)
	}
	n := predicted.Shape[0]
	grad := tensor.Zeros(predicted.Shape...)
	invN := 1.0 / float32(n)
	for i := range grad.Data {
		grad.Data[i] = (probs.Data[i] - target.Data[i]) * invN
	}
	return grad, nil
}

func (ce *CrossEntropyLoss) softmax(logits *tensor.Tensor) (*tensor.Tensor, error) {
	if logits.Dims() != 2 {
		return nil, fmt.Errorf("cross entropy requires [N,C] logits, got shape %v", logits.Shape)
	}
	n, c := logits.Shape[0], logits.Shape[1]
	out := tensor.Zeros(n, c)
	for i := 0; i < n; i++ {
		row := logits.Data[i*c : (i+1)*c]
		maxVal := row[0]
		for _, v := range row[1:] {
			if v > maxVal {
				maxVal = v
			}
		}
		var sum float64
		outRow := out.Data[i*c : (i+1)*c]
		for j, v := range row {
			e := math.Exp(float64(v - maxVal))
			outRow[j] = float32(e)
			sum += e
		}
		inv := float32(1.0 / sum)
		for j := range outRow {
			outRow[j] *= inv
		}
	}
	return out, nil
}

// OneHot expands integer labels into a [N, numClasses] target tensor.
func OneHot(labels []int, numClasses int) (*tensor.Tensor, error) {
	out := tensor.Zeros(len(labels), numClasses)
	for i, label := range labels {
		if label < 0 || label >= numClasses {
			return nil, fmt.Errorf("label %d out of range [0,%d)", label, numClasses)
		}
		out.Data[i*numClasses+label] = 1.0
	}
	return out, nil
}
