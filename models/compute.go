package models

import (
	"fmt"
	"math"

	"github.com/tsawler/go-collapse/layers"
	"github.com/tsawler/go-collapse/tensor"
)

type bnCache struct {
	xhat   []float32 // normalized activations
	invStd []float32 // per-channel 1/sqrt(var+eps)
	mean   []float32 // per-channel batch mean
}

func (m *Model) forwardLayer(layer *layers.LayerSpec, idx int, x *tensor.Tensor, training bool) (*tensor.Tensor, layerCache, error) {
	cache := layerCache{input: x}
	params := m.layerParams(idx)

	var out *tensor.Tensor
	var err error

	switch layer.Type {
	case layers.Dense:
		out, err = denseForward(x, params)
	case layers.Conv2D:
		out, err = conv2DForward(layer, x, params)
	case layers.ReLU:
		out = reluForward(x)
	case layers.Softmax:
		out, err = softmaxForward(x)
	case layers.MaxPool2D:
		out, cache.argmax, err = maxPool2DForward(layer, x)
	case layers.Dropout:
		out, cache.mask = m.dropoutForward(layer, x, training)
	case layers.BatchNorm:
		out, cache.bn, err = batchNormForward(layer, x, params, training)
	case layers.Flatten:
		out, err = flattenForward(x)
	default:
		return nil, cache, fmt.Errorf("unsupported layer type: %s", layer.Type)
	}
	if err != nil {
		return nil, cache, err
	}
	cache.output = out
	return out, cache, nil
}

func (m *Model) backwardLayer(layer *layers.LayerSpec, idx int, gradOut *tensor.Tensor, cache layerCache) (*tensor.Tensor, []*tensor.Tensor, error) {
	params := m.layerParams(idx)

	switch layer.Type {
	case layers.Dense:
		return denseBackward(gradOut, cache.input, params)
	case layers.Conv2D:
		return conv2DBackward(layer, gradOut, cache.input, params)
	case layers.ReLU:
		return reluBackward(gradOut, cache.input), nil, nil
	case layers.Softmax:
		return softmaxBackward(gradOut, cache.output)
	case layers.MaxPool2D:
		return maxPool2DBackward(gradOut, cache.input, cache.argmax), nil, nil
	case layers.Dropout:
		return dropoutBackward(gradOut, cache.mask), nil, nil
	case layers.BatchNorm:
		return batchNormBackward(layer, gradOut, cache, params)
	case layers.Flatten:
		grad, err := gradOut.Reshape(cache.input.Shape...)
		return grad, nil, err
	default:
		return nil, nil, fmt.Errorf("unsupported layer type: %s", layer.Type)
	}
}

// Dense: y = x W^T + b with W stored [out,in].

func denseForward(x *tensor.Tensor, params []*tensor.Tensor) (*tensor.Tensor, error) {
	out, err := tensor.MatMulTransposeB(x, params[0])
	if err != nil {
		return nil, err
	}
	if len(params) > 1 {
		bias := params[1].Data
		n, outSize := out.Shape[0], out.Shape[1]
		for i := 0; i < n; i++ {
			row := out.Data[i*outSize : (i+1)*outSize]
			for j := range row {
				row[j] += bias[j]
			}
		}
	}
	return out, nil
}

func denseBackward(gradOut, x *tensor.Tensor, params []*tensor.Tensor) (*tensor.Tensor, []*tensor.Tensor, error) {
	// dX [N,in] = dY [N,out] x W [out,in]
	gradIn, err := tensor.MatMul(gradOut, params[0])
	if err != nil {
		return nil, nil, err
	}
	// dW [out,in] = dY^T x X
	gradW, err := tensor.MatMulTransposeA(gradOut, x)
	if err != nil {
		return nil, nil, err
	}
	paramGrads := []*tensor.Tensor{gradW}
	if len(params) > 1 {
		gradB := tensor.Zeros(params[1].Shape...)
		n, outSize := gradOut.Shape[0], gradOut.Shape[1]
		for i := 0; i < n; i++ {
			row := gradOut.Data[i*outSize : (i+1)*outSize]
			for j := range row {
				gradB.Data[j] += row[j]
			}
		}
		paramGrads = append(paramGrads, gradB)
	}
	return gradIn, paramGrads, nil
}

func reluForward(x *tensor.Tensor) *tensor.Tensor {
	out := tensor.Zeros(x.Shape...)
	for i, v := range x.Data {
		if v > 0 {
			out.Data[i] = v
		}
	}
	return out
}

func reluBackward(gradOut, x *tensor.Tensor) *tensor.Tensor {
	gradIn := tensor.Zeros(x.Shape...)
	for i, v := range x.Data {
		if v > 0 {
			gradIn.Data[i] = gradOut.Data[i]
		}
	}
	return gradIn
}

func softmaxForward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Dims() != 2 {
		return nil, fmt.Errorf("softmax requires flat [N,C] input, got shape %v", x.Shape)
	}
	n, c := x.Shape[0], x.Shape[1]
	out := tensor.Zeros(n, c)
	for i := 0; i < n; i++ {
		row := x.Data[i*c : (i+1)*c]
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

func softmaxBackward(gradOut, y *tensor.Tensor) (*tensor.Tensor, []*tensor.Tensor, error) {
	// dx_i = y_i * (dy_i - sum_j dy_j y_j)
	n, c := y.Shape[0], y.Shape[1]
	gradIn := tensor.Zeros(n, c)
	for i := 0; i < n; i++ {
		yRow := y.Data[i*c : (i+1)*c]
		dyRow := gradOut.Data[i*c : (i+1)*c]
		var dot float64
		for j := range yRow {
			dot += float64(dyRow[j]) * float64(yRow[j])
		}
		outRow := gradIn.Data[i*c : (i+1)*c]
		for j := range yRow {
			outRow[j] = yRow[j] * (dyRow[j] - float32(dot))
		}
	}
	return gradIn, nil, nil
}

func flattenForward(x *tensor.Tensor) (*tensor.Tensor, error) {
	n := x.Shape[0]
	features := x.NumElems / n
	return x.Reshape(n, features)
}

func (m *Model) dropoutForward(layer *layers.LayerSpec, x *tensor.Tensor, training bool) (*tensor.Tensor, []float32) {
	rate, _ := layer.FloatParam("rate")
	if !training || rate <= 0 {
		return x, nil
	}
	keepScale := float32(1.0 / (1.0 - rate))
	mask := make([]float32, len(x.Data))
	out := tensor.Zeros(x.Shape...)
	for i := range x.Data {
		if m.rng.Float64() >= rate {
			mask[i] = keepScale
			out.Data[i] = x.Data[i] * keepScale
		}
	}
	return out, mask
}

func dropoutBackward(gradOut *tensor.Tensor, mask []float32) *tensor.Tensor {
	if mask == nil {
		return gradOut
	}
	gradIn := tensor.Zeros(gradOut.Shape...)
	for i := range gradOut.Data {
		gradIn.Data[i] = gradOut.Data[i] * mask[i]
	}
	return gradIn
}

func maxPool2DForward(layer *layers.LayerSpec, x *tensor.Tensor) (*tensor.Tensor, []int, error) {
	if x.Dims() != 4 {
		return nil, nil, fmt.Errorf("maxpool2d requires [N,C,H,W] input, got shape %v", x.Shape)
	}
	pool, _ := layer.IntParam("pool_size")
	stride, _ := layer.IntParam("stride")
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	outH := (h-pool)/stride + 1
	outW := (w-pool)/stride + 1

	out := tensor.Zeros(n, c, outH, outW)
	argmax := make([]int, out.NumElems)

	for ni := 0; ni < n; ni++ {
		for ci := 0; ci < c; ci++ {
			planeOff := (ni*c + ci) * h * w
			outOff := (ni*c + ci) * outH * outW
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					h0, w0 := oh*stride, ow*stride
					bestIdx := planeOff + h0*w + w0
					bestVal := x.Data[bestIdx]
					for ph := 0; ph < pool; ph++ {
						for pw := 0; pw < pool; pw++ {
							idx := planeOff + (h0+ph)*w + (w0 + pw)
							if x.Data[idx] > bestVal {
								bestVal = x.Data[idx]
								bestIdx = idx
							}
						}
					}
					oIdx := outOff + oh*outW + ow
					out.Data[oIdx] = bestVal
					argmax[oIdx] = bestIdx
				}
			}
		}
	}
	return out, argmax, nil
}

func maxPool2DBackward(gradOut, x *tensor.Tensor, argmax []int) *tensor.Tensor {
	gradIn := tensor.Zeros(x.Shape...)
	for i, src := range argmax {
		gradIn.Data[src] += gradOut.Data[i]
	}
	return gradIn
}

func conv2DForward(layer *layers.LayerSpec, x *tensor.Tensor, params []*tensor.Tensor) (*tensor.Tensor, error) {
	if x.Dims() != 4 {
		return nil, fmt.Errorf("conv2d requires [N,C,H,W] input, got shape %v", x.Shape)
	}
	k, _ := layer.IntParam("kernel_size")
	stride, _ := layer.IntParam("stride")
	if stride <= 0 {
		stride = 1
	}
	pad, _ := layer.IntParam("padding")

	weight := params[0] // [outC, inC, k, k]
	n, inC, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	outC := weight.Shape[0]
	outH := (h+2*pad-k)/stride + 1
	outW := (w+2*pad-k)/stride + 1

	out := tensor.Zeros(n, outC, outH, outW)

	for ni := 0; ni < n; ni++ {
		for oc := 0; oc < outC; oc++ {
			outOff := (ni*outC + oc) * outH * outW
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					var sum float32
					for ic := 0; ic < inC; ic++ {
						planeOff := (ni*inC + ic) * h * w
						wOff := ((oc*inC + ic) * k) * k
						for kh := 0; kh < k; kh++ {
							ih := oh*stride + kh - pad
							if ih < 0 || ih >= h {
								continue
							}
							for kw := 0; kw < k; kw++ {
								iw := ow*stride + kw - pad
								if iw < 0 || iw >= w {
									continue
								}
								sum += x.Data[planeOff+ih*w+iw] * weight.Data[wOff+kh*k+kw]
							}
						}
					}
					out.Data[outOff+oh*outW+ow] = sum
				}
			}
		}
	}

	if len(params) > 1 {
		bias := params[1].Data
		plane := outH * outW
		for ni := 0; ni < n; ni++ {
			for oc := 0; oc < outC; oc++ {
				off := (ni*outC + oc) * plane
				b := bias[oc]
				for i := 0; i < plane; i++ {
					out.Data[off+i] += b
				}
			}
		}
	}
	return out, nil
}

func conv2DBackward(layer *layers.LayerSpec, gradOut, x *tensor.Tensor, params []*tensor.Tensor) (*tensor.Tensor, []*tensor.Tensor, error) {
	k, _ := layer.IntParam("kernel_size")
	stride, _ := layer.IntParam("stride")
	if stride <= 0 {
		stride = 1
	}
	pad, _ := layer.IntParam("padding")

	weight := params[0]
	n, inC, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	outC := weight.Shape[0]
	outH, outW := gradOut.Shape[2], gradOut.Shape[3]

	gradIn := tensor.Zeros(x.Shape...)
	gradW := tensor.Zeros(weight.Shape...)

	for ni := 0; ni < n; ni++ {
		for oc := 0; oc < outC; oc++ {
			outOff := (ni*outC + oc) * outH * outW
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					g := gradOut.Data[outOff+oh*outW+ow]
					if g == 0 {
						continue
					}
					for ic := 0; ic < inC; ic++ {
						planeOff := (ni*inC + ic) * h * w
						wOff := ((oc*inC + ic) * k) * k
						for kh := 0; kh < k; kh++ {
							ih := oh*stride + kh - pad
							if ih < 0 || ih >= h {
								continue
							}
							for kw := 0; kw < k; kw++ {
								iw := ow*stride + kw - pad
								if iw < 0 || iw >= w {
									continue
								}
								gradIn.Data[planeOff+ih*w+iw] += g * weight.Data[wOff+kh*k+kw]
								gradW.Data[wOff+kh*k+kw] += g * x.Data[planeOff+ih*w+iw]
							}
						}
					}
				}
			}
		}
	}

	paramGrads := []*tensor.Tensor{gradW}
	if len(params) > 1 {
		gradB := tensor.Zeros(params[1].Shape...)
		plane := outH * outW
		for ni := 0; ni < n; ni++ {
			for oc := 0; oc < outC; oc++ {
				off := (ni*outC + oc) * plane
				var sum float32
				for i := 0; i < plane; i++ {
					sum += gradOut.Data[off+i]
				}
				gradB.Data[oc] += sum
			}
		}
		paramGrads = append(paramGrads, gradB)
	}
	return gradIn, paramGrads, nil
}

// batchNormForward normalizes per channel. Training mode uses batch
// statistics and updates the running estimates stored on the spec;
// inference mode uses the running estimates unchanged.
func batchNormForward(layer *layers.LayerSpec, x *tensor.Tensor, params []*tensor.Tensor, training bool) (*tensor.Tensor, *bnCache, error) {
	numFeatures, _ := layer.IntParam("num_features")
	epsF, ok := layer.FloatParam("eps")
	if !ok {
		epsF = 1e-5
	}
	momentumF, ok := layer.FloatParam("momentum")
	if !ok {
		momentumF = 0.1
	}

	groupSize, err := bnGroupSize(x, numFeatures)
	if err != nil {
		return nil, nil, err
	}

	runningMean := layer.RunningStatistics["running_mean"]
	runningVar := layer.RunningStatistics["running_var"]

	mean := make([]float32, numFeatures)
	variance := make([]float32, numFeatures)

	if training {
		// Batch statistics, accumulated in float64
		sums := make([]float64, numFeatures)
		sqSums := make([]float64, numFeatures)
		bnVisit(x, numFeatures, func(c, idx int) {
			v := float64(x.Data[idx])
			sums[c] += v
			sqSums[c] += v * v
		})
		count := float64(groupSize)
		for c := 0; c < numFeatures; c++ {
			mu := sums[c] / count
			mean[c] = float32(mu)
			variance[c] = float32(sqSums[c]/count - mu*mu)
		}
		for c := 0; c < numFeatures; c++ {
			runningMean[c] = (1-float32(momentumF))*runningMean[c] + float32(momentumF)*mean[c]
			runningVar[c] = (1-float32(momentumF))*runningVar[c] + float32(momentumF)*variance[c]
		}
	} else {
		copy(mean, runningMean)
		copy(variance, runningVar)
	}

	invStd := make([]float32, numFeatures)
	for c := 0; c < numFeatures; c++ {
		invStd[c] = float32(1.0 / math.Sqrt(float64(variance[c])+epsF))
	}

	out := tensor.Zeros(x.Shape...)
	xhat := make([]float32, len(x.Data))
	var gamma, beta []float32
	if len(params) == 2 {
		gamma, beta = params[0].Data, params[1].Data
	}
	bnVisit(x, numFeatures, func(c, idx int) {
		xh := (x.Data[idx] - mean[c]) * invStd[c]
		xhat[idx] = xh
		if gamma != nil {
			out.Data[idx] = gamma[c]*xh + beta[c]
		} else {
			out.Data[idx] = xh
		}
	})

	var cache *bnCache
	if training {
		cache = &bnCache{xhat: xhat, invStd: invStd, mean: mean}
	}
	return out, cache, nil
}

func batchNormBackward(layer *layers.LayerSpec, gradOut *tensor.Tensor, cache layerCache, params []*tensor.Tensor) (*tensor.Tensor, []*tensor.Tensor, error) {
	if cache.bn == nil {
		return nil, nil, fmt.Errorf("batchnorm backward requires a training-mode forward pass")
	}
	numFeatures, _ := layer.IntParam("num_features")
	groupSize, err := bnGroupSize(gradOut, numFeatures)
	if err != nil {
		return nil, nil, err
	}

	var gamma []float32
	if len(params) == 2 {
		gamma = params[0].Data
	}
	xhat := cache.bn.xhat

	// Per-channel reductions of dy and dy*xhat
	sumDy := make([]float64, numFeatures)
	sumDyXhat := make([]float64, numFeatures)
	bnVisit(gradOut, numFeatures, func(c, idx int) {
		dy := float64(gradOut.Data[idx])
		sumDy[c] += dy
		sumDyXhat[c] += dy * float64(xhat[idx])
	})

	gradIn := tensor.Zeros(gradOut.Shape...)
	count := float32(groupSize)
	bnVisit(gradOut, numFeatures, func(c, idx int) {
		g := float32(1.0)
		if gamma != nil {
			g = gamma[c]
		}
		dxhat := gradOut.Data[idx] * g
		gradIn.Data[idx] = cache.bn.invStd[c] / count *
			(count*dxhat - float32(sumDy[c])*g - xhat[idx]*float32(sumDyXhat[c])*g)
	})

	var paramGrads []*tensor.Tensor
	if gamma != nil {
		gradGamma := tensor.Zeros(params[0].Shape...)
		gradBeta := tensor.Zeros(params[1].Shape...)
		for c := 0; c < numFeatures; c++ {
			gradGamma.Data[c] = float32(sumDyXhat[c])
			gradBeta.Data[c] = float32(sumDy[c])
		}
		paramGrads = []*tensor.Tensor{gradGamma, gradBeta}
	}
	return gradIn, paramGrads, nil
}

// bnGroupSize returns the number of elements normalized per channel.
func bnGroupSize(x *tensor.Tensor, numFeatures int) (int, error) {
	switch x.Dims() {
	case 2:
		if x.Shape[1] != numFeatures {
			return 0, fmt.Errorf("batchnorm expects %d features, input has %d", numFeatures, x.Shape[1])
		}
		return x.Shape[0], nil
	case 4:
		if x.Shape[1] != numFeatures {
			return 0, fmt.Errorf("batchnorm expects %d channels, input has %d", numFeatures, x.Shape[1])
		}
		return x.Shape[0] * x.Shape[2] * x.Shape[3], nil
	default:
		return 0, fmt.Errorf("batchnorm requires [N,C] or [N,C,H,W] input, got shape %v", x.Shape)
	}
}

// bnVisit calls fn(channel, flatIndex) for every element of x.
func bnVisit(x *tensor.Tensor, numFeatures int, fn func(c, idx int)) {
	if x.Dims() == 2 {
		n := x.Shape[0]
		for i := 0; i < n; i++ {
			for c := 0; c < numFeatures; c++ {
				fn(c, i*numFeatures+c)
			}
		}
		return
	}
	n, plane := x.Shape[0], x.Shape[2]*x.Shape[3]
	for i := 0; i < n; i++ {
		for c := 0; c < numFeatures; c++ {
			off := (i*numFeatures + c) * plane
			for p := 0; p < plane; p++ {
				fn(c, off+p)
			}
		}
	}
}
