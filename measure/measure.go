// Package measure computes neural-collapse diagnostics from captured
// embeddings: how tightly samples cluster around their class means and
// how symmetrically the class means arrange themselves.
package measure

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/tsawler/go-collapse/capture"
)

// Set is the closed enumeration of measure sets.
type Set int

const (
	// SetFast reports the collapse trace ratio and the class-mean
	// distance spread.
	SetFast Set = iota
	// SetFull additionally reports per-class within traces and the raw
	// pairwise class-mean distances.
	SetFull
)

func (s Set) String() string {
	switch s {
	case SetFast:
		return "Fast"
	case SetFull:
		return "Full"
	default:
		return "Unknown"
	}
}

// ParseSet maps the configured measure identifier onto a Set.
func ParseSet(name string) (Set, error) {
	switch strings.ToLower(name) {
	case "fast":
		return SetFast, nil
	case "full":
		return SetFull, nil
	default:
		return 0, fmt.Errorf("unknown measure set %q (known: fast, full)", name)
	}
}

// PairDistance is the distance between two class means.
type PairDistance struct {
	ClassA   int     `json:"class_a"`
	ClassB   int     `json:"class_b"`
	Distance float64 `json:"distance"`
}

// Result holds the collapse statistics for one layer at one epoch.
// Once written to the measurement store it is never mutated.
type Result struct {
	Layer string `json:"layer"`

	// Unavailable marks a layer whose tap recorded no samples. The
	// remaining fields are meaningless when set.
	Unavailable bool `json:"unavailable,omitempty"`

	NumSamples int `json:"num_samples"`
	NumClasses int `json:"num_classes"`

	// Classes excluded from the within-class covariance because they
	// held fewer than two samples.
	SkippedClasses []int `json:"skipped_classes,omitempty"`

	WithinTrace  float64 `json:"within_trace"`
	BetweenTrace float64 `json:"between_trace"`

	// TraceRatio is trace(within)/trace(between), the collapse index.
	// Lower is more collapsed. Undefined when the between-class trace
	// is zero (e.g. a single class) or no class had two samples.
	TraceRatio        float64 `json:"trace_ratio"`
	TraceRatioDefined bool    `json:"trace_ratio_defined"`

	// DistanceSpread is stddev(pairwise class-mean distances) divided
	// by their mean, approaching zero as the means become equidistant.
	DistanceSpread        float64 `json:"distance_spread"`
	DistanceSpreadDefined bool    `json:"distance_spread_defined"`

	// Full-set extras.
	ClassWithinTrace  map[int]float64 `json:"class_within_trace,omitempty"`
	PairwiseDistances []PairDistance  `json:"pairwise_distances,omitempty"`
}

// Measurer computes one measure set over captured embeddings. Layers
// are processed independently; layerOrder fixes the reporting order of
// output artifacts, not any computation.
type Measurer struct {
	set        Set
	layerOrder []string
}

// NewMeasurer creates a measurer for the given set and configured
// layer order.
func NewMeasurer(set Set, layerOrder []string) *Measurer {
	return &Measurer{
		set:        set,
		layerOrder: append([]string(nil), layerOrder...),
	}
}

// Set returns the measure set in effect.
func (m *Measurer) Set() Set {
	return m.set
}

// LayerOrder returns the configured layer reporting order.
func (m *Measurer) LayerOrder() []string {
	return m.layerOrder
}

// Compute produces one Result per captured layer. An empty capture for
// a layer degrades that layer's result to Unavailable; an empty input
// mapping yields an empty result mapping. All statistics accumulate in
// float64 regardless of the embeddings' native precision, and repeated
// calls on identical input are bit-identical.
func (m *Measurer) Compute(captures map[string]capture.Capture) map[string]Result {
	results := make(map[string]Result, len(captures))
	for name, cpt := range captures {
		if cpt.Empty() {
			results[name] = Result{Layer: name, Unavailable: true}
			continue
		}
		results[name] = m.computeLayer(name, cpt)
	}
	return results
}

// Ordered returns the results as a slice in configured layer order,
// for deterministic output artifacts. Layers missing from the map are
// skipped.
func (m *Measurer) Ordered(results map[string]Result) []Result {
	out := make([]Result, 0, len(results))
	for _, name := range m.layerOrder {
		if r, ok := results[name]; ok {
			out = append(out, r)
		}
	}
	return out
}

func (m *Measurer) computeLayer(name string, cpt capture.Capture) Result {
	n := cpt.Embeddings.Shape[0]
	dim := cpt.Embeddings.Shape[1]
	data := cpt.Embeddings.Data

	res := Result{
		Layer:      name,
		NumSamples: n,
	}

	// Partition sample indices by class, iterated in sorted class
	// order for determinism.
	byClass := make(map[int][]int)
	for i, label := range cpt.Labels {
		byClass[label] = append(byClass[label], i)
	}
	classes := make([]int, 0, len(byClass))
	for c := range byClass {
		classes = append(classes, c)
	}
	sort.Ints(classes)
	res.NumClasses = len(classes)

	// Global mean and per-class means, float64 accumulation.
	globalMean := make([]float64, dim)
	classMeans := make(map[int][]float64, len(classes))
	for _, c := range classes {
		mean := make([]float64, dim)
		for _, i := range byClass[c] {
			row := data[i*dim : (i+1)*dim]
			for j, v := range row {
				mean[j] += float64(v)
			}
		}
		count := float64(len(byClass[c]))
		for j := range mean {
			mean[j] /= count
			globalMean[j] += mean[j] * count
		}
		classMeans[c] = mean
	}
	for j := range globalMean {
		globalMean[j] /= float64(n)
	}

	// Within-class covariance trace: mean over classes of the sample
	// covariance trace around the class mean. Classes with fewer than
	// two samples cannot contribute and are flagged, not faulted.
	var withinSum float64
	contributing := 0
	if m.set == SetFull {
		res.ClassWithinTrace = make(map[int]float64)
	}
	for _, c := range classes {
		idxs := byClass[c]
		if len(idxs) < 2 {
			res.SkippedClasses = append(res.SkippedClasses, c)
			continue
		}
		mean := classMeans[c]
		var sq float64
		for _, i := range idxs {
			row := data[i*dim : (i+1)*dim]
			for j, v := range row {
				d := float64(v) - mean[j]
				sq += d * d
			}
		}
		classTrace := sq / float64(len(idxs)-1)
		if m.set == SetFull {
			res.ClassWithinTrace[c] = classTrace
		}
		withinSum += classTrace
		contributing++
	}
	if contributing > 0 {
		res.WithinTrace = withinSum / float64(contributing)
	}

	// Between-class covariance trace: class means around the global
	// mean, averaged over classes.
	var betweenSum float64
	for _, c := range classes {
		mean := classMeans[c]
		for j := range mean {
			d := mean[j] - globalMean[j]
			betweenSum += d * d
		}
	}
	res.BetweenTrace = betweenSum / float64(len(classes))

	if contributing > 0 && res.BetweenTrace > 0 {
		res.TraceRatio = res.WithinTrace / res.BetweenTrace
		res.TraceRatioDefined = true
	}

	m.computeDistanceSpread(&res, classes, classMeans, dim)
	return res
}

// computeDistanceSpread measures convergence toward equiangularity as
// the normalized standard deviation of pairwise class-mean distances.
func (m *Measurer) computeDistanceSpread(res *Result, classes []int, classMeans map[int][]float64, dim int) {
	if len(classes) < 2 {
		return
	}

	var distances []float64
	for a := 0; a < len(classes); a++ {
		for b := a + 1; b < len(classes); b++ {
			ma, mb := classMeans[classes[a]], classMeans[classes[b]]
			var sq float64
			for j := 0; j < dim; j++ {
				d := ma[j] - mb[j]
				sq += d * d
			}
			dist := math.Sqrt(sq)
			distances = append(distances, dist)
			if m.set == SetFull {
				res.PairwiseDistances = append(res.PairwiseDistances, PairDistance{
					ClassA:   classes[a],
					ClassB:   classes[b],
					Distance: dist,
				})
			}
		}
	}

	var sum float64
	for _, d := range distances {
		sum += d
	}
	mean := sum / float64(len(distances))
	if mean == 0 {
		return
	}

	var sqDev float64
	for _, d := range distances {
		dev := d - mean
		sqDev += dev * dev
	}
	res.DistanceSpread = math.Sqrt(sqDev/float64(len(distances))) / mean
	res.DistanceSpreadDefined = true
}
