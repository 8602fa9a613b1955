package anomaly

import (
	"math"
	"math/rand"
	"sort"
)

// Isolation forest over standardized numeric features. Path-length scoring
// follows the standard formulation: anomalous points isolate in fewer random
// splits, and the ensemble score is normalized against the average path length
// of an unsuccessful binary search.

const isoSubsampleCap = 256

type isoNode struct {
	attr  int
	split float64
	left  *isoNode
	right *isoNode
	size  int // leaf only
}

type isolationForest struct {
	trees     []*isoNode
	subsample int
}

// fitIsolationForest builds nTrees random isolation trees over X using rng,
// each on a subsample of at most 256 rows.
func fitIsolationForest(X [][]float64, nTrees int, rng *rand.Rand) *isolationForest {
	psi := len(X)
	if psi > isoSubsampleCap {
		psi = isoSubsampleCap
	}
	maxDepth := int(math.Ceil(math.Log2(float64(psi))))

	f := &isolationForest{trees: make([]*isoNode, 0, nTrees), subsample: psi}
	for t := 0; t < nTrees; t++ {
		sample := subsampleRows(X, psi, rng)
		f.trees = append(f.trees, buildIsoTree(sample, 0, maxDepth, rng))
	}
	return f
}

func subsampleRows(X [][]float64, psi int, rng *rand.Rand) [][]float64 {
	if psi >= len(X) {
		return X
	}
	perm := rng.Perm(len(X))
	sample := make([][]float64, psi)
	for i := 0; i < psi; i++ {
		sample[i] = X[perm[i]]
	}
	return sample
}

func buildIsoTree(sample [][]float64, depth, maxDepth int, rng *rand.Rand) *isoNode {
	if depth >= maxDepth || len(sample) <= 1 {
		return &isoNode{size: len(sample)}
	}

	// Pick a random attribute with spread; constant attributes cannot split.
	dims := len(sample[0])
	candidates := make([]int, 0, dims)
	for d := 0; d < dims; d++ {
		lo, hi := columnRange(sample, d)
		if hi > lo {
			candidates = append(candidates, d)
		}
	}
	if len(candidates) == 0 {
		return &isoNode{size: len(sample)}
	}

	attr := candidates[rng.Intn(len(candidates))]
	lo, hi := columnRange(sample, attr)
	split := lo + rng.Float64()*(hi-lo)

	var left, right [][]float64
	for _, row := range sample {
		if row[attr] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &isoNode{size: len(sample)}
	}

	return &isoNode{
		attr:  attr,
		split: split,
		left:  buildIsoTree(left, depth+1, maxDepth, rng),
		right: buildIsoTree(right, depth+1, maxDepth, rng),
	}
}

func columnRange(rows [][]float64, d int) (lo, hi float64) {
	lo, hi = rows[0][d], rows[0][d]
	for _, row := range rows[1:] {
		if row[d] < lo {
			lo = row[d]
		}
		if row[d] > hi {
			hi = row[d]
		}
	}
	return lo, hi
}

func pathLength(x []float64, node *isoNode, depth float64) float64 {
	if node.left == nil {
		return depth + avgUnsuccessfulSearch(float64(node.size))
	}
	if x[node.attr] < node.split {
		return pathLength(x, node.left, depth+1)
	}
	return pathLength(x, node.right, depth+1)
}

// avgUnsuccessfulSearch is c(n), the average path length of an unsuccessful
// BST search over n points; it normalizes tree depths across subsample sizes.
func avgUnsuccessfulSearch(n float64) float64 {
	if n <= 1 {
		return 0
	}
	if n == 2 {
		return 1
	}
	const eulerMascheroni = 0.5772156649
	h := math.Log(n-1) + eulerMascheroni
	return 2*h - 2*(n-1)/n
}

// anomalyScores returns the ensemble score in (0,1] per row; higher is more
// anomalous.
func (f *isolationForest) anomalyScores(X [][]float64) []float64 {
	norm := avgUnsuccessfulSearch(float64(f.subsample))
	if norm == 0 {
		norm = 1
	}

	scores := make([]float64, len(X))
	for i, x := range X {
		var total float64
		for _, tree := range f.trees {
			total += pathLength(x, tree, 0)
		}
		mean := total / float64(len(f.trees))
		scores[i] = math.Pow(2, -mean/norm)
	}
	return scores
}

// decisionScores shifts the anomaly scores so that roughly the top
// contamination fraction falls below zero; negative means outlier. The shape
// matches the usual ensemble decision function: more negative, more anomalous.
func (f *isolationForest) decisionScores(X [][]float64, contamination float64) []float64 {
	scores := f.anomalyScores(X)

	sorted := append([]float64(nil), scores...)
	sort.Float64s(sorted)
	offset := quantile(sorted, 1-contamination)

	decisions := make([]float64, len(scores))
	for i, s := range scores {
		decisions[i] = offset - s
	}
	return decisions
}

// quantile reads the q-quantile from an ascending-sorted slice with linear
// interpolation.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// standardize scales each column to zero mean and unit variance. Constant
// columns become all zeros.
func standardize(X [][]float64) [][]float64 {
	if len(X) == 0 {
		return nil
	}
	dims := len(X[0])
	mean := make([]float64, dims)
	for _, row := range X {
		for d, v := range row {
			mean[d] += v
		}
	}
	for d := range mean {
		mean[d] /= float64(len(X))
	}

	std := make([]float64, dims)
	for _, row := range X {
		for d, v := range row {
			diff := v - mean[d]
			std[d] += diff * diff
		}
	}
	for d := range std {
		std[d] = math.Sqrt(std[d] / float64(len(X)))
	}

	out := make([][]float64, len(X))
	for i, row := range X {
		scaled := make([]float64, dims)
		for d, v := range row {
			if std[d] > 0 {
				scaled[d] = (v - mean[d]) / std[d]
			}
		}
		out[i] = scaled
	}
	return out
}
