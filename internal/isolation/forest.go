package isolation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"sort"
)

// FormatVersion identifies the persisted artifact layout.
const FormatVersion = 1

// ErrModelUnavailable means no usable model exists: too few templates to train,
// nothing persisted, or an artifact this build cannot read.
var ErrModelUnavailable = errors.New("isolation model unavailable")

type Params struct {
	Trees         int     `json:"trees"`
	SampleSize    int     `json:"sample_size"`
	Contamination float64 `json:"contamination"`
	MinTemplates  int     `json:"min_templates"`
	Seed          int64   `json:"seed"`
}

func DefaultParams() Params {
	return Params{Trees: 100, SampleSize: 256, Contamination: 0.05, MinTemplates: 10, Seed: 42}
}

// node is one entry of a flattened tree. Leaves have Left == -1.
type node struct {
	Feature int     `json:"f"`
	Split   float64 `json:"s"`
	Left    int     `json:"l"`
	Right   int     `json:"r"`
	Size    int     `json:"n"`
}

type tree struct {
	Nodes []node `json:"nodes"`
}

// Forest scores feature vectors; higher scores are more anomalous.
// A trained Forest is read-only and safe for concurrent use.
type Forest struct {
	params     Params
	sampleSize int
	threshold  float64
	trees      []tree
}

// Train fits a forest on the given feature vectors.
func Train(features [][]float64, params Params) (*Forest, error) {
	if params.Trees <= 0 {
		params.Trees = 100
	}
	if params.SampleSize <= 0 {
		params.SampleSize = 256
	}
	if params.MinTemplates <= 0 {
		params.MinTemplates = 10
	}
	if params.Contamination <= 0 || params.Contamination >= 0.5 {
		return nil, fmt.Errorf("contamination must be in (0, 0.5): %v", params.Contamination)
	}
	if len(features) < params.MinTemplates {
		return nil, fmt.Errorf("%w: need at least %d templates, have %d", ErrModelUnavailable, params.MinTemplates, len(features))
	}
	width := len(features[0])
	for i, f := range features {
		if len(f) != width || width == 0 {
			return nil, fmt.Errorf("feature vector %d has width %d, want %d", i, len(f), width)
		}
	}

	sampleSize := params.SampleSize
	if sampleSize > len(features) {
		sampleSize = len(features)
	}
	maxDepth := int(math.Ceil(math.Log2(float64(sampleSize))))
	if maxDepth < 1 {
		maxDepth = 1
	}

	rng := rand.New(rand.NewSource(params.Seed))
	f := &Forest{params: params, sampleSize: sampleSize, trees: make([]tree, 0, params.Trees)}
	idx := make([]int, len(features))
	for i := 0; i < params.Trees; i++ {
		for j := range idx {
			idx[j] = j
		}
		rng.Shuffle(len(idx), func(a, b int) { idx[a], idx[b] = idx[b], idx[a] })
		sample := make([][]float64, sampleSize)
		for j := 0; j < sampleSize; j++ {
			sample[j] = features[idx[j]]
		}
		var t tree
		t.grow(rng, sample, 0, maxDepth)
		f.trees = append(f.trees, t)
	}

	scores := make([]float64, len(features))
	for i, x := range features {
		scores[i] = f.Score(x)
	}
	f.threshold = quantile(scores, 1-params.Contamination)
	return f, nil
}

func (t *tree) grow(rng *rand.Rand, data [][]float64, depth, maxDepth int) int {
	id := len(t.Nodes)
	t.Nodes = append(t.Nodes, node{Left: -1, Right: -1, Size: len(data)})
	if len(data) <= 1 || depth >= maxDepth {
		return id
	}

	// only features with spread can split
	var candidates []int
	for feat := range data[0] {
		lo, hi := featureRange(data, feat)
		if hi > lo {
			candidates = append(candidates, feat)
		}
	}
	if len(candidates) == 0 {
		return id
	}
	feat := candidates[rng.Intn(len(candidates))]
	lo, hi := featureRange(data, feat)
	split := lo + rng.Float64()*(hi-lo)

	var left, right [][]float64
	for _, x := range data {
		if x[feat] < split {
			left = append(left, x)
		} else {
			right = append(right, x)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return id
	}
	l := t.grow(rng, left, depth+1, maxDepth)
	r := t.grow(rng, right, depth+1, maxDepth)
	t.Nodes[id].Feature = feat
	t.Nodes[id].Split = split
	t.Nodes[id].Left = l
	t.Nodes[id].Right = r
	return id
}

func (t tree) pathLength(x []float64) float64 {
	i, depth := 0, 0
	for {
		n := t.Nodes[i]
		if n.Left < 0 {
			return float64(depth) + averagePathLength(n.Size)
		}
		if n.Feature < len(x) && x[n.Feature] < n.Split {
			i = n.Left
		} else {
			i = n.Right
		}
		depth++
	}
}

// Score returns 2^(-E[h(x)]/c(psi)) in (0, 1].
func (f *Forest) Score(x []float64) float64 {
	if f == nil || len(f.trees) == 0 {
		return 0.5
	}
	total := 0.0
	for _, t := range f.trees {
		total += t.pathLength(x)
	}
	avg := total / float64(len(f.trees))
	c := averagePathLength(f.sampleSize)
	if c == 0 {
		return 0.5
	}
	return math.Pow(2, -avg/c)
}

// Predict returns the score and whether it lies above the contamination threshold.
func (f *Forest) Predict(x []float64) (float64, bool) {
	score := f.Score(x)
	return score, score > f.threshold
}

func (f *Forest) Threshold() float64 {
	return f.threshold
}

func (f *Forest) Params() Params {
	return f.params
}

// averagePathLength is c(n), the mean unsuccessful-search depth of a BST with n keys.
func averagePathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	if n == 2 {
		return 1
	}
	h := math.Log(float64(n-1)) + 0.5772156649
	return 2*h - 2*float64(n-1)/float64(n)
}

func featureRange(data [][]float64, feat int) (float64, float64) {
	lo, hi := data[0][feat], data[0][feat]
	for _, x := range data[1:] {
		if x[feat] < lo {
			lo = x[feat]
		}
		if x[feat] > hi {
			hi = x[feat]
		}
	}
	return lo, hi
}

// quantile uses linear interpolation between closest ranks.
func quantile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (pos-float64(lo))*(sorted[hi]-sorted[lo])
}

type artifact struct {
	FormatVersion int     `json:"format_version"`
	Params        Params  `json:"params"`
	SampleSize    int     `json:"sample_size"`
	Threshold     float64 `json:"threshold"`
	Trees         []tree  `json:"trees"`
}

func (f *Forest) Encode(w io.Writer) error {
	return json.NewEncoder(w).Encode(f.artifact())
}

func (f *Forest) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.artifact())
}

func (f *Forest) artifact() artifact {
	return artifact{
		FormatVersion: FormatVersion,
		Params:        f.params,
		SampleSize:    f.sampleSize,
		Threshold:     f.threshold,
		Trees:         f.trees,
	}
}

func Decode(r io.Reader) (*Forest, error) {
	var a artifact
	if err := json.NewDecoder(r).Decode(&a); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrModelUnavailable, err)
	}
	return fromArtifact(a)
}

func Unmarshal(data []byte) (*Forest, error) {
	var a artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrModelUnavailable, err)
	}
	return fromArtifact(a)
}

func fromArtifact(a artifact) (*Forest, error) {
	if a.FormatVersion != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrModelUnavailable, a.FormatVersion)
	}
	if len(a.Trees) == 0 {
		return nil, fmt.Errorf("%w: artifact has no trees", ErrModelUnavailable)
	}
	for i, t := range a.Trees {
		if len(t.Nodes) == 0 {
			return nil, fmt.Errorf("%w: tree %d is empty", ErrModelUnavailable, i)
		}
		// children always follow their parent, which also rules out cycles
		for j, n := range t.Nodes {
			if n.Left < 0 {
				continue
			}
			if n.Left <= j || n.Right <= j || n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes) {
				return nil, fmt.Errorf("%w: tree %d has an invalid child at node %d", ErrModelUnavailable, i, j)
			}
		}
	}
	return &Forest{params: a.Params, sampleSize: a.SampleSize, threshold: a.Threshold, trees: a.Trees}, nil
}
