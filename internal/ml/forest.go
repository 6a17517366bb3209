// Package ml holds the classifier used for fault forecasting: a random
// forest of CART trees with optional balanced class weights, plus the
// split and evaluation helpers the trainer needs.
package ml

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
)

// Classifier is the capability the prediction engine relies on.
type Classifier interface {
	Classes() []int
	PredictProba(x []float64) []float64
	Predict(x []float64) int
}

// ForestConfig tunes forest training.
type ForestConfig struct {
	NumTrees       int
	MaxDepth       int // 0 grows until leaves are pure
	MinSamplesLeaf int
	MaxFeatures    int // 0 uses sqrt(num features)
	BalancedWeight bool
	Seed           uint64
}

// DefaultForestConfig mirrors a 100-tree balanced forest.
func DefaultForestConfig() ForestConfig {
	return ForestConfig{
		NumTrees:       100,
		MinSamplesLeaf: 1,
		BalancedWeight: true,
		Seed:           42,
	}
}

var (
	ErrEmptyTrainingSet = errors.New("empty training set")
	ErrSingleClass      = errors.New("target has a single class")
)

// Node is one tree node. Leaves have Left == -1 and carry the class
// probability distribution in Value.
type Node struct {
	Feature   int       `json:"f"`
	Threshold float64   `json:"t"`
	Left      int       `json:"l"`
	Right     int       `json:"r"`
	Value     []float64 `json:"v,omitempty"`
}

// Tree is a flattened decision tree; node 0 is the root.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// RandomForest is a fitted forest. It is immutable after Fit and safe for
// concurrent prediction.
type RandomForest struct {
	ClassLabels []int   `json:"classes"`
	NumFeatures int     `json:"num_features"`
	Trees       []*Tree `json:"trees"`
}

// FitForest trains a forest on X (rows) and integer labels y.
func FitForest(X [][]float64, y []int, cfg ForestConfig) (*RandomForest, error) {
	if len(X) == 0 {
		return nil, ErrEmptyTrainingSet
	}
	if len(X) != len(y) {
		return nil, fmt.Errorf("feature rows (%d) and labels (%d) differ", len(X), len(y))
	}
	numFeatures := len(X[0])
	for i, row := range X {
		if len(row) != numFeatures {
			return nil, fmt.Errorf("row %d has %d features, expected %d", i, len(row), numFeatures)
		}
	}

	classes := uniqueSorted(y)
	if len(classes) < 2 {
		return nil, ErrSingleClass
	}
	classIdx := make(map[int]int, len(classes))
	for i, c := range classes {
		classIdx[c] = i
	}
	encoded := make([]int, len(y))
	for i, v := range y {
		encoded[i] = classIdx[v]
	}

	if cfg.NumTrees <= 0 {
		cfg.NumTrees = 100
	}
	if cfg.MinSamplesLeaf <= 0 {
		cfg.MinSamplesLeaf = 1
	}
	if cfg.MaxFeatures <= 0 || cfg.MaxFeatures > numFeatures {
		cfg.MaxFeatures = max(1, int(math.Sqrt(float64(numFeatures))))
	}

	classWeight := make([]float64, len(classes))
	for i := range classWeight {
		classWeight[i] = 1
	}
	if cfg.BalancedWeight {
		counts := make([]int, len(classes))
		for _, c := range encoded {
			counts[c]++
		}
		for i, n := range counts {
			classWeight[i] = float64(len(encoded)) / float64(len(classes)*n)
		}
	}

	forest := &RandomForest{
		ClassLabels: classes,
		NumFeatures: numFeatures,
		Trees:       make([]*Tree, cfg.NumTrees),
	}
	for t := 0; t < cfg.NumTrees; t++ {
		rng := rand.New(rand.NewPCG(cfg.Seed, uint64(t)))

		// Bootstrap draw expressed as per-row weights.
		weights := make([]float64, len(X))
		for range X {
			weights[rng.IntN(len(X))]++
		}
		var rows []int
		for i, w := range weights {
			if w > 0 {
				weights[i] = w * classWeight[encoded[i]]
				rows = append(rows, i)
			}
		}

		b := &treeBuilder{
			X:         X,
			y:         encoded,
			w:         weights,
			numClass:  len(classes),
			cfg:       cfg,
			rng:       rng,
			featIndex: make([]int, numFeatures),
		}
		for i := range b.featIndex {
			b.featIndex[i] = i
		}
		b.build(rows, 0)
		forest.Trees[t] = &Tree{Nodes: b.nodes}
	}
	return forest, nil
}

// Classes returns the class labels in probability-column order.
func (f *RandomForest) Classes() []int {
	return f.ClassLabels
}

// PredictProba averages the per-tree class distributions.
func (f *RandomForest) PredictProba(x []float64) []float64 {
	proba := make([]float64, len(f.ClassLabels))
	if len(f.Trees) == 0 {
		return proba
	}
	for _, t := range f.Trees {
		for i, p := range t.leaf(x).Value {
			proba[i] += p
		}
	}
	for i := range proba {
		proba[i] /= float64(len(f.Trees))
	}
	return proba
}

// Predict returns the most probable class label.
func (f *RandomForest) Predict(x []float64) int {
	proba := f.PredictProba(x)
	best := 0
	for i, p := range proba {
		if p > proba[best] {
			best = i
		}
	}
	return f.ClassLabels[best]
}

// Validate checks structural soundness after deserialization.
func (f *RandomForest) Validate(numFeatures int) error {
	if len(f.ClassLabels) < 2 {
		return fmt.Errorf("forest has %d classes", len(f.ClassLabels))
	}
	if f.NumFeatures != numFeatures {
		return fmt.Errorf("forest expects %d features, have %d", f.NumFeatures, numFeatures)
	}
	if len(f.Trees) == 0 {
		return errors.New("forest has no trees")
	}
	for ti, t := range f.Trees {
		if t == nil || len(t.Nodes) == 0 {
			return fmt.Errorf("tree %d is empty", ti)
		}
		for ni, n := range t.Nodes {
			if n.Left == -1 {
				if len(n.Value) != len(f.ClassLabels) {
					return fmt.Errorf("tree %d leaf %d has %d class values", ti, ni, len(n.Value))
				}
				continue
			}
			if n.Feature < 0 || n.Feature >= numFeatures ||
				n.Left <= ni || n.Left >= len(t.Nodes) || n.Right <= ni || n.Right >= len(t.Nodes) {
				return fmt.Errorf("tree %d node %d is malformed", ti, ni)
			}
		}
	}
	return nil
}

func (t *Tree) leaf(x []float64) *Node {
	n := &t.Nodes[0]
	for n.Left != -1 {
		if x[n.Feature] <= n.Threshold {
			n = &t.Nodes[n.Left]
		} else {
			n = &t.Nodes[n.Right]
		}
	}
	return n
}

type treeBuilder struct {
	X         [][]float64
	y         []int
	w         []float64
	numClass  int
	cfg       ForestConfig
	rng       *rand.Rand
	featIndex []int
	nodes     []Node
}

type split struct {
	feature   int
	threshold float64
	score     float64
	leftRows  []int
	rightRows []int
}

func (b *treeBuilder) build(rows []int, depth int) int {
	id := len(b.nodes)
	b.nodes = append(b.nodes, Node{Left: -1, Right: -1})

	totals, total := b.classTotals(rows)
	impurity := gini(totals, total)

	if impurity == 0 || len(rows) < 2*b.cfg.MinSamplesLeaf ||
		(b.cfg.MaxDepth > 0 && depth >= b.cfg.MaxDepth) {
		b.nodes[id].Value = normalize(totals, total)
		return id
	}

	best, ok := b.bestSplit(rows, total*impurity)
	if !ok {
		b.nodes[id].Value = normalize(totals, total)
		return id
	}

	left := b.build(best.leftRows, depth+1)
	right := b.build(best.rightRows, depth+1)
	b.nodes[id] = Node{Feature: best.feature, Threshold: best.threshold, Left: left, Right: right}
	return id
}

func (b *treeBuilder) bestSplit(rows []int, parentScore float64) (split, bool) {
	b.rng.Shuffle(len(b.featIndex), func(i, j int) {
		b.featIndex[i], b.featIndex[j] = b.featIndex[j], b.featIndex[i]
	})

	best := split{score: parentScore - 1e-12}
	found := false
	sorted := make([]int, len(rows))
	leftCounts := make([]float64, b.numClass)
	rightCounts := make([]float64, b.numClass)

	for _, f := range b.featIndex[:b.cfg.MaxFeatures] {
		copy(sorted, rows)
		sort.Slice(sorted, func(i, j int) bool { return b.X[sorted[i]][f] < b.X[sorted[j]][f] })

		for c := range leftCounts {
			leftCounts[c] = 0
		}
		totals, total := b.classTotals(sorted)
		copy(rightCounts, totals)
		var leftTotal float64

		for i := 0; i < len(sorted)-1; i++ {
			r := sorted[i]
			leftCounts[b.y[r]] += b.w[r]
			rightCounts[b.y[r]] -= b.w[r]
			leftTotal += b.w[r]

			nLeft := i + 1
			if nLeft < b.cfg.MinSamplesLeaf || len(sorted)-nLeft < b.cfg.MinSamplesLeaf {
				continue
			}
			cur, next := b.X[r][f], b.X[sorted[i+1]][f]
			if cur == next {
				continue
			}
			rightTotal := total - leftTotal
			score := leftTotal*gini(leftCounts, leftTotal) + rightTotal*gini(rightCounts, rightTotal)
			if score < best.score {
				best = split{feature: f, threshold: cur + (next-cur)/2, score: score}
				found = true
			}
		}
	}
	if !found {
		return best, false
	}

	for _, r := range rows {
		if b.X[r][best.feature] <= best.threshold {
			best.leftRows = append(best.leftRows, r)
		} else {
			best.rightRows = append(best.rightRows, r)
		}
	}
	return best, true
}

func (b *treeBuilder) classTotals(rows []int) ([]float64, float64) {
	totals := make([]float64, b.numClass)
	var total float64
	for _, r := range rows {
		totals[b.y[r]] += b.w[r]
		total += b.w[r]
	}
	return totals, total
}

func gini(counts []float64, total float64) float64 {
	if total <= 0 {
		return 0
	}
	g := 1.0
	for _, c := range counts {
		p := c / total
		g -= p * p
	}
	return math.Max(0, g)
}

func normalize(counts []float64, total float64) []float64 {
	out := make([]float64, len(counts))
	if total <= 0 {
		return out
	}
	for i, c := range counts {
		out[i] = c / total
	}
	return out
}

func uniqueSorted(y []int) []int {
	seen := make(map[int]bool)
	var out []int
	for _, v := range y {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Ints(out)
	return out
}
