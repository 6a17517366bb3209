package ml

import (
	"encoding/json"
	"math/rand/v2"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func separable(n int, seed uint64) ([][]float64, []int) {
	rng := rand.New(rand.NewPCG(seed, seed))
	X := make([][]float64, n)
	y := make([]int, n)
	for i := range X {
		a, b := rng.Float64()*10, rng.Float64()*10
		X[i] = []float64{a, b, rng.Float64()}
		if a > 6 {
			y[i] = 1
		}
	}
	return X, y
}

func smallConfig() ForestConfig {
	cfg := DefaultForestConfig()
	cfg.NumTrees = 15
	return cfg
}

func TestFitForestLearnsThreshold(t *testing.T) {
	X, y := separable(400, 1)
	f, err := FitForest(X, y, smallConfig())
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1}, f.Classes())
	assert.Equal(t, 1, f.Predict([]float64{9, 5, 0.5}))
	assert.Equal(t, 0, f.Predict([]float64{2, 5, 0.5}))

	p := f.PredictProba([]float64{9.5, 1, 0.1})
	require.Len(t, p, 2)
	assert.InDelta(t, 1.0, p[0]+p[1], 1e-9)
	assert.Greater(t, p[1], 0.5)
}

func TestFitForestIsDeterministic(t *testing.T) {
	X, y := separable(200, 2)
	a, err := FitForest(X, y, smallConfig())
	require.NoError(t, err)
	b, err := FitForest(X, y, smallConfig())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestFitForestMulticlassLabels(t *testing.T) {
	var X [][]float64
	var y []int
	for i := 0; i < 300; i++ {
		v := float64(i % 3)
		X = append(X, []float64{v, v * 2})
		y = append(y, []int{0, 2, 5}[i%3])
	}
	f, err := FitForest(X, y, smallConfig())
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2, 5}, f.Classes())
	assert.Equal(t, 5, f.Predict([]float64{2, 4}))
	assert.Equal(t, 2, f.Predict([]float64{1, 2}))
}

func TestFitForestRejectsBadInput(t *testing.T) {
	_, err := FitForest(nil, nil, smallConfig())
	assert.ErrorIs(t, err, ErrEmptyTrainingSet)

	_, err = FitForest([][]float64{{1}, {2}}, []int{1, 1}, smallConfig())
	assert.ErrorIs(t, err, ErrSingleClass)

	_, err = FitForest([][]float64{{1}, {2, 3}}, []int{0, 1}, smallConfig())
	assert.Error(t, err)

	_, err = FitForest([][]float64{{1}}, []int{0, 1}, smallConfig())
	assert.Error(t, err)
}

func TestBalancedWeightRecoversMinorityClass(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 3))
	var X [][]float64
	var y []int
	for i := 0; i < 950; i++ {
		X = append(X, []float64{rng.Float64() * 5})
		y = append(y, 0)
	}
	for i := 0; i < 50; i++ {
		X = append(X, []float64{5 + rng.Float64()*5})
		y = append(y, 1)
	}
	f, err := FitForest(X, y, smallConfig())
	require.NoError(t, err)
	assert.Equal(t, 1, f.Predict([]float64{8}))
}

func TestForestSurvivesJSONAndValidates(t *testing.T) {
	X, y := separable(150, 4)
	f, err := FitForest(X, y, smallConfig())
	require.NoError(t, err)

	raw, err := json.Marshal(f)
	require.NoError(t, err)
	var back RandomForest
	require.NoError(t, json.Unmarshal(raw, &back))

	require.NoError(t, back.Validate(3))
	assert.Error(t, back.Validate(4))
	for _, row := range X[:20] {
		assert.Equal(t, f.PredictProba(row), back.PredictProba(row))
	}

	back.Trees[0].Nodes[0].Left = 0
	assert.Error(t, back.Validate(3))
}

func TestStratifiedSplit(t *testing.T) {
	y := make([]int, 0, 100)
	for i := 0; i < 90; i++ {
		y = append(y, 0)
	}
	for i := 0; i < 10; i++ {
		y = append(y, 1)
	}
	y = append(y, 2) // singleton

	train, test := StratifiedSplit(y, 0.2, 42)
	assert.Len(t, append(append([]int{}, train...), test...), len(y))

	testLabels := Labels(y, test)
	counts := map[int]int{}
	for _, c := range testLabels {
		counts[c]++
	}
	assert.Equal(t, 18, counts[0])
	assert.Equal(t, 2, counts[1])
	assert.Zero(t, counts[2])

	seen := map[int]bool{}
	for _, i := range append(append([]int{}, train...), test...) {
		assert.False(t, seen[i])
		seen[i] = true
	}

	train2, test2 := StratifiedSplit(y, 0.2, 42)
	assert.Equal(t, train, train2)
	assert.Equal(t, test, test2)
}

func TestClassificationReportOnlyPresentClasses(t *testing.T) {
	yTrue := []int{0, 0, 0, 2, 2}
	yPred := []int{0, 0, 2, 2, 4}

	rep := ClassificationReport(yTrue, yPred, strconv.Itoa)
	require.Len(t, rep.Classes, 2)
	assert.Equal(t, 0, rep.Classes[0].Class)
	assert.Equal(t, 2, rep.Classes[1].Class)

	assert.InDelta(t, 1.0, rep.Classes[0].Precision, 1e-12)
	assert.InDelta(t, 2.0/3.0, rep.Classes[0].Recall, 1e-12)
	assert.InDelta(t, 0.5, rep.Classes[1].Precision, 1e-12)
	assert.InDelta(t, 0.5, rep.Classes[1].Recall, 1e-12)
	assert.InDelta(t, 0.6, rep.Accuracy, 1e-12)
	assert.Equal(t, 5, rep.Support)

	assert.Contains(t, rep.String(), "accuracy")
	assert.NotContains(t, rep.String(), "\n4 ")
}

func TestClassificationReportZeroDivision(t *testing.T) {
	rep := ClassificationReport([]int{1, 1}, []int{0, 0}, strconv.Itoa)
	require.Len(t, rep.Classes, 1)
	assert.Zero(t, rep.Classes[0].Precision)
	assert.Zero(t, rep.Classes[0].F1)

	empty := ClassificationReport(nil, nil, strconv.Itoa)
	assert.Zero(t, empty.Support)
}
