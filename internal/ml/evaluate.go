package ml

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"strings"
)

// StratifiedSplit partitions row indices into train and test sets so that
// each class keeps roughly the same share in both. Classes with at least two
// rows always land in both sets.
func StratifiedSplit(y []int, testFraction float64, seed uint64) (train, test []int) {
	byClass := make(map[int][]int)
	for i, c := range y {
		byClass[c] = append(byClass[c], i)
	}
	classes := make([]int, 0, len(byClass))
	for c := range byClass {
		classes = append(classes, c)
	}
	sort.Ints(classes)

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	for _, c := range classes {
		idx := byClass[c]
		rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })

		nTest := int(math.Round(float64(len(idx)) * testFraction))
		if len(idx) >= 2 {
			nTest = min(max(nTest, 1), len(idx)-1)
		} else {
			nTest = 0
		}
		test = append(test, idx[:nTest]...)
		train = append(train, idx[nTest:]...)
	}
	sort.Ints(train)
	sort.Ints(test)
	return train, test
}

// Rows selects rows of X by index.
func Rows(X [][]float64, idx []int) [][]float64 {
	out := make([][]float64, len(idx))
	for i, j := range idx {
		out[i] = X[j]
	}
	return out
}

// Labels selects labels by index.
func Labels(y []int, idx []int) []int {
	out := make([]int, len(idx))
	for i, j := range idx {
		out[i] = y[j]
	}
	return out
}

// ClassMetrics is one row of a classification report.
type ClassMetrics struct {
	Class     int     `json:"class"`
	Name      string  `json:"name"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Support   int     `json:"support"`
}

// Report summarizes held-out performance.
type Report struct {
	Classes  []ClassMetrics `json:"classes"`
	Accuracy float64        `json:"accuracy"`
	MacroF1  float64        `json:"macro_f1"`
	Support  int            `json:"support"`
}

// ClassificationReport scores predictions against truth. Only classes that
// occur in yTrue get a row; undefined ratios count as zero.
func ClassificationReport(yTrue, yPred []int, name func(int) string) Report {
	present := uniqueSorted(yTrue)
	rep := Report{Support: len(yTrue)}
	if len(yTrue) == 0 {
		return rep
	}

	correct := 0
	for i := range yTrue {
		if yTrue[i] == yPred[i] {
			correct++
		}
	}
	rep.Accuracy = float64(correct) / float64(len(yTrue))

	for _, c := range present {
		var tp, predicted, support int
		for i := range yTrue {
			if yPred[i] == c {
				predicted++
				if yTrue[i] == c {
					tp++
				}
			}
			if yTrue[i] == c {
				support++
			}
		}
		m := ClassMetrics{Class: c, Name: name(c), Support: support}
		if predicted > 0 {
			m.Precision = float64(tp) / float64(predicted)
		}
		m.Recall = float64(tp) / float64(support)
		if m.Precision+m.Recall > 0 {
			m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
		}
		rep.Classes = append(rep.Classes, m)
		rep.MacroF1 += m.F1
	}
	rep.MacroF1 /= float64(len(present))
	return rep
}

func (r Report) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%-24s %9s %9s %9s %9s\n", "", "precision", "recall", "f1-score", "support")
	for _, m := range r.Classes {
		fmt.Fprintf(&sb, "%-24s %9.2f %9.2f %9.2f %9d\n", m.Name, m.Precision, m.Recall, m.F1, m.Support)
	}
	fmt.Fprintf(&sb, "\n%-24s %9s %9s %9.2f %9d\n", "accuracy", "", "", r.Accuracy, r.Support)
	fmt.Fprintf(&sb, "%-24s %9s %9s %9.2f %9d\n", "macro avg f1", "", "", r.MacroF1, r.Support)
	return sb.String()
}
