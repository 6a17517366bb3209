// Package bundle persists the trained models together with the feature
// column order and fault vocabulary they were trained against.
package bundle

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"

	"battery-fault-monitor/internal/features"
	"battery-fault-monitor/internal/ml"
	"battery-fault-monitor/internal/models"
)

var (
	ErrNotFound           = errors.New("model bundle not found")
	ErrCorrupt            = errors.New("model bundle is corrupt")
	ErrVocabularyMismatch = errors.New("model bundle fault vocabulary differs from this build")
)

// Bundle is the unit of model deployment. Any of the three models may be
// nil when its target could not be trained. A loaded Bundle is never
// mutated.
type Bundle struct {
	Version        string               `json:"version"`
	CreatedAt      time.Time            `json:"created_at"`
	FeatureColumns []string             `json:"feature_columns"`
	FaultTypes     []string             `json:"fault_types"`
	Model5Min      *ml.RandomForest     `json:"model_5min"`
	Model30Min     *ml.RandomForest     `json:"model_30min"`
	ModelFaultType *ml.RandomForest     `json:"model_fault_type"`
	Reports        map[string]ml.Report `json:"reports,omitempty"`
}

// New starts a bundle for the current feature layout and vocabulary.
func New() *Bundle {
	return &Bundle{
		Version:        uuid.NewString(),
		CreatedAt:      time.Now().UTC(),
		FeatureColumns: features.Columns(),
		FaultTypes:     models.FaultTypeNames(),
		Reports:        make(map[string]ml.Report),
	}
}

// Empty is a bundle with no models; predictions made with it are neutral.
func Empty() *Bundle {
	b := New()
	b.Version = ""
	return b
}

// HasModels reports whether at least one model is present.
func (b *Bundle) HasModels() bool {
	return b.Model5Min != nil || b.Model30Min != nil || b.ModelFaultType != nil
}

// FaultTypeName maps a fault_type_id to its name in the bundle's own vocabulary.
func (b *Bundle) FaultTypeName(id int) (string, bool) {
	if id < 0 || id >= len(b.FaultTypes) {
		return "", false
	}
	return b.FaultTypes[id], true
}

// Save writes the bundle to path atomically: a temp file in the same
// directory is renamed over the destination.
func Save(path string, b *Bundle) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode bundle: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create bundle directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp bundle: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp bundle: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp bundle: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp bundle: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("install bundle: %w", err)
	}
	return nil
}

// Load reads and validates a bundle.
func Load(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("read bundle: %w", err)
	}

	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := b.validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

func (b *Bundle) validate() error {
	if !slices.Equal(b.FaultTypes, models.FaultTypeNames()) {
		return fmt.Errorf("%w: bundle has %v", ErrVocabularyMismatch, b.FaultTypes)
	}
	if !b.HasModels() {
		return nil
	}
	if len(b.FeatureColumns) == 0 {
		return fmt.Errorf("%w: models present without feature columns", ErrCorrupt)
	}
	for name, m := range map[string]*ml.RandomForest{
		"model_5min":       b.Model5Min,
		"model_30min":      b.Model30Min,
		"model_fault_type": b.ModelFaultType,
	} {
		if m == nil {
			continue
		}
		if err := m.Validate(len(b.FeatureColumns)); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrCorrupt, name, err)
		}
	}
	return nil
}
