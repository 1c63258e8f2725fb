// Package indicator defines the static aggregation definitions a run
// executes: which signal columns to aggregate, with which weight column,
// smoothing window, statistic kind, and post-processing.
package indicator

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"

	"surveycast/internal/stats"
)

// Kind is the closed enumeration of statistic computations. Definitions pick
// a kind rather than injecting arbitrary compute functions, which keeps the
// computation contract fixed and testable.
type Kind string

const (
	// KindMean is a weighted mean with a design-effect standard error.
	KindMean Kind = "mean"
	// KindBinaryPct is a weighted proportion of a 0/1 signal with a
	// binomial standard error.
	KindBinaryPct Kind = "binary_pct"
	// KindMultiselectPct aggregates each choice column of a multiselect
	// item as a proportion, plus an any-selected composite.
	KindMultiselectPct Kind = "multiselect_pct"
)

// PostProcess is applied to each finished row after megacounty merging.
type PostProcess string

const (
	PostNone    PostProcess = "none"
	PostPercent PostProcess = "percent"
)

// ConfigurationError reports an indicator definition that cannot run against
// the loaded response table. Fatal: the run aborts before any computation.
type ConfigurationError struct {
	Indicator string
	Reason    string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("indicator %q: %s", e.Indicator, e.Reason)
}

// Definition is one named aggregation specification. Static configuration,
// never derived data.
type Definition struct {
	Name          string      `yaml:"name" validate:"required"`
	Kind          Kind        `yaml:"kind" validate:"required,oneof=mean binary_pct multiselect_pct"`
	SignalColumn  string      `yaml:"signal_column"`
	ChoiceColumns []string    `yaml:"choice_columns"`
	WeightColumn  string      `yaml:"weight_column" validate:"required"`
	SmoothingDays int         `yaml:"smoothing_days" validate:"required,min=1,max=28"`
	PostProcess   PostProcess `yaml:"post_process" validate:"omitempty,oneof=none percent"`
}

type definitionFile struct {
	Indicators []Definition `yaml:"indicators"`
}

// Load reads indicator definitions from a YAML file.
func Load(path string) ([]Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read indicator definitions: %w", err)
	}
	var file definitionFile
	if err := yaml.UnmarshalStrict(raw, &file); err != nil {
		return nil, fmt.Errorf("parse indicator definitions %s: %w", path, err)
	}
	if len(file.Indicators) == 0 {
		return nil, fmt.Errorf("indicator definitions %s: no indicators defined", path)
	}
	validate := validator.New()
	for i := range file.Indicators {
		def := &file.Indicators[i]
		if def.PostProcess == "" {
			def.PostProcess = PostNone
		}
		if err := validate.Struct(def); err != nil {
			return nil, &ConfigurationError{Indicator: def.Name, Reason: err.Error()}
		}
		if err := def.checkShape(); err != nil {
			return nil, err
		}
	}
	return file.Indicators, nil
}

// checkShape enforces the kind-specific column requirements that struct tags
// cannot express.
func (d Definition) checkShape() error {
	switch d.Kind {
	case KindMultiselectPct:
		if len(d.ChoiceColumns) == 0 {
			return &ConfigurationError{Indicator: d.Name, Reason: "multiselect_pct requires choice_columns"}
		}
		if d.SignalColumn != "" {
			return &ConfigurationError{Indicator: d.Name, Reason: "multiselect_pct takes choice_columns, not signal_column"}
		}
	default:
		if d.SignalColumn == "" {
			return &ConfigurationError{Indicator: d.Name, Reason: fmt.Sprintf("%s requires signal_column", d.Kind)}
		}
		if len(d.ChoiceColumns) > 0 {
			return &ConfigurationError{Indicator: d.Name, Reason: "choice_columns is only valid for multiselect_pct"}
		}
	}
	return nil
}

// columnChecker is the part of the response table a definition validates
// itself against.
type columnChecker interface {
	HasColumn(name string) bool
}

// Validate checks that every referenced column exists in the loaded table.
func (d Definition) Validate(table columnChecker) error {
	cols := append([]string{d.WeightColumn}, d.referencedColumns()...)
	for _, col := range cols {
		if !table.HasColumn(col) {
			return &ConfigurationError{
				Indicator: d.Name,
				Reason:    fmt.Sprintf("referenced column %q not present in response table", col),
			}
		}
	}
	return nil
}

func (d Definition) referencedColumns() []string {
	if d.Kind == KindMultiselectPct {
		return d.ChoiceColumns
	}
	return []string{d.SignalColumn}
}

// Signal is one output signal a definition produces, with its row-level
// value extraction. Extract returns the contributing value and whether the
// row answers this signal at all.
type Signal struct {
	Name    string
	Extract func(values map[string]float64) (float64, bool)
}

// Signals expands a definition into its output signals. Mean and binary
// kinds produce one signal; multiselect produces one per choice column plus
// an any-selected composite.
func (d Definition) Signals() []Signal {
	if d.Kind != KindMultiselectPct {
		col := d.SignalColumn
		return []Signal{{
			Name: d.Name,
			Extract: func(values map[string]float64) (float64, bool) {
				v, ok := values[col]
				return v, ok
			},
		}}
	}

	signals := make([]Signal, 0, len(d.ChoiceColumns)+1)
	for _, choice := range d.ChoiceColumns {
		col := choice
		signals = append(signals, Signal{
			Name: d.Name + "_" + col,
			Extract: func(values map[string]float64) (float64, bool) {
				v, ok := values[col]
				return v, ok
			},
		})
	}
	choices := d.ChoiceColumns
	signals = append(signals, Signal{
		Name: d.Name + "_any",
		Extract: func(values map[string]float64) (float64, bool) {
			answered := false
			for _, col := range choices {
				v, ok := values[col]
				if !ok {
					continue
				}
				answered = true
				if v > 0 {
					return 1, true
				}
			}
			if !answered {
				return 0, false
			}
			return 0, true
		},
	})
	return signals
}

// Finalize applies the kind's standard-error formula to a computed bundle.
// For proportion kinds the design-effect SE is replaced by the binomial form
// over the effective sample size. An undefined SE stays undefined.
func (d Definition) Finalize(b stats.Bundle) stats.Bundle {
	if !b.StdErrDefined {
		return b
	}
	switch d.Kind {
	case KindBinaryPct, KindMultiselectPct:
		b.StdErr = stats.BinomialStdErr(b.Estimate, b.EffectiveSampleSize)
	}
	return b
}

// Apply runs the definition's post-processing over a finalized bundle.
func (d Definition) Apply(b stats.Bundle) stats.Bundle {
	switch d.PostProcess {
	case PostPercent:
		b.Estimate *= 100
		if b.StdErrDefined {
			b.StdErr *= 100
		}
	}
	return b
}
