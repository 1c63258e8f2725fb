// Package config loads and validates the run configuration from a YAML file
// and SURVEYCAST-prefixed environment variables, env taking precedence.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"

	"surveycast/internal/geo"
	"surveycast/internal/survey"
)

// UnmappedPolicy decides what happens to response rows whose fine key has no
// crosswalk entry for a requested level.
type UnmappedPolicy string

const (
	// UnmappedDrop excludes the row and reports a diagnostic count.
	UnmappedDrop UnmappedPolicy = "drop"
	// UnmappedAbort fails the whole run on the first unmapped row.
	UnmappedAbort UnmappedPolicy = "abort"
)

// Config is the complete application configuration.
type Config struct {
	Run       RunConfig       `yaml:"run" envconfig:"RUN"`
	Paths     PathsConfig     `yaml:"paths" envconfig:"PATHS"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
}

// RunConfig carries the aggregation options recognized by the engine. It is
// frozen after Load and passed explicitly through every component entry
// point; nothing reads it as ambient state.
type RunConfig struct {
	StartDate           string         `yaml:"start_date" envconfig:"START_DATE" validate:"required"`
	EndDate             string         `yaml:"end_date" envconfig:"END_DATE" validate:"required"`
	BackfillDays        int            `yaml:"backfill_days" envconfig:"BACKFILL_DAYS" validate:"min=0"`
	SampleSizeThreshold int            `yaml:"sample_size_threshold" envconfig:"SAMPLE_SIZE_THRESHOLD" validate:"min=1"`
	GeographyLevels     []string       `yaml:"geography_levels" envconfig:"GEOGRAPHY_LEVELS"`
	WeekdayAdjustment   bool           `yaml:"weekday_adjustment" envconfig:"WEEKDAY_ADJUSTMENT"`
	Parallel            bool           `yaml:"parallel" envconfig:"PARALLEL"`
	UnmappedPolicy      UnmappedPolicy `yaml:"unmapped_policy" envconfig:"UNMAPPED_POLICY" validate:"oneof=drop abort"`
}

// PathsConfig locates the run's inputs and output directories.
type PathsConfig struct {
	Responses    string `yaml:"responses" envconfig:"RESPONSES" validate:"required"`
	CrosswalkDir string `yaml:"crosswalk_dir" envconfig:"CROSSWALK_DIR" validate:"required"`
	Indicators   string `yaml:"indicators" envconfig:"INDICATORS" validate:"required"`
	ExportDir    string `yaml:"export_dir" envconfig:"EXPORT_DIR"`
	StagingDir   string `yaml:"staging_dir" envconfig:"STAGING_DIR"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL"`
	Format   string `yaml:"format" envconfig:"FORMAT" validate:"oneof=json text"`
	Output   string `yaml:"output" envconfig:"OUTPUT" validate:"oneof=stdout file both"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// TelemetryConfig controls OpenTelemetry instrumentation of the run.
type TelemetryConfig struct {
	EnableTracing bool `yaml:"enable_tracing" envconfig:"ENABLE_TRACING"`
	EnableMetrics bool `yaml:"enable_metrics" envconfig:"ENABLE_METRICS"`
}

// Load reads configuration from an optional YAML file, applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.UnmarshalStrict(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := envconfig.Process("SURVEYCAST", &cfg); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills fields left unset by both the file and the
// environment. Booleans default to false and are therefore explicit opt-ins.
func (c *Config) applyDefaults() {
	if c.Run.BackfillDays == 0 {
		c.Run.BackfillDays = 60
	}
	if c.Run.SampleSizeThreshold == 0 {
		c.Run.SampleSizeThreshold = 100
	}
	if len(c.Run.GeographyLevels) == 0 {
		c.Run.GeographyLevels = []string{"county", "state"}
	}
	if c.Run.UnmappedPolicy == "" {
		c.Run.UnmappedPolicy = UnmappedDrop
	}
	if c.Paths.ExportDir == "" {
		c.Paths.ExportDir = "export"
	}
	if c.Paths.StagingDir == "" {
		c.Paths.StagingDir = "staging"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
	if c.Logging.FilePath == "" {
		c.Logging.FilePath = "logs/surveycast.log"
	}
}

// Validate checks structural constraints plus the cross-field rules the
// struct tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	start, end, err := c.Run.Dates()
	if err != nil {
		return err
	}
	if end.Before(start) {
		return fmt.Errorf("invalid configuration: end_date %s before start_date %s",
			c.Run.EndDate, c.Run.StartDate)
	}

	if len(c.Run.GeographyLevels) == 0 {
		return fmt.Errorf("invalid configuration: geography_levels is empty")
	}
	for _, level := range c.Run.GeographyLevels {
		if !knownLevel(geo.Level(level)) {
			return fmt.Errorf("invalid configuration: unknown geography level %q", level)
		}
	}
	return nil
}

// Dates parses the configured start and end days.
func (r RunConfig) Dates() (start, end time.Time, err error) {
	start, err = survey.ParseDay(r.StartDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid configuration: start_date: %w", err)
	}
	end, err = survey.ParseDay(r.EndDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid configuration: end_date: %w", err)
	}
	return start, end, nil
}

// Levels returns the configured geography levels as typed values.
func (r RunConfig) Levels() []geo.Level {
	levels := make([]geo.Level, len(r.GeographyLevels))
	for i, l := range r.GeographyLevels {
		levels[i] = geo.Level(l)
	}
	return levels
}

func knownLevel(l geo.Level) bool {
	for _, k := range geo.KnownLevels {
		if l == k {
			return true
		}
	}
	return false
}
