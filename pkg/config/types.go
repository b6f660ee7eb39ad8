package config

import (
	"time"

	"github.com/rootbeer/rootbeer/pkg/engine"
)

// DefaultStoreRoot is where revisions live unless configured otherwise.
const DefaultStoreRoot = "/opt/rootbeer"

// Settings is the rb configuration file.
type Settings struct {
	// StoreRoot is the revision store directory.
	StoreRoot string `yaml:"store_root" json:"store_root" validate:"required"`

	// Manifest is the entry script used when apply gets no argument.
	// Empty means XDG discovery.
	Manifest string `yaml:"manifest" json:"manifest,omitempty"`

	// MaxSteps bounds the Starlark instructions a run may execute. 0 disables.
	MaxSteps uint64 `yaml:"max_steps" json:"max_steps"`

	// Timeout bounds the wall-clock time of a run. 0 disables.
	Timeout time.Duration `yaml:"timeout" json:"timeout" validate:"gte=0"`

	LogLevel  string `yaml:"log_level" json:"log_level" validate:"oneof=trace debug info warn error"`
	LogFormat string `yaml:"log_format" json:"log_format" validate:"oneof=console json"`

	// DisableJournal turns off the sqlite apply journal.
	DisableJournal bool `yaml:"disable_journal" json:"disable_journal"`

	// MetricsFile, when set, receives prometheus text metrics after every apply.
	MetricsFile string `yaml:"metrics_file" json:"metrics_file,omitempty"`

	// PolicyDirs hold additional .rego files evaluated for every write.
	PolicyDirs []string `yaml:"policy_dirs" json:"policy_dirs,omitempty" validate:"dive,required"`

	// DisabledPolicies names policies, built-in or loaded, that are not
	// evaluated.
	DisabledPolicies []string `yaml:"disabled_policies" json:"disabled_policies,omitempty" validate:"dive,required"`

	Tracing TracingSettings `yaml:"tracing" json:"tracing"`
	Limits  engine.Limits   `yaml:"limits" json:"limits"`
}

// TracingSettings configure span export.
type TracingSettings struct {
	Exporter     string  `yaml:"exporter" json:"exporter" validate:"oneof=none stdout otlp"`
	Endpoint     string  `yaml:"endpoint" json:"endpoint,omitempty" validate:"required_if=Exporter otlp"`
	SamplingRate float64 `yaml:"sampling_rate" json:"sampling_rate" validate:"gte=0,lte=1"`
}

// DefaultSettings returns the settings used when no file is given.
func DefaultSettings() *Settings {
	return &Settings{
		StoreRoot: DefaultStoreRoot,
		MaxSteps:  100_000_000,
		Timeout:   2 * time.Minute,
		LogLevel:  "info",
		LogFormat: "console",
		Tracing: TracingSettings{
			Exporter:     "none",
			SamplingRate: 1.0,
		},
		Limits: engine.DefaultLimits,
	}
}
