package distill

import (
	"fmt"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

// Settings is the full, validated configuration for a distiller run.
// It is loaded once at startup, returned by value, and never mutated
// afterwards; callers that want a reload re-run LoadSettings and swap the
// whole value.
type Settings struct {
	System        SystemSettings        `yaml:"system"`
	Processing    ProcessingSettings    `yaml:"processing"`
	Quality       QualitySettings       `yaml:"quality"`
	ErrorHandling ErrorHandlingSettings `yaml:"error_handling"`
	Logging       LoggingSettings       `yaml:"logging"`
}

// SystemSettings controls model invocation.
type SystemSettings struct {
	ModelVersion string  `yaml:"model_version"`
	MaxTokens    int     `yaml:"max_tokens"`
	Temperature  float64 `yaml:"temperature"`

	// APIKey is sourced from OPENAI_API_KEY only and never from the
	// settings file.
	APIKey string `yaml:"-" json:"-"`
}

// ChunkSizeSettings bounds chunk sizes in words.
type ChunkSizeSettings struct {
	Min     int `yaml:"min"`
	Max     int `yaml:"max"`
	Optimal int `yaml:"optimal"`
}

// ProcessingSettings controls chunking and context handling.
type ProcessingSettings struct {
	ChunkSize           ChunkSizeSettings `yaml:"chunk_size"`
	ContextWindow       int               `yaml:"context_window"`
	SimilarityThreshold float64           `yaml:"similarity_threshold"`
}

// QualitySettings controls the summary quality gate.
type QualitySettings struct {
	MinQualityScore float64            `yaml:"min_quality_score"`
	RequiredChecks  []string           `yaml:"required_checks"`
	Thresholds      map[string]float64 `yaml:"thresholds"`
}

// ErrorHandlingSettings controls retries of model calls and of summaries
// that fail the quality gate. RetryDelay is in seconds.
type ErrorHandlingSettings struct {
	MaxRetries    int     `yaml:"max_retries"`
	RetryDelay    float64 `yaml:"retry_delay"`
	BackoffFactor float64 `yaml:"backoff_factor"`
}

// LoggingSettings configures the log sink, threshold, and line format.
// Format is a template with %(field)s placeholders; the recognized fields
// are asctime, name, levelname, and message.
type LoggingSettings struct {
	Level  string `yaml:"level"`
	File   string `yaml:"file"`
	Format string `yaml:"format"`
}

// ConfigErrorKind classifies configuration failures.
type ConfigErrorKind int

const (
	// ParseFailure means the settings document could not be read or is not
	// well-formed YAML.
	ParseFailure ConfigErrorKind = iota + 1

	// MissingFieldFailure means a required key is absent.
	MissingFieldFailure

	// ValidationFailure means the document is well-formed but a field or a
	// cross-field constraint is violated.
	ValidationFailure
)

func (k ConfigErrorKind) String() string {
	switch k {
	case ParseFailure:
		return "parse failure"
	case MissingFieldFailure:
		return "missing field"
	case ValidationFailure:
		return "validation failure"
	default:
		return fmt.Sprintf("config error kind %d", int(k))
	}
}

// ConfigError is the single error type LoadSettings fails with. Field names
// the offending key in dotted-path form; Reason states the violated
// constraint.
type ConfigError struct {
	Kind   ConfigErrorKind
	Field  string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	switch e.Kind {
	case ParseFailure:
		if e.Err != nil {
			return fmt.Sprintf("settings: %s: %v", e.Reason, e.Err)
		}
		return fmt.Sprintf("settings: %s", e.Reason)
	case MissingFieldFailure:
		return fmt.Sprintf("settings: %s: missing required field", e.Field)
	default:
		return fmt.Sprintf("settings: %s: %s", e.Field, e.Reason)
	}
}

func (e *ConfigError) Unwrap() error { return e.Err }

func missingField(field string) error {
	return &ConfigError{Kind: MissingFieldFailure, Field: field}
}

func invalidField(field, reason string) error {
	return &ConfigError{Kind: ValidationFailure, Field: field, Reason: reason}
}

// Logging levels accepted by the settings file, in the order of the
// original system's logging module.
var loggingLevels = map[string]bool{
	"DEBUG":    true,
	"INFO":     true,
	"WARNING":  true,
	"ERROR":    true,
	"CRITICAL": true,
}

// Recognized %(field)s placeholders in logging.format.
var formatFieldNames = map[string]bool{
	"asctime":   true,
	"name":      true,
	"levelname": true,
	"message":   true,
}

var formatFieldPattern = regexp.MustCompile(`%\(([A-Za-z_]+)\)s`)

// formatFields returns the placeholder names referenced by a logging format
// template, in order of appearance.
func formatFields(format string) []string {
	matches := formatFieldPattern.FindAllStringSubmatch(format, -1)
	fields := make([]string, 0, len(matches))
	for _, m := range matches {
		fields = append(fields, m[1])
	}
	return fields
}

// LoadSettings reads, parses, and validates a settings file. On success the
// returned Settings carries exactly the parsed values (plus environment
// overrides); on failure the error is always a *ConfigError and no partial
// configuration is produced.
func LoadSettings(path string) (Settings, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, &ConfigError{Kind: ParseFailure, Reason: "read settings file", Err: err}
	}

	var raw rawSettings
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return Settings{}, &ConfigError{Kind: ParseFailure, Reason: "parse settings file", Err: err}
	}

	s, err := raw.build()
	if err != nil {
		return Settings{}, err
	}

	applyEnvOverrides(&s)

	if err := validateSettings(s); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// rawSettings mirrors Settings with pointer fields so absent keys are
// distinguishable from zero values.
type rawSettings struct {
	System        *rawSystem        `yaml:"system"`
	Processing    *rawProcessing    `yaml:"processing"`
	Quality       *rawQuality       `yaml:"quality"`
	ErrorHandling *rawErrorHandling `yaml:"error_handling"`
	Logging       *rawLogging       `yaml:"logging"`
}

type rawSystem struct {
	ModelVersion *string  `yaml:"model_version"`
	MaxTokens    *int     `yaml:"max_tokens"`
	Temperature  *float64 `yaml:"temperature"`
}

type rawChunkSize struct {
	Min     *int `yaml:"min"`
	Max     *int `yaml:"max"`
	Optimal *int `yaml:"optimal"`
}

type rawProcessing struct {
	ChunkSize           *rawChunkSize `yaml:"chunk_size"`
	ContextWindow       *int          `yaml:"context_window"`
	SimilarityThreshold *float64      `yaml:"similarity_threshold"`
}

type rawQuality struct {
	MinQualityScore *float64           `yaml:"min_quality_score"`
	RequiredChecks  *[]string          `yaml:"required_checks"`
	Thresholds      map[string]float64 `yaml:"thresholds"`
}

type rawErrorHandling struct {
	MaxRetries    *int     `yaml:"max_retries"`
	RetryDelay    *float64 `yaml:"retry_delay"`
	BackoffFactor *float64 `yaml:"backoff_factor"`
}

type rawLogging struct {
	Level  *string `yaml:"level"`
	File   *string `yaml:"file"`
	Format *string `yaml:"format"`
}

func (r rawSettings) build() (Settings, error) {
	var s Settings

	if r.System == nil {
		return Settings{}, missingField("system")
	}
	if r.System.ModelVersion == nil {
		return Settings{}, missingField("system.model_version")
	}
	if r.System.MaxTokens == nil {
		return Settings{}, missingField("system.max_tokens")
	}
	if r.System.Temperature == nil {
		return Settings{}, missingField("system.temperature")
	}
	s.System = SystemSettings{
		ModelVersion: *r.System.ModelVersion,
		MaxTokens:    *r.System.MaxTokens,
		Temperature:  *r.System.Temperature,
	}

	if r.Processing == nil {
		return Settings{}, missingField("processing")
	}
	if r.Processing.ChunkSize == nil {
		return Settings{}, missingField("processing.chunk_size")
	}
	if r.Processing.ChunkSize.Min == nil {
		return Settings{}, missingField("processing.chunk_size.min")
	}
	if r.Processing.ChunkSize.Max == nil {
		return Settings{}, missingField("processing.chunk_size.max")
	}
	if r.Processing.ChunkSize.Optimal == nil {
		return Settings{}, missingField("processing.chunk_size.optimal")
	}
	if r.Processing.ContextWindow == nil {
		return Settings{}, missingField("processing.context_window")
	}
	if r.Processing.SimilarityThreshold == nil {
		return Settings{}, missingField("processing.similarity_threshold")
	}
	s.Processing = ProcessingSettings{
		ChunkSize: ChunkSizeSettings{
			Min:     *r.Processing.ChunkSize.Min,
			Max:     *r.Processing.ChunkSize.Max,
			Optimal: *r.Processing.ChunkSize.Optimal,
		},
		ContextWindow:       *r.Processing.ContextWindow,
		SimilarityThreshold: *r.Processing.SimilarityThreshold,
	}

	if r.Quality == nil {
		return Settings{}, missingField("quality")
	}
	if r.Quality.MinQualityScore == nil {
		return Settings{}, missingField("quality.min_quality_score")
	}
	if r.Quality.RequiredChecks == nil {
		return Settings{}, missingField("quality.required_checks")
	}
	if r.Quality.Thresholds == nil {
		return Settings{}, missingField("quality.thresholds")
	}
	s.Quality = QualitySettings{
		MinQualityScore: *r.Quality.MinQualityScore,
		RequiredChecks:  append([]string(nil), (*r.Quality.RequiredChecks)...),
		Thresholds:      make(map[string]float64, len(r.Quality.Thresholds)),
	}
	for k, v := range r.Quality.Thresholds {
		s.Quality.Thresholds[k] = v
	}

	if r.ErrorHandling == nil {
		return Settings{}, missingField("error_handling")
	}
	if r.ErrorHandling.MaxRetries == nil {
		return Settings{}, missingField("error_handling.max_retries")
	}
	if r.ErrorHandling.RetryDelay == nil {
		return Settings{}, missingField("error_handling.retry_delay")
	}
	if r.ErrorHandling.BackoffFactor == nil {
		return Settings{}, missingField("error_handling.backoff_factor")
	}
	s.ErrorHandling = ErrorHandlingSettings{
		MaxRetries:    *r.ErrorHandling.MaxRetries,
		RetryDelay:    *r.ErrorHandling.RetryDelay,
		BackoffFactor: *r.ErrorHandling.BackoffFactor,
	}

	if r.Logging == nil {
		return Settings{}, missingField("logging")
	}
	if r.Logging.Level == nil {
		return Settings{}, missingField("logging.level")
	}
	if r.Logging.File == nil {
		return Settings{}, missingField("logging.file")
	}
	if r.Logging.Format == nil {
		return Settings{}, missingField("logging.format")
	}
	s.Logging = LoggingSettings{
		Level:  *r.Logging.Level,
		File:   *r.Logging.File,
		Format: *r.Logging.Format,
	}

	return s, nil
}

func applyEnvOverrides(s *Settings) {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		s.System.APIKey = key
	}
	if model := os.Getenv("OPENAI_MODEL_VERSION"); model != "" {
		s.System.ModelVersion = model
	}
}

func validateSettings(s Settings) error {
	if s.System.ModelVersion == "" {
		return invalidField("system.model_version", "must not be empty")
	}
	if s.System.MaxTokens <= 0 {
		return invalidField("system.max_tokens", "must be > 0")
	}
	if s.System.Temperature < 0 {
		return invalidField("system.temperature", "must be >= 0")
	}

	cs := s.Processing.ChunkSize
	if cs.Min <= 0 {
		return invalidField("processing.chunk_size.min", "must be > 0")
	}
	if cs.Max <= 0 {
		return invalidField("processing.chunk_size.max", "must be > 0")
	}
	if cs.Optimal <= 0 {
		return invalidField("processing.chunk_size.optimal", "must be > 0")
	}
	if cs.Min > cs.Optimal {
		return invalidField("processing.chunk_size.min",
			fmt.Sprintf("min (%d) must be <= optimal (%d)", cs.Min, cs.Optimal))
	}
	if cs.Optimal > cs.Max {
		return invalidField("processing.chunk_size.optimal",
			fmt.Sprintf("optimal (%d) must be <= max (%d)", cs.Optimal, cs.Max))
	}
	if s.Processing.ContextWindow < 0 {
		return invalidField("processing.context_window", "must be >= 0")
	}
	if s.Processing.SimilarityThreshold < 0 || s.Processing.SimilarityThreshold > 1 {
		return invalidField("processing.similarity_threshold", "must be in [0,1]")
	}

	if s.Quality.MinQualityScore < 0 || s.Quality.MinQualityScore > 1 {
		return invalidField("quality.min_quality_score", "must be in [0,1]")
	}
	if len(s.Quality.RequiredChecks) == 0 {
		return invalidField("quality.required_checks", "must name at least one check")
	}
	for _, check := range s.Quality.RequiredChecks {
		if !knownQualityChecks[check] {
			return invalidField("quality.required_checks",
				fmt.Sprintf("unknown quality check %q", check))
		}
		if _, ok := s.Quality.Thresholds[check]; !ok {
			return invalidField("quality.thresholds",
				fmt.Sprintf("required check %q has no threshold entry", check))
		}
	}
	names := make([]string, 0, len(s.Quality.Thresholds))
	for name := range s.Quality.Thresholds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v := s.Quality.Thresholds[name]
		if v < 0 || v > 1 {
			return invalidField("quality.thresholds",
				fmt.Sprintf("threshold %q is %v, must be in [0,1]", name, v))
		}
	}

	if s.ErrorHandling.MaxRetries < 0 {
		return invalidField("error_handling.max_retries", "must be >= 0")
	}
	if s.ErrorHandling.RetryDelay < 0 {
		return invalidField("error_handling.retry_delay", "must be >= 0")
	}
	if s.ErrorHandling.BackoffFactor < 1 {
		return invalidField("error_handling.backoff_factor", "must be >= 1")
	}

	if !loggingLevels[s.Logging.Level] {
		return invalidField("logging.level",
			fmt.Sprintf("unknown level %q (want DEBUG, INFO, WARNING, ERROR, or CRITICAL)", s.Logging.Level))
	}
	if s.Logging.File == "" {
		return invalidField("logging.file", "must not be empty")
	}
	fields := formatFields(s.Logging.Format)
	if len(fields) == 0 {
		return invalidField("logging.format", "must reference at least one %(field)s placeholder")
	}
	for _, f := range fields {
		if !formatFieldNames[f] {
			return invalidField("logging.format",
				fmt.Sprintf("unknown format field %q", f))
		}
	}

	return nil
}
