package distill

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

const validSettingsYAML = `system:
  model_version: "gpt-4"
  max_tokens: 1000
  temperature: 0.3

processing:
  chunk_size:
    min: 400
    max: 1000
    optimal: 600
  context_window: 3
  similarity_threshold: 0.85

quality:
  min_quality_score: 0.8
  required_checks:
    - content_preservation
    - technical_accuracy
    - readability
    - context_coherence
  thresholds:
    content_preservation: 0.85
    technical_accuracy: 0.9
    readability: 0.75
    context_coherence: 0.8

error_handling:
  max_retries: 3
  retry_delay: 1.0
  backoff_factor: 2.0

logging:
  level: "INFO"
  file: "summarizer.log"
  format: "%(asctime)s - %(name)s - %(levelname)s - %(message)s"
`

func writeSettingsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write settings file: %v", err)
	}
	return path
}

func clearSettingsEnv(t *testing.T) {
	t.Helper()
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("OPENAI_MODEL_VERSION", "")
}

func TestLoadSettings_Valid(t *testing.T) {
	clearSettingsEnv(t)

	s, err := LoadSettings(filepath.Join("testdata", "config_valid.yaml"))
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}

	want := Settings{
		System: SystemSettings{
			ModelVersion: "gpt-4",
			MaxTokens:    1000,
			Temperature:  0.3,
		},
		Processing: ProcessingSettings{
			ChunkSize: ChunkSizeSettings{
				Min:     400,
				Max:     1000,
				Optimal: 600,
			},
			ContextWindow:       3,
			SimilarityThreshold: 0.85,
		},
		Quality: QualitySettings{
			MinQualityScore: 0.8,
			RequiredChecks:  []string{"content_preservation", "technical_accuracy", "readability", "context_coherence"},
			Thresholds: map[string]float64{
				"content_preservation": 0.85,
				"technical_accuracy":   0.9,
				"readability":          0.75,
				"context_coherence":    0.8,
			},
		},
		ErrorHandling: ErrorHandlingSettings{
			MaxRetries:    3,
			RetryDelay:    1.0,
			BackoffFactor: 2.0,
		},
		Logging: LoggingSettings{
			Level:  "INFO",
			File:   "summarizer.log",
			Format: "%(asctime)s - %(name)s - %(levelname)s - %(message)s",
		},
	}
	if !reflect.DeepEqual(s, want) {
		t.Fatalf("settings mismatch:\n got %+v\nwant %+v", s, want)
	}
}

// The fixture in testdata/config.yaml requires the context_coherence check
// but defines a threshold only for content_coherence. The load must fail
// rather than guess which name was intended.
func TestLoadSettings_UnresolvedRequiredCheckFails(t *testing.T) {
	clearSettingsEnv(t)

	_, err := LoadSettings(filepath.Join("testdata", "config.yaml"))
	if err == nil {
		t.Fatal("LoadSettings succeeded, want validation failure")
	}

	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("error type %T, want *ConfigError", err)
	}
	if ce.Kind != ValidationFailure {
		t.Fatalf("kind=%v, want validation failure", ce.Kind)
	}
	if ce.Field != "quality.thresholds" {
		t.Fatalf("field=%q, want %q", ce.Field, "quality.thresholds")
	}
	if !strings.Contains(err.Error(), "context_coherence") {
		t.Fatalf("error %q does not name the unresolved check", err.Error())
	}
}

func TestLoadSettings_Idempotent(t *testing.T) {
	clearSettingsEnv(t)

	path := writeSettingsFile(t, validSettingsYAML)
	a, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	b, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("loads differ:\n got %+v\nwant %+v", b, a)
	}
}

func TestLoadSettings_FileMissing(t *testing.T) {
	clearSettingsEnv(t)

	_, err := LoadSettings(filepath.Join(t.TempDir(), "nope.yaml"))
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("error type %T, want *ConfigError", err)
	}
	if ce.Kind != ParseFailure {
		t.Fatalf("kind=%v, want parse failure", ce.Kind)
	}
}

func TestLoadSettings_MalformedYAML(t *testing.T) {
	clearSettingsEnv(t)

	path := writeSettingsFile(t, "system: [unterminated\n")
	_, err := LoadSettings(path)
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("error type %T, want *ConfigError", err)
	}
	if ce.Kind != ParseFailure {
		t.Fatalf("kind=%v, want parse failure", ce.Kind)
	}
}

func TestLoadSettings_MissingFields(t *testing.T) {
	clearSettingsEnv(t)

	cases := []struct {
		name      string
		drop      string
		wantField string
	}{
		{"model_version", `  model_version: "gpt-4"` + "\n", "system.model_version"},
		{"max_tokens", "  max_tokens: 1000\n", "system.max_tokens"},
		{"temperature", "  temperature: 0.3\n", "system.temperature"},
		{"chunk_size.optimal", "    optimal: 600\n", "processing.chunk_size.optimal"},
		{"context_window", "  context_window: 3\n", "processing.context_window"},
		{"min_quality_score", "  min_quality_score: 0.8\n", "quality.min_quality_score"},
		{"retry_delay", "  retry_delay: 1.0\n", "error_handling.retry_delay"},
		{"logging.format", `  format: "%(asctime)s - %(name)s - %(levelname)s - %(message)s"` + "\n", "logging.format"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			content := strings.Replace(validSettingsYAML, tc.drop, "", 1)
			if content == validSettingsYAML {
				t.Fatalf("drop text %q not found in fixture", tc.drop)
			}

			_, err := LoadSettings(writeSettingsFile(t, content))
			var ce *ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("error type %T, want *ConfigError", err)
			}
			if ce.Kind != MissingFieldFailure {
				t.Fatalf("kind=%v, want missing field", ce.Kind)
			}
			if ce.Field != tc.wantField {
				t.Fatalf("field=%q, want %q", ce.Field, tc.wantField)
			}
		})
	}
}

func TestLoadSettings_MissingSection(t *testing.T) {
	clearSettingsEnv(t)

	start := strings.Index(validSettingsYAML, "logging:")
	content := validSettingsYAML[:start]

	_, err := LoadSettings(writeSettingsFile(t, content))
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("error type %T, want *ConfigError", err)
	}
	if ce.Kind != MissingFieldFailure || ce.Field != "logging" {
		t.Fatalf("got kind=%v field=%q, want missing field on logging", ce.Kind, ce.Field)
	}
}

func TestLoadSettings_ValidationFailures(t *testing.T) {
	clearSettingsEnv(t)

	cases := []struct {
		name      string
		old       string
		new       string
		wantField string
	}{
		{"max_tokens zero", "max_tokens: 1000", "max_tokens: 0", "system.max_tokens"},
		{"negative temperature", "temperature: 0.3", "temperature: -0.1", "system.temperature"},
		{"min above optimal", "min: 400", "min: 700", "processing.chunk_size.min"},
		{"optimal above max", "optimal: 600", "optimal: 1200", "processing.chunk_size.optimal"},
		{"negative context window", "context_window: 3", "context_window: -1", "processing.context_window"},
		{"similarity above one", "similarity_threshold: 0.85", "similarity_threshold: 1.2", "processing.similarity_threshold"},
		{"quality score above one", "min_quality_score: 0.8", "min_quality_score: 1.5", "quality.min_quality_score"},
		{"threshold above one", "technical_accuracy: 0.9", "technical_accuracy: 1.5", "quality.thresholds"},
		{"threshold below zero", "readability: 0.75", "readability: -0.1", "quality.thresholds"},
		{"unknown check", "- readability", "- readabilty", "quality.required_checks"},
		{"negative retries", "max_retries: 3", "max_retries: -1", "error_handling.max_retries"},
		{"negative retry delay", "retry_delay: 1.0", "retry_delay: -1.0", "error_handling.retry_delay"},
		{"backoff below one", "backoff_factor: 2.0", "backoff_factor: 0.5", "error_handling.backoff_factor"},
		{"unknown level", `level: "INFO"`, `level: "VERBOSE"`, "logging.level"},
		{"empty log file", `file: "summarizer.log"`, `file: ""`, "logging.file"},
		{"unknown format field", "%(levelname)s", "%(level)s", "logging.format"},
		{"format without placeholders", `format: "%(asctime)s - %(name)s - %(levelname)s - %(message)s"`, `format: "plain text"`, "logging.format"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			content := strings.Replace(validSettingsYAML, tc.old, tc.new, 1)
			if content == validSettingsYAML {
				t.Fatalf("replacement %q not found in fixture", tc.old)
			}

			_, err := LoadSettings(writeSettingsFile(t, content))
			var ce *ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("error type %T, want *ConfigError (err=%v)", err, err)
			}
			if ce.Kind != ValidationFailure {
				t.Fatalf("kind=%v, want validation failure (err=%v)", ce.Kind, err)
			}
			if ce.Field != tc.wantField {
				t.Fatalf("field=%q, want %q (err=%v)", ce.Field, tc.wantField, err)
			}
		})
	}
}

func TestLoadSettings_EmptyRequiredChecks(t *testing.T) {
	clearSettingsEnv(t)

	content := validSettingsYAML
	for _, check := range []string{
		"    - content_preservation\n",
		"    - technical_accuracy\n",
		"    - readability\n",
		"    - context_coherence\n",
	} {
		content = strings.Replace(content, check, "", 1)
	}
	content = strings.Replace(content, "required_checks:", "required_checks: []", 1)

	_, err := LoadSettings(writeSettingsFile(t, content))
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("error type %T, want *ConfigError", err)
	}
	if ce.Kind != ValidationFailure || ce.Field != "quality.required_checks" {
		t.Fatalf("got kind=%v field=%q, want validation failure on quality.required_checks", ce.Kind, ce.Field)
	}
}

func TestLoadSettings_EnvOverrides(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test-123")
	t.Setenv("OPENAI_MODEL_VERSION", "gpt-4o-mini")

	s, err := LoadSettings(writeSettingsFile(t, validSettingsYAML))
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if s.System.APIKey != "sk-test-123" {
		t.Fatalf("APIKey=%q, want env value", s.System.APIKey)
	}
	if s.System.ModelVersion != "gpt-4o-mini" {
		t.Fatalf("ModelVersion=%q, want env override", s.System.ModelVersion)
	}
}

func TestFormatFields(t *testing.T) {
	t.Parallel()

	fields := formatFields("%(asctime)s - %(name)s - %(levelname)s - %(message)s")
	want := []string{"asctime", "name", "levelname", "message"}
	if !reflect.DeepEqual(fields, want) {
		t.Fatalf("fields=%v, want %v", fields, want)
	}

	if got := formatFields("no placeholders here"); len(got) != 0 {
		t.Fatalf("fields=%v, want none", got)
	}
}
