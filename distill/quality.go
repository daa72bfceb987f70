package distill

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Quality check names accepted in quality.required_checks and
// quality.thresholds.
const (
	CheckContentPreservation = "content_preservation"
	CheckTechnicalAccuracy   = "technical_accuracy"
	CheckReadability         = "readability"
	CheckContextCoherence    = "context_coherence"
)

var knownQualityChecks = map[string]bool{
	CheckContentPreservation: true,
	CheckTechnicalAccuracy:   true,
	CheckReadability:         true,
	CheckContextCoherence:    true,
}

// QualityMetrics are the per-summary quality scores, each in [0,1].
type QualityMetrics struct {
	ContentPreservation float64 `json:"content_preservation"`
	TechnicalAccuracy   float64 `json:"technical_accuracy"`
	Readability         float64 `json:"readability"`
	ContextCoherence    float64 `json:"context_coherence"`
}

// Score returns the metric value for a named check.
func (m QualityMetrics) Score(check string) (float64, bool) {
	switch check {
	case CheckContentPreservation:
		return m.ContentPreservation, true
	case CheckTechnicalAccuracy:
		return m.TechnicalAccuracy, true
	case CheckReadability:
		return m.Readability, true
	case CheckContextCoherence:
		return m.ContextCoherence, true
	default:
		return 0, false
	}
}

// Mean is the unweighted average across all four metrics.
func (m QualityMetrics) Mean() float64 {
	return (m.ContentPreservation + m.TechnicalAccuracy + m.Readability + m.ContextCoherence) / 4
}

// CheckFailure records one check that scored below its threshold.
type CheckFailure struct {
	Check     string  `json:"check"`
	Score     float64 `json:"score"`
	Threshold float64 `json:"threshold"`
}

// QualityError reports every required check a summary failed.
type QualityError struct {
	Failures []CheckFailure
}

func (e *QualityError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s %.2f < %.2f", f.Check, f.Score, f.Threshold))
	}
	return "summary below quality standards: " + strings.Join(parts, ", ")
}

// QualityController scores summaries and gates them against the configured
// thresholds.
type QualityController struct {
	settings QualitySettings
}

func NewQualityController(settings QualitySettings) *QualityController {
	return &QualityController{settings: settings}
}

// Evaluate computes the quality metrics for a summary of chunk. The context
// coherence score is supplied by the caller (embedding similarity between
// summary and chunk) because scoring it requires the provider.
func (c *QualityController) Evaluate(summary string, chunk Chunk, coherence float64) QualityMetrics {
	return QualityMetrics{
		ContentPreservation: contentPreservationScore(summary, chunk.Text),
		TechnicalAccuracy:   technicalAccuracyScore(summary, chunk.Text),
		Readability:         readabilityScore(summary),
		ContextCoherence:    clamp01(coherence),
	}
}

// Gate checks the metrics against every required check's threshold and
// against the global minimum score. It returns a *QualityError naming each
// failing check, or nil when all pass.
func (c *QualityController) Gate(m QualityMetrics) error {
	var failures []CheckFailure
	for _, check := range c.settings.RequiredChecks {
		score, ok := m.Score(check)
		if !ok {
			continue
		}
		threshold := c.settings.Thresholds[check]
		if threshold < c.settings.MinQualityScore {
			threshold = c.settings.MinQualityScore
		}
		if score < threshold {
			failures = append(failures, CheckFailure{Check: check, Score: score, Threshold: threshold})
		}
	}
	if len(failures) > 0 {
		return &QualityError{Failures: failures}
	}
	return nil
}

var (
	quotePattern  = regexp.MustCompile(`"([^"\n]{3,})"`)
	numberPattern = regexp.MustCompile(`\b\d+(?:\.\d+)?%?\b`)
	namePattern   = regexp.MustCompile(`\b[A-Z][a-z]{2,}\b`)
)

// contentPreservationScore measures how many of the chunk's key elements
// (quoted spans, numbers, capitalized names) survive into the summary.
func contentPreservationScore(summary, original string) float64 {
	elements := make(map[string]bool)
	for _, m := range quotePattern.FindAllStringSubmatch(original, -1) {
		elements[strings.ToLower(m[1])] = true
	}
	for _, m := range numberPattern.FindAllString(original, -1) {
		elements[strings.ToLower(m)] = true
	}
	for _, m := range namePattern.FindAllString(original, -1) {
		elements[strings.ToLower(m)] = true
	}
	if len(elements) == 0 {
		return 1.0
	}

	lower := strings.ToLower(summary)
	preserved := 0
	for el := range elements {
		if strings.Contains(lower, el) {
			preserved++
		}
	}
	return float64(preserved) / float64(len(elements))
}

// technicalAccuracyScore is the fraction of the chunk's technical terms the
// summary uses. A chunk without technical terms scores 1.0.
func technicalAccuracyScore(summary, original string) float64 {
	originalTerms := IdentifyTerms(original)
	if len(originalTerms) == 0 {
		return 1.0
	}
	summaryTerms := make(map[string]bool)
	for _, t := range IdentifyTerms(summary) {
		summaryTerms[strings.ToLower(t)] = true
	}
	kept := 0
	for _, t := range originalTerms {
		if summaryTerms[strings.ToLower(t)] {
			kept++
		}
	}
	return float64(kept) / float64(len(originalTerms))
}

// readabilityScore penalizes long average sentence length: a text averaging
// over 25 words per sentence decays linearly and bottoms out at 0 past 50.
func readabilityScore(text string) float64 {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return 0
	}
	total := 0
	for _, s := range sentences {
		total += len(strings.Fields(s))
	}
	avg := float64(total) / float64(len(sentences))
	if avg > 25 {
		return clamp01(1 - (avg-25)/25)
	}
	return 1.0
}

func splitSentences(text string) []string {
	raw := strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?'
	})
	sentences := raw[:0]
	for _, s := range raw {
		if strings.TrimSpace(s) != "" {
			sentences = append(sentences, s)
		}
	}
	return sentences
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// QualityReport aggregates quality results across a whole run.
type QualityReport struct {
	ChunkCount    int                `json:"chunk_count"`
	OverallScore  float64            `json:"overall_score"`
	MeanByCheck   map[string]float64 `json:"mean_by_check"`
	FailedChecks  []CheckFailure     `json:"failed_checks,omitempty"`
	RetriedChunks int                `json:"retried_chunks"`
}

// BuildQualityReport summarizes per-chunk metrics into a run-level report.
func BuildQualityReport(metrics []QualityMetrics, failures []CheckFailure, retried int) QualityReport {
	report := QualityReport{
		ChunkCount:    len(metrics),
		MeanByCheck:   map[string]float64{},
		FailedChecks:  failures,
		RetriedChunks: retried,
	}
	if len(metrics) == 0 {
		return report
	}

	checks := make([]string, 0, len(knownQualityChecks))
	for name := range knownQualityChecks {
		checks = append(checks, name)
	}
	sort.Strings(checks)

	var overall float64
	for _, check := range checks {
		var sum float64
		for _, m := range metrics {
			score, _ := m.Score(check)
			sum += score
		}
		report.MeanByCheck[check] = sum / float64(len(metrics))
	}
	for _, m := range metrics {
		overall += m.Mean()
	}
	report.OverallScore = overall / float64(len(metrics))
	return report
}
