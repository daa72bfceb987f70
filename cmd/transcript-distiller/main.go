package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/responses"
	"go.uber.org/zap"

	"github.com/theimaginaryfoundation/podcast-distiller/distill"
	"github.com/theimaginaryfoundation/podcast-distiller/distill/fileutils"
	"github.com/theimaginaryfoundation/podcast-distiller/distill/provider"
)

func parseFlags(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := defaultConfig()
	fs.SetOutput(os.Stderr)

	fs.StringVar(&cfg.SettingsPath, "settings", cfg.SettingsPath, "Path to the pipeline settings YAML file")
	fs.StringVar(&cfg.InPath, "in", "", "Path to the transcript file (.pdf or plain text)")
	fs.StringVar(&cfg.OutDir, "out", "", "Output directory for chunk summaries, final summary, term bank, and run report")
	fs.StringVar(&cfg.APIKey, "api-key", "", "OpenAI API key (overrides OPENAI_API_KEY env var)")
	fs.StringVar(&cfg.TermBankPath, "term-bank", "", "Optional path for term_bank.json (default: <out>/term_bank.json)")
	fs.StringVar(&cfg.ReportPath, "report", "", "Optional path for run_report.json (default: <out>/run_report.json)")
	fs.StringVar(&cfg.EmbeddingModel, "embedding-model", "", "Embedding model (default: text-embedding-3-small)")
	fs.BoolVar(&cfg.Pretty, "pretty", false, "Pretty-print output JSON files")
	fs.BoolVar(&cfg.Overwrite, "overwrite", false, "Overwrite existing chunk summary files")
	fs.BoolVar(&cfg.Resume, "resume", cfg.Resume, "Reuse chunk summaries that already exist in -out")
	fs.IntVar(&cfg.MaxChunks, "max-chunks", 0, "Process only the first N chunks (0 = all)")
	fs.Float64Var(&cfg.RequestsPerSecond, "rps", cfg.RequestsPerSecond, "Max OpenAI requests per second (0 = unlimited)")
	fs.IntVar(&cfg.Concurrency, "concurrency", cfg.Concurrency, "Max concurrent term explanation calls")
	fs.IntVar(&cfg.CacheSize, "cache-size", cfg.CacheSize, "Embedding cache capacity (vectors)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg.SettingsPath = filepath.Clean(cfg.SettingsPath)
	if cfg.InPath != "" {
		cfg.InPath = filepath.Clean(cfg.InPath)
	}
	if cfg.OutDir != "" {
		cfg.OutDir = filepath.Clean(cfg.OutDir)
	}
	if cfg.TermBankPath == "" && cfg.OutDir != "" {
		cfg.TermBankPath = filepath.Join(cfg.OutDir, "term_bank.json")
	}
	if cfg.ReportPath == "" && cfg.OutDir != "" {
		cfg.ReportPath = filepath.Join(cfg.OutDir, "run_report.json")
	}
	return cfg, nil
}

func main() {
	cfg, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}

	// Settings load is fail-fast: any parse/missing-field/validation error
	// aborts startup with the offending field and constraint.
	settings, err := distill.LoadSettings(cfg.SettingsPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = settings.System.APIKey
	}
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "missing OPENAI_API_KEY (or pass -api-key)")
		os.Exit(2)
	}

	logger, closeLogger, err := distill.NewLogger(settings.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
	defer closeLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.OutDir, 0o755); err != nil {
		fmt.Fprintln(os.Stderr, fmt.Errorf("mkdir -out: %w", err).Error())
		os.Exit(2)
	}

	start := time.Now()
	logger.Info("starting document processing", zap.String("file", cfg.InPath))

	raw, err := distill.ExtractDocument(cfg.InPath)
	if err != nil {
		logger.Error("document processing failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	text := distill.CleanTranscript(raw)

	chunks, err := distill.ChunkTranscript(text, settings.Processing.ChunkSize)
	if err != nil {
		logger.Error("chunking failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	if cfg.MaxChunks > 0 && len(chunks) > cfg.MaxChunks {
		chunks = chunks[:cfg.MaxChunks]
	}

	policy := provider.RetryPolicy{
		MaxRetries: settings.ErrorHandling.MaxRetries,
		Delay:      time.Duration(settings.ErrorHandling.RetryDelay * float64(time.Second)),
		Backoff:    settings.ErrorHandling.BackoffFactor,
	}
	client := provider.NewClient(apiKey, policy, cfg.RequestsPerSecond)
	embedder, err := provider.NewEmbedder(client, cfg.EmbeddingModel, cfg.CacheSize)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	if err := embedChunks(ctx, embedder, chunks, cfg.Concurrency); err != nil {
		logger.Error("embedding failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	chunks = distill.OptimizeChunks(chunks, settings.Processing.SimilarityThreshold, settings.Processing.ChunkSize.Max)
	logger.Info("chunking complete", zap.Int("chunks", len(chunks)))

	bank, err := distill.LoadTermBank(cfg.TermBankPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	termCache, err := distill.NewTermCache(cfg.CacheSize)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	d := distiller{client: client, system: settings.System}
	qc := distill.NewQualityController(settings.Quality)
	window := distill.NewContextWindow(settings.Processing.ContextWindow, settings.Processing.SimilarityThreshold)
	integrator := distill.NewTermIntegrator()

	var (
		summaries     []distill.ChunkSummary
		runMetrics    []distill.QualityMetrics
		retried       int
		resumed       int
		termCacheHits int64
	)

	// Chunks are summarized strictly in order: the context window depends
	// on the summaries of earlier chunks.
	for _, chunk := range chunks {
		outPath := chunkSummaryPath(cfg.OutDir, cfg.InPath, chunk.Index)
		if cfg.Resume && fileutils.FileExists(outPath) {
			var prev distill.ChunkSummary
			if err := fileutils.ReadJSONFile(outPath, &prev); err == nil && prev.Summary != "" {
				summaries = append(summaries, prev)
				runMetrics = append(runMetrics, prev.Metrics)
				window.Update(chunk, prev.Summary)
				resumed++
				continue
			}
		}

		defs, hits, err := resolveTerms(ctx, &d, &bank, termCache, chunk, cfg.Concurrency, logger)
		termCacheHits += hits
		if err != nil {
			logger.Error("term processing failed", zap.Int("chunk", chunk.Index), zap.Error(err))
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}

		contextEntries := window.Relevant(chunk)

		summary, attempts, err := summarizeWithQualityGate(ctx, &d, embedder, qc, chunk, contextEntries, defs, settings, logger)
		if err != nil {
			logger.Error("quality validation failed", zap.Int("chunk", chunk.Index), zap.Error(err))
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}
		retried += attempts

		summary.Summary = integrator.Integrate(summary.Summary, defs)

		if err := writeChunkSummary(outPath, summary, cfg.Pretty, cfg.Overwrite || cfg.Resume); err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}

		window.Update(chunk, summary.Summary)
		summaries = append(summaries, summary)
		runMetrics = append(runMetrics, summary.Metrics)
		logger.Info("chunk summarized",
			zap.Int("chunk", chunk.Index),
			zap.Int("of", len(chunks)),
			zap.Float64("quality", summary.Metrics.Mean()),
			zap.Int("retries", summary.Retries))
	}

	if err := distill.SaveTermBank(cfg.TermBankPath, bank); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	final := distill.AggregateSummaries(filepath.Base(cfg.InPath), summaries, bank.Entries)
	summaryPath := transcriptSummaryPath(cfg.OutDir, cfg.InPath)
	if err := fileutils.WriteJSONFileAtomic(summaryPath, final, cfg.Pretty); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	calls, apiRetries := client.Stats()
	embedHits, embedMisses := embedder.CacheStats()
	elapsed := time.Since(start).Seconds()
	report := distill.RunReport{
		SourceFile:     filepath.Base(cfg.InPath),
		ChunkCount:     len(summaries),
		Duration:       elapsed,
		APICalls:       calls,
		Retries:        apiRetries,
		EmbedCacheHits: embedHits,
		EmbedCacheMiss: embedMisses,
		TermCacheHits:  termCacheHits,
		ExplainedTerms: len(bank.Entries),
		Quality:        distill.BuildQualityReport(runMetrics, nil, retried),
		CompletedAt:    time.Now().UTC().Format(time.RFC3339),
		ResumedChunks:  resumed,
	}
	if len(summaries) > 0 {
		report.DurationPerItem = elapsed / float64(len(summaries))
	}
	if err := fileutils.WriteJSONFileAtomic(cfg.ReportPath, report, true); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	logger.Info("processing completed successfully",
		zap.Int("chunks", len(summaries)),
		zap.Int("resumed", resumed),
		zap.Float64("overall_quality", report.Quality.OverallScore),
		zap.Float64("seconds", elapsed))
	fmt.Fprintf(os.Stdout, "chunks_processed=%d resumed=%d summary=%s report=%s term_bank=%s\n",
		len(summaries), resumed, summaryPath, cfg.ReportPath, cfg.TermBankPath)
}

// embedChunks populates chunk embeddings with bounded concurrency.
func embedChunks(ctx context.Context, embedder *provider.Embedder, chunks []distill.Chunk, concurrency int) error {
	if concurrency < 1 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)
	errCh := make(chan error, len(chunks))

	wg := sync.WaitGroup{}
	for i := range chunks {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			default:
			}

			v, err := embedder.Embed(ctx, chunks[i].Text)
			if err != nil {
				errCh <- fmt.Errorf("embed chunk %d: %w", chunks[i].Index, err)
				return
			}
			chunks[i].Embedding = v
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

// resolveTerms gathers definitions for every technical term in the chunk:
// run cache first, then the persisted bank, then the model. Newly explained
// terms are merged into the bank.
func resolveTerms(ctx context.Context, d *distiller, bank *distill.TermBank, cache *distill.TermCache, chunk distill.Chunk, concurrency int, logger *zap.Logger) ([]distill.TermDefinition, int64, error) {
	terms := distill.IdentifyTerms(chunk.Text)
	if len(terms) == 0 {
		return nil, 0, nil
	}

	var (
		defs      []distill.TermDefinition
		unknown   []string
		cacheHits int64
	)
	for _, term := range terms {
		if def, ok := cache.Get(term); ok {
			cacheHits++
			defs = append(defs, def)
			continue
		}
		if def, ok := bank.Lookup(term); ok {
			cache.Add(def)
			defs = append(defs, def)
			continue
		}
		unknown = append(unknown, term)
	}
	if len(unknown) == 0 {
		bank.Merge(defs)
		return defs, cacheHits, nil
	}

	sem := make(chan struct{}, concurrency)
	results := make(chan distill.TermDefinition, len(unknown))
	errCh := make(chan error, len(unknown))

	wg := sync.WaitGroup{}
	for _, term := range unknown {
		wg.Add(1)
		go func(term string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			default:
			}

			def, err := d.ExplainTerm(ctx, term)
			if err != nil {
				// A single unexplainable term does not fail the chunk.
				logger.Warn("term explanation failed", zap.String("term", term), zap.Error(err))
				return
			}
			results <- def
		}(term)
	}
	wg.Wait()
	close(results)
	close(errCh)

	for err := range errCh {
		if err != nil {
			return nil, cacheHits, err
		}
	}
	for def := range results {
		cache.Add(def)
		defs = append(defs, def)
	}
	bank.Merge(defs)
	return defs, cacheHits, nil
}

// summarizeWithQualityGate generates a chunk summary and regenerates it, up
// to the configured retry budget, until it clears the quality gate. The
// temperature is nudged up on each regeneration for variety.
func summarizeWithQualityGate(ctx context.Context, d *distiller, embedder *provider.Embedder, qc *distill.QualityController, chunk distill.Chunk, contextEntries []distill.ContextEntry, defs []distill.TermDefinition, settings distill.Settings, logger *zap.Logger) (distill.ChunkSummary, int, error) {
	attempts := settings.ErrorHandling.MaxRetries + 1
	var lastGateErr error

	for attempt := 0; attempt < attempts; attempt++ {
		temperature := settings.System.Temperature + 0.2*float64(attempt)
		resp, err := d.SummarizeChunk(ctx, chunk, contextEntries, defs, temperature)
		if err != nil {
			return distill.ChunkSummary{}, attempt, err
		}

		coherence := 1.0
		if len(chunk.Embedding) > 0 {
			sv, err := embedder.Embed(ctx, resp.Summary)
			if err != nil {
				return distill.ChunkSummary{}, attempt, err
			}
			coherence = distill.CosineSimilarity(sv, chunk.Embedding)
		}

		metrics := qc.Evaluate(resp.Summary, chunk, coherence)
		if gateErr := qc.Gate(metrics); gateErr != nil {
			lastGateErr = gateErr
			logger.Warn("summary below quality standards, retrying",
				zap.Int("chunk", chunk.Index),
				zap.Int("attempt", attempt+1),
				zap.Error(gateErr))
			continue
		}

		return distill.ChunkSummary{
			ChunkIndex:  chunk.Index,
			Speakers:    chunk.Speakers,
			Summary:     resp.Summary,
			KeyPoints:   resp.KeyPoints,
			Terms:       resp.Terms,
			Metrics:     metrics,
			Retries:     attempt,
			ContextUsed: len(contextEntries) > 0,
		}, attempt, nil
	}

	return distill.ChunkSummary{}, attempts - 1, fmt.Errorf("chunk %d: %w", chunk.Index, lastGateErr)
}

func chunkSummaryPath(outDir, inPath string, index int) string {
	base := strings.TrimSuffix(filepath.Base(inPath), filepath.Ext(inPath))
	return filepath.Join(outDir, fmt.Sprintf("%s.chunk_%03d.summary.json", base, index))
}

func transcriptSummaryPath(outDir, inPath string) string {
	base := strings.TrimSuffix(filepath.Base(inPath), filepath.Ext(inPath))
	return filepath.Join(outDir, base+".distilled.json")
}

func writeChunkSummary(outPath string, summary distill.ChunkSummary, pretty, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(outPath); err == nil {
			return fmt.Errorf("summary already exists: %s", outPath)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("stat summary file: %w", err)
		}
	}
	if err := fileutils.WriteJSONFileAtomic(outPath, summary, pretty); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}

type summarizeResponse struct {
	Summary   string   `json:"summary"`
	KeyPoints []string `json:"key_points"`
	Terms     []string `json:"terms"`
}

type explainTermResponse struct {
	Term        string `json:"term"`
	Explanation string `json:"explanation"`
}

var summarizeSchema = provider.GenerateSchema[summarizeResponse]()
var explainTermSchema = provider.GenerateSchema[explainTermResponse]()

type distiller struct {
	client *provider.Client
	system distill.SystemSettings
}

func (d *distiller) SummarizeChunk(ctx context.Context, chunk distill.Chunk, contextEntries []distill.ContextEntry, terms []distill.TermDefinition, temperature float64) (summarizeResponse, error) {
	if d.client == nil {
		return summarizeResponse{}, errors.New("distiller: client is nil")
	}
	if d.system.ModelVersion == "" {
		return summarizeResponse{}, errors.New("distiller: model is empty")
	}

	input := buildChunkPromptInput(chunk, contextEntries, terms, d.system.ModelVersion, promptOptions{
		MaxTranscriptTokens: transcriptTokenBudget(d.system.MaxTokens),
	})
	format := responses.ResponseFormatTextConfigUnionParam{
		OfJSONSchema: &responses.ResponseFormatTextJSONSchemaConfigParam{
			Name:        "ChunkSummary",
			Schema:      summarizeSchema,
			Strict:      openai.Bool(true),
			Description: openai.String("Chunk summary JSON"),
			Type:        "json_schema",
		},
	}

	params := responses.ResponseNewParams{
		Model:           d.system.ModelVersion,
		MaxOutputTokens: openai.Int(int64(d.system.MaxTokens)),
		Temperature:     openai.Float(temperature),
		Instructions:    openai.String(summarizerPrompt),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: []responses.ResponseInputItemUnionParam{
				responses.ResponseInputItemParamOfMessage(input, responses.EasyInputMessageRoleUser),
			},
		},
		Text: responses.ResponseTextConfigParam{
			Format: format,
		},
	}

	resp, err := d.client.NewResponse(ctx, params)
	if err != nil {
		return summarizeResponse{}, err
	}

	var out summarizeResponse
	if err := decodeModelJSON(resp.OutputText(), &out); err != nil {
		return summarizeResponse{}, fmt.Errorf("unmarshal summary: %w (model_output_prefix=%q)", err, fileutils.Truncate(resp.OutputText(), 300))
	}
	out.Summary = strings.TrimSpace(out.Summary)
	return out, nil
}

func (d *distiller) ExplainTerm(ctx context.Context, term string) (distill.TermDefinition, error) {
	if d.client == nil {
		return distill.TermDefinition{}, errors.New("distiller: client is nil")
	}
	if strings.TrimSpace(term) == "" {
		return distill.TermDefinition{}, errors.New("distiller: term is empty")
	}

	format := responses.ResponseFormatTextConfigUnionParam{
		OfJSONSchema: &responses.ResponseFormatTextJSONSchemaConfigParam{
			Name:        "TermExplanation",
			Schema:      explainTermSchema,
			Strict:      openai.Bool(true),
			Description: openai.String("Technical term explanation JSON"),
			Type:        "json_schema",
		},
	}

	params := responses.ResponseNewParams{
		Model:           d.system.ModelVersion,
		MaxOutputTokens: openai.Int(300),
		Temperature:     openai.Float(d.system.Temperature),
		Instructions:    openai.String(termExplainerPrompt),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: []responses.ResponseInputItemUnionParam{
				responses.ResponseInputItemParamOfMessage("term: "+term, responses.EasyInputMessageRoleUser),
			},
		},
		Text: responses.ResponseTextConfigParam{
			Format: format,
		},
	}

	resp, err := d.client.NewResponse(ctx, params)
	if err != nil {
		return distill.TermDefinition{}, err
	}

	var out explainTermResponse
	if err := decodeModelJSON(resp.OutputText(), &out); err != nil {
		return distill.TermDefinition{}, fmt.Errorf("unmarshal term explanation: %w (model_output_prefix=%q)", err, fileutils.Truncate(resp.OutputText(), 300))
	}
	return distill.TermDefinition{
		Term:       term,
		Definition: strings.TrimSpace(out.Explanation),
		Count:      1,
		Source:     d.system.ModelVersion,
	}, nil
}

// decodeModelJSON unmarshals JSON from a model response, with a small amount
// of robustness for cases where the model wraps the JSON in extra text or
// returns leading/trailing whitespace.
func decodeModelJSON(outputText string, v any) error {
	s := strings.TrimSpace(outputText)
	if s == "" {
		return io.ErrUnexpectedEOF
	}

	// Fast path: valid JSON as-is.
	if err := json.Unmarshal([]byte(s), v); err == nil {
		return nil
	}

	// Fallback: attempt to extract the first top-level JSON object.
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start == -1 || end == -1 || end <= start {
		return fmt.Errorf("no JSON object found in model output (len=%d)", len(s))
	}

	sub := s[start : end+1]
	if err := json.Unmarshal([]byte(sub), v); err != nil {
		return fmt.Errorf("failed to unmarshal extracted JSON (len=%d): %w", len(sub), err)
	}
	return nil
}
