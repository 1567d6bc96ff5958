package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/bollarder/Maltcha-sub000/analysis"
	"github.com/bollarder/Maltcha-sub000/analysis/fileutils"
	"github.com/bollarder/Maltcha-sub000/analysis/provider"
)

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

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "missing OPENAI_API_KEY (or pass -api-key)")
		os.Exit(2)
	}
	classifierKey := cfg.ClassifierAPIKey
	if classifierKey == "" {
		classifierKey = os.Getenv("CLASSIFIER_API_KEY")
	}

	if fileutils.FileExists(cfg.OutPath) && !cfg.Overwrite {
		fmt.Fprintf(os.Stderr, "refusing to overwrite %s (pass -overwrite)\n", cfg.OutPath)
		os.Exit(2)
	}

	content, err := os.ReadFile(cfg.InPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, fmt.Errorf("read -in: %w", err).Error())
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger().Level(zerolog.InfoLevel)
	if cfg.Verbose {
		logger = logger.Level(zerolog.DebugLevel)
	}

	analysisCaller, err := provider.NewOpenAICaller(provider.OpenAIOptions{APIKey: apiKey, Model: cfg.Model, BaseURL: cfg.BaseURL, Flex: cfg.Flex})
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
	deps := analysis.PipelineDeps{
		Store:          analysis.NewMemoryJobStore(),
		AnalysisCaller: analysisCaller,
		Options:        cfg.pipelineOptions(),
		Logger:         &logger,
	}
	if classifierKey != "" && !cfg.Simplified {
		classifier, err := provider.NewOpenAICaller(provider.OpenAIOptions{APIKey: classifierKey, Model: cfg.ClassifierModel, BaseURL: cfg.BaseURL, Flex: cfg.Flex})
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(2)
		}
		deps.ClassificationCaller = classifier
	}

	p, err := analysis.NewPipeline(deps)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}

	job, err := p.Process(ctx, submitRequest(cfg, content))
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	if err := writeJob(cfg.OutPath, job, cfg.Pretty); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	fmt.Printf("job=%s status=%s path=%s degraded=%t messages=%d insights=%d out=%s\n",
		job.ID, job.Status, job.Path, job.Degraded, len(job.Messages), len(job.Insights), cfg.OutPath)
	if job.Status != analysis.JobCompleted {
		fmt.Fprintln(os.Stderr, job.Error)
		os.Exit(1)
	}
}

func parseFlags(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := defaultConfig()
	fs.SetOutput(os.Stderr)
	fs.StringVar(&cfg.InPath, "in", cfg.InPath, "Path to a KakaoTalk chat export (.txt)")
	fs.StringVar(&cfg.OutPath, "out", cfg.OutPath, "Path for the job JSON output")
	fs.BoolVar(&cfg.Overwrite, "overwrite", false, "Overwrite an existing output file")
	fs.BoolVar(&cfg.Pretty, "pretty", cfg.Pretty, "Pretty-print output JSON")
	fs.BoolVar(&cfg.Verbose, "v", false, "Verbose (debug) logging")
	fs.StringVar(&cfg.Relationship, "relationship", cfg.Relationship, "Primary relationship to the other participant (e.g. 연인, 친구, 가족)")
	fs.StringVar(&cfg.Secondary, "secondary", "", "Comma-separated secondary relationships")
	fs.StringVar(&cfg.Purpose, "purpose", "", "What you want to learn from the analysis")
	fs.StringVar(&cfg.APIKey, "api-key", "", "OpenAI API key for deep analysis (default: $OPENAI_API_KEY)")
	fs.StringVar(&cfg.Model, "model", cfg.Model, "Model for deep analysis (e.g. gpt-5-mini)")
	fs.StringVar(&cfg.BaseURL, "base-url", "", "Optional OpenAI-compatible base URL")
	fs.StringVar(&cfg.ClassifierAPIKey, "classifier-api-key", "", "API key for importance filtering and summary (default: $CLASSIFIER_API_KEY)")
	fs.StringVar(&cfg.ClassifierModel, "classifier-model", cfg.ClassifierModel, "Model for importance filtering and summary")
	fs.BoolVar(&cfg.Simplified, "simplified", false, "Skip filtering and summary; analyze a message sample directly")
	fs.BoolVar(&cfg.Flex, "flex", false, "Use the flex service tier")
	fs.IntVar(&cfg.TokenBudget, "token-budget", cfg.TokenBudget, "Estimated token budget per deep-analysis request")
	fs.DurationVar(&cfg.FilterBatchDelay, "filter-batch-delay", cfg.FilterBatchDelay, "Pause between importance-filter batches")
	fs.DurationVar(&cfg.SummaryCooldown, "summary-cooldown", cfg.SummaryCooldown, "Pause after the pattern summary")
	fs.DurationVar(&cfg.DeepBatchDelay, "deep-batch-delay", cfg.DeepBatchDelay, "Pause between deep-analysis batches")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg.Purpose = strings.TrimSpace(cfg.Purpose)
	if cfg.InPath != "" {
		cfg.InPath = filepath.Clean(cfg.InPath)
	}
	if cfg.OutPath != "" {
		cfg.OutPath = filepath.Clean(cfg.OutPath)
	}
	return cfg, nil
}

func (c Config) pipelineOptions() analysis.PipelineOptions {
	opts := analysis.DefaultPipelineOptions()
	opts.TokenBudget = c.TokenBudget
	opts.FilterBatchDelay = c.FilterBatchDelay
	opts.SummaryCooldown = c.SummaryCooldown
	opts.DeepBatchDelay = c.DeepBatchDelay
	return opts
}

func submitRequest(cfg Config, content []byte) analysis.SubmitRequest {
	var secondary []string
	for _, s := range strings.Split(cfg.Secondary, ",") {
		if s = strings.TrimSpace(s); s != "" {
			secondary = append(secondary, s)
		}
	}
	return analysis.SubmitRequest{
		Content:                string(content),
		FileName:               filepath.Base(cfg.InPath),
		FileSize:               int64(len(content)),
		PrimaryRelationship:    cfg.Relationship,
		SecondaryRelationships: secondary,
		UserPurpose:            cfg.Purpose,
	}
}

func writeJob(path string, job analysis.Job, pretty bool) error {
	if err := fileutils.WriteJSONFileAtomic(path, job, pretty); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
