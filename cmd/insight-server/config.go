package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bollarder/Maltcha-sub000/analysis"
)

// ProviderConfig selects one OpenAI-compatible endpoint.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
	Flex    bool   `yaml:"flex"`
}

type PipelineConfig struct {
	TargetBatchSize      int           `yaml:"target_batch_size"`
	MaxBatchSize         int           `yaml:"max_batch_size"`
	TokenBudget          int           `yaml:"token_budget"`
	MediumBudgetCap      int           `yaml:"medium_budget_cap"`
	SimplifiedSampleSize int           `yaml:"simplified_sample_size"`
	FilterBatchDelay     time.Duration `yaml:"filter_batch_delay"`
	SummaryCooldown      time.Duration `yaml:"summary_cooldown"`
	DeepBatchDelay       time.Duration `yaml:"deep_batch_delay"`
}

// Config is layered: defaults, then the YAML file, then environment, then explicit flags.
type Config struct {
	Port           int    `yaml:"port"`
	LogLevel       string `yaml:"log_level"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`

	// Analysis drives deep analysis and the simplified path.
	Analysis ProviderConfig `yaml:"analysis"`
	// Classifier drives importance filtering and the pattern summary. Without an API key
	// every job takes the simplified path.
	Classifier ProviderConfig `yaml:"classifier"`

	Pipeline PipelineConfig `yaml:"pipeline"`
}

func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Analysis.APIKey == "" {
		return errors.New("missing OPENAI_API_KEY (or analysis.api_key / -api-key)")
	}
	if c.Analysis.Model == "" {
		return errors.New("missing analysis model")
	}
	if c.Classifier.APIKey != "" && c.Classifier.Model == "" {
		return errors.New("missing classifier model")
	}
	if c.MaxUploadBytes <= 0 {
		return errors.New("max-upload-bytes must be > 0")
	}
	if c.Pipeline.TokenBudget <= 0 {
		return errors.New("token-budget must be > 0")
	}
	if c.Pipeline.MaxBatchSize < c.Pipeline.TargetBatchSize {
		return errors.New("max-batch-size must be >= target-batch-size")
	}
	if c.Pipeline.FilterBatchDelay < 0 || c.Pipeline.SummaryCooldown < 0 || c.Pipeline.DeepBatchDelay < 0 {
		return errors.New("delays must be >= 0")
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		Port:           8080,
		LogLevel:       "info",
		MaxUploadBytes: 50 << 20,
		Analysis: ProviderConfig{
			Model: "gpt-5-mini",
		},
		Classifier: ProviderConfig{
			Model: "gpt-5-nano",
		},
		Pipeline: PipelineConfig{
			TargetBatchSize:      analysis.DefaultTargetBatchSize,
			MaxBatchSize:         analysis.DefaultMaxBatchSize,
			TokenBudget:          analysis.DefaultTokenBudget,
			MediumBudgetCap:      analysis.DefaultMediumBudgetCap,
			SimplifiedSampleSize: analysis.DefaultSimplifiedSampleSize,
			FilterBatchDelay:     1 * time.Second,
			SummaryCooldown:      60 * time.Second,
			DeepBatchDelay:       60 * time.Second,
		},
	}
}

func (c Config) pipelineOptions() analysis.PipelineOptions {
	opts := analysis.DefaultPipelineOptions()
	opts.TargetBatchSize = c.Pipeline.TargetBatchSize
	opts.MaxBatchSize = c.Pipeline.MaxBatchSize
	opts.TokenBudget = c.Pipeline.TokenBudget
	opts.MediumBudgetCap = c.Pipeline.MediumBudgetCap
	opts.SimplifiedSampleSize = c.Pipeline.SimplifiedSampleSize
	opts.FilterBatchDelay = c.Pipeline.FilterBatchDelay
	opts.SummaryCooldown = c.Pipeline.SummaryCooldown
	opts.DeepBatchDelay = c.Pipeline.DeepBatchDelay
	return opts
}

func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Port = envInt("INSIGHT_PORT", cfg.Port)
	cfg.LogLevel = envStr("LOG_LEVEL", cfg.LogLevel)
	cfg.Analysis.APIKey = envStr("OPENAI_API_KEY", cfg.Analysis.APIKey)
	cfg.Analysis.Model = envStr("ANALYSIS_MODEL", cfg.Analysis.Model)
	cfg.Analysis.BaseURL = envStr("OPENAI_BASE_URL", cfg.Analysis.BaseURL)
	cfg.Classifier.APIKey = envStr("CLASSIFIER_API_KEY", cfg.Classifier.APIKey)
	cfg.Classifier.Model = envStr("CLASSIFIER_MODEL", cfg.Classifier.Model)
	cfg.Classifier.BaseURL = envStr("CLASSIFIER_BASE_URL", cfg.Classifier.BaseURL)
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func parseFlags(fs *flag.FlagSet, args []string) (Config, error) {
	fv := defaultConfig()
	var configPath string
	fs.SetOutput(os.Stderr)
	fs.StringVar(&configPath, "config", os.Getenv("INSIGHT_CONFIG"), "Optional YAML config file")
	fs.IntVar(&fv.Port, "port", fv.Port, "HTTP listen port")
	fs.StringVar(&fv.LogLevel, "log-level", fv.LogLevel, "Log level: debug, info, warn, error")
	fs.Int64Var(&fv.MaxUploadBytes, "max-upload-bytes", fv.MaxUploadBytes, "Max accepted upload size in bytes")
	fs.StringVar(&fv.Analysis.APIKey, "api-key", "", "OpenAI API key for deep analysis (default: $OPENAI_API_KEY)")
	fs.StringVar(&fv.Analysis.Model, "model", fv.Analysis.Model, "Model for deep analysis (e.g. gpt-5-mini)")
	fs.StringVar(&fv.Analysis.BaseURL, "base-url", "", "Optional OpenAI-compatible base URL for deep analysis")
	fs.BoolVar(&fv.Analysis.Flex, "flex", false, "Use the flex service tier for deep analysis")
	fs.StringVar(&fv.Classifier.APIKey, "classifier-api-key", "", "API key for importance filtering and summary (default: $CLASSIFIER_API_KEY)")
	fs.StringVar(&fv.Classifier.Model, "classifier-model", fv.Classifier.Model, "Model for importance filtering and summary")
	fs.StringVar(&fv.Classifier.BaseURL, "classifier-base-url", "", "Optional OpenAI-compatible base URL for filtering and summary")
	fs.IntVar(&fv.Pipeline.TokenBudget, "token-budget", fv.Pipeline.TokenBudget, "Estimated token budget per deep-analysis request")
	fs.IntVar(&fv.Pipeline.MediumBudgetCap, "medium-budget-cap", fv.Pipeline.MediumBudgetCap, "Token cap for MEDIUM samples in the first deep-analysis request")
	fs.DurationVar(&fv.Pipeline.FilterBatchDelay, "filter-batch-delay", fv.Pipeline.FilterBatchDelay, "Pause between importance-filter batches")
	fs.DurationVar(&fv.Pipeline.SummaryCooldown, "summary-cooldown", fv.Pipeline.SummaryCooldown, "Pause after the pattern summary")
	fs.DurationVar(&fv.Pipeline.DeepBatchDelay, "deep-batch-delay", fv.Pipeline.DeepBatchDelay, "Pause between deep-analysis batches")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := defaultConfig()
	if configPath != "" {
		if err := loadConfigFile(configPath, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	fs.Visit(func(f *flag.Flag) { applyFlag(&cfg, fv, f.Name) })
	return cfg, nil
}

// applyFlag copies one explicitly set flag value over the lower layers.
func applyFlag(cfg *Config, fv Config, name string) {
	switch name {
	case "port":
		cfg.Port = fv.Port
	case "log-level":
		cfg.LogLevel = fv.LogLevel
	case "max-upload-bytes":
		cfg.MaxUploadBytes = fv.MaxUploadBytes
	case "api-key":
		cfg.Analysis.APIKey = fv.Analysis.APIKey
	case "model":
		cfg.Analysis.Model = fv.Analysis.Model
	case "base-url":
		cfg.Analysis.BaseURL = fv.Analysis.BaseURL
	case "flex":
		cfg.Analysis.Flex = fv.Analysis.Flex
	case "classifier-api-key":
		cfg.Classifier.APIKey = fv.Classifier.APIKey
	case "classifier-model":
		cfg.Classifier.Model = fv.Classifier.Model
	case "classifier-base-url":
		cfg.Classifier.BaseURL = fv.Classifier.BaseURL
	case "token-budget":
		cfg.Pipeline.TokenBudget = fv.Pipeline.TokenBudget
	case "medium-budget-cap":
		cfg.Pipeline.MediumBudgetCap = fv.Pipeline.MediumBudgetCap
	case "filter-batch-delay":
		cfg.Pipeline.FilterBatchDelay = fv.Pipeline.FilterBatchDelay
	case "summary-cooldown":
		cfg.Pipeline.SummaryCooldown = fv.Pipeline.SummaryCooldown
	case "deep-batch-delay":
		cfg.Pipeline.DeepBatchDelay = fv.Pipeline.DeepBatchDelay
	}
}
