package main

import (
	"errors"
	"time"

	"github.com/bollarder/Maltcha-sub000/analysis"
)

type Config struct {
	InPath    string
	OutPath   string
	Overwrite bool
	Pretty    bool
	Verbose   bool

	Relationship string
	Secondary    string
	Purpose      string

	APIKey           string
	Model            string
	BaseURL          string
	ClassifierAPIKey string
	ClassifierModel  string
	Simplified       bool
	Flex             bool

	TokenBudget      int
	FilterBatchDelay time.Duration
	SummaryCooldown  time.Duration
	DeepBatchDelay   time.Duration
}

func (c Config) Validate() error {
	if c.InPath == "" {
		return errors.New("missing -in")
	}
	if c.OutPath == "" {
		return errors.New("missing -out")
	}
	if c.Purpose == "" {
		return errors.New("missing -purpose")
	}
	if c.Model == "" {
		return errors.New("missing -model")
	}
	if c.TokenBudget <= 0 {
		return errors.New("token-budget must be > 0")
	}
	if c.FilterBatchDelay < 0 || c.SummaryCooldown < 0 || c.DeepBatchDelay < 0 {
		return errors.New("delays must be >= 0")
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		OutPath:          "analysis.json",
		Pretty:           true,
		Relationship:     "친구",
		Model:            "gpt-5-mini",
		ClassifierModel:  "gpt-5-nano",
		TokenBudget:      analysis.DefaultTokenBudget,
		FilterBatchDelay: 1 * time.Second,
		SummaryCooldown:  60 * time.Second,
		DeepBatchDelay:   60 * time.Second,
	}
}
