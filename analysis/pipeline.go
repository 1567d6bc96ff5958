package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bollarder/Maltcha-sub000/analysis/provider"
)

// PipelineOptions tunes batching, budgets and pacing. Delays honour context cancellation.
type PipelineOptions struct {
	TargetBatchSize      int
	MaxBatchSize         int
	TokenBudget          int
	MediumBudgetCap      int
	SummaryMediumLimit   int
	SimplifiedSampleSize int
	// MaxLineBytes caps one export line; zero sizes the limit to the submitted content.
	MaxLineBytes int

	Retry provider.RetryPolicy

	FilterBatchDelay time.Duration
	SummaryCooldown  time.Duration
	DeepBatchDelay   time.Duration
}

func DefaultPipelineOptions() PipelineOptions {
	return PipelineOptions{
		TargetBatchSize:      DefaultTargetBatchSize,
		MaxBatchSize:         DefaultMaxBatchSize,
		TokenBudget:          DefaultTokenBudget,
		MediumBudgetCap:      DefaultMediumBudgetCap,
		SummaryMediumLimit:   DefaultSummaryMediumLimit,
		SimplifiedSampleSize: DefaultSimplifiedSampleSize,
		Retry:                provider.DefaultRetryPolicy(),
		FilterBatchDelay:     1 * time.Second,
		SummaryCooldown:      60 * time.Second,
		DeepBatchDelay:       60 * time.Second,
	}
}

// withDefaults fills unset sizes and budgets. Zero delays are kept.
func (o PipelineOptions) withDefaults() PipelineOptions {
	d := DefaultPipelineOptions()
	if o.TargetBatchSize <= 0 {
		o.TargetBatchSize = d.TargetBatchSize
	}
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = d.MaxBatchSize
	}
	if o.TokenBudget <= 0 {
		o.TokenBudget = d.TokenBudget
	}
	if o.MediumBudgetCap <= 0 {
		o.MediumBudgetCap = d.MediumBudgetCap
	}
	if o.SummaryMediumLimit <= 0 {
		o.SummaryMediumLimit = d.SummaryMediumLimit
	}
	if o.SimplifiedSampleSize <= 0 {
		o.SimplifiedSampleSize = d.SimplifiedSampleSize
	}
	if o.Retry.Attempts <= 0 {
		o.Retry = d.Retry
	}
	return o
}

// PipelineDeps wires a Pipeline. ClassificationCaller is optional: without it every job takes
// the simplified path.
type PipelineDeps struct {
	Store                JobStore
	AnalysisCaller       provider.Caller
	ClassificationCaller provider.Caller
	Options              PipelineOptions
	Logger               *zerolog.Logger
	// BaseContext parents every job started by Submit. Defaults to context.Background().
	BaseContext context.Context
}

// SubmitRequest is one analysis submission.
type SubmitRequest struct {
	Content                string   `json:"content"`
	FileName               string   `json:"file_name"`
	FileSize               int64    `json:"file_size,omitempty"`
	PrimaryRelationship    string   `json:"primary_relationship"`
	SecondaryRelationships []string `json:"secondary_relationships,omitempty"`
	UserPurpose            string   `json:"user_purpose"`
}

// Validate checks the fields a job cannot start without.
func (r SubmitRequest) Validate() error {
	if strings.TrimSpace(r.Content) == "" {
		return ErrMissingContent
	}
	if strings.TrimSpace(r.UserPurpose) == "" {
		return ErrMissingPurpose
	}
	return nil
}

func (r SubmitRequest) relationship() RelationshipContext {
	return RelationshipContext{
		Primary:   strings.TrimSpace(r.PrimaryRelationship),
		Secondary: r.SecondaryRelationships,
		Purpose:   strings.TrimSpace(r.UserPurpose),
	}
}

func (r SubmitRequest) meta() JobMeta {
	size := r.FileSize
	if size <= 0 {
		size = int64(len(r.Content))
	}
	return JobMeta{
		FileName:     r.FileName,
		FileSize:     size,
		UserPurpose:  strings.TrimSpace(r.UserPurpose),
		Relationship: r.relationship(),
	}
}

// Pipeline drives submitted jobs from raw chat text to a terminal job record.
type Pipeline struct {
	store      JobStore
	classifier *Classifier
	summarizer *Summarizer
	deep       *DeepAnalyzer
	opts       PipelineOptions
	logger     *zerolog.Logger
	baseCtx    context.Context
	wg         sync.WaitGroup
}

func NewPipeline(deps PipelineDeps) (*Pipeline, error) {
	if deps.Store == nil {
		return nil, errors.New("NewPipeline: store is required")
	}
	if deps.AnalysisCaller == nil {
		return nil, errors.New("NewPipeline: analysis caller is required")
	}
	logger := deps.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	baseCtx := deps.BaseContext
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	opts := deps.Options.withDefaults()

	p := &Pipeline{
		store:   deps.Store,
		deep:    NewDeepAnalyzer(deps.AnalysisCaller, logger.With().Str("stage", "deep_analysis").Logger()),
		opts:    opts,
		logger:  logger,
		baseCtx: baseCtx,
	}
	if deps.ClassificationCaller != nil {
		p.classifier = NewClassifier(deps.ClassificationCaller, opts.Retry, logger.With().Str("stage", "filter").Logger())
		p.summarizer = NewSummarizer(deps.ClassificationCaller, opts.Retry, opts.SummaryMediumLimit, logger.With().Str("stage", "summary").Logger())
	}
	return p, nil
}

// Submit validates req, creates a processing job and runs it in the background. The returned
// job is the initial record; poll the store for progress.
func (p *Pipeline) Submit(ctx context.Context, req SubmitRequest) (Job, error) {
	if err := req.Validate(); err != nil {
		return Job{}, err
	}
	job, err := p.store.Create(ctx, req.meta())
	if err != nil {
		return Job{}, fmt.Errorf("Submit: create job: %w", err)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if _, err := p.Run(p.baseCtx, job.ID, req); err != nil {
			p.logger.Error().Err(err).Str("job_id", job.ID).Msg("job run failed")
		}
	}()
	return job, nil
}

// Process validates req, creates a job and runs it to completion in the caller's goroutine.
func (p *Pipeline) Process(ctx context.Context, req SubmitRequest) (Job, error) {
	if err := req.Validate(); err != nil {
		return Job{}, err
	}
	job, err := p.store.Create(ctx, req.meta())
	if err != nil {
		return Job{}, fmt.Errorf("Process: create job: %w", err)
	}
	return p.Run(ctx, job.ID, req)
}

// Wait blocks until every job started by Submit has finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

type pipelineState int

const (
	stateFull pipelineState = iota
	stateFullFailed
	stateFallback
	stateCompleted
	stateFailed
)

func (s pipelineState) String() string {
	switch s {
	case stateFull:
		return "full"
	case stateFullFailed:
		return "full_failed"
	case stateFallback:
		return "fallback"
	case stateCompleted:
		return "completed"
	case stateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func initialState(hasClassifier bool) pipelineState {
	if hasClassifier {
		return stateFull
	}
	return stateFallback
}

// nextState is the transition function of the job state machine. err is the outcome of the
// work done in s.
func nextState(s pipelineState, err error) pipelineState {
	switch s {
	case stateFull:
		if err == nil {
			return stateCompleted
		}
		return stateFullFailed
	case stateFullFailed:
		return stateFallback
	case stateFallback:
		if err == nil {
			return stateCompleted
		}
		return stateFailed
	default:
		return s
	}
}

// runContext carries one job's intermediate state through the stages.
type runContext struct {
	jobID    string
	rel      RelationshipContext
	messages []IndexedMessage
	logger   zerolog.Logger

	batches []Batch
	merged  FilterResult
	summary Summary
	inputs  []DeepAnalysisBatchInput
	results []DeepAnalysisResult
}

type outcome struct {
	analysis       DeepAnalysisResult
	path           PipelinePath
	degraded       bool
	degradedReason string
}

// Run executes one job synchronously and returns its terminal record. The returned error is
// non-nil only when the job record itself could not be written.
func (p *Pipeline) Run(ctx context.Context, jobID string, req SubmitRequest) (Job, error) {
	rc := &runContext{
		jobID:  jobID,
		rel:    req.relationship(),
		logger: p.logger.With().Str("job_id", jobID).Logger(),
	}
	// Terminal writes must land even when ctx was cancelled mid-run.
	writeCtx := context.WithoutCancel(ctx)

	parsed, err := p.parse(req.Content)
	if err != nil {
		rc.logger.Error().Err(err).Int("partial_messages", len(parsed.Messages)).Msg("chat export could not be read completely")
		return p.fail(writeCtx, rc, err)
	}
	if len(parsed.Messages) == 0 {
		rc.logger.Warn().Msg("no messages recognized")
		return p.fail(writeCtx, rc, ErrNoMessages)
	}
	rc.messages = IndexMessages(parsed.Messages)

	stats := ComputeStats(parsed.Messages, parsed.Participants)
	charts := BuildCharts(parsed.Messages)
	if _, err := p.store.Update(writeCtx, jobID, func(j *Job) {
		j.Messages = parsed.Messages
		j.Stats = &stats
		j.Charts = &charts
	}); err != nil {
		return Job{}, fmt.Errorf("Run: store messages: %w", err)
	}
	rc.logger.Info().Int("messages", len(rc.messages)).Int("participants", len(parsed.Participants)).Msg("chat parsed")

	var (
		state   = initialState(p.classifier != nil)
		res     outcome
		fullErr error
	)
	for {
		switch state {
		case stateFull:
			res, err = p.safely(rc, "full", func() (outcome, error) { return p.runFull(ctx, rc) })
			fullErr = err
		case stateFullFailed:
			rc.logger.Warn().Err(fullErr).Msg("full analysis failed, falling back to simplified analysis")
			err = nil
		case stateFallback:
			res, err = p.safely(rc, "simplified", func() (outcome, error) { return p.runSimplified(ctx, rc) })
			if err == nil && fullErr != nil {
				res.degraded = true
				res.degradedReason = joinReasons("full analysis failed: "+fullErr.Error(), res.degradedReason)
			}
		case stateCompleted:
			return p.complete(writeCtx, rc, res)
		case stateFailed:
			return p.fail(writeCtx, rc, err)
		}
		prev := state
		state = nextState(state, err)
		rc.logger.Debug().Stringer("from", prev).Stringer("to", state).Msg("state transition")
	}
}

// safely runs fn and converts a panic into an error.
func (p *Pipeline) parse(content string) (ParseResult, error) {
	if p.opts.MaxLineBytes > 0 {
		return parseChat(strings.NewReader(content), nil, p.opts.MaxLineBytes)
	}
	return ParseChatText(content)
}

func (p *Pipeline) safely(rc *runContext, name string, fn func() (outcome, error)) (out outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			rc.logger.Error().Str("path", name).Interface("panic", r).Msg("stage panicked")
			out = outcome{}
			err = fmt.Errorf("%s: %w: %v", name, ErrStagePanic, r)
		}
	}()
	return fn()
}

func (p *Pipeline) runFull(ctx context.Context, rc *runContext) (outcome, error) {
	rc.batches = Segment(rc.messages, p.opts.TargetBatchSize, p.opts.MaxBatchSize)
	rc.logger.Info().Str("stage", "segment").Int("batches", len(rc.batches)).Msg("conversation segmented")

	results := make([]FilterResult, 0, len(rc.batches))
	degradedBatches := 0
	for i, b := range rc.batches {
		if i > 0 {
			if err := provider.Sleep(ctx, p.opts.FilterBatchDelay); err != nil {
				return outcome{}, err
			}
		}
		r, err := p.classifier.Classify(ctx, b, rc.rel.Primary, rc.rel.Purpose, i+1, len(rc.batches))
		if err != nil {
			return outcome{}, fmt.Errorf("filter batch %d: %w", i+1, err)
		}
		if r.Degraded {
			degradedBatches++
		}
		results = append(results, r)
	}
	rc.merged = MergeFilterResults(results)
	rc.logger.Info().Str("stage", "filter").Stringer("stats", rc.merged.Stats).Int("degraded_batches", degradedBatches).Msg("importance filter done")

	summary, err := p.summarizer.Summarize(ctx, rc.merged, rc.rel.Primary)
	if err != nil {
		return outcome{}, err
	}
	rc.summary = summary.ClampIndices(len(rc.messages))
	rc.logger.Info().Str("stage", "summary").Int("high_indices", len(rc.summary.HighIndices)).Int("medium_sample", len(rc.summary.MediumSample)).Msg("pattern summary done")

	if err := provider.Sleep(ctx, p.opts.SummaryCooldown); err != nil {
		return outcome{}, err
	}

	highIdx := rc.summary.HighIndices
	if len(highIdx) == 0 {
		highIdx = rc.merged.HighIndices()
	}
	high := ResolveIndices(rc.messages, highIdx)
	medium := ResolveIndices(rc.messages, rc.summary.MediumIndices())

	rc.inputs, err = PrepareDeepInputs(high, medium, rc.summary, rc.rel, p.opts.TokenBudget, p.opts.MediumBudgetCap)
	if err != nil {
		return outcome{}, err
	}
	rc.logger.Info().Str("stage", "plan").Int("high", len(high)).Int("deep_batches", len(rc.inputs)).Msg("deep analysis planned")

	rc.results = make([]DeepAnalysisResult, 0, len(rc.inputs))
	for i, in := range rc.inputs {
		if i > 0 {
			if err := provider.Sleep(ctx, p.opts.DeepBatchDelay); err != nil {
				return outcome{}, err
			}
		}
		r, err := p.deep.Analyze(ctx, in)
		if err != nil {
			return outcome{}, fmt.Errorf("deep analysis batch %d: %w", in.BatchNumber, err)
		}
		rc.results = append(rc.results, r)
	}

	agg, err := AggregateDeepResults(rc.results)
	if err != nil {
		return outcome{}, err
	}

	out := outcome{analysis: agg, path: PathFull}
	var reasons []string
	if degradedBatches > 0 {
		reasons = append(reasons, fmt.Sprintf("%d of %d filter batches degraded to LOW", degradedBatches, len(rc.batches)))
	}
	if agg.Degraded {
		reasons = append(reasons, "deep analysis response was unparseable")
	}
	if len(reasons) > 0 {
		out.degraded = true
		out.degradedReason = joinReasons(reasons...)
	}
	return out, nil
}

func (p *Pipeline) runSimplified(ctx context.Context, rc *runContext) (outcome, error) {
	if err := ctx.Err(); err != nil {
		return outcome{}, err
	}
	sample := SampleMessages(rc.messages, p.opts.SimplifiedSampleSize)
	rc.logger.Info().Str("stage", "simplified").Int("sample", len(sample)).Msg("running simplified analysis")

	r, err := p.deep.AnalyzeSample(ctx, sample, rc.rel)
	if err != nil {
		return outcome{}, fmt.Errorf("simplified analysis: %w", err)
	}
	out := outcome{analysis: r, path: PathSimplified}
	if r.Degraded {
		out.degraded = true
		out.degradedReason = "simplified analysis response was unparseable"
	}
	return out, nil
}

func (p *Pipeline) complete(ctx context.Context, rc *runContext, res outcome) (Job, error) {
	analysis := res.analysis
	insights := BuildInsights(analysis)
	job, err := p.store.Update(ctx, rc.jobID, func(j *Job) {
		j.Status = JobCompleted
		j.DeepAnalysis = &analysis
		j.Insights = insights
		j.Path = res.path
		j.Degraded = res.degraded
		j.DegradedReason = res.degradedReason
	})
	if err != nil {
		return Job{}, fmt.Errorf("Run: complete job: %w", err)
	}
	rc.logger.Info().Str("path", string(res.path)).Bool("degraded", res.degraded).Int("insights", len(insights)).Msg("job completed")
	return job, nil
}

func (p *Pipeline) fail(ctx context.Context, rc *runContext, cause error) (Job, error) {
	msg := "analysis failed"
	if cause != nil {
		msg = cause.Error()
	}
	job, err := p.store.Update(ctx, rc.jobID, func(j *Job) {
		j.Status = JobFailed
		j.Error = msg
	})
	if err != nil {
		return Job{}, fmt.Errorf("Run: fail job: %w", err)
	}
	rc.logger.Error().Err(cause).Msg("job failed")
	return job, nil
}

func joinReasons(reasons ...string) string {
	kept := make([]string, 0, len(reasons))
	for _, r := range reasons {
		if r != "" {
			kept = append(kept, r)
		}
	}
	return strings.Join(kept, "; ")
}
