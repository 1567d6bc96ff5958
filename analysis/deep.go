package analysis

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/bollarder/Maltcha-sub000/analysis/fileutils"
	"github.com/bollarder/Maltcha-sub000/analysis/provider"
)

// PlaceholderText fills narrative fields of a fallback analysis.
const PlaceholderText = "...분석 중..."

type CommunicationPatterns struct {
	Style           string   `json:"style"`
	Strengths       []string `json:"strengths"`
	Concerns        []string `json:"concerns"`
	ConflictPattern string   `json:"conflict_pattern"`
}

type EmotionalDynamics struct {
	Summary            string   `json:"summary"`
	EmotionalTone      string   `json:"emotional_tone"`
	Triggers           []string `json:"triggers"`
	SupportExpressions []string `json:"support_expressions"`
}

type PsychologicalInsights struct {
	AttachmentStyle string   `json:"attachment_style"`
	CoreNeeds       []string `json:"core_needs"`
	Observations    []string `json:"observations"`
}

type RelationshipHealth struct {
	Score      int      `json:"score"`
	Assessment string   `json:"assessment"`
	Strengths  []string `json:"strengths"`
	Risks      []string `json:"risks"`
}

type PracticalAdvice struct {
	ImmediateActions   []string `json:"immediate_actions"`
	LongTermStrategies []string `json:"long_term_strategies"`
	CommunicationTips  []string `json:"communication_tips"`
}

// DeepAnalysisResult is the structured report of one deep-analysis call, or the merged report
// of several.
type DeepAnalysisResult struct {
	Overview              string                `json:"overview"`
	CommunicationPatterns CommunicationPatterns `json:"communication_patterns"`
	EmotionalDynamics     EmotionalDynamics     `json:"emotional_dynamics"`
	PsychologicalInsights PsychologicalInsights `json:"psychological_insights"`
	RelationshipHealth    RelationshipHealth    `json:"relationship_health"`
	PracticalAdvice       PracticalAdvice       `json:"practical_advice"`
	Conclusion            string                `json:"conclusion"`

	// Degraded marks a result built from an unparseable response.
	Degraded bool `json:"-"`
}

var deepRequiredKeys = []string{"overview", "practical_advice", "conclusion"}

// FallbackDeepAnalysis builds a placeholder report around raw, the unparseable model output.
func FallbackDeepAnalysis(raw string) DeepAnalysisResult {
	text := strings.TrimSpace(fileutils.StripCodeFence(raw))
	overview := fileutils.Truncate(text, 1000)
	conclusion := fileutils.Truncate(text, 300)
	if text == "" {
		overview = PlaceholderText
		conclusion = PlaceholderText
	}
	return DeepAnalysisResult{
		Overview: overview,
		CommunicationPatterns: CommunicationPatterns{
			Style:           PlaceholderText,
			Strengths:       []string{},
			Concerns:        []string{},
			ConflictPattern: PlaceholderText,
		},
		EmotionalDynamics: EmotionalDynamics{
			Summary:            PlaceholderText,
			EmotionalTone:      PlaceholderText,
			Triggers:           []string{},
			SupportExpressions: []string{},
		},
		PsychologicalInsights: PsychologicalInsights{
			AttachmentStyle: PlaceholderText,
			CoreNeeds:       []string{},
			Observations:    []string{},
		},
		RelationshipHealth: RelationshipHealth{
			Assessment: PlaceholderText,
			Strengths:  []string{},
			Risks:      []string{},
		},
		PracticalAdvice: PracticalAdvice{
			ImmediateActions:   []string{},
			LongTermStrategies: []string{},
			CommunicationTips:  []string{},
		},
		Conclusion: conclusion,
		Degraded:   true,
	}
}

const (
	DefaultSimplifiedSampleSize = 300

	deepMaxOutputTokens = 16000
)

// deepInputFraming is every static label renderDeepInput adds around the variable parts.
const deepInputFraming = "batch: 000/000\n\n## relationship_context\n\n## pattern_summary\n\n\n## high_messages\n\n## medium_samples\n"

// DeepAnalyzer is the deep-analysis stage. A call error is returned to the caller; a malformed
// response degrades to FallbackDeepAnalysis.
type DeepAnalyzer struct {
	caller provider.Caller
	logger zerolog.Logger
}

func NewDeepAnalyzer(caller provider.Caller, logger zerolog.Logger) *DeepAnalyzer {
	return &DeepAnalyzer{caller: caller, logger: logger}
}

// Analyze runs one planned batch. The request must fit in.Budget unless the batch is a
// single oversized message; anything else is a planning bug and panics.
func (d *DeepAnalyzer) Analyze(ctx context.Context, in DeepAnalysisBatchInput) (DeepAnalysisResult, error) {
	if !in.Oversized && in.Tokens.Total > in.Budget {
		panic(fmt.Errorf("deep analysis batch %d: estimated %d tokens, budget %d: %w", in.BatchNumber, in.Tokens.Total, in.Budget, ErrBudgetViolation))
	}
	if in.Oversized {
		d.logger.Warn().Int("batch", in.BatchNumber).Int("tokens", in.Tokens.Total).Int("budget", in.Budget).Msg("sending oversized single-message batch")
	}

	instructions := in.SystemPrompt
	if instructions == "" {
		instructions = deepAnalysisInstructions
	}
	return d.call(ctx, provider.Request{
		Name:            "DeepAnalysis",
		Description:     "Relationship communication analysis of one message batch",
		Schema:          provider.GenerateSchema[DeepAnalysisResult](),
		Instructions:    instructions,
		Input:           renderDeepInput(in),
		MaxOutputTokens: deepMaxOutputTokens,
	}, in.BatchNumber)
}

// AnalyzeSample is the simplified path: one call over a plain message sample with no
// filtering or summary.
func (d *DeepAnalyzer) AnalyzeSample(ctx context.Context, sample []IndexedMessage, rel RelationshipContext) (DeepAnalysisResult, error) {
	if len(sample) == 0 {
		return DeepAnalysisResult{}, ErrNoMessages
	}
	var b strings.Builder
	b.WriteString("## relationship_context\n")
	b.WriteString(rel.Render())
	b.WriteString("\n## messages\n")
	for _, m := range sample {
		b.WriteString(RenderLine(m))
		b.WriteByte('\n')
	}
	return d.call(ctx, provider.Request{
		Name:            "QuickAnalysis",
		Description:     "Relationship communication analysis of a message sample",
		Schema:          provider.GenerateSchema[DeepAnalysisResult](),
		Instructions:    quickAnalysisInstructions,
		Input:           b.String(),
		MaxOutputTokens: deepMaxOutputTokens,
	}, 0)
}

func (d *DeepAnalyzer) call(ctx context.Context, req provider.Request, batch int) (DeepAnalysisResult, error) {
	raw, err := d.caller.Call(ctx, req)
	if err != nil {
		return DeepAnalysisResult{}, fmt.Errorf("%s: %w", req.Name, err)
	}
	var out DeepAnalysisResult
	if err := decodeModelResponse(req.Name, raw, deepRequiredKeys, &out); err != nil {
		d.logger.Warn().Err(err).Int("batch", batch).Msg("deep analysis response unparseable, using fallback")
		return FallbackDeepAnalysis(raw), nil
	}
	if strings.TrimSpace(out.Overview) == "" {
		d.logger.Warn().Int("batch", batch).Msg("deep analysis response has empty overview, using fallback")
		return FallbackDeepAnalysis(raw), nil
	}
	return out, nil
}

func renderDeepInput(in DeepAnalysisBatchInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "batch: %d/%d\n\n", in.BatchNumber, in.TotalBatches)
	b.WriteString("## relationship_context\n")
	b.WriteString(in.Relationship.Render())
	b.WriteString("\n## pattern_summary\n")
	b.WriteString(in.SummaryJSON)
	b.WriteString("\n\n## high_messages\n")
	for _, m := range in.HighMessages {
		b.WriteString(RenderLine(m))
		b.WriteByte('\n')
	}
	if len(in.MediumSamples) > 0 {
		b.WriteString("\n## medium_samples\n")
		for _, m := range in.MediumSamples {
			b.WriteString(RenderLine(m))
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// SampleMessages picks at most n messages spread evenly across msgs, in order.
func SampleMessages(msgs []IndexedMessage, n int) []IndexedMessage {
	if n <= 0 || len(msgs) <= n {
		return msgs
	}
	out := make([]IndexedMessage, 0, n)
	step := float64(len(msgs)) / float64(n)
	for i := 0; i < n; i++ {
		out = append(out, msgs[int(float64(i)*step)])
	}
	return out
}
