package analysis

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"
)

const (
	DefaultTokenBudget     = 180000
	DefaultMediumBudgetCap = 20000

	charsPerToken = 2.5
)

// EstimateTokens approximates the token count of s as ceil(runes / 2.5).
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	if n == 0 {
		return 0
	}
	return int(math.Ceil(float64(n) / charsPerToken))
}

// MessageTokens is the estimate for a message in its rendered prompt form, line break included.
func MessageTokens(m IndexedMessage) int {
	return EstimateTokens(RenderLine(m) + "\n")
}

func messagesTokens(msgs []IndexedMessage) int {
	total := 0
	for _, m := range msgs {
		total += MessageTokens(m)
	}
	return total
}

// RelationshipContext describes who the user is analyzing and why.
type RelationshipContext struct {
	Primary   string   `json:"primary"`
	Secondary []string `json:"secondary,omitempty"`
	Purpose   string   `json:"purpose"`
}

// Render is the prompt form of the context.
func (r RelationshipContext) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "primary_relationship: %s\n", r.Primary)
	if len(r.Secondary) > 0 {
		fmt.Fprintf(&b, "secondary_relationships: %s\n", strings.Join(r.Secondary, ", "))
	}
	fmt.Fprintf(&b, "user_purpose: %s\n", r.Purpose)
	return b.String()
}

// TokenBudget bounds one deep-analysis request. Overhead is the fixed part of every request
// (system prompt, summary, relationship context). MediumCap bounds the MEDIUM sample.
type TokenBudget struct {
	Total     int
	Overhead  int
	MediumCap int
}

// PerBatch is the room left for messages.
func (b TokenBudget) PerBatch() int {
	return b.Total - b.Overhead
}

// Overhead estimates the fixed tokens of a deep-analysis request.
func Overhead(systemPrompt, summaryJSON string, rel RelationshipContext) int {
	return EstimateTokens(systemPrompt) + EstimateTokens(summaryJSON) + EstimateTokens(rel.Render()) + EstimateTokens(deepInputFraming)
}

// Plan is the deep-analysis batching of the HIGH messages plus the MEDIUM sample that rides
// along with the first batch.
type Plan struct {
	HighBatches   []Batch          `json:"high_batches"`
	MediumSamples []IndexedMessage `json:"medium_samples"`
}

// PlanBatches packs high greedily, in order, into batches whose estimated tokens fit
// budget.PerBatch(). A single message that alone exceeds the per-batch room becomes its own
// batch marked Oversized. MEDIUM candidates are added in order to the first batch while they
// fit the room it leaves (capped at MediumCap); the first candidate that does not fit ends
// the sample.
//
// For every non-oversized batch overhead + batch tokens (+ medium tokens for the first batch)
// stays within budget.Total. A plan breaking that is a programming error and panics.
func PlanBatches(high, medium []IndexedMessage, budget TokenBudget) (Plan, error) {
	per := budget.PerBatch()
	if per <= 0 {
		return Plan{}, fmt.Errorf("PlanBatches: total=%d overhead=%d: %w", budget.Total, budget.Overhead, ErrBudgetTooSmall)
	}

	var plan Plan
	var cur []IndexedMessage
	curTokens := 0
	flush := func(oversized bool) {
		if len(cur) == 0 {
			return
		}
		b := newBatch(len(plan.HighBatches)+1, cur)
		b.Oversized = oversized
		plan.HighBatches = append(plan.HighBatches, b)
		cur = nil
		curTokens = 0
	}
	for _, m := range high {
		t := MessageTokens(m)
		if len(cur) > 0 && curTokens+t > per {
			flush(false)
		}
		cur = append(cur, m)
		curTokens += t
		if t > per {
			flush(true)
		}
	}
	flush(false)

	if len(plan.HighBatches) > 0 && !plan.HighBatches[0].Oversized {
		room := per - messagesTokens(plan.HighBatches[0].Messages)
		if budget.MediumCap > 0 && room > budget.MediumCap {
			room = budget.MediumCap
		}
		inHigh := make(map[int]struct{}, len(high))
		for _, m := range high {
			inHigh[m.Index] = struct{}{}
		}
		for _, m := range medium {
			if _, ok := inHigh[m.Index]; ok {
				continue
			}
			t := MessageTokens(m)
			if t > room {
				break
			}
			plan.MediumSamples = append(plan.MediumSamples, m)
			room -= t
		}
	}

	if err := verifyPlan(plan, budget); err != nil {
		panic(err)
	}
	return plan, nil
}

func verifyPlan(plan Plan, budget TokenBudget) error {
	mediumTokens := messagesTokens(plan.MediumSamples)
	for i, b := range plan.HighBatches {
		if b.Oversized {
			continue
		}
		total := budget.Overhead + messagesTokens(b.Messages)
		if i == 0 {
			total += mediumTokens
		}
		if total > budget.Total {
			return fmt.Errorf("batch %d estimated %d tokens, budget %d: %w", b.ID, total, budget.Total, ErrBudgetViolation)
		}
	}
	return nil
}

// TokenEstimate breaks down the estimated size of one deep-analysis request.
type TokenEstimate struct {
	Overhead int `json:"overhead"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Total    int `json:"total"`
}

// DeepAnalysisBatchInput is one fully assembled deep-analysis request.
type DeepAnalysisBatchInput struct {
	BatchNumber   int                 `json:"batch_number"`
	TotalBatches  int                 `json:"total_batches"`
	SystemPrompt  string              `json:"-"`
	Summary       Summary             `json:"summary"`
	SummaryJSON   string              `json:"-"`
	HighMessages  []IndexedMessage    `json:"high_messages"`
	MediumSamples []IndexedMessage    `json:"medium_samples,omitempty"`
	Relationship  RelationshipContext `json:"relationship"`
	Tokens        TokenEstimate       `json:"tokens"`
	Budget        int                 `json:"budget"`
	Oversized     bool                `json:"oversized,omitempty"`
}

// BuildDeepInputs assembles one request per planned batch. Only the first carries the
// MEDIUM sample.
func BuildDeepInputs(plan Plan, summary Summary, summaryJSON string, rel RelationshipContext, systemPrompt string, budget TokenBudget) []DeepAnalysisBatchInput {
	inputs := make([]DeepAnalysisBatchInput, 0, len(plan.HighBatches))
	for i, b := range plan.HighBatches {
		in := DeepAnalysisBatchInput{
			BatchNumber:  i + 1,
			TotalBatches: len(plan.HighBatches),
			SystemPrompt: systemPrompt,
			Summary:      summary,
			SummaryJSON:  summaryJSON,
			HighMessages: b.Messages,
			Relationship: rel,
			Budget:       budget.Total,
			Oversized:    b.Oversized,
		}
		in.Tokens.Overhead = budget.Overhead
		in.Tokens.High = messagesTokens(b.Messages)
		if i == 0 {
			in.MediumSamples = plan.MediumSamples
			in.Tokens.Medium = messagesTokens(plan.MediumSamples)
		}
		in.Tokens.Total = in.Tokens.Overhead + in.Tokens.High + in.Tokens.Medium
		inputs = append(inputs, in)
	}
	return inputs
}

// PrepareDeepInputs computes the fixed overhead for summary, plans the batches and builds the
// requests. It returns ErrNoHighMessages when there is nothing to analyze.
func PrepareDeepInputs(high, medium []IndexedMessage, summary Summary, rel RelationshipContext, totalBudget, mediumCap int) ([]DeepAnalysisBatchInput, error) {
	if len(high) == 0 {
		return nil, ErrNoHighMessages
	}
	b, err := json.Marshal(summary)
	if err != nil {
		return nil, fmt.Errorf("PrepareDeepInputs: marshal summary: %w", err)
	}
	summaryJSON := string(b)
	budget := TokenBudget{
		Total:     totalBudget,
		Overhead:  Overhead(deepAnalysisInstructions, summaryJSON, rel),
		MediumCap: mediumCap,
	}
	plan, err := PlanBatches(high, medium, budget)
	if err != nil {
		return nil, err
	}
	return BuildDeepInputs(plan, summary, summaryJSON, rel, deepAnalysisInstructions, budget), nil
}
