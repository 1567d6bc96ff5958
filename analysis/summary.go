package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/rs/zerolog"

	"github.com/bollarder/Maltcha-sub000/analysis/provider"
)

// DefaultSummaryMediumLimit bounds how many MEDIUM entries go into the summary input.
const DefaultSummaryMediumLimit = 500

// TimelineEvent is one phase of the relationship.
type TimelineEvent struct {
	Date         string `json:"date"`
	Event        string `json:"event"`
	Significance string `json:"significance"`
}

// TurningPoint is a moment where the relationship changed.
type TurningPoint struct {
	Index       int    `json:"index"`
	Date        string `json:"date"`
	Description string `json:"description"`
	Impact      string `json:"impact"`
}

// MediumSample is a representative MEDIUM message reference.
type MediumSample struct {
	Index    int    `json:"index"`
	Date     string `json:"date"`
	Category string `json:"category"`
}

// Summary is the index-only pattern summary of the whole conversation.
type Summary struct {
	Timeline      []TimelineEvent `json:"timeline"`
	TurningPoints []TurningPoint  `json:"turning_points"`
	HighIndices   []int           `json:"high_indices"`
	MediumSample  []MediumSample  `json:"medium_sample"`
	Statistics    FilterStats     `json:"statistics"`
}

// ClampIndices drops every index outside [0, messageCount) and repeated indices.
func (s Summary) ClampIndices(messageCount int) Summary {
	inRange := func(i int) bool { return i >= 0 && i < messageCount }

	out := s
	out.HighIndices = make([]int, 0, len(s.HighIndices))
	seen := make(map[int]struct{}, len(s.HighIndices))
	for _, i := range s.HighIndices {
		if !inRange(i) {
			continue
		}
		if _, ok := seen[i]; ok {
			continue
		}
		seen[i] = struct{}{}
		out.HighIndices = append(out.HighIndices, i)
	}

	out.MediumSample = make([]MediumSample, 0, len(s.MediumSample))
	seenMedium := make(map[int]struct{}, len(s.MediumSample))
	for _, m := range s.MediumSample {
		if !inRange(m.Index) {
			continue
		}
		if _, ok := seenMedium[m.Index]; ok {
			continue
		}
		seenMedium[m.Index] = struct{}{}
		out.MediumSample = append(out.MediumSample, m)
	}

	out.TurningPoints = make([]TurningPoint, 0, len(s.TurningPoints))
	for _, tp := range s.TurningPoints {
		if inRange(tp.Index) {
			out.TurningPoints = append(out.TurningPoints, tp)
		}
	}
	return out
}

// MediumIndices returns the sampled MEDIUM indices in summary order.
func (s Summary) MediumIndices() []int {
	out := make([]int, len(s.MediumSample))
	for i, m := range s.MediumSample {
		out[i] = m.Index
	}
	return out
}

// contentKeyRe matches object keys that may carry message text: message(s), content(s),
// text(s), alone or as an underscore-separated part (raw_text, message_body).
var contentKeyRe = regexp.MustCompile(`(?i)^(?:.*_)?(?:messages?|contents?|texts?)(?:_.*)?$`)

// StripMessageContent removes, recursively, every object key that may carry message text.
// v is a decoded JSON value (map[string]any, []any or a scalar).
func StripMessageContent(v any) any {
	var removed int
	return stripMessageContent(v, &removed)
}

func stripMessageContent(v any, removed *int) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if contentKeyRe.MatchString(k) {
				*removed++
				continue
			}
			out[k] = stripMessageContent(val, removed)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = stripMessageContent(val, removed)
		}
		return out
	default:
		return v
	}
}

type summaryRequest struct {
	RelationshipType string              `json:"relationship_type"`
	Stats            FilterStats         `json:"stats"`
	High             []summaryRequestRef `json:"high"`
	Medium           []summaryRequestRef `json:"medium"`
}

type summaryRequestRef struct {
	Index  int    `json:"index"`
	Date   string `json:"date"`
	Reason string `json:"reason,omitempty"`
}

// summaryResponse is the schema the model fills. Statistics are never trusted from the model.
type summaryResponse struct {
	Timeline      []TimelineEvent `json:"timeline"`
	TurningPoints []TurningPoint  `json:"turning_points"`
	HighIndices   []int           `json:"high_indices"`
	MediumSample  []MediumSample  `json:"medium_sample"`
}

// Summarizer is the pattern-summary stage.
type Summarizer struct {
	caller      provider.Caller
	retry       provider.RetryPolicy
	mediumLimit int
	logger      zerolog.Logger
}

func NewSummarizer(caller provider.Caller, retry provider.RetryPolicy, mediumLimit int, logger zerolog.Logger) *Summarizer {
	if mediumLimit <= 0 {
		mediumLimit = DefaultSummaryMediumLimit
	}
	return &Summarizer{caller: caller, retry: retry, mediumLimit: mediumLimit, logger: logger}
}

// BuildSummaryInput renders the content-free summary payload for merged.
func (s *Summarizer) BuildSummaryInput(merged FilterResult, relationshipType string) (string, error) {
	req := summaryRequest{
		RelationshipType: relationshipType,
		Stats:            merged.Stats,
		High:             make([]summaryRequestRef, 0, len(merged.High)),
	}
	for _, m := range merged.High {
		req.High = append(req.High, summaryRequestRef{Index: m.Index, Date: formatMessageDate(m.Timestamp), Reason: m.Reason})
	}
	medium := merged.Medium
	if len(medium) > s.mediumLimit {
		medium = medium[:s.mediumLimit]
	}
	req.Medium = make([]summaryRequestRef, 0, len(medium))
	for _, m := range medium {
		req.Medium = append(req.Medium, summaryRequestRef{Index: m.Index, Date: formatMessageDate(m.Timestamp), Reason: m.Reason})
	}

	b, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("BuildSummaryInput: marshal: %w", err)
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return "", fmt.Errorf("BuildSummaryInput: unmarshal: %w", err)
	}
	b, err = json.Marshal(StripMessageContent(generic))
	if err != nil {
		return "", fmt.Errorf("BuildSummaryInput: marshal stripped: %w", err)
	}
	return string(b), nil
}

// decodeSummaryResponse validates raw, strips message-text fields from the decoded tree and
// only then decodes it into the typed response. removed counts the stripped fields.
func decodeSummaryResponse(raw string) (summaryResponse, int, error) {
	var tree map[string]any
	if err := decodeModelResponse("PatternSummary", raw, []string{"timeline", "turning_points", "high_indices", "medium_sample"}, &tree); err != nil {
		return summaryResponse{}, 0, err
	}
	var removed int
	b, err := json.Marshal(stripMessageContent(tree, &removed))
	if err != nil {
		return summaryResponse{}, 0, &ParseError{Stage: "PatternSummary", Reason: err.Error()}
	}
	var out summaryResponse
	if err := json.Unmarshal(b, &out); err != nil {
		return summaryResponse{}, 0, &ParseError{Stage: "PatternSummary", Reason: err.Error()}
	}
	return out, removed, nil
}

// Summarize produces the pattern summary of merged. Statistics are copied from merged.
// Indices are returned as the model produced them; callers clamp with ClampIndices.
func (s *Summarizer) Summarize(ctx context.Context, merged FilterResult, relationshipType string) (Summary, error) {
	input, err := s.BuildSummaryInput(merged, relationshipType)
	if err != nil {
		return Summary{}, err
	}
	req := provider.Request{
		Name:            "PatternSummary",
		Description:     "Index-only pattern summary of a conversation",
		Schema:          provider.GenerateSchema[summaryResponse](),
		Instructions:    patternSummaryInstructions,
		Input:           input,
		MaxOutputTokens: 8000,
	}

	resp, err := provider.Retry(ctx, s.retry, func(ctx context.Context, attempt int) (summaryResponse, error) {
		raw, err := s.caller.Call(ctx, req)
		if err != nil {
			s.logger.Warn().Err(err).Int("attempt", attempt).Msg("pattern summary call failed")
			return summaryResponse{}, err
		}
		out, removed, err := decodeSummaryResponse(raw)
		if err != nil {
			s.logger.Warn().Err(err).Int("attempt", attempt).Msg("pattern summary response rejected")
			return summaryResponse{}, err
		}
		if removed > 0 {
			s.logger.Warn().Int("removed_fields", removed).Msg("pattern summary response carried message text")
		}
		return out, nil
	})
	if err != nil {
		return Summary{}, fmt.Errorf("Summarize: %w", err)
	}

	return Summary{
		Timeline:      resp.Timeline,
		TurningPoints: resp.TurningPoints,
		HighIndices:   resp.HighIndices,
		MediumSample:  resp.MediumSample,
		Statistics:    merged.Stats,
	}, nil
}
