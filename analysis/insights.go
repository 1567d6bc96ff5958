package analysis

import (
	"fmt"
	"strings"
)

// Insight is one display card derived from a deep-analysis report.
type Insight struct {
	ID          string   `json:"id"`
	Category    string   `json:"category"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Items       []string `json:"items,omitempty"`
}

// BuildInsights turns a report into the fixed set of six cards, in display order:
// overview, communication, emotion, immediate actions, long-term strategies, tips.
func BuildInsights(r DeepAnalysisResult) []Insight {
	cp := r.CommunicationPatterns
	ed := r.EmotionalDynamics
	pi := r.PsychologicalInsights
	rh := r.RelationshipHealth
	pa := r.PracticalAdvice

	return []Insight{
		{
			ID:          "overview",
			Category:    "overview",
			Title:       fmt.Sprintf("관계 개요 (건강도 %d점)", rh.Score),
			Description: joinNonEmpty(" ", r.Overview, rh.Assessment),
			Items:       concatStrings(rh.Strengths, rh.Risks),
		},
		{
			ID:          "communication",
			Category:    "communication_patterns",
			Title:       "대화 패턴",
			Description: joinNonEmpty(" ", cp.Style, cp.ConflictPattern),
			Items:       concatStrings(cp.Strengths, cp.Concerns),
		},
		{
			ID:          "emotion",
			Category:    "emotional_dynamics",
			Title:       "감정의 흐름",
			Description: joinNonEmpty(" ", ed.Summary, ed.EmotionalTone, pi.AttachmentStyle),
			Items:       concatStrings(ed.SupportExpressions, ed.Triggers, pi.CoreNeeds, pi.Observations),
		},
		{
			ID:          "immediate_actions",
			Category:    "practical_advice",
			Title:       "지금 해볼 수 있는 것",
			Description: orPlaceholder(r.Conclusion),
			Items:       pa.ImmediateActions,
		},
		{
			ID:          "long_term_strategies",
			Category:    "practical_advice",
			Title:       "장기적인 방향",
			Description: "관계를 꾸준히 가꾸기 위한 전략",
			Items:       pa.LongTermStrategies,
		},
		{
			ID:          "communication_tips",
			Category:    "practical_advice",
			Title:       "대화 팁",
			Description: "다음 대화에서 써볼 수 있는 표현과 태도",
			Items:       pa.CommunicationTips,
		},
	}
}

func orPlaceholder(s string) string {
	if strings.TrimSpace(s) == "" {
		return PlaceholderText
	}
	return s
}

func joinNonEmpty(sep string, parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return orPlaceholder(strings.Join(kept, sep))
}

func concatStrings(lists ...[]string) []string {
	var out []string
	for _, l := range lists {
		out = append(out, l...)
	}
	return out
}
