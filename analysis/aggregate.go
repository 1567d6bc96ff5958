package analysis

import "strings"

// AggregateDeepResults merges per-batch reports. The first report supplies every narrative
// field; the practical-advice lists become the ordered union of all reports. A single report
// passes through unchanged.
func AggregateDeepResults(results []DeepAnalysisResult) (DeepAnalysisResult, error) {
	switch len(results) {
	case 0:
		return DeepAnalysisResult{}, ErrNoResults
	case 1:
		return results[0], nil
	}

	out := results[0]
	var immediate, longTerm, tips [][]string
	for _, r := range results {
		immediate = append(immediate, r.PracticalAdvice.ImmediateActions)
		longTerm = append(longTerm, r.PracticalAdvice.LongTermStrategies)
		tips = append(tips, r.PracticalAdvice.CommunicationTips)
		if r.Degraded {
			out.Degraded = true
		}
	}
	out.PracticalAdvice = PracticalAdvice{
		ImmediateActions:   unionStrings(immediate...),
		LongTermStrategies: unionStrings(longTerm...),
		CommunicationTips:  unionStrings(tips...),
	}
	return out, nil
}

// unionStrings concatenates lists in order and drops repeats and blank entries.
func unionStrings(lists ...[]string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, list := range lists {
		for _, s := range list {
			if strings.TrimSpace(s) == "" {
				continue
			}
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
