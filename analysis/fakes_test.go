package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bollarder/Maltcha-sub000/analysis/provider"
)

// fakeCaller routes calls by Request.Name to per-schema handlers. n is the 1-based call count
// for that name.
type fakeCaller struct {
	mu       sync.Mutex
	handlers map[string]func(req provider.Request, n int) (string, error)
	counts   map[string]int
	requests []provider.Request
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{
		handlers: make(map[string]func(provider.Request, int) (string, error)),
		counts:   make(map[string]int),
	}
}

func (f *fakeCaller) on(name string, h func(req provider.Request, n int) (string, error)) *fakeCaller {
	f.handlers[name] = h
	return f
}

func (f *fakeCaller) Call(ctx context.Context, req provider.Request) (string, error) {
	f.mu.Lock()
	f.counts[req.Name]++
	n := f.counts[req.Name]
	f.requests = append(f.requests, req)
	h := f.handlers[req.Name]
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if h == nil {
		return "", fmt.Errorf("fakeCaller: no handler for %q", req.Name)
	}
	return h(req, n)
}

func (f *fakeCaller) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[name]
}

func (f *fakeCaller) requestsFor(name string) []provider.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []provider.Request
	for _, r := range f.requests {
		if r.Name == name {
			out = append(out, r)
		}
	}
	return out
}

// firstTwoFilter marks the first message of every batch HIGH and the second MEDIUM.
func firstTwoFilter(req provider.Request, _ int) (string, error) {
	var in filterRequest
	if err := json.Unmarshal([]byte(req.Input), &in); err != nil {
		return "", err
	}
	resp := filterResponse{High: []filterResponseItem{}, Medium: []filterResponseItem{}}
	if len(in.Messages) > 0 {
		resp.High = append(resp.High, filterResponseItem{Index: in.Messages[0].Index, Reason: "첫 메시지"})
	}
	if len(in.Messages) > 1 {
		resp.Medium = append(resp.Medium, filterResponseItem{Index: in.Messages[1].Index, Reason: "일상"})
	}
	b, _ := json.Marshal(resp)
	return string(b), nil
}

// echoSummary returns every HIGH index plus one out-of-range index, and every MEDIUM index
// as the sample.
func echoSummary(req provider.Request, _ int) (string, error) {
	var in summaryRequest
	if err := json.Unmarshal([]byte(req.Input), &in); err != nil {
		return "", err
	}
	resp := summaryResponse{
		Timeline:      []TimelineEvent{{Date: "2024-01-15", Event: "시작", Significance: "첫 대화"}},
		TurningPoints: []TurningPoint{},
		HighIndices:   []int{},
		MediumSample:  []MediumSample{},
	}
	for _, h := range in.High {
		resp.HighIndices = append(resp.HighIndices, h.Index)
	}
	resp.HighIndices = append(resp.HighIndices, 99999)
	for _, m := range in.Medium {
		resp.MediumSample = append(resp.MediumSample, MediumSample{Index: m.Index, Date: m.Date, Category: "daily"})
	}
	b, _ := json.Marshal(resp)
	return string(b), nil
}

func sampleDeepResult(tag string) DeepAnalysisResult {
	return DeepAnalysisResult{
		Overview: "서로를 아끼는 관계 " + tag,
		CommunicationPatterns: CommunicationPatterns{
			Style:           "다정함",
			Strengths:       []string{"경청"},
			Concerns:        []string{"회피"},
			ConflictPattern: "침묵",
		},
		EmotionalDynamics: EmotionalDynamics{
			Summary:            "안정적",
			EmotionalTone:      "따뜻함",
			Triggers:           []string{"늦은 답장"},
			SupportExpressions: []string{"응원"},
		},
		PsychologicalInsights: PsychologicalInsights{
			AttachmentStyle: "안정형",
			CoreNeeds:       []string{"인정"},
			Observations:    []string{"배려가 많음"},
		},
		RelationshipHealth: RelationshipHealth{Score: 80, Assessment: "건강함", Strengths: []string{"신뢰"}, Risks: []string{"피로"}},
		PracticalAdvice: PracticalAdvice{
			ImmediateActions:   []string{"고맙다고 말하기 " + tag},
			LongTermStrategies: []string{"주간 대화"},
			CommunicationTips:  []string{"나 전달법"},
		},
		Conclusion: "좋은 관계 " + tag,
	}
}

func deepJSON(tag string) string {
	b, _ := json.Marshal(sampleDeepResult(tag))
	return string(b)
}

// mobileLine renders one message in the KakaoTalk mobile export format.
func mobileLine(ts time.Time, name, text string) string {
	h := ts.Hour()
	meridiem := "오전"
	if h >= 12 {
		meridiem = "오후"
	}
	h12 := h % 12
	if h12 == 0 {
		h12 = 12
	}
	return fmt.Sprintf("%d. %d. %d. %s %d:%02d, %s : %s", ts.Year(), int(ts.Month()), ts.Day(), meridiem, h12, ts.Minute(), name, text)
}

// chatExport renders n messages starting at start, step apart, alternating two speakers.
func chatExport(start time.Time, n int, step time.Duration) string {
	var b strings.Builder
	b.WriteString("Talk_2024.1.20 21:00-1.txt\n저장한 날짜 : 2024. 1. 20. 오후 9:00\n\n")
	for i := 0; i < n; i++ {
		name := "민수"
		if i%2 == 1 {
			name = "지영"
		}
		b.WriteString(mobileLine(start.Add(time.Duration(i)*step), name, fmt.Sprintf("메시지 %d 오늘 뭐했어", i)))
		b.WriteByte('\n')
	}
	return b.String()
}

func kst(y int, m time.Month, d, h, minute int) time.Time {
	return time.Date(y, m, d, h, minute, 0, 0, DefaultLocation)
}

func indexedAt(times ...time.Time) []IndexedMessage {
	msgs := make([]Message, len(times))
	for i, ts := range times {
		msgs[i] = Message{Timestamp: ts, Participant: "a", Content: "응"}
	}
	return IndexMessages(msgs)
}

func testOptions() PipelineOptions {
	opts := DefaultPipelineOptions()
	opts.Retry = provider.RetryPolicy{Attempts: 3}
	opts.FilterBatchDelay = 0
	opts.SummaryCooldown = 0
	opts.DeepBatchDelay = 0
	return opts
}
