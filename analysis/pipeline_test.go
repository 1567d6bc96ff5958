package analysis

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bollarder/Maltcha-sub000/analysis/provider"
)

func TestNextState(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	cases := []struct {
		from pipelineState
		err  error
		want pipelineState
	}{
		{stateFull, nil, stateCompleted},
		{stateFull, boom, stateFullFailed},
		{stateFullFailed, nil, stateFallback},
		{stateFullFailed, boom, stateFallback},
		{stateFallback, nil, stateCompleted},
		{stateFallback, boom, stateFailed},
		{stateCompleted, boom, stateCompleted},
		{stateFailed, nil, stateFailed},
	}
	for _, tc := range cases {
		if got := nextState(tc.from, tc.err); got != tc.want {
			t.Fatalf("nextState(%s, %v)=%s, want %s", tc.from, tc.err, got, tc.want)
		}
	}
	if initialState(false) != stateFallback || initialState(true) != stateFull {
		t.Fatalf("initialState mismatch")
	}
}

func TestSubmitRequest_Validate(t *testing.T) {
	t.Parallel()

	if err := (SubmitRequest{UserPurpose: "x"}).Validate(); !errors.Is(err, ErrMissingContent) {
		t.Fatalf("err=%v, want ErrMissingContent", err)
	}
	if err := (SubmitRequest{Content: "x", UserPurpose: "  "}).Validate(); !errors.Is(err, ErrMissingPurpose) {
		t.Fatalf("err=%v, want ErrMissingPurpose", err)
	}
}

func newTestPipeline(t *testing.T, store JobStore, analysisCaller, classificationCaller provider.Caller) *Pipeline {
	t.Helper()
	deps := PipelineDeps{
		Store:          store,
		AnalysisCaller: analysisCaller,
		Options:        testOptions(),
	}
	if classificationCaller != nil {
		deps.ClassificationCaller = classificationCaller
	}
	p, err := NewPipeline(deps)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	return p
}

func submitRequest(content string) SubmitRequest {
	return SubmitRequest{
		Content:             content,
		FileName:            "KakaoTalk_chat.txt",
		PrimaryRelationship: "연인",
		UserPurpose:         "싸움이 잦은 이유를 알고 싶어요",
	}
}

func TestPipeline_SimplifiedPathWithoutClassifier(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryJobStore()
	req := submitRequest(chatExport(kst(2024, time.January, 15, 9, 0), 50, time.Minute))
	job, err := store.Create(ctx, req.meta())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	analysis := newFakeCaller().on("QuickAnalysis", func(r provider.Request, n int) (string, error) {
		// Messages must be visible on the job before any external call.
		cur, _, _ := store.Get(ctx, job.ID)
		if len(cur.Messages) != 50 || cur.Stats == nil || cur.Charts == nil {
			return "", errors.New("job not populated before external call")
		}
		return deepJSON("quick"), nil
	})
	p := newTestPipeline(t, store, analysis, nil)

	got, err := p.Run(ctx, job.ID, req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.Status != JobCompleted || got.Path != PathSimplified || got.Degraded {
		t.Fatalf("job status=%s path=%s degraded=%v err=%q", got.Status, got.Path, got.Degraded, got.Error)
	}
	if len(got.Insights) == 0 || got.DeepAnalysis == nil {
		t.Fatalf("missing insights or analysis")
	}
	if analysis.count("DeepAnalysis") != 0 {
		t.Fatalf("full path ran without a classifier")
	}
}

func TestPipeline_FullPathTwoDays(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	b.WriteString(chatExport(kst(2024, time.January, 15, 9, 0), 2250, 10*time.Second))
	b.WriteString(chatExport(kst(2024, time.January, 17, 9, 0), 2250, 10*time.Second))
	req := submitRequest(b.String())

	classifier := newFakeCaller().
		on("ImportanceFilter", firstTwoFilter).
		on("PatternSummary", func(r provider.Request, n int) (string, error) {
			if strings.Contains(r.Input, "오늘 뭐했어") || strings.Contains(r.Input, `"content"`) {
				return "", errors.New("message content leaked into summary input")
			}
			if !strings.Contains(r.Input, `"total":4500`) {
				return "", errors.New("merged stats do not cover the conversation")
			}
			return echoSummary(r, n)
		})
	analysis := newFakeCaller().on("DeepAnalysis", func(r provider.Request, n int) (string, error) {
		if strings.Contains(r.Input, "[99999]") {
			return "", errors.New("out-of-range index reached deep analysis")
		}
		return deepJSON("full"), nil
	})

	store := NewMemoryJobStore()
	p := newTestPipeline(t, store, analysis, classifier)
	job, err := p.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if job.Status != JobCompleted || job.Path != PathFull || job.Degraded {
		t.Fatalf("job status=%s path=%s degraded=%v err=%q reason=%q", job.Status, job.Path, job.Degraded, job.Error, job.DegradedReason)
	}
	if got := classifier.count("ImportanceFilter"); got != 4 {
		t.Fatalf("filter calls=%d, want 4", got)
	}
	if got := classifier.count("PatternSummary"); got != 1 {
		t.Fatalf("summary calls=%d, want 1", got)
	}
	if analysis.count("DeepAnalysis") < 1 || analysis.count("QuickAnalysis") != 0 {
		t.Fatalf("deep calls=%d quick calls=%d", analysis.count("DeepAnalysis"), analysis.count("QuickAnalysis"))
	}
	if len(job.Messages) != 4500 || job.Stats.TotalMessages != 4500 {
		t.Fatalf("messages=%d", len(job.Messages))
	}
	if len(job.Insights) != 6 {
		t.Fatalf("insights=%d", len(job.Insights))
	}
}

func TestPipeline_FilterBatchDegradesButJobCompletes(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	b.WriteString(chatExport(kst(2024, time.January, 15, 9, 0), 20, time.Minute))
	b.WriteString(chatExport(kst(2024, time.January, 16, 9, 0), 20, time.Minute))
	req := submitRequest(b.String())

	classifier := newFakeCaller().
		on("ImportanceFilter", func(r provider.Request, n int) (string, error) {
			if n <= 3 {
				return "not json at all", nil
			}
			return firstTwoFilter(r, n)
		}).
		on("PatternSummary", func(r provider.Request, n int) (string, error) {
			if !strings.Contains(r.Input, `"total":40`) || !strings.Contains(r.Input, `"low":38`) {
				return "", errors.New("degraded batch not counted as LOW")
			}
			return echoSummary(r, n)
		})
	analysis := newFakeCaller().on("DeepAnalysis", func(r provider.Request, n int) (string, error) {
		return deepJSON("x"), nil
	})

	p := newTestPipeline(t, NewMemoryJobStore(), analysis, classifier)
	job, err := p.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if job.Status != JobCompleted || job.Path != PathFull {
		t.Fatalf("job status=%s path=%s err=%q", job.Status, job.Path, job.Error)
	}
	if classifier.count("ImportanceFilter") != 4 {
		t.Fatalf("filter calls=%d, want 3 for batch 1 plus 1 for batch 2", classifier.count("ImportanceFilter"))
	}
	if !job.Degraded || !strings.Contains(job.DegradedReason, "1 of 2 filter batches") {
		t.Fatalf("degraded=%v reason=%q", job.Degraded, job.DegradedReason)
	}
}

func TestPipeline_DeepFailureFallsBackToSimplified(t *testing.T) {
	t.Parallel()

	req := submitRequest(chatExport(kst(2024, time.January, 15, 9, 0), 30, time.Minute))
	classifier := newFakeCaller().
		on("ImportanceFilter", firstTwoFilter).
		on("PatternSummary", echoSummary)
	analysis := newFakeCaller().
		on("DeepAnalysis", func(r provider.Request, n int) (string, error) {
			return "", errors.New("503 overloaded")
		}).
		on("QuickAnalysis", func(r provider.Request, n int) (string, error) {
			return deepJSON("fallback"), nil
		})

	p := newTestPipeline(t, NewMemoryJobStore(), analysis, classifier)
	job, err := p.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if job.Status != JobCompleted || job.Path != PathSimplified {
		t.Fatalf("job status=%s path=%s err=%q", job.Status, job.Path, job.Error)
	}
	if !job.Degraded || !strings.Contains(job.DegradedReason, "503 overloaded") {
		t.Fatalf("degraded=%v reason=%q", job.Degraded, job.DegradedReason)
	}
	if job.DeepAnalysis.Conclusion != "좋은 관계 fallback" {
		t.Fatalf("conclusion=%q", job.DeepAnalysis.Conclusion)
	}
}

func TestPipeline_BothPathsFail(t *testing.T) {
	t.Parallel()

	req := submitRequest(chatExport(kst(2024, time.January, 15, 9, 0), 10, time.Minute))
	analysis := newFakeCaller().on("QuickAnalysis", func(r provider.Request, n int) (string, error) {
		return "", errors.New("invalid api key")
	})

	p := newTestPipeline(t, NewMemoryJobStore(), analysis, nil)
	job, err := p.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if job.Status != JobFailed || !strings.Contains(job.Error, "invalid api key") {
		t.Fatalf("job status=%s err=%q", job.Status, job.Error)
	}
	if job.Insights != nil {
		t.Fatalf("failed job has insights")
	}
}

func TestPipeline_UnparseableExportFails(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, NewMemoryJobStore(), newFakeCaller(), nil)
	job, err := p.Process(context.Background(), submitRequest("이건 카카오톡 내보내기가 아닙니다"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if job.Status != JobFailed || job.Error != ErrNoMessages.Error() {
		t.Fatalf("job status=%s err=%q", job.Status, job.Error)
	}
}

func TestPipeline_TruncatedExportFails(t *testing.T) {
	t.Parallel()

	analysis := newFakeCaller().on("QuickAnalysis", func(r provider.Request, n int) (string, error) {
		return deepJSON("should not run"), nil
	})
	opts := testOptions()
	opts.MaxLineBytes = 1024
	p, err := NewPipeline(PipelineDeps{Store: NewMemoryJobStore(), AnalysisCaller: analysis, Options: opts})
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}

	job, err := p.Process(context.Background(), submitRequest(longLineExport(2_000)))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if job.Status != JobFailed || !strings.Contains(job.Error, "token too long") {
		t.Fatalf("job status=%s err=%q", job.Status, job.Error)
	}
	if analysis.count("QuickAnalysis") != 0 {
		t.Fatalf("partial chat was analyzed")
	}
}

func TestPipeline_StagePanicIsRecovered(t *testing.T) {
	t.Parallel()

	req := submitRequest(chatExport(kst(2024, time.January, 15, 9, 0), 10, time.Minute))
	classifier := newFakeCaller().on("ImportanceFilter", func(r provider.Request, n int) (string, error) {
		panic("classifier exploded")
	})
	analysis := newFakeCaller().on("QuickAnalysis", func(r provider.Request, n int) (string, error) {
		return deepJSON("after panic"), nil
	})

	p := newTestPipeline(t, NewMemoryJobStore(), analysis, classifier)
	job, err := p.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if job.Status != JobCompleted || job.Path != PathSimplified || !strings.Contains(job.DegradedReason, "panicked") {
		t.Fatalf("job status=%s path=%s reason=%q", job.Status, job.Path, job.DegradedReason)
	}
}

func TestPipeline_CancelledContextFailsJob(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	req := submitRequest(chatExport(kst(2024, time.January, 15, 9, 0), 10, time.Minute))
	classifier := newFakeCaller().on("ImportanceFilter", func(r provider.Request, n int) (string, error) {
		cancel()
		return "", context.Canceled
	})

	store := NewMemoryJobStore()
	p := newTestPipeline(t, store, newFakeCaller(), classifier)
	job, err := p.Process(ctx, req)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if job.Status != JobFailed {
		t.Fatalf("job status=%s, want failed", job.Status)
	}
	stored, _, _ := store.Get(context.Background(), job.ID)
	if stored.Status != JobFailed {
		t.Fatalf("stored status=%s", stored.Status)
	}
}

func TestPipeline_SubmitRunsInBackground(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	analysis := newFakeCaller().on("QuickAnalysis", func(r provider.Request, n int) (string, error) {
		<-release
		return deepJSON("async"), nil
	})
	store := NewMemoryJobStore()
	p := newTestPipeline(t, store, analysis, nil)

	if _, err := p.Submit(context.Background(), SubmitRequest{Content: "x"}); !errors.Is(err, ErrMissingPurpose) {
		t.Fatalf("err=%v, want ErrMissingPurpose", err)
	}

	job, err := p.Submit(context.Background(), submitRequest(chatExport(kst(2024, time.January, 15, 9, 0), 5, time.Minute)))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.Status != JobProcessing {
		t.Fatalf("initial status=%s", job.Status)
	}
	close(release)
	p.Wait()

	got, ok, _ := store.Get(context.Background(), job.ID)
	if !ok || got.Status != JobCompleted {
		t.Fatalf("final job=%+v", got)
	}
}
