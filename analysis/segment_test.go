package analysis

import (
	"testing"
	"time"
)

func TestIsSessionEnd(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		prevText string
		gap      float64
		prevHour int
		currHour int
		want     bool
	}{
		{"short gap with closing phrase", "잘자~", 30, 23, 23, false},
		{"closing phrase after 45 min", "잘자~", 45, 23, 23, true},
		{"same bucket 45 min", "그래서 어떻게 됐어", 45, 14, 14, false},
		{"same bucket 120 min", "응응", 120, 12, 14, false},
		{"same bucket over 120 min", "응응", 121, 11, 13, true},
		{"bucket change 60 min", "응응", 60, 10, 11, true},
		{"six hours always ends", "그래서", 360, 9, 15, true},
		{"polite closing", "수고하셨습니다!", 40, 14, 14, true},
		{"english closing", "good night!!", 40, 22, 22, true},
		{"english bye", "ok bye!!", 40, 22, 22, true},
	}
	for _, tc := range cases {
		if got := IsSessionEnd(tc.prevText, tc.gap, tc.prevHour, tc.currHour); got != tc.want {
			t.Fatalf("%s: IsSessionEnd=%v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestTimeBucketOf(t *testing.T) {
	t.Parallel()

	want := map[int]TimeBucket{
		0: BucketDawn, 5: BucketDawn, 6: BucketMorning, 10: BucketMorning, 11: BucketAfternoon,
		16: BucketAfternoon, 17: BucketEvening, 20: BucketEvening, 21: BucketNight, 23: BucketNight,
	}
	for h, b := range want {
		if got := TimeBucketOf(h); got != b {
			t.Fatalf("TimeBucketOf(%d)=%s, want %s", h, got, b)
		}
	}
}

func TestSegment_EmptyInput(t *testing.T) {
	t.Parallel()

	if got := Segment(nil, 10, 20); got != nil {
		t.Fatalf("Segment(nil)=%v, want nil", got)
	}
}

func TestSegment_SplitsOnSessionBoundary(t *testing.T) {
	t.Parallel()

	msgs := indexedAt(
		kst(2024, time.January, 15, 9, 0),
		kst(2024, time.January, 15, 9, 5),
		kst(2024, time.January, 15, 9, 10),
		kst(2024, time.January, 15, 20, 0),
		kst(2024, time.January, 15, 20, 1),
	)
	batches := Segment(msgs, 100, 200)
	if len(batches) != 2 {
		t.Fatalf("len(batches)=%d, want 2", len(batches))
	}
	if batches[0].Count != 3 || batches[1].Count != 2 {
		t.Fatalf("counts=%d,%d", batches[0].Count, batches[1].Count)
	}
	if batches[0].ID != 1 || batches[1].ID != 2 {
		t.Fatalf("ids=%d,%d", batches[0].ID, batches[1].ID)
	}
}

func TestSegment_LongSessionsSplitAtMax(t *testing.T) {
	t.Parallel()

	var times []time.Time
	day1 := kst(2024, time.January, 15, 9, 0)
	day2 := kst(2024, time.January, 17, 9, 0)
	for i := 0; i < 2250; i++ {
		times = append(times, day1.Add(time.Duration(i)*10*time.Second))
	}
	for i := 0; i < 2250; i++ {
		times = append(times, day2.Add(time.Duration(i)*10*time.Second))
	}
	msgs := indexedAt(times...)

	batches := Segment(msgs, DefaultTargetBatchSize, DefaultMaxBatchSize)
	want := []int{2200, 50, 2200, 50}
	if len(batches) != len(want) {
		t.Fatalf("len(batches)=%d, want %d", len(batches), len(want))
	}
	for i, b := range batches {
		if b.Count != want[i] || len(b.Messages) != want[i] {
			t.Fatalf("batch %d count=%d, want %d", i, b.Count, want[i])
		}
	}
}

func TestSegment_Invariants(t *testing.T) {
	t.Parallel()

	// Irregular gaps: bursts, half-hour pauses, a closing phrase, an overnight gap.
	var msgs []Message
	ts := kst(2024, time.March, 1, 8, 0)
	gaps := []time.Duration{time.Minute, 2 * time.Minute, 31 * time.Minute, 10 * time.Second, 3 * time.Hour, time.Minute, 45 * time.Minute, 7 * time.Hour}
	for i := 0; i < 500; i++ {
		text := "응"
		if i%37 == 0 {
			text = "잘자"
		}
		msgs = append(msgs, Message{Timestamp: ts, Participant: "a", Content: text})
		ts = ts.Add(gaps[i%len(gaps)])
	}
	indexed := IndexMessages(msgs)

	const targetSize, maxSize = 30, 40
	batches := Segment(indexed, targetSize, maxSize)

	next := 0
	for bi, b := range batches {
		if b.Count > maxSize {
			t.Fatalf("batch %d size=%d exceeds max", b.ID, b.Count)
		}
		if bi < len(batches)-1 && b.Count < targetSize {
			last, first := b.Messages[b.Count-1], batches[bi+1].Messages[0]
			if !sessionEndsBetween(last, first) {
				t.Fatalf("batch %d closed at size %d without a session boundary", b.ID, b.Count)
			}
		}
		for i, m := range b.Messages {
			if m.Index != next {
				t.Fatalf("batch %d: index %d, want %d", b.ID, m.Index, next)
			}
			next++
			if i > 0 && sessionEndsBetween(b.Messages[i-1], m) {
				t.Fatalf("batch %d straddles a session boundary at index %d", b.ID, m.Index)
			}
		}
	}
	if next != len(indexed) {
		t.Fatalf("covered %d messages, want %d", next, len(indexed))
	}
}
