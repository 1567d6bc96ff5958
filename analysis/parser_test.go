package analysis

import (
	"bufio"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestParseChat_MobileFormat(t *testing.T) {
	t.Parallel()

	raw := "\ufeff홍길동 님과 카카오톡 대화\n" +
		"저장한 날짜 : 2024. 1. 16. 오전 9:00\n\n" +
		"2024. 1. 15. 오후 3:45, 홍길동 : 안녕 뭐해?\n" +
		"2024. 1. 15. 오후 3:46, 김영희 : 밥 먹는 중 : 너는?\n" +
		"2024. 1. 15. 오후 3:47: 김영희님이 나갔습니다.\n" +
		"2024년 1월 16일 오전 12:05, 홍길동 : 잘자\r\n"

	res, err := ParseChat(strings.NewReader(raw), nil)
	if err != nil {
		t.Fatalf("ParseChat: %v", err)
	}
	if len(res.Messages) != 3 {
		t.Fatalf("len(messages)=%d, want 3: %+v", len(res.Messages), res.Messages)
	}
	m0 := res.Messages[0]
	if !m0.Timestamp.Equal(kst(2024, time.January, 15, 15, 45)) {
		t.Fatalf("m0.Timestamp=%v", m0.Timestamp)
	}
	if m0.Participant != "홍길동" || m0.Content != "안녕 뭐해?" {
		t.Fatalf("m0=%+v", m0)
	}
	if res.Messages[1].Content != "밥 먹는 중 : 너는?" {
		t.Fatalf("m1.Content=%q", res.Messages[1].Content)
	}
	m2 := res.Messages[2]
	if m2.Timestamp.Hour() != 0 || m2.Timestamp.Day() != 16 || m2.Content != "잘자" {
		t.Fatalf("m2=%+v", m2)
	}
	if strings.Join(res.Participants, ",") != "홍길동,김영희" {
		t.Fatalf("participants=%v", res.Participants)
	}
}

func TestParseChat_PCFormat(t *testing.T) {
	t.Parallel()

	raw := strings.Join([]string{
		"홍길동 님과 카카오톡 대화",
		"[홍길동] [오전 9:00] 헤더 전이라 무시됨",
		"--------------- 2024년 1월 15일 월요일 ---------------",
		"[홍길동] [오전 12:30] 아직 안 자?",
		"[김영희] [오후 12:00] 점심!",
		"--------------- 2024년 1월 16일 화요일 ---------------",
		"[김영희] [오후 11:59] 굿밤",
	}, "\n")

	res, err := ParseChatText(raw)
	if err != nil {
		t.Fatalf("ParseChatText: %v", err)
	}
	if len(res.Messages) != 3 {
		t.Fatalf("len(messages)=%d, want 3", len(res.Messages))
	}
	if got := res.Messages[0].Timestamp; !got.Equal(kst(2024, time.January, 15, 0, 30)) {
		t.Fatalf("m0.Timestamp=%v", got)
	}
	if got := res.Messages[1].Timestamp; got.Hour() != 12 {
		t.Fatalf("m1 hour=%d, want 12", got.Hour())
	}
	if got := res.Messages[2].Timestamp; !got.Equal(kst(2024, time.January, 16, 23, 59)) {
		t.Fatalf("m2.Timestamp=%v", got)
	}
}

func TestParseChat_RejectsInvalidDates(t *testing.T) {
	t.Parallel()

	res, err := ParseChatText("2024. 2. 30. 오후 3:45, 홍길동 : 없는 날짜\n2024. 1. 15. 오후 13:45, 홍길동 : 없는 시간")
	if err != nil {
		t.Fatalf("ParseChatText: %v", err)
	}
	if len(res.Messages) != 0 {
		t.Fatalf("messages=%+v, want none", res.Messages)
	}
}

func longLineExport(runes int) string {
	start := kst(2024, time.January, 15, 9, 0)
	return strings.Join([]string{
		mobileLine(start, "홍길동", "안녕"),
		mobileLine(start.Add(time.Minute), "김영희", strings.Repeat("가", runes)),
		mobileLine(start.Add(2*time.Minute), "홍길동", "잘 받았어"),
	}, "\n")
}

func TestParseChatText_KeepsLinesOverOneMebibyte(t *testing.T) {
	t.Parallel()

	// 400k three-byte runes put the middle line well past bufio's old 1 MiB ceiling.
	res, err := ParseChatText(longLineExport(400_000))
	if err != nil {
		t.Fatalf("ParseChatText: %v", err)
	}
	if len(res.Messages) != 3 {
		t.Fatalf("len(messages)=%d, want 3", len(res.Messages))
	}
	if got := len([]rune(res.Messages[1].Content)); got != 400_000 {
		t.Fatalf("long content runes=%d", got)
	}
	if res.Messages[2].Content != "잘 받았어" {
		t.Fatalf("m2=%+v", res.Messages[2])
	}
}

func TestParseChat_ReportsLineOverLimit(t *testing.T) {
	t.Parallel()

	res, err := parseChat(strings.NewReader(longLineExport(2_000)), nil, 1024)
	if !errors.Is(err, bufio.ErrTooLong) {
		t.Fatalf("err=%v, want bufio.ErrTooLong", err)
	}
	if len(res.Messages) != 1 {
		t.Fatalf("partial messages=%d, want 1", len(res.Messages))
	}
}

func TestIndexMessages_AndResolve(t *testing.T) {
	t.Parallel()

	msgs := IndexMessages([]Message{{Content: "a"}, {Content: "b"}, {Content: "c"}})
	for i, m := range msgs {
		if m.Index != i {
			t.Fatalf("msgs[%d].Index=%d", i, m.Index)
		}
	}
	got := ResolveIndices(msgs, []int{2, -1, 0, 2, 7})
	if len(got) != 2 || got[0].Content != "c" || got[1].Content != "a" {
		t.Fatalf("ResolveIndices=%+v", got)
	}
}
