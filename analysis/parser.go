package analysis

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ParseResult is the ordered message list plus the participants in first-seen order.
type ParseResult struct {
	Messages     []Message `json:"messages"`
	Participants []string  `json:"participants"`
}

var (
	// 2024. 1. 15. 오후 3:45, 이름 : 내용
	// 2024년 1월 15일 오후 3:45, 이름 : 내용
	mobileLineRe = regexp.MustCompile(`^(\d{4})(?:\.|년)\s*(\d{1,2})(?:\.|월)\s*(\d{1,2})(?:\.|일)\s*(오전|오후|AM|PM|am|pm)\s*(\d{1,2}):(\d{2}),\s*(.+?)\s:\s(.*)$`)

	// --------------- 2024년 1월 15일 월요일 ---------------
	pcDateHeaderRe = regexp.MustCompile(`^-+\s*(\d{4})년\s*(\d{1,2})월\s*(\d{1,2})일.*?-+$`)

	// [이름] [오후 3:45] 내용
	pcLineRe = regexp.MustCompile(`^\[(.+?)\]\s*\[(오전|오후|AM|PM|am|pm)\s*(\d{1,2}):(\d{2})\]\s?(.*)$`)
)

// DefaultLocation is the zone chat-export wall-clock times are interpreted in.
var DefaultLocation = time.FixedZone("KST", 9*60*60)

// DefaultMaxLineBytes bounds a single export line read by ParseChat. It sits above the
// server's default upload cap so a whole upload always fits in one line.
const DefaultMaxLineBytes = 64 << 20

// ParseChatText parses an in-memory KakaoTalk text export. The line limit grows with raw, so
// only a read failure can make it return an error. See ParseChat.
func ParseChatText(raw string) (ParseResult, error) {
	return parseChat(strings.NewReader(raw), nil, max(DefaultMaxLineBytes, len(raw)+1))
}

// ParseChat parses a KakaoTalk text export in either the mobile or the PC line format.
// Lines that match neither format (system notices, wrapped message continuations, headers)
// are skipped. loc defaults to DefaultLocation.
//
// On a read error (including a line longer than DefaultMaxLineBytes) the messages parsed so
// far are returned together with the error; callers must not treat them as the whole chat.
func ParseChat(r io.Reader, loc *time.Location) (ParseResult, error) {
	return parseChat(r, loc, DefaultMaxLineBytes)
}

func parseChat(r io.Reader, loc *time.Location, maxLine int) (ParseResult, error) {
	if loc == nil {
		loc = DefaultLocation
	}
	if maxLine <= 0 {
		maxLine = DefaultMaxLineBytes
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, min(64*1024, maxLine)), maxLine)
	lineNo := 0

	var (
		res       ParseResult
		seen      = make(map[string]struct{})
		pcDate    time.Time
		hasPCDate bool
		first     = true
	)
	add := func(m Message) {
		res.Messages = append(res.Messages, m)
		if _, ok := seen[m.Participant]; !ok {
			seen[m.Participant] = struct{}{}
			res.Participants = append(res.Participants, m.Participant)
		}
	}

	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if first {
			line = strings.TrimPrefix(line, "\ufeff")
			first = false
		}
		line = strings.TrimRight(line, "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		if m := mobileLineRe.FindStringSubmatch(trimmed); m != nil {
			ts, ok := buildTime(loc, m[1], m[2], m[3], m[4], m[5], m[6])
			if !ok {
				continue
			}
			name := strings.TrimSpace(m[7])
			if name == "" {
				continue
			}
			add(Message{Timestamp: ts, Participant: name, Content: strings.TrimSpace(m[8])})
			continue
		}

		if m := pcDateHeaderRe.FindStringSubmatch(trimmed); m != nil {
			y, _ := strconv.Atoi(m[1])
			mo, _ := strconv.Atoi(m[2])
			d, _ := strconv.Atoi(m[3])
			if validDate(y, mo, d) {
				pcDate = time.Date(y, time.Month(mo), d, 0, 0, 0, 0, loc)
				hasPCDate = true
			}
			continue
		}

		if m := pcLineRe.FindStringSubmatch(trimmed); m != nil && hasPCDate {
			hour, minute, ok := clockTime(m[2], m[3], m[4])
			if !ok {
				continue
			}
			name := strings.TrimSpace(m[1])
			if name == "" {
				continue
			}
			ts := time.Date(pcDate.Year(), pcDate.Month(), pcDate.Day(), hour, minute, 0, 0, loc)
			add(Message{Timestamp: ts, Participant: name, Content: strings.TrimSpace(m[5])})
			continue
		}
	}
	if err := sc.Err(); err != nil {
		return res, fmt.Errorf("ParseChat: scan after line %d: %w", lineNo, err)
	}
	return res, nil
}

func buildTime(loc *time.Location, year, month, day, meridiem, hour, minute string) (time.Time, bool) {
	y, _ := strconv.Atoi(year)
	mo, _ := strconv.Atoi(month)
	d, _ := strconv.Atoi(day)
	if !validDate(y, mo, d) {
		return time.Time{}, false
	}
	h, mi, ok := clockTime(meridiem, hour, minute)
	if !ok {
		return time.Time{}, false
	}
	return time.Date(y, time.Month(mo), d, h, mi, 0, 0, loc), true
}

// clockTime converts a 12-hour 오전/오후 clock reading to 24-hour hour and minute.
func clockTime(meridiem, hour, minute string) (int, int, bool) {
	h, err := strconv.Atoi(hour)
	if err != nil || h < 0 || h > 12 {
		return 0, 0, false
	}
	mi, err := strconv.Atoi(minute)
	if err != nil || mi < 0 || mi > 59 {
		return 0, 0, false
	}
	pm := meridiem == "오후" || strings.EqualFold(meridiem, "PM")
	switch {
	case pm && h < 12:
		h += 12
	case !pm && h == 12:
		h = 0
	}
	return h, mi, true
}

func validDate(y, m, d int) bool {
	if y < 1970 || m < 1 || m > 12 || d < 1 || d > 31 {
		return false
	}
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	return t.Day() == d
}
