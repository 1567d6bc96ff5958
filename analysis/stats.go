package analysis

import (
	"math"
	"sort"
	"time"
	"unicode/utf8"
)

// ParticipantStats counts one participant's messages.
type ParticipantStats struct {
	Name      string  `json:"name"`
	Messages  int     `json:"messages"`
	Share     float64 `json:"share"`
	AvgLength float64 `json:"avg_length"`
}

// Stats are deterministic conversation statistics computed from the parsed messages.
type Stats struct {
	TotalMessages int                `json:"total_messages"`
	Participants  []ParticipantStats `json:"participants"`
	FirstMessage  time.Time          `json:"first_message,omitempty"`
	LastMessage   time.Time          `json:"last_message,omitempty"`
	SpanDays      int                `json:"span_days"`
	ActiveDays    int                `json:"active_days"`
	AvgPerDay     float64            `json:"avg_per_active_day"`
	AvgLength     float64            `json:"avg_length"`
}

// ComputeStats summarizes msgs. participants fixes the reporting order; participants not
// listed are appended in first-seen order.
func ComputeStats(msgs []Message, participants []string) Stats {
	st := Stats{TotalMessages: len(msgs)}
	if len(msgs) == 0 {
		return st
	}

	order := append([]string(nil), participants...)
	known := make(map[string]int, len(order))
	for i, p := range order {
		known[p] = i
	}
	counts := make([]int, len(order))
	runes := make([]int, len(order))
	days := make(map[string]struct{})
	totalRunes := 0

	st.FirstMessage = msgs[0].Timestamp
	st.LastMessage = msgs[0].Timestamp
	for _, m := range msgs {
		i, ok := known[m.Participant]
		if !ok {
			i = len(order)
			known[m.Participant] = i
			order = append(order, m.Participant)
			counts = append(counts, 0)
			runes = append(runes, 0)
		}
		n := utf8.RuneCountInString(m.Content)
		counts[i]++
		runes[i] += n
		totalRunes += n
		days[formatMessageDate(m.Timestamp)] = struct{}{}
		if m.Timestamp.Before(st.FirstMessage) {
			st.FirstMessage = m.Timestamp
		}
		if m.Timestamp.After(st.LastMessage) {
			st.LastMessage = m.Timestamp
		}
	}

	for i, name := range order {
		ps := ParticipantStats{Name: name, Messages: counts[i]}
		ps.Share = round2(float64(counts[i]) / float64(len(msgs)))
		if counts[i] > 0 {
			ps.AvgLength = round2(float64(runes[i]) / float64(counts[i]))
		}
		st.Participants = append(st.Participants, ps)
	}
	st.SpanDays = int(st.LastMessage.Sub(st.FirstMessage).Hours()/24) + 1
	st.ActiveDays = len(days)
	st.AvgPerDay = round2(float64(len(msgs)) / float64(st.ActiveDays))
	st.AvgLength = round2(float64(totalRunes) / float64(len(msgs)))
	return st
}

// DailyCount is the number of messages on one calendar day.
type DailyCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// Charts are the chart series shown next to the insights.
type Charts struct {
	HourlyActivity   [24]int            `json:"hourly_activity"`
	BucketActivity   map[TimeBucket]int `json:"bucket_activity"`
	DailyActivity    []DailyCount       `json:"daily_activity"`
	ParticipantShare map[string]int     `json:"participant_share"`
}

// BuildCharts computes hour-of-day, part-of-day, per-day and per-participant series.
func BuildCharts(msgs []Message) Charts {
	c := Charts{
		BucketActivity:   make(map[TimeBucket]int),
		ParticipantShare: make(map[string]int),
	}
	perDay := make(map[string]int)
	for _, m := range msgs {
		h := m.Timestamp.Hour()
		c.HourlyActivity[h]++
		c.BucketActivity[TimeBucketOf(h)]++
		perDay[formatMessageDate(m.Timestamp)]++
		c.ParticipantShare[m.Participant]++
	}
	c.DailyActivity = make([]DailyCount, 0, len(perDay))
	for d, n := range perDay {
		c.DailyActivity = append(c.DailyActivity, DailyCount{Date: d, Count: n})
	}
	sort.Slice(c.DailyActivity, func(i, j int) bool { return c.DailyActivity[i].Date < c.DailyActivity[j].Date })
	return c
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
