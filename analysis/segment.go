package analysis

import (
	"regexp"
	"strings"
)

const (
	DefaultTargetBatchSize = 2000
	DefaultMaxBatchSize    = 2200

	// Gaps at or below this never end a session.
	sessionMinGapMinutes = 30
	// Gaps at or above this always end a session.
	sessionLongGapMinutes = 360
	// Within the same time bucket, gaps up to this keep the session open.
	sessionSameBucketGapMinutes = 120
)

// TimeBucket is a coarse part of the day used for session detection.
type TimeBucket string

const (
	BucketDawn      TimeBucket = "dawn"
	BucketMorning   TimeBucket = "morning"
	BucketAfternoon TimeBucket = "afternoon"
	BucketEvening   TimeBucket = "evening"
	BucketNight     TimeBucket = "night"
)

// TimeBucketOf maps an hour of day (0-23) to its bucket.
func TimeBucketOf(hour int) TimeBucket {
	switch {
	case hour >= 0 && hour <= 5:
		return BucketDawn
	case hour >= 6 && hour <= 10:
		return BucketMorning
	case hour >= 11 && hour <= 16:
		return BucketAfternoon
	case hour >= 17 && hour <= 20:
		return BucketEvening
	default:
		return BucketNight
	}
}

// Batch is a contiguous run of messages sent to one importance-filter call.
type Batch struct {
	ID        int              `json:"batch_id"`
	Count     int              `json:"count"`
	Messages  []IndexedMessage `json:"messages"`
	Oversized bool             `json:"oversized,omitempty"`
}

func newBatch(id int, msgs []IndexedMessage) Batch {
	return Batch{ID: id, Count: len(msgs), Messages: msgs}
}

// closingPhraseRe matches messages that end with a sign-off idiom.
var closingPhraseRe = regexp.MustCompile(`(?i)(잘\s*자|잘\s*있어|굿\s*밤|굿나잇|좋은\s*꿈|내일\s*(봐|보자|연락)|이따\s*(봐|연락)|다음에\s*(봐|보자)|안녕|바이|ㅂㅂ|ㅃㅃ|들어가|수고|알겠|ㅇㅋ|오키|오케이|good\s*night|bye|see\s*you|ttyl)[가-힣]{0,5}[\s!~.?,ㅎㅋㅠㅜ^♡]*$`)

// IsClosingPhrase reports whether text reads like the end of a conversation.
func IsClosingPhrase(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	return closingPhraseRe.MatchString(text)
}

// IsSessionEnd decides whether the gap between two consecutive messages separates two
// conversation sessions. prevText is the earlier message's content.
func IsSessionEnd(prevText string, gapMinutes float64, prevHour, currHour int) bool {
	if gapMinutes <= sessionMinGapMinutes {
		return false
	}
	if gapMinutes >= sessionLongGapMinutes {
		return true
	}
	if IsClosingPhrase(prevText) {
		return true
	}
	if TimeBucketOf(prevHour) == TimeBucketOf(currHour) && gapMinutes <= sessionSameBucketGapMinutes {
		return false
	}
	return true
}

func sessionEndsBetween(prev, next IndexedMessage) bool {
	gap := next.Timestamp.Sub(prev.Timestamp).Minutes()
	return IsSessionEnd(prev.Content, gap, prev.Timestamp.Hour(), next.Timestamp.Hour())
}

// Segment splits an ordered conversation into batches. A batch closes when the gap to the
// next message is a session end, when it reaches maxSize, or at the end of input. Batches
// never straddle a session boundary and never exceed maxSize; a batch that has reached
// targetSize keeps growing until one of those closes it.
//
// Non-positive sizes fall back to the defaults. Batch IDs are 1-based.
func Segment(msgs []IndexedMessage, targetSize, maxSize int) []Batch {
	if len(msgs) == 0 {
		return nil
	}
	if targetSize <= 0 {
		targetSize = DefaultTargetBatchSize
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxBatchSize
	}
	if maxSize < targetSize {
		maxSize = targetSize
	}

	var batches []Batch
	cur := make([]IndexedMessage, 0, min(len(msgs), targetSize))
	for i, m := range msgs {
		cur = append(cur, m)
		last := i == len(msgs)-1
		if last || len(cur) >= maxSize || sessionEndsBetween(m, msgs[i+1]) {
			batches = append(batches, newBatch(len(batches)+1, cur))
			cur = make([]IndexedMessage, 0, min(len(msgs)-i-1, targetSize))
		}
	}
	return batches
}
