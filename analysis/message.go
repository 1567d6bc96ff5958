// Package analysis turns exported chat logs into relationship-communication insights.
//
// The pipeline segments a conversation into session-aligned batches, filters messages by
// importance with an external model, summarizes the filtered set into an index-only pattern
// summary, plans token-budgeted deep-analysis batches and merges the per-batch reports into
// one result. Every stage refers to messages only by their index in the parsed conversation.
package analysis

import (
	"fmt"
	"strings"
	"time"

	"github.com/bollarder/Maltcha-sub000/analysis/fileutils"
)

// Message is one parsed chat line. Immutable once parsed.
type Message struct {
	Timestamp   time.Time `json:"timestamp"`
	Participant string    `json:"participant"`
	Content     string    `json:"content"`
}

// IndexedMessage is a Message plus its 0-based position in the full parsed conversation.
// The index is the only identifier shared across pipeline stages.
type IndexedMessage struct {
	Index int `json:"index"`
	Message
}

// IndexMessages assigns stable 0-based indices in input order.
func IndexMessages(msgs []Message) []IndexedMessage {
	out := make([]IndexedMessage, len(msgs))
	for i, m := range msgs {
		out[i] = IndexedMessage{Index: i, Message: m}
	}
	return out
}

// ResolveIndices maps indices back to messages, dropping indices outside the conversation
// and duplicates. Output order follows the input order.
func ResolveIndices(all []IndexedMessage, indices []int) []IndexedMessage {
	if len(indices) == 0 {
		return nil
	}
	seen := make(map[int]struct{}, len(indices))
	out := make([]IndexedMessage, 0, len(indices))
	for _, idx := range indices {
		if idx < 0 || idx >= len(all) {
			continue
		}
		if _, ok := seen[idx]; ok {
			continue
		}
		seen[idx] = struct{}{}
		out = append(out, all[idx])
	}
	return out
}

// RenderLine is the single-line prompt form of a message. Token estimates are taken over this
// exact string so planning matches what is sent.
func RenderLine(m IndexedMessage) string {
	return fmt.Sprintf("[%d] %s %s: %s", m.Index, formatMessageTime(m.Timestamp), m.Participant, fileutils.SanitizeNewlines(strings.TrimSpace(m.Content)))
}

func formatMessageTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02 15:04")
}

func formatMessageDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02")
}
