package analysis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/bollarder/Maltcha-sub000/analysis/fileutils"
	"github.com/bollarder/Maltcha-sub000/analysis/provider"
)

// Importance is the filter label of a message.
type Importance string

const (
	ImportanceHigh   Importance = "HIGH"
	ImportanceMedium Importance = "MEDIUM"
	ImportanceLow    Importance = "LOW"
)

// ClassifiedMessage is an indexed message with its importance label.
type ClassifiedMessage struct {
	IndexedMessage
	Importance Importance `json:"importance"`
	Reason     string     `json:"reason,omitempty"`
}

// FilterStats counts messages per importance. Total = High + Medium + Low.
type FilterStats struct {
	Total  int `json:"total"`
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
}

// FilterResult holds the HIGH and MEDIUM messages of one batch (or of the merged
// conversation); everything else is LOW.
type FilterResult struct {
	High   []ClassifiedMessage `json:"high"`
	Medium []ClassifiedMessage `json:"medium"`
	Stats  FilterStats         `json:"stats"`
	// Degraded is set when classification failed and every message was labeled LOW.
	Degraded bool `json:"degraded,omitempty"`
}

// degradedFilterResult labels the whole batch LOW.
func degradedFilterResult(batch Batch) FilterResult {
	return FilterResult{
		High:     []ClassifiedMessage{},
		Medium:   []ClassifiedMessage{},
		Stats:    FilterStats{Total: len(batch.Messages), Low: len(batch.Messages)},
		Degraded: true,
	}
}

type filterRequest struct {
	RelationshipType string                 `json:"relationship_type"`
	UserPurpose      string                 `json:"user_purpose"`
	BatchNumber      int                    `json:"batch_number"`
	TotalBatches     int                    `json:"total_batches"`
	Messages         []filterRequestMessage `json:"messages"`
}

type filterRequestMessage struct {
	Index       int    `json:"index"`
	Time        string `json:"time"`
	Participant string `json:"participant"`
	Content     string `json:"content"`
}

type filterResponse struct {
	High   []filterResponseItem `json:"high"`
	Medium []filterResponseItem `json:"medium"`
}

type filterResponseItem struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

const maxFilterContentRunes = 1000

// Classifier is the importance-filter stage.
type Classifier struct {
	caller provider.Caller
	retry  provider.RetryPolicy
	logger zerolog.Logger
}

func NewClassifier(caller provider.Caller, retry provider.RetryPolicy, logger zerolog.Logger) *Classifier {
	return &Classifier{caller: caller, retry: retry, logger: logger}
}

// Classify labels every message of batch. The call is retried per the retry policy; when all
// attempts fail the batch degrades to all-LOW and the error is only logged. A non-nil error is
// returned only when ctx is done.
//
// The result has no duplicate indices, every index belongs to the batch, and
// Stats.Total equals the batch size.
func (c *Classifier) Classify(ctx context.Context, batch Batch, relationshipType, purpose string, batchNumber, totalBatches int) (FilterResult, error) {
	payload := filterRequest{
		RelationshipType: relationshipType,
		UserPurpose:      purpose,
		BatchNumber:      batchNumber,
		TotalBatches:     totalBatches,
		Messages:         make([]filterRequestMessage, 0, len(batch.Messages)),
	}
	for _, m := range batch.Messages {
		payload.Messages = append(payload.Messages, filterRequestMessage{
			Index:       m.Index,
			Time:        formatMessageTime(m.Timestamp),
			Participant: m.Participant,
			Content:     fileutils.Truncate(m.Content, maxFilterContentRunes),
		})
	}
	input, err := json.Marshal(payload)
	if err != nil {
		return degradedFilterResult(batch), nil
	}

	req := provider.Request{
		Name:            "ImportanceFilter",
		Description:     "HIGH and MEDIUM importance messages of one chat batch",
		Schema:          provider.GenerateSchema[filterResponse](),
		Instructions:    importanceFilterInstructions,
		Input:           string(input),
		MaxOutputTokens: 8000,
	}

	resp, err := provider.Retry(ctx, c.retry, func(ctx context.Context, attempt int) (filterResponse, error) {
		raw, err := c.caller.Call(ctx, req)
		if err != nil {
			c.logger.Warn().Err(err).Int("batch", batchNumber).Int("attempt", attempt).Msg("importance filter call failed")
			return filterResponse{}, err
		}
		var out filterResponse
		if err := decodeModelResponse("ImportanceFilter", raw, []string{"high", "medium"}, &out); err != nil {
			c.logger.Warn().Err(err).Int("batch", batchNumber).Int("attempt", attempt).Msg("importance filter response rejected")
			return filterResponse{}, err
		}
		return out, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return FilterResult{}, ctx.Err()
		}
		c.logger.Error().Err(err).Int("batch", batchNumber).Int("messages", len(batch.Messages)).Msg("importance filter degraded to all-LOW")
		return degradedFilterResult(batch), nil
	}

	return buildFilterResult(batch, resp), nil
}

// buildFilterResult keeps only indices that belong to batch. An index labeled both HIGH and
// MEDIUM stays HIGH; repeated indices keep their first occurrence.
func buildFilterResult(batch Batch, resp filterResponse) FilterResult {
	byIndex := make(map[int]IndexedMessage, len(batch.Messages))
	for _, m := range batch.Messages {
		byIndex[m.Index] = m
	}

	used := make(map[int]struct{}, len(resp.High)+len(resp.Medium))
	pick := func(items []filterResponseItem, imp Importance) []ClassifiedMessage {
		out := make([]ClassifiedMessage, 0, len(items))
		for _, it := range items {
			m, ok := byIndex[it.Index]
			if !ok {
				continue
			}
			if _, dup := used[it.Index]; dup {
				continue
			}
			used[it.Index] = struct{}{}
			out = append(out, ClassifiedMessage{IndexedMessage: m, Importance: imp, Reason: it.Reason})
		}
		return out
	}

	res := FilterResult{High: pick(resp.High, ImportanceHigh)}
	res.Medium = pick(resp.Medium, ImportanceMedium)
	res.Stats = FilterStats{
		Total:  len(batch.Messages),
		High:   len(res.High),
		Medium: len(res.Medium),
	}
	res.Stats.Low = res.Stats.Total - res.Stats.High - res.Stats.Medium
	return res
}

func (s FilterStats) String() string {
	return fmt.Sprintf("total=%d high=%d medium=%d low=%d", s.Total, s.High, s.Medium, s.Low)
}
