package analysis

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bollarder/Maltcha-sub000/analysis/fileutils"
)

var (
	ErrMissingContent  = errors.New("chat content is required")
	ErrMissingPurpose  = errors.New("user purpose is required")
	ErrNoMessages      = errors.New("no messages recognized in chat export")
	ErrNoHighMessages  = errors.New("no high-importance messages to analyze")
	ErrNoResults       = errors.New("no deep analysis results to aggregate")
	ErrBudgetTooSmall  = errors.New("token budget does not cover fixed prompt overhead")
	ErrBudgetViolation = errors.New("planned batch exceeds token budget")
	ErrStagePanic      = errors.New("pipeline stage panicked")
)

// ParseError is a model response that could not be decoded into the stage's schema.
type ParseError struct {
	Stage  string
	Reason string
	// Raw is a bounded prefix of the response text.
	Raw string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: unparseable model response: %s", e.Stage, e.Reason)
}

// decodeModelResponse decodes raw model text into v and checks that every required
// top-level key is present.
func decodeModelResponse(stage, raw string, required []string, v any) error {
	var top map[string]json.RawMessage
	if err := fileutils.DecodeModelJSON(raw, &top); err != nil {
		return &ParseError{Stage: stage, Reason: err.Error(), Raw: fileutils.Truncate(raw, 300)}
	}
	for _, k := range required {
		val, ok := top[k]
		if !ok || string(val) == "null" {
			return &ParseError{Stage: stage, Reason: fmt.Sprintf("missing %q", k), Raw: fileutils.Truncate(raw, 300)}
		}
	}
	if err := fileutils.DecodeModelJSON(raw, v); err != nil {
		return &ParseError{Stage: stage, Reason: err.Error(), Raw: fileutils.Truncate(raw, 300)}
	}
	return nil
}
