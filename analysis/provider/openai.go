package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
)

// Request is one structured-output call to an external model.
type Request struct {
	// Name identifies the output schema ("ImportanceFilter", "DeepAnalysis", ...).
	Name        string
	Description string
	Schema      map[string]any

	Instructions    string
	Input           string
	MaxOutputTokens int64
}

// Caller is an external AI capability: prompt payload in, raw model text out.
// Callers may return malformed text; parsing and validation belong to the stage.
type Caller interface {
	Call(ctx context.Context, req Request) (string, error)
}

// OpenAIOptions configures an OpenAICaller.
type OpenAIOptions struct {
	APIKey  string
	Model   string
	BaseURL string
	// Flex routes requests to the flex service tier (cheaper, slower).
	Flex bool
}

// OpenAICaller implements Caller on the OpenAI Responses API with strict JSON-schema output.
type OpenAICaller struct {
	client *openai.Client
	model  string
	flex   bool
}

func NewOpenAICaller(opts OpenAIOptions) (*OpenAICaller, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("NewOpenAICaller: api key is empty")
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, errors.New("NewOpenAICaller: model is empty")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := openai.NewClient(reqOpts...)
	return &OpenAICaller{client: &client, model: opts.Model, flex: opts.Flex}, nil
}

func (c *OpenAICaller) Call(ctx context.Context, req Request) (string, error) {
	if c == nil || c.client == nil {
		return "", errors.New("OpenAICaller: client is nil")
	}
	if req.Schema == nil {
		return "", errors.New("OpenAICaller: request schema is nil")
	}

	maxOut := req.MaxOutputTokens
	if maxOut <= 0 {
		maxOut = 4000
	}
	desc := req.Description
	if desc == "" {
		desc = req.Name + " JSON"
	}

	format := responses.ResponseFormatTextConfigUnionParam{
		OfJSONSchema: &responses.ResponseFormatTextJSONSchemaConfigParam{
			Name:        req.Name,
			Schema:      req.Schema,
			Strict:      openai.Bool(true),
			Description: openai.String(desc),
			Type:        "json_schema",
		},
	}

	params := responses.ResponseNewParams{
		Model:           c.model,
		MaxOutputTokens: openai.Int(maxOut),
		Instructions:    openai.String(req.Instructions),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: []responses.ResponseInputItemUnionParam{
				responses.ResponseInputItemParamOfMessage(req.Input, responses.EasyInputMessageRoleUser),
			},
		},
		Text: responses.ResponseTextConfigParam{
			Format: format,
		},
	}
	if c.flex {
		params.ServiceTier = responses.ResponseNewParamsServiceTierFlex
	}

	resp, err := c.client.Responses.New(ctx, params)
	if err != nil {
		return "", err
	}
	return resp.OutputText(), nil
}

// IsRateLimitError reports whether err looks like a provider rate-limit rejection.
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "quota")
}

// GenerateSchema reflects T into a strict structured-output schema. Stage response types are
// static, so a reflection failure is a programming error and panics; see BuildSchema.
func GenerateSchema[T any]() map[string]any {
	schema, err := BuildSchema[T]()
	if err != nil {
		panic(err)
	}
	return schema
}

// BuildSchema reflects T inline (no $ref) and closes every object in the tree.
func BuildSchema[T any]() (map[string]any, error) {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties:  false,
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
	}
	var v T
	b, err := reflector.Reflect(v).MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("BuildSchema: marshal %T: %w", v, err)
	}
	var schema map[string]any
	if err := json.Unmarshal(b, &schema); err != nil {
		return nil, fmt.Errorf("BuildSchema: decode %T: %w", v, err)
	}
	delete(schema, "$schema")
	delete(schema, "$id")
	closeObjects(schema)
	return schema, nil
}

const (
	propertiesKey           = "properties"
	additionalPropertiesKey = "additionalProperties"
	typeKey                 = "type"
	requiredKey             = "required"
	itemsKey                = "items"
)

// Keys whose value is a list of sub-schemas, and keys whose value maps names to sub-schemas.
var (
	schemaListKeys = []string{"anyOf", "oneOf", "allOf", "prefixItems"}
	schemaMapKeys  = []string{propertiesKey, "$defs", "definitions"}
)

// closeObjects walks the schema tree and makes every object schema closed with all of its
// properties required, in sorted order. Strict structured outputs reject anything else.
func closeObjects(schema map[string]any) {
	if isObjectType(schema[typeKey]) {
		schema[additionalPropertiesKey] = false
		if props, ok := schema[propertiesKey].(map[string]any); ok && len(props) > 0 {
			required := make([]string, 0, len(props))
			for name := range props {
				required = append(required, name)
			}
			sort.Strings(required)
			schema[requiredKey] = required
		}
	}

	for _, key := range schemaMapKeys {
		if children, ok := schema[key].(map[string]any); ok {
			for _, child := range children {
				if m, ok := child.(map[string]any); ok {
					closeObjects(m)
				}
			}
		}
	}
	for _, key := range schemaListKeys {
		if children, ok := schema[key].([]any); ok {
			for _, child := range children {
				if m, ok := child.(map[string]any); ok {
					closeObjects(m)
				}
			}
		}
	}
	if items, ok := schema[itemsKey].(map[string]any); ok {
		closeObjects(items)
	}
	if extra, ok := schema[additionalPropertiesKey].(map[string]any); ok {
		closeObjects(extra)
	}
}

// isObjectType accepts both "object" and a type list such as ["object", "null"].
func isObjectType(t any) bool {
	switch v := t.(type) {
	case string:
		return v == "object"
	case []any:
		for _, e := range v {
			if e == "object" {
				return true
			}
		}
	}
	return false
}
