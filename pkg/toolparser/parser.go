// Package toolparser recognizes MiniMax-style XML tool-call framing
// embedded in model output, strips <think>...</think> reasoning blocks, and
// emits typed content/tool-call deltas suitable for OpenAI SSE chunks.
//
// Grounded on the MiniMax M2.5 XML tool-call parser this control plane was
// distilled from: the same sentinel strings, the same safe-suffix lookback
// to avoid emitting a partial tag as content, and the same state machine
// (CONTENT / THINKING / IN_TOOL_CALL / DONE).
package toolparser

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

var (
	toolCallBlockRE = regexp.MustCompile(`(?s)<minimax:tool_call>(.*?)</minimax:tool_call>`)
	invokeRE        = regexp.MustCompile(`(?s)<invoke\s+name="?([^">]+)"?\s*>(.*?)</invoke>`)
	paramRE         = regexp.MustCompile(`(?s)<parameter\s+name="?([^">]+)"?\s*>(.*?)</parameter>`)
	thinkRE         = regexp.MustCompile(`(?s)<think>.*?</think>`)
)

const (
	toolCallOpen  = "<minimax:tool_call>"
	toolCallClose = "</minimax:tool_call>"
	thinkOpen     = "<think>"
	thinkClose    = "</think>"
)

// ToolDef is the minimal shape of a caller-declared tool needed for
// parameter type coercion: {type:"function", function:{name, parameters}}.
type ToolDef struct {
	Type     string      `json:"type"`
	Function ToolFuncDef `json:"function"`
}

// ToolFuncDef carries the function name and its JSON-schema parameters.
type ToolFuncDef struct {
	Name       string          `json:"name"`
	Parameters json.RawMessage `json:"parameters"`
}

// ParamSchema is the subset of JSON-schema needed for value coercion.
type ParamSchema struct {
	Type  string        `json:"type,omitempty"`
	AnyOf []ParamSchema `json:"anyOf,omitempty"`
	OneOf []ParamSchema `json:"oneOf,omitempty"`
}

// ParsedToolCall is a single parsed tool call in OpenAI format.
type ParsedToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON string
	// Valid reports whether Arguments validates against the tool's declared
	// input_schema. True when the tool declared no schema at all.
	Valid bool
}

// ParsedOutput is the result of parsing complete (non-streaming) model output.
type ParsedOutput struct {
	Content      *string
	ToolCalls    []ParsedToolCall
	HasToolCalls bool
}

// generateCallID mirrors the MiniMax convention of a "call_" prefix
// followed by the first 24 hex characters of a v4 UUID.
func generateCallID() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if len(id) > 24 {
		id = id[:24]
	}
	return "call_" + id
}

// StripThinking removes <think>...</think> blocks, including the M2.5
// streaming quirk where the opening tag is missing but the closing tag
// still appears.
func StripThinking(text string) string {
	text = thinkRE.ReplaceAllString(text, "")
	if idx := strings.Index(text, thinkClose); idx >= 0 {
		text = text[idx+len(thinkClose):]
	}
	return strings.TrimSpace(text)
}

func findFunctionSchema(tools []ToolDef, funcName string) *ToolFuncDef {
	for i := range tools {
		if tools[i].Function.Name == funcName {
			return &tools[i].Function
		}
	}
	return nil
}

func getParamSchema(tools []ToolDef, funcName, paramName string) *ParamSchema {
	fn := findFunctionSchema(tools, funcName)
	if fn == nil || len(fn.Parameters) == 0 {
		return nil
	}
	var params struct {
		Properties map[string]ParamSchema `json:"properties"`
	}
	if err := json.Unmarshal(fn.Parameters, &params); err != nil {
		return nil
	}
	if s, ok := params.Properties[paramName]; ok {
		return &s
	}
	return nil
}

// ConvertParamValue converts a raw string parameter value to a typed Go
// value per the declared JSON-schema type (string/integer/number/boolean/
// null/object/array), trying anyOf/oneOf variants in order when no direct
// type is given.
func ConvertParamValue(value string, schema *ParamSchema) any {
	value = strings.TrimSpace(value)
	if schema == nil {
		return tryJSONParse(value)
	}
	if schema.Type == "" {
		for _, variants := range [][]ParamSchema{schema.AnyOf, schema.OneOf} {
			if len(variants) == 0 {
				continue
			}
			for _, variant := range variants {
				if variant.Type == "" {
					continue
				}
				if v, ok := convertByType(value, variant.Type); ok {
					return v
				}
			}
			return value
		}
		return tryJSONParse(value)
	}
	if v, ok := convertByType(value, schema.Type); ok {
		return v
	}
	return tryJSONParse(value)
}

func convertByType(value, typeName string) (any, bool) {
	switch typeName {
	case "string":
		return value, true
	case "integer":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, false
		}
		return n, true
	case "number":
		n, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, false
		}
		return n, true
	case "boolean":
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true, true
		case "false", "0", "no":
			return false, true
		}
		return nil, false
	case "null":
		return nil, true
	case "object", "array":
		var v any
		if err := json.Unmarshal([]byte(value), &v); err != nil {
			return nil, false
		}
		return v, true
	default:
		return tryJSONParse(value), true
	}
}

func tryJSONParse(value string) any {
	var v any
	if err := json.Unmarshal([]byte(value), &v); err != nil {
		return value
	}
	return v
}

func trimQuotes(s string) string {
	return strings.Trim(strings.TrimSpace(s), `"`)
}

// schemaCache holds compiled input_schema validators keyed by function name
// plus the raw schema bytes, so a stream re-emitting many calls against the
// same tool compiles the schema once.
var schemaCache sync.Map // map[string]*jsonschema.Schema

func compiledSchema(funcName string, schemaBytes []byte) *jsonschema.Schema {
	key := funcName + "\x00" + string(schemaBytes)
	if v, ok := schemaCache.Load(key); ok {
		return v.(*jsonschema.Schema)
	}

	var doc any
	if err := json.Unmarshal(schemaBytes, &doc); err != nil {
		return nil
	}
	c := jsonschema.NewCompiler()
	url := "mem://" + funcName
	if err := c.AddResource(url, doc); err != nil {
		return nil
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil
	}
	schemaCache.Store(key, s)
	return s
}

// validateArgs reports whether params validates against funcName's declared
// input_schema. A tool with no schema (or an unparsable one) is treated as
// vacuously valid: the parser's job is to extract calls, not reject them.
func validateArgs(tools []ToolDef, funcName string, argsJSON []byte) bool {
	fn := findFunctionSchema(tools, funcName)
	if fn == nil || len(fn.Parameters) == 0 {
		return true
	}
	s := compiledSchema(funcName, fn.Parameters)
	if s == nil {
		return true
	}
	var instance any
	if err := json.Unmarshal(argsJSON, &instance); err != nil {
		return true
	}
	return s.Validate(instance) == nil
}

// ParseToolCalls parses tool calls out of a complete model output string
// (non-streaming path).
func ParseToolCalls(text string, tools []ToolDef) ParsedOutput {
	text = StripThinking(text)

	loc := toolCallBlockRE.FindStringIndex(text)
	if loc == nil {
		out := ParsedOutput{HasToolCalls: false}
		if text != "" {
			out.Content = &text
		}
		return out
	}

	contentBefore := strings.TrimSpace(text[:loc[0]])

	var calls []ParsedToolCall
	for _, block := range toolCallBlockRE.FindAllStringSubmatch(text, -1) {
		blockContent := block[1]
		for _, invoke := range invokeRE.FindAllStringSubmatch(blockContent, -1) {
			funcName := trimQuotes(invoke[1])
			invokeBody := invoke[2]

			params := map[string]any{}
			for _, p := range paramRE.FindAllStringSubmatch(invokeBody, -1) {
				paramName := trimQuotes(p[1])
				schema := getParamSchema(tools, funcName, paramName)
				params[paramName] = ConvertParamValue(p[2], schema)
			}
			argsJSON, _ := json.Marshal(params)
			calls = append(calls, ParsedToolCall{
				ID:        generateCallID(),
				Name:      funcName,
				Arguments: string(argsJSON),
				Valid:     validateArgs(tools, funcName, argsJSON),
			})
		}
	}

	if len(calls) == 0 {
		return ParsedOutput{Content: &text, HasToolCalls: false}
	}

	out := ParsedOutput{ToolCalls: calls, HasToolCalls: true}
	if contentBefore != "" {
		out.Content = &contentBefore
	}
	return out
}

// RenderToolCalls is the inverse of ParseToolCalls' tool-call extraction: it
// serializes calls back into the <minimax:tool_call> XML framing the parser
// recognizes, one <invoke> per call inside a single wrapping block.
//
// ID is not part of the wire format — the parser mints a fresh generateCallID
// on every parse rather than reading one back off the text — so
// ParseToolCalls(RenderToolCalls(x)) reproduces Name/Arguments/Valid but not
// ID. Arguments must be a JSON object (ConvertParamValue never produces a
// bare top-level scalar), matching what ParseToolCalls itself always builds.
func RenderToolCalls(calls []ParsedToolCall) string {
	if len(calls) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(toolCallOpen)
	for _, call := range calls {
		var args map[string]any
		_ = json.Unmarshal([]byte(call.Arguments), &args)

		names := make([]string, 0, len(args))
		for name := range args {
			names = append(names, name)
		}
		sort.Strings(names)

		fmt.Fprintf(&sb, `<invoke name="%s">`, call.Name)
		for _, name := range names {
			fmt.Fprintf(&sb, `<parameter name="%s">%s</parameter>`, name, renderParamValue(args[name]))
		}
		sb.WriteString("</invoke>")
	}
	sb.WriteString(toolCallClose)
	return sb.String()
}

// renderParamValue renders a decoded argument value back to the plain-text
// form ConvertParamValue expects on the way back in: strings pass through
// unquoted, everything else round-trips through JSON.
func renderParamValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		if val {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
