package orchestrator

import (
	"encoding/json"
	"strings"
)

const (
	toolCallOpen  = "<tool_call>"
	toolCallClose = "</tool_call>"
)

// ToolCall is one tool invocation proposed by a model
type ToolCall struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// ToolCallParser extracts tool calls from a model reply and returns the
// reply with the calls removed
type ToolCallParser interface {
	Parse(reply string) (visible string, calls []ToolCall)
}

// TagParser reads calls written as
//
//	<tool_call>
//	{"name": "read_file", "args": {"path": "main.go"}}
//	</tool_call>
//
// Blocks with malformed JSON are dropped from the text without producing a
// call. An opening tag with no closing tag is left as text.
type TagParser struct{}

var _ ToolCallParser = TagParser{}

func (TagParser) Parse(reply string) (string, []ToolCall) {
	var (
		visible strings.Builder
		calls   []ToolCall
		rest    = reply
	)
	for {
		start := strings.Index(rest, toolCallOpen)
		if start < 0 {
			break
		}
		end := strings.Index(rest[start+len(toolCallOpen):], toolCallClose)
		if end < 0 {
			break
		}
		body := rest[start+len(toolCallOpen) : start+len(toolCallOpen)+end]
		visible.WriteString(rest[:start])
		rest = rest[start+len(toolCallOpen)+end+len(toolCallClose):]

		var call ToolCall
		if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &call); err != nil || call.Name == "" {
			continue
		}
		if call.Args == nil {
			call.Args = map[string]interface{}{}
		}
		calls = append(calls, call)
	}
	visible.WriteString(rest)
	return strings.TrimSpace(visible.String()), calls
}
