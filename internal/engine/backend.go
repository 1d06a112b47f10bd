// Package engine runs the bounded think-act-observe loop. Each iteration
// asks the backend for a structured decision, executes it, and feeds the
// observation back; the loop terminates on completion, on repeated tool
// failure, or when the iteration budget runs out.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/skillforge/internal/catalog"
	"github.com/basket/skillforge/internal/resolver"
	"github.com/basket/skillforge/internal/synthesizer"
)

// Decision actions.
const (
	ActionUseSkill   = "use_skill"
	ActionSynthesize = "synthesize_skill"
	ActionFinish     = "finish"
	ActionFail       = "fail"
)

// Turn is one entry of the in-memory session transcript.
type Turn struct {
	Role    string // "thought", "action", "observation"
	Content string
	Tool    string // set on action turns
}

// DecideRequest is what the backend sees each iteration: the task, the
// transcript so far, and the tier-1 catalog with resolver hints.
type DecideRequest struct {
	SessionID  string
	Task       string
	Iteration  int
	Transcript []Turn
	Skills     []catalog.Metadata
	Matches    []resolver.Match
}

// SkillSpec names the gap a synthesize decision wants closed.
type SkillSpec struct {
	Name    string `json:"name"`
	Purpose string `json:"purpose"`
}

// Decision is the backend's structured answer for one iteration.
type Decision struct {
	Thought  string         `json:"thought"`
	Action   string         `json:"action"`
	Skill    string         `json:"skill,omitempty"`
	Args     map[string]any `json:"args,omitempty"`
	NewSkill *SkillSpec     `json:"new_skill,omitempty"`
	Result   string         `json:"result,omitempty"`
}

// Backend is the model abstraction behind the loop. Decide picks the next
// step; DraftSkill (via the synthesizer) writes new skills.
type Backend interface {
	Decide(ctx context.Context, req DecideRequest) (Decision, error)
	synthesizer.Backend
}

// decisionSchema constrains what a raw model response must parse into.
const decisionSchema = `{
	"type": "object",
	"properties": {
		"thought": {"type": "string"},
		"action": {"type": "string", "enum": ["use_skill", "synthesize_skill", "finish", "fail"]},
		"skill": {"type": "string"},
		"args": {"type": "object"},
		"new_skill": {
			"type": "object",
			"properties": {
				"name": {"type": "string"},
				"purpose": {"type": "string"}
			},
			"required": ["name"]
		},
		"result": {"type": "string"}
	},
	"required": ["action"]
}`

var (
	decisionSchemaOnce     sync.Once
	decisionSchemaCompiled *jsonschema.Schema
	decisionSchemaErr      error
)

func compiledDecisionSchema() (*jsonschema.Schema, error) {
	decisionSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(decisionSchema))
		if err != nil {
			decisionSchemaErr = fmt.Errorf("unmarshal decision schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("decision.json", doc); err != nil {
			decisionSchemaErr = fmt.Errorf("add decision schema: %w", err)
			return
		}
		decisionSchemaCompiled, decisionSchemaErr = c.Compile("decision.json")
	})
	return decisionSchemaCompiled, decisionSchemaErr
}

// ParseDecision extracts and validates a Decision from raw model text. The
// model may wrap the JSON in prose or a fenced block.
func ParseDecision(raw string) (Decision, error) {
	jsonStr := extractJSON(raw)
	if jsonStr == "" {
		return Decision{}, fmt.Errorf("response contains no JSON object")
	}

	schema, err := compiledDecisionSchema()
	if err != nil {
		return Decision{}, err
	}
	// jsonschema's own decoder for correct number handling.
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonStr))
	if err != nil {
		return Decision{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(parsed); err != nil {
		return Decision{}, fmt.Errorf("decision does not match schema: %w", err)
	}

	var dec Decision
	if err := json.Unmarshal([]byte(jsonStr), &dec); err != nil {
		return Decision{}, fmt.Errorf("decode decision: %w", err)
	}
	return dec, nil
}

// extractJSON finds a JSON object in the response text: fenced json block
// first, then a generic fence, then the first balanced object.
func extractJSON(text string) string {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + 7
		if start < len(text) && text[start] == '\n' {
			start++
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if candidate != "" {
				return candidate
			}
		}
	}

	if idx := strings.Index(text, "```\n"); idx >= 0 {
		start := idx + 4
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if isJSON(candidate) {
				return candidate
			}
		}
	}

	for i := 0; i < len(text); i++ {
		if text[i] == '{' {
			candidate := extractBalanced(text[i:])
			if candidate != "" && isJSON(candidate) {
				return candidate
			}
		}
	}
	return ""
}

func isJSON(s string) bool {
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

// extractBalanced extracts a balanced JSON object from the start of s,
// skipping braces inside string literals.
func extractBalanced(s string) string {
	if len(s) == 0 || s[0] != '{' {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch ch {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}
