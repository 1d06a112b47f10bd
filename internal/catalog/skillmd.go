package catalog

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// maxSkillMDSize is the maximum allowed size for a SKILL.md file (1 MiB).
const maxSkillMDSize = 1 << 20

// SkillMD is a parsed SKILL.md: YAML frontmatter plus markdown body.
// The frontmatter is the tier-1 surface; the body is tier 2; files listed
// under resources are tier 3.
type SkillMD struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Kind        string         `yaml:"kind,omitempty"` // instruction (default), script, wasm
	Resources   []string       `yaml:"resources,omitempty"`
	Params      map[string]any `yaml:"params,omitempty"` // JSON Schema for invocation args

	// Parsed from the markdown body, not from YAML.
	Body   string `yaml:"-"`
	Script string `yaml:"-"` // first fenced code block, for script skills
}

// ParseSkillMD parses a SKILL.md document. The frontmatter block is
// mandatory; name and description are required fields.
func ParseSkillMD(data []byte) (SkillMD, error) {
	if len(data) > maxSkillMDSize {
		return SkillMD{}, fmt.Errorf("SKILL.md too large: %d bytes (max %d)", len(data), maxSkillMDSize)
	}
	yamlBytes, body, err := extractFrontmatter(data)
	if err != nil {
		return SkillMD{}, err
	}
	if len(yamlBytes) == 0 {
		return SkillMD{}, fmt.Errorf("missing frontmatter")
	}

	var md SkillMD
	if err := yaml.Unmarshal(yamlBytes, &md); err != nil {
		return SkillMD{}, fmt.Errorf("parse frontmatter yaml: %w", err)
	}
	md.Name = strings.TrimSpace(md.Name)
	md.Description = strings.TrimSpace(md.Description)
	md.Body = strings.TrimSpace(body)
	if md.Name == "" {
		return SkillMD{}, fmt.Errorf("missing skill name")
	}
	if md.Description == "" {
		return SkillMD{}, fmt.Errorf("missing skill description")
	}
	if md.Kind == "" {
		md.Kind = "instruction"
	}
	if script, ok := extractFencedScript(md.Body); ok {
		md.Script = script
	}
	return md, nil
}

// Serialize renders the SkillMD back to frontmatter + body form. Used by the
// synthesizer to produce the content submitted to the guard.
func (md SkillMD) Serialize() ([]byte, error) {
	fm, err := yaml.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("marshal frontmatter: %w", err)
	}
	var b strings.Builder
	b.WriteString("---\n")
	b.Write(fm)
	b.WriteString("---\n\n")
	b.WriteString(md.Body)
	b.WriteString("\n")
	return []byte(b.String()), nil
}

func extractFrontmatter(data []byte) (yamlBytes []byte, markdownBody string, err error) {
	// Canonical YAML frontmatter block:
	// - first line is `---`
	// - second `---` line terminates the block
	// Anything after the terminating delimiter is markdown body.
	s := string(data)
	if s == "" {
		return nil, "", nil
	}

	firstLineEnd := strings.IndexByte(s, '\n')
	firstLine := s
	restStart := len(s)
	if firstLineEnd >= 0 {
		firstLine = s[:firstLineEnd]
		restStart = firstLineEnd + 1
	}
	firstLine = strings.TrimSpace(strings.TrimSuffix(firstLine, "\r"))
	if firstLine != "---" {
		return nil, "", nil
	}

	i := restStart
	for {
		if i > len(s) {
			break
		}
		nextNL := strings.IndexByte(s[i:], '\n')
		line := ""
		next := len(s)
		if nextNL >= 0 {
			line = s[i : i+nextNL]
			next = i + nextNL + 1
		} else {
			line = s[i:]
			next = len(s)
		}
		trimmed := strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		if trimmed == "---" {
			return []byte(s[restStart:i]), s[next:], nil
		}
		if next == len(s) {
			break
		}
		i = next
	}

	return nil, "", fmt.Errorf("unclosed frontmatter: opening --- found but no closing ---")
}

var fencedRe = regexp.MustCompile("(?s)```\\w*\\s*(.*?)```")

// ExtractScript returns the first fenced code block of a skill body.
func ExtractScript(body string) (string, bool) {
	return extractFencedScript(body)
}

func extractFencedScript(body string) (string, bool) {
	m := fencedRe.FindStringSubmatch(body)
	if len(m) != 2 {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}
