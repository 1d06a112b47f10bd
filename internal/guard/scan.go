package guard

import "strings"

// Scan checks proposed skill content against the active denylist and returns
// every violation found. An empty result means the content is admissible.
func (g *Guard) Scan(content string) ([]Violation, error) {
	rules, err := g.policy.Snapshot().effectiveDenyRules()
	if err != nil {
		return nil, err
	}
	return scanWith(rules, content), nil
}

func scanWith(rules []DenyRule, content string) []Violation {
	var out []Violation
	for _, rule := range rules {
		locs := rule.re.FindAllStringIndex(content, -1)
		for _, loc := range locs {
			out = append(out, Violation{
				Rule:   rule.ID,
				Line:   1 + strings.Count(content[:loc[0]], "\n"),
				Detail: strings.TrimSpace(content[loc[0]:loc[1]]),
			})
		}
	}
	return out
}
