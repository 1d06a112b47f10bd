package guard

import (
	"fmt"
	"hash/fnv"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Level is the protection level governing what the agent may modify.
// Levels are ordered: raising one widens the agent's write scope.
type Level string

const (
	LevelNone             Level = "none"
	LevelSkillsOnly       Level = "skills_only"
	LevelExtensions       Level = "extensions"
	LevelFullWithApproval Level = "full_with_approval"
)

var levelRank = map[Level]int{
	LevelNone:             0,
	LevelSkillsOnly:       1,
	LevelExtensions:       2,
	LevelFullWithApproval: 3,
}

// ParseLevel validates a level string.
func ParseLevel(s string) (Level, error) {
	l := Level(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := levelRank[l]; !ok {
		return "", fmt.Errorf("unknown protection level %q", s)
	}
	return l, nil
}

// Rank returns the ordering position of the level. Unknown levels rank lowest.
func (l Level) Rank() int {
	return levelRank[l]
}

// DenyRule is one entry of the versioned denylist. Pattern is a regular
// expression matched against proposed skill content.
type DenyRule struct {
	ID      string `yaml:"id"`
	Pattern string `yaml:"pattern"`
	Note    string `yaml:"note,omitempty"`

	re *regexp.Regexp
}

// Policy is the serializable protection policy.
type Policy struct {
	Level Level `yaml:"level"`

	// ReadOnlyPaths are never writable by the agent at any level.
	ReadOnlyPaths []string `yaml:"read_only_paths"`
	// SandboxPaths are writable from skills_only upward. Dynamic skills
	// live here.
	SandboxPaths []string `yaml:"sandbox_paths"`
	// ExtensionPaths become writable at the extensions level.
	ExtensionPaths []string `yaml:"extension_paths"`

	// AllowDomains is the network allowlist for skill-originated HTTP.
	AllowDomains  []string `yaml:"allow_domains"`
	AllowLoopback bool     `yaml:"allow_loopback"`

	// DenyRules extend (or with replace_deny_rules, replace) the built-in
	// denylist.
	DenyRules        []DenyRule `yaml:"deny_rules"`
	ReplaceDenyRules bool       `yaml:"replace_deny_rules"`
}

// defaultDenyRules is the built-in denylist. Rule IDs are part of the
// violation contract surfaced to callers and the audit trail.
func defaultDenyRules() []DenyRule {
	return []DenyRule{
		{
			ID:      "disallowed-system-call",
			Pattern: `(?m)(\bos\.system\s*\(|\bsubprocess\b|\bsyscall\.|\bexecve?\s*\(|\bfork\s*\(|\bos\.popen\s*\()`,
			Note:    "direct process or system-call access",
		},
		{
			ID:      "dynamic-eval",
			Pattern: `(?m)(\beval\s*\(|\bexec\s*\(|__import__\s*\(|\bimportlib\b)`,
			Note:    "runtime code evaluation",
		},
		{
			ID:      "write-outside-sandbox",
			Pattern: `(?m)(>\s*/etc/|\brm\s+-rf\s+/|\bopen\s*\(\s*["']/(etc|usr|bin|var)/)`,
			Note:    "writes targeting paths outside the sandbox",
		},
		{
			ID:      "network-not-allowlisted",
			Pattern: `(?m)(\bsocket\s*\(|\bsocket\.socket\b|\bnc\s+-l)`,
			Note:    "raw network access bypassing the fetch allowlist",
		},
		{
			ID:      "guard-tampering",
			Pattern: `(?m)(policy\.yaml|protection_level|change_records|skillforge\.db)`,
			Note:    "references to guard configuration or its ledger",
		},
	}
}

// Default returns the policy used when no policy file exists.
func Default() Policy {
	return Policy{
		Level:     LevelSkillsOnly,
		DenyRules: nil,
	}
}

// Load reads and validates the policy file. A missing file yields Default().
func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if p.Level == "" {
		p.Level = LevelSkillsOnly
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) validate() error {
	if _, err := ParseLevel(string(p.Level)); err != nil {
		return err
	}
	for _, rule := range p.DenyRules {
		if strings.TrimSpace(rule.ID) == "" {
			return fmt.Errorf("deny rule with empty id")
		}
		if _, err := regexp.Compile(rule.Pattern); err != nil {
			return fmt.Errorf("deny rule %q: bad pattern: %w", rule.ID, err)
		}
	}
	return nil
}

// effectiveDenyRules compiles the active denylist: built-ins plus the
// policy's extensions, unless the policy replaces them outright.
func (p Policy) effectiveDenyRules() ([]DenyRule, error) {
	var rules []DenyRule
	if !p.ReplaceDenyRules {
		rules = defaultDenyRules()
	}
	rules = append(rules, p.DenyRules...)
	for i := range rules {
		re, err := regexp.Compile(rules[i].Pattern)
		if err != nil {
			return nil, fmt.Errorf("deny rule %q: %w", rules[i].ID, err)
		}
		rules[i].re = re
	}
	return rules, nil
}

// AllowHTTPURL reports whether skill-originated HTTP may reach the URL.
// Loopback, private and link-local hosts are always blocked unless
// allow_loopback is set.
func (p Policy) AllowHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return false
	}
	scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
	if scheme != "http" && scheme != "https" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if isBlockedHost(host, p.AllowLoopback) {
		return false
	}
	for _, domain := range p.AllowDomains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain == "" {
			continue
		}
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

func isBlockedHost(host string, allowLoopback bool) bool {
	if host == "localhost" {
		return !allowLoopback
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return false // Not an IP address (e.g. a hostname).
	}
	if allowLoopback && ip.IsLoopback() {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

// WriteDecision is the outcome of a write-scope check.
type WriteDecision struct {
	Allowed          bool
	RequiresApproval bool
	Reason           string
}

// CanWrite decides whether the agent may write the given path at the current
// level. ReadOnlyPaths reject flatly below full_with_approval; at
// full_with_approval they stay writable behind explicit human approval.
func (p Policy) CanWrite(path string) WriteDecision {
	abs, err := filepath.Abs(path)
	if err != nil {
		return WriteDecision{Reason: fmt.Sprintf("unresolvable path: %v", err)}
	}
	if pathWithinAny(abs, p.ReadOnlyPaths) {
		if p.Level == LevelFullWithApproval {
			return WriteDecision{Allowed: true, RequiresApproval: true, Reason: "path is read-only"}
		}
		return WriteDecision{Reason: "path is read-only"}
	}
	switch p.Level {
	case LevelNone:
		return WriteDecision{Reason: "protection level none forbids all modifications"}
	case LevelSkillsOnly:
		if pathWithinAny(abs, p.SandboxPaths) {
			return WriteDecision{Allowed: true}
		}
		return WriteDecision{Reason: "path outside skill sandbox"}
	case LevelExtensions:
		if pathWithinAny(abs, p.SandboxPaths) || pathWithinAny(abs, p.ExtensionPaths) {
			return WriteDecision{Allowed: true}
		}
		return WriteDecision{Reason: "path outside sandbox and extension trees"}
	case LevelFullWithApproval:
		if pathWithinAny(abs, p.SandboxPaths) {
			return WriteDecision{Allowed: true}
		}
		return WriteDecision{Allowed: true, RequiresApproval: true}
	default:
		return WriteDecision{Reason: fmt.Sprintf("unknown level %q", p.Level)}
	}
}

func pathWithinAny(abs string, prefixes []string) bool {
	for _, prefix := range prefixes {
		prefix = strings.TrimSpace(prefix)
		if prefix == "" {
			continue
		}
		prefixAbs, err := filepath.Abs(prefix)
		if err != nil {
			continue
		}
		if abs == prefixAbs || strings.HasPrefix(abs, prefixAbs+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// PolicyVersion is a stable hash of everything that shapes decisions,
// including the denylist. Recorded on every audit entry.
func (p Policy) PolicyVersion() string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(string(p.Level) + "|"))
	for _, v := range p.ReadOnlyPaths {
		_, _ = h.Write([]byte("ro:" + v + "|"))
	}
	for _, v := range p.SandboxPaths {
		_, _ = h.Write([]byte("sb:" + v + "|"))
	}
	for _, v := range p.ExtensionPaths {
		_, _ = h.Write([]byte("ext:" + v + "|"))
	}
	for _, v := range p.AllowDomains {
		_, _ = h.Write([]byte("dom:" + strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	if p.AllowLoopback {
		_, _ = h.Write([]byte("allow_loopback|"))
	}
	if p.ReplaceDenyRules {
		_, _ = h.Write([]byte("replace_deny|"))
	}
	for _, r := range p.DenyRules {
		_, _ = h.Write([]byte("deny:" + r.ID + "=" + r.Pattern + "|"))
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}

// LivePolicy wraps a Policy with thread-safe mutation and persistence.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
	path string // file path for persistence; empty = no persistence
}

// NewLivePolicy creates a LivePolicy from an initial Policy snapshot.
// If path is non-empty, mutations are persisted to that file.
func NewLivePolicy(initial Policy, path string) *LivePolicy {
	return &LivePolicy{data: initial, path: path}
}

// Level returns the current protection level.
func (lp *LivePolicy) Level() Level {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.Level
}

// AllowHTTPURL is the thread-safe check used at runtime.
func (lp *LivePolicy) AllowHTTPURL(raw string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.AllowHTTPURL(raw)
}

// CanWrite is the thread-safe write-scope check used at runtime.
func (lp *LivePolicy) CanWrite(path string) WriteDecision {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.CanWrite(path)
}

// PolicyVersion is the thread-safe version hash.
func (lp *LivePolicy) PolicyVersion() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.PolicyVersion()
}

// setLevel mutates the level and persists. Authorization is the Guard's job.
func (lp *LivePolicy) setLevel(level Level) error {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data.Level = level
	return lp.persist()
}

// Reload replaces the policy data from a fresh Policy snapshot.
func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

// Snapshot returns a copy of the current policy data.
func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	cp := lp.data
	cp.ReadOnlyPaths = append([]string(nil), lp.data.ReadOnlyPaths...)
	cp.SandboxPaths = append([]string(nil), lp.data.SandboxPaths...)
	cp.ExtensionPaths = append([]string(nil), lp.data.ExtensionPaths...)
	cp.AllowDomains = append([]string(nil), lp.data.AllowDomains...)
	cp.DenyRules = append([]DenyRule(nil), lp.data.DenyRules...)
	return cp
}

// ReloadFromFile updates the live policy only when the incoming file parses
// and validates. On error, the previous policy remains active.
func ReloadFromFile(lp *LivePolicy, path string) error {
	if lp == nil {
		return fmt.Errorf("nil live policy")
	}
	p, err := Load(path)
	if err != nil {
		return err
	}
	lp.Reload(p)
	return nil
}

func (lp *LivePolicy) persist() error {
	if lp.path == "" {
		return nil
	}
	out, err := yaml.Marshal(&lp.data)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	return os.WriteFile(lp.path, out, 0o644)
}
