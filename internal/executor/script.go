package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/basket/skillforge/internal/audit"
)

// scriptRunner executes script skills under /bin/sh in a dedicated workspace
// directory with a minimal environment. Invocation arguments are passed as
// ARG_* environment variables.
type scriptRunner struct {
	workspaceDir string
}

func (r *scriptRunner) run(ctx context.Context, script string, args map[string]any) (string, error) {
	if strings.TrimSpace(script) == "" {
		return "", fmt.Errorf("empty script")
	}
	if r.workspaceDir == "" {
		r.workspaceDir = "./workspace"
	}
	if err := os.MkdirAll(r.workspaceDir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}

	// Scripts run unattended inside the loop; there is no human to confirm
	// a destructive command, so destructive commands are simply refused.
	if isDestructive(script) {
		audit.Record("deny", "skill.script", "destructive command", "", "")
		return "", fmt.Errorf("destructive command refused")
	}
	if err := enforceWriteRestriction(script); err != nil {
		audit.Record("deny", "skill.script", err.Error(), "", "")
		return "", err
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-lc", script)
	cmd.Dir = r.workspaceDir
	cmd.Env = buildMinimalEnv(r.workspaceDir, args)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("script run failed: %w", err)
	}
	return out.String(), nil
}

func isDestructive(script string) bool {
	lower := strings.ToLower(script)
	for _, pattern := range []string{"rm ", "rm\t", "dd ", "mkfs", "shred "} {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

var (
	reRedirectOutside = regexp.MustCompile(`(?m)(>>|>)\s*(/|~/?|\.\.)`)
	reTeeOutside      = regexp.MustCompile(`(?m)\btee\b[^\n]*\s+(/|~/?|\.\.)`)

	// File-writing commands targeting absolute or home paths.
	reWriteCommands = []*regexp.Regexp{
		regexp.MustCompile(`(?m)\bcp\s+[^\n]*(/)`),
		regexp.MustCompile(`(?m)\bmv\s+[^\n]*(/)`),
		regexp.MustCompile(`(?m)\binstall\s+[^\n]*(/)`),
		regexp.MustCompile(`(?m)\bcurl\b[^\n]*\s+-o\s*(/|~/?)`),
		regexp.MustCompile(`(?m)\bwget\b[^\n]*\s+-o\s*(/|~/?)`),
		regexp.MustCompile(`(?m)\bdd\b[^\n]*\bof=(/|~/?)`),
	}

	// Command substitution and eval can hide arbitrary writes.
	reSubstitutionPatterns = []*regexp.Regexp{
		regexp.MustCompile("`"),
		regexp.MustCompile(`\$\(`),
		regexp.MustCompile(`(?m)\beval\s+`),
	}

	// Interpreter one-liners can perform arbitrary I/O.
	reInterpreterOneLiners = []*regexp.Regexp{
		regexp.MustCompile(`(?m)\bpython[23]?\s+-c\s`),
		regexp.MustCompile(`(?m)\bruby\s+-e\s`),
		regexp.MustCompile(`(?m)\bperl\s+-e\s`),
		regexp.MustCompile(`(?m)\bnode\s+-e\s`),
		regexp.MustCompile(`(?m)\bgo\s+run\s`),
		regexp.MustCompile(`(?m)\bphp\s+-r\s`),
		regexp.MustCompile(`(?m)\blua\s+-e\s`),
	}
)

// enforceWriteRestriction is a best-effort heuristic against scripts that
// write outside the workspace directory. It is NOT a security boundary —
// without an OS-level sandbox a determined script can bypass these checks.
// It exists to catch accidental or unsophisticated escapes before they land.
func enforceWriteRestriction(script string) error {
	lower := strings.ToLower(script)

	if reRedirectOutside.MatchString(lower) {
		return fmt.Errorf("write outside workspace denied")
	}
	if reTeeOutside.MatchString(lower) {
		return fmt.Errorf("write outside workspace denied")
	}
	if strings.Contains(lower, "../") || strings.Contains(lower, `..\\`) {
		return fmt.Errorf("path traversal outside workspace denied")
	}
	for _, pat := range reWriteCommands {
		if pat.MatchString(lower) {
			return fmt.Errorf("write outside workspace denied")
		}
	}
	for _, pat := range reSubstitutionPatterns {
		if pat.MatchString(lower) {
			return fmt.Errorf("command substitution or eval denied in script skill")
		}
	}
	for _, pat := range reInterpreterOneLiners {
		if pat.MatchString(lower) {
			return fmt.Errorf("inline interpreter execution denied in script skill")
		}
	}
	return nil
}

// buildMinimalEnv forwards only a safe allowlist of host variables. The host
// environment may hold secrets and tokens; none of those reach a script.
// Invocation args are exported as ARG_<NAME>.
func buildMinimalEnv(workspaceDir string, args map[string]any) []string {
	ws := filepath.Clean(workspaceDir)
	env := []string{
		"HOME=" + ws,
		"WORKSPACE=" + ws,
	}

	safeVars := []string{"PATH", "TERM", "LANG", "LC_ALL", "USER"}
	for _, key := range safeVars {
		if val, found := os.LookupEnv(key); found {
			env = append(env, key+"="+val)
		}
	}

	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		env = append(env, "ARG_"+envName(name)+"="+fmt.Sprintf("%v", args[name]))
	}
	return env
}

// envName maps an argument name onto a shell-safe variable name.
func envName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
