package guard

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/skillforge/internal/persistence"
)

type testEnv struct {
	guard   *Guard
	store   *persistence.Store
	sandbox string
}

func newTestEnv(t *testing.T, level Level, opts ...Option) *testEnv {
	t.Helper()
	dir := t.TempDir()
	sandbox := filepath.Join(dir, "sandbox")
	if err := os.MkdirAll(sandbox, 0o755); err != nil {
		t.Fatalf("mkdir sandbox: %v", err)
	}
	store, err := persistence.Open(filepath.Join(dir, "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	p := Default()
	p.Level = level
	p.SandboxPaths = []string{sandbox}
	p.ReadOnlyPaths = []string{filepath.Join(dir, "core")}
	lp := NewLivePolicy(p, "")
	return &testEnv{
		guard:   New(lp, store, opts...),
		store:   store,
		sandbox: sandbox,
	}
}

func skillMD(script string) []byte {
	return []byte("---\nname: test_skill\ndescription: A test skill\n---\n\n# Test\n\n```sh\n" + script + "\n```\n")
}

func TestParseLevelOrdering(t *testing.T) {
	for _, s := range []string{"none", "skills_only", "extensions", "full_with_approval"} {
		if _, err := ParseLevel(s); err != nil {
			t.Fatalf("ParseLevel(%q): %v", s, err)
		}
	}
	if _, err := ParseLevel("everything"); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if !(LevelNone.Rank() < LevelSkillsOnly.Rank() &&
		LevelSkillsOnly.Rank() < LevelExtensions.Rank() &&
		LevelExtensions.Rank() < LevelFullWithApproval.Rank()) {
		t.Fatal("level ordering broken")
	}
}

func TestCanWriteByLevel(t *testing.T) {
	dir := t.TempDir()
	sandbox := filepath.Join(dir, "sandbox")
	core := filepath.Join(dir, "core")
	p := Policy{
		SandboxPaths:  []string{sandbox},
		ReadOnlyPaths: []string{core},
	}

	p.Level = LevelNone
	if d := p.CanWrite(filepath.Join(sandbox, "x", "SKILL.md")); d.Allowed {
		t.Fatal("level none must deny sandbox writes")
	}

	p.Level = LevelSkillsOnly
	if d := p.CanWrite(filepath.Join(sandbox, "x", "SKILL.md")); !d.Allowed {
		t.Fatalf("sandbox write denied at skills_only: %s", d.Reason)
	}
	if d := p.CanWrite(filepath.Join(dir, "elsewhere", "f")); d.Allowed {
		t.Fatal("outside-sandbox write allowed at skills_only")
	}
	if d := p.CanWrite(filepath.Join(core, "loop.go")); d.Allowed {
		t.Fatal("read-only path writable at skills_only")
	}

	p.Level = LevelExtensions
	if d := p.CanWrite(filepath.Join(core, "loop.go")); d.Allowed {
		t.Fatal("read-only path writable at extensions")
	}

	p.Level = LevelFullWithApproval
	d := p.CanWrite(filepath.Join(dir, "elsewhere", "f"))
	if !d.Allowed || !d.RequiresApproval {
		t.Fatalf("full_with_approval: %+v", d)
	}
	if d := p.CanWrite(filepath.Join(sandbox, "x")); !d.Allowed || d.RequiresApproval {
		t.Fatalf("sandbox write should not need approval: %+v", d)
	}
	if d := p.CanWrite(filepath.Join(core, "loop.go")); !d.Allowed || !d.RequiresApproval {
		t.Fatalf("read-only path at full_with_approval must gate on approval: %+v", d)
	}
}

func TestScanFindsSystemCalls(t *testing.T) {
	env := newTestEnv(t, LevelSkillsOnly)
	content := "# skill\n\n```python\nimport subprocess\nsubprocess.run(['ls'])\n```\n"
	violations, err := env.guard.Scan(content)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(violations) == 0 {
		t.Fatal("expected violations")
	}
	found := false
	for _, v := range violations {
		if v.Rule == "disallowed-system-call" {
			found = true
			if v.Line != 4 {
				t.Fatalf("violation line = %d, want 4", v.Line)
			}
		}
	}
	if !found {
		t.Fatalf("missing disallowed-system-call rule: %+v", violations)
	}
}

func TestScanCleanContent(t *testing.T) {
	env := newTestEnv(t, LevelSkillsOnly)
	violations, err := env.guard.Scan(string(skillMD(`echo "hello"`)))
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(violations) != 0 {
		t.Fatalf("clean content flagged: %+v", violations)
	}
}

func TestScanCustomRule(t *testing.T) {
	p := Default()
	p.DenyRules = []DenyRule{{ID: "no-curl", Pattern: `\bcurl\b`}}
	rules, err := p.effectiveDenyRules()
	if err != nil {
		t.Fatalf("effectiveDenyRules: %v", err)
	}
	got := scanWith(rules, "run curl http://x")
	if len(got) != 1 || got[0].Rule != "no-curl" {
		t.Fatalf("custom rule not applied: %+v", got)
	}
}

func TestAdmitCreate(t *testing.T) {
	env := newTestEnv(t, LevelSkillsOnly)
	ctx := context.Background()
	path := filepath.Join(env.sandbox, "test_skill", "SKILL.md")

	adm, err := env.guard.Admit(ctx, Proposal{
		Skill: "test_skill", Operation: "create", Content: skillMD(`echo hi`),
		Path: path, Author: AuthorAgent,
	})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("content not written: %v", err)
	}
	changes, err := env.store.ListChanges(ctx, "test_skill", 0)
	if err != nil || len(changes) != 1 {
		t.Fatalf("change records = %d (%v), want 1", len(changes), err)
	}
	if changes[0].PriorDescriptor != "" || len(changes[0].PriorBody) != 0 {
		t.Fatal("creation must have empty prior snapshot")
	}

	if !env.guard.Redeem(adm.Token, "test_skill") {
		t.Fatal("token not redeemable")
	}
	if env.guard.Redeem(adm.Token, "test_skill") {
		t.Fatal("token redeemable twice")
	}
}

func TestAdmitLevelNone(t *testing.T) {
	env := newTestEnv(t, LevelNone)
	_, err := env.guard.Admit(context.Background(), Proposal{
		Skill: "x", Operation: "create", Content: skillMD("echo"),
		Path: filepath.Join(env.sandbox, "x", "SKILL.md"), Author: AuthorAgent,
	})
	var perm *PermissionError
	if !errors.As(err, &perm) {
		t.Fatalf("expected PermissionError, got %v", err)
	}
	n, _ := env.store.CountChanges(context.Background())
	if n != 0 {
		t.Fatalf("change records after denial: %d", n)
	}
}

func TestAdmitWriteScopeViolation(t *testing.T) {
	env := newTestEnv(t, LevelSkillsOnly)
	outside := filepath.Join(t.TempDir(), "outside", "SKILL.md")
	_, err := env.guard.Admit(context.Background(), Proposal{
		Skill: "x", Operation: "create", Content: skillMD("echo"),
		Path: outside, Author: AuthorAgent,
	})
	var perm *PermissionError
	if !errors.As(err, &perm) {
		t.Fatalf("expected PermissionError, got %v", err)
	}
	if _, statErr := os.Stat(outside); !os.IsNotExist(statErr) {
		t.Fatal("denied write reached disk")
	}
	n, _ := env.store.CountChanges(context.Background())
	if n != 0 {
		t.Fatal("write-scope violation produced a change record")
	}
}

func TestAdmitRejectionLeavesNoTrace(t *testing.T) {
	env := newTestEnv(t, LevelSkillsOnly)
	path := filepath.Join(env.sandbox, "evil", "SKILL.md")
	_, err := env.guard.Admit(context.Background(), Proposal{
		Skill: "evil", Operation: "create",
		Content: skillMD(`python -c "import subprocess; subprocess.run(['rm'])"`),
		Path:    path, Author: AuthorAgent,
	})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(verr.Violations) == 0 || verr.Violations[0].Rule != "disallowed-system-call" {
		t.Fatalf("unexpected violations: %+v", verr.Violations)
	}
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Fatal("rejected content reached disk")
	}
	n, _ := env.store.CountChanges(context.Background())
	if n != 0 {
		t.Fatal("rejection produced a change record")
	}
}

type scriptedConfirmer struct {
	answer bool
	asked  int
}

func (c *scriptedConfirmer) Confirm(_ context.Context, _ ConfirmRequest) (bool, error) {
	c.asked++
	return c.answer, nil
}

func TestAdmitRequiresApproval(t *testing.T) {
	conf := &scriptedConfirmer{answer: false}
	env := newTestEnv(t, LevelFullWithApproval, WithConfirmer(conf))
	outside := filepath.Join(t.TempDir(), "ext", "SKILL.md")

	_, err := env.guard.Admit(context.Background(), Proposal{
		Skill: "ext_skill", Operation: "create", Content: skillMD("echo"),
		Path: outside, Author: AuthorAgent,
	})
	var perm *PermissionError
	if !errors.As(err, &perm) {
		t.Fatalf("expected PermissionError after human rejection, got %v", err)
	}
	if conf.asked != 1 {
		t.Fatalf("confirmer asked %d times, want 1", conf.asked)
	}

	conf.answer = true
	if _, err := env.guard.Admit(context.Background(), Proposal{
		Skill: "ext_skill", Operation: "create", Content: skillMD("echo"),
		Path: outside, Author: AuthorAgent,
	}); err != nil {
		t.Fatalf("Admit with approval: %v", err)
	}
}

func TestRollbackModificationRestoresBytes(t *testing.T) {
	env := newTestEnv(t, LevelSkillsOnly)
	ctx := context.Background()
	dir := filepath.Join(env.sandbox, "notes")
	path := filepath.Join(dir, "SKILL.md")
	v1 := skillMD(`echo "v1"`)
	v2 := skillMD(`echo "v2"`)

	if _, err := env.guard.Admit(ctx, Proposal{
		Skill: "notes", Operation: "create", Content: v1, Path: path, Author: AuthorAgent,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	// The catalog would register the row after redeeming the token.
	if err := env.store.UpsertSkill(ctx, persistence.SkillRow{
		Name: "notes", Version: "v-1", Kind: "script", Source: "dynamic",
		Status: "active", Description: "notes skill", Dir: dir,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	adm2, err := env.guard.Admit(ctx, Proposal{
		Skill: "notes", Operation: "modify", Content: v2, Path: path, Author: AuthorAgent,
	})
	if err != nil {
		t.Fatalf("modify: %v", err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != string(v2) {
		t.Fatal("modification not applied")
	}

	if err := env.guard.Rollback(ctx, "notes", adm2.ChangeID); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	got, _ = os.ReadFile(path)
	if string(got) != string(v1) {
		t.Fatalf("rollback did not restore v1 bytes:\n%s", got)
	}
	row, err := env.store.GetSkill(ctx, "notes")
	if err != nil || row.Version != "v-1" {
		t.Fatalf("descriptor not restored: %+v (%v)", row, err)
	}
	// The rollback itself is on the ledger.
	changes, _ := env.store.ListChanges(ctx, "notes", 0)
	if len(changes) != 3 || changes[0].Operation != "rollback" {
		t.Fatalf("ledger after rollback: %+v", changes)
	}
}

func TestRollbackCreationRemovesSkill(t *testing.T) {
	env := newTestEnv(t, LevelSkillsOnly)
	ctx := context.Background()
	dir := filepath.Join(env.sandbox, "tmp_skill")
	path := filepath.Join(dir, "SKILL.md")

	adm, err := env.guard.Admit(ctx, Proposal{
		Skill: "tmp_skill", Operation: "create", Content: skillMD("echo"), Path: path, Author: AuthorAgent,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := env.store.UpsertSkill(ctx, persistence.SkillRow{
		Name: "tmp_skill", Version: "v-1", Kind: "script", Source: "dynamic",
		Status: "active", Description: "d", Dir: dir,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	var refreshed string
	env.guard.OnChange = func(skill string) { refreshed = skill }

	if err := env.guard.Rollback(ctx, "tmp_skill", adm.ChangeID); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Fatal("created skill file survived rollback")
	}
	if _, err := env.store.GetSkill(ctx, "tmp_skill"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("skill row survived rollback: %v", err)
	}
	if refreshed != "tmp_skill" {
		t.Fatalf("OnChange not invoked: %q", refreshed)
	}
}

func TestRollbackUnknownChange(t *testing.T) {
	env := newTestEnv(t, LevelSkillsOnly)
	if err := env.guard.Rollback(context.Background(), "x", "missing"); err == nil {
		t.Fatal("expected error for unknown change id")
	}
}

func TestSetLevelAgentEscalationDenied(t *testing.T) {
	env := newTestEnv(t, LevelSkillsOnly)
	ctx := context.Background()

	err := env.guard.SetLevel(ctx, LevelFullWithApproval, AuthorAgent)
	var perm *PermissionError
	if !errors.As(err, &perm) {
		t.Fatalf("expected PermissionError, got %v", err)
	}
	if env.guard.Level() != LevelSkillsOnly {
		t.Fatal("level changed despite denial")
	}

	// De-escalation by the agent is immediate.
	if err := env.guard.SetLevel(ctx, LevelNone, AuthorAgent); err != nil {
		t.Fatalf("agent de-escalation: %v", err)
	}
	if env.guard.Level() != LevelNone {
		t.Fatal("de-escalation not applied")
	}

	// Escalation by a human is allowed.
	if err := env.guard.SetLevel(ctx, LevelExtensions, AuthorHuman); err != nil {
		t.Fatalf("human escalation: %v", err)
	}
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, LevelSkillsOnly)
	ctx := context.Background()
	if _, err := env.guard.Admit(ctx, Proposal{
		Skill: "a", Operation: "create", Content: skillMD("echo"),
		Path: filepath.Join(env.sandbox, "a", "SKILL.md"), Author: AuthorAgent,
	}); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	st, err := env.guard.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Level != LevelSkillsOnly || st.ChangeCount != 1 || len(st.Recent) != 1 {
		t.Fatalf("status mismatch: %+v", st)
	}
	if st.PolicyVersion == "" {
		t.Fatal("empty policy version")
	}
}

func TestAllowHTTPURL(t *testing.T) {
	p := Policy{AllowDomains: []string{"example.com"}}
	if !p.AllowHTTPURL("https://api.example.com/data") {
		t.Fatal("allowlisted subdomain denied")
	}
	if p.AllowHTTPURL("https://evil.com/") {
		t.Fatal("non-allowlisted domain permitted")
	}
	if p.AllowHTTPURL("https://127.0.0.1/") {
		t.Fatal("loopback permitted without allow_loopback")
	}
	if p.AllowHTTPURL("ftp://example.com/") {
		t.Fatal("non-http scheme permitted")
	}
}

func TestPolicyVersionCoversDenylist(t *testing.T) {
	a := Default()
	b := Default()
	if a.PolicyVersion() != b.PolicyVersion() {
		t.Fatal("identical policies hash differently")
	}
	b.DenyRules = append(b.DenyRules, DenyRule{ID: "extra", Pattern: "x"})
	if a.PolicyVersion() == b.PolicyVersion() {
		t.Fatal("denylist change not reflected in policy version")
	}
}
