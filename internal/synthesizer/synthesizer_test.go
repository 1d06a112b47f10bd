package synthesizer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/skillforge/internal/catalog"
	"github.com/basket/skillforge/internal/guard"
	"github.com/basket/skillforge/internal/persistence"
)

// scriptedBackend returns queued drafts in order and records the feedback it
// was shown on each call.
type scriptedBackend struct {
	drafts    []catalog.SkillMD
	calls     int
	feedbacks []string
}

func (b *scriptedBackend) DraftSkill(ctx context.Context, req Request, feedback string) (catalog.SkillMD, error) {
	b.feedbacks = append(b.feedbacks, feedback)
	if b.calls >= len(b.drafts) {
		return catalog.SkillMD{}, errors.New("no more drafts")
	}
	md := b.drafts[b.calls]
	b.calls++
	return md, nil
}

type rig struct {
	store      *persistence.Store
	guard      *guard.Guard
	catalog    *catalog.Catalog
	sandboxDir string
}

func newRig(t *testing.T, level guard.Level) *rig {
	t.Helper()
	home := t.TempDir()
	store, err := persistence.Open(filepath.Join(home, "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	sandboxDir := filepath.Join(home, "skills", "sandbox")
	pol := guard.Default()
	pol.Level = level
	pol.SandboxPaths = []string{sandboxDir}
	lp := guard.NewLivePolicy(pol, filepath.Join(home, "policy.yaml"))
	g := guard.New(lp, store)

	cat, err := catalog.New(context.Background(), store, g)
	if err != nil {
		t.Fatalf("new catalog: %v", err)
	}
	return &rig{store: store, guard: g, catalog: cat, sandboxDir: sandboxDir}
}

func cleanDraft(name string) catalog.SkillMD {
	return catalog.SkillMD{
		Name:        name,
		Description: "counts the words in a text file",
		Kind:        "instruction",
		Body:        "Open the file and count whitespace-separated words.",
	}
}

func TestSynthesizeHappyPath(t *testing.T) {
	r := newRig(t, guard.LevelSkillsOnly)
	backend := &scriptedBackend{drafts: []catalog.SkillMD{cleanDraft("word-count")}}
	s := New(backend, r.guard, r.catalog, r.sandboxDir)

	desc, err := s.Synthesize(context.Background(), Request{Name: "word-count", Purpose: "count words"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if desc.Name != "word-count" || desc.Source != catalog.SourceDynamic {
		t.Fatalf("unexpected descriptor: %+v", desc)
	}
	if desc.Tier != string(guard.LevelSkillsOnly) {
		t.Fatalf("tier = %q", desc.Tier)
	}

	// SKILL.md landed in the sandbox and parses back.
	data, err := os.ReadFile(filepath.Join(r.sandboxDir, "word-count", "SKILL.md"))
	if err != nil {
		t.Fatalf("read installed SKILL.md: %v", err)
	}
	md, err := catalog.ParseSkillMD(data)
	if err != nil || md.Name != "word-count" {
		t.Fatalf("installed file unparseable: %v", err)
	}

	// One change record, the skill visible in tier 1.
	records, err := r.store.ListChanges(context.Background(), "word-count", 0)
	if err != nil || len(records) != 1 {
		t.Fatalf("change records = %d, err %v", len(records), err)
	}
	if records[0].Operation != "create" || records[0].Author != "agent" {
		t.Fatalf("unexpected record: %+v", records[0])
	}
	if len(r.catalog.ListMetadata()) != 1 {
		t.Fatal("skill missing from tier-1 snapshot")
	}
}

func TestSynthesizeRetriesWithViolationFeedback(t *testing.T) {
	r := newRig(t, guard.LevelSkillsOnly)
	bad := cleanDraft("shell-out")
	bad.Body = "Run this.\n\n```python\nimport subprocess\nsubprocess.run([\"ls\"])\n```"
	backend := &scriptedBackend{drafts: []catalog.SkillMD{bad, cleanDraft("shell-out")}}
	s := New(backend, r.guard, r.catalog, r.sandboxDir)

	desc, err := s.Synthesize(context.Background(), Request{Name: "shell-out"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if backend.calls != 2 {
		t.Fatalf("backend called %d times, want 2", backend.calls)
	}
	// The second attempt saw the first rejection.
	if backend.feedbacks[0] != "" {
		t.Fatalf("first attempt had feedback: %q", backend.feedbacks[0])
	}
	if !strings.Contains(backend.feedbacks[1], "disallowed-system-call") {
		t.Fatalf("feedback missing rule id: %q", backend.feedbacks[1])
	}
	if desc.Name != "shell-out" {
		t.Fatalf("unexpected descriptor: %+v", desc)
	}

	// The rejected draft left no change record; only the admitted one did.
	records, _ := r.store.ListChanges(context.Background(), "shell-out", 0)
	if len(records) != 1 {
		t.Fatalf("change records = %d, want 1", len(records))
	}
}

func TestSynthesizeExhaustsRetries(t *testing.T) {
	r := newRig(t, guard.LevelSkillsOnly)
	bad := cleanDraft("stubborn")
	bad.Body = "```python\nimport subprocess\n```"
	backend := &scriptedBackend{drafts: []catalog.SkillMD{bad, bad, bad}}
	s := New(backend, r.guard, r.catalog, r.sandboxDir, WithRetries(2))

	_, err := s.Synthesize(context.Background(), Request{Name: "stubborn"})
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	var verr *guard.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("want wrapped ValidationError, got %v", err)
	}
	if backend.calls != 3 {
		t.Fatalf("backend called %d times, want 3", backend.calls)
	}
	// Nothing was installed anywhere.
	if len(r.catalog.ListMetadata()) != 0 {
		t.Fatal("rejected skill reached the catalog")
	}
	if records, _ := r.store.ListChanges(context.Background(), "stubborn", 0); len(records) != 0 {
		t.Fatalf("rejected drafts left %d change records", len(records))
	}
	if _, err := os.Stat(filepath.Join(r.sandboxDir, "stubborn")); !os.IsNotExist(err) {
		t.Fatal("rejected draft touched the sandbox")
	}
}

func TestSynthesizeRefusedAtLevelNone(t *testing.T) {
	r := newRig(t, guard.LevelNone)
	backend := &scriptedBackend{drafts: []catalog.SkillMD{cleanDraft("never")}}
	s := New(backend, r.guard, r.catalog, r.sandboxDir)

	_, err := s.Synthesize(context.Background(), Request{Name: "never"})
	var perr *guard.PermissionError
	if !errors.As(err, &perr) {
		t.Fatalf("want PermissionError, got %v", err)
	}
	// Refused before drafting: the backend was never consulted.
	if backend.calls != 0 {
		t.Fatalf("backend called %d times under level none", backend.calls)
	}
}

func TestSynthesizeModifyExistingSkill(t *testing.T) {
	r := newRig(t, guard.LevelSkillsOnly)
	v1 := cleanDraft("word-count")
	v2 := cleanDraft("word-count")
	v2.Body = "Count words, then report a total and a per-line breakdown."
	backend := &scriptedBackend{drafts: []catalog.SkillMD{v1, v2}}
	s := New(backend, r.guard, r.catalog, r.sandboxDir)

	if _, err := s.Synthesize(context.Background(), Request{Name: "word-count"}); err != nil {
		t.Fatalf("first synthesize: %v", err)
	}
	desc, err := s.Synthesize(context.Background(), Request{Name: "word-count"})
	if err != nil {
		t.Fatalf("second synthesize: %v", err)
	}

	body, err := r.catalog.LoadBody(desc.Name)
	if err != nil || !strings.Contains(body, "per-line breakdown") {
		t.Fatalf("body not updated: %q, %v", body, err)
	}
	records, _ := r.store.ListChanges(context.Background(), "word-count", 0)
	if len(records) != 2 {
		t.Fatalf("change records = %d, want 2", len(records))
	}
	if records[0].Operation != "modify" || records[0].Supersedes != records[1].ID {
		t.Fatalf("modify record malformed: %+v", records[0])
	}
}
