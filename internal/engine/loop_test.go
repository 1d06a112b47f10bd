package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/skillforge/internal/catalog"
	"github.com/basket/skillforge/internal/executor"
	"github.com/basket/skillforge/internal/guard"
	"github.com/basket/skillforge/internal/persistence"
	"github.com/basket/skillforge/internal/synthesizer"
)

// scriptedBackend replays queued decisions and skill drafts in order.
type scriptedBackend struct {
	decisions []Decision
	drafts    []catalog.SkillMD

	decideCalls int
	draftCalls  int

	// onDecide, when set, runs before each decision is returned.
	onDecide func(iteration int)
}

func (b *scriptedBackend) Decide(ctx context.Context, req DecideRequest) (Decision, error) {
	if b.onDecide != nil {
		b.onDecide(req.Iteration)
	}
	if b.decideCalls >= len(b.decisions) {
		return Decision{}, errors.New("no more scripted decisions")
	}
	dec := b.decisions[b.decideCalls]
	b.decideCalls++
	return dec, nil
}

func (b *scriptedBackend) DraftSkill(ctx context.Context, req synthesizer.Request, feedback string) (catalog.SkillMD, error) {
	if b.draftCalls >= len(b.drafts) {
		return catalog.SkillMD{}, errors.New("no more scripted drafts")
	}
	md := b.drafts[b.draftCalls]
	b.draftCalls++
	return md, nil
}

type loopRig struct {
	store   *persistence.Store
	guard   *guard.Guard
	catalog *catalog.Catalog
	exec    *executor.Executor
	synth   *synthesizer.Synthesizer
	backend *scriptedBackend
	loop    *Loop
}

func newLoopRig(t *testing.T, level guard.Level, backend *scriptedBackend, cfg LoopConfig) *loopRig {
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

	exec := executor.New(cat, filepath.Join(home, "workspace"))
	synth := synthesizer.New(backend, g, cat, sandboxDir)

	cfg.Backend = backend
	cfg.Catalog = cat
	cfg.Executor = exec
	cfg.Synthesizer = synth
	cfg.Store = store

	return &loopRig{
		store:   store,
		guard:   g,
		catalog: cat,
		exec:    exec,
		synth:   synth,
		backend: backend,
		loop:    NewLoop(cfg),
	}
}

// addEcho registers a builtin whose handler fails whenever args carry
// mode=fail, so scripted decisions can steer success and failure.
func (r *loopRig) addEcho(t *testing.T) {
	t.Helper()
	err := r.catalog.RegisterBuiltin(context.Background(), catalog.Descriptor{
		Name:        "echo",
		Description: "repeats its input back",
		Kind:        catalog.KindBuiltin,
	})
	if err != nil {
		t.Fatalf("register echo: %v", err)
	}
	r.exec.RegisterHandler("echo", func(ctx context.Context, args map[string]any) executor.Result {
		if mode, _ := args["mode"].(string); mode == "fail" {
			return executor.Result{Status: "error", Fault: executor.ReasonToolError, Message: "echo broke"}
		}
		return executor.Result{Status: "ok", Message: "echoed", Data: map[string]any{"text": args["text"]}}
	})
}

func useEcho(mode string) Decision {
	return Decision{
		Thought: "use the echo skill",
		Action:  ActionUseSkill,
		Skill:   "echo",
		Args:    map[string]any{"text": "hi", "mode": mode},
	}
}

func TestRunResolveAndExecute(t *testing.T) {
	backend := &scriptedBackend{decisions: []Decision{
		useEcho("ok"),
		{Action: ActionFinish, Result: "echoed hi"},
	}}
	r := newLoopRig(t, guard.LevelSkillsOnly, backend, LoopConfig{})
	r.addEcho(t)

	out, err := r.loop.Run(context.Background(), "echo hi back to me")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Status != StatusDone || out.Iterations != 2 || out.Result != "echoed hi" {
		t.Fatalf("unexpected outcome: %+v", out)
	}

	sess, err := r.store.GetSession(context.Background(), out.SessionID)
	if err != nil || sess.Status != StatusDone {
		t.Fatalf("session row: %+v, err %v", sess, err)
	}
	turns, err := r.store.ListTurns(context.Background(), out.SessionID)
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	var roles []string
	for _, turn := range turns {
		roles = append(roles, turn.Role)
	}
	want := []string{"thought", "action", "observation"}
	if len(turns) != 3 || strings.Join(roles, ",") != strings.Join(want, ",") {
		t.Fatalf("persisted turns = %v", roles)
	}
	if turns[1].ToolName != "echo" {
		t.Fatalf("action turn tool = %q", turns[1].ToolName)
	}
	if !strings.HasPrefix(turns[2].Content, "ok") {
		t.Fatalf("observation = %q", turns[2].Content)
	}
}

func TestRunSynthesizeThenUse(t *testing.T) {
	backend := &scriptedBackend{
		decisions: []Decision{
			{Action: ActionSynthesize, NewSkill: &SkillSpec{Name: "word-count", Purpose: "count words"}},
			{Action: ActionUseSkill, Skill: "word-count"},
			{Action: ActionFinish, Result: "done"},
		},
		drafts: []catalog.SkillMD{{
			Name:        "word-count",
			Description: "counts the words in a text file",
			Kind:        "instruction",
			Body:        "Open the file and count whitespace-separated words.",
		}},
	}
	r := newLoopRig(t, guard.LevelSkillsOnly, backend, LoopConfig{})

	out, err := r.loop.Run(context.Background(), "count the words in notes.txt")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Status != StatusDone || out.Iterations != 3 {
		t.Fatalf("unexpected outcome: %+v", out)
	}

	// The synthesized skill is real: registered and invocable.
	desc, err := r.catalog.Get("word-count")
	if err != nil || desc.Source != catalog.SourceDynamic {
		t.Fatalf("synthesized skill: %+v, err %v", desc, err)
	}
	turns, _ := r.store.ListTurns(context.Background(), out.SessionID)
	var sawCreated, sawInstructions bool
	for _, turn := range turns {
		if strings.Contains(turn.Content, `skill "word-count" created`) {
			sawCreated = true
		}
		if strings.Contains(turn.Content, "whitespace-separated") {
			sawInstructions = true
		}
	}
	if !sawCreated || !sawInstructions {
		t.Fatalf("transcript missing synthesis evidence: created=%v instructions=%v", sawCreated, sawInstructions)
	}
}

func TestRunSynthesisRefusedAtLevelNoneIsTerminal(t *testing.T) {
	backend := &scriptedBackend{
		decisions: []Decision{
			{Action: ActionSynthesize, NewSkill: &SkillSpec{Name: "never"}},
		},
		drafts: []catalog.SkillMD{{Name: "never", Description: "x", Body: "y"}},
	}
	r := newLoopRig(t, guard.LevelNone, backend, LoopConfig{})

	out, err := r.loop.Run(context.Background(), "do something new")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Status != StatusFailed {
		t.Fatalf("status = %q, want failed", out.Status)
	}
	if !strings.Contains(out.Result, "synthesize") {
		t.Fatalf("result = %q", out.Result)
	}
	// Refused before drafting.
	if backend.draftCalls != 0 {
		t.Fatalf("draft calls = %d under level none", backend.draftCalls)
	}
	if backend.decideCalls != 1 {
		t.Fatalf("loop kept going after terminal denial: %d decides", backend.decideCalls)
	}
}

func TestRunRejectedDraftBecomesObservation(t *testing.T) {
	bad := catalog.SkillMD{
		Name:        "shell-out",
		Description: "runs shell commands",
		Body:        "```python\nimport subprocess\n```",
	}
	backend := &scriptedBackend{
		decisions: []Decision{
			{Action: ActionSynthesize, NewSkill: &SkillSpec{Name: "shell-out"}},
			{Action: ActionFail, Result: "cannot build a compliant skill"},
		},
		drafts: []catalog.SkillMD{bad, bad, bad},
	}
	r := newLoopRig(t, guard.LevelSkillsOnly, backend, LoopConfig{})

	out, err := r.loop.Run(context.Background(), "shell out")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// Validation exhaustion is not terminal; the backend chose to fail after
	// seeing the observation.
	if out.Status != StatusFailed || out.Iterations != 2 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	turns, _ := r.store.ListTurns(context.Background(), out.SessionID)
	var sawViolation bool
	for _, turn := range turns {
		if turn.Role == "observation" && strings.Contains(turn.Content, "disallowed-system-call") {
			sawViolation = true
		}
	}
	if !sawViolation {
		t.Fatal("violation never reached the transcript")
	}
	if len(r.catalog.ListMetadata()) != 0 {
		t.Fatal("rejected skill reached the catalog")
	}
}

func TestRunRepeatedToolFailureIsTerminal(t *testing.T) {
	backend := &scriptedBackend{decisions: []Decision{
		useEcho("fail"), useEcho("fail"), useEcho("fail"),
		{Action: ActionFinish, Result: "never reached"},
	}}
	r := newLoopRig(t, guard.LevelSkillsOnly, backend, LoopConfig{MaxToolFailures: 3})
	r.addEcho(t)

	out, err := r.loop.Run(context.Background(), "echo until it breaks")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Status != StatusFailed || out.Iterations != 3 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if !strings.Contains(out.Result, `"echo" failed 3 times`) {
		t.Fatalf("result = %q", out.Result)
	}
	if backend.decideCalls != 3 {
		t.Fatalf("decides = %d, want 3", backend.decideCalls)
	}
}

func TestRunToolSuccessResetsFailureStreak(t *testing.T) {
	backend := &scriptedBackend{decisions: []Decision{
		useEcho("fail"), useEcho("fail"),
		useEcho("ok"),
		useEcho("fail"), useEcho("fail"),
		{Action: ActionFinish, Result: "survived"},
	}}
	r := newLoopRig(t, guard.LevelSkillsOnly, backend, LoopConfig{MaxToolFailures: 3})
	r.addEcho(t)

	out, err := r.loop.Run(context.Background(), "flaky echo")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// Two failures, a success, two more failures: the streak never hits 3.
	if out.Status != StatusDone || out.Iterations != 6 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestRunIterationBudgetExhausted(t *testing.T) {
	decisions := make([]Decision, 10)
	for i := range decisions {
		decisions[i] = useEcho("ok")
	}
	backend := &scriptedBackend{decisions: decisions}
	r := newLoopRig(t, guard.LevelSkillsOnly, backend, LoopConfig{MaxIterations: 4})
	r.addEcho(t)

	out, err := r.loop.Run(context.Background(), "echo forever")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Status != StatusMaxIterationsReached || out.Iterations != 4 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if backend.decideCalls != 4 {
		t.Fatalf("decides = %d, budget was 4", backend.decideCalls)
	}
	sess, _ := r.store.GetSession(context.Background(), out.SessionID)
	if sess.Status != StatusMaxIterationsReached {
		t.Fatalf("session status = %q", sess.Status)
	}
}

func TestRunCancellationAtThinkingBoundary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	backend := &scriptedBackend{decisions: []Decision{useEcho("ok"), useEcho("ok")}}
	// Cancel after the first decision so the second iteration sees it.
	backend.onDecide = func(iteration int) {
		if iteration == 1 {
			cancel()
		}
	}
	r := newLoopRig(t, guard.LevelSkillsOnly, backend, LoopConfig{})
	r.addEcho(t)

	out, err := r.loop.Run(ctx, "echo then get canceled")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Status != StatusFailed || out.Result != "canceled" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out.Iterations != 1 {
		t.Fatalf("iterations = %d, want 1", out.Iterations)
	}
	// Teardown persisted despite the dead context.
	sess, err := r.store.GetSession(context.Background(), out.SessionID)
	if err != nil || sess.Status != StatusFailed {
		t.Fatalf("session row: %+v, err %v", sess, err)
	}
}

func TestRunUnknownActionBecomesObservation(t *testing.T) {
	backend := &scriptedBackend{decisions: []Decision{
		{Action: "dance"},
		{Action: ActionFinish, Result: "recovered"},
	}}
	r := newLoopRig(t, guard.LevelSkillsOnly, backend, LoopConfig{})

	out, err := r.loop.Run(context.Background(), "do a dance")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Status != StatusDone || out.Iterations != 2 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	turns, _ := r.store.ListTurns(context.Background(), out.SessionID)
	var sawUnknown bool
	for _, turn := range turns {
		if strings.Contains(turn.Content, `unknown action "dance"`) {
			sawUnknown = true
		}
	}
	if !sawUnknown {
		t.Fatal("unknown action never surfaced as an observation")
	}
}

func TestRunEmptyTask(t *testing.T) {
	r := newLoopRig(t, guard.LevelSkillsOnly, &scriptedBackend{}, LoopConfig{})
	if _, err := r.loop.Run(context.Background(), "  "); err == nil {
		t.Fatal("expected error for empty task")
	}
}

func TestRunBackendErrorIsTerminal(t *testing.T) {
	// An empty script: the very first Decide errors.
	backend := &scriptedBackend{}
	r := newLoopRig(t, guard.LevelSkillsOnly, backend, LoopConfig{})

	out, err := r.loop.Run(context.Background(), "anything")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Status != StatusFailed || !strings.Contains(out.Result, "backend error") {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}
