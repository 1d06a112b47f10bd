// Package guard is the code-protection layer. Every mutation of the skill
// catalog passes through its admission transaction: write-scope check,
// denylist scan, optional human approval, change record with full prior
// snapshot, atomic content write. Any admitted change can be rolled back.
package guard

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/basket/skillforge/internal/audit"
	"github.com/basket/skillforge/internal/bus"
	"github.com/basket/skillforge/internal/persistence"
)

// Author identifies who initiated a change.
type Author string

const (
	AuthorAgent Author = "agent"
	AuthorHuman Author = "human"
)

// Confirmer is the synchronous human approval channel used when the policy
// requires it. Confirm blocks until the human decides or ctx expires.
type Confirmer interface {
	Confirm(ctx context.Context, req ConfirmRequest) (bool, error)
}

// ConfirmRequest describes the pending change shown to the human.
type ConfirmRequest struct {
	Skill     string
	Operation string
	Summary   string
	Content   string
}

// Proposal is a requested catalog mutation.
type Proposal struct {
	Skill     string
	Operation string // "create" or "modify"
	Content   []byte // full SKILL.md to install
	Path      string // target file path
	Summary   string // shown to the human on approval
	Author    Author
}

// Token is a single-use admission credential. The catalog redeems it at
// registration; a registration without a live token is rejected.
type Token struct {
	id string
}

// Admission is the successful outcome of an admission transaction.
type Admission struct {
	Token    Token
	ChangeID string
	Version  string
}

// Guard holds the live policy and the change ledger.
type Guard struct {
	policy    *LivePolicy
	store     *persistence.Store
	bus       *bus.Bus
	log       *slog.Logger
	confirmer Confirmer

	// OnChange is invoked after a rollback mutates skill state on disk,
	// so the catalog can refresh. Set once at wiring time.
	OnChange func(skill string)

	mu     sync.Mutex
	tokens map[string]string // token id -> skill name
}

// Option configures a Guard.
type Option func(*Guard)

func WithConfirmer(c Confirmer) Option {
	return func(g *Guard) { g.confirmer = c }
}

func WithBus(b *bus.Bus) Option {
	return func(g *Guard) { g.bus = b }
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) { g.log = l }
}

// New creates a Guard over the given live policy and store.
func New(policy *LivePolicy, store *persistence.Store, opts ...Option) *Guard {
	g := &Guard{
		policy: policy,
		store:  store,
		log:    slog.Default(),
		tokens: make(map[string]string),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Policy exposes the live policy for read-side consumers (executor fetch
// allowlist, status surfaces).
func (g *Guard) Policy() *LivePolicy {
	return g.policy
}

// Level returns the current protection level.
func (g *Guard) Level() Level {
	return g.policy.Level()
}

// SetLevel changes the protection level. Escalation requested by the agent
// is always denied: raising the level is an administrative act. Lowering is
// immediate for any author.
func (g *Guard) SetLevel(ctx context.Context, level Level, author Author) error {
	if _, err := ParseLevel(string(level)); err != nil {
		return err
	}
	current := g.policy.Level()
	version := g.policy.PolicyVersion()
	if author == AuthorAgent && level.Rank() > current.Rank() {
		audit.Record("deny", "guard.set_level", fmt.Sprintf("agent escalation %s -> %s", current, level), version, string(level))
		return &PermissionError{Op: "guard.set_level", Reason: "protection level escalation requires an administrator"}
	}
	if err := g.policy.setLevel(level); err != nil {
		return fmt.Errorf("persist level: %w", err)
	}
	if g.store != nil {
		_ = g.store.SetKV(ctx, "guard.level", string(level))
	}
	audit.Record("allow", "guard.set_level", fmt.Sprintf("%s -> %s", current, level), g.policy.PolicyVersion(), string(level))
	g.publish(bus.TopicGuardLevel, bus.GuardEvent{Level: string(level)})
	g.log.Info("protection level changed", "from", string(current), "to", string(level), "author", string(author))
	return nil
}

// Admit runs the full admission transaction for a proposal. On success the
// content is durably written and a single-use token is returned; the catalog
// redeems it at registration. Rejections leave disk and ledger untouched
// apart from the audit trail.
func (g *Guard) Admit(ctx context.Context, prop Proposal) (Admission, error) {
	version := g.policy.PolicyVersion()
	level := g.policy.Level()

	if level == LevelNone {
		audit.Record("deny", "skill.admit", "protection level none", version, prop.Skill)
		return Admission{}, &PermissionError{Op: "skill." + prop.Operation, Reason: "protection level none forbids all modifications"}
	}

	decision := g.policy.CanWrite(prop.Path)
	if !decision.Allowed {
		// Write-scope violations never reach the ledger.
		audit.Record("deny", "write_scope", decision.Reason, version, prop.Path)
		return Admission{}, &PermissionError{Op: "skill." + prop.Operation, Reason: decision.Reason}
	}

	violations, err := g.Scan(string(prop.Content))
	if err != nil {
		return Admission{}, fmt.Errorf("scan: %w", err)
	}
	if len(violations) > 0 {
		rules := make([]string, len(violations))
		for i, v := range violations {
			rules[i] = v.Rule
		}
		audit.Record("deny", "skill.admit", fmt.Sprintf("denylist: %v", rules), version, prop.Skill)
		g.publish(bus.TopicGuardRejected, bus.GuardEvent{Skill: prop.Skill, Level: string(level), Violations: rules})
		return Admission{}, &ValidationError{Skill: prop.Skill, Violations: violations}
	}

	if decision.RequiresApproval {
		if g.confirmer == nil {
			audit.Record("deny", "skill.admit", "approval required but no confirmer configured", version, prop.Skill)
			return Admission{}, &PermissionError{Op: "skill." + prop.Operation, Reason: "approval required but no confirmation channel is available"}
		}
		ok, err := g.confirmer.Confirm(ctx, ConfirmRequest{
			Skill:     prop.Skill,
			Operation: prop.Operation,
			Summary:   prop.Summary,
			Content:   string(prop.Content),
		})
		if err != nil {
			return Admission{}, fmt.Errorf("confirm: %w", err)
		}
		if !ok {
			audit.Record("deny", "skill.admit", "rejected by operator", version, prop.Skill)
			return Admission{}, &PermissionError{Op: "skill." + prop.Operation, Reason: "rejected by operator"}
		}
	}

	prior, supersedes, err := g.snapshotPrior(ctx, prop)
	if err != nil {
		return Admission{}, err
	}

	changeID := uuid.NewString()
	record := persistence.ChangeRow{
		ID:              changeID,
		Skill:           prop.Skill,
		Author:          string(prop.Author),
		Level:           string(level),
		Operation:       prop.Operation,
		PriorDescriptor: prior.descriptorJSON,
		PriorBody:       prior.body,
		Supersedes:      supersedes,
	}
	if err := g.store.InsertChange(ctx, record); err != nil {
		return Admission{}, fmt.Errorf("record change: %w", err)
	}

	if err := atomicWrite(prop.Path, prop.Content); err != nil {
		return Admission{}, fmt.Errorf("write skill content: %w", err)
	}

	token := g.mint(prop.Skill)
	audit.Record("allow", "skill.admit", prop.Operation, version, prop.Skill)
	g.publish(bus.TopicGuardAdmitted, bus.GuardEvent{Skill: prop.Skill, ChangeID: changeID, Level: string(level)})
	g.log.Info("skill change admitted", "skill", prop.Skill, "operation", prop.Operation, "change_id", changeID)

	return Admission{Token: token, ChangeID: changeID, Version: uuid.NewString()}, nil
}

type priorSnapshot struct {
	descriptorJSON string
	body           []byte
}

// snapshotPrior captures the pre-change state of a skill: its descriptor row
// and its full SKILL.md bytes. Both are empty for creations.
func (g *Guard) snapshotPrior(ctx context.Context, prop Proposal) (priorSnapshot, string, error) {
	var prior priorSnapshot
	row, err := g.store.GetSkill(ctx, prop.Skill)
	switch {
	case err == nil:
		b, merr := json.Marshal(row)
		if merr != nil {
			return prior, "", fmt.Errorf("marshal prior descriptor: %w", merr)
		}
		prior.descriptorJSON = string(b)
		if body, rerr := os.ReadFile(prop.Path); rerr == nil {
			prior.body = body
		}
	case errors.Is(err, sql.ErrNoRows):
		if prop.Operation == "modify" {
			return prior, "", fmt.Errorf("modify %q: %w", prop.Skill, err)
		}
	default:
		return prior, "", fmt.Errorf("read prior descriptor: %w", err)
	}

	changes, err := g.store.ListChanges(ctx, prop.Skill, 1)
	if err != nil {
		return prior, "", fmt.Errorf("read change history: %w", err)
	}
	supersedes := ""
	if len(changes) > 0 {
		supersedes = changes[0].ID
	}
	return prior, supersedes, nil
}

// Redeem consumes a token for the named skill. A token is valid exactly once.
func (g *Guard) Redeem(token Token, skill string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	name, ok := g.tokens[token.id]
	if !ok || name != skill {
		return false
	}
	delete(g.tokens, token.id)
	return true
}

func (g *Guard) mint(skill string) Token {
	g.mu.Lock()
	defer g.mu.Unlock()
	t := Token{id: uuid.NewString()}
	g.tokens[t.id] = skill
	return t
}

// Rollback restores the state recorded by the given change and appends an
// inverse change record. Rolling back a creation removes the skill; rolling
// back a modification restores the prior SKILL.md and descriptor.
func (g *Guard) Rollback(ctx context.Context, skill, changeID string) error {
	version := g.policy.PolicyVersion()

	change, err := g.store.GetChange(ctx, changeID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			audit.Record("deny", "guard.rollback", "unknown change id", version, skill)
			return fmt.Errorf("rollback %q: change %q not found", skill, changeID)
		}
		return fmt.Errorf("read change: %w", err)
	}
	if change.Skill != skill {
		audit.Record("deny", "guard.rollback", "change id belongs to another skill", version, skill)
		return fmt.Errorf("rollback %q: change %q belongs to skill %q", skill, changeID, change.Skill)
	}

	row, err := g.store.GetSkill(ctx, skill)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read current descriptor: %w", err)
	}
	skillPath := ""
	if err == nil {
		skillPath = filepath.Join(row.Dir, "SKILL.md")
	}

	// Snapshot the current state so the rollback itself can be rolled back.
	inverse := persistence.ChangeRow{
		ID:         uuid.NewString(),
		Skill:      skill,
		Author:     string(AuthorHuman),
		Level:      string(g.policy.Level()),
		Operation:  "rollback",
		Supersedes: changeID,
	}
	if err == nil {
		b, merr := json.Marshal(row)
		if merr != nil {
			return fmt.Errorf("marshal current descriptor: %w", merr)
		}
		inverse.PriorDescriptor = string(b)
		if body, rerr := os.ReadFile(skillPath); rerr == nil {
			inverse.PriorBody = body
		}
	}
	if err := g.store.InsertChange(ctx, inverse); err != nil {
		return fmt.Errorf("record rollback: %w", err)
	}

	if change.PriorDescriptor == "" {
		// The change created the skill: restore its absence.
		if skillPath != "" {
			if rmErr := os.Remove(skillPath); rmErr != nil && !os.IsNotExist(rmErr) {
				return fmt.Errorf("remove created skill: %w", rmErr)
			}
		}
		if err := g.store.DeleteSkill(ctx, skill); err != nil {
			return fmt.Errorf("delete created skill row: %w", err)
		}
	} else {
		var priorRow persistence.SkillRow
		if err := json.Unmarshal([]byte(change.PriorDescriptor), &priorRow); err != nil {
			return fmt.Errorf("decode prior descriptor: %w", err)
		}
		if err := g.store.UpsertSkill(ctx, priorRow); err != nil {
			return fmt.Errorf("restore descriptor: %w", err)
		}
		restorePath := filepath.Join(priorRow.Dir, "SKILL.md")
		if err := atomicWrite(restorePath, change.PriorBody); err != nil {
			return fmt.Errorf("restore skill content: %w", err)
		}
	}

	audit.Record("allow", "guard.rollback", fmt.Sprintf("reverted change %s", changeID), version, skill)
	g.publish(bus.TopicGuardRolledBack, bus.GuardEvent{Skill: skill, ChangeID: inverse.ID, Level: string(g.policy.Level())})
	g.log.Info("change rolled back", "skill", skill, "change_id", changeID, "inverse_id", inverse.ID)

	if g.OnChange != nil {
		g.OnChange(skill)
	}
	return nil
}

// Status is the read-only guard summary.
type Status struct {
	Level         Level                   `json:"level"`
	PolicyVersion string                  `json:"policy_version"`
	ChangeCount   int                     `json:"change_count"`
	DenyCount     int64                   `json:"deny_count"`
	Recent        []persistence.ChangeRow `json:"recent"`
}

// Status reports the current level, ledger size and recent history.
func (g *Guard) Status(ctx context.Context) (Status, error) {
	count, err := g.store.CountChanges(ctx)
	if err != nil {
		return Status{}, err
	}
	recent, err := g.store.ListChanges(ctx, "", 10)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Level:         g.policy.Level(),
		PolicyVersion: g.policy.PolicyVersion(),
		ChangeCount:   count,
		DenyCount:     audit.DenyCount(),
		Recent:        recent,
	}, nil
}

// History lists change records for one skill, newest first.
func (g *Guard) History(ctx context.Context, skill string, limit int) ([]persistence.ChangeRow, error) {
	return g.store.ListChanges(ctx, skill, limit)
}

func (g *Guard) publish(topic string, ev bus.GuardEvent) {
	if g.bus != nil {
		g.bus.Publish(topic, ev)
	}
}

// atomicWrite writes content via a temp file and rename in the target dir.
func atomicWrite(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".pending-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
