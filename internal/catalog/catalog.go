// Package catalog is the skill registry with progressive disclosure.
// Tier 1 (name + description) is always resident and served from a lock-free
// snapshot; tier 2 (the SKILL.md body) and tier 3 (resource files) are read
// lazily and held in a bounded recency cache.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/basket/skillforge/internal/bus"
	"github.com/basket/skillforge/internal/guard"
	"github.com/basket/skillforge/internal/persistence"
	"github.com/basket/skillforge/internal/tokenutil"
)

// Sentinel errors of the catalog contract.
var (
	ErrNotFound = errors.New("skill not found")
	ErrCorrupt  = errors.New("skill corrupt")
	ErrConflict = errors.New("catalog conflict")
)

// descriptionTokenBudget bounds a tier-1 entry. Descriptions are trigger
// text, not documentation; oversized ones are rejected at registration.
const descriptionTokenBudget = 200

type Source string

const (
	SourceBuiltin Source = "builtin"
	SourceDynamic Source = "dynamic"
)

type Kind string

const (
	KindBuiltin     Kind = "builtin"
	KindInstruction Kind = "instruction"
	KindScript      Kind = "script"
	KindWasm        Kind = "wasm"
)

type Status string

const (
	StatusActive      Status = "active"
	StatusDisabled    Status = "disabled"
	StatusQuarantined Status = "quarantined"
)

// Descriptor is the full catalog entry for one skill.
type Descriptor struct {
	Name        string
	Description string
	Source      Source
	Kind        Kind
	Tier        string // protection level at creation time
	Dir         string
	Resources   []string
	ParamsJSON  string
	Version     string
	Status      Status
	FaultCount  int
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastUsedAt  time.Time // zero if never used
}

// Metadata is the tier-1 projection served to every loop iteration.
type Metadata struct {
	Name        string
	Description string
	LastUsedAt  time.Time
}

// CanonicalKey normalizes a skill name for collision detection.
func CanonicalKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Catalog is the in-memory registry backed by the persistence store.
type Catalog struct {
	store *persistence.Store
	guard *guard.Guard
	bus   *bus.Bus
	log   *slog.Logger

	// faultThreshold quarantines a dynamic skill after that many
	// consecutive faults. 0 disables auto-quarantine.
	faultThreshold int

	// mu is the catalog-wide admission lock: registrations serialize here,
	// so exactly one concurrent registrant of a name wins.
	mu     sync.Mutex
	skills map[string]Descriptor

	snapshot atomic.Value // []Metadata, active skills only
	cache    *recencyCache
}

// Option configures a Catalog.
type Option func(*Catalog)

func WithBus(b *bus.Bus) Option {
	return func(c *Catalog) { c.bus = b }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Catalog) { c.log = l }
}

func WithCacheEntries(n int) Option {
	return func(c *Catalog) { c.cache = newRecencyCache(n) }
}

func WithFaultThreshold(n int) Option {
	return func(c *Catalog) { c.faultThreshold = n }
}

// New creates a Catalog and rehydrates persisted skills from the store.
// The guard's OnChange hook is wired so rollbacks refresh the registry.
func New(ctx context.Context, store *persistence.Store, g *guard.Guard, opts ...Option) (*Catalog, error) {
	c := &Catalog{
		store:  store,
		guard:  g,
		log:    slog.Default(),
		skills: make(map[string]Descriptor),
		cache:  newRecencyCache(32),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.snapshot.Store([]Metadata{})

	if err := c.rehydrate(ctx); err != nil {
		return nil, err
	}
	if g != nil {
		g.OnChange = func(skill string) {
			if err := c.Refresh(context.Background(), skill); err != nil {
				c.log.Error("catalog refresh after guard change failed", "skill", skill, "error", err)
			}
		}
	}
	return c, nil
}

func (c *Catalog) rehydrate(ctx context.Context) error {
	rows, err := c.store.ListSkills(ctx)
	if err != nil {
		return fmt.Errorf("rehydrate catalog: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, row := range rows {
		desc := descriptorFromRow(row)
		// Resources live in the frontmatter, not the store.
		if md, err := readSkillMD(desc.Dir); err == nil {
			desc.Resources = md.Resources
		}
		c.skills[CanonicalKey(desc.Name)] = desc
	}
	c.rebuildSnapshotLocked()
	return nil
}

// ListMetadata returns the tier-1 snapshot: active skills only, each entry
// within the description token budget. Lock-free.
func (c *Catalog) ListMetadata() []Metadata {
	snap := c.snapshot.Load().([]Metadata)
	out := make([]Metadata, len(snap))
	copy(out, snap)
	return out
}

// Get returns the full descriptor for a skill.
func (c *Catalog) Get(name string) (Descriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	desc, ok := c.skills[CanonicalKey(name)]
	if !ok {
		return Descriptor{}, fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	return desc, nil
}

// Register installs or replaces a dynamic skill. The token must come from a
// guard admission; a registration that bypasses the guard is ErrCorrupt.
// prevVersion is the version the registrant believes it is replacing ("" for
// a creation); a stale prevVersion yields ErrConflict, so exactly one
// concurrent registrant wins.
func (c *Catalog) Register(ctx context.Context, desc Descriptor, prevVersion string, token guard.Token) error {
	if err := validate(desc); err != nil {
		return err
	}
	if c.guard != nil && !c.guard.Redeem(token, desc.Name) {
		return fmt.Errorf("register %q without guard admission: %w", desc.Name, ErrCorrupt)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := CanonicalKey(desc.Name)
	existing, exists := c.skills[key]
	if exists && existing.Version != prevVersion {
		return fmt.Errorf("register %q: live version %s does not match %q: %w",
			desc.Name, existing.Version, prevVersion, ErrConflict)
	}
	if !exists && prevVersion != "" {
		return fmt.Errorf("register %q: no live version to replace: %w", desc.Name, ErrConflict)
	}

	desc.Source = SourceDynamic
	if desc.Version == "" {
		desc.Version = uuid.NewString()
	}
	if desc.Status == "" {
		desc.Status = StatusActive
	}
	now := time.Now().UTC()
	if exists {
		desc.CreatedAt = existing.CreatedAt
	} else {
		desc.CreatedAt = now
	}
	desc.UpdatedAt = now

	if err := c.store.UpsertSkill(ctx, rowFromDescriptor(desc)); err != nil {
		return fmt.Errorf("persist skill %q: %w", desc.Name, err)
	}
	c.skills[key] = desc
	c.cache.invalidate(cachePrefix(desc.Name))
	c.rebuildSnapshotLocked()
	c.publish(bus.TopicSkillRegistered, desc)
	c.log.Info("skill registered", "skill", desc.Name, "kind", string(desc.Kind), "version", desc.Version)
	return nil
}

// RegisterBuiltin installs a curated skill at startup. Builtins never pass
// through the guard; they are trusted by construction and cannot displace a
// live dynamic skill.
func (c *Catalog) RegisterBuiltin(ctx context.Context, desc Descriptor) error {
	if err := validate(desc); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	key := CanonicalKey(desc.Name)
	if existing, ok := c.skills[key]; ok && existing.Source != SourceBuiltin {
		return fmt.Errorf("builtin %q collides with dynamic skill: %w", desc.Name, ErrConflict)
	}
	desc.Source = SourceBuiltin
	if desc.Version == "" {
		desc.Version = uuid.NewString()
	}
	if desc.Status == "" {
		desc.Status = StatusActive
	}
	now := time.Now().UTC()
	desc.CreatedAt = now
	desc.UpdatedAt = now

	if err := c.store.UpsertSkill(ctx, rowFromDescriptor(desc)); err != nil {
		return fmt.Errorf("persist builtin %q: %w", desc.Name, err)
	}
	c.skills[key] = desc
	c.rebuildSnapshotLocked()
	return nil
}

// LoadBody returns the tier-2 body of a skill, reading SKILL.md lazily.
func (c *Catalog) LoadBody(name string) (string, error) {
	desc, err := c.Get(name)
	if err != nil {
		return "", err
	}
	key := cachePrefix(desc.Name) + "body"
	if body, ok := c.cache.get(key); ok {
		return body, nil
	}
	md, err := readSkillMD(desc.Dir)
	if err != nil {
		return "", fmt.Errorf("%q: %w: %v", name, ErrCorrupt, err)
	}
	c.cache.put(key, md.Body)
	return md.Body, nil
}

// LoadResource returns a tier-3 resource by its declared identifier.
func (c *Catalog) LoadResource(name, id string) (string, error) {
	desc, err := c.Get(name)
	if err != nil {
		return "", err
	}
	declared := false
	for _, r := range desc.Resources {
		if r == id {
			declared = true
			break
		}
	}
	if !declared {
		return "", fmt.Errorf("resource %q of %q: %w", id, name, ErrNotFound)
	}
	key := cachePrefix(desc.Name) + "res:" + id
	if v, ok := c.cache.get(key); ok {
		return v, nil
	}
	// Resource identifiers are relative paths inside the skill dir.
	clean := filepath.Clean(id)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("resource %q of %q escapes skill dir: %w", id, name, ErrCorrupt)
	}
	data, err := os.ReadFile(filepath.Join(desc.Dir, clean))
	if err != nil {
		return "", fmt.Errorf("resource %q of %q: %w: %v", id, name, ErrCorrupt, err)
	}
	c.cache.put(key, string(data))
	return string(data), nil
}

// Quarantine soft-deletes a skill: it disappears from tier 1 but its history
// and content remain for inspection and rollback.
func (c *Catalog) Quarantine(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := CanonicalKey(name)
	desc, ok := c.skills[key]
	if !ok {
		return fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	if err := c.store.SetSkillStatus(ctx, desc.Name, string(StatusQuarantined)); err != nil {
		return fmt.Errorf("quarantine %q: %w", name, err)
	}
	desc.Status = StatusQuarantined
	desc.UpdatedAt = time.Now().UTC()
	c.skills[key] = desc
	c.rebuildSnapshotLocked()
	c.log.Warn("skill quarantined", "skill", desc.Name)
	return nil
}

// Refresh reloads one skill from the store and disk, dropping cached tiers.
// Invoked after guard rollbacks.
func (c *Catalog) Refresh(ctx context.Context, name string) error {
	row, err := c.store.GetSkill(ctx, name)

	c.mu.Lock()
	defer c.mu.Unlock()
	key := CanonicalKey(name)
	c.cache.invalidate(cachePrefix(name))

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// The skill was removed (rollback of a creation).
			delete(c.skills, key)
			c.rebuildSnapshotLocked()
			return nil
		}
		return fmt.Errorf("refresh %q: %w", name, err)
	}
	desc := descriptorFromRow(row)
	if md, mdErr := readSkillMD(desc.Dir); mdErr == nil {
		desc.Resources = md.Resources
	}
	c.skills[key] = desc
	c.rebuildSnapshotLocked()
	return nil
}

// RecordUse stamps last-used recency for the resolver tiebreak.
func (c *Catalog) RecordUse(ctx context.Context, name string) {
	if err := c.store.TouchSkillUsed(ctx, name); err != nil {
		c.log.Warn("record skill use failed", "skill", name, "error", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := CanonicalKey(name)
	if desc, ok := c.skills[key]; ok {
		desc.LastUsedAt = time.Now().UTC()
		c.skills[key] = desc
		c.rebuildSnapshotLocked()
	}
	_ = c.store.ResetSkillFaults(ctx, name)
}

// RecordFault increments the consecutive-fault counter and quarantines the
// skill when the threshold is reached. Returns true if quarantined.
func (c *Catalog) RecordFault(ctx context.Context, name string) bool {
	count, err := c.store.RecordSkillFault(ctx, name)
	if err != nil {
		c.log.Warn("record skill fault failed", "skill", name, "error", err)
		return false
	}
	c.mu.Lock()
	if desc, ok := c.skills[CanonicalKey(name)]; ok {
		desc.FaultCount = count
		c.skills[CanonicalKey(name)] = desc
	}
	c.mu.Unlock()

	if c.faultThreshold > 0 && count >= c.faultThreshold {
		if err := c.Quarantine(ctx, name); err != nil {
			c.log.Error("auto-quarantine failed", "skill", name, "error", err)
			return false
		}
		return true
	}
	return false
}

// rebuildSnapshotLocked regenerates the tier-1 snapshot. Callers hold c.mu.
func (c *Catalog) rebuildSnapshotLocked() {
	snap := make([]Metadata, 0, len(c.skills))
	for _, desc := range c.skills {
		if desc.Status != StatusActive {
			continue
		}
		snap = append(snap, Metadata{
			Name:        desc.Name,
			Description: desc.Description,
			LastUsedAt:  desc.LastUsedAt,
		})
	}
	c.snapshot.Store(snap)
}

func (c *Catalog) publish(topic string, desc Descriptor) {
	if c.bus != nil {
		c.bus.Publish(topic, bus.SkillEvent{
			Name:    desc.Name,
			Version: desc.Version,
			Source:  string(desc.Source),
		})
	}
}

func validate(desc Descriptor) error {
	if strings.TrimSpace(desc.Name) == "" {
		return fmt.Errorf("empty name: %w", ErrCorrupt)
	}
	if strings.TrimSpace(desc.Description) == "" {
		return fmt.Errorf("skill %q: empty description: %w", desc.Name, ErrCorrupt)
	}
	if !tokenutil.WithinBudget(desc.Name+": "+desc.Description, descriptionTokenBudget) {
		return fmt.Errorf("skill %q: description exceeds tier-1 budget: %w", desc.Name, ErrCorrupt)
	}
	switch desc.Kind {
	case KindBuiltin, KindInstruction, KindScript, KindWasm:
	default:
		return fmt.Errorf("skill %q: unknown kind %q: %w", desc.Name, desc.Kind, ErrCorrupt)
	}
	return nil
}

func cachePrefix(name string) string {
	return CanonicalKey(name) + "\x00"
}

func readSkillMD(dir string) (SkillMD, error) {
	data, err := os.ReadFile(filepath.Join(dir, "SKILL.md"))
	if err != nil {
		return SkillMD{}, err
	}
	return ParseSkillMD(data)
}

func rowFromDescriptor(desc Descriptor) persistence.SkillRow {
	return persistence.SkillRow{
		Name:        desc.Name,
		Version:     desc.Version,
		Kind:        string(desc.Kind),
		Source:      string(desc.Source),
		Status:      string(desc.Status),
		Description: desc.Description,
		Dir:         desc.Dir,
		Tier:        desc.Tier,
		ParamsJSON:  desc.ParamsJSON,
	}
}

func descriptorFromRow(row persistence.SkillRow) Descriptor {
	desc := Descriptor{
		Name:        row.Name,
		Description: row.Description,
		Source:      Source(row.Source),
		Kind:        Kind(row.Kind),
		Tier:        row.Tier,
		Dir:         row.Dir,
		ParamsJSON:  row.ParamsJSON,
		Version:     row.Version,
		Status:      Status(row.Status),
		FaultCount:  row.FaultCount,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
	if row.LastUsedAt != nil {
		desc.LastUsedAt = *row.LastUsedAt
	}
	return desc
}

// ParamsSchema decodes the stored JSON Schema of a skill, if any.
func (d Descriptor) ParamsSchema() (map[string]any, error) {
	if strings.TrimSpace(d.ParamsJSON) == "" {
		return nil, nil
	}
	var schema map[string]any
	if err := json.Unmarshal([]byte(d.ParamsJSON), &schema); err != nil {
		return nil, fmt.Errorf("params schema of %q: %w", d.Name, err)
	}
	return schema, nil
}
