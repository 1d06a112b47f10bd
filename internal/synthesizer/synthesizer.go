// Package synthesizer turns a capability gap into a new skill. A draft comes
// from the model backend, is serialized to SKILL.md form and submitted to the
// guard; denylist violations are fed back to the backend for a bounded number
// of retry attempts. Nothing reaches the catalog without a guard admission.
package synthesizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/basket/skillforge/internal/bus"
	"github.com/basket/skillforge/internal/catalog"
	"github.com/basket/skillforge/internal/guard"
)

// DefaultRetries is how many times a rejected draft is re-attempted with
// violation feedback.
const DefaultRetries = 2

// Request describes the gap the new skill should close.
type Request struct {
	Name      string // suggested skill name
	Purpose   string // what the loop could not do
	Context   string // recent observations worth showing the drafter
	SessionID string
}

// Backend produces skill drafts. feedback is empty on the first attempt and
// carries the previous rejection afterwards.
type Backend interface {
	DraftSkill(ctx context.Context, req Request, feedback string) (catalog.SkillMD, error)
}

// Synthesizer owns the draft-admit-register pipeline.
type Synthesizer struct {
	backend    Backend
	guard      *guard.Guard
	catalog    *catalog.Catalog
	sandboxDir string
	retries    int
	log        *slog.Logger
	bus        *bus.Bus
}

// Option configures a Synthesizer.
type Option func(*Synthesizer)

func WithRetries(n int) Option {
	return func(s *Synthesizer) { s.retries = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Synthesizer) { s.log = l }
}

func WithBus(b *bus.Bus) Option {
	return func(s *Synthesizer) { s.bus = b }
}

func New(backend Backend, g *guard.Guard, cat *catalog.Catalog, sandboxDir string, opts ...Option) *Synthesizer {
	s := &Synthesizer{
		backend:    backend,
		guard:      g,
		catalog:    cat,
		sandboxDir: sandboxDir,
		retries:    DefaultRetries,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Synthesize drafts, admits and registers a new skill. Under protection
// level none the request is refused before any drafting happens: no tokens
// are spent on a skill that could never be installed.
func (s *Synthesizer) Synthesize(ctx context.Context, req Request) (catalog.Descriptor, error) {
	if s.guard.Level() == guard.LevelNone {
		return catalog.Descriptor{}, &guard.PermissionError{
			Op:     "synthesize",
			Reason: "protection level none forbids all skill writes",
		}
	}

	feedback := ""
	var lastErr error
	for attempt := 0; attempt <= s.retries; attempt++ {
		md, err := s.backend.DraftSkill(ctx, req, feedback)
		if err != nil {
			return catalog.Descriptor{}, fmt.Errorf("draft skill: %w", err)
		}
		if md.Name == "" {
			md.Name = req.Name
		}
		desc, err := s.install(ctx, md)
		if err == nil {
			s.log.Info("skill synthesized", "skill", desc.Name, "attempts", attempt+1, "session_id", req.SessionID)
			if s.bus != nil {
				s.bus.Publish(bus.TopicSkillSynthesized, bus.SkillEvent{
					Name:    desc.Name,
					Version: desc.Version,
					Source:  string(desc.Source),
				})
			}
			return desc, nil
		}

		var verr *guard.ValidationError
		if errors.As(err, &verr) {
			// Rejected content is correctable; tell the drafter what tripped.
			feedback = verr.Error()
			lastErr = verr
			s.log.Warn("draft rejected by guard", "skill", md.Name, "attempt", attempt+1, "violations", len(verr.Violations))
			continue
		}
		return catalog.Descriptor{}, err
	}
	return catalog.Descriptor{}, fmt.Errorf("synthesis exhausted %d attempts: %w", s.retries+1, lastErr)
}

func (s *Synthesizer) install(ctx context.Context, md catalog.SkillMD) (catalog.Descriptor, error) {
	if md.Kind == "" {
		md.Kind = "instruction"
	}
	content, err := md.Serialize()
	if err != nil {
		return catalog.Descriptor{}, err
	}

	dir := filepath.Join(s.sandboxDir, catalog.CanonicalKey(md.Name))
	operation := "create"
	prevVersion := ""
	if existing, getErr := s.catalog.Get(md.Name); getErr == nil {
		operation = "modify"
		prevVersion = existing.Version
	}

	adm, err := s.guard.Admit(ctx, guard.Proposal{
		Skill:     md.Name,
		Operation: operation,
		Content:   content,
		Path:      filepath.Join(dir, "SKILL.md"),
		Summary:   summarize(md),
		Author:    guard.AuthorAgent,
	})
	if err != nil {
		return catalog.Descriptor{}, err
	}

	desc := catalog.Descriptor{
		Name:        md.Name,
		Description: md.Description,
		Kind:        catalog.Kind(md.Kind),
		Tier:        string(s.guard.Level()),
		Dir:         dir,
		Resources:   md.Resources,
		Version:     adm.Version,
	}
	if len(md.Params) > 0 {
		desc.ParamsJSON, err = encodeParams(md.Params)
		if err != nil {
			return catalog.Descriptor{}, err
		}
	}
	if err := s.catalog.Register(ctx, desc, prevVersion, adm.Token); err != nil {
		return catalog.Descriptor{}, fmt.Errorf("register synthesized skill: %w", err)
	}
	return desc, nil
}

func encodeParams(params map[string]any) (string, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encode params schema: %w", err)
	}
	return string(raw), nil
}

func summarize(md catalog.SkillMD) string {
	const max = 140
	summary := md.Name + ": " + md.Description
	if len(summary) > max {
		summary = summary[:max]
	}
	return strings.TrimSpace(summary)
}
