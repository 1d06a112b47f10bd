package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// LoadBuiltins scans a directory of curated skills and registers each one.
// Layout is one subdirectory per skill containing a SKILL.md. A missing
// directory is not an error; a skill that fails to parse or collides with
// another name is reported, and loading continues past it.
func LoadBuiltins(ctx context.Context, c *Catalog, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read builtin skills dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	seen := make(map[string]string) // canonical key -> dir entry
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		skillDir := filepath.Join(dir, entry.Name())
		md, err := readSkillMD(skillDir)
		if err != nil {
			errs = append(errs, fmt.Errorf("builtin %s: %w", entry.Name(), err))
			continue
		}
		key := CanonicalKey(md.Name)
		if prev, dup := seen[key]; dup {
			errs = append(errs, fmt.Errorf("builtin %s: name %q already provided by %s", entry.Name(), md.Name, prev))
			continue
		}
		seen[key] = entry.Name()

		desc, err := descriptorFromSkillMD(md, skillDir)
		if err != nil {
			errs = append(errs, fmt.Errorf("builtin %s: %w", entry.Name(), err))
			continue
		}
		if err := c.RegisterBuiltin(ctx, desc); err != nil {
			errs = append(errs, fmt.Errorf("builtin %s: %w", entry.Name(), err))
			continue
		}
		c.log.Debug("builtin skill loaded", "skill", md.Name, "dir", skillDir)
	}
	return errors.Join(errs...)
}

// VerifySandbox re-parses each dynamic skill's SKILL.md after rehydration
// and quarantines entries whose on-disk content is missing or unparseable.
// Quarantine rather than deletion: the change ledger can still roll back.
func VerifySandbox(ctx context.Context, c *Catalog) error {
	c.mu.Lock()
	var damaged []string
	for _, desc := range c.skills {
		if desc.Source != SourceDynamic || desc.Status != StatusActive {
			continue
		}
		if _, err := readSkillMD(desc.Dir); err != nil {
			damaged = append(damaged, desc.Name)
		}
	}
	c.mu.Unlock()

	var errs []error
	for _, name := range damaged {
		c.log.Warn("dynamic skill unreadable on disk", "skill", name)
		if err := c.Quarantine(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("quarantine %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// descriptorFromSkillMD builds a catalog descriptor from parsed frontmatter.
func descriptorFromSkillMD(md SkillMD, dir string) (Descriptor, error) {
	paramsJSON := ""
	if len(md.Params) > 0 {
		raw, err := json.Marshal(md.Params)
		if err != nil {
			return Descriptor{}, fmt.Errorf("encode params schema: %w", err)
		}
		paramsJSON = string(raw)
	}
	return Descriptor{
		Name:        md.Name,
		Description: md.Description,
		Kind:        Kind(md.Kind),
		Dir:         dir,
		Resources:   md.Resources,
		ParamsJSON:  paramsJSON,
		Status:      StatusActive,
	}, nil
}
