package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/basket/skillforge/internal/catalog"
	"github.com/basket/skillforge/internal/guard"
)

// BuiltinDeps carries what the curated skills need at runtime.
type BuiltinDeps struct {
	Guard    *guard.Guard
	NotesDir string
}

// builtinSkill pairs a catalog descriptor with its implementation.
type builtinSkill struct {
	desc    catalog.Descriptor
	handler Handler
}

// InstallBuiltins registers the curated skill set: clock, notes, fetch and
// the guard surfaces. These are code-backed; their catalog entries exist so
// the resolver and the tier-1 listing can see them.
func InstallBuiltins(ctx context.Context, cat *catalog.Catalog, e *Executor, deps BuiltinDeps) error {
	for _, b := range builtinSkills(deps) {
		if err := cat.RegisterBuiltin(ctx, b.desc); err != nil {
			return fmt.Errorf("install builtin %q: %w", b.desc.Name, err)
		}
		e.RegisterHandler(b.desc.Name, b.handler)
	}
	return nil
}

func builtinSkills(deps BuiltinDeps) []builtinSkill {
	return []builtinSkill{
		{
			desc: catalog.Descriptor{
				Name:        "clock",
				Description: "tells the current date and time",
				Kind:        catalog.KindBuiltin,
			},
			handler: clockHandler,
		},
		{
			desc: catalog.Descriptor{
				Name:        "notes",
				Description: "records, lists and reads short named notes",
				Kind:        catalog.KindBuiltin,
				ParamsJSON: `{"type":"object","properties":{` +
					`"action":{"type":"string","enum":["create","list","read"]},` +
					`"title":{"type":"string"},` +
					`"content":{"type":"string"}},` +
					`"required":["action"]}`,
			},
			handler: notesHandler(deps.NotesDir),
		},
		{
			desc: catalog.Descriptor{
				Name:        "fetch",
				Description: "fetches the body of an allowlisted http or https url",
				Kind:        catalog.KindBuiltin,
				ParamsJSON:  `{"type":"object","properties":{"url":{"type":"string"}},"required":["url"]}`,
			},
			handler: fetchHandler(deps.Guard),
		},
		{
			desc: catalog.Descriptor{
				Name:        "guard_status",
				Description: "reports the protection level, policy version and change counts",
				Kind:        catalog.KindBuiltin,
			},
			handler: guardStatusHandler(deps.Guard),
		},
		{
			desc: catalog.Descriptor{
				Name:        "guard_history",
				Description: "lists the change history of a skill",
				Kind:        catalog.KindBuiltin,
				ParamsJSON: `{"type":"object","properties":{` +
					`"skill":{"type":"string"},"limit":{"type":"integer"}},` +
					`"required":["skill"]}`,
			},
			handler: guardHistoryHandler(deps.Guard),
		},
		{
			desc: catalog.Descriptor{
				Name:        "guard_rollback",
				Description: "reverts a skill to the state before a recorded change",
				Kind:        catalog.KindBuiltin,
				ParamsJSON: `{"type":"object","properties":{` +
					`"skill":{"type":"string"},"change_id":{"type":"string"}},` +
					`"required":["skill","change_id"]}`,
			},
			handler: guardRollbackHandler(deps.Guard),
		},
	}
}

func clockHandler(ctx context.Context, args map[string]any) Result {
	now := time.Now().UTC()
	return ok(now.Format(time.RFC3339), map[string]any{
		"unix": now.Unix(),
		"iso":  now.Format(time.RFC3339),
	})
}

var noteTitleRe = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

func notesHandler(dir string) Handler {
	return func(ctx context.Context, args map[string]any) Result {
		action, _ := args["action"].(string)
		switch action {
		case "create":
			title, _ := args["title"].(string)
			content, _ := args["content"].(string)
			if !noteTitleRe.MatchString(title) {
				return fail(ReasonBadArgs, "note title must match %s", noteTitleRe)
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fail(ReasonToolError, "create notes dir: %v", err)
			}
			path := filepath.Join(dir, title+".md")
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return fail(ReasonToolError, "write note: %v", err)
			}
			return ok("note saved", map[string]any{"title": title})

		case "list":
			entries, err := os.ReadDir(dir)
			if err != nil {
				if os.IsNotExist(err) {
					return ok("no notes", map[string]any{"titles": []string{}})
				}
				return fail(ReasonToolError, "list notes: %v", err)
			}
			var titles []string
			for _, entry := range entries {
				if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".md") {
					titles = append(titles, strings.TrimSuffix(entry.Name(), ".md"))
				}
			}
			sort.Strings(titles)
			return ok(fmt.Sprintf("%d notes", len(titles)), map[string]any{"titles": titles})

		case "read":
			title, _ := args["title"].(string)
			if !noteTitleRe.MatchString(title) {
				return fail(ReasonBadArgs, "note title must match %s", noteTitleRe)
			}
			data, err := os.ReadFile(filepath.Join(dir, title+".md"))
			if err != nil {
				return fail(ReasonToolError, "read note %q: %v", title, err)
			}
			return ok("note loaded", map[string]any{"title": title, "content": string(data)})

		default:
			return fail(ReasonBadArgs, "unknown action %q", action)
		}
	}
}

func fetchHandler(g *guard.Guard) Handler {
	return func(ctx context.Context, args map[string]any) Result {
		rawURL, _ := args["url"].(string)
		if g == nil || !g.Policy().AllowHTTPURL(rawURL) {
			return fail(ReasonToolError, "url %q is not allowlisted", rawURL)
		}
		body, err := httpGet(ctx, rawURL)
		if err != nil {
			return fail(ReasonToolError, "fetch %q: %v", rawURL, err)
		}
		return ok("fetched", map[string]any{"url": rawURL, "body": body})
	}
}

func guardStatusHandler(g *guard.Guard) Handler {
	return func(ctx context.Context, args map[string]any) Result {
		st, err := g.Status(ctx)
		if err != nil {
			return fail(ReasonToolError, "guard status: %v", err)
		}
		return ok("guard status", map[string]any{
			"level":          string(st.Level),
			"policy_version": st.PolicyVersion,
			"change_count":   st.ChangeCount,
			"deny_count":     st.DenyCount,
		})
	}
}

func guardHistoryHandler(g *guard.Guard) Handler {
	return func(ctx context.Context, args map[string]any) Result {
		skill, _ := args["skill"].(string)
		limit := intArg(args, "limit", 10)
		records, err := g.History(ctx, skill, limit)
		if err != nil {
			return fail(ReasonToolError, "guard history: %v", err)
		}
		items := make([]map[string]any, 0, len(records))
		for _, rec := range records {
			items = append(items, map[string]any{
				"change_id": rec.ID,
				"operation": rec.Operation,
				"author":    rec.Author,
				"level":     rec.Level,
				"at":        rec.CreatedAt.Format(time.RFC3339),
			})
		}
		return ok(fmt.Sprintf("%d changes", len(items)), map[string]any{"changes": items})
	}
}

func guardRollbackHandler(g *guard.Guard) Handler {
	return func(ctx context.Context, args map[string]any) Result {
		skill, _ := args["skill"].(string)
		changeID, _ := args["change_id"].(string)
		if err := g.Rollback(ctx, skill, changeID); err != nil {
			return fail(ReasonToolError, "rollback %q: %v", skill, err)
		}
		return ok("rolled back", map[string]any{"skill": skill, "change_id": changeID})
	}
}

// intArg reads an integer argument that may arrive as float64 or json.Number.
func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
		return fallback
	default:
		return fallback
	}
}
