package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/basket/skillforge/internal/catalog"
	"github.com/basket/skillforge/internal/config"
	"github.com/basket/skillforge/internal/guard"
	"github.com/basket/skillforge/internal/persistence"
)

// openCatalog builds the read-side runtime used by inspection commands: no
// executor, no backend, just the store, guard and catalog.
func openCatalog(ctx context.Context) (*catalog.Catalog, *guard.Guard, *persistence.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("config load: %w", err)
	}
	store, err := persistence.Open(dbPath(cfg), nil)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open db: %w", err)
	}

	pol, err := guard.Load(cfg.Guard.PolicyPath)
	if err != nil {
		store.Close()
		return nil, nil, nil, fmt.Errorf("load policy: %w", err)
	}
	if len(pol.SandboxPaths) == 0 {
		pol.SandboxPaths = []string{cfg.Skills.SandboxDir}
	}
	g := guard.New(guard.NewLivePolicy(pol, cfg.Guard.PolicyPath), store)

	cat, err := catalog.New(ctx, store, g)
	if err != nil {
		store.Close()
		return nil, nil, nil, fmt.Errorf("load catalog: %w", err)
	}
	return cat, g, store, nil
}

func runSkillsCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: skillforge skills <list|show|quarantine> ...")
		return 2
	}

	cat, _, store, err := openCatalog(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "list":
		return listSkills(ctx, cat, store)
	case "show":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "usage: skillforge skills show <name>")
			return 2
		}
		return showSkill(cat, args[1])
	case "quarantine":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "usage: skillforge skills quarantine <name>")
			return 2
		}
		if err := cat.Quarantine(ctx, args[1]); err != nil {
			fmt.Fprintf(os.Stderr, "quarantine: %v\n", err)
			return 1
		}
		fmt.Printf("skill %q quarantined\n", args[1])
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown skills action %q\n", args[0])
		return 2
	}
}

func listSkills(ctx context.Context, cat *catalog.Catalog, store *persistence.Store) int {
	rows, err := store.ListSkills(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list skills: %v\n", err)
		return 1
	}
	if len(rows) == 0 {
		fmt.Println("no skills registered")
		return 0
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tKIND\tSOURCE\tSTATUS\tVERSION\tFAULTS\tDESCRIPTION")
	for _, row := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			row.Name, row.Kind, row.Source, row.Status, row.Version, row.FaultCount, row.Description)
	}
	w.Flush()
	return 0
}

func showSkill(cat *catalog.Catalog, name string) int {
	desc, err := cat.Get(name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "show: %v\n", err)
		return 1
	}
	fmt.Printf("name:        %s\n", desc.Name)
	fmt.Printf("description: %s\n", desc.Description)
	fmt.Printf("kind:        %s\n", desc.Kind)
	fmt.Printf("source:      %s\n", desc.Source)
	fmt.Printf("status:      %s\n", desc.Status)
	fmt.Printf("version:     %s\n", desc.Version)
	fmt.Printf("faults:      %d\n", desc.FaultCount)
	if desc.Dir != "" {
		fmt.Printf("dir:         %s\n", desc.Dir)
	}
	if body, err := cat.LoadBody(name); err == nil && strings.TrimSpace(body) != "" {
		fmt.Printf("\n%s\n", strings.TrimSpace(body))
	}
	return 0
}
