package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/basket/skillforge/internal/guard"
)

func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: skillforge status")
		return 2
	}

	_, g, store, err := openCatalog(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()

	status, err := g.Status(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	fmt.Printf("level:          %s\n", status.Level)
	fmt.Printf("policy version: %s\n", status.PolicyVersion)
	fmt.Printf("changes:        %d\n", status.ChangeCount)
	fmt.Printf("denials:        %d\n", status.DenyCount)
	for _, rec := range status.Recent {
		fmt.Printf("  %s  %-8s %-20s by %s\n",
			rec.CreatedAt.Format(time.RFC3339), rec.Operation, rec.Skill, rec.Author)
	}
	return 0
}

func runHistoryCommand(ctx context.Context, args []string) int {
	limit := 20
	switch len(args) {
	case 1:
	case 2:
		n, err := strconv.Atoi(args[1])
		if err != nil || n <= 0 {
			fmt.Fprintln(os.Stderr, "usage: skillforge history <skill> [limit]")
			return 2
		}
		limit = n
	default:
		fmt.Fprintln(os.Stderr, "usage: skillforge history <skill> [limit]")
		return 2
	}

	_, g, store, err := openCatalog(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()

	records, err := g.History(ctx, args[0], limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "history: %v\n", err)
		return 1
	}
	if len(records) == 0 {
		fmt.Printf("no changes recorded for %q\n", args[0])
		return 0
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CHANGE\tOPERATION\tAUTHOR\tLEVEL\tAT")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			rec.ID, rec.Operation, rec.Author, rec.Level, rec.CreatedAt.Format(time.RFC3339))
	}
	w.Flush()
	return 0
}

func runRollbackCommand(ctx context.Context, args []string) int {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: skillforge rollback <skill> <change-id>")
		return 2
	}

	_, g, store, err := openCatalog(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()

	if err := g.Rollback(ctx, args[0], args[1]); err != nil {
		fmt.Fprintf(os.Stderr, "rollback: %v\n", err)
		return 1
	}
	fmt.Printf("skill %q reverted to its state before change %s\n", args[0], args[1])
	return 0
}

func runLevelCommand(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: skillforge level <none|skills_only|extensions|full_with_approval>")
		return 2
	}
	level, err := guard.ParseLevel(strings.TrimSpace(args[0]))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	_, g, store, err := openCatalog(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()

	if err := g.SetLevel(ctx, level, guard.AuthorHuman); err != nil {
		fmt.Fprintf(os.Stderr, "set level: %v\n", err)
		return 1
	}
	fmt.Printf("protection level set to %s\n", level)
	return 0
}
