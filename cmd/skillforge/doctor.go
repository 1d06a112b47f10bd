package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/basket/skillforge/internal/config"
	"github.com/basket/skillforge/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		if arg == "-json" || arg == "--json" {
			jsonOutput = true
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		// Continue anyway to diagnose why.
	}

	diag := doctor.Run(ctx, &cfg, Version)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "encode json: %v\n", err)
			return 1
		}
	} else {
		fmt.Printf("Skillforge Doctor Report (%s)\n", diag.Timestamp.Format(time.RFC3339))
		fmt.Printf("System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
		fmt.Println("---")
		for _, res := range diag.Results {
			fmt.Printf("%-4s %-12s: %s\n", res.Status, res.Name, res.Message)
			if res.Detail != "" {
				fmt.Printf("     %s\n", res.Detail)
			}
		}
	}

	if !diag.Healthy() {
		return 1
	}
	return 0
}
