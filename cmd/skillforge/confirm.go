package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/basket/skillforge/internal/guard"
)

// terminalConfirmer asks for human approval on the terminal. It is only
// consulted at protection level full_with_approval.
type terminalConfirmer struct {
	in      io.Reader
	out     io.Writer
	timeout time.Duration // 0 = wait forever
}

func newTerminalConfirmer(in io.Reader, out io.Writer, timeoutSeconds int) *terminalConfirmer {
	return &terminalConfirmer{
		in:      in,
		out:     out,
		timeout: time.Duration(timeoutSeconds) * time.Second,
	}
}

func (c *terminalConfirmer) Confirm(ctx context.Context, req guard.ConfirmRequest) (bool, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	fmt.Fprintf(c.out, "\napproval required: %s skill %q\n", req.Operation, req.Skill)
	if req.Summary != "" {
		fmt.Fprintf(c.out, "  %s\n", req.Summary)
	}
	if req.Content != "" {
		fmt.Fprintf(c.out, "---\n%s\n---\n", strings.TrimSpace(req.Content))
	}
	fmt.Fprint(c.out, "apply this change? [y/N]: ")

	answers := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(c.in)
		if scanner.Scan() {
			answers <- scanner.Text()
			return
		}
		answers <- ""
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(c.out, "\nno answer; change denied")
		return false, nil
	case answer := <-answers:
		return parseApproval(answer), nil
	}
}

func parseApproval(answer string) bool {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}
