package approval

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
)

// CLIPrompt resolves approval requests by asking on the terminal.
type CLIPrompt struct {
	mu     sync.Mutex
	reader *bufio.Reader
	writer io.Writer
}

// NewCLIPrompt creates a prompt reading from r and writing to w.
func NewCLIPrompt(r io.Reader, w io.Writer) *CLIPrompt {
	return &CLIPrompt{
		reader: bufio.NewReader(r),
		writer: w,
	}
}

// RequestDecision displays the tool call and waits for a y/N answer.
// Prompts are serialized so concurrent approvals do not interleave on the
// terminal; each is still resolved independently.
func (p *CLIPrompt) RequestDecision(ctx context.Context, req Request) (bool, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.display(req)

	answerCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		line, err := p.reader.ReadString('\n')
		if err != nil {
			errCh <- err
			return
		}
		answerCh <- line
	}()

	select {
	case line := <-answerCh:
		answer := strings.ToLower(strings.TrimSpace(line))
		if answer == "y" || answer == "yes" {
			return true, "approved by user", nil
		}
		return false, "denied by user", nil

	case err := <-errCh:
		return false, "", fmt.Errorf("failed to read approval input: %w", err)

	case <-ctx.Done():
		fmt.Fprintln(p.writer, "\n  Approval cancelled.")
		return false, "cancelled", ctx.Err()
	}
}

func (p *CLIPrompt) display(req Request) {
	fmt.Fprintln(p.writer, "")
	fmt.Fprintln(p.writer, "  ── approval required ──────────────────────────")
	fmt.Fprintf(p.writer, "  Tool:    %s\n", req.ToolName)
	fmt.Fprintf(p.writer, "  Call:    %s\n", req.ToolCallID)
	if len(req.Args) > 0 {
		pretty, err := json.MarshalIndent(req.Args, "           ", "  ")
		if err == nil {
			fmt.Fprintf(p.writer, "  Args:    %s\n", pretty)
		}
	}
	fmt.Fprintln(p.writer, "")
	fmt.Fprint(p.writer, "  Allow this tool call? [y/N]: ")
}
