package agent

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/hyper-ai-inc/pullbroker/internal/approvals"
	"github.com/mattn/go-isatty"
)

// Prompter decides approval requests.
type Prompter interface {
	Approve(req approvals.Request) bool
}

// StaticPrompter answers every request the same way.
type StaticPrompter bool

func (p StaticPrompter) Approve(approvals.Request) bool { return bool(p) }

// TerminalPrompter asks a human on a terminal.
type TerminalPrompter struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

// NewTerminalPrompter reads answers from in and writes prompts to out.
func NewTerminalPrompter(in io.Reader, out io.Writer) *TerminalPrompter {
	return &TerminalPrompter{in: bufio.NewReader(in), out: out}
}

// Approve prints the request and waits for y or yes. Anything else,
// including end of input, denies.
func (p *TerminalPrompter) Approve(req approvals.Request) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.out, "\n%s wants to run:\n  %s\nAllow? [y/N] ", req.ToolName, req.ToolInput)
	line, err := p.in.ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

// NewPrompter prompts on in when it is a terminal and otherwise answers
// with fallback.
func NewPrompter(in *os.File, out io.Writer, fallback bool) Prompter {
	if isatty.IsTerminal(in.Fd()) || isatty.IsCygwinTerminal(in.Fd()) {
		return NewTerminalPrompter(in, out)
	}
	return StaticPrompter(fallback)
}
