package scenario

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// ErrDeclined is returned (wrapped in a PhaseError) when the operator
// declines a destructive action.
var ErrDeclined = errors.New("action declined by operator")

// Confirmer gates destructive actions: stopping a node and restarting it.
type Confirmer interface {
	Confirm(ctx context.Context, prompt string) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, prompt string) (bool, error)

// Confirm calls f.
func (f ConfirmFunc) Confirm(ctx context.Context, prompt string) (bool, error) {
	return f(ctx, prompt)
}

// AlwaysConfirm approves every action, for --yes and tests.
var AlwaysConfirm Confirmer = ConfirmFunc(func(context.Context, string) (bool, error) { return true, nil })

// Prompt asks on out and reads a y/N answer from in. Anything but "y" or
// "yes" declines, as does end of input.
//
// One goroutine reads in for the life of the Prompt, so a Confirm abandoned
// on ctx leaves the next line for the next Confirm.
type Prompt struct {
	mu      sync.Mutex
	in      *bufio.Reader
	out     io.Writer
	once    sync.Once
	answers chan answer
}

type answer struct {
	line string
	err  error
}

// NewPrompt creates an interactive confirmer.
func NewPrompt(in io.Reader, out io.Writer) *Prompt {
	return &Prompt{in: bufio.NewReader(in), out: out, answers: make(chan answer)}
}

// read feeds answers until in is exhausted, then closes the channel.
func (p *Prompt) read() {
	defer close(p.answers)
	for {
		line, err := p.in.ReadString('\n')
		if line != "" {
			p.answers <- answer{line: line}
		}
		if err != nil {
			if err != io.EOF {
				p.answers <- answer{err: err}
			}
			return
		}
	}
}

// Confirm prints prompt and waits for an answer or ctx.
func (p *Prompt) Confirm(ctx context.Context, prompt string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := fmt.Fprintf(p.out, "%s [y/N]: ", prompt); err != nil {
		return false, err
	}
	p.once.Do(func() { go p.read() })

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case a, ok := <-p.answers:
		if !ok {
			return false, nil
		}
		if a.err != nil {
			return false, a.err
		}
		switch strings.ToLower(strings.TrimSpace(a.line)) {
		case "y", "yes":
			return true, nil
		default:
			return false, nil
		}
	}
}
