// Package prompt asks the operator for session details on a line-oriented
// console.
package prompt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

const (
	userNameQuestion   = "What is your name?"
	taskQuestion       = "What task will you work on during this session?"
	reflectionQuestion = "How did the session go? What did you accomplish? (optional)"

	defaultNameAttempts = 3
)

// Console reads answers line by line. End of input counts as cancelling the
// question and yields an empty answer.
type Console struct {
	in           *bufio.Reader
	out          io.Writer
	nameAttempts int
	eof          bool
}

// NewConsole creates a console over in and out.
func NewConsole(in io.Reader, out io.Writer) *Console {
	return &Console{
		in:           bufio.NewReader(in),
		out:          out,
		nameAttempts: defaultNameAttempts,
	}
}

// Interactive reports whether f is a terminal.
func Interactive(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// UserName asks for the operator's name until a non-blank one is given or the
// attempts run out.
func (c *Console) UserName(ctx context.Context) (string, error) {
	for range c.nameAttempts {
		answer, err := c.ask(ctx, userNameQuestion)
		if err != nil {
			return "", err
		}
		if answer != "" {
			return answer, nil
		}
		if c.eof {
			break
		}
		fmt.Fprintln(c.out, "Name is required.")
	}
	return "", nil
}

// TaskDescription asks what the session is for. An empty answer means the
// session should not start.
func (c *Console) TaskDescription(ctx context.Context) (string, error) {
	return c.ask(ctx, taskQuestion)
}

// Reflection asks for an optional summary of the session.
func (c *Console) Reflection(ctx context.Context) (string, error) {
	return c.ask(ctx, reflectionQuestion)
}

func (c *Console) ask(ctx context.Context, question string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	fmt.Fprintf(c.out, "%s ", question)
	line, err := c.in.ReadString('\n')
	if err != nil {
		if !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("read answer: %w", err)
		}
		c.eof = true
		fmt.Fprintln(c.out)
	}
	return strings.TrimSpace(line), nil
}
