// Package cliio implements the line-oriented prompts used by the setup
// wizard. Every prompt reads from Prompter.In so tests can script answers.
package cliio

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// Prompter asks questions on Out and reads answers from In.
type Prompter struct {
	In  io.Reader
	Out io.Writer

	r *bufio.Reader
}

// DefaultPrompter prompts on the process terminal.
func DefaultPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

// line reads one trimmed answer. A final line without a trailing newline
// still counts, so piped input need not end in '\n'.
func (p *Prompter) line() string {
	if p.r == nil {
		p.r = bufio.NewReader(p.In)
	}
	s, err := p.r.ReadString('\n')
	if err != nil && s == "" {
		return ""
	}
	return strings.TrimSpace(s)
}

// Ask poses a question and returns the typed answer, or defaultVal when the
// user just presses Enter.
func (p *Prompter) Ask(question, defaultVal string) string {
	if defaultVal == "" {
		_, _ = fmt.Fprintf(p.Out, "%s: ", question)
	} else {
		_, _ = fmt.Fprintf(p.Out, "%s [%s]: ", question, defaultVal)
	}
	if ans := p.line(); ans != "" {
		return ans
	}
	return defaultVal
}

// AskPassword reads an answer without echo when In is a terminal. Piped
// input, test scripts included, falls back to an ordinary read.
func (p *Prompter) AskPassword(question string) string {
	_, _ = fmt.Fprintf(p.Out, "%s: ", question)

	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		secret, err := term.ReadPassword(int(f.Fd()))
		_, _ = fmt.Fprintln(p.Out)
		if err == nil {
			return strings.TrimSpace(string(secret))
		}
	}
	return p.line()
}

// Choose renders options as a numbered menu and keeps asking until the
// answer names one of them. The default option is marked with an asterisk.
func (p *Prompter) Choose(question string, options []string, defaultIdx int) string {
	_, _ = fmt.Fprintln(p.Out, question)
	for i, opt := range options {
		mark := " "
		if i == defaultIdx {
			mark = "*"
		}
		_, _ = fmt.Fprintf(p.Out, " %s %d) %s\n", mark, i+1, opt)
	}

	for {
		ans := p.Ask("Choice", strconv.Itoa(defaultIdx+1))
		if n, err := strconv.Atoi(ans); err == nil && n >= 1 && n <= len(options) {
			return options[n-1]
		}
		_, _ = fmt.Fprintf(p.Out, "  %q is not a choice, enter a number between 1 and %d\n", ans, len(options))
	}
}

// Confirm asks a yes/no question. Only an explicit "y" or "yes" counts as
// yes; an empty answer takes the default, anything else is no.
func (p *Prompter) Confirm(question string, defaultYes bool) bool {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	switch strings.ToLower(p.Ask(fmt.Sprintf("%s [%s]", question, hint), "")) {
	case "y", "yes":
		return true
	case "":
		return defaultYes
	default:
		return false
	}
}
