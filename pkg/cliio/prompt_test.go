package cliio

import (
	"bytes"
	"strings"
	"testing"
)

func newTestPrompter(input string) (*Prompter, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return &Prompter{In: strings.NewReader(input), Out: out}, out
}

func TestAsk(t *testing.T) {
	p, out := newTestPrompter("custom\n")
	if got := p.Ask("Server address", ":8080"); got != "custom" {
		t.Errorf("got %q", got)
	}
	if !strings.Contains(out.String(), "[:8080]") {
		t.Errorf("default not shown: %q", out.String())
	}
}

func TestAskDefault(t *testing.T) {
	p, _ := newTestPrompter("\n")
	if got := p.Ask("Server address", ":8080"); got != ":8080" {
		t.Errorf("got %q", got)
	}
}

func TestAskTrimsWhitespace(t *testing.T) {
	p, _ := newTestPrompter("  value  \n")
	if got := p.Ask("Q", ""); got != "value" {
		t.Errorf("got %q", got)
	}
}

func TestAskPasswordFallback(t *testing.T) {
	// A strings.Reader is not a terminal, so the plain read path is used.
	p, _ := newTestPrompter("hunter22\n")
	if got := p.AskPassword("Password"); got != "hunter22" {
		t.Errorf("got %q", got)
	}
}

func TestChoose(t *testing.T) {
	p, _ := newTestPrompter("2\n")
	got := p.Choose("Database", []string{"sqlite", "postgres"}, 0)
	if got != "postgres" {
		t.Errorf("got %q", got)
	}
}

func TestChooseDefault(t *testing.T) {
	p, _ := newTestPrompter("\n")
	got := p.Choose("Database", []string{"sqlite", "postgres"}, 0)
	if got != "sqlite" {
		t.Errorf("got %q", got)
	}
}

func TestChooseRetriesOnInvalid(t *testing.T) {
	p, out := newTestPrompter("9\nbanana\n1\n")
	got := p.Choose("Database", []string{"sqlite", "postgres"}, 0)
	if got != "sqlite" {
		t.Errorf("got %q", got)
	}
	if strings.Count(out.String(), "is not a choice") != 2 {
		t.Errorf("retry prompt missing: %q", out.String())
	}
}

func TestAskWithoutTrailingNewline(t *testing.T) {
	p, _ := newTestPrompter("value")
	if got := p.Ask("Q", ""); got != "value" {
		t.Errorf("got %q", got)
	}
}

func TestConfirm(t *testing.T) {
	cases := []struct {
		input      string
		defaultYes bool
		want       bool
	}{
		{"y\n", false, true},
		{"Yes\n", false, true},
		{"n\n", true, false},
		{"\n", true, true},
		{"\n", false, false},
		{"whatever\n", true, false},
	}
	for _, tc := range cases {
		p, _ := newTestPrompter(tc.input)
		if got := p.Confirm("Continue", tc.defaultYes); got != tc.want {
			t.Errorf("input %q default %v: got %v", tc.input, tc.defaultYes, got)
		}
	}
}
