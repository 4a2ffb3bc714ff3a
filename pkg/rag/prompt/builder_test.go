package prompt

import (
	"strings"
	"testing"

	"rag-chat-be/pkg/rag/search"
)

func TestBuildContextEmptyInput(t *testing.T) {
	b := NewBuilder()
	if got := b.BuildContext(nil, 2000); got != "" {
		t.Errorf("BuildContext(nil) = %q, want empty", got)
	}
}

func TestBuildContextFormat(t *testing.T) {
	b := NewBuilder()
	results := []search.RankedResult{
		{Content: "alpha beta", Filename: "one.txt", Similarity: 0.9},
		{Content: "gamma delta", Filename: "two.txt", Similarity: 0.8},
	}

	got := b.BuildContext(results, 2000)

	if !strings.Contains(got, "[Source: one.txt]\nalpha beta\n") {
		t.Errorf("missing first source block in %q", got)
	}
	if !strings.Contains(got, "[Source: two.txt]\ngamma delta\n") {
		t.Errorf("missing second source block in %q", got)
	}
	if !strings.Contains(got, "\n---\n") {
		t.Errorf("blocks not joined with separator in %q", got)
	}
	if !strings.HasPrefix(got, "Context from the user's documents:") {
		t.Errorf("missing preamble in %q", got)
	}
	if !strings.Contains(got, "Instructions:") {
		t.Errorf("missing instructions in %q", got)
	}
}

func TestBuildContextRespectsTokenBudget(t *testing.T) {
	b := NewBuilder()
	results := []search.RankedResult{
		{Content: "one two three four five", Filename: "a.txt"},
		{Content: "six seven eight nine ten", Filename: "b.txt"},
	}

	// First block is "[Source: a.txt]" + 5 words + trailing newline = 7
	// counted tokens; a budget of 10 cannot fit the second block.
	got := b.BuildContext(results, 10)

	if !strings.Contains(got, "a.txt") {
		t.Errorf("first block should fit budget, got %q", got)
	}
	if strings.Contains(got, "b.txt") {
		t.Errorf("second block should be dropped by budget, got %q", got)
	}
}

func TestBuildPromptLayout(t *testing.T) {
	b := NewBuilder()

	got := b.BuildPrompt("what is up", "", "some context")
	wantOrder := []string{"System: ", "Context: some context", "Human: what is up", "Assistant:"}
	last := -1
	for _, marker := range wantOrder {
		idx := strings.Index(got, marker)
		if idx < 0 {
			t.Fatalf("prompt missing %q: %q", marker, got)
		}
		if idx < last {
			t.Errorf("prompt section %q out of order in %q", marker, got)
		}
		last = idx
	}

	parts := strings.Split(got, "\n\n")
	if len(parts) != 4 {
		t.Errorf("prompt has %d sections, want 4", len(parts))
	}
}

func TestBuildPromptWithoutContext(t *testing.T) {
	b := NewBuilder()

	got := b.BuildPrompt("hello", "custom system", "")
	if strings.Contains(got, "Context:") {
		t.Errorf("empty context should omit Context section: %q", got)
	}
	if !strings.Contains(got, "System: custom system") {
		t.Errorf("custom system message not applied: %q", got)
	}
}
