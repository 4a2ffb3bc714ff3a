package prompt

import (
	"fmt"
	"strings"

	"rag-chat-be/pkg/rag/search"
	"rag-chat-be/pkg/utils"
)

const (
	contextPreamble     = "Context from the user's documents:"
	contextInstructions = "Instructions: Use this information to enrich your answer. Cite the sources when you use specific information."

	defaultSystemMessage = "You are a helpful, accurate and professional AI assistant. Answer clearly and concisely."
)

// Builder assembles retrieval context blocks and the final generation prompt.
type Builder struct{}

func NewBuilder() *Builder {
	return &Builder{}
}

// BuildContext renders ranked chunks as attributed source blocks within a
// token budget. Chunks are taken in the given order; the first one that
// would overflow the budget stops the accumulation.
func (b *Builder) BuildContext(results []search.RankedResult, maxTokens int) string {
	if len(results) == 0 {
		return ""
	}

	var parts []string
	currentTokens := 0

	for _, res := range results {
		block := fmt.Sprintf("[Source: %s]\n%s\n", res.Filename, res.Content)
		blockTokens := utils.CountTokens(block)
		if currentTokens+blockTokens > maxTokens {
			break
		}
		parts = append(parts, block)
		currentTokens += blockTokens
	}

	return contextPreamble + "\n" + strings.Join(parts, "\n---\n") + "\n\n" + contextInstructions
}

// BuildPrompt lays out system message, optional context and the user turn in
// the System/Context/Human/Assistant format the generation model expects.
func (b *Builder) BuildPrompt(userPrompt, systemMessage, ragContext string) string {
	if systemMessage == "" {
		systemMessage = defaultSystemMessage
	}

	parts := []string{"System: " + systemMessage}
	if ragContext != "" {
		parts = append(parts, "Context: "+ragContext)
	}
	parts = append(parts, "Human: "+userPrompt, "Assistant:")

	return strings.Join(parts, "\n\n")
}
