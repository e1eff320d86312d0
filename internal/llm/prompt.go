package llm

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"

	"github.com/searchmesh/cachesync/pkg/models"
)

// ParentExcerptLen is the character budget for the parent excerpt
// spliced into a follow-up system prompt, per spec.md §4.5.
const ParentExcerptLen = 200

// PromptTokenBudget bounds the assembled system prompt before it is
// sent to the LLM, a supplemented guard on top of spec.md's char-count
// truncation.
const PromptTokenBudget = 2000

const rootSystemPrompt = `You are a search assistant. Answer the user's
query directly, cite sources as a trailing "Sources:" line, and keep the
answer focused.`

const followUpSystemPromptTemplate = `You are a search assistant
continuing a conversation. The prior answer was:

%s

Answer the follow-up query directly, cite sources as a trailing
"Sources:" line, and keep the answer focused.`

// BuildSystemPrompt selects the root or follow-up template and splices
// in a 200-char excerpt of parent when present.
func BuildSystemPrompt(parent *models.SearchResult) string {
	if parent == nil {
		return rootSystemPrompt
	}
	return fmt.Sprintf(followUpSystemPromptTemplate, excerpt(parent.Content, ParentExcerptLen))
}

func excerpt(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// tokenCount counts prompt's tokens with the cl100k_base codec,
// returning a conservative character-based estimate if the tokenizer
// cannot be loaded.
func tokenCount(prompt string) int {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		log.Warn().Err(err).Msg("llm: tokenizer unavailable, using char estimate")
		return len(prompt) / 4
	}
	n, err := codec.Count(prompt)
	if err != nil {
		log.Warn().Err(err).Msg("llm: token count failed, using char estimate")
		return len(prompt) / 4
	}
	return n
}

// TruncateToBudget drops whole lines from the end of prompt until it
// fits within PromptTokenBudget tokens; the first line is always kept.
func TruncateToBudget(prompt string) string {
	if tokenCount(prompt) <= PromptTokenBudget {
		return prompt
	}

	lines := strings.Split(prompt, "\n")
	for tokenCount(strings.Join(lines, "\n")) > PromptTokenBudget && len(lines) > 1 {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}
