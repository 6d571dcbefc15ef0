package memory

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/omrylcn/gbot-sub000/internal/agent/ai"
	"github.com/omrylcn/gbot-sub000/internal/agent/session"
)

// maxTranscriptBytes is the maximum transcript size sent to the LLM.
const maxTranscriptBytes = 16000

const summarizePrompt = `Summarize the following conversation between a user and their assistant in a short paragraph (at most 5 sentences).
Keep names, decisions, open tasks and anything the assistant promised to do. Write in the same language as the conversation.

Conversation:
%s

Summary:`

// Summarizer condenses a conversation into a short paragraph
type Summarizer struct {
	provider ai.Provider
	model    string
}

// NewSummarizer creates a summarizer backed by provider
func NewSummarizer(provider ai.Provider) *Summarizer {
	return &Summarizer{provider: provider}
}

// WithModel sets the model used for summarization calls
func (s *Summarizer) WithModel(model string) *Summarizer {
	s.model = model
	return s
}

// Summarize returns a summary of messages. Tool scaffolding is ignored.
// An empty transcript yields an empty summary without calling the model.
func (s *Summarizer) Summarize(ctx context.Context, messages []session.Message) (string, error) {
	transcript := session.Render(messages)
	if transcript == "" {
		return "", nil
	}
	if len(transcript) > maxTranscriptBytes {
		// keep the tail, the most recent turns matter most
		transcript = tail(transcript, maxTranscriptBytes)
	}

	msg, err := ai.CompleteErr(ctx, s.provider, &ai.ChatRequest{
		Messages: []session.Message{session.UserMessage{Content: fmt.Sprintf(summarizePrompt, transcript)}},
		Model:    s.model,
	})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return strings.TrimSpace(msg.Content), nil
}

// tail returns the last n bytes of s or fewer, starting on a rune boundary
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}
