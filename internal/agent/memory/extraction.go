package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/omrylcn/gbot-sub000/internal/agent/ai"
	"github.com/omrylcn/gbot-sub000/internal/agent/session"
)

// Facts contains facts extracted from a conversation
type Facts struct {
	Preferences []Preference `json:"preferences"`
	Notes       []string     `json:"notes"`
}

// Preference is one durable user preference
type Preference struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// IsEmpty returns true if no facts were extracted
func (f *Facts) IsEmpty() bool {
	return f == nil || (len(f.Preferences) == 0 && len(f.Notes) == 0)
}

// ExtractFactsPrompt is the prompt used to extract facts from messages
const ExtractFactsPrompt = `Analyze the following conversation and extract durable facts about the user that should be remembered long-term.

Return a JSON object with two arrays:
1. "preferences" - stable user preferences as {"key": "...", "value": "..."} objects (e.g. {"key": "language", "value": "Turkish"}, {"key": "units", "value": "metric"})
2. "notes" - short standalone statements worth remembering (people, projects, plans, decisions)

Skip:
- Greetings and casual chat
- Temporary or time-sensitive information
- Information that can be easily looked up

If nothing is worth remembering, return {"preferences": [], "notes": []}.

Conversation to analyze:
%s

Respond ONLY with valid JSON, no other text.`

// Extractor extracts facts from conversations
type Extractor struct {
	provider ai.Provider
	model    string
}

// NewExtractor creates a new fact extractor
func NewExtractor(provider ai.Provider) *Extractor {
	return &Extractor{provider: provider}
}

// WithModel sets the model used for extraction calls
func (e *Extractor) WithModel(model string) *Extractor {
	e.model = model
	return e
}

// Extract extracts facts from a conversation
func (e *Extractor) Extract(ctx context.Context, messages []session.Message) (*Facts, error) {
	transcript := session.Render(messages)
	if transcript == "" {
		return &Facts{}, nil
	}

	msg, err := ai.CompleteErr(ctx, e.provider, &ai.ChatRequest{
		Messages: []session.Message{session.UserMessage{Content: fmt.Sprintf(ExtractFactsPrompt, transcript)}},
		Model:    e.model,
	})
	if err != nil {
		return nil, fmt.Errorf("extract facts: %w", err)
	}
	return ParseFacts(msg.Content)
}

// ParseFacts decodes a model response into Facts. Code fences and prose
// around the object are ignored. Malformed entries are skipped one by one;
// only a response with no decodable object at all is an error.
func ParseFacts(text string) (*Facts, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return &Facts{}, nil
	}

	obj := FirstJSONObject(StripFences(text))
	if obj == "" {
		// prose like "Nothing to remember here"
		return &Facts{}, nil
	}

	var raw struct {
		Preferences []json.RawMessage `json:"preferences"`
		Notes       []json.RawMessage `json:"notes"`
	}
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		// a non-array field: fall back to decoding each field on its own
		var loose map[string]json.RawMessage
		if err2 := json.Unmarshal([]byte(obj), &loose); err2 != nil {
			return nil, fmt.Errorf("parse extracted facts: %w", err)
		}
		_ = json.Unmarshal(loose["preferences"], &raw.Preferences)
		_ = json.Unmarshal(loose["notes"], &raw.Notes)
	}

	facts := &Facts{}
	for _, entry := range raw.Preferences {
		var p map[string]any
		if json.Unmarshal(entry, &p) != nil || p == nil {
			continue
		}
		key, _ := p["key"].(string)
		key = NormalizeMemoryKey(key)
		value := scalarString(p["value"])
		if key == "" || value == "" {
			continue
		}
		facts.Preferences = append(facts.Preferences, Preference{Key: key, Value: value})
	}
	for _, entry := range raw.Notes {
		var note string
		if json.Unmarshal(entry, &note) != nil {
			continue
		}
		if note = strings.TrimSpace(note); note != "" {
			facts.Notes = append(facts.Notes, note)
		}
	}
	return facts, nil
}

// scalarString renders strings, numbers and booleans. Anything else is empty.
func scalarString(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		if x {
			return "true"
		}
		return "false"
	}
	return ""
}

// StripFences removes a surrounding markdown code fence (```json ... ```)
func StripFences(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		if idx := strings.Index(text, "\n"); idx != -1 {
			text = text[idx+1:]
		} else {
			text = strings.TrimLeft(text, "`")
		}
		if idx := strings.LastIndex(text, "```"); idx != -1 {
			text = text[:idx]
		}
	}
	return strings.TrimSpace(strings.Trim(text, "`"))
}

// FirstJSONObject returns the first balanced {...} object in text, or "".
// Braces inside JSON strings are not counted.
func FirstJSONObject(text string) string {
	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

var (
	keySeparators = regexp.MustCompile(`[\s_]+`)
	keyDashes     = regexp.MustCompile(`-{2,}`)
	keySlashes    = regexp.MustCompile(`/{2,}`)
)

// NormalizeMemoryKey lowercases a key and collapses separators so that
// "Code_Style" and "code-style" land on the same entry.
func NormalizeMemoryKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	key = keySeparators.ReplaceAllString(key, "-")
	key = keyDashes.ReplaceAllString(key, "-")
	key = keySlashes.ReplaceAllString(key, "/")
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = strings.Trim(p, "-")
	}
	return strings.Trim(strings.Join(parts, "/"), "/")
}
