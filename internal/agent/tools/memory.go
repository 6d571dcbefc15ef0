package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/omrylcn/gbot-sub000/internal/agent/memory"
	"github.com/omrylcn/gbot-sub000/internal/db"
)

// Memory content limits
const (
	MaxMemoryKeyLength   = 128
	MaxMemoryValueLength = 2048
)

// instructionPatterns matches content that reads like an attempt to plant
// instructions in long-term memory. Checked case-insensitively.
var instructionPatterns = regexp.MustCompile(`(?i)` +
	`(ignore\s+(all\s+)?previous\s+instructions)` +
	`|(disregard\s+(all\s+)?previous)` +
	`|(you\s+are\s+now\s+)` +
	`|(new\s+instructions?\s*:)` +
	`|(<\s*/?\s*system(-?(prompt|message))?\s*>)` +
	`|(override\s+(all\s+)?previous)` +
	`|(from\s+now\s+on\s*,?\s*you)`,
)

func cleanKey(key string) (string, error) {
	key = memory.NormalizeMemoryKey(stripControlChars(key))
	if key == "" {
		return "", errors.New("key is required")
	}
	if len(key) > MaxMemoryKeyLength {
		key = key[:MaxMemoryKeyLength]
	}
	return key, nil
}

func cleanValue(value string) (string, error) {
	value = strings.TrimSpace(stripControlChars(value))
	if value == "" {
		return "", errors.New("value is required")
	}
	if len(value) > MaxMemoryValueLength {
		value = value[:MaxMemoryValueLength]
	}
	if instructionPatterns.MatchString(value) {
		return "", errors.New("value contains instruction-like content that cannot be stored in memory")
	}
	return value, nil
}

// stripControlChars removes control characters except newlines and tabs
func stripControlChars(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || r == '\r' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// SaveMemoryTool stores a keyed fact about the user
type SaveMemoryTool struct {
	store *db.Store
}

func (t *SaveMemoryTool) Name() string { return "save_memory" }
func (t *SaveMemoryTool) Group() Group { return GroupMemory }

func (t *SaveMemoryTool) Description() string {
	return "Save a durable fact about the user under a short key (e.g. \"user/timezone\"). Saving an existing key replaces it."
}

func (t *SaveMemoryTool) Schema() json.RawMessage {
	return schema(map[string]any{
		"key":     prop("string", "Short path-like key, e.g. preference/coffee"),
		"content": prop("string", "The fact to remember"),
	}, "key", "content")
}

func (t *SaveMemoryTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var in struct {
		Key     string `json:"key"`
		Content string `json:"content"`
	}
	if err := decodeInput(input, &in); err != nil {
		return "", err
	}
	cc, err := userFrom(ctx)
	if err != nil {
		return "", err
	}
	key, err := cleanKey(in.Key)
	if err != nil {
		return "", err
	}
	value, err := cleanValue(in.Content)
	if err != nil {
		return "", err
	}
	if err := t.store.SetMemory(ctx, cc.UserID, key, value); err != nil {
		return "", err
	}
	return fmt.Sprintf("Saved memory %q.", key), nil
}

// RecallMemoryTool reads one memory entry or lists them all
type RecallMemoryTool struct {
	store *db.Store
}

func (t *RecallMemoryTool) Name() string { return "recall_memory" }
func (t *RecallMemoryTool) Group() Group { return GroupMemory }

func (t *RecallMemoryTool) Description() string {
	return "Recall a saved fact by key. Without a key, lists every saved fact."
}

func (t *RecallMemoryTool) Schema() json.RawMessage {
	return schema(map[string]any{
		"key": prop("string", "Key to recall; omit to list all"),
	})
}

func (t *RecallMemoryTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var in struct {
		Key string `json:"key"`
	}
	if err := decodeInput(input, &in); err != nil {
		return "", err
	}
	cc, err := userFrom(ctx)
	if err != nil {
		return "", err
	}

	if strings.TrimSpace(in.Key) != "" {
		key := memory.NormalizeMemoryKey(in.Key)
		entry, err := t.store.GetMemory(ctx, cc.UserID, key)
		if errors.Is(err, db.ErrNotFound) {
			return fmt.Sprintf("No memory saved under %q.", key), nil
		}
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s: %s", entry.Key, entry.Content), nil
	}

	entries, err := t.store.ListMemory(ctx, cc.UserID)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "No memories saved yet.", nil
	}
	var sb strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&sb, "- %s: %s\n", e.Key, e.Content)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

// AddNoteTool appends a free-form note
type AddNoteTool struct {
	store *db.Store
}

func (t *AddNoteTool) Name() string        { return "add_note" }
func (t *AddNoteTool) Group() Group        { return GroupMemory }
func (t *AddNoteTool) Description() string { return "Add a free-form note about the user." }

func (t *AddNoteTool) Schema() json.RawMessage {
	return schema(map[string]any{
		"content": prop("string", "Note text"),
	}, "content")
}

func (t *AddNoteTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var in struct {
		Content string `json:"content"`
	}
	if err := decodeInput(input, &in); err != nil {
		return "", err
	}
	cc, err := userFrom(ctx)
	if err != nil {
		return "", err
	}
	content, err := cleanValue(in.Content)
	if err != nil {
		return "", err
	}
	note, err := t.store.AddNote(ctx, cc.UserID, content, db.NoteSourceUser)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Note %d added.", note.ID), nil
}

// SetPreferenceTool merges one preference into the user's preference map
type SetPreferenceTool struct {
	store *db.Store
}

func (t *SetPreferenceTool) Name() string { return "set_preference" }
func (t *SetPreferenceTool) Group() Group { return GroupMemory }

func (t *SetPreferenceTool) Description() string {
	return "Set a user preference such as language, units or tone."
}

func (t *SetPreferenceTool) Schema() json.RawMessage {
	return schema(map[string]any{
		"key":   prop("string", "Preference name"),
		"value": prop("string", "Preference value"),
	}, "key", "value")
}

func (t *SetPreferenceTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var in struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := decodeInput(input, &in); err != nil {
		return "", err
	}
	cc, err := userFrom(ctx)
	if err != nil {
		return "", err
	}
	key, err := cleanKey(in.Key)
	if err != nil {
		return "", err
	}
	value, err := cleanValue(in.Value)
	if err != nil {
		return "", err
	}
	if err := t.store.SetPreference(ctx, cc.UserID, key, value); err != nil {
		return "", err
	}
	return fmt.Sprintf("Preference %s set to %q.", key, value), nil
}
