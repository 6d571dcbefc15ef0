package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/omrylcn/gbot-sub000/internal/agent/memory"
	"github.com/omrylcn/gbot-sub000/internal/agent/session"
	"github.com/omrylcn/gbot-sub000/internal/db"
	"github.com/omrylcn/gbot-sub000/internal/logging"
)

// FallbackSummary closes sessions whose summary could not be produced
const FallbackSummary = "summary unavailable"

// Summarizer condenses a transcript
type Summarizer interface {
	Summarize(ctx context.Context, messages []session.Message) (string, error)
}

// FactExtractor pulls durable user facts out of a transcript
type FactExtractor interface {
	Extract(ctx context.Context, messages []session.Message) (*memory.Facts, error)
}

// Rotator closes sessions with a summary and harvests their facts
type Rotator struct {
	store      *db.Store
	summarizer Summarizer
	extractor  FactExtractor
}

// NewRotator creates a rotator. Either capability may be nil.
func NewRotator(store *db.Store, summarizer Summarizer, extractor FactExtractor) *Rotator {
	return &Rotator{store: store, summarizer: summarizer, extractor: extractor}
}

// Rotate closes the session with reason and returns the summary it was
// closed with. Summarization and extraction failures never stop the close;
// only store errors are returned.
func (r *Rotator) Rotate(ctx context.Context, sessionID, reason string) (string, error) {
	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if !sess.Active() {
		return "", fmt.Errorf("session %s: %w", sessionID, db.ErrSessionClosed)
	}

	rows, err := r.store.GetMessages(ctx, sessionID)
	if err != nil {
		return "", err
	}
	material := session.Transcript(session.FromRows(rows))

	summary := FallbackSummary
	if len(material) > 0 {
		summary = r.summarize(ctx, sessionID, material)
		r.harvest(ctx, sess.UserID, sessionID, material)
	}

	if err := r.store.CloseSession(ctx, sessionID, summary, reason); err != nil {
		if errors.Is(err, db.ErrSessionClosed) {
			logging.Warnf("[Rotation] session %s was closed concurrently", sessionID)
		}
		return "", err
	}
	logging.Infof("[Rotation] closed session %s (%s, %d turns)", sessionID, reason, len(material))
	return summary, nil
}

func (r *Rotator) summarize(ctx context.Context, sessionID string, material []session.Message) string {
	if r.summarizer == nil {
		return FallbackSummary
	}
	text, err := r.summarizer.Summarize(ctx, material)
	if err != nil {
		logging.Warnf("[Rotation] summarize %s: %v", sessionID, err)
		return FallbackSummary
	}
	if text = strings.TrimSpace(text); text == "" {
		return FallbackSummary
	}
	return text
}

// harvest stores extracted preferences and notes for the user
func (r *Rotator) harvest(ctx context.Context, userID, sessionID string, material []session.Message) {
	if r.extractor == nil {
		return
	}
	facts, err := r.extractor.Extract(ctx, material)
	if err != nil {
		logging.Warnf("[Rotation] extract facts from %s: %v", sessionID, err)
	}
	if facts.IsEmpty() {
		return
	}

	for _, p := range facts.Preferences {
		if err := r.store.SetPreference(ctx, userID, p.Key, p.Value); err != nil {
			logging.Warnf("[Rotation] save preference %s: %v", p.Key, err)
		}
	}
	for _, n := range facts.Notes {
		if _, err := r.store.AddNote(ctx, userID, n, db.NoteSourceExtraction); err != nil {
			logging.Warnf("[Rotation] save note: %v", err)
		}
	}
	logging.Debugf("[Rotation] session %s: %d preferences, %d notes", sessionID, len(facts.Preferences), len(facts.Notes))
}
