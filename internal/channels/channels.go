// Package channels connects gbot to messaging networks. Each channel can
// receive conversation turns and deliver notifications.
package channels

import (
	"context"
	"errors"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/omrylcn/gbot-sub000/internal/logging"
	"github.com/omrylcn/gbot-sub000/internal/notify"
)

// Channel is a messaging network adapter
type Channel interface {
	// ID returns the channel identifier, e.g. "telegram"
	ID() string

	// Start connects and begins receiving. It returns once connected.
	Start(ctx context.Context) error

	// Stop disconnects and waits for in-flight handlers
	Stop(ctx context.Context) error

	// Send delivers text to a user identified by their id on this network
	Send(ctx context.Context, channelUserID, text string) error
}

// Chatter runs one conversation turn, returning the reply and session id
type Chatter interface {
	Process(ctx context.Context, userID, channel, message, sessionID string) (string, string, error)
}

// Registrar makes a channel available for notification delivery
type Registrar interface {
	RegisterChannel(name string, s notify.Sender)
}

// Manager starts and stops a set of channels
type Manager struct {
	mu      sync.Mutex
	started []Channel
}

// NewManager creates an empty manager
func NewManager() *Manager {
	return &Manager{}
}

// Start starts every channel and registers it with reg. A channel that
// fails to start is logged and skipped.
func (m *Manager) Start(ctx context.Context, reg Registrar, chans ...Channel) {
	for _, ch := range chans {
		if err := ch.Start(ctx); err != nil {
			logging.Errorf("[Channels] %s failed to start: %v", ch.ID(), err)
			continue
		}
		if reg != nil {
			reg.RegisterChannel(ch.ID(), ch)
		}
		m.mu.Lock()
		m.started = append(m.started, ch)
		m.mu.Unlock()
		logging.Infof("[Channels] %s started", ch.ID())
	}
}

// Started returns the ids of running channels
func (m *Manager) Started() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.started))
	for _, ch := range m.started {
		ids = append(ids, ch.ID())
	}
	return ids
}

// Stop stops running channels in reverse start order
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	started := m.started
	m.started = nil
	m.mu.Unlock()

	var errs []error
	for i := len(started) - 1; i >= 0; i-- {
		if err := started[i].Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Split breaks text into chunks of at most limit runes, preferring
// paragraph and then line boundaries.
func Split(text string, limit int) []string {
	var out []string
	for utf8.RuneCountInString(text) > limit {
		cut := cutPoint(text, limit)
		if chunk := strings.TrimRight(text[:cut], " \n"); chunk != "" {
			out = append(out, chunk)
		}
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if strings.TrimSpace(text) != "" {
		out = append(out, text)
	}
	return out
}

// cutPoint returns a byte offset at most limit runes into text
func cutPoint(text string, limit int) int {
	end := len(text)
	n := 0
	for i := range text {
		if n == limit {
			end = i
			break
		}
		n++
	}
	head := text[:end]
	for _, sep := range []string{"\n\n", "\n", " "} {
		if i := strings.LastIndex(head, sep); i > len(head)/2 {
			return i + len(sep)
		}
	}
	return end
}
