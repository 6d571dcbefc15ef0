// Package notify delivers results to users: directly over a messaging
// channel, pushed to a live connection, or stored as a system event for
// the next time the user shows up.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"

	"github.com/omrylcn/gbot-sub000/internal/db"
	"github.com/omrylcn/gbot-sub000/internal/logging"
	"github.com/omrylcn/gbot-sub000/internal/realtime"
)

// Outcome reports how a notification reached the user
type Outcome string

const (
	OutcomeSent   Outcome = "sent"   // messaging channel
	OutcomePushed Outcome = "pushed" // live connection
	OutcomeStored Outcome = "stored" // durable system event
)

// Notification is one message for a user
type Notification struct {
	Source    string // "scheduler", "background", ...
	EventType string // "cron_result", "reminder", "task_completed", ...
	Text      string
	Data      map[string]any
}

// Sender sends text to a recipient on a messaging channel
type Sender interface {
	Send(ctx context.Context, recipient, text string) error
}

// Pusher is the live connection registry
type Pusher interface {
	IsConnected(userID string) bool
	SendEvent(userID string, msg *realtime.Message) bool
}

// Deliverer routes notifications to users
type Deliverer struct {
	store  *db.Store
	pusher Pusher

	mu      sync.RWMutex
	senders map[string]Sender
}

// NewDeliverer creates a deliverer. pusher may be nil.
func NewDeliverer(store *db.Store, pusher Pusher) *Deliverer {
	return &Deliverer{store: store, pusher: pusher, senders: make(map[string]Sender)}
}

// RegisterChannel makes name a messaging channel served by s
func (d *Deliverer) RegisterChannel(name string, s Sender) {
	d.mu.Lock()
	d.senders[name] = s
	d.mu.Unlock()
	logging.Infof("[Notify] channel %s registered", name)
}

func (d *Deliverer) sender(name string) (Sender, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.senders[name]
	return s, ok
}

// Deliver sends n to the user. Messaging channels are tried first when
// channel names one; otherwise, or when that fails, the notification is
// pushed to a live connection and, failing that, stored durably. Only a
// failure to store is returned as an error.
func (d *Deliverer) Deliver(ctx context.Context, userID, channel string, n Notification) (Outcome, error) {
	if s, ok := d.sender(channel); ok {
		err := d.sendDirect(ctx, s, userID, channel, n.Text)
		if err == nil {
			return OutcomeSent, nil
		}
		logging.Warnf("[Notify] %s delivery to %s failed, falling back: %v", channel, userID, err)
	}

	if d.pusher != nil && d.pusher.IsConnected(userID) {
		if d.pusher.SendEvent(userID, realtime.NewMessage("notification", d.frame(n))) {
			return OutcomePushed, nil
		}
	}

	if err := d.storeEvent(ctx, userID, n); err != nil {
		return "", err
	}
	return OutcomeStored, nil
}

func (d *Deliverer) sendDirect(ctx context.Context, s Sender, userID, channel, text string) error {
	recipient := userID
	link, err := d.store.UserChannelLink(ctx, userID, channel)
	switch {
	case err == nil:
		recipient = link.ChannelUserID
	case !errors.Is(err, db.ErrNotFound):
		return err
	}
	if strings.TrimSpace(text) == "" {
		return errors.New("empty notification")
	}
	return s.Send(ctx, recipient, text)
}

func (d *Deliverer) frame(n Notification) map[string]any {
	data := map[string]any{
		"source":     n.Source,
		"event_type": n.EventType,
		"text":       n.Text,
	}
	maps.Copy(data, n.Data)
	return data
}

func (d *Deliverer) storeEvent(ctx context.Context, userID string, n Notification) error {
	payload := map[string]any{"text": n.Text}
	maps.Copy(payload, n.Data)
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode event payload: %w", err)
	}
	id, err := d.store.AddSystemEvent(ctx, &db.SystemEvent{
		UserID:    userID,
		Source:    n.Source,
		EventType: n.EventType,
		Payload:   raw,
	})
	if err != nil {
		return fmt.Errorf("store event: %w", err)
	}
	logging.Debugf("[Notify] stored event %d for %s (%s)", id, userID, n.EventType)
	return nil
}
