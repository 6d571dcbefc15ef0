package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/omrylcn/gbot-sub000/internal/config"
	"github.com/omrylcn/gbot-sub000/internal/logging"
)

type fakeConn struct {
	err          error
	published    []*paho.Publish
	disconnected bool
}

func (f *fakeConn) Publish(_ context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.published = append(f.published, p)
	return &paho.PublishResponse{}, nil
}

func (f *fakeConn) AwaitConnection(context.Context) error { return nil }

func (f *fakeConn) Disconnect(context.Context) error {
	f.disconnected = true
	return nil
}

func newTestPublisher(conn *fakeConn) *Publisher {
	logging.Disable()
	p := New(config.MQTTConfig{Broker: "mqtt://localhost:1883", TopicPrefix: "home/gbot/"})
	p.now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }
	p.cm = conn
	return p
}

func TestTopic(t *testing.T) {
	p := New(config.MQTTConfig{})
	if got := p.Topic("u1"); got != "gbot/u1/notify" {
		t.Errorf("default topic = %q", got)
	}
	p = newTestPublisher(&fakeConn{})
	if got := p.Topic("u1"); got != "home/gbot/u1/notify" {
		t.Errorf("prefixed topic = %q", got)
	}
}

func TestSendPublishesJSON(t *testing.T) {
	conn := &fakeConn{}
	p := newTestPublisher(conn)

	if err := p.Send(context.Background(), "u1", "BTC crossed 100k"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(conn.published) != 1 {
		t.Fatalf("published %d messages", len(conn.published))
	}
	msg := conn.published[0]
	if msg.Topic != "home/gbot/u1/notify" || msg.QoS != 1 || msg.Retain {
		t.Errorf("publish = %+v", msg)
	}
	var body payload
	if err := json.Unmarshal(msg.Payload, &body); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if body.User != "u1" || body.Text != "BTC crossed 100k" || !body.Time.Equal(p.now()) {
		t.Errorf("body = %+v", body)
	}
}

func TestSendErrors(t *testing.T) {
	p := New(config.MQTTConfig{})
	if err := p.Send(context.Background(), "u1", "hi"); err == nil {
		t.Error("Send before Start should fail")
	}

	p = newTestPublisher(&fakeConn{})
	if err := p.Send(context.Background(), "", "hi"); err == nil {
		t.Error("Send without recipient should fail")
	}

	p = newTestPublisher(&fakeConn{err: errors.New("not connected")})
	if err := p.Send(context.Background(), "u1", "hi"); err == nil {
		t.Error("publish error should be returned")
	}
}

func TestStopPublishesOffline(t *testing.T) {
	conn := &fakeConn{}
	p := newTestPublisher(conn)

	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !conn.disconnected {
		t.Error("connection not closed")
	}
	if len(conn.published) != 1 || string(conn.published[0].Payload) != "offline" ||
		conn.published[0].Topic != "home/gbot/availability" {
		t.Errorf("published = %+v", conn.published)
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}
