// Package mqtt publishes notifications to an MQTT broker. Each user gets
// the topic <prefix>/<user>/notify; home automation or a phone client
// subscribes to it.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/omrylcn/gbot-sub000/internal/config"
	"github.com/omrylcn/gbot-sub000/internal/logging"
)

// ChannelID is the channel name used for job and reminder delivery
const ChannelID = "mqtt"

// publisher is the part of autopaho.ConnectionManager the channel uses
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
	AwaitConnection(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// payload is the JSON body of a notification message
type payload struct {
	User string    `json:"user"`
	Text string    `json:"text"`
	Time time.Time `json:"time"`
}

// Publisher implements channels.Channel as an outbound-only MQTT client
type Publisher struct {
	cfg config.MQTTConfig
	now func() time.Time

	mu sync.Mutex
	cm publisher
}

// New creates a publisher. Call Start to connect.
func New(cfg config.MQTTConfig) *Publisher {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "gbot"
	}
	return &Publisher{cfg: cfg, now: time.Now}
}

// ID returns the channel identifier
func (p *Publisher) ID() string { return ChannelID }

// Topic returns the notification topic for a user
func (p *Publisher) Topic(userID string) string {
	return strings.TrimSuffix(p.cfg.TopicPrefix, "/") + "/" + userID + "/notify"
}

func (p *Publisher) availabilityTopic() string {
	return strings.TrimSuffix(p.cfg.TopicPrefix, "/") + "/availability"
}

// Start connects to the broker. autopaho keeps reconnecting in the
// background, so a slow broker is logged rather than treated as fatal.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	clientID := p.cfg.ClientID
	if clientID == "" {
		clientID = "gbot-" + strings.ReplaceAll(p.cfg.TopicPrefix, "/", "-")
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			logging.Infof("[MQTT] connected to %s", p.cfg.Broker)
			if _, err := cm.Publish(ctx, &paho.Publish{
				Topic:   p.availabilityTopic(),
				Payload: []byte("online"),
				QoS:     1,
				Retain:  true,
			}); err != nil {
				logging.Warnf("[MQTT] availability publish failed: %v", err)
			}
		},
		OnConnectError: func(err error) {
			logging.Warnf("[MQTT] connection error: %v", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	// the connection outlives the start context
	cm, err := autopaho.NewConnection(context.WithoutCancel(ctx), pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		logging.Warnf("[MQTT] initial connection timed out, retrying in background: %v", err)
	}
	return nil
}

// Stop publishes "offline" and disconnects
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.cm = nil
	p.mu.Unlock()
	if cm == nil {
		return nil
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte("offline"),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		logging.Debugf("[MQTT] offline publish failed: %v", err)
	}
	return cm.Disconnect(ctx)
}

// Send publishes text to the user's notification topic. The recipient is
// the gbot user id, or the channel user id when the user has an mqtt link.
func (p *Publisher) Send(ctx context.Context, channelUserID, text string) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return errors.New("mqtt publisher not started")
	}
	if channelUserID == "" {
		return errors.New("mqtt recipient is required")
	}

	body, err := json.Marshal(payload{User: channelUserID, Text: text, Time: p.now().UTC()})
	if err != nil {
		return err
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.Topic(channelUserID),
		Payload: body,
		QoS:     1,
	}); err != nil {
		return fmt.Errorf("mqtt publish: %w", err)
	}
	logging.Debugf("[MQTT] notified %s", channelUserID)
	return nil
}
