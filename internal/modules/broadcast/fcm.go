// README: FCM device push for offer and status events; groups with a live session on this instance are skipped.
package broadcast

import (
	"context"
	"fmt"

	"firebase.google.com/go/v4/messaging"
	"github.com/sirupsen/logrus"
)

// Sender is the subset of *messaging.Client used for push.
type Sender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// TokenSource resolves the device token registered for a group.
type TokenSource interface {
	DeviceToken(ctx context.Context, groupKey string) (string, error)
}

// Sessions reports live websocket sessions per group; *Hub satisfies it.
type Sessions interface {
	Connected(groupKey string) int
}

type FCMPusher struct {
	sender   Sender
	tokens   TokenSource
	sessions Sessions
	log      logrus.FieldLogger
	events   map[string]bool
}

// NewFCMPusher pushes only offer and status events; GPS frames stay on
// live sessions.
func NewFCMPusher(sender Sender, tokens TokenSource, log logrus.FieldLogger) *FCMPusher {
	return &FCMPusher{
		sender: sender,
		tokens: tokens,
		log:    log,
		events: map[string]bool{
			EventDriverOffer:  true,
			EventOfferRevoked: true,
			EventOrderStatus:  true,
		},
	}
}

// WithSessions skips the push for groups that already receive the event over
// a websocket. Sessions held by other instances are not visible here, so
// those parties may get both.
func (p *FCMPusher) WithSessions(s Sessions) *FCMPusher {
	p.sessions = s
	return p
}

func (p *FCMPusher) Publish(ctx context.Context, groupKey, eventType string, payload any) error {
	if !p.events[eventType] {
		return nil
	}
	if p.sessions != nil && p.sessions.Connected(groupKey) > 0 {
		return nil
	}
	token, err := p.tokens.DeviceToken(ctx, groupKey)
	if err != nil {
		return fmt.Errorf("resolve device token for %s: %w", groupKey, err)
	}
	if token == "" {
		return nil
	}
	msg, err := NewMessage(groupKey, eventType, payload)
	if err != nil {
		return err
	}

	push := &messaging.Message{
		Token: token,
		Data: map[string]string{
			"type":    eventType,
			"group":   groupKey,
			"payload": string(msg.Data),
		},
		Android: &messaging.AndroidConfig{Priority: "high"},
	}
	if eventType == EventDriverOffer {
		push.Notification = &messaging.Notification{
			Title: "New ride request",
			Body:  "A customer nearby is waiting for a driver",
		}
	}

	id, err := p.sender.Send(ctx, push)
	if err != nil {
		return fmt.Errorf("sending FCM to %s: %w", groupKey, err)
	}
	p.log.WithFields(logrus.Fields{"group": groupKey, "type": eventType, "message_id": id}).Debug("FCM sent")
	return nil
}
