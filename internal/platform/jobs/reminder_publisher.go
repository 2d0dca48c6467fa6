// Package jobs hands date reminders to the SMS pipeline over Pub/Sub.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/PerfectlyContent/cardmaker/internal/services"
)

// ReminderMessageType tags every published reminder so subscribers sharing
// the topic can filter on it.
const ReminderMessageType = "date_reminder"

// PubSubReminderPublisher publishes one Pub/Sub message per due reminder.
// The phone number only travels in the payload, never in attributes.
type PubSubReminderPublisher struct {
	topic   *pubsub.Topic
	ordered bool
}

type PublisherOption func(*PubSubReminderPublisher)

// WithOwnerOrdering keys messages by owner so one owner's reminders are
// delivered in publish order.
func WithOwnerOrdering() PublisherOption {
	return func(p *PubSubReminderPublisher) { p.ordered = true }
}

func NewPubSubReminderPublisher(topic *pubsub.Topic, opts ...PublisherOption) (*PubSubReminderPublisher, error) {
	if topic == nil {
		return nil, errors.New("jobs: reminder topic is required")
	}
	p := &PubSubReminderPublisher{topic: topic}
	for _, opt := range opts {
		opt(p)
	}
	if p.ordered {
		topic.EnableMessageOrdering = true
	}
	return p, nil
}

// PublishReminder blocks until the server acknowledges the message and
// returns its id.
func (p *PubSubReminderPublisher) PublishReminder(ctx context.Context, reminder services.ReminderJobMessage) (string, error) {
	data, err := json.Marshal(reminder)
	if err != nil {
		return "", fmt.Errorf("jobs: encode reminder: %w", err)
	}
	msg := &pubsub.Message{Data: data, Attributes: reminderAttributes(reminder)}
	if p.ordered {
		msg.OrderingKey = reminder.OwnerID
	}

	id, err := p.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		if msg.OrderingKey != "" {
			// A failed ordered publish pauses the key until resumed.
			p.topic.ResumePublish(msg.OrderingKey)
		}
		return "", fmt.Errorf("jobs: publish reminder for %s: %w", reminder.DateID, err)
	}
	return id, nil
}

func reminderAttributes(m services.ReminderJobMessage) map[string]string {
	attrs := map[string]string{"type": ReminderMessageType}
	for key, value := range map[string]string{
		"ownerId":  m.OwnerID,
		"dateId":   m.DateID,
		"occasion": m.Occasion,
		"sendOn":   m.SendOn,
	} {
		if value = strings.TrimSpace(value); value != "" {
			attrs[key] = value
		}
	}
	return attrs
}
