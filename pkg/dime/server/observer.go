package server

import (
	"context"
	"fmt"
	"time"
)

// Event describes something the broker did. Topics are slash separated so
// they can be matched with MQTT-style filters, for example "focus/#" or
// "input/+token".
type Event struct {
	Time       time.Time `json:"time"`
	Topic      string    `json:"topic"`
	Type       string    `json:"type"`
	Token      uint32    `json:"token,omitempty"`
	Connection int32     `json:"connection,omitempty"`
	Key        int32     `json:"key,omitempty"`
	Value      bool      `json:"value"`
	Text       string    `json:"text,omitempty"`
}

// Observer is notified of broker events. Handler events arrive on the loop
// goroutine and push events on whichever goroutine called Send, so
// implementations must be safe for concurrent use and must not block.
type Observer interface {
	OnBrokerEvent(ctx context.Context, ev Event)
}

func newEvent(topic string, typ string, token uint32) Event {
	return Event{
		Time:  time.Now(),
		Topic: topic,
		Type:  typ,
		Token: token,
	}
}

func tokenTopic(prefix string, token uint32) string {
	return fmt.Sprintf("%s/%d", prefix, token)
}

func (b *Broker) notify(ctx context.Context, ev Event) {
	if b.observer != nil {
		b.observer.OnBrokerEvent(ctx, ev)
	}
}
