package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/jpmcglone/menofhunger-realtime/internal/metrics"
)

// Bus event types.
const (
	BusOnline      = "online"
	BusOffline     = "offline"
	BusIdle        = "idle"
	BusActive      = "active"
	BusRadioClaim  = "radio.claim"
	BusRadioChat   = "radio.chat"
	BusRadioRoster = "radio.roster"
	BusPostUpdated = "post.updated"
)

// BusEvent is a state change carried between instances.
// InstanceID is empty for events published by services outside the fleet.
type BusEvent struct {
	Type       string          `json:"type"`
	UserID     string          `json:"userId,omitempty"`
	InstanceID string          `json:"instanceId,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Bus is a Redis pub/sub channel shared by every instance.
type Bus struct {
	client     *redis.Client
	channel    string
	instanceID string
	logger     zerolog.Logger
}

// NewBus creates a bus publishing as instanceID on channel.
func NewBus(client *redis.Client, channel, instanceID string, logger zerolog.Logger) *Bus {
	if channel == "" {
		channel = defaultPrefix + "events"
	}
	return &Bus{
		client:     client,
		channel:    channel,
		instanceID: instanceID,
		logger:     logger.With().Str("component", "bus").Str("instance", instanceID).Logger(),
	}
}

// Publish sends an event to every other instance.
func (b *Bus) Publish(ctx context.Context, eventType, userID string, payload any) error {
	event := BusEvent{Type: eventType, UserID: userID, InstanceID: b.instanceID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		event.Payload = raw
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		metrics.StoreErrors.WithLabelValues("publish").Inc()
		return fmt.Errorf("publish %s: %w", eventType, err)
	}
	metrics.BusEvents.WithLabelValues("out", eventType).Inc()
	return nil
}

// Subscribe starts delivering events from other instances to handler. It returns
// once the subscription is confirmed; the returned func stops delivery.
// Events stamped with this instance's id are skipped.
func (b *Bus) Subscribe(ctx context.Context, handler func(BusEvent)) (func(), error) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var event BusEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					b.logger.Warn().Err(err).Msg("malformed bus event")
					continue
				}

				// Skip events from our own instance
				if event.InstanceID != "" && event.InstanceID == b.instanceID {
					continue
				}

				metrics.BusEvents.WithLabelValues("in", event.Type).Inc()
				handler(event)
			}
		}
	}()

	b.logger.Debug().Str("channel", b.channel).Msg("subscribed to bus")

	return func() {
		cancel()
		_ = pubsub.Close()
		<-done
	}, nil
}
