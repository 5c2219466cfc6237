package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"rtcwatch/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultChannel = "rtcwatch:events"

type EventType string

const (
	EventQualityAlert EventType = "quality.alert"
	EventBadgeChanged EventType = "badge.changed"
)

// Event is what monitor instances publish to each other.
type Event struct {
	Type       EventType       `json:"type"`
	InstanceID string          `json:"instance_id"`
	Timestamp  time.Time       `json:"timestamp"`
	TabID      domain.TabID    `json:"tab_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// EventBus publishes presentation events on a Redis channel.
type EventBus struct {
	client     *redis.Client
	instanceID string
	channel    string
	logger     *zap.SugaredLogger

	mu     sync.Mutex
	pubsub *redis.PubSub
}

func NewEventBus(client *redis.Client, instanceID, channel string, logger *zap.SugaredLogger) *EventBus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		channel:    channel,
		logger:     logger,
	}
}

// Publish stamps the event with this instance and the current time.
func (eb *EventBus) Publish(ctx context.Context, event *Event) error {
	event.InstanceID = eb.instanceID
	event.Timestamp = time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("Published event", "type", event.Type, "tab_id", event.TabID)
	return nil
}

// Subscribe calls handler for every event published by other instances
// until ctx is done.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(*Event) error) error {
	eb.mu.Lock()
	if eb.pubsub != nil {
		eb.mu.Unlock()
		return fmt.Errorf("already subscribed")
	}
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	eb.pubsub = pubsub
	eb.mu.Unlock()

	defer func() {
		eb.mu.Lock()
		eb.pubsub = nil
		eb.mu.Unlock()
		pubsub.Close()
	}()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			event, err := decodeEvent(msg.Payload)
			if err != nil {
				eb.logger.Warnw("Failed to decode event", "error", err, "payload", msg.Payload)
				continue
			}
			if event.InstanceID == eb.instanceID {
				continue
			}
			if err := handler(event); err != nil {
				eb.logger.Warnw("Error handling event", "type", event.Type, "error", err)
			}
		}
	}
}

func decodeEvent(payload string) (*Event, error) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return nil, err
	}
	if event.Type == "" {
		return nil, fmt.Errorf("event type missing")
	}
	return &event, nil
}

func (eb *EventBus) PublishQualityAlert(ctx context.Context, tabID domain.TabID, result domain.QualityResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return eb.Publish(ctx, &Event{Type: EventQualityAlert, TabID: tabID, Payload: payload})
}

func (eb *EventBus) PublishBadge(ctx context.Context, tabID domain.TabID, status domain.QualityStatus) error {
	payload, _ := json.Marshal(map[string]string{
		"status": string(status),
		"text":   status.Initial(),
	})
	return eb.Publish(ctx, &Event{Type: EventBadgeChanged, TabID: tabID, Payload: payload})
}

func (eb *EventBus) Close() error {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}
