package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/oklog/ulid/v2"

	"github.com/kazz187/flowguild/pkg/panicerr"
)

type PubSub interface {
	message.Publisher
	message.Subscriber
}

// EventBus is the in-process pub/sub backbone: lifecycle events from the
// engine fan out to the NDJSON logger, shell hooks, and push notifications.
type EventBus struct {
	pubSub PubSub
	router *message.Router
	logger watermill.LoggerAdapter
}

// EventHandler handles one typed event.
type EventHandler[T any] func(ctx context.Context, event *Event[T]) error

func NewEventBus() (*EventBus, error) {
	logger := watermill.NewStdLogger(false, false)

	pubSub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer: 256,
		},
		logger,
	)

	router, err := message.NewRouter(message.RouterConfig{}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create router: %w", err)
	}

	return &EventBus{
		pubSub: pubSub,
		router: router,
		logger: logger,
	}, nil
}

// Start launches the router in the background and waits until it is running,
// so events published immediately afterwards reach all registered handlers.
func (eb *EventBus) Start(ctx context.Context) error {
	go panicerr.LogRecovered(ctx, "event bus router", func(ctx context.Context) error {
		return eb.router.Run(ctx)
	})

	select {
	case <-eb.router.Running():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (eb *EventBus) Stop() error {
	return eb.router.Close()
}

// Publish serializes data under its inferred topic. Subscribe before Start;
// handlers added later are not retroactively fed.
func (eb *EventBus) Publish(ctx context.Context, source string, data any) error {
	eventMsg := &EventMessage{
		ID:        ulid.Make().String(),
		Type:      inferEventType(data),
		Timestamp: time.Now(),
		Source:    source,
	}

	rawData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	eventMsg.Data = rawData

	payload, err := json.Marshal(eventMsg)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)

	if err := eb.pubSub.Publish(string(eventMsg.Type), msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// SubscribeAsync registers a handler for one topic through the router.
func (eb *EventBus) SubscribeAsync(eventType EventType, handlerName string, handler func(ctx context.Context, msg *EventMessage) error) error {
	eb.router.AddNoPublisherHandler(
		handlerName,
		string(eventType),
		eb.pubSub,
		func(msg *message.Message) error {
			var eventMsg EventMessage
			if err := json.Unmarshal(msg.Payload, &eventMsg); err != nil {
				return fmt.Errorf("failed to unmarshal event message: %w", err)
			}
			return handler(msg.Context(), &eventMsg)
		},
	)
	return nil
}

// PublishTyped publishes an already-constructed typed event.
func PublishTyped[T any](eb *EventBus, ctx context.Context, event *Event[T]) error {
	eventMsg, err := event.ToMessage()
	if err != nil {
		return fmt.Errorf("failed to convert event to message: %w", err)
	}

	payload, err := json.Marshal(eventMsg)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)

	if err := eb.pubSub.Publish(string(eventMsg.Type), msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// SubscribeTyped registers a handler that receives decoded typed events.
func SubscribeTyped[T any](eb *EventBus, eventType EventType, handlerName string, handler EventHandler[T]) error {
	return eb.SubscribeAsync(eventType, handlerName, func(ctx context.Context, eventMsg *EventMessage) error {
		event, err := FromMessage[T](eventMsg)
		if err != nil {
			return fmt.Errorf("failed to convert message to event: %w", err)
		}
		return handler(ctx, event)
	})
}
