package manager

import (
	"context"

	"github.com/goliatone/go-repository-graph/metadata"
	"go.uber.org/zap"
)

// EventType names a lifecycle transition reported after a flush commits.
type EventType int

const (
	EventPersisted EventType = iota + 1
	EventUpdated
	EventRemoved
)

func (t EventType) String() string {
	switch t {
	case EventPersisted:
		return "persisted"
	case EventUpdated:
		return "updated"
	case EventRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Event describes one entity written by a flush.
type Event struct {
	Type     EventType
	Entity   any
	Metadata *metadata.ClassMetadata
}

// Subscriber receives lifecycle events.
type Subscriber interface {
	Notify(ctx context.Context, event Event)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ctx context.Context, event Event)

// Notify calls f.
func (f SubscriberFunc) Notify(ctx context.Context, event Event) {
	f(ctx, event)
}

// LogSubscriber logs every lifecycle event at info level.
type LogSubscriber struct {
	logger *zap.Logger
}

// NewLogSubscriber creates a LogSubscriber. A nil logger discards output.
func NewLogSubscriber(logger *zap.Logger) *LogSubscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSubscriber{logger: logger}
}

// Notify implements Subscriber.
func (s *LogSubscriber) Notify(_ context.Context, event Event) {
	fields := []zap.Field{zap.String("event", event.Type.String())}
	if event.Metadata != nil {
		fields = append(fields,
			zap.String("entity", event.Metadata.Name),
			zap.Any("identity", event.Metadata.IdentifierValues(event.Entity)),
		)
	}
	s.logger.Info("entity "+event.Type.String(), fields...)
}
