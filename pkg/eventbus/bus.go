package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/richxcame/referral-integrity/pkg/config"
	"github.com/richxcame/referral-integrity/pkg/logger"
	"go.uber.org/zap"
)

// Event is the envelope for every message on the bus.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// DefaultHandlerTimeout bounds a single handler invocation.
const DefaultHandlerTimeout = 30 * time.Second

// Handler processes a single event. A returned error is logged; the message is not redelivered.
type Handler func(ctx context.Context, event *Event) error

// Bus publishes and subscribes to events over NATS.
type Bus struct {
	conn           *nats.Conn
	source         string
	handlerTimeout time.Duration

	mu   sync.Mutex
	subs []*nats.Subscription
}

// Connect dials NATS and returns a bus that stamps events with source.
func Connect(cfg config.NATSConfig, source string) (*Bus, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name(source),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("eventbus: disconnected from NATS", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("eventbus: reconnected to NATS", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	return &Bus{conn: conn, source: source, handlerTimeout: DefaultHandlerTimeout}, nil
}

// NewEvent wraps data in an envelope.
func NewEvent(eventType, source string, data interface{}) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}, nil
}

// Publish encodes data as an event of eventType and sends it on subject.
func (b *Bus) Publish(ctx context.Context, subject, eventType string, data interface{}) error {
	event, err := NewEvent(eventType, b.source, data)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}
	if err := b.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers handler on subject within a queue group, so each event
// is handled by one replica. Handlers keep ctx's values but not its
// cancellation, so messages delivered during a drain still run to completion.
func (b *Bus) Subscribe(ctx context.Context, subject, queue string, handler Handler) error {
	sub, err := b.conn.QueueSubscribe(subject, queue, dispatch(ctx, b.handlerTimeout, handler))
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

// Close drains subscriptions and closes the connection.
func (b *Bus) Close() {
	if b == nil || b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		logger.Warn("eventbus: drain failed, closing", zap.Error(err))
		b.conn.Close()
	}
}

func dispatch(ctx context.Context, timeout time.Duration, handler Handler) nats.MsgHandler {
	if timeout <= 0 {
		timeout = DefaultHandlerTimeout
	}
	base := context.WithoutCancel(ctx)

	return func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			logger.Error("eventbus: dropping malformed event",
				zap.String("subject", msg.Subject),
				zap.Error(err),
			)
			return
		}

		msgCtx, cancel := context.WithTimeout(base, timeout)
		defer cancel()

		if err := handler(msgCtx, &event); err != nil {
			logger.Error("eventbus: handler failed",
				zap.String("subject", msg.Subject),
				zap.String("event_id", event.ID),
				zap.String("type", event.Type),
				zap.Error(err),
			)
		}
	}
}
