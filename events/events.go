// Package events publishes authentication lifecycle events.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultTopic is used when no topic is configured.
const DefaultTopic = "portal.auth"

// Type names an event.
type Type string

const (
	Login               Type = "login"
	Logout              Type = "logout"
	WalletAuthenticated Type = "wallet_authenticated"
	WalletFailed        Type = "wallet_failed"
	WalletDisconnected  Type = "wallet_disconnected"
)

// Event is the JSON payload of every message.
type Event struct {
	Type    Type      `json:"type"`
	Method  string    `json:"method,omitempty"`
	Subject string    `json:"subject,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// Publisher sends events to a watermill topic. Publishing never fails the
// caller; errors are logged. A nil *Publisher drops events.
type Publisher struct {
	publisher message.Publisher
	topic     string
	logger    *zap.Logger
	now       func() time.Time
}

func NewPublisher(publisher message.Publisher, topic string, logger *zap.Logger) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{publisher: publisher, topic: topic, logger: logger, now: time.Now}
}

// Publish stamps e with the current time if unset and publishes it.
func (p *Publisher) Publish(ctx context.Context, e Event) {
	if p == nil || p.publisher == nil {
		return
	}
	if e.At.IsZero() {
		e.At = p.now().UTC()
	}
	payload, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("failed to marshal event", zap.String("type", string(e.Type)), zap.Error(err))
		return
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set("type", string(e.Type))
	msg.SetContext(ctx)
	if err := p.publisher.Publish(p.topic, msg); err != nil {
		p.logger.Warn("failed to publish event",
			zap.String("type", string(e.Type)),
			zap.String("topic", p.topic),
			zap.Error(err),
		)
	}
}

// Close closes the underlying publisher.
func (p *Publisher) Close() error {
	if p == nil || p.publisher == nil {
		return nil
	}
	return p.publisher.Close()
}

// NewRedisStreamPublisher returns a watermill publisher writing to Redis
// streams through client.
func NewRedisStreamPublisher(client redis.UniversalClient, logger *zap.Logger) (message.Publisher, error) {
	return redisstream.NewPublisher(
		redisstream.PublisherConfig{Client: client},
		NewZapLoggerAdapter(logger),
	)
}

// zapAdapter lets watermill log through zap.
type zapAdapter struct {
	logger *zap.Logger
}

// NewZapLoggerAdapter wraps logger as a watermill.LoggerAdapter.
func NewZapLoggerAdapter(logger *zap.Logger) watermill.LoggerAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &zapAdapter{logger: logger}
}

func fields(f watermill.LogFields) []zap.Field {
	out := make([]zap.Field, 0, len(f))
	for k, v := range f {
		out = append(out, zap.Any(k, v))
	}
	return out
}

func (a *zapAdapter) Error(msg string, err error, f watermill.LogFields) {
	a.logger.Error(msg, append(fields(f), zap.Error(err))...)
}

func (a *zapAdapter) Info(msg string, f watermill.LogFields) {
	a.logger.Info(msg, fields(f)...)
}

func (a *zapAdapter) Debug(msg string, f watermill.LogFields) {
	a.logger.Debug(msg, fields(f)...)
}

func (a *zapAdapter) Trace(msg string, f watermill.LogFields) {
	a.logger.Debug(msg, fields(f)...)
}

func (a *zapAdapter) With(f watermill.LogFields) watermill.LoggerAdapter {
	return &zapAdapter{logger: a.logger.With(fields(f)...)}
}
