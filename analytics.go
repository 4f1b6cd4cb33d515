package spawnkit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"spawnkit/logx"
)

// SpawnEvent is the analytics record published once HandshakePerform has
// run, success or failure, gated on Config.AnalyticsSupport. Spawns that
// fail before Perform (in Prepare or at fork) publish nothing.
type SpawnEvent struct {
	GUPID        string    `json:"gupid"`
	AppGroupName string    `json:"app_group_name"`
	UnionStationKey string `json:"union_station_key,omitempty"`
	Success      bool      `json:"success"`
	Category     string    `json:"category,omitempty"`
	FirstFailedStep string `json:"first_failed_step,omitempty"`
	StartTime    time.Time `json:"start_time"`
	Duration     time.Duration `json:"duration_ns"`
}

// Publisher sends a SpawnEvent somewhere analytics consumers can read
// it. It is deliberately narrow so a caller can swap in a test double.
type Publisher interface {
	Publish(ctx context.Context, event *SpawnEvent) error
	Close()
}

// NoopPublisher discards every event; it's the default when analytics
// support is disabled or no transport is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(ctx context.Context, event *SpawnEvent) error { return nil }
func (NoopPublisher) Close()                                              {}

// natsSubject is the subject spawn events are published to.
const natsSubject = "spawnkit.analytics.spawn"

// NATSPublisher publishes SpawnEvents to a NATS subject, with the same
// reconnect/error-handler wiring used elsewhere in this stack's event
// bus integrations.
type NATSPublisher struct {
	conn   *nats.Conn
	logger *logx.Logger
}

// NewNATSPublisher connects to a NATS server at url and returns a
// Publisher backed by it.
func NewNATSPublisher(url string, logger *logx.Logger) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.Name("spawnkit"),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("nats connection closed")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Error("nats error", zap.Error(err))
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("spawnkit: connect to nats at %s: %w", url, err)
	}
	logger.Info("connected to nats analytics transport", zap.String("url", url))

	return &NATSPublisher{conn: conn, logger: logger}, nil
}

// Publish marshals event as JSON and publishes it to the analytics
// subject. It respects ctx cancellation only insofar as it checks it
// before publishing; nats.go's core Publish call itself is not
// context-aware.
func (p *NATSPublisher) Publish(ctx context.Context, event *SpawnEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("spawnkit: marshal spawn event: %w", err)
	}
	if err := p.conn.Publish(natsSubject, data); err != nil {
		p.logger.Error("failed to publish spawn event",
			zap.String("gupid", event.GUPID), zap.Error(err))
		return fmt.Errorf("spawnkit: publish spawn event: %w", err)
	}
	return nil
}

// Close drains and closes the underlying NATS connection.
func (p *NATSPublisher) Close() {
	if p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("error draining nats connection", zap.Error(err))
		p.conn.Close()
	}
}
