package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/lox/weathercollector/internal/metrics"
	"github.com/lox/weathercollector/internal/models"
)

const (
	DefaultHeartbeat   = 600 * time.Second
	DefaultDialTimeout = 30 * time.Second
	DefaultAppID       = "weathercollector"
)

// ConnectionState is the publisher's view of its broker session.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connected
)

func (s ConnectionState) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

type Config struct {
	URL         string
	Queue       string
	AppID       string
	Heartbeat   time.Duration
	DialTimeout time.Duration
}

// session is the owned connection handle. A nil session is Disconnected.
type session struct {
	conn Connection
	ch   Channel
}

// usable is the health check performed before every publish.
func (s *session) usable() bool {
	return s != nil && !s.conn.IsClosed() && !s.ch.IsClosed()
}

func (s *session) close() error {
	var errs []error
	if err := s.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, err)
	}
	if err := s.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Publisher sends readings to a durable queue over a single owned broker
// session. It is not safe for concurrent use.
type Publisher struct {
	cfg    Config
	dial   DialFunc
	logger *slog.Logger
	sess   *session
}

// NewPublisher returns a disconnected publisher. A nil dial uses DialAMQP.
func NewPublisher(cfg Config, dial DialFunc, logger *slog.Logger) *Publisher {
	if cfg.AppID == "" {
		cfg.AppID = DefaultAppID
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if dial == nil {
		dial = DialAMQP
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:    cfg,
		dial:   dial,
		logger: logger.With("component", "publisher", "queue", cfg.Queue),
	}
}

// State reports whether the publisher currently holds a usable session.
func (p *Publisher) State() ConnectionState {
	if p.sess.usable() {
		return Connected
	}
	return Disconnected
}

// Connect opens a connection and channel and declares the queue durable.
// Any session already held is released first. Connect does not retry.
func (p *Publisher) Connect(ctx context.Context) error {
	if p.sess != nil {
		p.release()
	}

	if err := ctx.Err(); err != nil {
		return &ConnectError{Op: "dial", Err: err}
	}

	conn, err := p.dial(ctx, p.cfg.URL, p.cfg)
	if err != nil {
		return p.connectFailed(&ConnectError{Op: "dial", Err: err})
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return p.connectFailed(&ConnectError{Op: "channel", Err: err})
	}

	// Redeclaring an existing durable queue with the same arguments is a no-op.
	q, err := ch.QueueDeclare(
		p.cfg.Queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return p.connectFailed(&ConnectError{Op: "declare", Err: err})
	}

	p.sess = &session{conn: conn, ch: ch}
	metrics.ConnectAttemptsTotal.WithLabelValues("ok").Inc()
	metrics.BrokerConnected.Set(1)
	p.logger.Info("connected to broker", "messages_ready", q.Messages, "consumers", q.Consumers)
	return nil
}

func (p *Publisher) connectFailed(err *ConnectError) error {
	metrics.ConnectAttemptsTotal.WithLabelValues("error").Inc()
	metrics.BrokerConnected.Set(0)
	return err
}

// Publish sends r as a persistent JSON message routed directly to the queue.
// A stale session triggers exactly one reconnect; if that fails the error
// is returned as a PublishError without further attempts.
func (p *Publisher) Publish(ctx context.Context, r models.Reading) error {
	if !p.sess.usable() {
		p.logger.Warn("broker session unusable, reconnecting")
		if err := p.Connect(ctx); err != nil {
			metrics.MessagesPublished.WithLabelValues(p.cfg.Queue, "error").Inc()
			return &PublishError{Op: "reconnect", Err: err}
		}
	}

	body, err := json.Marshal(r)
	if err != nil {
		metrics.MessagesPublished.WithLabelValues(p.cfg.Queue, "error").Inc()
		return &PublishError{Op: "encode", Err: err}
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    r.CollectedAt,
		AppId:        p.cfg.AppID,
		Body:         body,
	}

	if err := p.sess.ch.PublishWithContext(ctx, "", p.cfg.Queue, false, false, msg); err != nil {
		metrics.MessagesPublished.WithLabelValues(p.cfg.Queue, "error").Inc()
		return &PublishError{Op: "publish", Err: err}
	}

	metrics.MessagesPublished.WithLabelValues(p.cfg.Queue, "ok").Inc()
	p.logger.Info("message published", "message_id", msg.MessageId, "bytes", len(body))
	return nil
}

// Close releases the session if one is held. It is safe to call repeatedly.
func (p *Publisher) Close() error {
	if p.sess == nil {
		return nil
	}
	err := p.release()
	p.logger.Info("broker connection closed")
	return err
}

func (p *Publisher) release() error {
	err := p.sess.close()
	p.sess = nil
	metrics.BrokerConnected.Set(0)
	if err != nil {
		p.logger.Warn("release broker session", "error", err)
	}
	return err
}
