package broker

import (
	"context"
	"net"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Connection is the subset of *amqp.Connection the publisher relies on.
type Connection interface {
	Channel() (Channel, error)
	IsClosed() bool
	Close() error
}

// Channel is the subset of *amqp.Channel the publisher relies on.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

// DialFunc opens a broker connection. ctx bounds the TCP dial only; the
// AMQP handshake is bounded by the dial timeout.
type DialFunc func(ctx context.Context, url string, cfg Config) (Connection, error)

// URL builds an amqp:// URL from its parts.
func URL(host string, port int, user, password, vhost string) string {
	if vhost == "" {
		vhost = "/"
	}
	return amqp.URI{
		Scheme:   "amqp",
		Host:     host,
		Port:     port,
		Username: user,
		Password: password,
		Vhost:    vhost,
	}.String()
}

// DialAMQP is the production DialFunc.
func DialAMQP(ctx context.Context, url string, cfg Config) (Connection, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: cfg.Heartbeat,
		Locale:    "en_US",
		Dial:      dialContext(ctx, cfg.DialTimeout),
		Properties: amqp.Table{
			"connection_name": cfg.AppID,
		},
	})
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

// dialContext mirrors amqp.DefaultDial but honours ctx while dialling.
func dialContext(ctx context.Context, timeout time.Duration) func(network, addr string) (net.Conn, error) {
	return func(network, addr string) (net.Conn, error) {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		// Cleared by the client once the AMQP handshake completes.
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			conn.Close()
			return nil, err
		}
		return conn, nil
	}
}

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}
