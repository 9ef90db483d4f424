package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"examdesk/internal/stories/notify"

	"github.com/streadway/amqp"
)

const (
	defaultDialTimeout = 3 * time.Second
	defaultRetryAfter  = 10 * time.Second
)

// ErrUnavailable is returned while the broker is being redialled or a recent
// dial failed. Callers drop the mail instead of waiting.
var ErrUnavailable = errors.New("rabbitmq unavailable")

// Publisher puts outgoing mail on a durable queue consumed by the mail
// sender. The connection is redialled lazily after it drops, at most once
// per retryAfter, and never while holding the lock.
type Publisher struct {
	url         string
	queue       string
	dialTimeout time.Duration
	retryAfter  time.Duration
	logger      *slog.Logger

	mu          sync.Mutex
	conn        *amqp.Connection
	channel     *amqp.Channel
	dialing     bool
	lastFailure time.Time
	closed      bool
}

func newPublisher(url, queue string, logger *slog.Logger) *Publisher {
	return &Publisher{
		url:         url,
		queue:       queue,
		dialTimeout: defaultDialTimeout,
		retryAfter:  defaultRetryAfter,
		logger:      logger,
	}
}

// NewPublisher connects to the broker and declares the queue.
func NewPublisher(ctx context.Context, url, queue string, logger *slog.Logger) (*Publisher, error) {
	p := newPublisher(url, queue, logger)
	conn, ch, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	p.conn, p.channel = conn, ch
	return p, nil
}

// dial is bounded by ctx and dialTimeout, whichever ends first.
func (p *Publisher) dial(ctx context.Context) (*amqp.Connection, *amqp.Channel, error) {
	deadline := time.Now().Add(p.dialTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	conn, err := amqp.DialConfig(p.url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial: func(network, addr string) (net.Conn, error) {
			d := net.Dialer{Deadline: deadline}
			c, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			// bounds the handshake too; amqp clears it once the connection is open
			if err := c.SetDeadline(deadline); err != nil {
				c.Close()
				return nil, err
			}
			return c, nil
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}

	_, err = ch.QueueDeclare(
		p.queue, // name
		true,    // durable
		false,   // delete when unused
		false,   // exclusive
		false,   // no-wait
		nil,     // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("declare queue %s: %w", p.queue, err)
	}

	p.logger.Info("Connected to RabbitMQ", "queue", p.queue)
	return conn, ch, nil
}

// channelFor returns the open channel, redialling if the connection dropped.
// Only one caller dials; the rest get ErrUnavailable straight away.
func (p *Publisher) channelFor(ctx context.Context) (*amqp.Channel, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.New("publisher closed")
	}
	if p.conn != nil && !p.conn.IsClosed() {
		ch := p.channel
		p.mu.Unlock()
		return ch, nil
	}
	if p.dialing || time.Since(p.lastFailure) < p.retryAfter {
		p.mu.Unlock()
		return nil, ErrUnavailable
	}
	p.dialing = true
	p.mu.Unlock()

	p.logger.Warn("RabbitMQ connection lost, reconnecting", "queue", p.queue)
	conn, ch, err := p.dial(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.dialing = false
	if err != nil {
		p.lastFailure = time.Now()
		return nil, err
	}
	if p.closed {
		ch.Close()
		conn.Close()
		return nil, errors.New("publisher closed")
	}
	p.conn, p.channel = conn, ch
	return ch, nil
}

// drop forgets a connection whose channel failed so the next Send redials.
func (p *Publisher) drop(ch *amqp.Channel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != ch {
		return
	}
	if p.conn != nil {
		p.conn.Close()
	}
	p.conn, p.channel = nil, nil
}

func (p *Publisher) Send(ctx context.Context, mail notify.Mail) error {
	body, err := json.Marshal(mail)
	if err != nil {
		return fmt.Errorf("marshal mail: %w", err)
	}

	ch, err := p.channelFor(ctx)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err = ch.Publish(
		"",      // default exchange
		p.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    mail.ID,
			Timestamp:    time.Now().UTC(),
			Type:         mail.Template,
			Body:         body,
		},
	)
	if err != nil {
		p.drop(ch)
		return fmt.Errorf("publish mail %s: %w", mail.ID, err)
	}
	return nil
}

// Ping reports whether the broker connection is up.
func (p *Publisher) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil || p.conn.IsClosed() {
		return fmt.Errorf("rabbitmq connection closed")
	}
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var closeErr error
	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			closeErr = fmt.Errorf("close channel: %w", err)
		}
	}
	if p.conn != nil && !p.conn.IsClosed() {
		if err := p.conn.Close(); err != nil && closeErr == nil {
			closeErr = fmt.Errorf("close connection: %w", err)
		}
	}
	return closeErr
}
