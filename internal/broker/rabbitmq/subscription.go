package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/rabbitmq/amqp091-go"

	"fognode/internal/broker"
)

type Config struct {
	URL           string
	Exchange      string
	Queue         string
	RoutingKey    string
	ConsumerTag   string
	PrefetchCount int
	Username      string
	Password      string
}

func (c *Config) withDefaults() {
	if c.ConsumerTag == "" {
		c.ConsumerTag = "fognode-rabbitmq"
	}
	if c.PrefetchCount <= 0 {
		c.PrefetchCount = 256
	}
	if c.RoutingKey == "" {
		c.RoutingKey = "#"
	}
}

func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("rabbitmq url is required")
	}
	if c.Queue == "" {
		return errors.New("rabbitmq queue is required")
	}
	if c.Exchange == "" {
		return errors.New("rabbitmq exchange is required")
	}
	return nil
}

// Subscription adapts an AMQP queue to the pull contract. Prefetch acts as
// the visibility window: unacked deliveries return to the queue when the
// channel closes, nacked ones immediately.
type Subscription struct {
	cfg     Config
	conn    *amqp091.Connection
	ch      *amqp091.Channel
	deliver <-chan amqp091.Delivery
	closed  chan struct{}
	once    sync.Once
}

func NewSubscription(cfg Config) (*Subscription, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dialCfg := amqp091.Config{}
	if cfg.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: cfg.Username, Password: cfg.Password}}
	}
	conn, err := amqp091.DialConfig(cfg.URL, dialCfg)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.Qos(cfg.PrefetchCount, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("set prefetch: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(cfg.Queue, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("bind queue key=%s: %w", cfg.RoutingKey, err)
	}
	deliveries, err := ch.Consume(cfg.Queue, cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("consume queue: %w", err)
	}

	return &Subscription{
		cfg:     cfg,
		conn:    conn,
		ch:      ch,
		deliver: deliveries,
		closed:  make(chan struct{}),
	}, nil
}

func (s *Subscription) Receive(ctx context.Context) (broker.Message, error) {
	select {
	case <-s.closed:
		return broker.Message{}, broker.ErrClosed
	case <-ctx.Done():
		return broker.Message{}, ctx.Err()
	case d, ok := <-s.deliver:
		if !ok {
			return broker.Message{}, broker.ErrClosed
		}
		attempt := 1
		if d.Redelivered {
			attempt = 2
		}
		return broker.Message{
			ID:      deliveryID(d),
			Payload: d.Body,
			Attempt: attempt,
			Receipt: &receipt{d: d},
		}, nil
	}
}

func (s *Subscription) Close() error {
	var errs []error
	s.once.Do(func() {
		close(s.closed)
		_ = s.ch.Cancel(s.cfg.ConsumerTag, false)
		if err := s.ch.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := s.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}

// deliveryID prefers the producer-set MessageId. The fallback hashes the
// body so a redelivery of the same payload keeps the same dedupe key, which
// a delivery tag would not.
func deliveryID(d amqp091.Delivery) string {
	if d.MessageId != "" {
		return d.MessageId
	}
	h := fnv.New64a()
	_, _ = h.Write(d.Body)
	return fmt.Sprintf("%s/%016x", d.RoutingKey, h.Sum64())
}

type receipt struct {
	d    amqp091.Delivery
	once sync.Once
}

func (r *receipt) Ack() error {
	var err error
	r.once.Do(func() { err = r.d.Ack(false) })
	return err
}

func (r *receipt) Nack() error {
	var err error
	r.once.Do(func() { err = r.d.Nack(false, true) })
	return err
}
