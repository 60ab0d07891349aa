package nats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"fognode/internal/broker"
)

type Config struct {
	URL        string
	Stream     string
	Consumer   string
	FetchBatch int
	FetchWait  time.Duration
}

func (c *Config) withDefaults() {
	if c.FetchBatch <= 0 {
		c.FetchBatch = 128
	}
	if c.FetchWait <= 0 {
		c.FetchWait = 2 * time.Second
	}
}

func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("nats url is required")
	}
	if c.Stream == "" {
		return errors.New("nats stream is required")
	}
	if c.Consumer == "" {
		return errors.New("nats consumer is required")
	}
	return nil
}

// Subscription adapts a JetStream pull consumer to the pull contract. The
// consumer's ack wait is the visibility timeout; unacked messages are
// redelivered with an incremented delivery count.
type Subscription struct {
	cfg  Config
	nc   *nats.Conn
	cons jetstream.Consumer

	msgs   chan jetstream.Msg
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func NewSubscription(cfg Config) (*Subscription, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	nc, err := nats.Connect(cfg.URL, nats.Name("fognode"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("new jetstream: %w", err)
	}
	lookupCtx, cancelLookup := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelLookup()
	cons, err := js.Consumer(lookupCtx, cfg.Stream, cfg.Consumer)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("lookup consumer %s/%s: %w", cfg.Stream, cfg.Consumer, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		cfg:    cfg,
		nc:     nc,
		cons:   cons,
		msgs:   make(chan jetstream.Msg, cfg.FetchBatch),
		ctx:    ctx,
		cancel: cancel,
	}
	go s.fetchLoop()
	return s, nil
}

func (s *Subscription) fetchLoop() {
	for {
		if s.ctx.Err() != nil {
			return
		}
		batch, err := s.cons.Fetch(s.cfg.FetchBatch, jetstream.FetchMaxWait(s.cfg.FetchWait))
		if err != nil {
			select {
			case <-time.After(s.cfg.FetchWait):
			case <-s.ctx.Done():
				return
			}
			continue
		}
		for msg := range batch.Messages() {
			select {
			case s.msgs <- msg:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

func (s *Subscription) Receive(ctx context.Context) (broker.Message, error) {
	select {
	case <-s.ctx.Done():
		return broker.Message{}, broker.ErrClosed
	case <-ctx.Done():
		return broker.Message{}, ctx.Err()
	case msg := <-s.msgs:
		id := msg.Headers().Get(nats.MsgIdHdr)
		attempt := 1
		if meta, err := msg.Metadata(); err == nil {
			if id == "" {
				id = fmt.Sprintf("%s/%d", s.cfg.Stream, meta.Sequence.Stream)
			}
			attempt = int(meta.NumDelivered)
		}
		return broker.Message{
			ID:      id,
			Payload: msg.Data(),
			Attempt: attempt,
			Receipt: &receipt{msg: msg},
		}, nil
	}
}

func (s *Subscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.nc.Close()
	})
	return nil
}

type receipt struct {
	msg  jetstream.Msg
	once sync.Once
}

func (r *receipt) Ack() error {
	var err error
	r.once.Do(func() { err = r.msg.Ack() })
	return err
}

func (r *receipt) Nack() error {
	var err error
	r.once.Do(func() { err = r.msg.Nak() })
	return err
}
