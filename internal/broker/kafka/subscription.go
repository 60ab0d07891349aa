package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"fognode/internal/broker"
)

type Config struct {
	Brokers        []string
	Topic          string
	GroupID        string
	ClientID       string
	MaxPollRecords int
	QueueCapacity  int
	FetchMaxWait   time.Duration
}

func (c *Config) withDefaults() {
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 500
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.FetchMaxWait <= 0 {
		c.FetchMaxWait = time.Second
	}
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka brokers are required")
	}
	if c.Topic == "" {
		return errors.New("kafka topic is required")
	}
	if c.GroupID == "" {
		return errors.New("kafka group_id is required")
	}
	return nil
}

// Subscription adapts a Kafka consumer group to the pull contract. Offsets
// are committed only for acked records; a nack leaves the offset unmarked so
// the record is re-presented after a rebalance or restart. Pause/Resume map
// to fetch pausing on the topic.
type Subscription struct {
	cfg    Config
	log    *slog.Logger
	client *kgo.Client

	records chan *kgo.Record
	ctx     context.Context
	cancel  context.CancelFunc
	closed  sync.Once

	markCommit   func(*kgo.Record)
	commitMarked func(context.Context) error
	pauseFetch   func(...string)
	resumeFetch  func(...string)
}

func NewSubscription(cfg Config, log *slog.Logger, opts ...kgo.Opt) (*Subscription, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.FetchMaxWait(cfg.FetchMaxWait),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		cfg:     cfg,
		log:     log,
		client:  cl,
		records: make(chan *kgo.Record, cfg.QueueCapacity),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.markCommit = func(r *kgo.Record) { cl.MarkCommitRecords(r) }
	s.commitMarked = func(ctx context.Context) error { return cl.CommitMarkedOffsets(ctx) }
	s.pauseFetch = func(topics ...string) { _ = cl.PauseFetchTopics(topics...) }
	s.resumeFetch = func(topics ...string) { cl.ResumeFetchTopics(topics...) }

	go s.pollLoop()
	return s, nil
}

func (s *Subscription) pollLoop() {
	for {
		if s.ctx.Err() != nil {
			return
		}
		fetches := s.client.PollRecords(s.ctx, s.cfg.MaxPollRecords)
		if fetches.IsClientClosed() {
			return
		}
		for _, err := range fetches.Errors() {
			s.log.Warn("kafka fetch error", "topic", err.Topic, "error", err.Err)
		}
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			for _, rec := range p.Records {
				select {
				case s.records <- rec:
				case <-s.ctx.Done():
					return
				}
			}
		})
		s.client.AllowRebalance()
	}
}

func (s *Subscription) Receive(ctx context.Context) (broker.Message, error) {
	select {
	case <-s.ctx.Done():
		return broker.Message{}, broker.ErrClosed
	case <-ctx.Done():
		return broker.Message{}, ctx.Err()
	case rec := <-s.records:
		// Attempt stays at 1: Kafka keeps no per-record delivery count, and a
		// record re-presented after an offset rewind is indistinguishable
		// from a first delivery. Duplicate suppression does not depend on it;
		// the dedupe window and the warehouse key work off the record ID.
		return broker.Message{
			ID:      recordID(rec),
			Payload: rec.Value,
			Attempt: 1,
			Receipt: &receipt{sub: s, rec: rec},
		}, nil
	}
}

func (s *Subscription) Close() error {
	s.closed.Do(func() {
		s.cancel()
		s.client.Close()
	})
	return nil
}

func (s *Subscription) Pause()  { s.pauseFetch(s.cfg.Topic) }
func (s *Subscription) Resume() { s.resumeFetch(s.cfg.Topic) }

// recordID prefers the producer-set message_id header; topic/partition/offset
// is a stable fallback because a Kafka record keeps its offset across
// redeliveries.
func recordID(rec *kgo.Record) string {
	for _, h := range rec.Headers {
		if h.Key == "message_id" && len(h.Value) > 0 {
			return string(h.Value)
		}
	}
	return fmt.Sprintf("%s/%d/%d", rec.Topic, rec.Partition, rec.Offset)
}

type receipt struct {
	sub  *Subscription
	rec  *kgo.Record
	once sync.Once
}

func (r *receipt) Ack() error {
	var err error
	r.once.Do(func() {
		r.sub.markCommit(r.rec)
		err = r.sub.commitMarked(r.sub.ctx)
	})
	return err
}

// Nack leaves the offset unmarked; Kafka re-presents the record when the
// group rewinds to the last committed offset.
func (r *receipt) Nack() error { return nil }
