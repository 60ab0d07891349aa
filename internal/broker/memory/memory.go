package memory

import (
	"context"
	"sync"
	"time"

	"fognode/internal/broker"
)

// Subscription is an in-process broker with at-least-once semantics: an
// unacked delivery is re-queued after the visibility timeout, a nacked
// delivery immediately. It backs local runs and pipeline tests.
type Subscription struct {
	visibility time.Duration

	ready  chan *entry
	closed chan struct{}

	mu       sync.Mutex
	inflight map[*entry]*time.Timer
	acked    []string
	nacked   int
}

type entry struct {
	id      string
	payload []byte
	attempt int
}

type Config struct {
	VisibilityTimeout time.Duration
	Buffer            int
}

func NewSubscription(cfg Config) *Subscription {
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	return &Subscription{
		visibility: cfg.VisibilityTimeout,
		ready:      make(chan *entry, cfg.Buffer),
		closed:     make(chan struct{}),
		inflight:   make(map[*entry]*time.Timer),
	}
}

// Publish enqueues a message for delivery.
func (s *Subscription) Publish(id string, payload []byte) {
	e := &entry{id: id, payload: payload}
	select {
	case s.ready <- e:
	case <-s.closed:
	}
}

func (s *Subscription) Receive(ctx context.Context) (broker.Message, error) {
	select {
	case <-s.closed:
		return broker.Message{}, broker.ErrClosed
	case <-ctx.Done():
		return broker.Message{}, ctx.Err()
	case e := <-s.ready:
		e.attempt++
		s.mu.Lock()
		timer := time.AfterFunc(s.visibility, func() { s.expire(e) })
		s.inflight[e] = timer
		s.mu.Unlock()
		return broker.Message{
			ID:      e.id,
			Payload: e.payload,
			Attempt: e.attempt,
			Receipt: &receipt{sub: s, e: e},
		}, nil
	}
}

func (s *Subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
		return nil
	default:
	}
	close(s.closed)
	for e, timer := range s.inflight {
		timer.Stop()
		delete(s.inflight, e)
	}
	return nil
}

func (s *Subscription) expire(e *entry) {
	s.mu.Lock()
	_, ok := s.inflight[e]
	delete(s.inflight, e)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.requeue(e)
}

func (s *Subscription) requeue(e *entry) {
	select {
	case s.ready <- e:
	case <-s.closed:
	}
}

// Acked returns message IDs acknowledged so far, in ack order.
func (s *Subscription) Acked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.acked))
	copy(out, s.acked)
	return out
}

// Nacked returns the number of negative acknowledgments issued.
func (s *Subscription) Nacked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nacked
}

// Outstanding returns the number of in-flight deliveries.
func (s *Subscription) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

type receipt struct {
	sub  *Subscription
	e    *entry
	once sync.Once
}

func (r *receipt) Ack() error {
	r.once.Do(func() {
		r.sub.mu.Lock()
		if timer, ok := r.sub.inflight[r.e]; ok {
			timer.Stop()
			delete(r.sub.inflight, r.e)
		}
		r.sub.acked = append(r.sub.acked, r.e.id)
		r.sub.mu.Unlock()
	})
	return nil
}

func (r *receipt) Nack() error {
	r.once.Do(func() {
		r.sub.mu.Lock()
		if timer, ok := r.sub.inflight[r.e]; ok {
			timer.Stop()
			delete(r.sub.inflight, r.e)
		}
		r.sub.nacked++
		r.sub.mu.Unlock()
		r.sub.requeue(r.e)
	})
	return nil
}
