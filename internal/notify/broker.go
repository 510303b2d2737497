// Package notify fans queue notices out to front-end adapters and external
// mirrors without ever blocking the queues that emit them.
package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/crossqueue/internal/queue"
	"github.com/Aidin1998/crossqueue/pkg/metrics"
)

// Publisher forwards notices to an external system.
type Publisher interface {
	PublishNotice(ctx context.Context, n queue.Notice) error
}

// Broker implements queue.Notifier. Every subscriber has an unbounded
// mailbox, so Notify never blocks and each notice reaches each matching
// subscriber exactly once, in emission order.
type Broker struct {
	logger *zap.Logger

	mu   sync.RWMutex
	subs map[*Subscription]struct{}

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewBroker creates a broker with no subscribers.
func NewBroker(logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		logger: logger.Named("notify"),
		subs:   make(map[*Subscription]struct{}),
		closed: make(chan struct{}),
	}
}

// Notify queues n for every subscriber whose filter matches.
func (b *Broker) Notify(n queue.Notice) {
	metrics.NoticesTotal.WithLabelValues(string(n.Type)).Inc()
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if s.frontEnd == "" || s.frontEnd == n.Origin.FrontEnd {
			s.push(n)
		}
	}
}

// Subscribe returns a subscription to notices whose origin came from
// frontEnd. An empty frontEnd receives everything.
func (b *Broker) Subscribe(frontEnd string) *Subscription {
	s := &Subscription{
		frontEnd: frontEnd,
		wake:     make(chan struct{}, 1),
		out:      make(chan queue.Notice),
		done:     make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	s.broker = b
	s.wg.Add(1)
	go s.pump()
	return s
}

func (b *Broker) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Mirror forwards every notice to p from a dedicated goroutine. Failures
// are logged and counted, never retried.
func (b *Broker) Mirror(name string, p Publisher, timeout time.Duration) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	sub := b.Subscribe("")
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer sub.Close()
		for {
			select {
			case <-b.closed:
				return
			case n, ok := <-sub.C():
				if !ok {
					return
				}
				ctx, cancel := context.WithTimeout(context.Background(), timeout)
				err := p.PublishNotice(ctx, n)
				cancel()
				if err != nil {
					metrics.MirrorErrors.WithLabelValues(name).Inc()
					b.logger.Warn("failed to mirror notice",
						zap.String("mirror", name),
						zap.String("notice_id", n.ID),
						zap.Error(err))
				}
			}
		}
	}()
	b.logger.Info("notice mirror attached", zap.String("mirror", name))
}

// Close stops the mirrors and every subscription.
func (b *Broker) Close() {
	b.closeOnce.Do(func() {
		close(b.closed)
	})
	b.wg.Wait()

	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()
	for _, s := range subs {
		s.Close()
	}
}

// Subscription is one consumer's mailbox.
type Subscription struct {
	broker   *Broker
	frontEnd string

	mu      sync.Mutex
	pending []queue.Notice
	wake    chan struct{}
	out     chan queue.Notice

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// C delivers notices. It is closed after Close.
func (s *Subscription) C() <-chan queue.Notice { return s.out }

// Pending returns the number of undelivered notices.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close detaches the subscription and drops undelivered notices.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.broker.remove(s)
		close(s.done)
	})
	s.wg.Wait()
}

func (s *Subscription) push(n queue.Notice) {
	s.mu.Lock()
	s.pending = append(s.pending, n)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer s.wg.Done()
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			select {
			case <-s.done:
				return
			case <-s.wake:
				continue
			}
		}
		n := s.pending[0]
		s.pending[0] = queue.Notice{}
		s.pending = s.pending[1:]
		s.mu.Unlock()

		select {
		case <-s.done:
			return
		case s.out <- n:
		}
	}
}
