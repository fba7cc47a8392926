package service

import (
	"sync"

	"github.com/spoonbobo/onlysaid-electron-sub007/pkg/models"
)

// ProgressBus fans notifications out to subscribers. Each subscriber has an
// unbounded mailbox, so publishing never blocks and nothing is dropped;
// notifications reach a subscriber in publish order.
type ProgressBus struct {
	mu     sync.Mutex
	seq    uint64
	nextID uint64
	subs   map[uint64]*Subscription
}

func NewProgressBus() *ProgressBus {
	return &ProgressBus{subs: make(map[uint64]*Subscription)}
}

// Subscription delivers notifications on C until Unsubscribe is called.
type Subscription struct {
	id          uint64
	bus         *ProgressBus
	executionID string

	mu     sync.Mutex
	queue  []models.Notification
	signal chan struct{}
	out    chan models.Notification
	done   chan struct{}
	once   sync.Once
}

// Subscribe registers a subscriber for one execution, or for all executions
// when executionID is empty.
func (b *ProgressBus) Subscribe(executionID string) *Subscription {
	s := &Subscription{
		bus:         b,
		executionID: executionID,
		signal:      make(chan struct{}, 1),
		out:         make(chan models.Notification),
		done:        make(chan struct{}),
	}
	b.mu.Lock()
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	b.mu.Unlock()
	go s.pump()
	return s
}

// Publish stamps n with the next sequence number and queues it for every
// matching subscriber.
func (b *ProgressBus) Publish(n models.Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	n.Seq = b.seq
	for _, s := range b.subs {
		if s.executionID == "" || s.executionID == n.ExecutionID {
			s.enqueue(n)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *ProgressBus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (s *Subscription) C() <-chan models.Notification {
	return s.out
}

// Unsubscribe stops delivery and closes C. Queued notifications are discarded.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
		close(s.done)
	})
}

func (s *Subscription) enqueue(n models.Notification) {
	s.mu.Lock()
	s.queue = append(s.queue, n)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			}
		}
		n := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- n:
		case <-s.done:
			return
		}
	}
}
