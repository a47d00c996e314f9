package cart

import (
	"sync"
	"time"
)

// FireFunc is invoked when a reservation's window elapses. It must be
// idempotent: a fired timer may race a user-initiated cancel or checkout.
type FireFunc func(clientID, productID int64)

// ExpiryScheduler keeps exactly one pending timer per active reservation.
// Firing removes the entry first and then calls fire, so the outcome of the
// release never blocks or re-arms the timer. Cancelling an already-fired
// timer is harmless.
type ExpiryScheduler struct {
	mu      sync.Mutex
	timers  map[Key]*time.Timer
	fire    FireFunc
	stopped bool
}

func NewExpiryScheduler(fire FireFunc) *ExpiryScheduler {
	return &ExpiryScheduler{
		timers: make(map[Key]*time.Timer),
		fire:   fire,
	}
}

// Schedule arms (or re-arms) the timer for key after delay. A non-positive
// delay fires as soon as possible.
func (s *ExpiryScheduler) Schedule(clientID, productID int64, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	k := Key{ClientID: clientID, ProductID: productID}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if old, ok := s.timers[k]; ok {
		old.Stop()
	}
	s.timers[k] = time.AfterFunc(delay, func() { s.fired(k) })
}

func (s *ExpiryScheduler) fired(k Key) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.timers, k)
	s.mu.Unlock()

	s.fire(k.ClientID, k.ProductID)
}

// Cancel drops the pending timer for key, if any.
func (s *ExpiryScheduler) Cancel(clientID, productID int64) {
	k := Key{ClientID: clientID, ProductID: productID}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[k]; ok {
		t.Stop()
		delete(s.timers, k)
	}
}

// Pending returns the number of armed timers.
func (s *ExpiryScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every timer and refuses further scheduling.
func (s *ExpiryScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for k, t := range s.timers {
		t.Stop()
		delete(s.timers, k)
	}
}
