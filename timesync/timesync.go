package timesync

import (
	"sync"
	"time"
)

/*
Service hands out synchronized timestamps which are strictly increasing,
vote ordering and audit histories stay totally ordered even when votes
from different nodes arrive out of wall-clock order.
*/
type Service struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

func New() *Service {
	return &Service{now: time.Now}
}

// NewWithClock allows to inject the wall clock source, used by tests.
func NewWithClock(now func() time.Time) *Service {
	return &Service{now: now}
}

/*
Timestamp returns the next synchronized timestamp. When the wall clock
has not advanced past the previously returned value the timestamp is
clamped to previous+1ns.
*/
func (s *Service) Timestamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.now().UTC()
	if !t.After(s.last) {
		t = s.last.Add(time.Nanosecond)
	}
	s.last = t
	return t
}
