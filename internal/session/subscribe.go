package session

import (
	"context"

	"github.com/quantumauth-io/quantum-go-utils/log"
)

const noticeBuffer = 16

// Subscription delivers committed snapshots and notices. A slow reader misses
// intermediate snapshots but always gets the latest one.
type Subscription struct {
	id      uint64
	states  chan Snapshot
	notices chan Notice
	done    chan struct{}
	m       *Manager
}

func (s *Subscription) States() <-chan Snapshot { return s.states }

func (s *Subscription) Notices() <-chan Notice { return s.notices }

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Cancel ends the subscription. It is safe to call more than once.
func (s *Subscription) Cancel() {
	s.m.subMu.Lock()
	defer s.m.subMu.Unlock()
	if _, ok := s.m.subs[s.id]; !ok {
		return
	}
	delete(s.m.subs, s.id)
	s.close()
}

func (s *Subscription) close() {
	close(s.done)
	s.m.metrics.SubscriberRemoved()
}

// pushState replaces any unread snapshot with snap.
func (s *Subscription) pushState(snap Snapshot) {
	for {
		select {
		case s.states <- snap:
			return
		default:
		}
		select {
		case <-s.states:
		default:
		}
	}
}

// Subscribe registers a subscriber. The current snapshot is delivered immediately. The
// subscription ends when ctx is done, Cancel is called or the Manager is closed.
func (m *Manager) Subscribe(ctx context.Context) *Subscription {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	s := &Subscription{
		states:  make(chan Snapshot, 1),
		notices: make(chan Notice, noticeBuffer),
		done:    make(chan struct{}),
		m:       m,
	}
	if m.closed {
		close(s.done)
		return s
	}

	m.subSeq++
	s.id = m.subSeq
	m.subs[s.id] = s
	m.metrics.SubscriberAdded()
	s.pushState(m.Snapshot())

	go func() {
		select {
		case <-ctx.Done():
			s.Cancel()
		case <-s.done:
		}
	}()
	return s
}

func (m *Manager) publishLocked(snap Snapshot) {
	for _, s := range m.subs {
		s.pushState(snap)
	}
}

// notify logs a notice and hands it to subscribers.
func (m *Manager) notify(n Notice) {
	log.Warn("session notice", "kind", n.Kind, "severity", n.Severity, "title", n.Title, "message", n.Message)

	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, s := range m.subs {
		select {
		case s.notices <- n:
		default:
			log.Warn("dropping notice for slow subscriber", "subscriber", s.id, "kind", n.Kind)
		}
	}
}
