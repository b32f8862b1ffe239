package executive

import (
	"sync"
	"time"
)

// Event is one entry in the global event history (spec.md §3 "Event
// record"). Seq is assigned by EventBus.Publish and is globally monotonic.
type Event struct {
	Seq  uint64
	TS   time.Time
	Type string
	PID  *uint32
	Data any
}

const (
	warnFactor           = 2.0
	warnFloor            = 4
	dropFactor           = 4.0
	dropFloor            = 8
	slowWarningInterval  = 1 * time.Second
	defaultHistoryLimit  = 4096
)

// Subscription is a bounded per-session event queue (spec.md §3
// "EventSubscription"). Category/PID filters are applied at publish time.
type Subscription struct {
	Token     string
	SessionID string
	PIDs      map[uint32]bool // nil = no filter
	Categories map[string]bool // nil = no filter
	MaxEvents int

	mu           sync.Mutex
	queue        []Event
	deliveredSeq uint64
	dropCount    uint64
	lastWarnAt   time.Time
	slow         bool
	closed       bool
	cond         *sync.Cond
}

func newSubscription(token, sessionID string, pids map[uint32]bool, cats map[string]bool, maxEvents int) *Subscription {
	s := &Subscription{
		Token:      token,
		SessionID:  sessionID,
		PIDs:       pids,
		Categories: cats,
		MaxEvents:  maxEvents,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *Subscription) matches(e Event) bool {
	if s.PIDs != nil {
		if e.PID == nil || !s.PIDs[*e.PID] {
			return false
		}
	}
	if s.Categories != nil && !s.Categories[e.Type] {
		return false
	}
	return true
}

// enqueue appends e, applying back-pressure per spec.md §4.7: a
// warning:slow_consumer event once pending exceeds the warn threshold (at
// most once per slowWarningInterval), and an unsubscribe-with-
// warning:slow_consumer_drop once pending exceeds the drop threshold.
// Returns (stillSubscribed, dropEvent, warnEvent).
func (s *Subscription) enqueue(e Event) (alive bool, dropEvt, warnEvt *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, nil, nil
	}
	s.queue = append(s.queue, e)
	pending := len(s.queue)

	warnThresh := int(float64(s.MaxEvents) * warnFactor)
	if warnThresh < warnFloor {
		warnThresh = warnFloor
	}
	dropThresh := int(float64(s.MaxEvents) * dropFactor)
	if dropThresh < dropFloor {
		dropThresh = dropFloor
	}

	if pending > dropThresh {
		s.closed = true
		s.cond.Broadcast()
		evt := Event{Type: "warning:slow_consumer_drop", Data: map[string]any{"token": s.Token, "dropped": pending}}
		return false, &evt, nil
	}
	if pending > warnThresh {
		now := timeNow()
		if !s.slow || now.Sub(s.lastWarnAt) >= slowWarningInterval {
			s.slow = true
			s.lastWarnAt = now
			evt := Event{Type: "warning:slow_consumer", Data: map[string]any{"token": s.Token, "pending": pending}}
			s.cond.Broadcast()
			return true, nil, &evt
		}
	}
	s.cond.Broadcast()
	return true, nil, nil
}

// Ack drains the queue up to and including seq, clearing the slow marker
// once backlog returns within MaxEvents (spec.md §4.7 events.ack).
func (s *Subscription) Ack(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.queue[:0]
	for _, e := range s.queue {
		if e.Seq > seq {
			kept = append(kept, e)
		}
	}
	s.queue = kept
	s.deliveredSeq = seq
	if len(s.queue) <= s.MaxEvents {
		s.slow = false
	}
}

// Wait blocks until an event is available or the subscription closes,
// then returns (and clears) the pending queue. Grounded on
// events.subscribe's documented blocking-on-condition-variable behavior
// (spec.md §5 Suspension points).
func (s *Subscription) Wait() ([]Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.queue) == 0 && s.closed {
		return nil, false
	}
	out := s.queue
	s.queue = nil
	return out, true
}

// Close terminates the subscription and wakes any blocked Wait.
func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Broadcast()
}

// EventBus assigns monotonic sequence numbers, retains a bounded replay
// history, and fans events out to subscriptions (spec.md §4.7).
type EventBus struct {
	mu            sync.Mutex
	seq           uint64
	history       []Event
	historyLimit  int
	subscriptions map[string]*Subscription
}

// NewEventBus creates a bus with the given bounded replay history size.
func NewEventBus(historyLimit int) *EventBus {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	return &EventBus{
		historyLimit:  historyLimit,
		subscriptions: make(map[string]*Subscription),
	}
}

// Publish assigns the next seq, appends to history, and fans out to every
// matching subscription, itself emitting any warning/drop events those
// deliveries produce.
func (b *EventBus) Publish(eventType string, pid *uint32, data any) Event {
	b.mu.Lock()
	b.seq++
	e := Event{Seq: b.seq, TS: timeNow(), Type: eventType, PID: pid, Data: data}
	b.history = append(b.history, e)
	if len(b.history) > b.historyLimit {
		b.history = b.history[len(b.history)-b.historyLimit:]
	}
	subs := make([]*Subscription, 0, len(b.subscriptions))
	for _, s := range b.subscriptions {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		if !s.matches(e) {
			continue
		}
		alive, dropEvt, warnEvt := s.enqueue(e)
		if warnEvt != nil {
			b.mu.Lock()
			b.seq++
			we := *warnEvt
			we.Seq = b.seq
			we.TS = timeNow()
			b.history = append(b.history, we)
			b.mu.Unlock()
			s.enqueue(we)
		}
		if !alive {
			b.mu.Lock()
			delete(b.subscriptions, s.Token)
			b.seq++
			de := *dropEvt
			de.Seq = b.seq
			de.TS = timeNow()
			b.history = append(b.history, de)
			b.mu.Unlock()
		}
	}
	return e
}

var timeNow = time.Now

// Subscribe creates a bounded subscription, optionally replaying history
// from sinceSeq (spec.md §4.7 events.subscribe / retention).
func (b *EventBus) Subscribe(token, sessionID string, pids []uint32, categories []string, maxEvents int, sinceSeq uint64) *Subscription {
	var pidSet map[uint32]bool
	if len(pids) > 0 {
		pidSet = make(map[uint32]bool, len(pids))
		for _, p := range pids {
			pidSet[p] = true
		}
	}
	var catSet map[string]bool
	if len(categories) > 0 {
		catSet = make(map[string]bool, len(categories))
		for _, c := range categories {
			catSet[c] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	s := newSubscription(token, sessionID, pidSet, catSet, maxEvents)
	if sinceSeq > 0 {
		for _, e := range b.history {
			if e.Seq > sinceSeq && s.matches(e) {
				s.queue = append(s.queue, e)
			}
		}
	}
	b.subscriptions[token] = s
	return s
}

// GetSubscription looks up a subscription by its stream token, for
// commands (events.ack) that reach it from a different connection than
// the one that created it via events.subscribe.
func (b *EventBus) GetSubscription(token string) (*Subscription, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subscriptions[token]
	return s, ok
}

// SubscriptionCount reports the number of live subscriptions, for the
// `/metrics` gauge (internal/executive/metrics.go).
func (b *EventBus) SubscriptionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscriptions)
}

// Unsubscribe removes and closes a subscription.
func (b *EventBus) Unsubscribe(token string) {
	b.mu.Lock()
	s, ok := b.subscriptions[token]
	if ok {
		delete(b.subscriptions, token)
	}
	b.mu.Unlock()
	if ok {
		s.Close()
	}
}

// UnsubscribeSession closes every subscription belonging to sessionID
// (called when a session's heartbeat expires or it closes explicitly).
func (b *EventBus) UnsubscribeSession(sessionID string) {
	b.mu.Lock()
	var toClose []*Subscription
	for tok, s := range b.subscriptions {
		if s.SessionID == sessionID {
			delete(b.subscriptions, tok)
			toClose = append(toClose, s)
		}
	}
	b.mu.Unlock()
	for _, s := range toClose {
		s.Close()
	}
}
