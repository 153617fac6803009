package transfer

import (
	"sync"
	"time"

	"lanxfer/pkg/types"
)

type EventType string

const (
	EventOfferReceived     EventType = "offer_received"
	EventTransferComplete  EventType = "transfer_complete"
	EventTransferFailed    EventType = "transfer_failed"
	EventTransferRejected  EventType = "transfer_rejected"
	EventTransferCancelled EventType = "transfer_cancelled"
)

func eventFor(s State) EventType {
	switch s {
	case StateDone:
		return EventTransferComplete
	case StateRejected:
		return EventTransferRejected
	case StateCancelled:
		return EventTransferCancelled
	default:
		return EventTransferFailed
	}
}

type OfferFile struct {
	Name     string
	Size     int64
	MimeType string
}

// OfferInfo describes an incoming batch waiting for Accept or Reject.
type OfferInfo struct {
	BatchID    types.BatchID
	SenderName string
	Address    string
	Files      []OfferFile
	TotalSize  int64
	Encrypted  bool
	ExpiresAt  time.Time
}

type Event struct {
	Type      EventType
	Time      time.Time
	BatchID   types.BatchID
	SessionID types.SessionID
	Direction types.Direction
	FileName  string
	Peer      string
	Reason    string
	Offer     *OfferInfo
}

// broker fans events out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the event.
type broker struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	next   int
	closed bool
}

func newBroker() *broker {
	return &broker{subs: make(map[int]chan Event)}
}

func (b *broker) subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

func (b *broker) publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *broker) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
