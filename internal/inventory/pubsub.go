package inventory

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ctron/bommer/internal/types"
)

// ChangeType tags an inventory change event.
type ChangeType string

const (
	ChangeAdded    ChangeType = "Added"
	ChangeModified ChangeType = "Modified"
	ChangeRemoved  ChangeType = "Removed"

	// ChangeRestart carries a full snapshot. Every new subscription starts
	// with one, and one is broadcast after each resync.
	ChangeRestart ChangeType = "Restart"
)

// ChangeEvent is one inventory change, as delivered to subscribers.
type ChangeEvent struct {
	Type     ChangeType          `json:"type"`
	Image    *types.ImageStatus  `json:"image,omitempty"`
	Snapshot []types.ImageStatus `json:"snapshot,omitempty"`
}

type subscriber struct {
	ch chan ChangeEvent
}

// Subscription is a live feed of inventory changes. Cancel must be called
// when done; a subscriber that stops draining its channel is dropped.
type Subscription struct {
	ID     uuid.UUID
	C      <-chan ChangeEvent
	cancel func()
}

// Cancel detaches the subscription and closes its channel.
func (s *Subscription) Cancel() {
	s.cancel()
}

// Subscribe registers a change listener. The first event on the channel is
// a Restart carrying the current snapshot, so subscribers never have to
// reconcile a gap between "get state" and "start listening".
func (s *Store) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 16
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New()
	sub := &subscriber{ch: make(chan ChangeEvent, buffer)}
	// The channel is freshly created with buffer >= 1, this cannot block.
	sub.ch <- ChangeEvent{Type: ChangeRestart, Snapshot: s.snapshotLocked()}
	s.subs[id.String()] = sub

	return &Subscription{
		ID: id,
		C:  sub.ch,
		cancel: func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if cur, ok := s.subs[id.String()]; ok {
				delete(s.subs, id.String())
				close(cur.ch)
			}
		},
	}
}

// broadcastLocked fans an event out to all subscribers. A full channel
// means the subscriber stopped draining; it is dropped rather than allowed
// to stall mutations.
func (s *Store) broadcastLocked(evt ChangeEvent) {
	for id, sub := range s.subs {
		select {
		case sub.ch <- evt:
		default:
			s.logger.Debug("Dropping slow inventory subscriber", zap.String("id", id))
			delete(s.subs, id)
			close(sub.ch)
		}
	}
}
