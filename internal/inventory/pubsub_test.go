package inventory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctron/bommer/internal/types"
)

func recvChange(t *testing.T, c <-chan ChangeEvent) ChangeEvent {
	t.Helper()
	select {
	case evt := <-c:
		return evt
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for change event")
		return ChangeEvent{}
	}
}

func TestSubscribeStartsWithRestart(t *testing.T) {
	s, _ := newStore(t, time.Minute)
	s.ApplyWorkload(pod("web-1"), 1, []types.ImageRef{img("a")})

	sub := s.Subscribe(16)
	defer sub.Cancel()

	evt := recvChange(t, sub.C)
	assert.Equal(t, ChangeRestart, evt.Type)
	require.Len(t, evt.Snapshot, 1)
	assert.Equal(t, img("a").Key(), evt.Snapshot[0].Image.Key())
}

func TestSubscribeSeesChanges(t *testing.T) {
	s, _ := newStore(t, time.Minute)

	sub := s.Subscribe(16)
	defer sub.Cancel()
	recvChange(t, sub.C) // initial restart

	s.ApplyWorkload(pod("web-1"), 1, []types.ImageRef{img("a")})
	evt := recvChange(t, sub.C)
	assert.Equal(t, ChangeAdded, evt.Type)
	require.NotNil(t, evt.Image)
	assert.Equal(t, img("a").Key(), evt.Image.Image.Key())

	s.BeginFetch(img("a").Key())
	s.CompleteFetch(img("a").Key(), &types.SBOM{Data: []byte(`{}`)}, nil, time.Time{})
	evt = recvChange(t, sub.C)
	assert.Equal(t, ChangeModified, evt.Type)
	assert.Equal(t, types.StateResolved, evt.Image.State)
}

func TestSubscribeRemovedOnEviction(t *testing.T) {
	s, now := newStore(t, time.Minute)
	s.ApplyWorkload(pod("web-1"), 1, []types.ImageRef{img("a")})

	sub := s.Subscribe(16)
	defer sub.Cancel()
	recvChange(t, sub.C)

	s.RemoveWorkload(pod("web-1"))
	recvChange(t, sub.C) // modified: reference dropped

	*now = now.Add(2 * time.Minute)
	s.evictExpired()

	evt := recvChange(t, sub.C)
	assert.Equal(t, ChangeRemoved, evt.Type)
}

func TestSlowSubscriberDropped(t *testing.T) {
	s, _ := newStore(t, time.Minute)

	sub := s.Subscribe(1) // initial restart fills the buffer

	// Nobody drains; the next broadcast drops and closes the subscription.
	s.ApplyWorkload(pod("web-1"), 1, []types.ImageRef{img("a")})

	recvChange(t, sub.C) // buffered restart
	_, open := <-sub.C
	assert.False(t, open)
}

func TestCancelIsIdempotent(t *testing.T) {
	s, _ := newStore(t, time.Minute)

	sub := s.Subscribe(16)
	sub.Cancel()
	sub.Cancel()

	// Broadcasting after cancel must not panic or block.
	s.ApplyWorkload(pod("web-1"), 1, []types.ImageRef{img("a")})
}
