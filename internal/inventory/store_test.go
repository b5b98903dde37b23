package inventory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ctron/bommer/internal/types"
)

func img(name string) types.ImageRef {
	return types.ImageRef{Repository: "registry.example.com/" + name, Tag: "1.0"}
}

func pod(name string) types.WorkloadRef {
	return types.WorkloadRef{Kind: types.KindPod, Namespace: "default", Name: name}
}

// newStore returns a store with a frozen clock the test can advance.
func newStore(t *testing.T, grace time.Duration) (*Store, *time.Time) {
	t.Helper()
	s := New(Options{GracePeriod: grace}, zaptest.NewLogger(t))
	now := time.Now()
	s.now = func() time.Time { return now }
	return s, &now
}

func TestApplyWorkloadTriggersFetchOnFirstReference(t *testing.T) {
	s, _ := newStore(t, time.Minute)

	toFetch, applied := s.ApplyWorkload(pod("web-1"), 1, []types.ImageRef{img("a")})
	require.True(t, applied)
	require.Len(t, toFetch, 1)
	assert.Equal(t, img("a").Key(), toFetch[0].Key())

	st, ok := s.Get(img("a").Key())
	require.True(t, ok)
	assert.Equal(t, types.StatePending, st.State)
	assert.Equal(t, []types.WorkloadRef{pod("web-1")}, st.Workloads)
}

func TestApplyWorkloadDuplicateIsIdempotent(t *testing.T) {
	s, _ := newStore(t, time.Minute)

	_, applied := s.ApplyWorkload(pod("web-1"), 1, []types.ImageRef{img("a")})
	require.True(t, applied)

	toFetch, applied := s.ApplyWorkload(pod("web-1"), 1, []types.ImageRef{img("a")})
	assert.False(t, applied)
	assert.Empty(t, toFetch)

	st, _ := s.Get(img("a").Key())
	assert.Len(t, st.Workloads, 1)
}

func TestApplyWorkloadOutOfOrderIgnored(t *testing.T) {
	s, _ := newStore(t, time.Minute)

	s.ApplyWorkload(pod("web-1"), 5, []types.ImageRef{img("b")})
	_, applied := s.ApplyWorkload(pod("web-1"), 3, []types.ImageRef{img("a")})
	assert.False(t, applied)

	// State reflects only the highest-token event.
	images, ok := s.Workload(pod("web-1"))
	require.True(t, ok)
	require.Len(t, images, 1)
	assert.Equal(t, img("b").Key(), images[0].Image.Key())
}

func TestApplyWorkloadDiffsImageSet(t *testing.T) {
	s, _ := newStore(t, time.Minute)

	s.ApplyWorkload(pod("web-1"), 1, []types.ImageRef{img("a")})
	toFetch, applied := s.ApplyWorkload(pod("web-1"), 2, []types.ImageRef{img("b")})
	require.True(t, applied)
	require.Len(t, toFetch, 1)
	assert.Equal(t, img("b").Key(), toFetch[0].Key())

	// The old image lost its last reference but survives the grace window.
	st, ok := s.Get(img("a").Key())
	require.True(t, ok)
	assert.Empty(t, st.Workloads)
}

func TestSharedImageReferenceCounting(t *testing.T) {
	s, now := newStore(t, time.Minute)

	toFetch, _ := s.ApplyWorkload(pod("web-1"), 1, []types.ImageRef{img("a")})
	require.Len(t, toFetch, 1)

	// Second workload referencing the same image: no new fetch.
	toFetch, _ = s.ApplyWorkload(pod("web-2"), 1, []types.ImageRef{img("a")})
	assert.Empty(t, toFetch)

	st, _ := s.Get(img("a").Key())
	assert.Len(t, st.Workloads, 2)

	require.True(t, s.RemoveWorkload(pod("web-1")))
	st, ok := s.Get(img("a").Key())
	require.True(t, ok)
	assert.Len(t, st.Workloads, 1)

	require.True(t, s.RemoveWorkload(pod("web-2")))
	*now = now.Add(2 * time.Minute)
	s.evictExpired()

	_, ok = s.Get(img("a").Key())
	assert.False(t, ok)
}

func TestRemoveWorkloadUnknown(t *testing.T) {
	s, _ := newStore(t, time.Minute)
	assert.False(t, s.RemoveWorkload(pod("ghost")))
}

func TestReplaceAllAppliesImplicitDeletes(t *testing.T) {
	s, now := newStore(t, time.Minute)

	s.ApplyWorkload(pod("web-1"), 1, []types.ImageRef{img("a")})
	s.ApplyWorkload(pod("web-2"), 1, []types.ImageRef{img("b")})

	toFetch := s.ReplaceAll([]types.WorkloadImages{
		{Workload: pod("web-2"), Token: 2, Images: []types.ImageRef{img("b")}},
		{Workload: pod("web-3"), Token: 1, Images: []types.ImageRef{img("c")}},
	})

	// web-1 is gone, web-3's image needs a fetch, b is untouched.
	require.Len(t, toFetch, 1)
	assert.Equal(t, img("c").Key(), toFetch[0].Key())

	_, ok := s.Workload(pod("web-1"))
	assert.False(t, ok)
	_, ok = s.Workload(pod("web-3"))
	assert.True(t, ok)

	*now = now.Add(2 * time.Minute)
	s.evictExpired()
	_, ok = s.Get(img("a").Key())
	assert.False(t, ok)
}

func TestCompleteFetchResolved(t *testing.T) {
	s, _ := newStore(t, time.Minute)
	s.ApplyWorkload(pod("web-1"), 1, []types.ImageRef{img("a")})

	require.True(t, s.BeginFetch(img("a").Key()))
	sbom := &types.SBOM{Data: []byte(`{"ok":true}`)}
	require.True(t, s.CompleteFetch(img("a").Key(), sbom, nil, time.Time{}))

	st, _ := s.Get(img("a").Key())
	assert.Equal(t, types.StateResolved, st.State)
	assert.Equal(t, sbom, st.SBOM)
	assert.NotNil(t, st.LastResolved)
	assert.Zero(t, st.Attempts)
}

func TestCompleteFetchMissing(t *testing.T) {
	s, _ := newStore(t, time.Minute)
	s.ApplyWorkload(pod("web-1"), 1, []types.ImageRef{img("a")})

	s.BeginFetch(img("a").Key())
	require.True(t, s.CompleteFetch(img("a").Key(), nil, nil, time.Time{}))

	st, _ := s.Get(img("a").Key())
	assert.Equal(t, types.StateMissing, st.State)
	assert.Nil(t, st.SBOM)
	// A stable negative never schedules a retry.
	assert.Nil(t, st.NextRetry)
	assert.Empty(t, s.DueRetries())
}

func TestCompleteFetchFailed(t *testing.T) {
	s, now := newStore(t, time.Minute)
	s.ApplyWorkload(pod("web-1"), 1, []types.ImageRef{img("a")})

	s.BeginFetch(img("a").Key())
	next := now.Add(10 * time.Second)
	require.True(t, s.CompleteFetch(img("a").Key(), nil, errors.New("connection refused"), next))

	st, _ := s.Get(img("a").Key())
	assert.Equal(t, types.StateFailed, st.State)
	assert.Equal(t, "connection refused", st.Error)
	assert.Equal(t, 1, st.Attempts)
	require.NotNil(t, st.NextRetry)
	assert.Equal(t, next, *st.NextRetry)
}

func TestCompleteFetchAfterEvictionDiscarded(t *testing.T) {
	s, now := newStore(t, time.Minute)
	s.ApplyWorkload(pod("web-1"), 1, []types.ImageRef{img("a")})
	s.BeginFetch(img("a").Key())

	// The entry dies while the fetch is in flight.
	s.RemoveWorkload(pod("web-1"))
	*now = now.Add(2 * time.Minute)
	s.evictExpired()

	ok := s.CompleteFetch(img("a").Key(), &types.SBOM{Data: []byte(`{}`)}, nil, time.Time{})
	assert.False(t, ok)
	_, exists := s.Get(img("a").Key())
	assert.False(t, exists)
}

func TestReReferenceDuringGraceNeedsNoFetch(t *testing.T) {
	s, now := newStore(t, time.Minute)

	s.ApplyWorkload(pod("web-1"), 1, []types.ImageRef{img("a")})
	s.BeginFetch(img("a").Key())
	s.CompleteFetch(img("a").Key(), &types.SBOM{Data: []byte(`{}`)}, nil, time.Time{})
	s.RemoveWorkload(pod("web-1"))

	// Fast re-add within the grace window: zero fetch activity.
	toFetch, applied := s.ApplyWorkload(pod("web-1b"), 1, []types.ImageRef{img("a")})
	require.True(t, applied)
	assert.Empty(t, toFetch)

	// The re-reference also cancels eviction.
	*now = now.Add(2 * time.Minute)
	s.evictExpired()
	st, ok := s.Get(img("a").Key())
	require.True(t, ok)
	assert.Equal(t, types.StateResolved, st.State)
}

func TestReReferenceFailedEntryWithElapsedBackoff(t *testing.T) {
	s, now := newStore(t, time.Minute)

	s.ApplyWorkload(pod("web-1"), 1, []types.ImageRef{img("a")})
	s.BeginFetch(img("a").Key())
	s.CompleteFetch(img("a").Key(), nil, errors.New("boom"), now.Add(5*time.Second))

	// Backoff not yet elapsed: a new reference does not trigger a fetch.
	toFetch, _ := s.ApplyWorkload(pod("web-2"), 1, []types.ImageRef{img("a")})
	assert.Empty(t, toFetch)

	// Backoff elapsed: the next reference does.
	*now = now.Add(10 * time.Second)
	toFetch, _ = s.ApplyWorkload(pod("web-3"), 1, []types.ImageRef{img("a")})
	require.Len(t, toFetch, 1)
}

func TestDueRetries(t *testing.T) {
	s, now := newStore(t, time.Minute)

	s.ApplyWorkload(pod("web-1"), 1, []types.ImageRef{img("a")})
	s.BeginFetch(img("a").Key())
	s.CompleteFetch(img("a").Key(), nil, errors.New("boom"), now.Add(5*time.Second))

	assert.Empty(t, s.DueRetries())

	*now = now.Add(10 * time.Second)
	due := s.DueRetries()
	require.Len(t, due, 1)
	assert.Equal(t, img("a").Key(), due[0].Key())

	// Zero-reference entries are not retried.
	s.RemoveWorkload(pod("web-1"))
	assert.Empty(t, s.DueRetries())
}

func TestWaitResolvedReturnsImmediatelyWhenSettled(t *testing.T) {
	s, _ := newStore(t, time.Minute)
	s.ApplyWorkload(pod("web-1"), 1, []types.ImageRef{img("a")})
	s.BeginFetch(img("a").Key())
	s.CompleteFetch(img("a").Key(), &types.SBOM{Data: []byte(`{}`)}, nil, time.Time{})

	start := time.Now()
	st, ok := s.WaitResolved(context.Background(), img("a").Key(), 5*time.Second)
	require.True(t, ok)
	assert.Equal(t, types.StateResolved, st.State)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitResolvedWakesOnCompletion(t *testing.T) {
	s, _ := newStore(t, time.Minute)
	s.ApplyWorkload(pod("web-1"), 1, []types.ImageRef{img("a")})

	go func() {
		time.Sleep(50 * time.Millisecond)
		s.BeginFetch(img("a").Key())
		s.CompleteFetch(img("a").Key(), &types.SBOM{Data: []byte(`{}`)}, nil, time.Time{})
	}()

	st, ok := s.WaitResolved(context.Background(), img("a").Key(), 5*time.Second)
	require.True(t, ok)
	assert.Equal(t, types.StateResolved, st.State)
}

func TestWaitResolvedTimesOutPending(t *testing.T) {
	s, _ := newStore(t, time.Minute)
	s.ApplyWorkload(pod("web-1"), 1, []types.ImageRef{img("a")})

	st, ok := s.WaitResolved(context.Background(), img("a").Key(), 50*time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, types.StatePending, st.State)
}

func TestWaitResolvedUnknownImage(t *testing.T) {
	s, _ := newStore(t, time.Minute)
	_, ok := s.WaitResolved(context.Background(), "nope", 50*time.Millisecond)
	assert.False(t, ok)
}

func TestWorkloadsFilterByNamespace(t *testing.T) {
	s, _ := newStore(t, time.Minute)

	s.ApplyWorkload(pod("web-1"), 1, []types.ImageRef{img("a")})
	other := types.WorkloadRef{Kind: types.KindPod, Namespace: "prod", Name: "api-1"}
	s.ApplyWorkload(other, 1, []types.ImageRef{img("b")})

	assert.Len(t, s.Workloads(""), 2)

	prod := s.Workloads("prod")
	require.Len(t, prod, 1)
	assert.Equal(t, "api-1", prod[0].Workload.Name)
}

func TestCounts(t *testing.T) {
	s, _ := newStore(t, time.Minute)

	s.ApplyWorkload(pod("web-1"), 1, []types.ImageRef{img("a"), img("b")})
	s.BeginFetch(img("a").Key())
	s.CompleteFetch(img("a").Key(), &types.SBOM{Data: []byte(`{}`)}, nil, time.Time{})

	byState, workloads := s.Counts()
	assert.Equal(t, 1, workloads)
	assert.Equal(t, 1, byState[types.StateResolved])
	assert.Equal(t, 1, byState[types.StatePending])
}

func TestSnapshotAllConsistent(t *testing.T) {
	s, _ := newStore(t, time.Minute)

	s.ApplyWorkload(pod("web-1"), 1, []types.ImageRef{img("b"), img("a")})
	snap := s.SnapshotAll()

	require.Len(t, snap, 2)
	assert.True(t, snap[0].Image.Key() < snap[1].Image.Key())
}
