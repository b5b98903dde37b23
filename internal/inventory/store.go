// Package inventory holds the authoritative mapping between live workloads,
// the images they run, and the SBOM fetch state of each image.
package inventory

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ctron/bommer/internal/types"
)

// entry is the fetch state of one image, plus the workloads referencing it.
// An entry stays alive while at least one workload references it; once the
// last reference drops, it is kept for a grace window so rapid add/remove
// churn (a pod restarting with the same image) causes no fetch activity.
type entry struct {
	image        types.ImageRef
	state        types.SbomState
	sbom         *types.SBOM
	lastErr      string
	attempts     int
	nextRetry    time.Time
	lastResolved time.Time

	// owners maps workload key to reference. The entry's reference count is
	// len(owners); it is never negative by construction.
	owners map[string]types.WorkloadRef

	// evictAt is set while owners is empty; zero otherwise.
	evictAt time.Time

	// changed is closed and replaced whenever the entry's state changes.
	// Bounded waits (long-poll) block on it.
	changed chan struct{}
}

// workloadRecord tracks one live workload: its image set and the highest
// change token seen, used to discard duplicate or out-of-order events.
type workloadRecord struct {
	ref    types.WorkloadRef
	token  uint64
	images map[string]types.ImageRef
}

// Options configures the inventory store.
type Options struct {
	// GracePeriod is how long a zero-reference entry is retained before
	// eviction.
	GracePeriod time.Duration
}

// Store is the inventory cache. All mutations are short critical sections
// under one mutex; network calls never happen under the lock. Readers get
// consistent snapshots: a workload's image set is never observed half
// applied.
type Store struct {
	logger *zap.Logger
	grace  time.Duration
	now    func() time.Time

	mu        sync.RWMutex
	images    map[string]*entry
	workloads map[string]*workloadRecord
	subs      map[string]*subscriber
}

// New creates an empty inventory store.
func New(opts Options, logger *zap.Logger) *Store {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 30 * time.Second
	}
	return &Store{
		logger:    logger.Named("inventory"),
		grace:     opts.GracePeriod,
		now:       time.Now,
		images:    make(map[string]*entry),
		workloads: make(map[string]*workloadRecord),
		subs:      make(map[string]*subscriber),
	}
}

// ApplyWorkload records a workload's current image set. Stale tokens
// (token <= last seen) are ignored and reported via the second return;
// applying the same event twice is a no-op. The returned refs are the
// images whose fetch should be triggered now — the caller does that
// outside the lock.
func (s *Store) ApplyWorkload(w types.WorkloadRef, token uint64, images []types.ImageRef) (toFetch []types.ImageRef, applied bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(w, token, images)
}

func (s *Store) applyLocked(w types.WorkloadRef, token uint64, images []types.ImageRef) (toFetch []types.ImageRef, applied bool) {
	key := w.Key()
	rec := s.workloads[key]
	if rec != nil && token <= rec.token {
		return nil, false
	}

	next := make(map[string]types.ImageRef, len(images))
	for _, img := range images {
		next[img.Key()] = img
	}

	if rec == nil {
		rec = &workloadRecord{ref: w, images: make(map[string]types.ImageRef)}
		s.workloads[key] = rec
		workloadsGauge.Set(float64(len(s.workloads)))
	}
	rec.token = token

	// Reference additions first, removals second: an update that keeps an
	// image must never let its reference count touch zero in between.
	for ik, img := range next {
		if _, ok := rec.images[ik]; !ok {
			if s.addRefLocked(img, w) {
				toFetch = append(toFetch, img)
			}
		}
	}
	for ik, img := range rec.images {
		if _, ok := next[ik]; !ok {
			s.dropRefLocked(img, w)
		}
	}
	rec.images = next

	return toFetch, true
}

// RemoveWorkload drops a workload and dereferences all its images.
// Unconditional: delete events carry no useful token ordering.
func (s *Store) RemoveWorkload(w types.WorkloadRef) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(w)
}

func (s *Store) removeLocked(w types.WorkloadRef) bool {
	key := w.Key()
	rec, ok := s.workloads[key]
	if !ok {
		return false
	}
	for _, img := range rec.images {
		s.dropRefLocked(img, w)
	}
	delete(s.workloads, key)
	workloadsGauge.Set(float64(len(s.workloads)))
	return true
}

// ReplaceAll applies a full relist snapshot. The snapshot is authoritative:
// tracked workloads absent from it are implicitly deleted, repairing any
// state missed during a stream gap. Per-workload token ordering still
// applies to the survivors.
func (s *Store) ReplaceAll(snapshot []types.WorkloadImages) (toFetch []types.ImageRef) {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := make(map[string]bool, len(snapshot))
	for _, wi := range snapshot {
		live[wi.Workload.Key()] = true
	}

	var gone []types.WorkloadRef
	for key, rec := range s.workloads {
		if !live[key] {
			gone = append(gone, rec.ref)
		}
	}
	for _, w := range gone {
		s.removeLocked(w)
	}

	for _, wi := range snapshot {
		refs, _ := s.applyLocked(wi.Workload, wi.Token, wi.Images)
		toFetch = append(toFetch, refs...)
	}

	s.broadcastLocked(ChangeEvent{Type: ChangeRestart, Snapshot: s.snapshotLocked()})
	return toFetch
}

// addRefLocked references an image for a workload. Returns true when a
// fetch should be triggered now: the image is new, or it sits Failed with
// an elapsed backoff.
func (s *Store) addRefLocked(img types.ImageRef, w types.WorkloadRef) (needsFetch bool) {
	key := img.Key()
	e, ok := s.images[key]
	if !ok {
		e = &entry{
			image:   img,
			state:   types.StatePending,
			owners:  make(map[string]types.WorkloadRef),
			changed: make(chan struct{}),
		}
		s.images[key] = e
		e.owners[w.Key()] = w
		s.trackState("", e.state)
		s.broadcastLocked(ChangeEvent{Type: ChangeAdded, Image: s.statusLocked(e)})
		return true
	}

	e.owners[w.Key()] = w
	e.evictAt = time.Time{}
	s.broadcastLocked(ChangeEvent{Type: ChangeModified, Image: s.statusLocked(e)})

	// A still-valid entry needs no new fetch; a fast remove/re-add cycle
	// within the grace window therefore produces zero network calls.
	return e.state == types.StateFailed && !s.now().Before(e.nextRetry)
}

func (s *Store) dropRefLocked(img types.ImageRef, w types.WorkloadRef) {
	key := img.Key()
	e, ok := s.images[key]
	if !ok {
		return
	}
	delete(e.owners, w.Key())
	if len(e.owners) == 0 {
		e.evictAt = s.now().Add(s.grace)
	}
	s.broadcastLocked(ChangeEvent{Type: ChangeModified, Image: s.statusLocked(e)})
}

// BeginFetch marks an entry Pending ahead of an upstream call. Returns
// false when the entry no longer exists — the fetch is pointless then.
func (s *Store) BeginFetch(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.images[key]
	if !ok {
		return false
	}
	s.setStateLocked(e, types.StatePending)
	e.attempts++
	return true
}

// CompleteFetch commits a fetch outcome: a document (Resolved), a nil
// document with nil error (Missing, the store's stable negative), or an
// error (Failed, retry at nextRetry). When the entry was evicted while the
// call was in flight, the result is discarded — completed work is not
// allowed to resurrect a dead entry.
func (s *Store) CompleteFetch(key string, sbom *types.SBOM, fetchErr error, nextRetry time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.images[key]
	if !ok {
		discardedTotal.Inc()
		return false
	}

	switch {
	case fetchErr == nil && sbom != nil:
		e.sbom = sbom
		e.lastErr = ""
		e.attempts = 0
		e.nextRetry = time.Time{}
		e.lastResolved = s.now()
		s.setStateLocked(e, types.StateResolved)
	case fetchErr == nil:
		e.sbom = nil
		e.lastErr = ""
		e.attempts = 0
		e.nextRetry = time.Time{}
		s.setStateLocked(e, types.StateMissing)
	default:
		e.lastErr = fetchErr.Error()
		e.nextRetry = nextRetry
		s.setStateLocked(e, types.StateFailed)
	}

	s.broadcastLocked(ChangeEvent{Type: ChangeModified, Image: s.statusLocked(e)})
	return true
}

// DueRetries returns still-referenced Failed entries whose backoff has
// elapsed. The coordinator polls this to drive retries.
func (s *Store) DueRetries() []types.ImageRef {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	var due []types.ImageRef
	for _, e := range s.images {
		if e.state == types.StateFailed && len(e.owners) > 0 && !now.Before(e.nextRetry) {
			due = append(due, e.image)
		}
	}
	return due
}

// setStateLocked transitions entry state and wakes bounded waiters.
func (s *Store) setStateLocked(e *entry, state types.SbomState) {
	if e.state == state {
		return
	}
	s.trackState(e.state, state)
	e.state = state
	close(e.changed)
	e.changed = make(chan struct{})
}

// RunJanitor evicts zero-reference entries whose grace window has expired.
// Blocks until the context is cancelled.
func (s *Store) RunJanitor(ctx context.Context) {
	interval := s.grace / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.evictExpired()
		}
	}
}

func (s *Store) evictExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, e := range s.images {
		if len(e.owners) != 0 || e.evictAt.IsZero() || now.Before(e.evictAt) {
			continue
		}
		s.trackState(e.state, "")
		close(e.changed)
		delete(s.images, key)
		evictionsTotal.Inc()
		s.logger.Debug("Evicted image entry", zap.String("image", key))
		s.broadcastLocked(ChangeEvent{Type: ChangeRemoved, Image: &types.ImageStatus{Image: e.image, State: e.state}})
	}
}

// Get returns a snapshot of one image entry.
func (s *Store) Get(key string) (types.ImageStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.images[key]
	if !ok {
		return types.ImageStatus{}, false
	}
	return *s.statusLocked(e), true
}

// SnapshotAll returns a consistent point-in-time view of every entry.
func (s *Store) SnapshotAll() []types.ImageStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() []types.ImageStatus {
	out := make([]types.ImageStatus, 0, len(s.images))
	for _, e := range s.images {
		out = append(out, *s.statusLocked(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Image.Key() < out[j].Image.Key() })
	return out
}

// Workload returns the image states for one workload.
func (s *Store) Workload(w types.WorkloadRef) ([]types.ImageStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.workloads[w.Key()]
	if !ok {
		return nil, false
	}
	out := make([]types.ImageStatus, 0, len(rec.images))
	for ik, img := range rec.images {
		if e, ok := s.images[ik]; ok {
			out = append(out, *s.statusLocked(e))
		} else {
			out = append(out, types.ImageStatus{Image: img, State: types.StatePending})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Image.Key() < out[j].Image.Key() })
	return out, true
}

// Workloads lists tracked workloads, optionally filtered by namespace.
func (s *Store) Workloads(namespace string) []types.WorkloadImages {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.WorkloadImages
	for _, rec := range s.workloads {
		if namespace != "" && rec.ref.Namespace != namespace {
			continue
		}
		wi := types.WorkloadImages{Workload: rec.ref, Token: rec.token}
		for _, img := range rec.images {
			wi.Images = append(wi.Images, img)
		}
		sort.Slice(wi.Images, func(i, j int) bool { return wi.Images[i].Key() < wi.Images[j].Key() })
		out = append(out, wi)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Workload.Key() < out[j].Workload.Key() })
	return out
}

// Counts returns entry counts by state plus the tracked workload count.
func (s *Store) Counts() (byState map[types.SbomState]int, workloads int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byState = make(map[types.SbomState]int)
	for _, e := range s.images {
		byState[e.state]++
	}
	return byState, len(s.workloads)
}

// WaitResolved blocks until the entry leaves Pending, the wait elapses, or
// the context is cancelled, and returns the snapshot current at that point.
// Readers never wait on an in-flight fetch longer than this bound.
func (s *Store) WaitResolved(ctx context.Context, key string, maxWait time.Duration) (types.ImageStatus, bool) {
	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()

	for {
		s.mu.RLock()
		e, ok := s.images[key]
		if !ok {
			s.mu.RUnlock()
			return types.ImageStatus{}, false
		}
		if e.state != types.StatePending {
			st := *s.statusLocked(e)
			s.mu.RUnlock()
			return st, true
		}
		changed := e.changed
		st := *s.statusLocked(e)
		s.mu.RUnlock()

		select {
		case <-changed:
		case <-deadline.C:
			return st, true
		case <-ctx.Done():
			return st, true
		}
	}
}

// statusLocked builds the externally visible snapshot of an entry.
func (s *Store) statusLocked(e *entry) *types.ImageStatus {
	st := &types.ImageStatus{
		Image:    e.image,
		State:    e.state,
		SBOM:     e.sbom,
		Error:    e.lastErr,
		Attempts: e.attempts,
	}
	if !e.nextRetry.IsZero() {
		t := e.nextRetry
		st.NextRetry = &t
	}
	if !e.lastResolved.IsZero() {
		t := e.lastResolved
		st.LastResolved = &t
	}
	st.Workloads = make([]types.WorkloadRef, 0, len(e.owners))
	for _, w := range e.owners {
		st.Workloads = append(st.Workloads, w)
	}
	sort.Slice(st.Workloads, func(i, j int) bool { return st.Workloads[i].Key() < st.Workloads[j].Key() })
	return st
}
