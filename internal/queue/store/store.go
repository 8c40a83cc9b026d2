// Package store implements the State Store (C1): durable CallJob storage
// plus the priority queues, scheduled index, and active set that the
// Dispatcher and Supervisor operate on. Grounded on the reference router's
// Router — a single struct guarding a map of live records behind one mutex,
// with every mutation flushed to the database before it returns — and on
// its DID manager's allocate-under-lock / in-memory-reverse-index /
// release idiom, here repurposed for pop_ready's active-set bookkeeping.
package store

import (
    "context"
    "sync"
    "time"

    "github.com/hamzaKhattat/callqueue-engine/internal/queue"
    "github.com/hamzaKhattat/callqueue-engine/internal/queue/cache"
    "github.com/hamzaKhattat/callqueue-engine/internal/queue/store/persist"
    "github.com/hamzaKhattat/callqueue-engine/pkg/errors"
    "github.com/hamzaKhattat/callqueue-engine/pkg/logger"
)

// ErrTerminalWrite is returned by Update when a patch would overwrite a
// terminal status — a non-fatal rejection, per §4.1.
var ErrTerminalWrite = errors.New(errors.ErrTerminalWrite, "job is already in a terminal state")

type Store struct {
    mu sync.Mutex

    jobs      map[string]*queue.CallJob
    queues    map[queue.Priority][]string
    scheduled *scheduledIndex
    active    map[string]time.Time

    repo   *persist.Repo
    mirror *cache.Cache

    dispatchedTotal int64
    completedTotal  int64
    failedTotal     int64
}

func New(repo *persist.Repo, mirror *cache.Cache) *Store {
    s := &Store{
        jobs:      make(map[string]*queue.CallJob),
        queues:    make(map[queue.Priority][]string),
        scheduled: newScheduledIndex(),
        active:    make(map[string]time.Time),
        repo:      repo,
        mirror:    mirror,
    }
    for _, p := range queue.Priorities {
        s.queues[p] = nil
    }
    return s
}

// Recover rebuilds every in-memory index from the journal. Called once at
// startup; after it returns, pop_ready/promote_due observe exactly the
// state that was true before the process last stopped.
func (s *Store) Recover(ctx context.Context) error {
    jobs, err := s.repo.LoadAll(ctx)
    if err != nil {
        return err
    }

    s.mu.Lock()
    defer s.mu.Unlock()

    for _, job := range jobs {
        s.jobs[job.ID] = job

        switch job.Status {
        case queue.StatusPending:
            s.queues[job.Priority] = append(s.queues[job.Priority], job.ID)
        case queue.StatusScheduled:
            if job.ScheduledAt != nil {
                s.scheduled.Add(job.ID, *job.ScheduledAt)
            }
        case queue.StatusDispatching, queue.StatusRinging, queue.StatusInProgress:
            since := time.Now()
            if job.DispatchedAt != nil {
                since = *job.DispatchedAt
            } else if job.LastObservedAt != nil {
                since = *job.LastObservedAt
            }
            s.active[job.ID] = since
        }
    }

    logger.WithField("jobs", len(jobs)).Info("state store recovered from journal")
    return nil
}

// Put inserts a new job, or — on a repeated id — leaves the existing record
// untouched. Returns created=false for the idempotent-resubmission case
// (invariant 1).
func (s *Store) Put(ctx context.Context, job *queue.CallJob) (created bool, current *queue.CallJob, err error) {
    s.mu.Lock()
    if existing, ok := s.jobs[job.ID]; ok {
        s.mu.Unlock()
        return false, existing.Clone(), nil
    }

    job = job.Clone()
    now := time.Now()
    job.CreatedAt = now
    job.UpdatedAt = now
    if job.Status == "" {
        job.Status = queue.StatusPending
    }
    if job.CallConfig == nil {
        job.CallConfig = make(queue.JSON)
    }
    s.jobs[job.ID] = job
    s.mu.Unlock()

    if err := s.repo.Upsert(ctx, job); err != nil {
        return false, nil, err
    }
    return true, job.Clone(), nil
}

// Enqueue appends a Pending job to its priority queue's tail.
func (s *Store) Enqueue(ctx context.Context, id string, priority queue.Priority) error {
    s.mu.Lock()
    job, ok := s.jobs[id]
    if !ok {
        s.mu.Unlock()
        return errors.New(errors.ErrCallNotFound, "job not found").WithContext("id", id)
    }
    if job.Status != queue.StatusPending {
        s.mu.Unlock()
        return errors.New(errors.ErrContractViolation, "enqueue requires job in Pending status").WithContext("id", id)
    }
    job.Priority = priority
    job.UpdatedAt = time.Now()
    s.queues[priority] = append(s.queues[priority], id)
    snapshot := job.Clone()
    s.mu.Unlock()

    return s.repo.Upsert(ctx, snapshot)
}

// Schedule removes the job from dispatch visibility until `at`.
func (s *Store) Schedule(ctx context.Context, id string, at time.Time) error {
    s.mu.Lock()
    job, ok := s.jobs[id]
    if !ok {
        s.mu.Unlock()
        return errors.New(errors.ErrCallNotFound, "job not found").WithContext("id", id)
    }
    job.ScheduledAt = &at
    job.Status = queue.StatusScheduled
    job.UpdatedAt = time.Now()
    s.scheduled.Add(id, at)
    snapshot := job.Clone()
    s.mu.Unlock()

    return s.repo.Upsert(ctx, snapshot)
}

// PopReady moves up to n ids into the active set, draining strictly
// higher-priority queues first, and never exceeding maxActive. Returns the
// jobs moved; an empty slice is a normal "nothing ready" result, not an
// error.
func (s *Store) PopReady(ctx context.Context, n int, maxActive int) ([]*queue.CallJob, error) {
    s.mu.Lock()

    var moved []*queue.CallJob
    for i := len(queue.Priorities) - 1; i >= 0 && len(moved) < n; i-- {
        p := queue.Priorities[i]
        q := s.queues[p]
        for len(q) > 0 && len(moved) < n {
            if len(s.active) >= maxActive {
                break
            }
            id := q[0]
            q = q[1:]

            job, ok := s.jobs[id]
            if !ok {
                continue // defensive: id vanished between enqueue and pop
            }
            s.active[id] = time.Now()
            s.dispatchedTotal++
            moved = append(moved, job.Clone())
        }
        s.queues[p] = q
        if len(s.active) >= maxActive {
            break
        }
    }
    s.mu.Unlock()

    return moved, nil
}

// PromoteDue moves every scheduled id whose time has arrived into the
// Pending priority queue for its level.
func (s *Store) PromoteDue(ctx context.Context, now time.Time) (int, error) {
    s.mu.Lock()
    due := s.scheduled.PopDue(now)
    var snapshots []*queue.CallJob
    for _, id := range due {
        job, ok := s.jobs[id]
        if !ok {
            continue
        }
        job.Status = queue.StatusPending
        job.ScheduledAt = nil
        job.UpdatedAt = time.Now()
        s.queues[job.Priority] = append(s.queues[job.Priority], id)
        snapshots = append(snapshots, job.Clone())
    }
    s.mu.Unlock()

    for _, snap := range snapshots {
        if err := s.repo.Upsert(ctx, snap); err != nil {
            return 0, err
        }
    }
    return len(due), nil
}

// Update applies mutate to a clone of the current record and persists the
// result, unless the current record is already terminal — in which case it
// rejects the write with ErrTerminalWrite and leaves the record untouched
// (invariant 2).
func (s *Store) Update(ctx context.Context, id string, mutate func(*queue.CallJob)) (*queue.CallJob, error) {
    s.mu.Lock()
    job, ok := s.jobs[id]
    if !ok {
        s.mu.Unlock()
        return nil, errors.New(errors.ErrCallNotFound, "job not found").WithContext("id", id)
    }
    if job.Status.Terminal() {
        s.mu.Unlock()
        return nil, ErrTerminalWrite
    }

    clone := job.Clone()
    mutate(clone)

    clone.UpdatedAt = time.Now()
    s.jobs[id] = clone
    if clone.Status == queue.StatusCompleted {
        s.completedTotal++
    } else if clone.Status == queue.StatusFailed {
        s.failedTotal++
    }
    snapshot := clone.Clone()
    s.mu.Unlock()

    if err := s.repo.Upsert(ctx, snapshot); err != nil {
        return nil, err
    }
    if s.mirror != nil {
        s.mirror.Set(ctx, "job:"+id, snapshot, 24*time.Hour)
    }
    return snapshot, nil
}

// Release removes id from the active set on terminal transition.
func (s *Store) Release(ctx context.Context, id string) error {
    s.mu.Lock()
    delete(s.active, id)
    s.mu.Unlock()
    return nil
}

// ScanActive returns a snapshot of every active job matching predicate, for
// the sweeper. activeSince is when the job entered the active set in this
// process — or, for a job recovered from the journal, its persisted
// DispatchedAt/LastObservedAt, so a restart doesn't reset the clock.
func (s *Store) ScanActive(predicate func(job *queue.CallJob, activeSince time.Time) bool) []*queue.CallJob {
    s.mu.Lock()
    defer s.mu.Unlock()

    var out []*queue.CallJob
    for id, since := range s.active {
        job, ok := s.jobs[id]
        if !ok {
            continue
        }
        if predicate == nil || predicate(job, since) {
            out = append(out, job.Clone())
        }
    }
    return out
}

// Get returns the current record for get_status.
func (s *Store) Get(id string) (*queue.CallJob, bool) {
    s.mu.Lock()
    defer s.mu.Unlock()
    job, ok := s.jobs[id]
    if !ok {
        return nil, false
    }
    return job.Clone(), true
}

// ActiveCount reports the current size of the active set, used by the
// Dispatcher to decide whether it may still call PopReady.
func (s *Store) ActiveCount() int {
    s.mu.Lock()
    defer s.mu.Unlock()
    return len(s.active)
}

// Metrics answers get_queue_metrics().
func (s *Store) Metrics() queue.QueueMetrics {
    s.mu.Lock()
    defer s.mu.Unlock()

    m := queue.QueueMetrics{
        PendingByPriority: make(map[queue.Priority]int, len(queue.Priorities)),
        Scheduled:         s.scheduled.Len(),
        Active:            len(s.active),
        DispatchedTotal:   s.dispatchedTotal,
        CompletedTotal:    s.completedTotal,
        FailedTotal:       s.failedTotal,
    }
    for p, q := range s.queues {
        m.PendingByPriority[p] = len(q)
    }
    return m
}

// EvictTerminal removes terminal jobs older than retention from the journal
// and the in-memory map, per §3.3's bounded-retention rule.
func (s *Store) EvictTerminal(ctx context.Context, retention time.Duration) (int64, error) {
    cutoff := time.Now().Add(-retention)
    n, err := s.repo.DeleteTerminalBefore(ctx, cutoff)
    if err != nil {
        return 0, err
    }

    s.mu.Lock()
    for id, job := range s.jobs {
        if job.Status.Terminal() && job.UpdatedAt.Before(cutoff) {
            delete(s.jobs, id)
        }
    }
    s.mu.Unlock()

    return n, nil
}
