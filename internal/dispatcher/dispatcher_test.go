package dispatcher

import (
    "context"
    "sync"
    "testing"
    "time"

    "github.com/DATA-DOG/go-sqlmock"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/hamzaKhattat/callqueue-engine/internal/config"
    "github.com/hamzaKhattat/callqueue-engine/internal/queue"
    "github.com/hamzaKhattat/callqueue-engine/internal/queue/store"
    "github.com/hamzaKhattat/callqueue-engine/internal/queue/store/persist"
    "github.com/hamzaKhattat/callqueue-engine/internal/ratelimit"
    "github.com/hamzaKhattat/callqueue-engine/pkg/logger"
)

type fakeSupervisor struct {
    mu  sync.Mutex
    ran []string
}

func (f *fakeSupervisor) Run(ctx context.Context, job *queue.CallJob) {
    f.mu.Lock()
    f.ran = append(f.ran, job.ID)
    f.mu.Unlock()
}

func (f *fakeSupervisor) runCount() int {
    f.mu.Lock()
    defer f.mu.Unlock()
    return len(f.ran)
}

func newTestDispatcherDeps(t *testing.T) (*store.Store, *persist.Repo) {
    t.Helper()
    require.NoError(t, logger.Init(logger.Config{Level: "error", Format: "text", Output: "stdout"}))
    db, mock, err := sqlmock.New()
    require.NoError(t, err)
    t.Cleanup(func() { db.Close() })

    mock.MatchExpectationsInOrder(false)
    for i := 0; i < 50; i++ {
        mock.ExpectExec("INSERT INTO call_jobs").WillReturnResult(sqlmock.NewResult(0, 1))
    }
    for i := 0; i < 10; i++ {
        mock.ExpectExec("INSERT INTO undelivered_results").WillReturnResult(sqlmock.NewResult(0, 1))
    }

    repo := persist.NewRepo(&persist.DB{DB: db})
    return store.New(repo, nil), repo
}

func TestDispatcherWorkerDrainsReadyJobs(t *testing.T) {
    st, repo := newTestDispatcherDeps(t)
    sup := &fakeSupervisor{}
    limiter := ratelimit.New(1000, 10, nil, false)

    cfg := config.QueueConfig{
        Workers:            2,
        MaxConcurrentCalls: 10,
        PromoteInterval:    10 * time.Millisecond,
        SweepInterval:      time.Hour,
    }
    d := New(st, repo, limiter, sup, cfg)

    job := &queue.CallJob{ID: "call-1", Priority: queue.PriorityNormal, CallConfig: queue.JSON{}}
    ctx := context.Background()
    _, _, err := st.Put(ctx, job)
    require.NoError(t, err)
    require.NoError(t, st.Enqueue(ctx, job.ID, job.Priority))

    d.Start(ctx)
    defer d.Stop()

    require.Eventually(t, func() bool { return sup.runCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestDispatcherPromotesScheduledJobs(t *testing.T) {
    st, repo := newTestDispatcherDeps(t)
    sup := &fakeSupervisor{}
    limiter := ratelimit.New(1000, 10, nil, false)

    cfg := config.QueueConfig{
        Workers:            1,
        MaxConcurrentCalls: 10,
        PromoteInterval:    5 * time.Millisecond,
        SweepInterval:      time.Hour,
    }
    d := New(st, repo, limiter, sup, cfg)

    job := &queue.CallJob{ID: "call-2", Priority: queue.PriorityNormal, CallConfig: queue.JSON{}}
    ctx := context.Background()
    _, _, err := st.Put(ctx, job)
    require.NoError(t, err)
    require.NoError(t, st.Schedule(ctx, job.ID, time.Now().Add(10*time.Millisecond)))

    d.Start(ctx)
    defer d.Stop()

    require.Eventually(t, func() bool { return sup.runCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestDispatcherSweepForcesStuckCallAndPersistsUndelivered(t *testing.T) {
    st, repo := newTestDispatcherDeps(t)
    sup := &fakeSupervisor{}
    limiter := ratelimit.New(1000, 10, nil, false)

    cfg := config.QueueConfig{
        Workers:            1,
        MaxConcurrentCalls: 10,
        PromoteInterval:    time.Hour,
        SweepInterval:      time.Hour,
        HardDeadline:       10 * time.Millisecond,
        StuckThreshold:     10 * time.Millisecond,
    }
    d := New(st, repo, limiter, sup, cfg)

    job := &queue.CallJob{ID: "call-3", Priority: queue.PriorityNormal, CallConfig: queue.JSON{}}
    ctx := context.Background()
    _, _, err := st.Put(ctx, job)
    require.NoError(t, err)
    require.NoError(t, st.Enqueue(ctx, job.ID, job.Priority))

    jobs, err := st.PopReady(ctx, 1, 10)
    require.NoError(t, err)
    require.Len(t, jobs, 1)

    _, err = st.Update(ctx, job.ID, func(j *queue.CallJob) { j.Status = queue.StatusDispatching })
    require.NoError(t, err)

    time.Sleep(20 * time.Millisecond)
    d.sweep(ctx)

    final, ok := st.Get("call-3")
    require.True(t, ok)
    assert.Equal(t, queue.StatusMissed, final.Status)
    assert.Equal(t, 0, st.ActiveCount())
}

func TestDispatcherSweepSparesHealthyInProgressCallPastHardDeadline(t *testing.T) {
    st, repo := newTestDispatcherDeps(t)
    sup := &fakeSupervisor{}
    limiter := ratelimit.New(1000, 10, nil, false)

    cfg := config.QueueConfig{
        Workers:         1,
        PromoteInterval: time.Hour,
        SweepInterval:   time.Hour,
        HardDeadline:    10 * time.Millisecond,
        StuckThreshold:  10 * time.Millisecond,
    }
    d := New(st, repo, limiter, sup, cfg)

    job := &queue.CallJob{ID: "call-4", Priority: queue.PriorityNormal, CallConfig: queue.JSON{}}
    ctx := context.Background()
    _, _, err := st.Put(ctx, job)
    require.NoError(t, err)
    require.NoError(t, st.Enqueue(ctx, job.ID, job.Priority))

    jobs, err := st.PopReady(ctx, 1, 10)
    require.NoError(t, err)
    require.Len(t, jobs, 1)

    _, err = st.Update(ctx, job.ID, func(j *queue.CallJob) { j.Status = queue.StatusInProgress })
    require.NoError(t, err)

    // The call has been active well past HardDeadline, but its Supervisor
    // is still alive: it refreshes LastObservedAt right before the sweep
    // runs, so the staleness half of the AND condition never fires.
    time.Sleep(20 * time.Millisecond)
    fresh := time.Now()
    _, err = st.Update(ctx, job.ID, func(j *queue.CallJob) { j.LastObservedAt = &fresh })
    require.NoError(t, err)

    d.sweep(ctx)

    final, ok := st.Get("call-4")
    require.True(t, ok)
    assert.Equal(t, queue.StatusInProgress, final.Status)
    assert.Equal(t, 1, st.ActiveCount())
}
