package store

import (
    "context"
    "testing"
    "time"

    "github.com/DATA-DOG/go-sqlmock"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/hamzaKhattat/callqueue-engine/internal/queue"
    "github.com/hamzaKhattat/callqueue-engine/internal/queue/store/persist"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
    t.Helper()
    db, mock, err := sqlmock.New()
    require.NoError(t, err)
    t.Cleanup(func() { db.Close() })

    repo := persist.NewRepo(&persist.DB{DB: db})
    return New(repo, nil), mock
}

func TestPutIsIdempotentOnRepeatedID(t *testing.T) {
    s, mock := newTestStore(t)
    ctx := context.Background()

    mock.ExpectExec("INSERT INTO call_jobs").WillReturnResult(sqlmock.NewResult(0, 1))

    job := &queue.CallJob{ID: "call-1", Priority: queue.PriorityNormal}
    created, first, err := s.Put(ctx, job)
    require.NoError(t, err)
    assert.True(t, created)

    created, second, err := s.Put(ctx, job)
    require.NoError(t, err)
    assert.False(t, created)
    assert.Equal(t, first.CreatedAt, second.CreatedAt)

    require.NoError(t, mock.ExpectationsWereMet())
}

func TestPopReadyDrainsHigherPriorityFirst(t *testing.T) {
    s, mock := newTestStore(t)
    ctx := context.Background()

    mock.MatchExpectationsInOrder(false)
    for i := 0; i < 6; i++ { // one Put plus one Enqueue per job
        mock.ExpectExec("INSERT INTO call_jobs").WillReturnResult(sqlmock.NewResult(0, 1))
    }

    low := &queue.CallJob{ID: "low", Priority: queue.PriorityLow}
    urgent := &queue.CallJob{ID: "urgent", Priority: queue.PriorityUrgent}
    normal := &queue.CallJob{ID: "normal", Priority: queue.PriorityNormal}

    for _, j := range []*queue.CallJob{low, urgent, normal} {
        _, _, err := s.Put(ctx, j)
        require.NoError(t, err)
        require.NoError(t, s.Enqueue(ctx, j.ID, j.Priority))
    }

    jobs, err := s.PopReady(ctx, 10, 10)
    require.NoError(t, err)
    require.Len(t, jobs, 3)
    assert.Equal(t, "urgent", jobs[0].ID)
    assert.Equal(t, "normal", jobs[1].ID)
    assert.Equal(t, "low", jobs[2].ID)
}

func TestPopReadyRespectsMaxActive(t *testing.T) {
    s, mock := newTestStore(t)
    ctx := context.Background()
    mock.MatchExpectationsInOrder(false)
    for i := 0; i < 4; i++ { // one Put plus one Enqueue per job
        mock.ExpectExec("INSERT INTO call_jobs").WillReturnResult(sqlmock.NewResult(0, 1))
    }

    a := &queue.CallJob{ID: "a", Priority: queue.PriorityNormal}
    b := &queue.CallJob{ID: "b", Priority: queue.PriorityNormal}
    for _, j := range []*queue.CallJob{a, b} {
        _, _, err := s.Put(ctx, j)
        require.NoError(t, err)
        require.NoError(t, s.Enqueue(ctx, j.ID, j.Priority))
    }

    jobs, err := s.PopReady(ctx, 10, 1)
    require.NoError(t, err)
    assert.Len(t, jobs, 1)
    assert.Equal(t, 1, s.ActiveCount())
}

func TestUpdateRejectsWriteToTerminalJob(t *testing.T) {
    s, mock := newTestStore(t)
    ctx := context.Background()
    mock.MatchExpectationsInOrder(false)
    mock.ExpectExec("INSERT INTO call_jobs").WillReturnResult(sqlmock.NewResult(0, 1))
    mock.ExpectExec("INSERT INTO call_jobs").WillReturnResult(sqlmock.NewResult(0, 1))

    job := &queue.CallJob{ID: "call-1", Priority: queue.PriorityNormal}
    _, _, err := s.Put(ctx, job)
    require.NoError(t, err)

    _, err = s.Update(ctx, "call-1", func(j *queue.CallJob) { j.Status = queue.StatusCompleted })
    require.NoError(t, err)

    _, err = s.Update(ctx, "call-1", func(j *queue.CallJob) { j.Status = queue.StatusFailed })
    assert.ErrorIs(t, err, ErrTerminalWrite)
}

func TestPromoteDueMovesScheduledJobsOnce(t *testing.T) {
    s, mock := newTestStore(t)
    ctx := context.Background()
    mock.MatchExpectationsInOrder(false)
    for i := 0; i < 3; i++ { // Put, Schedule, PromoteDue
        mock.ExpectExec("INSERT INTO call_jobs").WillReturnResult(sqlmock.NewResult(0, 1))
    }

    job := &queue.CallJob{ID: "call-1", Priority: queue.PriorityNormal}
    _, _, err := s.Put(ctx, job)
    require.NoError(t, err)
    require.NoError(t, s.Schedule(ctx, "call-1", time.Now().Add(-time.Second)))

    n, err := s.PromoteDue(ctx, time.Now())
    require.NoError(t, err)
    assert.Equal(t, 1, n)

    jobs, err := s.PopReady(ctx, 10, 10)
    require.NoError(t, err)
    require.Len(t, jobs, 1)
    assert.Equal(t, "call-1", jobs[0].ID)
}

func TestReleaseAndScanActive(t *testing.T) {
    s, mock := newTestStore(t)
    ctx := context.Background()
    mock.ExpectExec("INSERT INTO call_jobs").WillReturnResult(sqlmock.NewResult(0, 1))

    job := &queue.CallJob{ID: "call-1", Priority: queue.PriorityNormal, Status: queue.StatusDispatching}
    _, _, err := s.Put(ctx, job)
    require.NoError(t, err)

    s.mu.Lock()
    s.active["call-1"] = time.Now().Add(-time.Hour)
    s.mu.Unlock()

    stuck := s.ScanActive(func(j *queue.CallJob, since time.Time) bool {
        return time.Since(since) > time.Minute
    })
    require.Len(t, stuck, 1)

    require.NoError(t, s.Release(ctx, "call-1"))
    assert.Equal(t, 0, s.ActiveCount())
}
