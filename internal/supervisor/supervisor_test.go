package supervisor

import (
    "context"
    "encoding/json"
    "net/http"
    "net/http/httptest"
    "testing"
    "time"

    "github.com/DATA-DOG/go-sqlmock"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/hamzaKhattat/callqueue-engine/internal/agent"
    "github.com/hamzaKhattat/callqueue-engine/internal/backend"
    "github.com/hamzaKhattat/callqueue-engine/internal/config"
    "github.com/hamzaKhattat/callqueue-engine/internal/queue"
    "github.com/hamzaKhattat/callqueue-engine/internal/queue/store"
    "github.com/hamzaKhattat/callqueue-engine/internal/queue/store/persist"
    "github.com/hamzaKhattat/callqueue-engine/internal/telephony"
    "github.com/hamzaKhattat/callqueue-engine/pkg/logger"
)

type noopMetrics struct{}

func (noopMetrics) IncrementCounter(name string, labels map[string]string)                {}
func (noopMetrics) ObserveHistogram(name string, value float64, labels map[string]string) {}

func newTestStore(t *testing.T) *store.Store {
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
    return store.New(repo, nil)
}

func newTestRepo(t *testing.T) *persist.Repo {
    t.Helper()
    db, mock, err := sqlmock.New()
    require.NoError(t, err)
    t.Cleanup(func() { db.Close() })
    mock.MatchExpectationsInOrder(false)
    for i := 0; i < 10; i++ {
        mock.ExpectExec("INSERT INTO undelivered_results").WillReturnResult(sqlmock.NewResult(0, 1))
    }
    return persist.NewRepo(&persist.DB{DB: db})
}

func fastSupervisorConfig() config.SupervisorConfig {
    return config.SupervisorConfig{
        InitialStatusDelay:     5 * time.Millisecond,
        StatusCheckInterval:    5 * time.Millisecond,
        StuckCallDeadline:      50 * time.Millisecond,
        MaxTransientPollErrors: 3,
        BackoffBase:            5 * time.Millisecond,
        BackoffMax:             20 * time.Millisecond,
    }
}

func newJob(id string) *queue.CallJob {
    return &queue.CallJob{
        ID:          id,
        PhoneNumber: "+15551234",
        Priority:    queue.PriorityNormal,
        Status:      queue.StatusPending,
        CallConfig:  queue.JSON{},
    }
}

func putJob(t *testing.T, st *store.Store, job *queue.CallJob) {
    t.Helper()
    _, _, err := st.Put(context.Background(), job)
    require.NoError(t, err)
}

func TestRunReconcilesCompletedCallWithProviderAndAgentData(t *testing.T) {
    st := newTestStore(t)
    repo := newTestRepo(t)

    tel := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        switch {
        case r.Method == http.MethodPost:
            json.NewEncoder(w).Encode(map[string]interface{}{"provider_uuid": "prov-1", "status": telephony.ProviderStatus{RawState: "queued"}})
        default:
            json.NewEncoder(w).Encode(telephony.ProviderStatus{RawState: "completed", DurationSeconds: 30})
        }
    }))
    defer tel.Close()

    ag := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        if r.Method == http.MethodGet {
            json.NewEncoder(w).Encode(agent.Status{Phase: "done", Transcript: []string{"hello", "bye"}, RecordingRef: "rec-1"})
        }
    }))
    defer ag.Close()

    delivered := make(chan struct{}, 1)
    be := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        delivered <- struct{}{}
        w.WriteHeader(http.StatusOK)
    }))
    defer be.Close()

    telCfg := config.TelephonyConfig{RequestTimeout: time.Second, MinConnectedSecs: 5, AnswerURLBase: "http://answer"}
    agCfg := config.AgentConfig{RequestTimeout: time.Second}
    beCfg := config.BackendConfig{RequestTimeout: time.Second, MaxAttempts: 3}

    sv := New(st, repo,
        telephony.New(telephony.Config{BaseURL: tel.URL, RequestTimeout: time.Second}),
        agent.New(agent.Config{BaseURL: ag.URL, RequestTimeout: agCfg.RequestTimeout}),
        backend.New(backend.Config{SinkURL: be.URL, RequestTimeout: beCfg.RequestTimeout}),
        noopMetrics{}, fastSupervisorConfig(), telCfg, beCfg)

    job := newJob("call-1")
    putJob(t, st, job)

    sv.Run(context.Background(), job)

    select {
    case <-delivered:
    case <-time.After(2 * time.Second):
        t.Fatal("result never delivered to backend")
    }

    final, ok := st.Get("call-1")
    require.True(t, ok)
    assert.Equal(t, queue.StatusCompleted, final.Status)
    require.NotNil(t, final.Result)
    assert.Equal(t, queue.OutcomeCompleted, final.Result.CallOutcome)
    assert.Equal(t, queue.DataSourceProviderPrimary, final.Result.DataSource)
    assert.True(t, final.Result.ReportedOK)
    assert.Equal(t, "rec-1", final.Result.RecordingRef)
}

func TestRunSynthesizesMissedAfterStuckCallDeadline(t *testing.T) {
    st := newTestStore(t)
    repo := newTestRepo(t)

    tel := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        switch {
        case r.Method == http.MethodPost:
            json.NewEncoder(w).Encode(map[string]interface{}{"provider_uuid": "prov-1", "status": telephony.ProviderStatus{RawState: "queued"}})
        default:
            json.NewEncoder(w).Encode(telephony.ProviderStatus{RawState: "ringing"})
        }
    }))
    defer tel.Close()

    ag := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        w.WriteHeader(http.StatusNotFound)
    }))
    defer ag.Close()

    be := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        w.WriteHeader(http.StatusOK)
    }))
    defer be.Close()

    telCfg := config.TelephonyConfig{RequestTimeout: time.Second, MinConnectedSecs: 5, AnswerURLBase: "http://answer"}
    beCfg := config.BackendConfig{RequestTimeout: time.Second, MaxAttempts: 3}

    sv := New(st, repo,
        telephony.New(telephony.Config{BaseURL: tel.URL, RequestTimeout: time.Second}),
        agent.New(agent.Config{BaseURL: ag.URL, RequestTimeout: time.Second}),
        backend.New(backend.Config{SinkURL: be.URL, RequestTimeout: beCfg.RequestTimeout}),
        noopMetrics{}, fastSupervisorConfig(), telCfg, beCfg)

    job := newJob("call-2")
    putJob(t, st, job)

    ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
    defer cancel()
    sv.Run(ctx, job)

    final, ok := st.Get("call-2")
    require.True(t, ok)
    assert.Equal(t, queue.StatusMissed, final.Status)
    require.NotNil(t, final.Result)
    assert.Equal(t, queue.OutcomeNoAnswer, final.Result.CallOutcome)
    assert.Equal(t, queue.DataSourceSupervisorSynthetic, final.Result.DataSource)
}

func TestRunReconcilesProviderUnreachableFromAgentOnly(t *testing.T) {
    st := newTestStore(t)
    repo := newTestRepo(t)

    tel := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        if r.Method == http.MethodPost {
            json.NewEncoder(w).Encode(map[string]interface{}{"provider_uuid": "prov-1", "status": telephony.ProviderStatus{RawState: "queued"}})
            return
        }
        w.WriteHeader(http.StatusServiceUnavailable)
    }))
    defer tel.Close()

    ag := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        json.NewEncoder(w).Encode(agent.Status{Phase: "talking", Transcript: []string{"partial"}})
    }))
    defer ag.Close()

    be := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        w.WriteHeader(http.StatusOK)
    }))
    defer be.Close()

    telCfg := config.TelephonyConfig{RequestTimeout: time.Second, MinConnectedSecs: 5, AnswerURLBase: "http://answer"}
    beCfg := config.BackendConfig{RequestTimeout: time.Second, MaxAttempts: 3}

    sv := New(st, repo,
        telephony.New(telephony.Config{BaseURL: tel.URL, RequestTimeout: time.Second}),
        agent.New(agent.Config{BaseURL: ag.URL, RequestTimeout: time.Second}),
        backend.New(backend.Config{SinkURL: be.URL, RequestTimeout: beCfg.RequestTimeout}),
        noopMetrics{}, fastSupervisorConfig(), telCfg, beCfg)

    job := newJob("call-3")
    putJob(t, st, job)

    ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
    defer cancel()
    sv.Run(ctx, job)

    final, ok := st.Get("call-3")
    require.True(t, ok)
    assert.Equal(t, queue.StatusFailed, final.Status)
    require.NotNil(t, final.Result)
    assert.Equal(t, queue.DataSourceAgentOnly, final.Result.DataSource)
}

func TestFinishRequeuesFailedJobWithRetriesRemaining(t *testing.T) {
    st := newTestStore(t)
    repo := newTestRepo(t)

    be := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        t.Fatal("backend should not be called when the job is requeued instead of delivered")
    }))
    defer be.Close()

    telCfg := config.TelephonyConfig{RequestTimeout: time.Second, AnswerURLBase: "http://answer"}
    beCfg := config.BackendConfig{RequestTimeout: time.Second, MaxAttempts: 1}

    sv := New(st, repo,
        telephony.New(telephony.Config{BaseURL: "http://unused", RequestTimeout: time.Second}),
        agent.New(agent.Config{BaseURL: "http://unused", RequestTimeout: time.Second}),
        backend.New(backend.Config{SinkURL: be.URL, RequestTimeout: beCfg.RequestTimeout}),
        noopMetrics{}, fastSupervisorConfig(), telCfg, beCfg)

    job := newJob("call-4")
    job.MaxRetries = 2
    putJob(t, st, job)

    result := &queue.CallResult{CallID: "call-4", Status: queue.StatusFailed, CallOutcome: queue.OutcomeFailed}
    sv.finish(context.Background(), job, result)

    final, ok := st.Get("call-4")
    require.True(t, ok)
    assert.Equal(t, queue.StatusPending, final.Status)
    assert.Equal(t, 1, final.RetryCount)
    assert.Nil(t, final.Result)
}
