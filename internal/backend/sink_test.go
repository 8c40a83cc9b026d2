package backend

import (
    "context"
    "net/http"
    "net/http/httptest"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/hamzaKhattat/callqueue-engine/internal/queue"
    "github.com/hamzaKhattat/callqueue-engine/pkg/errors"
)

func TestDeliverSuccess(t *testing.T) {
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        assert.Equal(t, http.MethodPost, r.Method)
        w.WriteHeader(http.StatusOK)
    }))
    defer srv.Close()

    c := New(Config{SinkURL: srv.URL, RequestTimeout: 5 * time.Second})
    err := c.Deliver(context.Background(), &queue.CallResult{CallID: "call-1", Status: queue.StatusCompleted})
    require.NoError(t, err)
}

func TestDeliverPermanentRejectionIsNotRetryable(t *testing.T) {
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        w.WriteHeader(http.StatusUnprocessableEntity)
    }))
    defer srv.Close()

    c := New(Config{SinkURL: srv.URL, RequestTimeout: 5 * time.Second})
    err := c.Deliver(context.Background(), &queue.CallResult{CallID: "call-1"})
    require.Error(t, err)
    assert.True(t, errors.Is(err, errors.ErrPermanentExternal))
    assert.False(t, errors.IsRetryable(err))
}

func TestDeliverTransientErrorIsRetryable(t *testing.T) {
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        w.WriteHeader(http.StatusBadGateway)
    }))
    defer srv.Close()

    c := New(Config{SinkURL: srv.URL, RequestTimeout: 5 * time.Second})
    err := c.Deliver(context.Background(), &queue.CallResult{CallID: "call-1"})
    require.Error(t, err)
    assert.True(t, errors.Is(err, errors.ErrTransientExternal))
    assert.True(t, errors.IsRetryable(err))
}
