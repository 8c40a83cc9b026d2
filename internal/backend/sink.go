// Package backend is the result-sink client: a single idempotent HTTP
// endpoint that receives the final CallResult for each job (§4.5.6).
package backend

import (
    "bytes"
    "context"
    "encoding/json"
    "fmt"
    "io"
    "net/http"
    "time"

    "github.com/hamzaKhattat/callqueue-engine/internal/queue"
    "github.com/hamzaKhattat/callqueue-engine/pkg/errors"
)

type Config struct {
    SinkURL        string
    RequestTimeout time.Duration
}

type Client struct {
    cfg        Config
    httpClient *http.Client
}

func New(cfg Config) *Client {
    return &Client{cfg: cfg, httpClient: &http.Client{Timeout: cfg.RequestTimeout}}
}

// Deliver POSTs the CallResult. The same call_id is supplied on every
// retry so the backend can deduplicate.
func (c *Client) Deliver(ctx context.Context, result *queue.CallResult) error {
    body, err := json.Marshal(result)
    if err != nil {
        return errors.Wrap(err, errors.ErrInternal, "marshal call result")
    }

    req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.SinkURL, bytes.NewReader(body))
    if err != nil {
        return errors.Wrap(err, errors.ErrInternal, "build backend delivery request")
    }
    req.Header.Set("Content-Type", "application/json")

    resp, err := c.httpClient.Do(req)
    if err != nil {
        return errors.Wrap(err, errors.ErrTransientExternal, "backend sink unreachable")
    }
    defer resp.Body.Close()
    io.Copy(io.Discard, resp.Body)

    switch {
    case resp.StatusCode >= 200 && resp.StatusCode < 300:
        return nil
    case resp.StatusCode >= 400 && resp.StatusCode < 500:
        return errors.New(errors.ErrPermanentExternal, fmt.Sprintf("backend sink rejected result: %d", resp.StatusCode)).
            WithStatusCode(resp.StatusCode)
    default:
        return errors.New(errors.ErrTransientExternal, fmt.Sprintf("backend sink error: %d", resp.StatusCode)).
            WithStatusCode(resp.StatusCode)
    }
}
