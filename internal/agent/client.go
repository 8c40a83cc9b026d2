// Package agent is the Agent Client (C4): register a pending call with the
// voice-agent service and fetch its per-call status/transcript. Same REST
// adapter shape as internal/telephony, since both collaborators are
// "REST-like" per §6.
package agent

import (
    "bytes"
    "context"
    "encoding/json"
    "fmt"
    "io"
    "net/http"
    "time"

    "github.com/hamzaKhattat/callqueue-engine/pkg/errors"
)

type Config struct {
    BaseURL        string
    RequestTimeout time.Duration
}

// Status is the agent's per-call view. ErrNotFound is expected early in a
// call's life and must not be treated as a failure by the caller (§4.4).
type Status struct {
    Phase        string    `json:"phase"`
    Transcript   []string  `json:"transcript,omitempty"`
    RecordingRef string    `json:"recording_ref,omitempty"`
    UpdatedAt    time.Time `json:"updated_at"`
}

var ErrNotFound = errors.New(errors.ErrCallNotFound, "agent has no record for this call")

type Client struct {
    cfg        Config
    httpClient *http.Client
}

func New(cfg Config) *Client {
    return &Client{cfg: cfg, httpClient: &http.Client{Timeout: cfg.RequestTimeout}}
}

type registerRequest struct {
    CallID string                 `json:"call_id"`
    Phone  string                 `json:"phone"`
    Config map[string]interface{} `json:"config,omitempty"`
}

// Register tells the agent to expect an inbound media leg for this job id.
// Best-effort from the Supervisor's point of view — failures here are
// logged, never fatal to the call.
func (c *Client) Register(ctx context.Context, callID, phone string, config map[string]interface{}) error {
    body, err := json.Marshal(registerRequest{CallID: callID, Phone: phone, Config: config})
    if err != nil {
        return errors.Wrap(err, errors.ErrInternal, "marshal agent register request")
    }
    return c.do(ctx, http.MethodPost, "/calls", body, nil)
}

// Status fetches the agent's current phase/transcript/recording for callID.
func (c *Client) Status(ctx context.Context, callID string) (Status, error) {
    var status Status
    path := fmt.Sprintf("/calls/%s", callID)
    if err := c.do(ctx, http.MethodGet, path, nil, &status); err != nil {
        return Status{}, err
    }
    return status, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
    var reader io.Reader
    if body != nil {
        reader = bytes.NewReader(body)
    }

    req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
    if err != nil {
        return errors.Wrap(err, errors.ErrInternal, "build agent request")
    }
    req.Header.Set("Content-Type", "application/json")

    resp, err := c.httpClient.Do(req)
    if err != nil {
        return errors.Wrap(err, errors.ErrTransientExternal, "agent service unreachable")
    }
    defer resp.Body.Close()

    respBody, _ := io.ReadAll(resp.Body)

    switch {
    case resp.StatusCode == http.StatusNotFound:
        return ErrNotFound
    case resp.StatusCode >= 200 && resp.StatusCode < 300:
        if out != nil && len(respBody) > 0 {
            if err := json.Unmarshal(respBody, out); err != nil {
                return errors.Wrap(err, errors.ErrInternal, "decode agent response")
            }
        }
        return nil
    case resp.StatusCode >= 400 && resp.StatusCode < 500:
        return errors.New(errors.ErrPermanentExternal, fmt.Sprintf("agent rejected request: %d", resp.StatusCode)).
            WithStatusCode(resp.StatusCode)
    default:
        return errors.New(errors.ErrTransientExternal, fmt.Sprintf("agent service error: %d", resp.StatusCode)).
            WithStatusCode(resp.StatusCode)
    }
}
