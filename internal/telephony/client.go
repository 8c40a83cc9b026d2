// Package telephony is the Telephony Client (C3): a thin REST adapter over
// the provider's "initiate call" / "get call status" operations. Grounded
// on the reference AMI manager's shape — a long-lived client with
// configured credentials, one method per provider action, and errors
// classified so the caller can decide whether to retry — translated from
// AMI's persistent-connection action/response correlation to a REST
// client's one-shot request/response, since this provider is REST-like
// rather than a line protocol.
package telephony

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
    "github.com/hamzaKhattat/callqueue-engine/pkg/logger"
)

type Config struct {
    BaseURL        string
    AuthID         string
    AuthToken      string
    FromNumber     string
    RequestTimeout time.Duration
}

// ProviderStatus is the provider's raw view of a call, as returned by both
// initiate and status. The provider is ground truth for Duration and
// HangupCause (§4.3).
type ProviderStatus struct {
    RawState        string     `json:"raw_state"`
    HangupCause     string     `json:"hangup_cause,omitempty"`
    DurationSeconds int        `json:"duration_seconds"`
    Answered        bool       `json:"answered"`
    EndedAt         *time.Time `json:"ended_at,omitempty"`
}

// MapRawState implements the §4.3 mapping table, translating the
// provider's raw_state (plus the min-connected-seconds reclassification
// rule) into the internal status vocabulary. reclassifiedMiss reports
// whether a "completed" raw state was reclassified as a miss because the
// call never actually connected for at least minConnectedSecs.
func MapRawState(s ProviderStatus, minConnectedSecs int) (status queue.CallStatus, reclassifiedMiss bool) {
    switch s.RawState {
    case "queued", "initiated":
        return queue.StatusDispatching, false
    case "ringing":
        return queue.StatusRinging, false
    case "in-progress":
        return queue.StatusInProgress, false
    case "completed":
        if s.DurationSeconds >= minConnectedSecs {
            return queue.StatusCompleted, false
        }
        return queue.StatusMissed, true
    case "busy":
        return queue.StatusMissed, false
    case "no-answer":
        return queue.StatusMissed, false
    case "failed", "rejected":
        return queue.StatusFailed, false
    default:
        return "", false
    }
}

// ResolveHangupCause returns the provider's cause verbatim when present,
// synthesizing the two documented values for states the provider doesn't
// itself annotate.
func ResolveHangupCause(s ProviderStatus) string {
    if s.HangupCause != "" {
        return s.HangupCause
    }
    switch s.RawState {
    case "busy":
        return "busy"
    case "no-answer":
        return "no_answer"
    }
    return s.HangupCause
}

type Client struct {
    cfg        Config
    httpClient *http.Client
}

func New(cfg Config) *Client {
    return &Client{
        cfg: cfg,
        httpClient: &http.Client{
            Timeout: cfg.RequestTimeout,
        },
    }
}

type initiateRequest struct {
    From      string                 `json:"from"`
    To        string                 `json:"to"`
    AnswerURL string                 `json:"answer_url"`
    Extras    map[string]interface{} `json:"extras,omitempty"`
}

type initiateResponse struct {
    ProviderUUID string         `json:"provider_uuid"`
    Status       ProviderStatus `json:"status"`
}

// Initiate places an outbound call. extras carries the job id so the
// provider's answer webhook can identify the call.
func (c *Client) Initiate(ctx context.Context, phone, answerURL string, extras map[string]interface{}) (string, ProviderStatus, error) {
    body, err := json.Marshal(initiateRequest{
        From:      c.cfg.FromNumber,
        To:        phone,
        AnswerURL: answerURL,
        Extras:    extras,
    })
    if err != nil {
        return "", ProviderStatus{}, errors.Wrap(err, errors.ErrInternal, "marshal initiate request")
    }

    var resp initiateResponse
    if err := c.do(ctx, http.MethodPost, "/calls", body, &resp); err != nil {
        return "", ProviderStatus{}, err
    }
    return resp.ProviderUUID, resp.Status, nil
}

// Status fetches the provider's current view of a call by provider-UUID.
func (c *Client) Status(ctx context.Context, providerUUID string) (ProviderStatus, error) {
    var status ProviderStatus
    path := fmt.Sprintf("/calls/%s", providerUUID)
    if err := c.do(ctx, http.MethodGet, path, nil, &status); err != nil {
        return ProviderStatus{}, err
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
        return errors.Wrap(err, errors.ErrInternal, "build telephony request")
    }
    req.Header.Set("Content-Type", "application/json")
    req.SetBasicAuth(c.cfg.AuthID, c.cfg.AuthToken)

    resp, err := c.httpClient.Do(req)
    if err != nil {
        logger.WithContext(ctx).WithError(err).Warn("telephony provider request failed")
        return errors.Wrap(err, errors.ErrTransientExternal, "telephony provider unreachable")
    }
    defer resp.Body.Close()

    respBody, _ := io.ReadAll(resp.Body)

    switch {
    case resp.StatusCode >= 200 && resp.StatusCode < 300:
        if out != nil && len(respBody) > 0 {
            if err := json.Unmarshal(respBody, out); err != nil {
                return errors.Wrap(err, errors.ErrInternal, "decode telephony response")
            }
        }
        return nil
    case resp.StatusCode >= 400 && resp.StatusCode < 500:
        return errors.New(errors.ErrPermanentExternal, fmt.Sprintf("telephony provider rejected request: %d", resp.StatusCode)).
            WithStatusCode(resp.StatusCode).WithContext("body", string(respBody))
    default:
        return errors.New(errors.ErrTransientExternal, fmt.Sprintf("telephony provider error: %d", resp.StatusCode)).
            WithStatusCode(resp.StatusCode).WithContext("body", string(respBody))
    }
}
