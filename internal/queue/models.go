package queue

import (
    "database/sql/driver"
    "encoding/json"
    "time"
)

// Priority is one of the four dispatch levels. Higher values dispatch first.
type Priority string

const (
    PriorityLow    Priority = "LOW"
    PriorityNormal Priority = "NORMAL"
    PriorityHigh   Priority = "HIGH"
    PriorityUrgent Priority = "URGENT"
)

// Priorities lists every level from lowest to highest dispatch precedence.
// Callers iterate it in reverse to drain strictly-higher queues first.
var Priorities = []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent}

func (p Priority) Valid() bool {
    switch p {
    case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
        return true
    }
    return false
}

// CallStatus is the job's lifecycle state. Completed/Failed/Missed/Cancelled
// are terminal and, per invariant 2, never overwritten once set.
type CallStatus string

const (
    StatusPending     CallStatus = "PENDING"
    StatusScheduled   CallStatus = "SCHEDULED"
    StatusDispatching CallStatus = "DISPATCHING"
    StatusRinging     CallStatus = "RINGING"
    StatusInProgress  CallStatus = "IN_PROGRESS"
    StatusCompleted   CallStatus = "COMPLETED"
    StatusFailed      CallStatus = "FAILED"
    StatusMissed      CallStatus = "MISSED"
    StatusCancelled   CallStatus = "CANCELLED"
)

func (s CallStatus) Terminal() bool {
    switch s {
    case StatusCompleted, StatusFailed, StatusMissed, StatusCancelled:
        return true
    }
    return false
}

// CallOutcome is the fixed, user-visible result vocabulary exposed via
// get_status regardless of which internal status produced it.
type CallOutcome string

const (
    OutcomeCompleted CallOutcome = "Completed"
    OutcomeMissed    CallOutcome = "Missed"
    OutcomeFailed    CallOutcome = "Failed"
    OutcomeBusy      CallOutcome = "Busy"
    OutcomeNoAnswer  CallOutcome = "NoAnswer"
    OutcomeRejected  CallOutcome = "Rejected"
    OutcomeTimeout   CallOutcome = "Timeout"
)

// DataSource records how authoritative a terminal CallResult is.
type DataSource string

const (
    DataSourceProviderPrimary   DataSource = "provider_primary"
    DataSourceAgentOnly         DataSource = "agent_only"
    DataSourceSupervisorSynthetic DataSource = "supervisor_synthetic"
)

const (
    HangupNoAnswerTimeout = "no_answer_timeout"
    HangupAgentUnreachable = "agent_unreachable"
    HangupInternalError   = "internal_error"
)

// JSON is an opaque key/value bag stored as a single column. Grounded on the
// same driver.Valuer/sql.Scanner pattern used throughout the reference
// router for metadata fields — carries call_config, provider_data, and
// agent_data end to end without the store needing to know their shape.
type JSON map[string]interface{}

func (j JSON) Value() (driver.Value, error) {
    if j == nil {
        return []byte("{}"), nil
    }
    return json.Marshal(j)
}

func (j *JSON) Scan(value interface{}) error {
    if value == nil {
        *j = make(JSON)
        return nil
    }
    bytes, ok := value.([]byte)
    if !ok {
        if s, ok := value.(string); ok {
            bytes = []byte(s)
        } else {
            return nil
        }
    }
    if len(bytes) == 0 {
        *j = make(JSON)
        return nil
    }
    return json.Unmarshal(bytes, j)
}

// AttemptRecord is one entry of a job's attempt_log: one initiate() call and
// whatever terminal information the Supervisor eventually learned about it.
type AttemptRecord struct {
    ProviderUUID   string     `json:"provider_uuid,omitempty"`
    StartedAt      time.Time  `json:"started_at"`
    TerminalStatus CallStatus `json:"terminal_status,omitempty"`
    HangupCause    string     `json:"hangup_cause,omitempty"`
}

// CallJob is the unit of work the State Store owns for a call's entire
// lifetime (§3.1).
type CallJob struct {
    ID          string     `json:"id" db:"id"`
    PhoneNumber string     `json:"phone_number" db:"phone_number"`
    CampaignID  string     `json:"campaign_id" db:"campaign_id"`
    CallConfig  JSON       `json:"call_config" db:"call_config"`
    Priority    Priority   `json:"priority" db:"priority"`
    ScheduledAt *time.Time `json:"scheduled_at,omitempty" db:"scheduled_at"`
    MaxRetries  int        `json:"max_retries" db:"max_retries"`
    RetryCount  int        `json:"retry_count" db:"retry_count"`
    Status      CallStatus `json:"status" db:"status"`
    CreatedAt   time.Time  `json:"created_at" db:"created_at"`
    UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`

    AttemptLog []AttemptRecord `json:"attempt_log"`
    Result     *CallResult     `json:"result,omitempty"`

    // DispatchedAt and LastObservedAt are supervisor bookkeeping, not part
    // of the externally-visible contract, but persisted so the sweeper can
    // recompute staleness across a restart.
    DispatchedAt   *time.Time `json:"dispatched_at,omitempty"`
    LastObservedAt *time.Time `json:"last_observed_at,omitempty"`
}

// Clone returns a deep-enough copy for safe hand-off across the store
// boundary — callers mutate the clone and pass it back through update().
func (j *CallJob) Clone() *CallJob {
    if j == nil {
        return nil
    }
    cp := *j
    cp.CallConfig = make(JSON, len(j.CallConfig))
    for k, v := range j.CallConfig {
        cp.CallConfig[k] = v
    }
    cp.AttemptLog = append([]AttemptRecord(nil), j.AttemptLog...)
    if j.ScheduledAt != nil {
        t := *j.ScheduledAt
        cp.ScheduledAt = &t
    }
    if j.DispatchedAt != nil {
        t := *j.DispatchedAt
        cp.DispatchedAt = &t
    }
    if j.LastObservedAt != nil {
        t := *j.LastObservedAt
        cp.LastObservedAt = &t
    }
    if j.Result != nil {
        r := *j.Result
        cp.Result = &r
    }
    return &cp
}

// CallResult is produced once per job at its terminal transition (§3.2).
type CallResult struct {
    CallID          string      `json:"call_id" db:"call_id"`
    Status          CallStatus  `json:"status" db:"status"`
    CallOutcome     CallOutcome `json:"call_outcome" db:"call_outcome"`
    DurationSeconds int         `json:"duration_seconds" db:"duration_seconds"`
    HangupCause     string      `json:"hangup_cause" db:"hangup_cause"`
    Transcript      JSON        `json:"transcript,omitempty" db:"transcript"`
    RecordingRef    string      `json:"recording_ref,omitempty" db:"recording_ref"`
    ProviderData    JSON        `json:"provider_data,omitempty" db:"provider_data"`
    AgentData       JSON        `json:"agent_data,omitempty" db:"agent_data"`
    DataSource      DataSource  `json:"data_source" db:"data_source"`
    ReportedAt      time.Time   `json:"reported_at" db:"reported_at"`
    ReportedOK      bool        `json:"reported_ok" db:"reported_ok"`
}

// QueueMetrics answers get_queue_metrics() (§6).
type QueueMetrics struct {
    PendingByPriority map[Priority]int `json:"pending_by_priority"`
    Scheduled         int              `json:"scheduled"`
    Active            int              `json:"active"`
    DispatchedTotal   int64            `json:"dispatched_total"`
    CompletedTotal    int64            `json:"completed_total"`
    FailedTotal       int64            `json:"failed_total"`
}
