// Package supervisor implements the Call Supervisor (C5): owns a single
// CallJob from Dispatching through its terminal transition, reconciliation,
// and delivery to the backend sink. Grounded on the reference AGI server's
// per-call handler goroutine — one goroutine owns one call end to end,
// reports its outcome, and exits — generalized from a single accept loop to
// one goroutine per Dispatcher worker slot.
package supervisor

import (
    "context"
    "fmt"
    "time"

    "github.com/hashicorp/go-multierror"

    "github.com/hamzaKhattat/callqueue-engine/internal/agent"
    "github.com/hamzaKhattat/callqueue-engine/internal/backoff"
    "github.com/hamzaKhattat/callqueue-engine/internal/backend"
    "github.com/hamzaKhattat/callqueue-engine/internal/config"
    "github.com/hamzaKhattat/callqueue-engine/internal/queue"
    "github.com/hamzaKhattat/callqueue-engine/internal/queue/store"
    "github.com/hamzaKhattat/callqueue-engine/internal/queue/store/persist"
    "github.com/hamzaKhattat/callqueue-engine/internal/telephony"
    "github.com/hamzaKhattat/callqueue-engine/pkg/errors"
    "github.com/hamzaKhattat/callqueue-engine/pkg/logger"
)

// Metrics is the subset of PrometheusMetrics the Supervisor emits through.
type Metrics interface {
    IncrementCounter(name string, labels map[string]string)
    ObserveHistogram(name string, value float64, labels map[string]string)
}

type Supervisor struct {
    store     *store.Store
    repo      *persist.Repo
    telephony *telephony.Client
    agentCli  *agent.Client
    backend   *backend.Client
    metrics   Metrics

    cfg          config.SupervisorConfig
    telephonyCfg config.TelephonyConfig
    backendCfg   config.BackendConfig
}

func New(st *store.Store, repo *persist.Repo, tel *telephony.Client, ag *agent.Client, be *backend.Client, metrics Metrics, cfg config.SupervisorConfig, telCfg config.TelephonyConfig, beCfg config.BackendConfig) *Supervisor {
    return &Supervisor{
        store:        st,
        repo:         repo,
        telephony:    tel,
        agentCli:     ag,
        backend:      be,
        metrics:      metrics,
        cfg:          cfg,
        telephonyCfg: telCfg,
        backendCfg:   beCfg,
    }
}

// Run drives job from wherever PopReady handed it off through release. It
// never returns an error: every failure mode along the way is itself a
// terminal outcome recorded on the job.
func (sv *Supervisor) Run(ctx context.Context, job *queue.CallJob) {
    log := logger.WithContext(ctx).WithField("call_id", job.ID)
    start := time.Now()

    result := sv.execute(ctx, job)

    sv.metrics.ObserveHistogram("supervisor_call_duration", time.Since(start).Seconds(),
        map[string]string{"outcome": string(result.CallOutcome)})

    sv.finish(ctx, job, result)
    log.WithField("outcome", result.CallOutcome).WithField("data_source", result.DataSource).
        Info("call supervision complete")
}

// execute runs dispatch then, on success, observation — returning whichever
// CallResult the lifecycle ultimately produced.
func (sv *Supervisor) execute(ctx context.Context, job *queue.CallJob) *queue.CallResult {
    providerUUID, err := sv.dispatch(ctx, job)
    if err != nil {
        return sv.synthesize(job, queue.StatusFailed, queue.OutcomeFailed, queue.HangupAgentUnreachable)
    }

    return sv.observe(ctx, job, providerUUID)
}

// dispatch implements §4.5.1: register the call with the agent (best
// effort), then initiate with the provider, retrying transient failures up
// to job.MaxRetries times with jittered exponential backoff.
func (sv *Supervisor) dispatch(ctx context.Context, job *queue.CallJob) (string, error) {
    now := time.Now()
    if _, err := sv.store.Update(ctx, job.ID, func(j *queue.CallJob) {
        j.Status = queue.StatusDispatching
        j.DispatchedAt = &now
        j.LastObservedAt = &now
    }); err != nil {
        logger.WithContext(ctx).WithError(err).Warn("failed to mark job dispatching")
    }

    if err := sv.agentCli.Register(ctx, job.ID, job.PhoneNumber, job.CallConfig); err != nil {
        logger.WithContext(ctx).WithError(err).Debug("agent registration failed, continuing")
    }

    answerURL := fmt.Sprintf("%s/webhooks/answer/%s", sv.telephonyCfg.AnswerURLBase, job.ID)
    extras := map[string]interface{}{"call_id": job.ID}

    maxAttempts := job.MaxRetries + 1
    if maxAttempts < 1 {
        maxAttempts = 1
    }

    var lastErr error
    for attempt := 0; attempt < maxAttempts; attempt++ {
        providerUUID, _, err := sv.telephony.Initiate(ctx, job.PhoneNumber, answerURL, extras)
        if err == nil {
            sv.appendAttempt(ctx, job.ID, providerUUID, "", "")
            sv.store.Update(ctx, job.ID, func(j *queue.CallJob) { j.Status = queue.StatusRinging })
            return providerUUID, nil
        }

        lastErr = err
        sv.appendAttempt(ctx, job.ID, "", queue.StatusFailed, "")

        if !errors.IsRetryable(err) {
            break
        }
        if attempt < maxAttempts-1 {
            select {
            case <-ctx.Done():
                return "", ctx.Err()
            case <-time.After(backoff.Next(attempt, sv.cfg.BackoffBase, sv.cfg.BackoffMax)):
            }
        }
    }
    return "", lastErr
}

func (sv *Supervisor) appendAttempt(ctx context.Context, id, providerUUID string, terminalStatus queue.CallStatus, hangupCause string) {
    _, err := sv.store.Update(ctx, id, func(j *queue.CallJob) {
        j.AttemptLog = append(j.AttemptLog, queue.AttemptRecord{
            ProviderUUID:   providerUUID,
            StartedAt:      time.Now(),
            TerminalStatus: terminalStatus,
            HangupCause:    hangupCause,
        })
    })
    if err != nil && err != store.ErrTerminalWrite {
        logger.WithContext(ctx).WithError(err).Warn("failed to record attempt")
    }
}

// observe implements §4.5.2-4.5.4: poll the provider on a fixed interval
// after an initial settling delay, opportunistically poll the agent without
// ever treating its view as authoritative for termination, tolerate a
// bounded run of transient provider errors, and force a synthetic Missed
// outcome once the stuck-call deadline elapses in a non-terminal state.
func (sv *Supervisor) observe(ctx context.Context, job *queue.CallJob, providerUUID string) *queue.CallResult {
    dispatchedAt := time.Now()

    select {
    case <-ctx.Done():
        return sv.synthesize(job, queue.StatusFailed, queue.OutcomeFailed, queue.HangupInternalError)
    case <-time.After(sv.cfg.InitialStatusDelay):
    }

    ticker := time.NewTicker(sv.cfg.StatusCheckInterval)
    defer ticker.Stop()

    transientErrors := 0
    for {
        if current, ok := sv.store.Get(job.ID); ok && time.Since(dispatchedAt) >= sv.cfg.StuckCallDeadline {
            if current.Status == queue.StatusDispatching || current.Status == queue.StatusRinging {
                return sv.synthesize(job, queue.StatusMissed, queue.OutcomeNoAnswer, queue.HangupNoAnswerTimeout)
            }
        }

        status, err := sv.telephony.Status(ctx, providerUUID)
        if err != nil {
            transientErrors++
            sv.metrics.IncrementCounter("supervisor_poll_errors", map[string]string{"collaborator": "telephony"})
            if transientErrors >= sv.cfg.MaxTransientPollErrors {
                return sv.reconcileUnreachable(ctx, job)
            }
        } else {
            transientErrors = 0
            sv.pollAgentOpportunistically(ctx, job.ID)

            internalStatus, reclassified := telephony.MapRawState(status, sv.telephonyCfg.MinConnectedSecs)
            if internalStatus != "" {
                now := time.Now()
                sv.store.Update(ctx, job.ID, func(j *queue.CallJob) {
                    if !j.Status.Terminal() && !internalStatus.Terminal() {
                        j.Status = internalStatus
                    }
                    j.LastObservedAt = &now
                })

                if internalStatus.Terminal() {
                    return sv.reconcile(ctx, job, providerUUID, status, internalStatus, reclassified)
                }
            }
        }

        select {
        case <-ctx.Done():
            return sv.synthesize(job, queue.StatusFailed, queue.OutcomeFailed, queue.HangupInternalError)
        case <-ticker.C:
        }
    }
}

// pollAgentOpportunistically refreshes the agent's view for eventual
// reconciliation. A not-found or transient error here is expected early in
// a call's life and never affects the supervision loop (§4.4, §4.5.2).
func (sv *Supervisor) pollAgentOpportunistically(ctx context.Context, callID string) {
    if _, err := sv.agentCli.Status(ctx, callID); err != nil && err != agent.ErrNotFound {
        sv.metrics.IncrementCounter("supervisor_poll_errors", map[string]string{"collaborator": "agent"})
    }
}

// reconcileUnreachable implements the tail of §4.5.3: the provider has gone
// dark past the tolerance, so take one last look at the agent and
// synthesize the best outcome that view supports.
func (sv *Supervisor) reconcileUnreachable(ctx context.Context, job *queue.CallJob) *queue.CallResult {
    agentStatus, err := sv.agentCli.Status(ctx, job.ID)
    if err != nil {
        return sv.synthesize(job, queue.StatusFailed, queue.OutcomeFailed, queue.HangupAgentUnreachable)
    }

    result := &queue.CallResult{
        CallID:      job.ID,
        Status:      queue.StatusFailed,
        CallOutcome: queue.OutcomeFailed,
        HangupCause: queue.HangupAgentUnreachable,
        DataSource:  queue.DataSourceAgentOnly,
        ReportedAt:  time.Now(),
    }
    if len(agentStatus.Transcript) > 0 {
        result.Transcript = queue.JSON{"lines": agentStatus.Transcript}
    }
    result.RecordingRef = agentStatus.RecordingRef
    return result
}

// reconcile implements §4.5.5: build the authoritative CallResult once the
// provider reports a terminal raw state, preferring provider data for
// duration/hangup_cause/status and folding in whatever the agent can add.
func (sv *Supervisor) reconcile(ctx context.Context, job *queue.CallJob, providerUUID string, status telephony.ProviderStatus, internalStatus queue.CallStatus, reclassifiedMiss bool) *queue.CallResult {
    outcome := outcomeFor(internalStatus, status, reclassifiedMiss)
    hangupCause := telephony.ResolveHangupCause(status)
    if hangupCause == "" && internalStatus == queue.StatusMissed {
        hangupCause = queue.HangupNoAnswerTimeout
    }

    result := &queue.CallResult{
        CallID:          job.ID,
        Status:          internalStatus,
        CallOutcome:     outcome,
        DurationSeconds: status.DurationSeconds,
        HangupCause:     hangupCause,
        DataSource:      queue.DataSourceProviderPrimary,
        ReportedAt:      time.Now(),
        ProviderData: queue.JSON{
            "provider_uuid": providerUUID,
            "raw_state":     status.RawState,
        },
    }

    if agentStatus, err := sv.agentCli.Status(ctx, job.ID); err == nil {
        if len(agentStatus.Transcript) > 0 {
            result.Transcript = queue.JSON{"lines": agentStatus.Transcript}
        }
        result.RecordingRef = agentStatus.RecordingRef
        result.AgentData = queue.JSON{"phase": agentStatus.Phase}
    } else if err != agent.ErrNotFound {
        sv.metrics.IncrementCounter("supervisor_poll_errors", map[string]string{"collaborator": "agent"})
    }

    return result
}

// outcomeFor maps the richer CallOutcome vocabulary (§3.2) on top of the
// coarser internal CallStatus the provider confirmed.
func outcomeFor(status queue.CallStatus, s telephony.ProviderStatus, reclassifiedMiss bool) queue.CallOutcome {
    switch status {
    case queue.StatusCompleted:
        return queue.OutcomeCompleted
    case queue.StatusMissed:
        if reclassifiedMiss {
            return queue.OutcomeNoAnswer
        }
        switch s.RawState {
        case "busy":
            return queue.OutcomeBusy
        case "no-answer":
            return queue.OutcomeNoAnswer
        }
        return queue.OutcomeNoAnswer
    case queue.StatusFailed:
        if s.RawState == "rejected" {
            return queue.OutcomeRejected
        }
        return queue.OutcomeFailed
    default:
        return queue.OutcomeFailed
    }
}

// synthesize builds a supervisor_synthetic CallResult for cases where
// neither collaborator can be asked for the final word — dispatch failure,
// context cancellation, or the stuck-call deadline.
func (sv *Supervisor) synthesize(job *queue.CallJob, status queue.CallStatus, outcome queue.CallOutcome, hangupCause string) *queue.CallResult {
    return &queue.CallResult{
        CallID:      job.ID,
        Status:      status,
        CallOutcome: outcome,
        HangupCause: hangupCause,
        DataSource:  queue.DataSourceSupervisorSynthetic,
        ReportedAt:  time.Now(),
    }
}

// finish implements §4.5.6-4.5.7: deliver the result to the backend with
// retry, then persist the terminal status and result, and release the job —
// unless job-level retry policy (§4.5, Failed + retries remaining) calls for
// re-enqueuing it instead of delivering at all.
func (sv *Supervisor) finish(ctx context.Context, job *queue.CallJob, result *queue.CallResult) {
    if result.Status == queue.StatusFailed {
        if current, ok := sv.store.Get(job.ID); ok && !current.Status.Terminal() && current.RetryCount < current.MaxRetries {
            sv.requeue(ctx, current)
            return
        }
    }

    sv.deliver(ctx, result)

    if _, err := sv.store.Update(ctx, job.ID, func(j *queue.CallJob) {
        j.Status = result.Status
        j.Result = result
    }); err != nil && err != store.ErrTerminalWrite {
        logger.WithContext(ctx).WithError(err).Error("failed to persist terminal result")
    }
    sv.store.Release(ctx, job.ID)
}

// requeue implements the job-level retry branch: increment retry_count and
// send the job back to Pending instead of delivering a result at all (only
// the final attempt's outcome is ever reported to the backend). The reset
// and the re-enqueue are independent failure points; both are attempted
// regardless, and any failures are reported together.
func (sv *Supervisor) requeue(ctx context.Context, job *queue.CallJob) {
    var result *multierror.Error

    if _, err := sv.store.Update(ctx, job.ID, func(j *queue.CallJob) {
        j.Status = queue.StatusPending
        j.RetryCount++
        j.Result = nil
        j.ScheduledAt = nil
    }); err != nil {
        result = multierror.Append(result, fmt.Errorf("reset for retry: %w", err))
    }
    if err := sv.store.Enqueue(ctx, job.ID, job.Priority); err != nil {
        result = multierror.Append(result, fmt.Errorf("re-enqueue: %w", err))
    }
    if result.ErrorOrNil() != nil {
        logger.WithContext(ctx).WithError(result).Error("failed to requeue job for retry")
    }
    sv.store.Release(ctx, job.ID)
}

// deliver implements §4.5.6: POST result to the backend sink, retrying
// transient failures with the same backoff schedule up to
// backend.max_attempts times. A final failure never drops the result — it
// is persisted to undelivered_results for later operator reconciliation.
func (sv *Supervisor) deliver(ctx context.Context, result *queue.CallResult) {
    maxAttempts := sv.backendCfg.MaxAttempts
    if maxAttempts < 1 {
        maxAttempts = 1
    }

    var lastErr error
deliveryLoop:
    for attempt := 0; attempt < maxAttempts; attempt++ {
        err := sv.backend.Deliver(ctx, result)
        if err == nil {
            sv.metrics.IncrementCounter("backend_delivery_attempts", map[string]string{"outcome": "ok"})
            result.ReportedOK = true
            sv.store.Update(ctx, result.CallID, func(j *queue.CallJob) {
                if j.Result != nil {
                    j.Result.ReportedOK = true
                }
            })
            return
        }

        lastErr = err
        sv.metrics.IncrementCounter("backend_delivery_attempts", map[string]string{"outcome": "error"})
        if !errors.IsRetryable(err) {
            break
        }
        if attempt < maxAttempts-1 {
            select {
            case <-ctx.Done():
                lastErr = ctx.Err()
                break deliveryLoop
            case <-time.After(backoff.Next(attempt, sv.cfg.BackoffBase, sv.cfg.BackoffMax)):
            }
        }
    }

    errMsg := ""
    if lastErr != nil {
        errMsg = lastErr.Error()
    }
    if err := sv.repo.SaveUndelivered(ctx, result, errMsg); err != nil {
        logger.WithContext(ctx).WithError(err).Error("failed to persist undelivered result")
    }
}
