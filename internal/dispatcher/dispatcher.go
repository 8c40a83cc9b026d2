// Package dispatcher implements the Dispatcher (C6): a fixed worker pool
// that pulls ready jobs off the State Store behind the Rate Limiter, a
// scheduled-call promoter, and a sweeper that forces stuck active calls to
// a terminal state. Grounded on the reference AGI server's accept loop —
// worker goroutines pulling work under a semaphore, a WaitGroup tracking
// in-flight handlers, and a shutdown channel that stops acceptance before
// draining what's already running.
package dispatcher

import (
    "context"
    "sync"
    "time"

    "golang.org/x/exp/slices"

    "github.com/hamzaKhattat/callqueue-engine/internal/config"
    "github.com/hamzaKhattat/callqueue-engine/internal/queue"
    "github.com/hamzaKhattat/callqueue-engine/internal/queue/store"
    "github.com/hamzaKhattat/callqueue-engine/internal/queue/store/persist"
    "github.com/hamzaKhattat/callqueue-engine/internal/ratelimit"
    "github.com/hamzaKhattat/callqueue-engine/pkg/logger"
)

// Supervisor is the subset of supervisor.Supervisor the Dispatcher drives.
// Kept as an interface so tests can substitute a fake without pulling in
// the telephony/agent/backend clients.
type Supervisor interface {
    Run(ctx context.Context, job *queue.CallJob)
}

type Dispatcher struct {
    store      *store.Store
    repo       *persist.Repo
    limiter    *ratelimit.Limiter
    supervisor Supervisor
    cfg        config.QueueConfig

    wg     sync.WaitGroup
    cancel context.CancelFunc
}

func New(st *store.Store, repo *persist.Repo, limiter *ratelimit.Limiter, sup Supervisor, cfg config.QueueConfig) *Dispatcher {
    return &Dispatcher{
        store:      st,
        repo:       repo,
        limiter:    limiter,
        supervisor: sup,
        cfg:        cfg,
    }
}

// Start launches the worker pool plus the promoter and sweeper background
// loops. It returns immediately; call Stop to shut down gracefully.
func (d *Dispatcher) Start(ctx context.Context) {
    runCtx, cancel := context.WithCancel(ctx)
    d.cancel = cancel

    workers := d.cfg.Workers
    if workers <= 0 {
        workers = 1
    }

    for i := 0; i < workers; i++ {
        d.wg.Add(1)
        go d.worker(runCtx, i)
    }

    d.wg.Add(1)
    go d.promoteLoop(runCtx)

    d.wg.Add(1)
    go d.sweepLoop(runCtx)

    logger.WithField("workers", workers).Info("dispatcher started")
}

// Stop signals every loop to exit and blocks until they have returned.
// Workers run Supervisor.Run inline, so Stop also waits for every in-flight
// call; those calls run under a context that Stop does not cancel, and so
// continue to their own terminal outcome before their worker exits.
func (d *Dispatcher) Stop() {
    if d.cancel != nil {
        d.cancel()
    }
    d.wg.Wait()
    logger.Info("dispatcher stopped")
}

// worker is the pool loop of §4.6: acquire a rate-limit token, pop exactly
// one ready job, and hand it to the Supervisor. An empty pop backs off
// briefly rather than spinning.
func (d *Dispatcher) worker(ctx context.Context, id int) {
    defer d.wg.Done()
    log := logger.WithField("worker", id)

    idle := time.NewTicker(50 * time.Millisecond)
    defer idle.Stop()

    for {
        select {
        case <-ctx.Done():
            return
        default:
        }

        if d.store.ActiveCount() >= d.cfg.MaxConcurrentCalls {
            select {
            case <-ctx.Done():
                return
            case <-idle.C:
            }
            continue
        }

        if err := d.limiter.Acquire(ctx); err != nil {
            return // context cancelled
        }

        jobs, err := d.store.PopReady(ctx, 1, d.cfg.MaxConcurrentCalls)
        if err != nil {
            log.WithError(err).Error("pop_ready failed")
            continue
        }
        if len(jobs) == 0 {
            select {
            case <-ctx.Done():
                return
            case <-idle.C:
            }
            continue
        }

        d.supervisor.Run(context.WithoutCancel(ctx), jobs[0])
    }
}

// promoteLoop implements the scheduled-call promoter: every promote_interval,
// move scheduled jobs whose time has arrived into their priority queue.
func (d *Dispatcher) promoteLoop(ctx context.Context) {
    defer d.wg.Done()

    interval := d.cfg.PromoteInterval
    if interval <= 0 {
        interval = time.Second
    }
    ticker := time.NewTicker(interval)
    defer ticker.Stop()

    for {
        select {
        case <-ctx.Done():
            return
        case <-ticker.C:
            if n, err := d.store.PromoteDue(ctx, time.Now()); err != nil {
                logger.WithError(err).Error("promote_due failed")
            } else if n > 0 {
                logger.WithField("promoted", n).Debug("scheduled jobs promoted")
            }
        }
    }
}

// sweepLoop implements the sweeper of §4.6: every sweep_interval, force any
// active call that has both overrun hard_deadline and gone stale past
// stuck_threshold into a synthetic Missed outcome. This is a backstop
// behind the Supervisor's own stuck-call deadline (§4.5.4) for the case
// where a Supervisor goroutine itself wedged — it must never fire on a
// call a live Supervisor is still reporting progress on.
func (d *Dispatcher) sweepLoop(ctx context.Context) {
    defer d.wg.Done()

    interval := d.cfg.SweepInterval
    if interval <= 0 {
        interval = 30 * time.Second
    }
    ticker := time.NewTicker(interval)
    defer ticker.Stop()

    for {
        select {
        case <-ctx.Done():
            return
        case <-ticker.C:
            d.sweep(ctx)
        }
    }
}

// sweep finds active jobs that are both alive past hard_deadline and stale
// past stuck_threshold — both conditions, not either, since a call can run
// long and still be under active supervision (LastObservedAt refreshing
// every status_check_interval). Only a job the Supervisor has genuinely
// stopped updating is a wedged-goroutine candidate.
func (d *Dispatcher) sweep(ctx context.Context) {
    now := time.Now()

    hardDeadline := d.cfg.HardDeadline
    stuckThreshold := d.cfg.StuckThreshold

    stuck := d.store.ScanActive(func(job *queue.CallJob, activeSince time.Time) bool {
        if hardDeadline <= 0 || stuckThreshold <= 0 {
            return false
        }
        if now.Sub(activeSince) < hardDeadline {
            return false
        }
        lastObserved := activeSince
        if job.LastObservedAt != nil {
            lastObserved = *job.LastObservedAt
        }
        return now.Sub(lastObserved) >= stuckThreshold
    })

    // Stable ordering so repeated sweeps log/force calls in a predictable
    // sequence rather than whatever order ScanActive's map walk produced.
    slices.SortFunc(stuck, func(a, b *queue.CallJob) bool { return a.ID < b.ID })

    for _, job := range stuck {
        result := &queue.CallResult{
            CallID:      job.ID,
            Status:      queue.StatusMissed,
            CallOutcome: queue.OutcomeNoAnswer,
            HangupCause: queue.HangupNoAnswerTimeout,
            DataSource:  queue.DataSourceSupervisorSynthetic,
            ReportedAt:  now,
        }

        if _, err := d.store.Update(ctx, job.ID, func(j *queue.CallJob) {
            j.Status = queue.StatusMissed
            j.Result = result
        }); err != nil && err != store.ErrTerminalWrite {
            logger.WithError(err).WithField("call_id", job.ID).Error("sweeper failed to force terminal status")
            continue
        }
        d.store.Release(ctx, job.ID)
        if d.repo != nil {
            if err := d.repo.SaveUndelivered(ctx, result, "forced terminal by sweeper, never delivered"); err != nil {
                logger.WithError(err).WithField("call_id", job.ID).Error("failed to persist sweeper-forced result")
            }
        }
        logger.WithField("call_id", job.ID).WithField("outcome", result.CallOutcome).Warn("sweeper forced stuck call to terminal state")
    }
}
