package main

import (
    "context"
    "encoding/json"
    "fmt"
    "os"
    "time"

    "github.com/fatih/color"
    "github.com/olekukonko/tablewriter"
    "github.com/spf13/cobra"

    "github.com/hamzaKhattat/callqueue-engine/internal/queue"
)

var (
    green  = color.New(color.FgGreen).SprintFunc()
    red    = color.New(color.FgRed).SprintFunc()
    yellow = color.New(color.FgYellow).SprintFunc()
    bold   = color.New(color.Bold).SprintFunc()
)

func runCLI() {
    rootCmd := &cobra.Command{
        Use:   "callqueue",
        Short: "Outbound call queue engine",
        Long:  "Operator CLI for the outbound call dispatch queue",
    }

    rootCmd.AddCommand(
        createEnqueueCommand(),
        createStatusCommand(),
        createStatsCommand(),
    )

    if err := rootCmd.Execute(); err != nil {
        fmt.Fprintf(os.Stderr, "Error: %v\n", err)
        os.Exit(1)
    }
}

// jobSubmission is the on-disk shape of an enqueue request — a strict
// subset of CallJob's fields an operator may set directly.
type jobSubmission struct {
    ID          string         `json:"id"`
    PhoneNumber string         `json:"phone_number"`
    CampaignID  string         `json:"campaign_id"`
    CallConfig  queue.JSON     `json:"call_config"`
    Priority    queue.Priority `json:"priority"`
    ScheduledAt *time.Time     `json:"scheduled_at,omitempty"`
    MaxRetries  int            `json:"max_retries"`
}

func createEnqueueCommand() *cobra.Command {
    cmd := &cobra.Command{
        Use:   "enqueue <job.json>",
        Short: "Submit a new call job from a JSON file",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()
            if err := initializeForCLI(ctx); err != nil {
                return err
            }

            data, err := os.ReadFile(args[0])
            if err != nil {
                return fmt.Errorf("failed to read job file: %w", err)
            }

            var sub jobSubmission
            if err := json.Unmarshal(data, &sub); err != nil {
                return fmt.Errorf("failed to parse job file: %w", err)
            }
            if sub.ID == "" {
                return fmt.Errorf("job id is required")
            }
            if !sub.Priority.Valid() {
                sub.Priority = queue.PriorityNormal
            }

            job := &queue.CallJob{
                ID:          sub.ID,
                PhoneNumber: sub.PhoneNumber,
                CampaignID:  sub.CampaignID,
                CallConfig:  sub.CallConfig,
                Priority:    sub.Priority,
                MaxRetries:  sub.MaxRetries,
                ScheduledAt: sub.ScheduledAt,
            }

            created, current, err := queueStore.Put(ctx, job)
            if err != nil {
                return fmt.Errorf("failed to submit job: %w", err)
            }
            if !created {
                fmt.Printf("%s job '%s' already exists, not resubmitted (status=%s)\n", yellow("!"), current.ID, current.Status)
                return nil
            }

            if sub.ScheduledAt != nil && sub.ScheduledAt.After(time.Now()) {
                if err := queueStore.Schedule(ctx, job.ID, *sub.ScheduledAt); err != nil {
                    return fmt.Errorf("failed to schedule job: %w", err)
                }
                fmt.Printf("%s job '%s' scheduled for %s\n", green("✓"), job.ID, sub.ScheduledAt.Format(time.RFC3339))
                return nil
            }

            if err := queueStore.Enqueue(ctx, job.ID, job.Priority); err != nil {
                return fmt.Errorf("failed to enqueue job: %w", err)
            }
            fmt.Printf("%s job '%s' enqueued at priority %s\n", green("✓"), job.ID, job.Priority)
            return nil
        },
    }
    return cmd
}

func createStatusCommand() *cobra.Command {
    cmd := &cobra.Command{
        Use:   "status <call_id>",
        Short: "Show a call job's current status and result",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()
            if err := initializeForCLI(ctx); err != nil {
                return err
            }

            job, ok := queueStore.Get(args[0])
            if !ok {
                return fmt.Errorf("call '%s' not found", args[0])
            }

            fmt.Printf("%s %s\n", bold("call:"), job.ID)
            fmt.Printf("  phone_number: %s\n", job.PhoneNumber)
            fmt.Printf("  status:       %s\n", statusColor(job.Status))
            fmt.Printf("  priority:     %s\n", job.Priority)
            fmt.Printf("  retry_count:  %d/%d\n", job.RetryCount, job.MaxRetries)
            fmt.Printf("  updated_at:   %s\n", job.UpdatedAt.Format(time.RFC3339))

            if job.Result != nil {
                fmt.Printf("  outcome:      %s\n", job.Result.CallOutcome)
                fmt.Printf("  hangup_cause: %s\n", job.Result.HangupCause)
                fmt.Printf("  data_source:  %s\n", job.Result.DataSource)
                fmt.Printf("  reported_ok:  %v\n", job.Result.ReportedOK)
            }
            return nil
        },
    }
    return cmd
}

func createStatsCommand() *cobra.Command {
    var undelivered bool

    cmd := &cobra.Command{
        Use:   "stats",
        Short: "Show queue metrics, or undelivered results with --undelivered",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()
            if err := initializeForCLI(ctx); err != nil {
                return err
            }

            if undelivered {
                return showUndelivered(ctx)
            }
            return showQueueMetrics()
        },
    }
    cmd.Flags().BoolVar(&undelivered, "undelivered", false, "List results that failed backend delivery")
    return cmd
}

func showQueueMetrics() error {
    m := queueStore.Metrics()

    table := tablewriter.NewWriter(os.Stdout)
    table.SetHeader([]string{"Metric", "Value"})
    table.Append([]string{"Active calls", fmt.Sprintf("%d", m.Active)})
    table.Append([]string{"Scheduled", fmt.Sprintf("%d", m.Scheduled)})
    table.Append([]string{"Dispatched total", fmt.Sprintf("%d", m.DispatchedTotal)})
    table.Append([]string{"Completed total", fmt.Sprintf("%d", m.CompletedTotal)})
    table.Append([]string{"Failed total", fmt.Sprintf("%d", m.FailedTotal)})
    for _, p := range queue.Priorities {
        table.Append([]string{fmt.Sprintf("Pending (%s)", p), fmt.Sprintf("%d", m.PendingByPriority[p])})
    }
    table.Render()
    return nil
}

func showUndelivered(ctx context.Context) error {
    results, err := repo.ListUndelivered(ctx)
    if err != nil {
        return fmt.Errorf("failed to list undelivered results: %w", err)
    }
    if len(results) == 0 {
        fmt.Println("no undelivered results")
        return nil
    }

    table := tablewriter.NewWriter(os.Stdout)
    table.SetHeader([]string{"Call ID", "Status", "Outcome", "Hangup Cause", "Reported At"})
    for _, r := range results {
        table.Append([]string{r.CallID, string(r.Status), string(r.CallOutcome), r.HangupCause, r.ReportedAt.Format(time.RFC3339)})
    }
    table.Render()
    return nil
}

func statusColor(s queue.CallStatus) string {
    switch s {
    case queue.StatusCompleted:
        return green(string(s))
    case queue.StatusFailed, queue.StatusMissed:
        return red(string(s))
    default:
        return yellow(string(s))
    }
}
