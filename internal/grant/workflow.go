package grant

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"
)

// ScheduleID identifies the recurring grant schedule.
const ScheduleID = "skiptrace-credit-grants"

// Activities exposes the policy to Temporal.
type Activities struct {
	Policy *Policy
}

// GrantCycle runs one grant cycle. Retried activities are safe since every
// grant is keyed by user and cycle.
func (a *Activities) GrantCycle(ctx context.Context, at time.Time) (*CycleResult, error) {
	return a.Policy.RunCycle(ctx, at)
}

// CreditGrantWorkflow grants the cycle containing the workflow's start time.
func CreditGrantWorkflow(ctx workflow.Context) (*CycleResult, error) {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    10 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    5 * time.Minute,
			MaximumAttempts:    10,
		},
	})

	var a *Activities
	var res CycleResult
	if err := workflow.ExecuteActivity(ctx, a.GrantCycle, workflow.Now(ctx)).Get(ctx, &res); err != nil {
		workflow.GetLogger(ctx).Error("credit grant cycle failed", "error", err)
		return nil, err
	}
	workflow.GetLogger(ctx).Info("credit grant cycle finished",
		"cycle", res.Cycle, "granted", res.Granted, "skipped", res.Skipped)
	return &res, nil
}

// Register adds the workflow and activities to w.
func Register(w worker.Registry, a *Activities) {
	w.RegisterWorkflow(CreditGrantWorkflow)
	w.RegisterActivity(a)
}

// EnsureSchedule creates the cron schedule that starts CreditGrantWorkflow.
// An existing schedule is left as is.
func EnsureSchedule(ctx context.Context, c client.Client, taskQueue, cron string) error {
	_, err := c.ScheduleClient().Create(ctx, client.ScheduleOptions{
		ID: ScheduleID,
		Spec: client.ScheduleSpec{
			CronExpressions: []string{cron},
		},
		Overlap: enumspb.SCHEDULE_OVERLAP_POLICY_SKIP,
		Action: &client.ScheduleWorkflowAction{
			ID:        ScheduleID + "-run",
			Workflow:  CreditGrantWorkflow,
			TaskQueue: taskQueue,
		},
	})
	var exists *serviceerror.AlreadyExists
	switch {
	case err == nil:
		zap.L().Info("grant: schedule created", zap.String("cron", cron), zap.String("task_queue", taskQueue))
		return nil
	case errors.As(err, &exists) || errors.Is(err, temporal.ErrScheduleAlreadyRunning):
		zap.L().Info("grant: schedule already exists", zap.String("schedule_id", ScheduleID))
		return nil
	default:
		return eris.Wrap(err, "grant: create schedule")
	}
}
