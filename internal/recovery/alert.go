package recovery

import (
	"context"

	"evictguard/internal/telemetry"
	"evictguard/internal/types"
)

// Alert reasons.
const (
	AlertPoisonMessage    = "poison_message"
	AlertFatalError       = "fatal_error"
	AlertRetriesExhausted = "retries_exhausted"
)

// Alerter escalates a task that will not be recovered automatically.
type Alerter interface {
	Alert(ctx context.Context, reason string, task types.RecoveryTask, err error)
}

// LogAlerter writes alerts as error logs tagged alert=true, for log-based
// alarms, and counts them through the metrics recorder.
type LogAlerter struct {
	logger   types.Logger
	recorder telemetry.Recorder
}

// NewLogAlerter creates a LogAlerter. A nil recorder disables the metric.
func NewLogAlerter(logger types.Logger, recorder telemetry.Recorder) *LogAlerter {
	if recorder == nil {
		recorder = telemetry.Noop{}
	}
	return &LogAlerter{logger: logger, recorder: recorder}
}

func (a *LogAlerter) Alert(ctx context.Context, reason string, task types.RecoveryTask, err error) {
	args := []any{
		"alert", true,
		"reason", reason,
		"task_id", task.TaskID,
		"resource_group", task.ResourceGroup,
		"vm_name", task.InstanceName,
		"attempt", task.Attempt,
	}
	if err != nil {
		args = append(args, "error", err.Error(), "error_code", string(types.CodeOf(err)))
	}
	a.logger.Error("recovery requires operator attention", args...)
	a.recorder.RecoveryAlert(ctx, reason)
}
