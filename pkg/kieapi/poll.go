package kieapi

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultPollInterval = 10 * time.Second
	DefaultPollDeadline = 10 * time.Minute

	// maxFatalStreak is how many consecutive auth or routing failures the
	// poller tolerates before giving up; single blips are common behind proxies.
	maxFatalStreak = 3
)

type PollOptions struct {
	Interval time.Duration
	Deadline time.Duration
	// OnTick, if set, observes every query. report is nil when err is set.
	OnTick func(tick int, report *StatusReport, err error)
}

// PollResult is the terminal outcome of a job. State is Succeeded, Failed or TimedOut.
type PollResult struct {
	TaskID      string
	State       JobState
	ResultURLs  []string
	ErrorReason string
	Ticks       int
	Elapsed     time.Duration
}

// PollUntilTerminal queries the job every Interval until it succeeds, fails,
// or Deadline elapses. The first query happens one interval after the call.
// Transient query errors are logged and the loop keeps going. Cancelling ctx
// returns ctx.Err() and discards any in-flight result.
//
// A succeeded job without result URLs is reported as ErrResultMissing.
func (c *Client) PollUntilTerminal(ctx context.Context, taskID string, opts PollOptions) (*PollResult, error) {
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}
	if opts.Deadline <= 0 {
		opts.Deadline = DefaultPollDeadline
	}
	logger := c.logger.With(zap.String("task_id", taskID))

	start := time.Now()
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()
	deadline := time.NewTimer(opts.Deadline)
	defer deadline.Stop()

	ticks, fatalStreak := 0, 0
	for {
		select {
		case <-ctx.Done():
			logger.Info("polling cancelled", zap.Int("ticks", ticks))
			return nil, ctx.Err()
		case <-deadline.C:
			logger.Warn("polling deadline reached", zap.Int("ticks", ticks), zap.Duration("deadline", opts.Deadline))
			return &PollResult{TaskID: taskID, State: StateTimedOut, Ticks: ticks, Elapsed: time.Since(start)}, nil
		case <-ticker.C:
			ticks++
			report, err := c.GetStatus(ctx, taskID)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if opts.OnTick != nil {
				opts.OnTick(ticks, report, err)
			}
			if err != nil {
				if errors.Is(err, ErrAuthOrAccessDenied) || errors.Is(err, ErrEndpointNotFound) {
					fatalStreak++
					if fatalStreak >= maxFatalStreak {
						logger.Error("polling aborted", zap.Int("ticks", ticks), zap.Error(err))
						return nil, err
					}
				} else {
					fatalStreak = 0
				}
				logger.Warn("status query failed, will retry", zap.Int("tick", ticks), zap.Error(err))
				continue
			}
			fatalStreak = 0

			switch report.State {
			case StateSucceeded:
				if len(report.ResultURLs) == 0 {
					logger.Error("job succeeded without result URLs")
					return nil, &Error{Kind: KindResultMissing, Message: "job " + taskID + " succeeded but returned no video URL"}
				}
				logger.Info("job succeeded", zap.Int("ticks", ticks), zap.Strings("result_urls", report.ResultURLs))
				return &PollResult{TaskID: taskID, State: StateSucceeded, ResultURLs: report.ResultURLs, Ticks: ticks, Elapsed: time.Since(start)}, nil
			case StateFailed:
				logger.Info("job failed", zap.Int("ticks", ticks), zap.String("reason", report.ErrorMessage))
				return &PollResult{TaskID: taskID, State: StateFailed, ErrorReason: report.ErrorMessage, Ticks: ticks, Elapsed: time.Since(start)}, nil
			default:
				logger.Debug("job still pending", zap.Int("tick", ticks), zap.String("status", report.RawStatus))
			}
		}
	}
}
