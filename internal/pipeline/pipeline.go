package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nerdneilsfield/telegram-veo-bot/internal/enrich"
	"github.com/nerdneilsfield/telegram-veo-bot/internal/metrics"
	"github.com/nerdneilsfield/telegram-veo-bot/internal/session"
	"github.com/nerdneilsfield/telegram-veo-bot/internal/storage"
	"github.com/nerdneilsfield/telegram-veo-bot/pkg/kieapi"
	"go.uber.org/zap"
)

// API is the part of the KIE client the pipeline drives.
type API interface {
	Submit(ctx context.Context, req kieapi.GenerationRequest) (*kieapi.Job, error)
	GetStatus(ctx context.Context, taskID string) (*kieapi.StatusReport, error)
	PollUntilTerminal(ctx context.Context, taskID string, opts kieapi.PollOptions) (*kieapi.PollResult, error)
}

// Translator renders user-facing messages.
type Translator interface {
	T(lang *string, key string, args ...interface{}) string
}

// JobRecorder persists job history. *storage.JobStore implements it.
type JobRecorder interface {
	Create(rec *storage.JobRecord) error
	MarkSubmitted(id, taskID, model string) error
	Finish(id, state string, resultURLs []string, reason string) (bool, error)
	MarkDeliveryFailed(id, reason string) error
	FindByTaskID(taskID string) (*storage.JobRecord, error)
}

// Billing charges local credits. *storage.GormBalanceManager implements it.
type Billing interface {
	Enabled() bool
	Cost() float64
	GetBalance(userID int64) float64
	CheckAndDeduct(userID int64) (float64, error)
	Refund(userID int64) error
}

type Options struct {
	API        API
	Deliverer  *Deliverer
	Sessions   *session.Store
	Translator Translator
	Enricher   enrich.Enricher // optional
	Jobs       JobRecorder     // optional
	Billing    Billing         // optional
	Metrics    *metrics.Metrics
	Logger     *zap.Logger

	PollInterval    time.Duration
	Deadline        time.Duration
	MaxPromptLength int
	// ModelForTier names the remote model in messages; optional.
	ModelForTier func(tier string) string
}

// Pipeline runs generations: submit, poll, deliver. Each job runs on its own
// goroutine and owns its remote job exclusively.
type Pipeline struct {
	api          API
	deliverer    *Deliverer
	sessions     *session.Store
	tr           Translator
	enricher     enrich.Enricher
	jobs         JobRecorder
	billing      Billing
	metrics      *metrics.Metrics
	logger       *zap.Logger
	pollInterval time.Duration
	deadline     time.Duration
	maxPrompt    int
	modelForTier func(string) string

	wg sync.WaitGroup
}

// Outcome summarises a finished Run.
type Outcome struct {
	LocalID string
	TaskID  string
	State   string // one of the storage.JobState* values
	Err     error
}

func New(opts Options) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Deliverer == nil {
		opts.Deliverer = NewDeliverer(DeliveryOptions{Metrics: opts.Metrics, Logger: opts.Logger})
	}
	if opts.MaxPromptLength <= 0 {
		opts.MaxPromptLength = kieapi.DefaultMaxPromptLength
	}
	if opts.ModelForTier == nil {
		opts.ModelForTier = func(tier string) string { return tier }
	}
	return &Pipeline{
		api:          opts.API,
		deliverer:    opts.Deliverer,
		sessions:     opts.Sessions,
		tr:           opts.Translator,
		enricher:     opts.Enricher,
		jobs:         opts.Jobs,
		billing:      opts.Billing,
		metrics:      opts.Metrics,
		logger:       opts.Logger.Named("pipeline"),
		pollInterval: opts.PollInterval,
		deadline:     opts.Deadline,
		maxPrompt:    opts.MaxPromptLength,
		modelForTier: opts.ModelForTier,
	}
}

// Start runs the generation on a supervised goroutine and returns its local id.
// The job is cancelled by session Reset/Cancel or when parent is done.
func (p *Pipeline) Start(parent context.Context, sess session.Session, req kieapi.GenerationRequest, ch Channel) string {
	localID := uuid.NewString()
	ctx, release := p.sessions.Track(sess.UserID, parent)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer release()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("generation goroutine panicked",
					zap.String("local_id", localID), zap.Int64("user_id", sess.UserID),
					zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
				p.say(context.WithoutCancel(ctx), ch, sess, "error_generic")
			}
		}()
		p.run(ctx, localID, sess, req, ch)
	}()
	return localID
}

// Run executes one generation synchronously.
func (p *Pipeline) Run(ctx context.Context, sess session.Session, req kieapi.GenerationRequest, ch Channel) Outcome {
	return p.run(ctx, uuid.NewString(), sess, req, ch)
}

// Wait blocks until every started job has finished.
func (p *Pipeline) Wait() { p.wg.Wait() }

func (p *Pipeline) run(ctx context.Context, localID string, sess session.Session, req kieapi.GenerationRequest, ch Channel) Outcome {
	logger := p.logger.With(zap.String("local_id", localID), zap.Int64("user_id", sess.UserID))
	out := Outcome{LocalID: localID}
	// user-facing messages must go out even after cancellation
	msgCtx := context.WithoutCancel(ctx)

	if req.AspectRatio == "" {
		req.AspectRatio = sess.AspectRatio
	}
	if req.QualityTier == "" {
		req.QualityTier = sess.QualityTier
	}
	req, err := req.Normalize(p.maxPrompt)
	if err != nil {
		p.sayError(msgCtx, ch, sess, err)
		out.State, out.Err = storage.JobStateSubmitFailed, err
		return out
	}

	if p.billing != nil && p.billing.Enabled() {
		if _, err := p.billing.CheckAndDeduct(sess.UserID); err != nil {
			if errors.Is(err, storage.ErrInsufficientBalance) {
				p.say(msgCtx, ch, sess, "balance_insufficient",
					"balance", fmt.Sprintf("%.2f", p.billing.GetBalance(sess.UserID)),
					"cost", fmt.Sprintf("%.2f", p.billing.Cost()))
			} else {
				p.say(msgCtx, ch, sess, "error_generic")
			}
			out.State, out.Err = storage.JobStateSubmitFailed, err
			return out
		}
	}
	charged := p.billing != nil && p.billing.Enabled()

	if sess.Enrich && p.enricher != nil {
		res := p.enricher.Enrich(ctx, req.Prompt, sess.Language)
		if res.FallbackReason != "" {
			p.metrics.RecordEnrichFallback(res.FallbackReason)
		} else if res.Prompt != req.Prompt {
			logger.Debug("prompt enriched", zap.String("provider", res.Provider))
			p.say(msgCtx, ch, sess, "generation_enriched", "prompt", res.Prompt)
		}
		req.Prompt = res.Prompt
	}

	p.record(logger, func(j JobRecorder) error {
		return j.Create(&storage.JobRecord{
			ID:                localID,
			UserID:            sess.UserID,
			ChatID:            sess.ChatID,
			Prompt:            req.Prompt,
			AspectRatio:       req.AspectRatio,
			QualityTier:       req.QualityTier,
			ReferenceImageURL: req.ReferenceImageURL,
		})
	})

	p.metrics.JobStarted()
	defer p.metrics.JobDone()
	p.say(msgCtx, ch, sess, "generation_started",
		"aspect", req.AspectRatio, "model", p.modelForTier(req.QualityTier))

	// --- Submit --- //
	job, err := p.api.Submit(ctx, req)
	if err != nil {
		logger.Warn("submission failed", zap.Error(err))
		p.metrics.RecordSubmitError(kieapi.KindOf(err).String())
		if charged {
			_ = p.billing.Refund(sess.UserID)
		}
		p.finish(logger, localID, storage.JobStateSubmitFailed, nil, err.Error())
		if ctx.Err() == nil {
			p.sayError(msgCtx, ch, sess, err)
		}
		out.State, out.Err = storage.JobStateSubmitFailed, err
		return out
	}
	out.TaskID = job.ID
	logger = logger.With(zap.String("task_id", job.ID))
	p.metrics.RecordSubmitted(req.QualityTier, req.ReferenceImageURL != "")
	p.record(logger, func(j JobRecorder) error { return j.MarkSubmitted(localID, job.ID, job.Model) })
	p.say(msgCtx, ch, sess, "generation_accepted", "taskId", job.ID)

	// --- Poll --- //
	result, err := p.api.PollUntilTerminal(ctx, job.ID, kieapi.PollOptions{Interval: p.pollInterval, Deadline: p.deadline})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			logger.Info("generation cancelled")
			p.finish(logger, localID, storage.JobStateCancelled, nil, "cancelled")
			p.metrics.RecordFinished(storage.JobStateCancelled, 0, time.Since(job.CreatedAt))
			out.State, out.Err = storage.JobStateCancelled, err
			return out
		}
		logger.Error("polling failed", zap.Error(err))
		p.finish(logger, localID, storage.JobStateFailed, nil, err.Error())
		p.metrics.RecordFinished(storage.JobStateFailed, 0, time.Since(job.CreatedAt))
		p.sayError(msgCtx, ch, sess, err)
		out.State, out.Err = storage.JobStateFailed, err
		return out
	}

	switch result.State {
	case kieapi.StateTimedOut:
		p.finish(logger, localID, storage.JobStateTimedOut, nil, "deadline exceeded")
		p.metrics.RecordFinished(storage.JobStateTimedOut, result.Ticks, result.Elapsed)
		p.say(msgCtx, ch, sess, "generation_timed_out", "taskId", job.ID)
		out.State = storage.JobStateTimedOut
		return out
	case kieapi.StateFailed:
		p.finish(logger, localID, storage.JobStateFailed, nil, result.ErrorReason)
		p.metrics.RecordFinished(storage.JobStateFailed, result.Ticks, result.Elapsed)
		if result.ErrorReason != "" {
			p.say(msgCtx, ch, sess, "generation_failed", "reason", result.ErrorReason)
		} else {
			p.say(msgCtx, ch, sess, "generation_failed_unknown")
		}
		out.State = storage.JobStateFailed
		return out
	}

	p.finish(logger, localID, storage.JobStateSucceeded, result.ResultURLs, "")
	p.metrics.RecordFinished(storage.JobStateSucceeded, result.Ticks, result.Elapsed)
	out.State = storage.JobStateSucceeded

	// --- Deliver --- //
	caption := p.tr.T(&sess.Language, "generation_caption", "prompt", req.Prompt)
	if err := p.deliverer.Deliver(ctx, result.ResultURLs, ch, caption); err != nil {
		logger.Error("delivery failed", zap.Error(err))
		p.record(logger, func(j JobRecorder) error { return j.MarkDeliveryFailed(localID, err.Error()) })
		p.say(msgCtx, ch, sess, "delivery_failed", "url", result.ResultURLs[0])
		out.State, out.Err = storage.JobStateDeliveryFailed, err
		return out
	}
	logger.Info("generation delivered", zap.Duration("elapsed", result.Elapsed), zap.Int("ticks", result.Ticks))
	return out
}

// CheckOnce queries a job a single time, for /status. A finished job is
// delivered; otherwise the user gets its current state.
func (p *Pipeline) CheckOnce(ctx context.Context, sess session.Session, taskID string, ch Channel) error {
	report, err := p.api.GetStatus(ctx, taskID)
	if err != nil {
		p.sayError(ctx, ch, sess, err)
		return err
	}

	if !report.State.IsTerminal() {
		p.say(ctx, ch, sess, "status_pending", "taskId", taskID)
		return nil
	}

	// only records still waiting on the poller get the transition
	var localID string
	if p.jobs != nil {
		if rec, err := p.jobs.FindByTaskID(taskID); err == nil && !rec.IsTerminal() {
			localID = rec.ID
		}
	}

	switch report.State {
	case kieapi.StateSucceeded:
		if len(report.ResultURLs) == 0 {
			p.say(ctx, ch, sess, "error_result_missing")
			return kieapi.ErrResultMissing
		}
		if localID != "" {
			p.finish(p.logger, localID, storage.JobStateSucceeded, report.ResultURLs, "")
		}
		caption := p.tr.T(&sess.Language, "status_caption", "taskId", taskID)
		if err := p.deliverer.Deliver(ctx, report.ResultURLs, ch, caption); err != nil {
			p.say(ctx, ch, sess, "delivery_failed", "url", report.ResultURLs[0])
			return err
		}
		return nil
	case kieapi.StateFailed:
		if localID != "" {
			p.finish(p.logger, localID, storage.JobStateFailed, nil, report.ErrorMessage)
		}
		if report.ErrorMessage != "" {
			p.say(ctx, ch, sess, "generation_failed", "reason", report.ErrorMessage)
		} else {
			p.say(ctx, ch, sess, "generation_failed_unknown")
		}
	}
	return nil
}

// errorKey maps every failure kind onto exactly one message.
func errorKey(err error) (string, []interface{}) {
	var apiErr *kieapi.Error
	if !errors.As(err, &apiErr) {
		return "error_generic", nil
	}
	switch apiErr.Kind {
	case kieapi.KindInvalidRequest:
		return "error_invalid_request", []interface{}{"reason", apiErr.Message}
	case kieapi.KindNetwork:
		return "error_network", nil
	case kieapi.KindAuthOrAccessDenied:
		return "error_auth", nil
	case kieapi.KindInsufficientCredit:
		return "error_insufficient_credit", nil
	case kieapi.KindEndpointNotFound:
		return "error_endpoint", nil
	case kieapi.KindRemoteRejected:
		return "error_rejected", []interface{}{"code", fmt.Sprint(apiErr.Code), "message", apiErr.Message}
	case kieapi.KindMissingJobID:
		return "error_missing_job_id", nil
	case kieapi.KindResultMissing:
		return "error_result_missing", nil
	default:
		return "error_generic", nil
	}
}

func (p *Pipeline) sayError(ctx context.Context, ch Channel, sess session.Session, err error) {
	key, args := errorKey(err)
	p.say(ctx, ch, sess, key, args...)
}

func (p *Pipeline) say(ctx context.Context, ch Channel, sess session.Session, key string, args ...interface{}) {
	text := p.tr.T(&sess.Language, key, args...)
	if err := ch.SendMessage(ctx, text); err != nil {
		p.logger.Warn("failed to send message", zap.String("key", key), zap.Int64("chat_id", sess.ChatID), zap.Error(err))
	}
}

func (p *Pipeline) finish(logger *zap.Logger, localID, state string, urls []string, reason string) {
	p.record(logger, func(j JobRecorder) error {
		_, err := j.Finish(localID, state, urls, reason)
		return err
	})
}

// record runs a history write; storage problems never fail a generation.
func (p *Pipeline) record(logger *zap.Logger, fn func(JobRecorder) error) {
	if p.jobs == nil {
		return
	}
	if err := fn(p.jobs); err != nil {
		logger.Warn("failed to update job history", zap.Error(err))
	}
}
