package metering

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/RenderFox/app/models"
	"github.com/ManuelReschke/RenderFox/internal/pkg/credits"
	"github.com/ManuelReschke/RenderFox/internal/pkg/jobtracker"
	"github.com/ManuelReschke/RenderFox/internal/pkg/metrics"
	"github.com/ManuelReschke/RenderFox/internal/pkg/tools"
)

var (
	ErrAttemptInFlight     = errors.New("a generation for this tool is already running")
	ErrInsufficientCredits = credits.ErrInsufficientCredits
	ErrDeductFailed        = errors.New("credit deduction failed")
	ErrGenerationFailed    = errors.New("generation failed")
)

// Ledger is the subset of *credits.Service the orchestrator uses.
type Ledger interface {
	GetStatus(ctx context.Context, userID string, opts credits.StatusOptions) credits.UserStatus
	Deduct(ctx context.Context, userID string, amount int, description string) (string, error)
	Refund(ctx context.Context, userID string, amount int, description, logID string)
}

// JobTracker is the subset of *jobtracker.Tracker the orchestrator uses.
type JobTracker interface {
	CreateJob(ctx context.Context, in jobtracker.NewJob) string
	UpdateStatus(ctx context.Context, jobID, status, resultURL, errorMessage string)
}

// HistoryRecorder stores a completed generation without blocking.
type HistoryRecorder interface {
	RecordAsync(ctx context.Context, item models.HistoryItem)
}

// UsageCounter buffers per tool counts.
type UsageCounter interface {
	AddToolUse(ctx context.Context, toolID string) error
}

// WorkFunc performs the external generation and returns the media URL.
type WorkFunc func(ctx context.Context) (string, error)

// Request describes one attempt.
type Request struct {
	UserID    string
	Email     string
	Tool      tools.Tool
	Prompt    string
	SourceURL string
	Params    map[string]interface{}
	Work      WorkFunc
	// BuildHistory overrides the default history item built from the request.
	BuildHistory func(resultURL string) models.HistoryItem
}

// Outcome is the terminal view of an attempt.
type Outcome struct {
	State     State                `json:"state"`
	JobID     string               `json:"job_id,omitempty"`
	LogID     string               `json:"-"`
	ResultURL string               `json:"result_url,omitempty"`
	ErrorKind jobtracker.ErrorKind `json:"error_kind,omitempty"`
	Message   string               `json:"message,omitempty"`
	Refunded  bool                 `json:"refunded"`
	Attempt   *Attempt             `json:"-"`
}

// Config tunes deadlines.
type Config struct {
	WorkTimeout   time.Duration
	RefundTimeout time.Duration
}

// Orchestrator runs the deduct, job, dispatch, commit-or-refund sequence.
type Orchestrator struct {
	ledger  Ledger
	jobs    JobTracker
	history HistoryRecorder
	guard   Guard
	counter UsageCounter
	cfg     Config
}

func NewOrchestrator(ledger Ledger, jobs JobTracker, history HistoryRecorder, guard Guard, counter UsageCounter, cfg Config) *Orchestrator {
	if cfg.WorkTimeout <= 0 {
		cfg.WorkTimeout = 10 * time.Minute
	}
	if cfg.RefundTimeout <= 0 {
		cfg.RefundTimeout = 15 * time.Second
	}
	if guard == nil {
		guard = NewMemoryGuard()
	}
	return &Orchestrator{ledger: ledger, jobs: jobs, history: history, guard: guard, counter: counter, cfg: cfg}
}

// Run executes one attempt. The returned Outcome is always non-nil when the
// guard was acquired; the error wraps one of the package sentinels.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Outcome, error) {
	if req.Work == nil {
		return nil, errors.New("metering: request without work")
	}

	release, ok, err := o.guard.Acquire(ctx, req.UserID+":"+req.Tool.ID)
	if err != nil {
		return nil, fmt.Errorf("acquire in-flight guard: %w", err)
	}
	if !ok {
		return nil, ErrAttemptInFlight
	}
	defer release()

	attempt := newAttempt()
	out := &Outcome{Attempt: attempt}
	cost := req.Tool.Cost

	// Balance check. The procedure remains the authority.
	o.must(attempt, StateCheckingBalance)
	status := o.ledger.GetStatus(ctx, req.UserID, credits.StatusOptions{Email: req.Email, Force: true})
	if status.Credits < cost {
		return o.finish(out, req, StateInsufficient, 0), o.insufficient(out)
	}

	o.must(attempt, StateDeducting)
	logID, err := o.ledger.Deduct(ctx, req.UserID, cost, req.Tool.Name+" generation")
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			return o.finish(out, req, StateInsufficient, 0), o.insufficient(out)
		}
		out.Message = "Could not reserve credits. Please try again."
		return o.finish(out, req, StateDeductFailed, 0), fmt.Errorf("%w: %w", ErrDeductFailed, err)
	}
	out.LogID = logID

	out.JobID = o.jobs.CreateJob(ctx, jobtracker.NewJob{
		UserID:     req.UserID,
		ToolID:     req.Tool.ID,
		Prompt:     req.Prompt,
		Cost:       cost,
		UsageLogID: logID,
		Params:     req.Params,
	})
	o.must(attempt, StateJobCreated)

	o.must(attempt, StateDispatching)
	o.jobs.UpdateStatus(ctx, out.JobID, models.JobStatusProcessing, "", "")

	started := time.Now()
	resultURL, workErr := o.runWork(ctx, req.Work)
	elapsed := time.Since(started)

	if workErr == nil {
		out.ResultURL = resultURL
		o.jobs.UpdateStatus(ctx, out.JobID, models.JobStatusCompleted, resultURL, "")
		o.recordHistory(ctx, req, resultURL)
		if o.counter != nil {
			if err := o.counter.AddToolUse(context.WithoutCancel(ctx), req.Tool.ID); err != nil {
				log.Debugf("[Metering] Tool counter unavailable: %v", err)
			}
		}
		return o.finish(out, req, StateCompleted, elapsed), nil
	}

	kind := jobtracker.MapFriendlyErrorMessage(workErr.Error())
	if errors.Is(workErr, context.DeadlineExceeded) {
		kind = jobtracker.KindTimeout
	}

	// The refund must not depend on the caller still waiting.
	refundCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.RefundTimeout)
	o.ledger.Refund(refundCtx, req.UserID, cost, jobtracker.RefundDescription(req.Tool.Name, kind), logID)
	cancel()
	out.Refunded = true

	o.jobs.UpdateStatus(ctx, out.JobID, models.JobStatusFailed, "", workErr.Error())
	out.ErrorKind = kind
	out.Message = jobtracker.UserMessage(kind)
	log.Warnf("[Metering] %s for %s failed (%s): %v", req.Tool.ID, req.UserID, kind, workErr)
	return o.finish(out, req, StateFailed, elapsed), fmt.Errorf("%w: %w", ErrGenerationFailed, workErr)
}

func (o *Orchestrator) runWork(ctx context.Context, work WorkFunc) (url string, err error) {
	workCtx, cancel := context.WithTimeout(ctx, o.cfg.WorkTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("generation panicked: %v", r)
		}
	}()
	return work(workCtx)
}

func (o *Orchestrator) recordHistory(ctx context.Context, req Request, resultURL string) {
	if o.history == nil {
		return
	}
	var item models.HistoryItem
	if req.BuildHistory != nil {
		item = req.BuildHistory(resultURL)
	} else {
		item = models.HistoryItem{
			UserID:    req.UserID,
			Tool:      req.Tool.ID,
			Prompt:    req.Prompt,
			MediaURL:  resultURL,
			SourceURL: req.SourceURL,
			MediaType: req.Tool.MediaType,
		}
	}
	o.history.RecordAsync(ctx, item)
}

func (o *Orchestrator) insufficient(out *Outcome) error {
	out.ErrorKind = jobtracker.KindInsufficientCredits
	out.Message = jobtracker.UserMessage(jobtracker.KindInsufficientCredits)
	return ErrInsufficientCredits
}

func (o *Orchestrator) finish(out *Outcome, req Request, state State, elapsed time.Duration) *Outcome {
	o.must(out.Attempt, state)
	out.State = state
	metrics.RecordGeneration(req.Tool.ID, string(state), elapsed)
	return out
}

// must advances along a path Run guarantees to be legal.
func (o *Orchestrator) must(a *Attempt, to State) {
	if err := a.advance(to); err != nil {
		log.Errorf("[Metering] %v", err)
	}
}
