package jobtracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/ManuelReschke/RenderFox/app/models"
	"github.com/ManuelReschke/RenderFox/app/repository"
	"github.com/ManuelReschke/RenderFox/internal/pkg/tasks"
)

// ErrConcurrentUpdate signals a lost compare-and-set; the task is retried
// and re-evaluated against the new row.
var ErrConcurrentUpdate = errors.New("job changed concurrently")

// NewJob is the input of CreateJob. UsageLogID must come from a
// successful deduction.
type NewJob struct {
	UserID     string
	ToolID     string
	Prompt     string
	Cost       int
	UsageLogID string
	Params     map[string]interface{}
}

// StatusUpdate is the job.status task payload.
type StatusUpdate struct {
	JobID        string `json:"job_id"`
	Status       string `json:"status"`
	ResultURL    string `json:"result_url,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Tracker records generation jobs. Tracking is telemetry: nothing here
// may fail the generation that it describes.
type Tracker struct {
	jobs  repository.JobRepository
	tasks tasks.Dispatcher
}

func NewTracker(jobs repository.JobRepository, dispatcher tasks.Dispatcher) *Tracker {
	return &Tracker{jobs: jobs, tasks: dispatcher}
}

// CreateJob inserts a pending job and returns its id, or "" on failure.
func (t *Tracker) CreateJob(ctx context.Context, in NewJob) string {
	job := &models.GenerationJob{
		ID:         uuid.New().String(),
		UserID:     in.UserID,
		ToolID:     in.ToolID,
		Prompt:     in.Prompt,
		Cost:       in.Cost,
		UsageLogID: in.UsageLogID,
		Status:     models.JobStatusPending,
	}
	if len(in.Params) > 0 {
		if raw, err := json.Marshal(in.Params); err == nil {
			job.Params = datatypes.JSON(raw)
		}
	}

	if err := t.jobs.Create(ctx, job); err != nil {
		log.Warnf("[JobTracker] Failed to create job for %s/%s: %v", in.UserID, in.ToolID, err)
		return ""
	}
	return job.ID
}

// UpdateStatus hands the write to the task queue and returns immediately.
func (t *Tracker) UpdateStatus(ctx context.Context, jobID, status, resultURL, errorMessage string) {
	if jobID == "" {
		return
	}
	update := StatusUpdate{JobID: jobID, Status: status, ResultURL: resultURL, ErrorMessage: truncate(errorMessage, 2000)}
	if _, err := t.tasks.Enqueue(context.WithoutCancel(ctx), tasks.TypeJobStatus, update); err != nil {
		log.Warnf("[JobTracker] Failed to enqueue status %s for job %s: %v", status, jobID, err)
	}
}

// ApplyStatus validates and writes one transition.
func (t *Tracker) ApplyStatus(ctx context.Context, update StatusUpdate) error {
	job, err := t.jobs.GetByID(ctx, update.JobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", update.JobID, err)
	}
	if job.Status == update.Status {
		return nil
	}
	if !models.CanTransitionJob(job.Status, update.Status) {
		log.Warnf("[JobTracker] Ignoring %s -> %s for job %s", job.Status, update.Status, job.ID)
		return nil
	}

	ok, err := t.jobs.UpdateStatus(ctx, job.ID, job.Status, update.Status, update.ResultURL, update.ErrorMessage)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrConcurrentUpdate, job.ID)
	}
	return nil
}

// HandleTask is the tasks.TypeJobStatus handler.
func (t *Tracker) HandleTask(ctx context.Context, task *tasks.Task) error {
	var update StatusUpdate
	if err := task.Decode(&update); err != nil {
		return err
	}
	return t.ApplyStatus(ctx, update)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	// cut on a rune boundary so the column stays valid UTF-8
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
