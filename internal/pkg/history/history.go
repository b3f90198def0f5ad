package history

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/ManuelReschke/RenderFox/app/models"
	"github.com/ManuelReschke/RenderFox/app/repository"
	"github.com/ManuelReschke/RenderFox/internal/pkg/tasks"
)

const (
	DefaultPageSize = 24
	MaxPageSize     = 100
	// MaxBulkDelete bounds POST /history/delete.
	MaxBulkDelete = 200
)

var (
	ErrNotFound    = repository.ErrNotFound
	ErrInvalidItem = errors.New("invalid history item")
)

// Page is one page of a user's gallery, newest first.
type Page struct {
	Items      []models.HistoryItem `json:"items"`
	Page       int                  `json:"page"`
	PageSize   int                  `json:"page_size"`
	Total      int64                `json:"total"`
	TotalPages int                  `json:"total_pages"`
}

type Service struct {
	repo  repository.HistoryRepository
	tasks tasks.Dispatcher
}

func NewService(repo repository.HistoryRepository, dispatcher tasks.Dispatcher) *Service {
	return &Service{repo: repo, tasks: dispatcher}
}

// Add stores a completed generation.
func (s *Service) Add(ctx context.Context, item models.HistoryItem) (*models.HistoryItem, error) {
	if err := validate(&item); err != nil {
		return nil, err
	}
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if err := s.repo.Create(ctx, &item); err != nil {
		return nil, fmt.Errorf("store history item: %w", err)
	}
	return &item, nil
}

// RecordAsync enqueues a history.record task. The id is assigned up front so
// a retried task inserts the same row.
func (s *Service) RecordAsync(ctx context.Context, item models.HistoryItem) {
	if err := validate(&item); err != nil {
		log.Warnf("[History] Dropping item for %s: %v", item.UserID, err)
		return
	}
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if _, err := s.tasks.Enqueue(context.WithoutCancel(ctx), tasks.TypeHistoryRecord, item); err != nil {
		log.Errorf("[History] Failed to enqueue item for %s: %v", item.UserID, err)
	}
}

// HandleTask is the tasks.TypeHistoryRecord handler.
func (s *Service) HandleTask(ctx context.Context, task *tasks.Task) error {
	var item models.HistoryItem
	if err := task.Decode(&item); err != nil {
		return err
	}
	_, err := s.Add(ctx, item)
	if err != nil && isDuplicate(err) {
		return nil
	}
	return err
}

// List returns page (1-based) of the user's items.
func (s *Service) List(ctx context.Context, userID string, page, pageSize int) (Page, error) {
	if page < 1 {
		page = 1
	}
	switch {
	case pageSize <= 0:
		pageSize = DefaultPageSize
	case pageSize > MaxPageSize:
		pageSize = MaxPageSize
	}

	items, total, err := s.repo.ListByUser(ctx, userID, (page-1)*pageSize, pageSize)
	if err != nil {
		return Page{}, fmt.Errorf("list history: %w", err)
	}
	if items == nil {
		items = []models.HistoryItem{}
	}
	return Page{
		Items:      items,
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: int((total + int64(pageSize) - 1) / int64(pageSize)),
	}, nil
}

// Delete removes one item owned by userID. Items of other users are
// reported as not found.
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	n, err := s.repo.Delete(ctx, userID, id)
	if err != nil {
		return fmt.Errorf("delete history item: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMany removes the listed items owned by userID and returns how many
// were deleted.
func (s *Service) DeleteMany(ctx context.Context, userID string, ids []string) (int64, error) {
	seen := make(map[string]struct{}, len(ids))
	clean := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		clean = append(clean, id)
	}
	if len(clean) > MaxBulkDelete {
		return 0, fmt.Errorf("%w: at most %d ids per request", ErrInvalidItem, MaxBulkDelete)
	}
	if len(clean) == 0 {
		return 0, nil
	}
	n, err := s.repo.DeleteMany(ctx, userID, clean)
	if err != nil {
		return 0, fmt.Errorf("delete history items: %w", err)
	}
	return n, nil
}

func validate(item *models.HistoryItem) error {
	switch {
	case item.UserID == "":
		return fmt.Errorf("%w: missing user", ErrInvalidItem)
	case item.MediaURL == "":
		return fmt.Errorf("%w: missing media url", ErrInvalidItem)
	case item.MediaType == "":
		item.MediaType = models.MediaTypeImage
	case item.MediaType != models.MediaTypeImage && item.MediaType != models.MediaTypeVideo:
		return fmt.Errorf("%w: media type %q", ErrInvalidItem, item.MediaType)
	}
	return nil
}

func isDuplicate(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "23505")
}
