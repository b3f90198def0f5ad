package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/RenderFox/app/models"
	"github.com/ManuelReschke/RenderFox/internal/pkg/tasks"
)

type memRepo struct {
	mu    sync.Mutex
	items []models.HistoryItem
	fail  error
}

func (m *memRepo) Create(_ context.Context, item *models.HistoryItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	for _, it := range m.items {
		if it.ID == item.ID {
			return errors.New(`ERROR: duplicate key value violates unique constraint "generated_assets_pkey" (SQLSTATE 23505)`)
		}
	}
	item.CreatedAt = time.Now()
	m.items = append([]models.HistoryItem{*item}, m.items...)
	return nil
}

func (m *memRepo) ListByUser(_ context.Context, userID string, offset, limit int) ([]models.HistoryItem, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var mine []models.HistoryItem
	for _, it := range m.items {
		if it.UserID == userID {
			mine = append(mine, it)
		}
	}
	total := int64(len(mine))
	if offset >= len(mine) {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(mine) {
		end = len(mine)
	}
	return mine[offset:end], total, nil
}

func (m *memRepo) Delete(_ context.Context, userID, id string) (int64, error) {
	return m.DeleteMany(context.Background(), userID, []string{id})
}

func (m *memRepo) DeleteMany(_ context.Context, userID string, ids []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var kept []models.HistoryItem
	var n int64
	for _, it := range m.items {
		if it.UserID == userID && want[it.ID] {
			n++
			continue
		}
		kept = append(kept, it)
	}
	m.items = kept
	return n, nil
}

func newService(repo *memRepo) (*Service, *tasks.InlineDispatcher) {
	reg := tasks.NewRegistry()
	d := tasks.NewInlineDispatcher(reg, tasks.Options{MaxRetries: 1, RetryBase: time.Millisecond})
	s := NewService(repo, d)
	reg.Register(tasks.TypeHistoryRecord, s.HandleTask)
	return s, d
}

func TestAddValidates(t *testing.T) {
	s, _ := newService(&memRepo{})

	_, err := s.Add(context.Background(), models.HistoryItem{MediaURL: "https://cdn/a.png"})
	assert.ErrorIs(t, err, ErrInvalidItem)

	_, err = s.Add(context.Background(), models.HistoryItem{UserID: "u1", MediaURL: "x", MediaType: "audio"})
	assert.ErrorIs(t, err, ErrInvalidItem)

	item, err := s.Add(context.Background(), models.HistoryItem{UserID: "u1", MediaURL: "https://cdn/a.png"})
	require.NoError(t, err)
	assert.NotEmpty(t, item.ID)
	assert.Equal(t, models.MediaTypeImage, item.MediaType)
}

func TestRecordAsyncStoresThroughTask(t *testing.T) {
	repo := &memRepo{}
	s, d := newService(repo)

	s.RecordAsync(context.Background(), models.HistoryItem{UserID: "u1", Tool: "render", MediaURL: "https://cdn/a.png"})
	s.RecordAsync(context.Background(), models.HistoryItem{UserID: "u1"})
	d.Wait()

	page, err := s.List(context.Background(), "u1", 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "render", page.Items[0].Tool)
}

func TestHandleTaskToleratesDuplicates(t *testing.T) {
	repo := &memRepo{}
	s, _ := newService(repo)
	item := models.HistoryItem{ID: "11111111-1111-1111-1111-111111111111", UserID: "u1", MediaURL: "https://cdn/a.png"}
	_, err := s.Add(context.Background(), item)
	require.NoError(t, err)

	task := &tasks.Task{Type: tasks.TypeHistoryRecord, Payload: []byte(`{"id":"11111111-1111-1111-1111-111111111111","user_id":"u1","media_url":"https://cdn/a.png"}`)}
	assert.NoError(t, s.HandleTask(context.Background(), task))
	assert.Len(t, repo.items, 1)
}

func TestListPagination(t *testing.T) {
	repo := &memRepo{}
	s, _ := newService(repo)
	for i := 0; i < 5; i++ {
		_, err := s.Add(context.Background(), models.HistoryItem{UserID: "u1", MediaURL: "https://cdn/x.png"})
		require.NoError(t, err)
	}
	_, _ = s.Add(context.Background(), models.HistoryItem{UserID: "u2", MediaURL: "https://cdn/y.png"})

	page, err := s.List(context.Background(), "u1", 2, 2)
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	assert.Equal(t, int64(5), page.Total)
	assert.Equal(t, 3, page.TotalPages)

	page, err = s.List(context.Background(), "u1", 9, 2)
	require.NoError(t, err)
	assert.NotNil(t, page.Items)
	assert.Empty(t, page.Items)

	page, err = s.List(context.Background(), "u1", 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, MaxPageSize, page.PageSize)
}

func TestDeleteEnforcesOwnership(t *testing.T) {
	repo := &memRepo{}
	s, _ := newService(repo)
	item, err := s.Add(context.Background(), models.HistoryItem{UserID: "u1", MediaURL: "https://cdn/a.png"})
	require.NoError(t, err)

	assert.ErrorIs(t, s.Delete(context.Background(), "u2", item.ID), ErrNotFound)
	assert.NoError(t, s.Delete(context.Background(), "u1", item.ID))
	assert.ErrorIs(t, s.Delete(context.Background(), "u1", item.ID), ErrNotFound)
}

func TestDeleteManyDedupesAndScopes(t *testing.T) {
	repo := &memRepo{}
	s, _ := newService(repo)
	a, _ := s.Add(context.Background(), models.HistoryItem{UserID: "u1", MediaURL: "https://cdn/a.png"})
	b, _ := s.Add(context.Background(), models.HistoryItem{UserID: "u1", MediaURL: "https://cdn/b.png"})
	c, _ := s.Add(context.Background(), models.HistoryItem{UserID: "u2", MediaURL: "https://cdn/c.png"})

	n, err := s.DeleteMany(context.Background(), "u1", []string{a.ID, a.ID, " ", b.ID, c.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Len(t, repo.items, 1)

	n, err = s.DeleteMany(context.Background(), "u1", nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	ids := make([]string, MaxBulkDelete+1)
	for i := range ids {
		ids[i] = fmt.Sprintf("id-%d", i)
	}
	_, err = s.DeleteMany(context.Background(), "u1", ids)
	assert.ErrorIs(t, err, ErrInvalidItem)
}
