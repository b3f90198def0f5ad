package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/RenderFox/app/models"
)

type toolUsageRepository struct {
	db *gorm.DB
}

// NewToolUsageRepository creates a tool usage repository backed by GORM.
func NewToolUsageRepository(db *gorm.DB) ToolUsageRepository {
	return &toolUsageRepository{db: db}
}

// AddCounts upserts the day's counters, adding to existing rows.
func (r *toolUsageRepository) AddCounts(ctx context.Context, day time.Time, counts map[string]int64) error {
	if len(counts) == 0 {
		return nil
	}
	day = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)

	rows := make([]models.ToolUsageDaily, 0, len(counts))
	for toolID, n := range counts {
		if n <= 0 {
			continue
		}
		rows = append(rows, models.ToolUsageDaily{Day: day, ToolID: toolID, Count: n})
	}
	if len(rows) == 0 {
		return nil
	}

	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "day"}, {Name: "tool_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"count": gorm.Expr("tool_usage_daily.count + EXCLUDED.count"),
		}),
	}).Create(&rows).Error
}
