package store

import (
	"context"

	"github.com/seantiz/forge/internal/model"
)

// TaskStats holds aggregate statistics over the task ledger.
type TaskStats struct {
	Total           int            `json:"total"`
	CountByStatus   map[string]int `json:"count_by_status"`
	CountByMsgType  map[string]int `json:"count_by_msg_type"`
	UnmetDependency int            `json:"unmet_dependency"`
	AvgDurationMS   float64        `json:"avg_duration_ms"`
}

// TaskFilter narrows ListTasks. Zero fields match everything.
type TaskFilter struct {
	Status  model.Status
	MsgType string
}

// Store defines the persistence operations for the task ledger.
type Store interface {
	RecordTask(ctx context.Context, rec *model.TaskRecord) error
	GetTask(ctx context.Context, msgID string) (*model.TaskRecord, error)
	ListTasks(ctx context.Context, filter TaskFilter, limit, offset int) ([]*model.TaskRecord, int, error)
	GetTaskStats(ctx context.Context) (*TaskStats, error)
	Close() error
}
