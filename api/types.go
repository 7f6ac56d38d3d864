package api

import (
	"context"

	"taskist-core/domain"
	"taskist-core/replication"
)

// Tasks is the task-mutation surface the handlers call. Implemented by
// domain.TaskService.
type Tasks interface {
	GetAll(ctx context.Context) ([]domain.Task, error)
	Add(ctx context.Context, title string, opts domain.AddOptions) (domain.Task, error)
	Update(ctx context.Context, t domain.Task) (domain.Task, error)
	Delete(ctx context.Context, id string) error
	ToggleCompletion(ctx context.Context, id string) (domain.Task, error)
	Reorder(ctx context.Context, id string, dir domain.Direction) error
	MoveToPosition(ctx context.Context, draggedID, targetID string) error
}

// SettingsGateway persists sync settings at rest.
type SettingsGateway interface {
	Get() (domain.SyncSettings, error)
	Save(s domain.SyncSettings) error
	Clear() error
}

// SyncController controls the replication engine lifecycle.
type SyncController interface {
	GetState() replication.State
	OnStateChanged(fn func(replication.State)) func()
	Start(settings domain.SyncSettings) error
	Stop()
	Restart(settings domain.SyncSettings) error
}
