package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/taskmesh/internal/store"
)

// CreateSchedule persists a Workflow Scheduler entry.
func (s *Store) CreateSchedule(ctx context.Context, sch *store.Schedule) error {
	start := time.Now()
	defer s.timeWrite(ctx, "create_schedule", start)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO schedules (id, cron_expr, template_name, max_concurrent, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, sch.ID, sch.CronExpr, sch.TemplateName, sch.MaxConcurrent, sch.CreatedAt)
	return wrapError("create_schedule", "schedule", err)
}

// DeleteSchedule removes a schedule.
func (s *Store) DeleteSchedule(ctx context.Context, id uuid.UUID) error {
	start := time.Now()
	defer s.timeWrite(ctx, "delete_schedule", start)

	_, err := s.pool.Exec(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	return wrapError("delete_schedule", "schedule", err)
}

// ListSchedules returns every registered schedule, loaded on boot to
// re-register cron entries.
func (s *Store) ListSchedules(ctx context.Context) ([]*store.Schedule, error) {
	start := time.Now()
	defer s.timeRead(ctx, "list_schedules", start)

	rows, err := s.pool.Query(ctx, `SELECT id, cron_expr, template_name, max_concurrent, created_at FROM schedules`)
	if err != nil {
		return nil, wrapError("list_schedules", "schedule", err)
	}
	defer rows.Close()

	var out []*store.Schedule
	for rows.Next() {
		var sch store.Schedule
		if err := rows.Scan(&sch.ID, &sch.CronExpr, &sch.TemplateName, &sch.MaxConcurrent, &sch.CreatedAt); err != nil {
			return nil, wrapError("list_schedules", "schedule", err)
		}
		out = append(out, &sch)
	}
	return out, wrapError("list_schedules", "schedule", rows.Err())
}
