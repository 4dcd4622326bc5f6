// Package storage archives finished tasks in SQLite.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/qentl-scheduler/internal/model"
)

// ErrRecordNotFound is returned by Get for unknown record IDs
var ErrRecordNotFound = errors.New("task history record not found")

// TaskHistory represents an archived task
type TaskHistory struct {
	ID             string             `json:"id"`
	TaskID         model.TaskID       `json:"task_id"`
	Type           string             `json:"type"`
	ResourceType   model.ResourceType `json:"resource_type,omitempty"`
	Priority       model.TaskPriority `json:"priority"`
	Status         model.TaskStatus   `json:"status"`
	AssignedUnitID model.UnitID       `json:"assigned_unit_id,omitempty"`
	ResourceDemand float64            `json:"resource_demand"`
	Payload        []byte             `json:"payload,omitempty"`
	Result         []byte             `json:"result,omitempty"`
	Error          string             `json:"error,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	StartedAt      *time.Time         `json:"started_at,omitempty"`
	CompletedAt    *time.Time         `json:"completed_at,omitempty"`
	Duration       time.Duration      `json:"duration,omitempty"`
	ArchivedAt     time.Time          `json:"archived_at"`
}

// HistoryFilter narrows List and Count. Zero fields match everything.
type HistoryFilter struct {
	Status model.TaskStatus
	Type   string
	Since  time.Time
}

func (f HistoryFilter) where() (string, []interface{}) {
	var (
		clauses []string
		args    []interface{}
	)
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, f.Type)
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "archived_at >= ?")
		args = append(args, f.Since.UTC())
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// TaskHistoryStorage defines the interface for task history storage
type TaskHistoryStorage interface {
	// Archive stores finished tasks in one transaction
	Archive(ctx context.Context, tasks []model.Task) error

	// Get retrieves an archived task by record ID
	Get(ctx context.Context, id string) (*TaskHistory, error)

	// List retrieves archived tasks, newest first
	List(ctx context.Context, filter HistoryFilter, offset, limit int) ([]*TaskHistory, error)

	// Count returns the number of records matching the filter
	Count(ctx context.Context, filter HistoryFilter) (int, error)

	// DeleteBefore deletes records archived before the specified time
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)

	Close() error
}

// SQLiteTaskHistory implements TaskHistoryStorage using SQLite
type SQLiteTaskHistory struct {
	logger *zap.Logger
	db     *sql.DB
	now    func() time.Time
}

// NewSQLiteTaskHistory opens or creates the archive at dbPath
func NewSQLiteTaskHistory(logger *zap.Logger, dbPath string) (*SQLiteTaskHistory, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	storage := &SQLiteTaskHistory{
		logger: logger.Named("task-history"),
		db:     db,
		now:    time.Now,
	}

	if err := storage.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return storage, nil
}

func (s *SQLiteTaskHistory) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS task_history (
			id TEXT PRIMARY KEY,
			task_id INTEGER NOT NULL,
			type TEXT NOT NULL,
			resource_type TEXT,
			priority INTEGER NOT NULL,
			status TEXT NOT NULL,
			unit_id INTEGER,
			demand REAL NOT NULL,
			payload BLOB,
			result BLOB,
			error TEXT,
			created_at DATETIME NOT NULL,
			started_at DATETIME,
			completed_at DATETIME,
			duration INTEGER,
			archived_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_task_history_task_id ON task_history(task_id);
		CREATE INDEX IF NOT EXISTS idx_task_history_type ON task_history(type);
		CREATE INDEX IF NOT EXISTS idx_task_history_status ON task_history(status);
		CREATE INDEX IF NOT EXISTS idx_task_history_archived_at ON task_history(archived_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Archive implements TaskHistoryStorage.Archive
func (s *SQLiteTaskHistory) Archive(ctx context.Context, tasks []model.Task) error {
	if len(tasks) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO task_history (
			id, task_id, type, resource_type, priority, status, unit_id, demand,
			payload, result, error, created_at, started_at, completed_at, duration, archived_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	archivedAt := s.now().UTC()
	for _, task := range tasks {
		_, err := stmt.ExecContext(ctx,
			uuid.NewString(),
			int64(task.ID),
			task.Type,
			sql.NullString{String: string(task.ResourceType), Valid: task.ResourceType != ""},
			int(task.Priority),
			string(task.Status),
			sql.NullInt64{Int64: int64(task.AssignedUnitID), Valid: task.AssignedUnitID != 0},
			task.ResourceDemand,
			task.Payload,
			task.Result,
			sql.NullString{String: task.Error, Valid: task.Error != ""},
			task.CreatedAt.UTC(),
			nullTime(task.StartedAt),
			nullTime(task.CompletedAt),
			sql.NullInt64{Int64: int64(task.ActualDuration), Valid: task.ActualDuration != 0},
			archivedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to archive task %d: %w", task.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit archive: %w", err)
	}

	s.logger.Debug("Archived tasks", zap.Int("count", len(tasks)))
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

const selectColumns = `SELECT
	id, task_id, type, resource_type, priority, status, unit_id, demand,
	payload, result, error, created_at, started_at, completed_at, duration, archived_at
FROM task_history`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanHistory(row scanner) (*TaskHistory, error) {
	var (
		history       TaskHistory
		taskID        int64
		resourceType  sql.NullString
		unitID        sql.NullInt64
		errorStr      sql.NullString
		startedAt     sql.NullTime
		completedAt   sql.NullTime
		durationNanos sql.NullInt64
		priority      int
		status        string
	)

	err := row.Scan(
		&history.ID,
		&taskID,
		&history.Type,
		&resourceType,
		&priority,
		&status,
		&unitID,
		&history.ResourceDemand,
		&history.Payload,
		&history.Result,
		&errorStr,
		&history.CreatedAt,
		&startedAt,
		&completedAt,
		&durationNanos,
		&history.ArchivedAt,
	)
	if err != nil {
		return nil, err
	}

	history.TaskID = model.TaskID(taskID)
	history.Priority = model.TaskPriority(priority)
	history.Status = model.TaskStatus(status)
	if resourceType.Valid {
		history.ResourceType = model.ResourceType(resourceType.String)
	}
	if unitID.Valid {
		history.AssignedUnitID = model.UnitID(unitID.Int64)
	}
	if errorStr.Valid {
		history.Error = errorStr.String
	}
	if startedAt.Valid {
		history.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		history.CompletedAt = &completedAt.Time
	}
	if durationNanos.Valid {
		history.Duration = time.Duration(durationNanos.Int64)
	}
	return &history, nil
}

// Get implements TaskHistoryStorage.Get
func (s *SQLiteTaskHistory) Get(ctx context.Context, id string) (*TaskHistory, error) {
	history, err := scanHistory(s.db.QueryRowContext(ctx, selectColumns+" WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
		}
		return nil, fmt.Errorf("failed to scan task history: %w", err)
	}
	return history, nil
}

// List implements TaskHistoryStorage.List
func (s *SQLiteTaskHistory) List(ctx context.Context, filter HistoryFilter, offset, limit int) ([]*TaskHistory, error) {
	if offset < 0 || limit < 0 {
		return nil, fmt.Errorf("%w: offset and limit must not be negative", model.ErrInvalidArgument)
	}
	if limit == 0 {
		limit = -1
	}

	where, args := filter.where()
	query := selectColumns + where + " ORDER BY archived_at DESC, task_id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list task history: %w", err)
	}
	defer rows.Close()

	var histories []*TaskHistory
	for rows.Next() {
		history, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task history: %w", err)
		}
		histories = append(histories, history)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return histories, nil
}

// Count implements TaskHistoryStorage.Count
func (s *SQLiteTaskHistory) Count(ctx context.Context, filter HistoryFilter) (int, error) {
	where, args := filter.where()

	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM task_history"+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count task history: %w", err)
	}
	return count, nil
}

// DeleteBefore implements TaskHistoryStorage.DeleteBefore
func (s *SQLiteTaskHistory) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM task_history WHERE archived_at < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete task history: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old task history records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}

// Close closes the database connection
func (s *SQLiteTaskHistory) Close() error {
	return s.db.Close()
}
