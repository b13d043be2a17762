package repos

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"publisher-sync/internal/models"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

// The notification log keeps only the most recent rows, ring-buffer style.
const notificationCap = 200

var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		direction TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'pending',
		initiator TEXT NOT NULL DEFAULT '',
		device_target TEXT NOT NULL DEFAULT '',
		notify INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_queue ON jobs (direction, status, updated_at);`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_type ON jobs (type);`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT REFERENCES jobs(id) ON DELETE CASCADE,
		message TEXT NOT NULL,
		level TEXT NOT NULL DEFAULT 'info',
		created_at DATETIME NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_created ON notifications (created_at DESC);`,
}

// QueueRepo owns the durable job queue and the notification log.
type QueueRepo struct {
	db         *sql.DB
	legacyPath string
	log        *slog.Logger

	initOnce sync.Once
	initErr  error

	newID func() string
	now   func() time.Time
}

func NewQueueRepo(db *sql.DB, legacyPath string, log *slog.Logger) *QueueRepo {
	return &QueueRepo{
		db:         db,
		legacyPath: legacyPath,
		log:        log,
		newID:      uuid.NewString,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Init bootstraps the schema and runs the one-time legacy migration. It is
// safe to call from multiple goroutines; every caller observes the outcome
// of the single run.
func (r *QueueRepo) Init() error {
	r.initOnce.Do(func() {
		if _, err := r.db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
			r.initErr = fmt.Errorf("enable foreign keys: %w", err)
			return
		}
		for _, stmt := range schema {
			if _, err := r.db.Exec(stmt); err != nil {
				r.initErr = fmt.Errorf("bootstrap schema: %w", err)
				return
			}
		}
		// Migration problems degrade to an empty store rather than failing
		// startup.
		r.migrateLegacy()
	})
	return r.initErr
}

func (r *QueueRepo) WithTx(fn func(tx *sql.Tx) error) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type AddJobInput struct {
	Type         string
	Direction    models.Direction
	Payload      json.RawMessage
	Initiator    string
	DeviceTarget string
	Notify       bool
}

// AddJob inserts a pending job and, when notify is set, an accompanying
// informational notification, inside one transaction.
func (r *QueueRepo) AddJob(in AddJobInput) (*models.Job, error) {
	if err := r.Init(); err != nil {
		return nil, err
	}
	payload := in.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	now := r.now()
	job := &models.Job{
		ID:           r.newID(),
		Type:         in.Type,
		Direction:    in.Direction,
		Payload:      payload,
		Status:       models.JobPending,
		Initiator:    in.Initiator,
		DeviceTarget: in.DeviceTarget,
		Notify:       in.Notify,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := r.WithTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO jobs (id, type, direction, payload, status, initiator, device_target, notify, error_message, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)
		`, job.ID, job.Type, string(job.Direction), string(job.Payload), string(job.Status),
			job.Initiator, job.DeviceTarget, job.Notify, job.CreatedAt, job.UpdatedAt)
		if err != nil {
			return err
		}
		if job.Notify {
			msg := fmt.Sprintf("job %s queued (%s)", job.Type, job.Direction)
			if err := r.addNotificationTx(tx, &job.ID, msg, models.LevelInfo, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

type JobFilter struct {
	Direction models.Direction
	Status    models.JobStatus
	Types     []string
	Since     time.Time
	Limit     int
}

// ListJobs returns jobs matching every supplied filter field, newest-created
// first. Zero-valued fields apply no constraint.
func (r *QueueRepo) ListJobs(f JobFilter) ([]models.Job, error) {
	if err := r.Init(); err != nil {
		return nil, err
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	query := strings.Builder{}
	query.WriteString(`
		SELECT id, type, direction, payload, status, initiator, device_target, notify, error_message, created_at, updated_at
		FROM jobs WHERE 1=1`)
	args := []any{}
	if f.Direction != "" {
		query.WriteString(` AND direction = ?`)
		args = append(args, string(f.Direction))
	}
	if f.Status != "" {
		query.WriteString(` AND status = ?`)
		args = append(args, string(f.Status))
	}
	if len(f.Types) > 0 {
		query.WriteString(` AND type IN (?` + strings.Repeat(",?", len(f.Types)-1) + `)`)
		for _, t := range f.Types {
			args = append(args, t)
		}
	}
	if !f.Since.IsZero() {
		query.WriteString(` AND updated_at >= ?`)
		args = append(args, f.Since.UTC())
	}
	query.WriteString(` ORDER BY created_at DESC, rowid DESC LIMIT ?`)
	args = append(args, limit)

	rows, err := r.db.Query(query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := make([]models.Job, 0, limit)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

type JobPatch struct {
	Status       *models.JobStatus
	Payload      json.RawMessage
	ErrorMessage *string
	DeviceTarget *string
}

// UpdateJob applies only the supplied fields and always bumps updated_at.
// A status change appends a notification: level error when the new status is
// failed, info otherwise. Returns ErrNotFound when no row matches.
func (r *QueueRepo) UpdateJob(id string, patch JobPatch) (*models.Job, error) {
	if err := r.Init(); err != nil {
		return nil, err
	}
	var out *models.Job
	err := r.WithTx(func(tx *sql.Tx) error {
		existing, err := findJobTx(tx, id)
		if err != nil {
			return err
		}

		now := r.now()
		if !now.After(existing.UpdatedAt) {
			now = existing.UpdatedAt.Add(time.Millisecond)
		}

		sets := []string{"updated_at = ?"}
		args := []any{now}
		if patch.Status != nil {
			sets = append(sets, "status = ?")
			args = append(args, string(*patch.Status))
			existing.Status = *patch.Status
		}
		if patch.Payload != nil {
			sets = append(sets, "payload = ?")
			args = append(args, string(patch.Payload))
			existing.Payload = patch.Payload
		}
		if patch.ErrorMessage != nil {
			sets = append(sets, "error_message = ?")
			args = append(args, *patch.ErrorMessage)
			existing.ErrorMessage = patch.ErrorMessage
		}
		if patch.DeviceTarget != nil {
			sets = append(sets, "device_target = ?")
			args = append(args, *patch.DeviceTarget)
			existing.DeviceTarget = *patch.DeviceTarget
		}
		args = append(args, id)
		if _, err := tx.Exec(`UPDATE jobs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...); err != nil {
			return err
		}

		statusChanged := patch.Status != nil && *patch.Status != existing.statusBefore
		if statusChanged {
			level := models.LevelInfo
			if *patch.Status == models.JobFailed {
				level = models.LevelError
			}
			msg := fmt.Sprintf("job %s is %s", existing.Type, *patch.Status)
			if err := r.addNotificationTx(tx, &existing.ID, msg, level, now); err != nil {
				return err
			}
		}
		existing.UpdatedAt = now
		out = &existing.Job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FindJob is a single-row lookup by primary key.
func (r *QueueRepo) FindJob(id string) (*models.Job, error) {
	if err := r.Init(); err != nil {
		return nil, err
	}
	row := r.db.QueryRow(`
		SELECT id, type, direction, payload, status, initiator, device_target, notify, error_message, created_at, updated_at
		FROM jobs WHERE id = ?
	`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return j, nil
}

// AddNotification inserts a row and prunes the log back to the cap in the
// same transaction.
func (r *QueueRepo) AddNotification(jobID *string, message string, level models.NotificationLevel) (*models.Notification, error) {
	if err := r.Init(); err != nil {
		return nil, err
	}
	now := r.now()
	var n *models.Notification
	err := r.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO notifications (job_id, message, level, created_at)
			VALUES (?, ?, ?, ?)
		`, jobID, message, string(level), now)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		n = &models.Notification{ID: id, JobID: jobID, Message: message, Level: level, CreatedAt: now}
		return pruneNotificationsTx(tx)
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (r *QueueRepo) ListNotifications(limit int) ([]models.Notification, error) {
	if err := r.Init(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(`
		SELECT id, job_id, message, level, created_at
		FROM notifications
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Notification, 0, limit)
	for rows.Next() {
		var n models.Notification
		var jobID sql.NullString
		var level string
		if err := rows.Scan(&n.ID, &jobID, &n.Message, &level, &n.CreatedAt); err != nil {
			return nil, err
		}
		if jobID.Valid {
			n.JobID = &jobID.String
		}
		n.Level = models.NotificationLevel(level)
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *QueueRepo) RemoveNotification(id int64) error {
	if err := r.Init(); err != nil {
		return err
	}
	res, err := r.db.Exec(`DELETE FROM notifications WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *QueueRepo) ClearNotifications() error {
	if err := r.Init(); err != nil {
		return err
	}
	_, err := r.db.Exec(`DELETE FROM notifications`)
	return err
}

func (r *QueueRepo) addNotificationTx(tx *sql.Tx, jobID *string, message string, level models.NotificationLevel, at time.Time) error {
	if _, err := tx.Exec(`
		INSERT INTO notifications (job_id, message, level, created_at)
		VALUES (?, ?, ?, ?)
	`, jobID, message, string(level), at); err != nil {
		return err
	}
	return pruneNotificationsTx(tx)
}

func pruneNotificationsTx(tx *sql.Tx) error {
	_, err := tx.Exec(`
		DELETE FROM notifications WHERE id NOT IN (
			SELECT id FROM notifications ORDER BY created_at DESC, id DESC LIMIT ?
		)
	`, notificationCap)
	return err
}

type jobRow struct {
	models.Job
	statusBefore models.JobStatus
}

func findJobTx(tx *sql.Tx, id string) (*jobRow, error) {
	row := tx.QueryRow(`
		SELECT id, type, direction, payload, status, initiator, device_target, notify, error_message, created_at, updated_at
		FROM jobs WHERE id = ?
	`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &jobRow{Job: *j, statusBefore: j.Status}, nil
}

func scanJob(row interface{ Scan(dest ...any) error }) (*models.Job, error) {
	var j models.Job
	var direction, status, payload string
	var errMsg sql.NullString
	if err := row.Scan(&j.ID, &j.Type, &direction, &payload, &status,
		&j.Initiator, &j.DeviceTarget, &j.Notify, &errMsg, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Direction = models.Direction(direction)
	j.Status = models.JobStatus(status)
	j.Payload = json.RawMessage(payload)
	if errMsg.Valid {
		j.ErrorMessage = &errMsg.String
	}
	return &j, nil
}
