package repos

import (
	"database/sql"
	"encoding/json"
	"os"
	"time"

	"publisher-sync/internal/models"
)

// Legacy flat-file snapshot written by older desktop builds. Consumed once:
// after a successful import the file is renamed with a .bak suffix so a
// second startup sees a non-empty table and does nothing.
type legacySnapshot struct {
	Jobs          []legacyJob          `json:"jobs"`
	Notifications []legacyNotification `json:"notifications"`
}

type legacyJob struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Direction    string          `json:"direction"`
	Payload      json.RawMessage `json:"payload"`
	Status       string          `json:"status"`
	Initiator    string          `json:"initiator"`
	DeviceTarget string          `json:"deviceTarget"`
	Notify       bool            `json:"notify"`
	ErrorMessage *string         `json:"errorMessage"`
	CreatedAt    string          `json:"createdAt"`
	UpdatedAt    string          `json:"updatedAt"`
}

type legacyNotification struct {
	JobID     *string `json:"jobId"`
	Message   string  `json:"message"`
	Level     string  `json:"level"`
	CreatedAt string  `json:"createdAt"`
}

func (r *QueueRepo) migrateLegacy() {
	if r.legacyPath == "" {
		return
	}
	var count int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM jobs`).Scan(&count); err != nil {
		r.log.Warn("legacy migration: count failed", "error", err)
		return
	}
	if count > 0 {
		return
	}

	raw, err := os.ReadFile(r.legacyPath)
	if err != nil {
		if !os.IsNotExist(err) {
			r.log.Warn("legacy migration: read failed", "path", r.legacyPath, "error", err)
		}
		return
	}
	var snap legacySnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		r.log.Warn("legacy migration: parse failed, skipping", "path", r.legacyPath, "error", err)
		return
	}

	notes := snap.Notifications
	if len(notes) > notificationCap {
		notes = notes[len(notes)-notificationCap:]
	}

	now := r.now()
	importedIDs := make(map[string]bool, len(snap.Jobs))
	err = r.WithTx(func(tx *sql.Tx) error {
		for _, lj := range snap.Jobs {
			id := lj.ID
			if id == "" {
				id = r.newID()
			}
			importedIDs[id] = true
			status := lj.Status
			if !models.JobStatus(status).Valid() {
				status = string(models.JobPending)
			}
			direction := lj.Direction
			if !models.Direction(direction).Valid() {
				direction = string(models.DirectionDesktopToMobile)
			}
			payload := lj.Payload
			if len(payload) == 0 {
				payload = json.RawMessage(`{}`)
			}
			createdAt := parseLegacyTime(lj.CreatedAt, now)
			updatedAt := parseLegacyTime(lj.UpdatedAt, createdAt)
			if _, err := tx.Exec(`
				INSERT INTO jobs (id, type, direction, payload, status, initiator, device_target, notify, error_message, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, id, lj.Type, direction, string(payload), status,
				lj.Initiator, lj.DeviceTarget, lj.Notify, lj.ErrorMessage, createdAt, updatedAt); err != nil {
				return err
			}
		}
		for _, ln := range notes {
			jobID := ln.JobID
			// Drop dangling job references rather than violate the FK.
			if jobID != nil && !importedIDs[*jobID] {
				jobID = nil
			}
			level := ln.Level
			switch models.NotificationLevel(level) {
			case models.LevelInfo, models.LevelWarn, models.LevelError:
			default:
				level = string(models.LevelInfo)
			}
			if _, err := tx.Exec(`
				INSERT INTO notifications (job_id, message, level, created_at)
				VALUES (?, ?, ?, ?)
			`, jobID, ln.Message, level, parseLegacyTime(ln.CreatedAt, now)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		r.log.Warn("legacy migration: import failed, skipping", "path", r.legacyPath, "error", err)
		return
	}

	if err := os.Rename(r.legacyPath, r.legacyPath+".bak"); err != nil {
		r.log.Warn("legacy migration: rename failed", "path", r.legacyPath, "error", err)
	}
	r.log.Info("legacy queue migrated",
		"jobs", len(snap.Jobs),
		"notifications", len(notes),
		"path", r.legacyPath)
}

func parseLegacyTime(v string, fallback time.Time) time.Time {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC()
	}
	return fallback
}
