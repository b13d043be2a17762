// Package services holds the projection step that turns committed jobs into
// per-type snapshot files for the mobile consumer. Snapshots are a disposable
// cache: a failure here is logged and counted, never surfaced to the caller.
package services

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"publisher-sync/internal/models"
	"publisher-sync/internal/observability/metrics"
)

// Materializer consumes committed jobs from a bounded channel and writes
// per-type JSON snapshots. Enqueue never blocks the request path: when the
// channel is full the job is dropped and logged.
type Materializer struct {
	dir string
	log *slog.Logger
	now func() time.Time

	jobs chan models.Job
	done chan struct{}
}

func NewMaterializer(dir string, log *slog.Logger) *Materializer {
	m := &Materializer{
		dir:  dir,
		log:  log,
		now:  func() time.Time { return time.Now().UTC() },
		jobs: make(chan models.Job, 64),
		done: make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *Materializer) run() {
	for job := range m.jobs {
		m.Apply(job)
	}
	close(m.done)
}

// Enqueue hands a job to the projection worker without waiting for the write.
func (m *Materializer) Enqueue(job models.Job) {
	select {
	case m.jobs <- job:
	default:
		m.log.Warn("materializer queue full, dropping job", "job_id", job.ID, "type", job.Type)
		metrics.MaterializationsTotal.WithLabelValues(job.Type, "dropped").Inc()
	}
}

// Close drains the queue and stops the worker.
func (m *Materializer) Close() {
	close(m.jobs)
	<-m.done
}

// Apply projects one job synchronously. Errors are absorbed here.
func (m *Materializer) Apply(job models.Job) {
	err := m.project(job)
	result := "success"
	if err != nil {
		result = "error"
		m.log.Warn("materialization failed", "job_id", job.ID, "type", job.Type, "error", err)
	}
	metrics.MaterializationsTotal.WithLabelValues(job.Type, result).Inc()
}

func (m *Materializer) project(job models.Job) error {
	switch job.Type {
	case models.TypeWeeklySchedule:
		return m.projectWeekly(job.Payload)
	case models.TypeCommunications:
		return m.projectCommunications(job.Payload)
	case models.TypeWeekendSchedule:
		return m.projectWeekend(job)
	default:
		return m.writeRaw(job.Type, job.Payload)
	}
}

// projectWeekly merges incoming week entries into the existing snapshot
// array, keyed by week start, so repeated syncs for the same week are
// idempotent and order-independent.
func (m *Materializer) projectWeekly(payload json.RawMessage) error {
	existing := m.readWeeks()

	for _, week := range incomingWeeks(payload) {
		key := weekKey(week)
		replaced := false
		for i, have := range existing {
			if weekKey(have) == key {
				existing[i] = week
				replaced = true
				break
			}
		}
		if !replaced {
			existing = append(existing, week)
		}
	}

	sort.Slice(existing, func(i, j int) bool {
		return weekKey(existing[i]) < weekKey(existing[j])
	})
	return m.writeJSON(models.TypeWeeklySchedule, existing)
}

// readWeeks treats a missing or corrupt snapshot as empty.
func (m *Materializer) readWeeks() []map[string]any {
	raw, err := os.ReadFile(m.snapshotPath(models.TypeWeeklySchedule))
	if err != nil {
		return nil
	}
	var weeks []map[string]any
	if err := json.Unmarshal(raw, &weeks); err != nil {
		return nil
	}
	return weeks
}

// incomingWeeks normalizes the payload to a list of week entries: a bare
// array, an object with a weeks array, or a single week object.
func incomingWeeks(payload json.RawMessage) []map[string]any {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil
	}
	switch t := v.(type) {
	case []any:
		return asWeekMaps(t)
	case map[string]any:
		if arr, ok := t["weeks"].([]any); ok {
			return asWeekMaps(arr)
		}
		return []map[string]any{t}
	}
	return nil
}

func asWeekMaps(arr []any) []map[string]any {
	out := make([]map[string]any, 0, len(arr))
	for _, e := range arr {
		if w, ok := e.(map[string]any); ok {
			out = append(out, w)
		}
	}
	return out
}

func weekKey(week map[string]any) string {
	for _, field := range []string{"weekStart", "week_start", "week", "id"} {
		if s, ok := week[field].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// projectCommunications is wholesale replace: last write wins, no merge.
func (m *Materializer) projectCommunications(payload json.RawMessage) error {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return fmt.Errorf("communications payload: %w", err)
	}
	items := []any{}
	switch t := v.(type) {
	case []any:
		items = t
	case map[string]any:
		if arr, ok := t["communications"].([]any); ok {
			items = arr
		} else if arr, ok := t["items"].([]any); ok {
			items = arr
		}
	}
	return m.writeJSON(models.TypeCommunications, map[string]any{
		"updatedAt": m.now().Format(time.RFC3339),
		"items":     items,
	})
}

// projectWeekend writes the payload's weeks array verbatim when present,
// otherwise falls through to the raw overwrite.
func (m *Materializer) projectWeekend(job models.Job) error {
	var obj map[string]any
	if err := json.Unmarshal(job.Payload, &obj); err == nil {
		if weeks, ok := obj["weeks"].([]any); ok {
			return m.writeJSON(models.TypeWeekendSchedule, map[string]any{"weeks": weeks})
		}
	}
	return m.writeRaw(job.Type, job.Payload)
}

func (m *Materializer) writeJSON(jobType string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return m.writeRaw(jobType, data)
}

// writeRaw is a direct overwrite, not an atomic rename. A crash mid-write can
// truncate that one type's snapshot; the next sync of the type repairs it.
func (m *Materializer) writeRaw(jobType string, data []byte) error {
	path := m.snapshotPath(jobType)
	if path == "" {
		return fmt.Errorf("job type %q not usable as snapshot name", jobType)
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return err
	}
	if len(data) == 0 {
		data = []byte(`{}`)
	}
	return os.WriteFile(path, data, 0o644)
}

func (m *Materializer) snapshotPath(jobType string) string {
	if jobType == "" || strings.ContainsAny(jobType, `/\`) || strings.Contains(jobType, "..") {
		return ""
	}
	return filepath.Join(m.dir, jobType+".json")
}
