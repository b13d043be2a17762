package models

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RoleDesktop Role = "desktop"
	RoleMobile  Role = "mobile"
	RoleServer  Role = "server"
)

type DeviceStatus string

const (
	DeviceActive  DeviceStatus = "active"
	DeviceRevoked DeviceStatus = "revoked"
)

// Permissions recognized on routes. PermAll is the wildcard.
const (
	PermSend          = "send"
	PermQueue         = "queue"
	PermNotifications = "notifications"
	PermImport        = "import"
	PermUpdates       = "updates"
	PermIncoming      = "incoming"
	PermAck           = "ack"
	PermAll           = "*"
)

// Device is a registered caller, provisioned out-of-band in the devices file.
// KeyHash is the SHA-256 hex of the raw credential; the raw secret is never stored.
type Device struct {
	ID            string       `json:"id"`
	Label         string       `json:"label"`
	Role          Role         `json:"role"`
	Status        DeviceStatus `json:"status"`
	KeyHash       string       `json:"keyHash"`
	Permissions   []string     `json:"permissions"`
	LastRotatedAt *time.Time   `json:"lastRotatedAt,omitempty"`
	RevokedAt     *time.Time   `json:"revokedAt,omitempty"`
}

func (d *Device) HasPermission(perm string) bool {
	for _, p := range d.Permissions {
		if p == perm || p == PermAll {
			return true
		}
	}
	return false
}

type Direction string

const (
	DirectionDesktopToMobile Direction = "desktop_to_mobile"
	DirectionMobileToDesktop Direction = "mobile_to_desktop"
)

func (d Direction) Valid() bool {
	return d == DirectionDesktopToMobile || d == DirectionMobileToDesktop
}

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobProcessing, JobCompleted, JobFailed:
		return true
	}
	return false
}

// Known job types. The set is open: unrecognized types are accepted and fall
// through to the materializer's default policy.
const (
	TypeWeeklySchedule    = "weekly-schedule"
	TypeWeekendSchedule   = "weekend-schedule"
	TypePublicWitnessing  = "public-witnessing"
	TypeServices          = "services"
	TypeCommunications    = "communications"
	TypePreaching         = "preaching"
	TypeReports           = "reports"
	TypeAttendance        = "attendance"
	TypeTasks             = "tasks"
	TypeEmergencyContacts = "emergency-contacts"
	TypeTerritories       = "territories"
)

// Job is one unit of synchronized work between desktop and mobile.
// CreatedAt never changes after insert; UpdatedAt bumps on every mutation.
type Job struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Direction    Direction       `json:"direction"`
	Payload      json.RawMessage `json:"payload"`
	Status       JobStatus       `json:"status"`
	Initiator    string          `json:"initiator,omitempty"`
	DeviceTarget string          `json:"deviceTarget,omitempty"`
	Notify       bool            `json:"notify"`
	ErrorMessage *string         `json:"errorMessage,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type NotificationLevel string

const (
	LevelInfo  NotificationLevel = "info"
	LevelWarn  NotificationLevel = "warn"
	LevelError NotificationLevel = "error"
)

type Notification struct {
	ID        int64             `json:"id"`
	JobID     *string           `json:"job_id,omitempty"`
	Message   string            `json:"message"`
	Level     NotificationLevel `json:"level"`
	CreatedAt time.Time         `json:"created_at"`
}
