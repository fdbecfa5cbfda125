package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TaskType enumerates the pipeline stages a TaskItem can represent.
type TaskType string

const (
	TaskPlaylistSync        TaskType = "PlaylistSync"
	TaskMediaDownload       TaskType = "MediaDownload"
	TaskAudioExtract        TaskType = "AudioExtract"
	TaskTranscribe          TaskType = "Transcribe"
	TaskGenerateCaptionFile TaskType = "GenerateCaptionFile"
	TaskProcessVideo        TaskType = "ProcessVideo"
	TaskSceneDetect         TaskType = "SceneDetect"
	TaskBuildSearchIndex    TaskType = "BuildSearchIndex"
	TaskCleanupSearchIndex  TaskType = "CleanupSearchIndex"
	TaskRefreshCredential   TaskType = "RefreshCredential"
	TaskPeriodicCheck       TaskType = "PeriodicCheck"
)

// AllTaskTypes returns the ordered list of known task types.
func AllTaskTypes() []TaskType {
	return []TaskType{
		TaskPlaylistSync,
		TaskMediaDownload,
		TaskAudioExtract,
		TaskTranscribe,
		TaskGenerateCaptionFile,
		TaskProcessVideo,
		TaskSceneDetect,
		TaskBuildSearchIndex,
		TaskCleanupSearchIndex,
		TaskRefreshCredential,
		TaskPeriodicCheck,
	}
}

// TaskStatus is the finite lifecycle state of a TaskItem.
type TaskStatus string

const (
	StatusQueued    TaskStatus = "Queued"
	StatusRunning   TaskStatus = "Running"
	StatusSucceeded TaskStatus = "Succeeded"
	StatusFailed    TaskStatus = "Failed"
	StatusCancelled TaskStatus = "Cancelled"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// TaskItem is the permanent ledger record of one attempted unit of work.
// Retries are new rows linked through PreviousAttemptTaskItemID, never
// mutations of the failed row, so the ledger keeps the full history.
type TaskItem struct {
	ID       string   `gorm:"primaryKey" json:"id"`
	TaskType TaskType `gorm:"not null;column:task_type;index" json:"task_type"`
	Rule     string   `gorm:"index" json:"rule"`

	// UniqueID is the domain entity this task operates on. Together with
	// TaskType it is the idempotency key: at most one non-deleted row per
	// (UniqueID, TaskType) may be Queued or Running at a time.
	UniqueID   string `gorm:"not null;column:unique_id;index" json:"unique_id"`
	OfferingID string `gorm:"column:offering_id;index" json:"offering_id"`
	MediaID    string `gorm:"column:media_id;index" json:"media_id"`
	PlaylistID string `gorm:"column:playlist_id;index" json:"playlist_id"`
	VideoID    string `gorm:"column:video_id;index" json:"video_id"`
	UserID     string `gorm:"column:user_id;index" json:"user_id"`

	TaskParameters   string `gorm:"type:text" json:"task_parameters"`
	ResultData       string `gorm:"type:text" json:"result_data"`
	RemoteResultData string `gorm:"type:text" json:"remote_result_data"`
	DebugMessage     string `gorm:"type:text" json:"debug_message"`

	QueuedAt              *time.Time `gorm:"column:queued_at" json:"queued_at"`
	StartedAt             *time.Time `gorm:"column:started_at" json:"started_at"`
	EndedAt               *time.Time `gorm:"column:ended_at" json:"ended_at"`
	EstimatedCompletionAt *time.Time `gorm:"column:estimated_completion_at" json:"estimated_completion_at"`
	PercentComplete       int        `gorm:"not null;default:0" json:"percent_complete"`

	TaskStatusCode TaskStatus `gorm:"not null;column:task_status_code;default:Queued;index" json:"task_status_code"`

	AttemptNumber             int    `gorm:"not null;default:1" json:"attempt_number"`
	PreviousAttemptTaskItemID string `gorm:"column:previous_attempt_task_item_id" json:"previous_attempt_task_item_id"`
	ParentTaskItemID          string `gorm:"column:parent_task_item_id" json:"parent_task_item_id"`
	AncestorTaskItemID        string `gorm:"column:ancestor_task_item_id;index" json:"ancestor_task_item_id"`

	// OpaqueMessageRef correlates this row with the specific broker
	// delivery that represents it; duplicate deliveries carry a ref that
	// no longer matches an active row and are skipped.
	OpaqueMessageRef string `gorm:"column:opaque_message_ref;index" json:"opaque_message_ref"`

	Entity
}

// BeforeCreate hook to generate UUIDs and root the lineage before creating record
func (t *TaskItem) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.OpaqueMessageRef == "" {
		t.OpaqueMessageRef = uuid.New().String()
	}
	// A row with no ancestor is its own chain root.
	if t.AncestorTaskItemID == "" {
		t.AncestorTaskItemID = t.ID
	}
	return nil
}

// TableName specifies the table name for GORM
func (TaskItem) TableName() string {
	return "task_items"
}

// IsActive reports whether the row still occupies its idempotency slot.
func (t *TaskItem) IsActive() bool {
	return !t.TaskStatusCode.IsTerminal()
}
