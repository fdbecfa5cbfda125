package taskengine

import (
	"encoding/json"

	"github.com/google/uuid"

	"lecturepipe/internal/models"
)

// QueuePrefix namespaces the pipeline's durable queues.
const QueuePrefix = "lecturepipe."

// QueueName derives the durable queue name for a task type.
func QueueName(taskType models.TaskType) string {
	return QueuePrefix + string(taskType)
}

// Envelope is the broker message body. It carries just enough to claim
// or look up the ledger row; the row is the durable source of truth and
// the message is merely a dispatch trigger.
type Envelope struct {
	TaskType       models.TaskType `json:"taskType"`
	TaskParameters json.RawMessage `json:"taskParameters,omitempty"`

	// OriginTaskItemID is the row whose completion (chain) or failure
	// (retry) produced this message; empty for externally triggered work.
	OriginTaskItemID string `json:"originTaskItemId,omitempty"`

	// MessageRef uniquely identifies this in-flight message. The claimed
	// ledger row records it as OpaqueMessageRef, which lets a redelivery
	// find its row and lets duplicates be recognized and skipped.
	MessageRef string `json:"messageRef"`
}

// NewEnvelope builds an envelope with a fresh message reference.
func NewEnvelope(taskType models.TaskType, params json.RawMessage, originTaskItemID string) Envelope {
	return Envelope{
		TaskType:         taskType,
		TaskParameters:   params,
		OriginTaskItemID: originTaskItemID,
		MessageRef:       uuid.New().String(),
	}
}

// TargetKeys are the correlation fields every parameter payload carries
// so "all work touching X" stays queryable without joins. Stage
// parameter types embed TargetKeys and add their own typed fields.
type TargetKeys struct {
	UniqueID   string `json:"uniqueId"`
	Rule       string `json:"rule,omitempty"`
	OfferingID string `json:"offeringId,omitempty"`
	MediaID    string `json:"mediaId,omitempty"`
	PlaylistID string `json:"playlistId,omitempty"`
	VideoID    string `json:"videoId,omitempty"`
	UserID     string `json:"userId,omitempty"`
}
