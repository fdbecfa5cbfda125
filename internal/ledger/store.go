// Package ledger persists every unit of pipeline work as a TaskItem
// row. The store enforces the idempotency invariant (at most one
// active row per target and task type), the status state machine, and
// the lineage links that tie retries and chained stages together.
package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"lecturepipe/internal/models"
)

var (
	// ErrDuplicateWork means an active (Queued/Running) row already
	// exists for the same (UniqueID, TaskType). Not a true error:
	// callers acknowledge the triggering message as a no-op.
	ErrDuplicateWork = errors.New("an active task already exists for this target")

	// ErrInvalidTransition is returned for state changes the machine
	// does not allow (e.g. reopening a terminal row).
	ErrInvalidTransition = errors.New("invalid task status transition")

	ErrTaskNotFound = errors.New("task item not found")
)

// Store provides ledger operations over the task_items table.
type Store struct {
	db *gorm.DB
}

// NewStore creates a ledger store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// CreateParams describes the row to claim for a new unit of work.
type CreateParams struct {
	TaskType       models.TaskType
	UniqueID       string
	Rule           string
	TaskParameters string

	OfferingID string
	MediaID    string
	PlaylistID string
	VideoID    string
	UserID     string

	// Lineage. ParentTaskItemID points at the row whose completion
	// triggered this one; AncestorTaskItemID is copied down the chain
	// (left empty for a chain root). Retry rows additionally carry
	// PreviousAttemptTaskItemID and an AttemptNumber above 1.
	ParentTaskItemID          string
	AncestorTaskItemID        string
	PreviousAttemptTaskItemID string
	AttemptNumber             int

	// MessageRef ties the row to the broker message that triggered it;
	// left empty, a fresh reference is generated at insert.
	MessageRef string

	CreatedBy string
}

// Claim atomically performs the dedup check and inserts a Queued row.
// If a non-deleted row for the same (UniqueID, TaskType) is still
// Queued or Running, it returns ErrDuplicateWork. The partial unique
// index backs the same invariant at the storage layer, so a race
// between two claimers resolves to exactly one winner.
func (s *Store) Claim(params CreateParams) (*models.TaskItem, error) {
	if params.TaskType == "" || params.UniqueID == "" {
		return nil, fmt.Errorf("task type and unique id are required")
	}

	attempt := params.AttemptNumber
	if attempt < 1 {
		attempt = 1
	}

	now := time.Now()
	item := &models.TaskItem{
		TaskType:                  params.TaskType,
		Rule:                      params.Rule,
		UniqueID:                  params.UniqueID,
		OfferingID:                params.OfferingID,
		MediaID:                   params.MediaID,
		PlaylistID:                params.PlaylistID,
		VideoID:                   params.VideoID,
		UserID:                    params.UserID,
		TaskParameters:            params.TaskParameters,
		TaskStatusCode:            models.StatusQueued,
		QueuedAt:                  &now,
		AttemptNumber:             attempt,
		PreviousAttemptTaskItemID: params.PreviousAttemptTaskItemID,
		ParentTaskItemID:          params.ParentTaskItemID,
		AncestorTaskItemID:        params.AncestorTaskItemID,
		OpaqueMessageRef:          params.MessageRef,
	}
	item.CreatedBy = params.CreatedBy

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var existing models.TaskItem
		result := tx.Where("unique_id = ? AND task_type = ? AND task_status_code IN ?",
			params.UniqueID, params.TaskType,
			[]models.TaskStatus{models.StatusQueued, models.StatusRunning}).
			First(&existing)
		if result.Error == nil {
			return ErrDuplicateWork
		}
		if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to query active tasks: %w", result.Error)
		}
		return tx.Create(item).Error
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateWork
		}
		return nil, err
	}
	return item, nil
}

// MarkRunning transitions Queued→Running and records StartedAt.
func (s *Store) MarkRunning(id string) (*models.TaskItem, error) {
	return s.transition(id, func(item *models.TaskItem) error {
		if item.TaskStatusCode != models.StatusQueued {
			return fmt.Errorf("%w: %s→Running", ErrInvalidTransition, item.TaskStatusCode)
		}
		now := time.Now()
		item.TaskStatusCode = models.StatusRunning
		item.StartedAt = &now
		return nil
	})
}

// UpdateProgress records advisory progress for a Running row.
// PercentComplete is clamped so recorded values never decrease.
func (s *Store) UpdateProgress(id string, percent int, eta *time.Time) (*models.TaskItem, error) {
	return s.transition(id, func(item *models.TaskItem) error {
		if item.TaskStatusCode != models.StatusRunning {
			return fmt.Errorf("%w: progress update on %s row", ErrInvalidTransition, item.TaskStatusCode)
		}
		if percent > 100 {
			percent = 100
		}
		if percent > item.PercentComplete {
			item.PercentComplete = percent
		}
		if eta != nil {
			item.EstimatedCompletionAt = eta
		}
		return nil
	})
}

// MarkSucceeded completes a Running row with its result payloads.
func (s *Store) MarkSucceeded(id, resultData, remoteResultData string) (*models.TaskItem, error) {
	return s.transition(id, func(item *models.TaskItem) error {
		if item.TaskStatusCode != models.StatusRunning {
			return fmt.Errorf("%w: %s→Succeeded", ErrInvalidTransition, item.TaskStatusCode)
		}
		now := time.Now()
		item.TaskStatusCode = models.StatusSucceeded
		item.EndedAt = &now
		item.PercentComplete = 100
		item.ResultData = resultData
		item.RemoteResultData = remoteResultData
		return nil
	})
}

// MarkFailed fails a Queued or Running row, recording the diagnostic
// trail. The row leaves its idempotency slot so a fresh attempt can be
// claimed.
func (s *Store) MarkFailed(id, debugMessage string) (*models.TaskItem, error) {
	return s.transition(id, func(item *models.TaskItem) error {
		if item.TaskStatusCode.IsTerminal() {
			return fmt.Errorf("%w: %s→Failed", ErrInvalidTransition, item.TaskStatusCode)
		}
		now := time.Now()
		item.TaskStatusCode = models.StatusFailed
		item.EndedAt = &now
		if item.DebugMessage == "" {
			item.DebugMessage = debugMessage
		} else {
			item.DebugMessage = item.DebugMessage + "\n" + debugMessage
		}
		return nil
	})
}

// MarkCancelled cancels a non-terminal row.
func (s *Store) MarkCancelled(id, reason string) (*models.TaskItem, error) {
	return s.transition(id, func(item *models.TaskItem) error {
		if item.TaskStatusCode.IsTerminal() {
			return fmt.Errorf("%w: %s→Cancelled", ErrInvalidTransition, item.TaskStatusCode)
		}
		now := time.Now()
		item.TaskStatusCode = models.StatusCancelled
		item.EndedAt = &now
		item.DebugMessage = reason
		return nil
	})
}

// NewRetryAttempt claims a fresh row retrying a failed one. Retries are
// new rows, never mutations: AttemptNumber increments, the failed row
// is linked through PreviousAttemptTaskItemID, and the ancestor id is
// carried forward so the whole chain groups under one root.
func (s *Store) NewRetryAttempt(failed *models.TaskItem) (*models.TaskItem, error) {
	if failed == nil {
		return nil, ErrTaskNotFound
	}
	if failed.TaskStatusCode != models.StatusFailed {
		return nil, fmt.Errorf("%w: retry of %s row", ErrInvalidTransition, failed.TaskStatusCode)
	}
	return s.Claim(CreateParams{
		TaskType:                  failed.TaskType,
		UniqueID:                  failed.UniqueID,
		Rule:                      failed.Rule,
		TaskParameters:            failed.TaskParameters,
		OfferingID:                failed.OfferingID,
		MediaID:                   failed.MediaID,
		PlaylistID:                failed.PlaylistID,
		VideoID:                   failed.VideoID,
		UserID:                    failed.UserID,
		ParentTaskItemID:          failed.ParentTaskItemID,
		AncestorTaskItemID:        failed.AncestorTaskItemID,
		PreviousAttemptTaskItemID: failed.ID,
		AttemptNumber:             failed.AttemptNumber + 1,
		CreatedBy:                 failed.CreatedBy,
	})
}

// ByID loads a task item.
func (s *Store) ByID(id string) (*models.TaskItem, error) {
	var item models.TaskItem
	if err := s.db.First(&item, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return &item, nil
}

// ByMessageRef resolves the ledger row for a broker delivery.
func (s *Store) ByMessageRef(ref string) (*models.TaskItem, error) {
	var item models.TaskItem
	if err := s.db.First(&item, "opaque_message_ref = ?", ref).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return &item, nil
}

// FindActive returns the Queued/Running row occupying the idempotency
// slot, or nil when the slot is free.
func (s *Store) FindActive(uniqueID string, taskType models.TaskType) (*models.TaskItem, error) {
	var item models.TaskItem
	err := s.db.Where("unique_id = ? AND task_type = ? AND task_status_code IN ?",
		uniqueID, taskType,
		[]models.TaskStatus{models.StatusQueued, models.StatusRunning}).
		First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

// HasSucceeded reports whether any attempt for the target has reached
// Succeeded. The reconciler uses this to avoid re-publishing finished
// work.
func (s *Store) HasSucceeded(uniqueID string, taskType models.TaskType) (bool, error) {
	var count int64
	err := s.db.Model(&models.TaskItem{}).
		Where("unique_id = ? AND task_type = ? AND task_status_code = ?",
			uniqueID, taskType, models.StatusSucceeded).
		Count(&count).Error
	return count > 0, err
}

// ByAncestor returns every row of a pipeline run, oldest first.
func (s *Store) ByAncestor(ancestorID string) ([]models.TaskItem, error) {
	var items []models.TaskItem
	err := s.db.Where("ancestor_task_item_id = ?", ancestorID).
		Order("created_at ASC").
		Find(&items).Error
	return items, err
}

// LatestAttempt follows retry links forward from a row to the newest
// attempt in its chain (the row itself when nothing retried it).
func (s *Store) LatestAttempt(item *models.TaskItem) (*models.TaskItem, error) {
	current := item
	for {
		var next models.TaskItem
		err := s.db.First(&next, "previous_attempt_task_item_id = ?", current.ID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return current, nil
		}
		if err != nil {
			return nil, err
		}
		current = &next
	}
}

// AttemptChain walks PreviousAttemptTaskItemID links from the given row
// back to the first attempt, newest first.
func (s *Store) AttemptChain(id string) ([]models.TaskItem, error) {
	var chain []models.TaskItem
	current := id
	for current != "" {
		item, err := s.ByID(current)
		if err != nil {
			return nil, err
		}
		chain = append(chain, *item)
		current = item.PreviousAttemptTaskItemID
	}
	return chain, nil
}

// SoftDelete marks a row deleted, freeing its idempotency slot while
// keeping it in the audit trail.
func (s *Store) SoftDelete(id, deletedBy string) error {
	item, err := s.ByID(id)
	if err != nil {
		return err
	}
	if err := s.db.Model(item).Update("deleted_by", deletedBy).Error; err != nil {
		return err
	}
	return s.db.Delete(item).Error
}

func (s *Store) transition(id string, mutate func(*models.TaskItem) error) (*models.TaskItem, error) {
	var out *models.TaskItem
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var item models.TaskItem
		if err := tx.First(&item, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTaskNotFound
			}
			return err
		}
		from := item.TaskStatusCode
		if err := mutate(&item); err != nil {
			return err
		}
		// Guard the write on the status that was read, so two
		// transitions racing on the same row under read-committed
		// isolation resolve to one winner.
		result := tx.Model(&models.TaskItem{}).
			Where("id = ? AND task_status_code = ?", item.ID, from).
			Select("*").Omit("id", "created_at").Updates(&item)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: row changed concurrently", ErrInvalidTransition)
		}
		out = &item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// isUniqueViolation detects the partial index firing under either
// dialect when two claimers race past the dedup query.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}
