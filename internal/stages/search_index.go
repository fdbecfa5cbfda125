package stages

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"lecturepipe/internal/models"
	"lecturepipe/internal/taskengine"
)

// searchIndexName is the single index all lecture videos live in.
const searchIndexName = "lecture-videos"

// HandleBuildSearchIndex upserts the search document for one video once
// its caption file exists.
func (s *Service) HandleBuildSearchIndex(ctx context.Context, task *taskengine.Task) error {
	var params BuildSearchIndexParams
	if err := task.DecodeParams(&params); err != nil {
		return taskengine.Permanent(err)
	}

	video, err := s.loadVideo(params.VideoID)
	if err != nil {
		return err
	}

	var transcription models.Transcription
	err = s.db.First(&transcription, "video_id = ? AND status = ?", video.ID, models.TranscriptionFinished).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return taskengine.Permanent(fmt.Errorf("video %s has no finished transcription to index", video.ID))
		}
		return fmt.Errorf("failed to load transcription: %w", err)
	}

	var doc models.SearchDocument
	err = s.db.First(&doc, "video_id = ?", video.ID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		doc = models.SearchDocument{
			VideoID:   video.ID,
			IndexName: searchIndexName,
		}
		doc.CreatedBy = "taskengine"
		if err := s.db.Create(&doc).Error; err != nil {
			return fmt.Errorf("failed to create search document: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to load search document: %w", err)
	default:
		doc.IndexName = searchIndexName
		doc.Stale = false
		if err := s.db.Save(&doc).Error; err != nil {
			return fmt.Errorf("failed to update search document: %w", err)
		}
	}

	return task.SetResult(map[string]string{"documentId": doc.ID, "indexName": doc.IndexName})
}

// HandleCleanupSearchIndex sweeps documents whose video no longer
// warrants an index entry and soft deletes them.
func (s *Service) HandleCleanupSearchIndex(ctx context.Context, task *taskengine.Task) error {
	var params CleanupSearchIndexParams
	if err := task.DecodeParams(&params); err != nil {
		return taskengine.Permanent(err)
	}

	var stale []models.SearchDocument
	if err := s.db.Find(&stale, "stale = ?", true).Error; err != nil {
		return fmt.Errorf("failed to list stale search documents: %w", err)
	}

	removed := 0
	for i := range stale {
		if err := s.db.Delete(&stale[i]).Error; err != nil {
			return fmt.Errorf("failed to remove search document %s: %w", stale[i].ID, err)
		}
		removed++
	}

	return task.SetResult(map[string]int{"removed": removed})
}
