package stages

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gorm.io/gorm"

	"lecturepipe/internal/models"
	"lecturepipe/internal/taskengine"
)

// HandleGenerateCaptionFile renders the stored transcript as a WebVTT
// caption file, marks the transcription finished, and chains the
// search-index build.
func (s *Service) HandleGenerateCaptionFile(ctx context.Context, task *taskengine.Task) error {
	var params GenerateCaptionFileParams
	if err := task.DecodeParams(&params); err != nil {
		return taskengine.Permanent(err)
	}

	var transcription models.Transcription
	if err := s.db.First(&transcription, "id = ?", params.TranscriptionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return taskengine.Permanent(fmt.Errorf("transcription %s not found", params.TranscriptionID))
		}
		return fmt.Errorf("failed to load transcription: %w", err)
	}
	if transcription.TranscriptJSON == "" {
		return taskengine.Permanent(fmt.Errorf("transcription %s has no transcript", transcription.ID))
	}

	segments, err := parseTranscript(transcription.TranscriptJSON)
	if err != nil {
		// An unparseable transcript will never render; a fresh Transcribe
		// attempt has to produce a new one.
		return taskengine.Permanent(err)
	}
	task.SetProgress(50, nil)

	captionPath := fmt.Sprintf("%s/%s.vtt", s.cfg.DownloadDir, transcription.ID)
	if err := os.WriteFile(captionPath, []byte(renderVTT(segments)), 0644); err != nil {
		return fmt.Errorf("failed to write caption file: %w", err)
	}

	transcription.CaptionFile = captionPath
	transcription.Status = models.TranscriptionFinished
	if err := s.db.Save(&transcription).Error; err != nil {
		return fmt.Errorf("failed to record caption file: %w", err)
	}

	if err := task.Chain(models.TaskBuildSearchIndex, BuildSearchIndexParams{
		TargetKeys: params.TargetKeys,
	}); err != nil {
		return err
	}

	return task.SetResult(map[string]any{"captionFile": captionPath, "segments": len(segments)})
}
