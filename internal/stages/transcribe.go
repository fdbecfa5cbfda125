package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"lecturepipe/internal/models"
	"lecturepipe/internal/taskengine"
)

// transcribeRequest is the payload sent to the speech recognition
// worker; its response is stored verbatim as RemoteResultData.
type transcribeRequest struct {
	AudioFile string `json:"audioFile"`
	Language  string `json:"language"`
}

// HandleTranscribe delegates speech recognition to the remote
// transcription worker and records the transcript on a Transcription
// row, then chains caption-file generation.
func (s *Service) HandleTranscribe(ctx context.Context, task *taskengine.Task) error {
	var params TranscribeParams
	if err := task.DecodeParams(&params); err != nil {
		return taskengine.Permanent(err)
	}

	var media models.Media
	if err := s.db.First(&media, "id = ?", params.MediaID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return taskengine.Permanent(fmt.Errorf("media %s not found", params.MediaID))
		}
		return fmt.Errorf("failed to load media: %w", err)
	}
	if media.AudioFile == "" {
		return taskengine.Permanent(fmt.Errorf("media %s has no extracted audio", media.ID))
	}

	language := params.Language
	if language == "" {
		language = "en-US"
	}

	response, err := task.CallRemote(ctx, WorkerTranscribe, transcribeRequest{
		AudioFile: media.AudioFile,
		Language:  language,
	})
	if err != nil {
		return err
	}
	task.SetProgress(80, nil)

	// The worker response must at least parse; its internals stay opaque.
	if !json.Valid(response) {
		return taskengine.Permanent(fmt.Errorf("transcription worker returned invalid JSON for media %s", media.ID))
	}

	transcription, err := s.ensureTranscription(params.VideoID, language)
	if err != nil {
		return err
	}
	transcription.TranscriptJSON = string(response)
	if err := s.db.Save(transcription).Error; err != nil {
		return fmt.Errorf("failed to persist transcript: %w", err)
	}

	if err := task.Chain(models.TaskGenerateCaptionFile, GenerateCaptionFileParams{
		TargetKeys:      params.TargetKeys,
		TranscriptionID: transcription.ID,
	}); err != nil {
		return err
	}

	return task.SetResult(map[string]string{"transcriptionId": transcription.ID, "language": language})
}

func (s *Service) ensureTranscription(videoID, language string) (*models.Transcription, error) {
	var transcription models.Transcription
	err := s.db.First(&transcription, "video_id = ? AND language = ?", videoID, language).Error
	if err == nil {
		return &transcription, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to query transcription: %w", err)
	}

	transcription = models.Transcription{
		VideoID:  videoID,
		Language: language,
		Status:   models.TranscriptionPending,
	}
	if err := s.db.Create(&transcription).Error; err != nil {
		return nil, fmt.Errorf("failed to create transcription row: %w", err)
	}
	return &transcription, nil
}
