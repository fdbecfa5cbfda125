package stages

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"gorm.io/gorm"

	"lecturepipe/internal/models"
	"lecturepipe/internal/taskengine"
)

// HandleAudioExtract strips the audio track from a downloaded recording
// into a 16kHz mono WAV suitable for speech recognition, then chains
// the transcription stage.
func (s *Service) HandleAudioExtract(ctx context.Context, task *taskengine.Task) error {
	var params AudioExtractParams
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
	if media.DownloadedFile == "" {
		return taskengine.Permanent(fmt.Errorf("media %s has not been downloaded", media.ID))
	}

	audioPath := replaceExt(media.DownloadedFile, ".wav")
	cmd := exec.CommandContext(ctx, "ffmpeg", "-y",
		"-i", media.DownloadedFile,
		"-vn", "-ac", "1", "-ar", "16000",
		audioPath)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg audio extraction failed: %w: %s", err, tail(string(output), 500))
	}
	task.SetProgress(80, nil)

	media.AudioFile = audioPath
	if err := s.db.Save(&media).Error; err != nil {
		return fmt.Errorf("failed to record audio file: %w", err)
	}

	if err := task.Chain(models.TaskTranscribe, TranscribeParams{
		TargetKeys: params.TargetKeys,
		Language:   "en-US",
	}); err != nil {
		return err
	}

	return task.SetResult(map[string]string{"audioFile": audioPath})
}

func replaceExt(path, ext string) string {
	if idx := strings.LastIndex(path, "."); idx > strings.LastIndex(path, "/") {
		return path[:idx] + ext
	}
	return path + ext
}

// tail keeps the last n bytes of tool output for the diagnostic trail.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
