package stages

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"gorm.io/gorm"

	"lecturepipe/internal/models"
	"lecturepipe/internal/taskengine"
)

// HandleMediaDownload fetches one recording from the provider, records
// the file on the Media row, creates the derived Video row, and chains
// the processing fan-out (audio extract, transcode, scene detect).
func (s *Service) HandleMediaDownload(ctx context.Context, task *taskengine.Task) error {
	var params MediaDownloadParams
	if err := task.DecodeParams(&params); err != nil {
		return taskengine.Permanent(err)
	}

	var media models.Media
	if err := s.db.First(&media, "id = ?", params.UniqueID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return taskengine.Permanent(fmt.Errorf("media %s not found", params.UniqueID))
		}
		return fmt.Errorf("failed to load media: %w", err)
	}

	downloadURL := params.DownloadURL
	if downloadURL == "" {
		downloadURL = media.DownloadURL
	}
	if downloadURL == "" {
		return taskengine.Permanent(fmt.Errorf("media %s has no download URL", media.ID))
	}

	if err := os.MkdirAll(s.cfg.DownloadDir, 0755); err != nil {
		return fmt.Errorf("failed to create download directory: %w", err)
	}
	destPath := filepath.Join(s.cfg.DownloadDir, media.ID+".mp4")

	task.SetProgress(10, nil)
	err := retryWithBackoff(media.ID, func() error {
		return s.source.DownloadFile(ctx, downloadURL, destPath)
	}, 3, func(id, msg string) {
		log.Printf("Media %s download: %s", id, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to download media %s: %w", media.ID, err)
	}
	task.SetProgress(80, nil)

	media.DownloadedFile = destPath
	if err := s.db.Save(&media).Error; err != nil {
		return fmt.Errorf("failed to record downloaded file: %w", err)
	}

	video, err := s.ensureVideo(&media)
	if err != nil {
		return err
	}

	keys := taskengine.TargetKeys{
		UniqueID:   media.ID,
		Rule:       params.Rule,
		OfferingID: params.OfferingID,
		PlaylistID: media.PlaylistID,
		MediaID:    media.ID,
		VideoID:    video.ID,
	}
	if err := task.Chain(models.TaskAudioExtract, AudioExtractParams{TargetKeys: keys}); err != nil {
		return err
	}
	if err := task.Chain(models.TaskProcessVideo, ProcessVideoParams{TargetKeys: keys}); err != nil {
		return err
	}
	if err := task.Chain(models.TaskSceneDetect, SceneDetectParams{TargetKeys: keys}); err != nil {
		return err
	}

	return task.SetResult(map[string]string{"downloadedFile": destPath, "videoId": video.ID})
}

// ensureVideo finds or creates the Video row derived from a media file.
func (s *Service) ensureVideo(media *models.Media) (*models.Video, error) {
	var video models.Video
	err := s.db.First(&video, "media_id = ?", media.ID).Error
	if err == nil {
		if video.VideoFile != media.DownloadedFile {
			video.VideoFile = media.DownloadedFile
			if err := s.db.Save(&video).Error; err != nil {
				return nil, fmt.Errorf("failed to update video row: %w", err)
			}
		}
		return &video, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to query video: %w", err)
	}

	video = models.Video{MediaID: media.ID, VideoFile: media.DownloadedFile}
	if err := s.db.Create(&video).Error; err != nil {
		return nil, fmt.Errorf("failed to create video row: %w", err)
	}
	return &video, nil
}
