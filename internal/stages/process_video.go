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

type transcodeRequest struct {
	VideoFile string `json:"videoFile"`
}

type transcodeResponse struct {
	ProcessedFile   string  `json:"processedFile"`
	DurationSeconds float64 `json:"durationSeconds"`
}

// HandleProcessVideo delegates transcoding to the remote worker and
// records the processed artifact on the Video row.
func (s *Service) HandleProcessVideo(ctx context.Context, task *taskengine.Task) error {
	var params ProcessVideoParams
	if err := task.DecodeParams(&params); err != nil {
		return taskengine.Permanent(err)
	}

	video, err := s.loadVideo(params.VideoID)
	if err != nil {
		return err
	}
	if video.VideoFile == "" {
		return taskengine.Permanent(fmt.Errorf("video %s has no source file", video.ID))
	}

	response, err := task.CallRemote(ctx, WorkerTranscode, transcodeRequest{VideoFile: video.VideoFile})
	if err != nil {
		return err
	}
	task.SetProgress(80, nil)

	var result transcodeResponse
	if err := json.Unmarshal(response, &result); err != nil {
		return taskengine.Permanent(fmt.Errorf("transcode worker returned invalid response: %w", err))
	}
	if result.ProcessedFile == "" {
		return taskengine.Permanent(fmt.Errorf("transcode worker returned no processed file for video %s", video.ID))
	}

	video.ProcessedFile = result.ProcessedFile
	if result.DurationSeconds > 0 {
		video.DurationSeconds = result.DurationSeconds
	}
	if err := s.db.Save(video).Error; err != nil {
		return fmt.Errorf("failed to record processed file: %w", err)
	}

	return task.SetResult(map[string]string{"processedFile": result.ProcessedFile})
}

// HandleSceneDetect delegates scene boundary detection to the remote
// worker and stores the scene JSON on the Video row.
func (s *Service) HandleSceneDetect(ctx context.Context, task *taskengine.Task) error {
	var params SceneDetectParams
	if err := task.DecodeParams(&params); err != nil {
		return taskengine.Permanent(err)
	}

	video, err := s.loadVideo(params.VideoID)
	if err != nil {
		return err
	}
	if video.VideoFile == "" {
		return taskengine.Permanent(fmt.Errorf("video %s has no source file", video.ID))
	}

	response, err := task.CallRemote(ctx, WorkerSceneDetect, map[string]string{"videoFile": video.VideoFile})
	if err != nil {
		return err
	}
	if !json.Valid(response) {
		return taskengine.Permanent(fmt.Errorf("scene detection worker returned invalid JSON for video %s", video.ID))
	}

	video.SceneDataJSON = string(response)
	if err := s.db.Save(video).Error; err != nil {
		return fmt.Errorf("failed to record scene data: %w", err)
	}

	return task.SetResult(map[string]int{"sceneDataBytes": len(response)})
}

func (s *Service) loadVideo(id string) (*models.Video, error) {
	if id == "" {
		return nil, taskengine.Permanent(errors.New("no video id in task parameters"))
	}
	var video models.Video
	if err := s.db.First(&video, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, taskengine.Permanent(fmt.Errorf("video %s not found", id))
		}
		return nil, fmt.Errorf("failed to load video: %w", err)
	}
	return &video, nil
}
