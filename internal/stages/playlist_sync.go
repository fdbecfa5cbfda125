package stages

import (
	"context"
	"errors"
	"fmt"
	"log"

	"gorm.io/gorm"

	"lecturepipe/internal/models"
	"lecturepipe/internal/taskengine"
)

// HandlePlaylistSync reconciles one playlist against the provider's
// current listing, creating Media rows for new recordings and chaining
// a MediaDownload for each.
func (s *Service) HandlePlaylistSync(ctx context.Context, task *taskengine.Task) error {
	var params PlaylistSyncParams
	if err := task.DecodeParams(&params); err != nil {
		return taskengine.Permanent(err)
	}

	var playlist models.Playlist
	if err := s.db.First(&playlist, "id = ?", params.UniqueID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return taskengine.Permanent(fmt.Errorf("playlist %s not found", params.UniqueID))
		}
		return fmt.Errorf("failed to load playlist: %w", err)
	}

	entries, err := s.source.ListPlaylist(ctx, playlist.SourceType, playlist.SourceIdentifier)
	if err != nil {
		return fmt.Errorf("failed to list playlist %s at provider: %w", playlist.ID, err)
	}
	task.SetProgress(50, nil)

	created := 0
	for _, entry := range entries {
		var existing models.Media
		err := s.db.First(&existing, "playlist_id = ? AND source_id = ?", playlist.ID, entry.SourceID).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to query media: %w", err)
		}

		media := models.Media{
			PlaylistID:  playlist.ID,
			SourceID:    entry.SourceID,
			Name:        entry.Name,
			DownloadURL: entry.DownloadURL,
		}
		if err := s.db.Create(&media).Error; err != nil {
			return fmt.Errorf("failed to create media row: %w", err)
		}
		created++

		chainErr := task.Chain(models.TaskMediaDownload, MediaDownloadParams{
			TargetKeys: taskengine.TargetKeys{
				UniqueID:   media.ID,
				Rule:       "playlist-sync",
				OfferingID: playlist.OfferingID,
				PlaylistID: playlist.ID,
				MediaID:    media.ID,
			},
			SourceID:    entry.SourceID,
			DownloadURL: entry.DownloadURL,
		})
		if chainErr != nil {
			return chainErr
		}
	}

	now := s.now()
	playlist.LastSyncedAt = &now
	if err := s.db.Save(&playlist).Error; err != nil {
		return fmt.Errorf("failed to record playlist sync time: %w", err)
	}

	log.Printf("Playlist %s synced: %d entries, %d new", playlist.ID, len(entries), created)
	return task.SetResult(map[string]int{"entries": len(entries), "new": created})
}
