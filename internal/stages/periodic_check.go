package stages

import (
	"context"
	"fmt"
	"log"

	"lecturepipe/internal/models"
	"lecturepipe/internal/taskengine"
)

// cleanupSlotID is the fixed idempotency target for index cleanup, which
// sweeps the whole table rather than one entity.
const cleanupSlotID = "search-index-cleanup"

// HandlePeriodicCheck is the reconciliation sweep. It re-derives every
// pipeline trigger from database state, so any work lost to a crash,
// a dropped follow-on publish, or an exhausted retry chain is enqueued
// again as a fresh chain root. Each scan is guarded by the ledger so a
// sweep never duplicates work already queued or running.
func (s *Service) HandlePeriodicCheck(ctx context.Context, task *taskengine.Task) error {
	counts := map[string]int{}

	scans := []struct {
		name string
		run  func(context.Context) (int, error)
	}{
		{"playlistSync", s.scanStalePlaylists},
		{"mediaDownload", s.scanUndownloadedMedia},
		{"audioExtract", s.scanMissingAudio},
		{"transcribe", s.scanMissingTranscripts},
		{"generateCaptionFile", s.scanMissingCaptions},
		{"refreshCredential", s.scanCredentials},
		{"cleanupSearchIndex", s.scanStaleSearchDocuments},
	}
	for _, scan := range scans {
		n, err := scan.run(ctx)
		if err != nil {
			// One broken scan must not starve the rest; the next tick
			// retries it.
			log.Printf("ERROR: Periodic check scan %s failed: %v", scan.name, err)
			continue
		}
		counts[scan.name] = n
	}

	return task.SetResult(counts)
}

// scanStalePlaylists enqueues a sync for every playlist of a current
// term offering whose last sync is older than the staleness window.
func (s *Service) scanStalePlaylists(ctx context.Context) (int, error) {
	now := s.now()

	var terms []models.Term
	if err := s.db.Find(&terms).Error; err != nil {
		return 0, fmt.Errorf("failed to list terms: %w", err)
	}
	currentTerms := make([]string, 0, len(terms))
	for i := range terms {
		if terms[i].IsCurrent(now) {
			currentTerms = append(currentTerms, terms[i].ID)
		}
	}
	if len(currentTerms) == 0 {
		return 0, nil
	}

	var offerings []models.Offering
	if err := s.db.Find(&offerings, "term_id IN ?", currentTerms).Error; err != nil {
		return 0, fmt.Errorf("failed to list offerings: %w", err)
	}
	offeringIDs := make([]string, 0, len(offerings))
	for i := range offerings {
		offeringIDs = append(offeringIDs, offerings[i].ID)
	}
	if len(offeringIDs) == 0 {
		return 0, nil
	}

	var playlists []models.Playlist
	if err := s.db.Find(&playlists, "offering_id IN ?", offeringIDs).Error; err != nil {
		return 0, fmt.Errorf("failed to list playlists: %w", err)
	}

	enqueued := 0
	for i := range playlists {
		playlist := &playlists[i]
		if playlist.SyncedWithin(s.cfg.PlaylistStaleAfter, now) {
			continue
		}
		free, err := s.slotFree(playlist.ID, models.TaskPlaylistSync, false)
		if err != nil {
			return enqueued, err
		}
		if !free {
			continue
		}
		err = s.engine.Enqueue(ctx, models.TaskPlaylistSync, PlaylistSyncParams{
			TargetKeys: taskengine.TargetKeys{
				UniqueID:   playlist.ID,
				Rule:       "periodic-check",
				OfferingID: playlist.OfferingID,
				PlaylistID: playlist.ID,
			},
		})
		if err != nil {
			return enqueued, err
		}
		enqueued++
	}
	return enqueued, nil
}

// scanUndownloadedMedia enqueues a download for every media row whose
// file never landed on disk.
func (s *Service) scanUndownloadedMedia(ctx context.Context) (int, error) {
	var medias []models.Media
	if err := s.db.Find(&medias, "downloaded_file = ?", "").Error; err != nil {
		return 0, fmt.Errorf("failed to list undownloaded media: %w", err)
	}

	enqueued := 0
	for i := range medias {
		media := &medias[i]
		free, err := s.slotFree(media.ID, models.TaskMediaDownload, true)
		if err != nil {
			return enqueued, err
		}
		if !free {
			continue
		}
		err = s.engine.Enqueue(ctx, models.TaskMediaDownload, MediaDownloadParams{
			TargetKeys: taskengine.TargetKeys{
				UniqueID:   media.ID,
				Rule:       "periodic-check",
				PlaylistID: media.PlaylistID,
				MediaID:    media.ID,
			},
			SourceID:    media.SourceID,
			DownloadURL: media.DownloadURL,
		})
		if err != nil {
			return enqueued, err
		}
		enqueued++
	}
	return enqueued, nil
}

// scanMissingAudio enqueues audio extraction for downloaded media that
// never produced an audio track.
func (s *Service) scanMissingAudio(ctx context.Context) (int, error) {
	var medias []models.Media
	if err := s.db.Find(&medias, "downloaded_file <> ? AND audio_file = ?", "", "").Error; err != nil {
		return 0, fmt.Errorf("failed to list media missing audio: %w", err)
	}

	enqueued := 0
	for i := range medias {
		media := &medias[i]
		free, err := s.slotFree(media.ID, models.TaskAudioExtract, true)
		if err != nil {
			return enqueued, err
		}
		if !free {
			continue
		}
		err = s.engine.Enqueue(ctx, models.TaskAudioExtract, AudioExtractParams{
			TargetKeys: s.mediaKeys(media),
		})
		if err != nil {
			return enqueued, err
		}
		enqueued++
	}
	return enqueued, nil
}

// scanMissingTranscripts enqueues transcription for media with an audio
// track but no transcript for its video yet.
func (s *Service) scanMissingTranscripts(ctx context.Context) (int, error) {
	var medias []models.Media
	if err := s.db.Find(&medias, "audio_file <> ?", "").Error; err != nil {
		return 0, fmt.Errorf("failed to list media with audio: %w", err)
	}

	enqueued := 0
	for i := range medias {
		media := &medias[i]

		var video models.Video
		if err := s.db.First(&video, "media_id = ?", media.ID).Error; err != nil {
			continue
		}
		var transcripts int64
		err := s.db.Model(&models.Transcription{}).
			Where("video_id = ? AND transcript_json <> ?", video.ID, "").
			Count(&transcripts).Error
		if err != nil {
			return enqueued, fmt.Errorf("failed to count transcripts: %w", err)
		}
		if transcripts > 0 {
			continue
		}

		free, err := s.slotFree(media.ID, models.TaskTranscribe, true)
		if err != nil {
			return enqueued, err
		}
		if !free {
			continue
		}
		err = s.engine.Enqueue(ctx, models.TaskTranscribe, TranscribeParams{
			TargetKeys: s.mediaKeys(media),
			Language:   "en-US",
		})
		if err != nil {
			return enqueued, err
		}
		enqueued++
	}
	return enqueued, nil
}

// scanMissingCaptions enqueues caption generation for transcriptions
// that hold a transcript but never produced a caption file.
func (s *Service) scanMissingCaptions(ctx context.Context) (int, error) {
	var transcriptions []models.Transcription
	err := s.db.Find(&transcriptions, "transcript_json <> ? AND caption_file = ?", "", "").Error
	if err != nil {
		return 0, fmt.Errorf("failed to list transcriptions missing captions: %w", err)
	}

	enqueued := 0
	for i := range transcriptions {
		transcription := &transcriptions[i]

		var video models.Video
		if err := s.db.First(&video, "id = ?", transcription.VideoID).Error; err != nil {
			continue
		}
		var media models.Media
		if err := s.db.First(&media, "id = ?", video.MediaID).Error; err != nil {
			continue
		}

		free, err := s.slotFree(media.ID, models.TaskGenerateCaptionFile, true)
		if err != nil {
			return enqueued, err
		}
		if !free {
			continue
		}
		err = s.engine.Enqueue(ctx, models.TaskGenerateCaptionFile, GenerateCaptionFileParams{
			TargetKeys:      s.mediaKeys(&media),
			TranscriptionID: transcription.ID,
		})
		if err != nil {
			return enqueued, err
		}
		enqueued++
	}
	return enqueued, nil
}

// scanCredentials enqueues a refresh when the stored pair has aged past
// the refresh window.
func (s *Service) scanCredentials(ctx context.Context) (int, error) {
	needed, err := s.refresher.NeedsRefresh(BoxProvider, s.cfg.CredentialRefreshAfter)
	if err != nil {
		return 0, fmt.Errorf("failed to check credential age: %w", err)
	}
	if !needed {
		return 0, nil
	}
	free, err := s.slotFree(BoxProvider, models.TaskRefreshCredential, false)
	if err != nil || !free {
		return 0, err
	}
	err = s.engine.Enqueue(ctx, models.TaskRefreshCredential, RefreshCredentialParams{
		TargetKeys: taskengine.TargetKeys{UniqueID: BoxProvider, Rule: "periodic-check"},
		Provider:   BoxProvider,
	})
	if err != nil {
		return 0, err
	}
	return 1, nil
}

// scanStaleSearchDocuments enqueues one cleanup sweep when any stale
// documents exist.
func (s *Service) scanStaleSearchDocuments(ctx context.Context) (int, error) {
	var stale int64
	if err := s.db.Model(&models.SearchDocument{}).Where("stale = ?", true).Count(&stale).Error; err != nil {
		return 0, fmt.Errorf("failed to count stale search documents: %w", err)
	}
	if stale == 0 {
		return 0, nil
	}
	free, err := s.slotFree(cleanupSlotID, models.TaskCleanupSearchIndex, false)
	if err != nil || !free {
		return 0, err
	}
	err = s.engine.Enqueue(ctx, models.TaskCleanupSearchIndex, CleanupSearchIndexParams{
		TargetKeys: taskengine.TargetKeys{UniqueID: cleanupSlotID, Rule: "periodic-check"},
	})
	if err != nil {
		return 0, err
	}
	return 1, nil
}

// slotFree reports whether a scan may enqueue work for the target:
// false while an attempt is queued or running, and, when skipSucceeded
// is set, false once an attempt has already succeeded. The succeeded
// guard keeps a sweep from hot-looping on a row whose data condition a
// past success did not clear.
func (s *Service) slotFree(uniqueID string, taskType models.TaskType, skipSucceeded bool) (bool, error) {
	active, err := s.engine.Store().FindActive(uniqueID, taskType)
	if err != nil {
		return false, err
	}
	if active != nil {
		return false, nil
	}
	if skipSucceeded {
		done, err := s.engine.Store().HasSucceeded(uniqueID, taskType)
		if err != nil {
			return false, err
		}
		if done {
			return false, nil
		}
	}
	return true, nil
}

// mediaKeys builds the correlation keys for a media-targeted stage,
// filling VideoID when the derived row exists.
func (s *Service) mediaKeys(media *models.Media) taskengine.TargetKeys {
	keys := taskengine.TargetKeys{
		UniqueID:   media.ID,
		Rule:       "periodic-check",
		PlaylistID: media.PlaylistID,
		MediaID:    media.ID,
	}
	var video models.Video
	if err := s.db.First(&video, "media_id = ?", media.ID).Error; err == nil {
		keys.VideoID = video.ID
	}
	return keys
}
