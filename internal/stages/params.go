package stages

import "lecturepipe/internal/taskengine"

// Each task type owns a typed parameter schema (a tagged union keyed by
// TaskType) rather than an untyped document. All embed TargetKeys so the
// engine can claim the ledger row and fill the correlation columns.

// PlaylistSyncParams targets one playlist; UniqueID is the playlist id.
type PlaylistSyncParams struct {
	taskengine.TargetKeys
}

// MediaDownloadParams targets one media item; UniqueID is the media id.
type MediaDownloadParams struct {
	taskengine.TargetKeys
	SourceID    string `json:"sourceId,omitempty"`
	DownloadURL string `json:"downloadUrl,omitempty"`
}

// AudioExtractParams targets a downloaded media item.
type AudioExtractParams struct {
	taskengine.TargetKeys
}

// TranscribeParams targets a media item with an extracted audio track.
type TranscribeParams struct {
	taskengine.TargetKeys
	Language string `json:"language,omitempty"`
}

// GenerateCaptionFileParams targets a finished transcription.
type GenerateCaptionFileParams struct {
	taskengine.TargetKeys
	TranscriptionID string `json:"transcriptionId"`
}

// ProcessVideoParams targets the video derived from a media item.
type ProcessVideoParams struct {
	taskengine.TargetKeys
}

// SceneDetectParams targets the video derived from a media item.
type SceneDetectParams struct {
	taskengine.TargetKeys
}

// BuildSearchIndexParams targets one video's searchable content.
type BuildSearchIndexParams struct {
	taskengine.TargetKeys
}

// CleanupSearchIndexParams sweeps stale search documents; UniqueID is
// the fixed index maintenance slot.
type CleanupSearchIndexParams struct {
	taskengine.TargetKeys
}

// RefreshCredentialParams names the provider to refresh.
type RefreshCredentialParams struct {
	taskengine.TargetKeys
	Provider string `json:"provider"`
}
