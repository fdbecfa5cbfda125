// Package stages implements the pipeline stage workers. Each stage
// consumes one queue, performs or delegates its unit of work, updates
// its ledger row through the task engine harness, and chains the
// message(s) for the next stage(s).
package stages

import (
	"time"

	"gorm.io/gorm"

	"lecturepipe/internal/config"
	"lecturepipe/internal/mediasource"
	"lecturepipe/internal/models"
	"lecturepipe/internal/oauth"
	"lecturepipe/internal/taskengine"
)

// BoxProvider is the storage provider whose OAuth pair the credential
// refresh stage maintains.
const BoxProvider = "box"

// Remote worker kinds the heavy stages delegate to.
const (
	WorkerTranscribe  = "transcribe"
	WorkerSceneDetect = "scenedetect"
	WorkerTranscode   = "transcode"
)

// Service holds the shared dependencies of every stage handler.
type Service struct {
	db        *gorm.DB
	engine    *taskengine.Engine
	source    *mediasource.Client
	refresher *oauth.Refresher
	cfg       *config.Config
	now       func() time.Time
}

// NewService creates the stage worker service.
func NewService(db *gorm.DB, engine *taskengine.Engine, source *mediasource.Client, refresher *oauth.Refresher, cfg *config.Config) *Service {
	return &Service{
		db:        db,
		engine:    engine,
		source:    source,
		refresher: refresher,
		cfg:       cfg,
		now:       time.Now,
	}
}

// SetClock overrides the clock (tests only).
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// RegisterAll binds every stage to the engine at its configured
// concurrency.
func (s *Service) RegisterAll() error {
	all := []taskengine.Stage{
		{Type: models.TaskPlaylistSync, Handler: s.HandlePlaylistSync},
		{Type: models.TaskMediaDownload, Handler: s.HandleMediaDownload},
		{Type: models.TaskAudioExtract, Handler: s.HandleAudioExtract},
		{Type: models.TaskTranscribe, Handler: s.HandleTranscribe},
		{Type: models.TaskGenerateCaptionFile, Handler: s.HandleGenerateCaptionFile},
		{Type: models.TaskProcessVideo, Handler: s.HandleProcessVideo},
		{Type: models.TaskSceneDetect, Handler: s.HandleSceneDetect},
		{Type: models.TaskBuildSearchIndex, Handler: s.HandleBuildSearchIndex},
		{Type: models.TaskCleanupSearchIndex, Handler: s.HandleCleanupSearchIndex},
		{Type: models.TaskRefreshCredential, Handler: s.HandleRefreshCredential},
		{Type: models.TaskPeriodicCheck, Handler: s.HandlePeriodicCheck},
	}
	for _, stage := range all {
		stage.Concurrency = s.cfg.ConcurrencyFor(stage.Type)
		if err := s.engine.Register(stage); err != nil {
			return err
		}
	}
	return nil
}
