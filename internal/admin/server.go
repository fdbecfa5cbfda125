// Package admin exposes the operational trigger endpoints and read-only
// task ledger inspection over HTTP. Triggers publish exactly the
// messages the awaker would, so operator-driven and timer-driven work
// flows through the same ledger discipline.
package admin

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"lecturepipe/internal/awaker"
	"lecturepipe/internal/ledger"
	"lecturepipe/internal/models"
	"lecturepipe/internal/stages"
	"lecturepipe/internal/taskengine"
)

// Server wires the admin routes.
type Server struct {
	db     *gorm.DB
	engine *taskengine.Engine
	awaker *awaker.Awaker
}

// NewServer creates the admin HTTP surface.
func NewServer(db *gorm.DB, engine *taskengine.Engine, awaker *awaker.Awaker) *Server {
	return &Server{db: db, engine: engine, awaker: awaker}
}

// Router builds the gin engine with all admin routes mounted.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	admin := router.Group("/admin")
	{
		admin.POST("/sync", s.syncAll)
		admin.POST("/playlists/:id/sync", s.syncPlaylist)
		admin.POST("/periodic-check", s.periodicCheck)
		admin.GET("/tasks/:id", s.getTask)
		admin.GET("/tasks", s.listTasks)
	}
	return router
}

// syncAll enqueues a playlist sync for every playlist in the database.
// The per-playlist idempotency check drops the ones already in flight.
func (s *Server) syncAll(c *gin.Context) {
	var playlists []models.Playlist
	if err := s.db.Find(&playlists).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	enqueued := 0
	for i := range playlists {
		playlist := &playlists[i]
		err := s.engine.Enqueue(c.Request.Context(), models.TaskPlaylistSync, stages.PlaylistSyncParams{
			TargetKeys: taskengine.TargetKeys{
				UniqueID:   playlist.ID,
				Rule:       "admin-sync",
				OfferingID: playlist.OfferingID,
				PlaylistID: playlist.ID,
			},
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "enqueued": enqueued})
			return
		}
		enqueued++
	}
	c.JSON(http.StatusAccepted, gin.H{"enqueued": enqueued})
}

// syncPlaylist enqueues a sync for one playlist.
func (s *Server) syncPlaylist(c *gin.Context) {
	id := c.Param("id")

	var playlist models.Playlist
	if err := s.db.First(&playlist, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "playlist not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	err := s.engine.Enqueue(c.Request.Context(), models.TaskPlaylistSync, stages.PlaylistSyncParams{
		TargetKeys: taskengine.TargetKeys{
			UniqueID:   playlist.ID,
			Rule:       "admin-sync",
			OfferingID: playlist.OfferingID,
			PlaylistID: playlist.ID,
		},
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"playlistId": playlist.ID})
}

// periodicCheck publishes the reconciliation message immediately.
func (s *Server) periodicCheck(c *gin.Context) {
	if err := s.awaker.RunNow(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "enqueued"})
}

// getTask returns one ledger row plus its retry chain.
func (s *Server) getTask(c *gin.Context) {
	item, err := s.engine.Store().ByID(c.Param("id"))
	if err != nil {
		if errors.Is(err, ledger.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	chain, err := s.engine.Store().AttemptChain(item.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": item, "attempts": chain})
}

// listTasks returns every row sharing an ancestor, i.e. one pipeline
// run's full fan-out.
func (s *Server) listTasks(c *gin.Context) {
	ancestor := c.Query("ancestor")
	if ancestor == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ancestor query parameter is required"})
		return
	}
	items, err := s.engine.Store().ByAncestor(ancestor)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": items})
}
