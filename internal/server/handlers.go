package server

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/internal/service"
)

type publishRequest struct {
	PostID                uint     `json:"post_id"`
	Platforms             []string `json:"platforms"`
	CanonicalURL          string   `json:"canonical_url"`
	Tags                  []string `json:"tags"`
	HashnodePublicationID string   `json:"hashnode_publication_id"`
}

type publishConnectedRequest struct {
	Platforms    []string `json:"platforms"`
	CanonicalURL string   `json:"canonical_url"`
	Tags         []string `json:"tags"`
}

func (s *Server) handlePublish(c *gin.Context) {
	var req publishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.PostID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "post_id is required"})
		return
	}
	if len(req.Platforms) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "At least one platform is required"})
		return
	}

	userID := currentUserID(c)
	if !s.ensurePost(c, req.PostID, userID) {
		return
	}

	taskIDs, err := s.Dispatcher.Dispatch(c.Request.Context(), service.DispatchRequest{
		UserID:        userID,
		PostID:        req.PostID,
		Platforms:     req.Platforms,
		CanonicalURL:  req.CanonicalURL,
		Tags:          req.Tags,
		PublicationID: req.HashnodePublicationID,
	})
	if err != nil {
		s.dispatchError(c, req.PostID, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"message":  fmt.Sprintf("Publishing queued for %d platform(s)", len(taskIDs)),
		"task_ids": taskIDs,
	})
}

// handlePublishConnected publishes to the requested platforms the user has credentials for.
func (s *Server) handlePublishConnected(c *gin.Context) {
	postID, ok := postIDParam(c)
	if !ok {
		return
	}

	var req publishConnectedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if len(req.Platforms) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "At least one platform is required"})
		return
	}

	userID := currentUserID(c)
	if !s.ensurePost(c, postID, userID) {
		return
	}

	credentials, err := s.Credentials.ListByUser(c.Request.Context(), userID)
	if err != nil {
		s.Logger.Error("Failed to list credentials", zap.Uint("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load platform connections"})
		return
	}

	// Workers look credentials up by canonical name and take the newest row.
	connected := make(map[models.Platform]*models.PlatformCredential, len(credentials))
	for i := range credentials {
		platform := models.Platform(credentials[i].PlatformName)
		if prev := connected[platform]; prev == nil || credentials[i].ID > prev.ID {
			connected[platform] = &credentials[i]
		}
	}

	var platforms []string
	for _, name := range req.Platforms {
		platform, err := models.ParsePlatform(name)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Unsupported platform: %s", name)})
			return
		}
		if connected[platform] != nil {
			platforms = append(platforms, platform.String())
		}
	}
	if len(platforms) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "None of the requested platforms are connected"})
		return
	}

	dispatch := service.DispatchRequest{
		UserID:       userID,
		PostID:       postID,
		Platforms:    platforms,
		CanonicalURL: req.CanonicalURL,
		Tags:         req.Tags,
	}
	if cred := connected[models.PlatformHashnode]; cred != nil {
		dispatch.PublicationID = cred.PublicationID
	}

	taskIDs, err := s.Dispatcher.Dispatch(c.Request.Context(), dispatch)
	if err != nil {
		s.dispatchError(c, postID, err)
		return
	}

	queued := make([]models.Platform, 0, len(taskIDs))
	for platform := range taskIDs {
		queued = append(queued, platform)
	}
	slices.Sort(queued)

	c.JSON(http.StatusAccepted, gin.H{
		"success":          true,
		"post_id":          postID,
		"message":          fmt.Sprintf("Publishing queued for %d platform(s)", len(taskIDs)),
		"task_ids":         taskIDs,
		"platforms_queued": queued,
	})
}

func (s *Server) handleTaskStatus(c *gin.Context) {
	view, err := s.Status.JobStatus(c.Request.Context(), c.Param("task_id"))
	if err != nil {
		s.Logger.Error("Failed to get task status", zap.String("task_id", c.Param("task_id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get task status"})
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) handlePostStatus(c *gin.Context) {
	postID, ok := postIDParam(c)
	if !ok {
		return
	}

	view, err := s.Status.PostStatus(c.Request.Context(), currentUserID(c), postID)
	if err != nil {
		s.statusError(c, postID, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) handlePublishHistory(c *gin.Context) {
	postID, ok := postIDParam(c)
	if !ok {
		return
	}

	view, err := s.Status.PublishHistory(c.Request.Context(), currentUserID(c), postID)
	if err != nil {
		s.statusError(c, postID, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) handleListPlatforms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"platforms": s.Publishers.Platforms()})
}

func (s *Server) handlePlatformStats(c *gin.Context) {
	days, err := strconv.Atoi(c.DefaultQuery("days", "7"))
	if err != nil || days <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid days"})
		return
	}

	stats, err := s.Monitoring.GetPlatformStats(c.Request.Context(), days)
	if err != nil {
		s.Logger.Error("Failed to get platform stats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get platform stats"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

func (s *Server) handleRecentErrors(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 500 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
		return
	}

	logs, err := s.Monitoring.GetRecentErrors(c.Request.Context(), limit)
	if err != nil {
		s.Logger.Error("Failed to get recent errors", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get recent errors"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"errors": logs})
}

// ensurePost writes a 404 and returns false when the user has no such post.
func (s *Server) ensurePost(c *gin.Context, postID, userID uint) bool {
	post, err := s.Posts.Get(c.Request.Context(), postID, userID)
	if err != nil {
		s.Logger.Error("Failed to load post", zap.Uint("post_id", postID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load post"})
		return false
	}
	if post == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Post not found"})
		return false
	}
	return true
}

func (s *Server) dispatchError(c *gin.Context, postID uint, err error) {
	switch {
	case errors.Is(err, service.ErrValidation), errors.Is(err, service.ErrUnsupportedPlatform):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrQueueUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Task queue unavailable"})
	default:
		s.Logger.Error("Failed to dispatch publish jobs", zap.Uint("post_id", postID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start publishing"})
	}
}

func (s *Server) statusError(c *gin.Context, postID uint, err error) {
	if errors.Is(err, service.ErrPostNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Post not found"})
		return
	}
	s.Logger.Error("Failed to get publish status", zap.Uint("post_id", postID), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get publish status"})
}

func postIDParam(c *gin.Context) (uint, bool) {
	postID, err := strconv.ParseUint(c.Param("post_id"), 10, 64)
	if err != nil || postID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid post_id"})
		return 0, false
	}
	return uint(postID), true
}
