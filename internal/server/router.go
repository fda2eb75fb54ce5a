package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/vzoelfess/confessd/internal/audit"
	"github.com/vzoelfess/confessd/internal/auth"
	"github.com/vzoelfess/confessd/internal/database"
	"github.com/vzoelfess/confessd/internal/engine"
	"github.com/vzoelfess/confessd/internal/settings"
	"github.com/vzoelfess/confessd/internal/stats"
	"github.com/vzoelfess/confessd/internal/submissions"
	"github.com/vzoelfess/confessd/internal/submitters"
	"go.uber.org/zap"
)

const moderatorIDContextKey = "confessd_moderator_id"

var (
	errMissingEngine      = errors.New("engine dependency required")
	errMissingTokens      = errors.New("token issuer dependency required")
	errMissingSubmissions = errors.New("submission service dependency required")
	errMissingSubmitters  = errors.New("submitter service dependency required")
	errMissingTracker     = errors.New("stats tracker dependency required")
)

// Dependencies wires the HTTP surface to the core services.
type Dependencies struct {
	Engine      *engine.Engine
	Tokens      *auth.TokenIssuer
	Submissions *submissions.Service
	Submitters  *submitters.Service
	Tracker     *stats.Tracker
	Settings    *settings.Service
	Audit       *audit.Recorder
	Logger      *zap.Logger
}

// NewHTTPHandler builds the gin router: the public attempt endpoint plus the
// moderation API behind bearer auth.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.Tokens == nil {
		return nil, errMissingTokens
	}
	if deps.Submissions == nil {
		return nil, errMissingSubmissions
	}
	if deps.Submitters == nil {
		return nil, errMissingSubmitters
	}
	if deps.Tracker == nil {
		return nil, errMissingTracker
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		engine:      deps.Engine,
		tokens:      deps.Tokens,
		submissions: deps.Submissions,
		submitters:  deps.Submitters,
		tracker:     deps.Tracker,
		settings:    deps.Settings,
		audit:       deps.Audit,
		logger:      logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/auth/token", handler.handleIssueToken)
	router.POST("/submissions", handler.handleAttempt)

	protected := router.Group("/")
	protected.Use(handler.authorizeModerator)
	protected.GET("/moderation/pending", handler.handlePending)
	protected.POST("/moderation/:id/approve", handler.handleApprove)
	protected.POST("/moderation/:id/reject", handler.handleReject)
	protected.POST("/submitters/:id/ban", handler.handleBan)
	protected.DELETE("/submitters/:id/ban", handler.handleUnban)
	protected.POST("/submitters/:id/erase", handler.handleErase)
	protected.GET("/submitters/:id/stats", handler.handleSubmitterStats)
	protected.GET("/stats/hashtags", handler.handleTopHashtags)
	protected.GET("/stats/system", handler.handleSystemStats)
	protected.POST("/maintenance", handler.handleMaintenance)

	return router, nil
}

type httpHandler struct {
	engine      *engine.Engine
	tokens      *auth.TokenIssuer
	submissions *submissions.Service
	submitters  *submitters.Service
	tracker     *stats.Tracker
	settings    *settings.Service
	audit       *audit.Recorder
	logger      *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type tokenRequestPayload struct {
	ModeratorID int64  `json:"moderator_id"`
	Secret      string `json:"secret"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleIssueToken(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.ModeratorID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.tokens.Authenticate(request.Secret); err != nil {
		h.logger.Warn("moderator authentication failed", zap.Int64("moderator_id", request.ModeratorID))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	token, expiresIn, err := h.tokens.IssueModeratorToken(request.ModeratorID)
	if err != nil {
		h.logger.Error("failed to issue moderator token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) authorizeModerator(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	moderatorID, err := h.tokens.ValidateToken(strings.TrimPrefix(header, "Bearer "))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(moderatorIDContextKey, moderatorID)
	c.Next()
}

func (h *httpHandler) moderatorID(c *gin.Context) int64 {
	value, exists := c.Get(moderatorIDContextKey)
	if !exists {
		return 0
	}
	moderatorID, _ := value.(int64)
	return moderatorID
}

type attemptRequestPayload struct {
	SubmitterID int64    `json:"submitter_id"`
	Username    string   `json:"username"`
	DisplayName string   `json:"display_name"`
	Body        string   `json:"body"`
	Tags        []string `json:"tags"`
}

func (h *httpHandler) handleAttempt(c *gin.Context) {
	var request attemptRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.SubmitterID <= 0 || strings.TrimSpace(request.Body) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	notification := h.engine.HandleAttempt(c.Request.Context(), engine.AttemptEvent{
		SubmitterID: request.SubmitterID,
		Username:    request.Username,
		DisplayName: request.DisplayName,
		Body:        request.Body,
		Tags:        request.Tags,
	})

	switch notification.Kind {
	case engine.NotificationAdmitted:
		c.JSON(http.StatusAccepted, gin.H{
			"submission_id": notification.SubmissionID,
			"status":        "pending",
		})
	case engine.NotificationDenied:
		status := http.StatusTooManyRequests
		if notification.Reason == engine.DenyReasonBanned {
			status = http.StatusForbidden
		}
		if notification.Reason == engine.DenyReasonMaintenance {
			status = http.StatusServiceUnavailable
		}
		response := gin.H{"error": "denied", "reason": notification.Reason}
		if notification.Verdict != nil {
			response["count"] = notification.Verdict.Count
			response["reset_in_s"] = int64(notification.Verdict.ResetIn.Seconds())
		}
		c.JSON(status, response)
	default:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "try_again"})
	}
}

func (h *httpHandler) handlePending(c *gin.Context) {
	pending, err := h.submissions.GetPending(c.Request.Context())
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	items := make([]gin.H, 0, len(pending))
	for _, submission := range pending {
		items = append(items, gin.H{
			"id":           submission.ID,
			"submitter_id": submission.SubmitterID,
			"body":         submission.Body,
			"tags":         submission.Tags(),
			"created_at_s": submission.CreatedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"pending": items})
}

type approveRequestPayload struct {
	PublishedRef string `json:"published_ref"`
}

func (h *httpHandler) handleApprove(c *gin.Context) {
	submissionID, ok := pathID(c)
	if !ok {
		return
	}
	var request approveRequestPayload
	_ = c.ShouldBindJSON(&request)

	notification := h.engine.HandleDecision(c.Request.Context(), engine.DecisionEvent{
		SubmissionID: submissionID,
		ModeratorID:  h.moderatorID(c),
		Kind:         engine.DecisionApprove,
		PublishedRef: request.PublishedRef,
	})
	h.respondDecision(c, notification)
}

type rejectRequestPayload struct {
	Reason string `json:"reason"`
}

func (h *httpHandler) handleReject(c *gin.Context) {
	submissionID, ok := pathID(c)
	if !ok {
		return
	}
	var request rejectRequestPayload
	_ = c.ShouldBindJSON(&request)

	notification := h.engine.HandleDecision(c.Request.Context(), engine.DecisionEvent{
		SubmissionID: submissionID,
		ModeratorID:  h.moderatorID(c),
		Kind:         engine.DecisionReject,
		Reason:       request.Reason,
	})
	h.respondDecision(c, notification)
}

func (h *httpHandler) respondDecision(c *gin.Context, notification engine.Notification) {
	switch notification.Kind {
	case engine.NotificationPublished, engine.NotificationRejected:
		c.JSON(http.StatusOK, gin.H{
			"submission_id": notification.SubmissionID,
			"outcome":       notification.Kind,
		})
	default:
		switch notification.Reason {
		case "not_found":
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		case "already_reviewed":
			c.JSON(http.StatusConflict, gin.H{"error": "already_reviewed"})
		default:
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "try_again"})
		}
	}
}

type banRequestPayload struct {
	Reason string `json:"reason"`
}

func (h *httpHandler) handleBan(c *gin.Context) {
	submitterID, ok := pathID(c)
	if !ok {
		return
	}
	var request banRequestPayload
	_ = c.ShouldBindJSON(&request)

	if err := h.submitters.Ban(c.Request.Context(), submitterID, request.Reason); err != nil {
		h.respondServiceError(c, err)
		return
	}
	h.recordAudit(c, "submitter_banned", submitterID, request.Reason)
	c.JSON(http.StatusOK, gin.H{"submitter_id": submitterID, "banned": true})
}

func (h *httpHandler) handleUnban(c *gin.Context) {
	submitterID, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.submitters.Unban(c.Request.Context(), submitterID); err != nil {
		h.respondServiceError(c, err)
		return
	}
	h.recordAudit(c, "submitter_unbanned", submitterID, "")
	c.JSON(http.StatusOK, gin.H{"submitter_id": submitterID, "banned": false})
}

func (h *httpHandler) handleErase(c *gin.Context) {
	submitterID, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.submitters.Erase(c.Request.Context(), submitterID); err != nil {
		h.respondServiceError(c, err)
		return
	}
	h.recordAudit(c, "submitter_erased", submitterID, "")
	c.JSON(http.StatusOK, gin.H{"submitter_id": submitterID, "erased": true})
}

func (h *httpHandler) handleSubmitterStats(c *gin.Context) {
	submitterID, ok := pathID(c)
	if !ok {
		return
	}
	view, err := h.submitters.Stats(c.Request.Context(), submitterID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *httpHandler) handleTopHashtags(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	leaderboard, err := h.tracker.TopHashtags(c.Request.Context(), limit)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hashtags": leaderboard})
}

func (h *httpHandler) handleSystemStats(c *gin.Context) {
	view, err := h.tracker.SystemStats(c.Request.Context())
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type maintenanceRequestPayload struct {
	Enabled bool `json:"enabled"`
}

func (h *httpHandler) handleMaintenance(c *gin.Context) {
	if h.settings == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	var request maintenanceRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.settings.SetMaintenance(c.Request.Context(), request.Enabled); err != nil {
		h.respondServiceError(c, err)
		return
	}
	h.recordAudit(c, "maintenance_toggled", 0, strconv.FormatBool(request.Enabled))
	c.JSON(http.StatusOK, gin.H{"maintenance": request.Enabled})
}

func (h *httpHandler) respondServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, submissions.ErrNotFound), errors.Is(err, submitters.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, submissions.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "already_reviewed"})
	case errors.Is(err, database.ErrUnavailable):
		h.logger.Error("durable store unavailable", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "try_again"})
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "try_again"})
	}
}

func (h *httpHandler) recordAudit(c *gin.Context, action string, targetID int64, detail string) {
	if h.audit == nil {
		return
	}
	h.audit.Record(h.moderatorID(c), action, targetID, detail)
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return 0, false
	}
	return id, true
}
