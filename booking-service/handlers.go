package main

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"concert-session/booking"
	"concert-session/shared"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const userIDKey = "user_id"

type handlers struct {
	svc    *Service
	store  Store
	logger *zap.Logger
}

func setupRoutes(svc *Service, store Store, secret []byte, logger *zap.Logger) *gin.Engine {
	h := &handlers{svc: svc, store: store, logger: logger.Named("http")}

	router := gin.New()
	router.Use(gin.Recovery(), h.requestLogger())

	api := router.Group("/api", authRequired(secret))
	{
		api.POST("/schedules/:id/queue", h.handleJoinQueue)
		api.GET("/schedules/:id/queue/:token", h.handleQueueStatus)
		api.GET("/schedules/:id/seats", h.handleGetSeats)
		api.POST("/holds", h.handleHold)
		api.POST("/holds/renew", h.handleRenew)
		api.POST("/holds/confirm", h.handleConfirm)
		api.POST("/sessions/leave", h.handleLeave)
	}

	router.GET(shared.APIEndpointHealth, h.handleHealth)
	return router
}

// authRequired rejects requests without a valid bearer credential and
// stores the caller's user id on the context.
func authRequired(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := shared.BearerFromRequest(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, shared.ErrorResponse{Error: err.Error()})
			return
		}
		claims, err := shared.ParseToken(secret, raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, shared.ErrorResponse{Error: err.Error()})
			return
		}
		c.Set(userIDKey, claims.UserID)
		c.Next()
	}
}

func (h *handlers) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func (h *handlers) handleJoinQueue(c *gin.Context) {
	scheduleID, ok := scheduleParam(c)
	if !ok {
		return
	}
	ticket, err := h.svc.JoinQueue(c.Request.Context(), c.GetString(userIDKey), scheduleID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ticket)
}

func (h *handlers) handleQueueStatus(c *gin.Context) {
	scheduleID, ok := scheduleParam(c)
	if !ok {
		return
	}
	status, err := h.svc.QueueStatus(c.Request.Context(), c.GetString(userIDKey), scheduleID, c.Param("token"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *handlers) handleGetSeats(c *gin.Context) {
	scheduleID, ok := scheduleParam(c)
	if !ok {
		return
	}
	seats, err := h.svc.Seats(c.Request.Context(), scheduleID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, seats)
}

func (h *handlers) handleHold(c *gin.Context) {
	var req shared.HoldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, shared.ErrorResponse{Error: "Invalid request"})
		return
	}
	hold, err := h.svc.Hold(c.Request.Context(), c.GetString(userIDKey), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, hold)
}

func (h *handlers) handleRenew(c *gin.Context) {
	var req shared.RenewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, shared.ErrorResponse{Error: "Invalid request"})
		return
	}
	renewal, err := h.svc.Renew(c.Request.Context(), c.GetString(userIDKey), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, renewal)
}

func (h *handlers) handleConfirm(c *gin.Context) {
	var req shared.ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, shared.ErrorResponse{Error: "Invalid request"})
		return
	}
	conf, err := h.svc.Confirm(c.Request.Context(), c.GetString(userIDKey), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, conf)
}

func (h *handlers) handleLeave(c *gin.Context) {
	var req shared.LeaveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, shared.ErrorResponse{Error: "Invalid request"})
		return
	}
	if err := h.svc.Leave(c.Request.Context(), c.GetString(userIDKey), req); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) handleHealth(c *gin.Context) {
	if err := h.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handlers) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, shared.ErrorResponse{Error: err.Error()})
}

// statusFor maps service errors onto the status codes booking clients
// interpret.
func statusFor(err error) int {
	switch {
	case errors.Is(err, booking.ErrHoldExpired):
		return http.StatusGone
	case errors.Is(err, booking.ErrQueueRevoked):
		return http.StatusForbidden
	case errors.Is(err, booking.ErrSeatUnavailable):
		return http.StatusConflict
	case errors.Is(err, booking.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, errNotAdmitted):
		return http.StatusTooEarly
	case errors.Is(err, errUnknownSchedule):
		return http.StatusNotFound
	case errors.Is(err, errInvalidRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func scheduleParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, shared.ErrorResponse{Error: "invalid schedule id"})
		return 0, false
	}
	return id, true
}
