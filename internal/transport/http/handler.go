// Package http is the echo transport for the agent core.
package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"github.com/routeiq/agent/internal/domain"
	"github.com/routeiq/agent/internal/service"
)

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
}

// NewHandler creates a new handler.
func NewHandler(svc *service.Service) *Handler {
	return &Handler{service: svc}
}

// RegisterRoutes registers the agent routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/v1/agent/chat", h.Chat)
	e.GET("/v1/agent/sessions/:session_id", h.GetSession)
	e.GET("/v1/agent/sessions/:session_id/messages", h.GetSessionMessages)
	e.GET("/health", h.Health)
}

// Chat runs one conversation turn and streams the result as SSE. Everything
// that can fail with a clean status code fails before the stream starts;
// after the first byte, failures arrive as error frames.
func (h *Handler) Chat(c echo.Context) error {
	var req domain.ChatRequest
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, "invalid request body")
	}

	turn, err := h.service.Prepare(c.Request().Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrValidation):
			return jsonError(c, http.StatusBadRequest, err.Error())
		case errors.Is(err, domain.ErrSessionNotFound):
			return jsonError(c, http.StatusNotFound, "session not found")
		case errors.Is(err, domain.ErrProviderUnavailable):
			log.Error().Err(err).Str("user_id", req.UserID).Msg("tool router unavailable")
			return jsonError(c, http.StatusBadGateway, "tool provider unavailable")
		default:
			log.Error().Err(err).Msg("failed to prepare turn")
			return jsonError(c, http.StatusInternalServerError, "internal error")
		}
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.Header().Set("X-Session-Id", turn.Session.ID)
	resp.WriteHeader(http.StatusOK)

	if err := turn.Run(c.Request().Context(), NewSSEEncoder(resp)); err != nil {
		// Already reported on the stream as an error frame.
		log.Error().Err(err).Str("session_id", turn.Session.ID).Msg("turn failed")
	}
	return nil
}

// GetSession returns a session with its transcript.
func (h *Handler) GetSession(c echo.Context) error {
	sess, messages, err := h.service.GetSession(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return jsonError(c, http.StatusNotFound, "session not found")
		}
		log.Error().Err(err).Msg("failed to load session")
		return jsonError(c, http.StatusInternalServerError, "internal error")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"session":  sess,
		"messages": messages,
	})
}

// GetSessionMessages returns the session transcript, oldest first.
func (h *Handler) GetSessionMessages(c echo.Context) error {
	limit := 0
	if err := echo.QueryParamsBinder(c).Int("limit", &limit).BindError(); err != nil {
		return jsonError(c, http.StatusBadRequest, "invalid limit")
	}

	messages, err := h.service.ListMessages(c.Request().Context(), c.Param("session_id"), limit)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return jsonError(c, http.StatusNotFound, "session not found")
		}
		log.Error().Err(err).Msg("failed to list messages")
		return jsonError(c, http.StatusInternalServerError, "internal error")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"messages": messages,
		"count":    len(messages),
	})
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

func jsonError(c echo.Context, status int, message string) error {
	return c.JSON(status, map[string]string{"error": message})
}

// NewServer creates and configures the HTTP server.
func NewServer(svc *service.Service) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	NewHandler(svc).RegisterRoutes(e)
	return e
}
