// Package api exposes the generation engine over HTTP: SSE endpoints for
// streamed generation and a JSON endpoint for usage standing.
package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/topiary-ai/topiary/pkg/topiary"
)

const maxUserIDLen = 255

// Handler provides HTTP endpoints for generation and quota inspection.
type Handler struct {
	orch   *topiary.Orchestrator
	ledger *topiary.Ledger
	logger topiary.Logger
}

// NewHandler creates a handler over the orchestrator and ledger.
func NewHandler(orch *topiary.Orchestrator, ledger *topiary.Ledger, logger topiary.Logger) *Handler {
	if logger == nil {
		logger = &topiary.NoopLogger{}
	}
	return &Handler{orch: orch, ledger: ledger, logger: logger}
}

// Register attaches the handler's routes to an Echo instance.
func (h *Handler) Register(e *echo.Echo, middleware ...echo.MiddlewareFunc) {
	g := e.Group("", middleware...)
	g.POST("/nodes/:id/generate", h.Generate)
	g.POST("/nodes/:id/summary", h.GenerateSummary)
	g.GET("/usage", h.Usage)
}

// generateRequest is the JSON body for generation endpoints.
type generateRequest struct {
	ModelID         string `json:"model_id"`
	EstimatedTokens int64  `json:"estimated_tokens"`
}

// Generate streams generated content for a node over SSE.
func (h *Handler) Generate(c echo.Context) error {
	return h.generate(c, false)
}

// GenerateSummary streams a generated summary for a node over SSE.
func (h *Handler) GenerateSummary(c echo.Context) error {
	return h.generate(c, true)
}

func (h *Handler) generate(c echo.Context, summarize bool) error {
	userID, err := userIDFrom(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	}

	var body generateRequest
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if body.ModelID == "" {
		body.ModelID = topiary.ModelStandard
	}
	if body.EstimatedTokens < 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "estimated_tokens must be >= 0"})
	}

	req := &topiary.GenerateRequest{
		NodeID:          c.Param("id"),
		UserID:          userID,
		Tier:            tierFromHeader(c),
		ModelID:         body.ModelID,
		EstimatedTokens: body.EstimatedTokens,
	}

	setSSEHeaders(c.Response())
	c.Response().WriteHeader(http.StatusOK)

	writer, err := newSSEWriter(c.Response())
	if err != nil {
		return err
	}

	sink := func(chunk string) error {
		return writer.writeToken(chunk)
	}

	var result *topiary.GenerateResult
	if summarize {
		result, err = h.orch.GenerateSummary(c.Request().Context(), req, sink)
	} else {
		result, err = h.orch.Generate(c.Request().Context(), req, sink)
	}
	if err != nil {
		// Headers are already committed, so the only channel left is an
		// error event on the stream.
		h.logger.Info("generation request failed",
			topiary.Field{Key: "node_id", Value: req.NodeID},
			topiary.Field{Key: "error", Value: err},
		)
		return writer.writeError(publicError(err))
	}

	return writer.writeDone(result.JobID, result.RawTokens)
}

// Usage returns a JSON response of the user's current quota standing.
func (h *Handler) Usage(c echo.Context) error {
	userID, err := userIDFrom(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	}

	modelID := c.QueryParam("model_id")
	if modelID == "" {
		modelID = topiary.ModelStandard
	}

	usage, limit, err := h.ledger.Standing(c.Request().Context(), userID, tierFromHeader(c), modelID)
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Usage ledger unavailable"})
	}

	remaining := limit - usage.TokensUsed
	if remaining < 0 {
		remaining = 0
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"user_id":      usage.UserID,
		"period_start": usage.PeriodStart,
		"period_end":   usage.PeriodEnd,
		"tokens_used":  usage.TokensUsed,
		"limit":        limit,
		"remaining":    remaining,
		"tier":         usage.Tier,
	})
}

func userIDFrom(c echo.Context) (string, error) {
	userID := c.Request().Header.Get("X-User-ID")
	if userID == "" || len(userID) > maxUserIDLen {
		return "", errors.New("missing or invalid user ID")
	}
	return userID, nil
}

func tierFromHeader(c echo.Context) topiary.Tier {
	if topiary.Tier(c.Request().Header.Get("X-Tier")) == topiary.TierPro {
		return topiary.TierPro
	}
	return topiary.TierFree
}

// publicError maps engine errors onto client-safe messages. Internal detail
// stays in the logs.
func publicError(err error) string {
	switch {
	case errors.Is(err, topiary.ErrQuotaExceeded):
		return "quota exceeded"
	case errors.Is(err, topiary.ErrNodeNotFound):
		return "node not found"
	case errors.Is(err, topiary.ErrUnauthorized):
		return "not authorized for this node"
	case errors.Is(err, topiary.ErrInvalidReference):
		return "node has an invalid ancestor reference"
	case errors.Is(err, topiary.ErrLedgerUnavailable):
		return "usage ledger unavailable"
	case errors.Is(err, topiary.ErrPersistenceFailed):
		return "generated text could not be saved"
	default:
		return "generation failed"
	}
}
