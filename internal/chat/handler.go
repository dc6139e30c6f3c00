// Package chat exposes the unified chat endpoint: one URL that dispatches to
// the orchestrator and answers either as JSON or as an SSE stream.
package chat

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/fableverse/gateway/internal/apierr"
	"github.com/fableverse/gateway/internal/auth"
	"github.com/fableverse/gateway/internal/eventbus"
	"github.com/fableverse/gateway/internal/logger"
	"github.com/fableverse/gateway/internal/metrics"
	"github.com/fableverse/gateway/internal/orchestrator"
	"github.com/fableverse/gateway/internal/sse"
)

// request is the unified chat request body.
type request struct {
	Message        string  `json:"message"`
	ConversationID *string `json:"conversation_id"`
	Stream         bool    `json:"stream"`
	FormatHint     string  `json:"format_hint"`
	Model          string  `json:"model"`
	Scenario       string  `json:"scenario"`
}

// Handler serves the unified chat endpoint.
type Handler struct {
	orch    *orchestrator.Orchestrator
	bus     eventbus.Bus
	opts    sse.Options
	logger  *logger.Logger
	metrics *metrics.Metrics
}

// NewHandler creates the chat handler.
func NewHandler(orch *orchestrator.Orchestrator, bus eventbus.Bus, opts sse.Options, log *logger.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		orch:    orch,
		bus:     bus,
		opts:    opts,
		logger:  log.WithComponent("chat"),
		metrics: m,
	}
}

// Handle serves POST /api/{version}/chat. version controls the default
// response shape for non-streaming replies.
func (h *Handler) Handle(version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := auth.PrincipalFrom(c)
		if !ok {
			status, body := apierr.BodyOf(apierr.New(apierr.KindMissingCredential, "no credentials provided"))
			c.JSON(status, body)
			return
		}

		var req request
		if err := c.ShouldBindJSON(&req); err != nil || req.Message == "" {
			status, body := apierr.BodyOf(apierr.New(apierr.KindContentRejected, "message is required"))
			c.JSON(status, body)
			return
		}

		orchReq := orchestrator.Request{
			Message:     req.Message,
			Model:       req.Model,
			ScenarioTag: req.Scenario,
			FormatHint:  req.FormatHint,
		}
		if req.ConversationID != nil {
			id, err := uuid.Parse(*req.ConversationID)
			if err != nil {
				status, body := apierr.BodyOf(apierr.New(apierr.KindNotFound, "conversation not found"))
				c.JSON(status, body)
				return
			}
			orchReq.ConversationID = &id
		}

		if req.Stream {
			h.handleStream(c, principal, orchReq)
			return
		}
		h.handleJSON(c, principal, orchReq, version)
	}
}

func (h *Handler) handleJSON(c *gin.Context, principal *auth.Principal, req orchestrator.Request, version string) {
	result, err := h.orch.ProcessChat(c.Request.Context(), principal, req)
	if err != nil {
		status, body := apierr.BodyOf(err)
		if status >= http.StatusInternalServerError {
			h.logger.LogError(c.Request.Context(), err, "chat request failed")
		}
		c.JSON(status, body)
		return
	}

	payload, err := orchestrator.Encode(result, orchestrator.FormatFor(req.FormatHint, version))
	if err != nil {
		status, body := apierr.BodyOf(apierr.Wrap(apierr.KindInternal, "encoding response", err))
		c.JSON(status, body)
		return
	}
	c.Data(http.StatusOK, "application/json", payload)
}

func (h *Handler) handleStream(c *gin.Context, principal *auth.Principal, req orchestrator.Request) {
	stream, err := h.orch.ProcessChatStream(c.Request.Context(), principal, req)
	if err != nil {
		// The stream has not opened yet, so errors are plain HTTP.
		status, body := apierr.BodyOf(err)
		if status >= http.StatusInternalServerError {
			h.logger.LogError(c.Request.Context(), err, "chat stream setup failed")
		}
		c.JSON(status, body)
		return
	}

	session, err := sse.NewSession(c.Writer, stream, h.bus, principal.SubjectID, h.opts, h.logger, h.metrics)
	if err != nil {
		stream.Cancel()
		status, body := apierr.BodyOf(apierr.Wrap(apierr.KindInternal, "streaming unsupported", err))
		c.JSON(status, body)
		return
	}

	session.Run(c.Request.Context())
}
