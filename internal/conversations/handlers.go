package conversations

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/fableverse/gateway/internal/apierr"
	"github.com/fableverse/gateway/internal/auth"
	"github.com/fableverse/gateway/internal/logger"
)

// Handlers exposes conversation CRUD over HTTP.
type Handlers struct {
	store  Store
	logger *logger.Logger
}

// NewHandlers creates the conversation handlers.
func NewHandlers(store Store, log *logger.Logger) *Handlers {
	return &Handlers{store: store, logger: log.WithComponent("conversations")}
}

// Register mounts the CRUD routes on an authenticated router group.
func (h *Handlers) Register(group *gin.RouterGroup) {
	group.GET("/conversations", h.list)
	group.POST("/conversations", h.create)
	group.GET("/conversations/:id", h.get)
	group.DELETE("/conversations/:id", h.remove)
}

func (h *Handlers) fail(c *gin.Context, err error) {
	status, body := apierr.BodyOf(err)
	if status >= http.StatusInternalServerError {
		h.logger.LogError(c.Request.Context(), err, "conversation request failed")
	}
	c.JSON(status, body)
}

func (h *Handlers) list(c *gin.Context) {
	principal, _ := auth.PrincipalFrom(c)

	limit, _ := strconv.Atoi(c.Query("limit"))
	items, next, err := h.store.ListConversations(c.Request.Context(), principal.SubjectID, c.Query("cursor"), limit)
	if err != nil {
		h.fail(c, err)
		return
	}

	resp := gin.H{"conversations": items}
	if next != "" {
		resp["next_cursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) create(c *gin.Context) {
	principal, _ := auth.PrincipalFrom(c)

	var req struct {
		Title *string `json:"title"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		h.fail(c, apierr.New(apierr.KindContentRejected, "malformed request body"))
		return
	}

	conv, err := h.store.CreateConversation(c.Request.Context(), principal.SubjectID, req.Title)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

func (h *Handlers) get(c *gin.Context) {
	principal, _ := auth.PrincipalFrom(c)

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.fail(c, apierr.New(apierr.KindNotFound, "conversation not found"))
		return
	}

	conv, messages, err := h.store.GetConversation(c.Request.Context(), id, principal.SubjectID)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"conversation_id": conv.ID,
		"title":           conv.Title,
		"message_count":   conv.MessageCount,
		"created_at":      conv.CreatedAt,
		"messages":        messages,
	})
}

func (h *Handlers) remove(c *gin.Context) {
	principal, _ := auth.PrincipalFrom(c)

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.fail(c, apierr.New(apierr.KindNotFound, "conversation not found"))
		return
	}

	if err := h.store.DeleteConversation(c.Request.Context(), id, principal.SubjectID); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
