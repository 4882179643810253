package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kisara-dev/branchtalk/internal/chat"
	"github.com/kisara-dev/branchtalk/internal/common"
)

type createGroupReq struct {
	Name string `json:"name" binding:"required"`
}

func (h *Handler) CreateGroup(c *gin.Context) {
	var req createGroupReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "name is required")
		return
	}
	g, err := h.ChatSvc.CreateGroup(c.Request.Context(), username(c), req.Name)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50008, "failed to create group")
		return
	}
	common.OK(c, g)
}

func (h *Handler) ListGroups(c *gin.Context) {
	groups, err := h.ChatSvc.ListGroups(c.Request.Context(), username(c))
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50008, "failed to list groups")
		return
	}
	common.OK(c, gin.H{"groups": groups})
}

type addChatToGroupReq struct {
	ChatID string `json:"chat_id" binding:"required"`
}

func (h *Handler) AddChatToGroup(c *gin.Context) {
	var req addChatToGroupReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "chat_id is required")
		return
	}
	err := h.ChatSvc.AddChatToGroup(c.Request.Context(), username(c), c.Param("group_id"), req.ChatID)
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrChatNotFound):
			common.Fail(c, http.StatusNotFound, 40004, "chat not found")
		case errors.Is(err, chat.ErrGroupNotFound):
			common.Fail(c, http.StatusNotFound, 40008, "group not found")
		default:
			common.Fail(c, http.StatusInternalServerError, 50008, "failed to update group")
		}
		return
	}
	common.OK(c, gin.H{"added": true})
}
