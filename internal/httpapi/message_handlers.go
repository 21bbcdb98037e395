package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type sendMessageRequest struct {
	ReceiverID string `json:"receiverId" binding:"required"`
	Content    string `json:"content"`
}

type editMessageRequest struct {
	Content string `json:"content"`
}

func (a *api) sendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	m, err := a.chat.SendDirect(c.Request.Context(), currentUser(c), req.ReceiverID, req.Content)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (a *api) conversation(c *gin.Context) {
	msgs, err := a.chat.Conversation(c.Request.Context(), currentUser(c), c.Param("receiverId"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

func (a *api) chatHistory(c *gin.Context) {
	msgs, err := a.chat.ChatHistory(c.Request.Context(), currentUser(c), c.Param("chatId"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

func (a *api) editMessage(c *gin.Context) {
	var req editMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	m, err := a.chat.Edit(c.Request.Context(), currentUser(c), c.Param("messageId"), req.Content)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (a *api) deleteMessage(c *gin.Context) {
	m, err := a.chat.Delete(c.Request.Context(), currentUser(c), c.Param("messageId"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (a *api) markRead(c *gin.Context) {
	m, err := a.chat.MarkRead(c.Request.Context(), currentUser(c), c.Param("messageId"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}
