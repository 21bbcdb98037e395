package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (a *api) listNotifications(c *gin.Context) {
	list, err := a.chat.Notifications(c.Request.Context(), currentUser(c))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (a *api) markNotificationRead(c *gin.Context) {
	n, err := a.chat.MarkNotificationRead(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, n)
}

func (a *api) markAllNotificationsRead(c *gin.Context) {
	if err := a.chat.MarkAllNotificationsRead(c.Request.Context(), currentUser(c)); err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "All notifications marked as read"})
}

func (a *api) deleteNotification(c *gin.Context) {
	if err := a.chat.DeleteNotification(c.Request.Context(), currentUser(c), c.Param("id")); err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Notification deleted"})
}
