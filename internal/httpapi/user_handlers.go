package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type userView struct {
	ID       string    `json:"id"`
	Username string    `json:"username"`
	Email    string    `json:"email"`
	LastSeen time.Time `json:"lastSeen"`
	Online   bool      `json:"online"`
}

type statusView struct {
	ID       string    `json:"id"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen"`
}

func (a *api) listUsers(c *gin.Context) {
	users, err := a.users.ListVerifiedUsers(c.Request.Context())
	if err != nil {
		a.writeError(c, err)
		return
	}
	out := make([]userView, 0, len(users))
	for _, u := range users {
		out = append(out, userView{
			ID:       u.ID,
			Username: u.Username,
			Email:    u.Email,
			LastSeen: u.LastSeen,
			Online:   a.isOnline(u.ID),
		})
	}
	c.JSON(http.StatusOK, out)
}

func (a *api) userStatus(c *gin.Context) {
	u, err := a.users.FindUser(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	view := statusView{ID: u.ID, LastSeen: u.LastSeen}
	if a.presence != nil {
		if joinedAt, ok := a.presence.Status(u.ID); ok {
			view.Online = true
			if joinedAt.After(view.LastSeen) {
				view.LastSeen = joinedAt
			}
		}
	}
	c.JSON(http.StatusOK, view)
}

func (a *api) isOnline(userID string) bool {
	return a.presence != nil && a.presence.IsOnline(userID)
}
