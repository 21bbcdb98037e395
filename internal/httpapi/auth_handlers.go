package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/verbose/chat/internal/auth"
)

type signupRequest struct {
	Username string `json:"username" binding:"required"`
	Email    string `json:"email" binding:"required"`
}

type loginRequest struct {
	Email string `json:"email" binding:"required"`
}

type verifyOTPRequest struct {
	Email string `json:"email" binding:"required"`
	OTP   string `json:"otp" binding:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (a *api) signup(c *gin.Context) {
	var req signupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if _, err := a.auth.Signup(c.Request.Context(), req.Username, req.Email); err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "OTP sent to email. Please verify."})
}

func (a *api) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := a.auth.Login(c.Request.Context(), req.Email); err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "OTP sent to email."})
}

func (a *api) verifyOTP(c *gin.Context) {
	var req verifyOTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	sess, err := a.auth.VerifyOTP(c.Request.Context(), req.Email, req.OTP)
	if err != nil {
		a.writeError(c, err)
		return
	}
	a.setSessionCookies(c, sess.Tokens)
	c.JSON(http.StatusOK, sess)
}

func (a *api) refresh(c *gin.Context) {
	token, _ := c.Cookie(auth.RefreshCookie)
	if token == "" {
		var req refreshRequest
		_ = c.ShouldBindJSON(&req)
		token = req.RefreshToken
	}
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "refresh token required"})
		return
	}

	sess, err := a.auth.Refresh(c.Request.Context(), token)
	if err != nil {
		a.writeError(c, err)
		return
	}
	a.setSessionCookies(c, sess.Tokens)
	c.JSON(http.StatusOK, sess)
}

// logout always clears cookies; stored refresh tokens are revoked when the
// caller is still authenticated.
func (a *api) logout(c *gin.Context) {
	if userID, err := a.auth.Authenticate(auth.TokenFromRequest(c.Request)); err == nil {
		if err := a.auth.Logout(c.Request.Context(), userID); err != nil {
			a.writeError(c, err)
			return
		}
	}
	a.clearSessionCookies(c)
	c.JSON(http.StatusOK, gin.H{"message": "Logged out successfully"})
}

func (a *api) me(c *gin.Context) {
	u, err := a.auth.Me(c.Request.Context(), currentUser(c))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

func (a *api) setSessionCookies(c *gin.Context, t auth.TokenPair) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(auth.AccessCookie, t.AccessToken, maxAge(t.AccessExpiresAt), "/", "", a.cookieSecure, true)
	c.SetCookie(auth.RefreshCookie, t.RefreshToken, maxAge(t.RefreshExpiresAt), "/", "", a.cookieSecure, true)
}

func (a *api) clearSessionCookies(c *gin.Context) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(auth.AccessCookie, "", -1, "/", "", a.cookieSecure, true)
	c.SetCookie(auth.RefreshCookie, "", -1, "/", "", a.cookieSecure, true)
}

func maxAge(exp time.Time) int {
	secs := int(time.Until(exp).Seconds())
	if secs < 1 {
		return 1
	}
	return secs
}
