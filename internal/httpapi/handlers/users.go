package handlers

import (
	"crypto/rand"
	"errors"
	"math/big"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/qiyuhang/multisolve/internal/auth"
	"github.com/qiyuhang/multisolve/internal/common"
	"github.com/qiyuhang/multisolve/internal/httpapi/middleware"
	"github.com/qiyuhang/multisolve/internal/identity"
	"github.com/qiyuhang/multisolve/internal/models"
	"github.com/qiyuhang/multisolve/internal/ratelimit"
)

type createUserReq struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// randomUsername11 fills in a handle when the client supplies none.
func randomUsername11() (string, error) {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	out := make([]byte, 11)
	for i := 0; i < 11; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(letters))))
		if err != nil {
			return "", err
		}
		out[i] = letters[n.Int64()]
	}
	return string(out), nil
}

func (h *Handler) CreateUser(c *gin.Context) {
	var req createUserReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || req.Password == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "email and password required")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20002, "failed to hash password")
		return
	}

	username := strings.TrimSpace(req.Username)
	if username == "" {
		for i := 0; i < 5; i++ {
			u, err := randomUsername11()
			if err != nil {
				common.Fail(c, http.StatusInternalServerError, 20004, "failed to generate username")
				return
			}
			var cnt int64
			if err := h.DB.Model(&models.User{}).Where("username = ?", u).Count(&cnt).Error; err != nil {
				common.Fail(c, http.StatusInternalServerError, 20005, "failed to check username")
				return
			}
			if cnt == 0 {
				username = u
				break
			}
		}
		if username == "" {
			common.Fail(c, http.StatusInternalServerError, 20006, "failed to allocate username")
			return
		}
	}

	user := models.User{
		Email:        req.Email,
		Username:     username,
		PasswordHash: hash,
	}
	if err := h.DB.Create(&user).Error; err != nil {
		common.Fail(c, http.StatusBadRequest, 10003, "failed to create user (maybe email already exists)")
		return
	}

	h.issueSession(c, &user)

	common.OK(c, gin.H{
		"id":       user.ID,
		"email":    user.Email,
		"username": user.Username,
	})
}

type loginReq struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) Login(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	var user models.User
	err := h.DB.Where("email = ?", strings.TrimSpace(strings.ToLower(req.Email))).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusUnauthorized, 40104, "invalid email or password")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}
	if !auth.CheckPassword(user.PasswordHash, req.Password) {
		common.Fail(c, http.StatusUnauthorized, 40104, "invalid email or password")
		return
	}

	h.issueSession(c, &user)

	common.OK(c, gin.H{
		"id":       user.ID,
		"email":    user.Email,
		"username": user.Username,
	})
}

// issueSession signs the auth cookie and, when the caller arrived with an
// anonymous token, restarts their registered quota and drops the anonymous
// counter and cookies.
func (h *Handler) issueSession(c *gin.Context, user *models.User) {
	token, err := h.Tokens.SignRegistered(user.ID, identity.RegisteredTokenTTL)
	if err != nil {
		h.Log.Error("sign token failed", "user", user.ID, "err", err)
		return
	}
	h.Resolver.SetAuthCookie(c, token)

	if anonTok, cerr := c.Cookie(identity.AnonTokenCookie); cerr == nil && anonTok != "" {
		hashedIP := h.Tokens.HashIP(c.ClientIP())
		registeredKey := ratelimit.CounterKeyFor(identity.Registered(user.ID), hashedIP)
		if merr := h.Governor.MigrateAnonymous(c.Request.Context(), registeredKey, hashedIP); merr != nil {
			h.Log.Warn("anonymous counter migration failed", "user", user.ID, "err", merr)
		}
		h.Resolver.ClearAnonCookies(c)
	}
}

func (h *Handler) Me(c *gin.Context) {
	id, ok := middleware.CurrentIdentity(c)
	if !ok {
		common.FailWithError(c, http.StatusUnauthorized, 40103, common.CodeNoAuth, "authentication required", nil)
		return
	}
	if anonID, isAnon := id.AnonymousID(); isAnon {
		common.OK(c, gin.H{"anonymous": true, "anonymous_id": anonID})
		return
	}

	userID, _ := id.UserID()
	var user models.User
	if err := h.DB.First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.FailWithError(c, http.StatusNotFound, 40401, common.CodeNotFound, "user not found", nil)
			return
		}
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}
	common.OK(c, gin.H{
		"id":            user.ID,
		"email":         user.Email,
		"username":      user.Username,
		"is_subscribed": user.IsSubscribed,
	})
}

func (h *Handler) Logout(c *gin.Context) {
	h.Resolver.ClearAuthCookie(c)
	common.OK(c, gin.H{"logged_out": true})
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"message": "pong"})
}
