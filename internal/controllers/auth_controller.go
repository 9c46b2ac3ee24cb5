package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/zaqqye/proctoring_backend/internal/apperr"
	"github.com/zaqqye/proctoring_backend/internal/identity"
	"github.com/zaqqye/proctoring_backend/internal/kv"
	"github.com/zaqqye/proctoring_backend/internal/middleware"
	"github.com/zaqqye/proctoring_backend/internal/models"
	"github.com/zaqqye/proctoring_backend/internal/utils"
)

type UserStore interface {
	CreateUser(ctx context.Context, u *models.User) error
	FindUserByEmail(ctx context.Context, email string) (*models.User, error)
	FindUserByID(ctx context.Context, userID string) (*models.User, error)
}

type AuthController struct {
	Users  UserStore
	Tokens *identity.Provider
	KV     kv.Store
}

type registerRequest struct {
	FullName string `json:"full_name" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=6"`
	Role     string `json:"role"`   // defaults to candidate
	Active   *bool  `json:"active"` // optional, defaults to true
}

type loginRequest struct {
	Email             string `json:"email" binding:"required,email"`
	Password          string `json:"password" binding:"required"`
	DeviceFingerprint string `json:"device_fingerprint"`
}

// refreshRecord is what the TTL store keeps per issued refresh token.
type refreshRecord struct {
	UserID            string `json:"userId"`
	TokenHash         string `json:"tokenHash"`
	DeviceFingerprint string `json:"deviceFingerprint,omitempty"`
}

func refreshKey(jti string) string { return "refresh:" + jti }

// Register is mounted under the admin group.
func (a *AuthController) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	role := strings.ToLower(strings.TrimSpace(req.Role))
	if role == "" {
		role = models.RoleCandidate
	}
	if !IsValidRole(role) {
		respondError(c, apperr.Validation("invalid role"))
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	pw, err := utils.HashPassword(req.Password)
	if err != nil {
		respondError(c, err)
		return
	}
	user := models.User{
		FullName: req.FullName,
		Email:    strings.ToLower(strings.TrimSpace(req.Email)),
		Password: pw,
		Role:     role,
		Active:   active,
	}
	if err := a.Users.CreateUser(c.Request.Context(), &user); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"message":   "registered",
		"user_id":   user.UserID,
		"email":     user.Email,
		"full_name": user.FullName,
		"role":      user.Role,
	})
}

func (a *AuthController) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	user, err := a.Users.FindUserByEmail(c.Request.Context(), strings.TrimSpace(req.Email))
	if err != nil || !user.Active || !utils.CheckPassword(user.Password, req.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials", "code": apperr.CodeUnauthenticated})
		return
	}

	resp, err := a.issueTokens(c.Request.Context(), user, req.DeviceFingerprint)
	if err != nil {
		respondError(c, err)
		return
	}
	resp["role"] = user.Role
	log.Info().Str("user_id", user.UserID).Str("role", user.Role).Msg("login")
	c.JSON(http.StatusOK, resp)
}

func (a *AuthController) Me(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":    user.UserID,
		"email":      user.Email,
		"full_name":  user.FullName,
		"role":       user.Role,
		"active":     user.Active,
		"created_at": user.CreatedAt,
		"updated_at": user.UpdatedAt,
	})
}

func (a *AuthController) issueTokens(ctx context.Context, user *models.User, device string) (gin.H, error) {
	access, err := a.Tokens.IssueAccess(user.UserID, user.Role, user.Email)
	if err != nil {
		return nil, err
	}
	refresh, jti, err := a.Tokens.IssueRefresh(user.UserID)
	if err != nil {
		return nil, err
	}
	rec, err := json.Marshal(refreshRecord{UserID: user.UserID, TokenHash: utils.SHA256Hex(refresh), DeviceFingerprint: device})
	if err != nil {
		return nil, err
	}
	if err := a.KV.Set(ctx, refreshKey(jti), rec, a.Tokens.RefreshTTL()); err != nil {
		return nil, err
	}
	return gin.H{
		"access_token":       access,
		"token_type":         "Bearer",
		"expires_in":         int(a.Tokens.AccessTTL().Seconds()),
		"refresh_token":      refresh,
		"refresh_expires_in": int(a.Tokens.RefreshTTL().Seconds()),
	}, nil
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// Refresh consumes the stored record with GETDEL, so a refresh token rotates
// exactly once even under concurrent use.
func (a *AuthController) Refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	claims, err := a.Tokens.VerifyRefresh(req.RefreshToken)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token", "code": apperr.CodeUnauthenticated})
		return
	}

	ctx := c.Request.Context()
	raw, err := a.KV.GetDel(ctx, refreshKey(claims.ID))
	if errors.Is(err, kv.ErrNotFound) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "refresh token expired or revoked", "code": apperr.CodeUnauthenticated})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	var rec refreshRecord
	if err := json.Unmarshal(raw, &rec); err != nil || rec.TokenHash != utils.SHA256Hex(req.RefreshToken) || rec.UserID != claims.Subject {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token", "code": apperr.CodeUnauthenticated})
		return
	}

	user, err := a.Users.FindUserByID(ctx, rec.UserID)
	if err != nil || !user.Active {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found or inactive", "code": apperr.CodeUnauthenticated})
		return
	}
	resp, err := a.issueTokens(ctx, user, rec.DeviceFingerprint)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Logout revokes the given refresh token. Access tokens stay valid until they
// expire.
func (a *AuthController) Logout(c *gin.Context) {
	var req logoutRequest
	_ = c.ShouldBindJSON(&req)
	if req.RefreshToken != "" {
		if claims, err := a.Tokens.VerifyRefresh(req.RefreshToken); err == nil {
			if err := a.KV.Del(c.Request.Context(), refreshKey(claims.ID)); err != nil {
				log.Warn().Err(err).Msg("revoke refresh token")
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}
