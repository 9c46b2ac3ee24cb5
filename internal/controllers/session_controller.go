package controllers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zaqqye/proctoring_backend/internal/apperr"
	"github.com/zaqqye/proctoring_backend/internal/liveness"
	"github.com/zaqqye/proctoring_backend/internal/middleware"
	"github.com/zaqqye/proctoring_backend/internal/models"
	"github.com/zaqqye/proctoring_backend/internal/pairing"
	"github.com/zaqqye/proctoring_backend/internal/sessions"
)

type SessionController struct {
	Registry *sessions.Registry
	Broker   *pairing.Broker
	Liveness *liveness.Tracker
}

type startRequest struct {
	ExamID            string `json:"examId" binding:"required"`
	DeviceFingerprint string `json:"deviceFingerprint"`
}

func sessionJSON(s *models.Session) gin.H {
	return gin.H{
		"sessionId":      s.ID,
		"examId":         s.ExamID,
		"candidateId":    s.CandidateID,
		"status":         s.Status,
		"reviewDecision": s.ReviewDecision,
		"violationScore": s.ViolationScore,
		"roomId":         s.RoomID,
		"startedAt":      s.StartedAt,
		"expiresAt":      s.ExpiresAt,
		"submittedAt":    s.SubmittedAt,
		"autoScore":      s.AutoScore,
		"mobilePairedAt": s.MobilePairedAt,
	}
}

func (sc *SessionController) Start(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ident, _ := middleware.CurrentIdentity(c)
	s, err := sc.Registry.Start(c.Request.Context(), sessions.StartInput{
		ExamID:      req.ExamID,
		CandidateID: ident.UserID,
		Fingerprint: req.DeviceFingerprint,
		IPAddress:   c.ClientIP(),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sessionJSON(s))
}

func (sc *SessionController) Get(c *gin.Context) {
	ident, _ := middleware.CurrentIdentity(c)
	var (
		s   *models.Session
		err error
	)
	if ident.HasRole(models.RoleAdmin, models.RoleProctor) {
		s, err = sc.Registry.Get(c.Request.Context(), c.Param("id"))
	} else {
		s, err = sc.Registry.GetOwned(c.Request.Context(), c.Param("id"), ident.UserID)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionJSON(s))
}

func (sc *SessionController) IssuePairingToken(c *gin.Context) {
	ident, _ := middleware.CurrentIdentity(c)
	issued, err := sc.Broker.IssueToken(c.Request.Context(), c.Param("id"), ident.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, issued)
}

type claimRequest struct {
	PairingToken      string `json:"pairingToken" binding:"required"`
	DeviceFingerprint string `json:"deviceFingerprint"`
}

func (sc *SessionController) ClaimPairing(c *gin.Context) {
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	claimed, err := sc.Broker.ClaimToken(c.Request.Context(), req.PairingToken, req.DeviceFingerprint)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, claimed)
}

type answerRequest struct {
	QuestionID string              `json:"questionId" binding:"required"`
	AnswerType models.QuestionType `json:"answerType" binding:"required"`
	Response   json.RawMessage     `json:"response"`
	LatencyMs  *int                `json:"latencyMs"`
}

func (sc *SessionController) SaveAnswer(c *gin.Context) {
	var req answerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ident, _ := middleware.CurrentIdentity(c)
	a, err := sc.Registry.SaveAnswer(c.Request.Context(), c.Param("id"), ident.UserID, sessions.AnswerInput{
		QuestionID: req.QuestionID,
		AnswerType: req.AnswerType,
		Response:   req.Response,
		LatencyMs:  req.LatencyMs,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessionId":  a.SessionID,
		"questionId": a.QuestionID,
		"answerType": a.AnswerType,
		"updatedAt":  a.UpdatedAt,
	})
}

type submitRequest struct {
	Reason models.SubmitReason `json:"reason"`
}

// Submit only accepts USER_SUBMIT from clients; auto-submit is server-side.
func (sc *SessionController) Submit(c *gin.Context) {
	var req submitRequest
	// An empty body means USER_SUBMIT; anything else must decode.
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err)
		return
	}
	if req.Reason == "" {
		req.Reason = models.SubmitByUser
	}
	if req.Reason != models.SubmitByUser {
		respondError(c, apperr.Validation("reason must be USER_SUBMIT"))
		return
	}
	ident, _ := middleware.CurrentIdentity(c)
	ctx := c.Request.Context()
	if _, err := sc.Registry.GetOwned(ctx, c.Param("id"), ident.UserID); err != nil {
		respondError(c, err)
		return
	}
	res, err := sc.Registry.Submit(ctx, c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type heartbeatRequest struct {
	Role string `json:"role" binding:"required"`
}

// Heartbeat accepts user and mobile identities. Mobile callers may only beat
// for their own session as role mobile.
func (sc *SessionController) Heartbeat(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	sessionID := c.Param("id")
	ident, _ := middleware.CurrentIdentity(c)
	ctx := c.Request.Context()

	switch {
	case ident.IsMobile():
		if ident.SessionID != sessionID || req.Role != liveness.RoleMobile {
			respondError(c, apperr.ScopeMismatch("mobile token/session mismatch"))
			return
		}
	case ident.HasRole(models.RoleCandidate):
		if req.Role != liveness.RoleCandidate {
			respondError(c, apperr.Forbidden("candidates beat as candidate"))
			return
		}
		if _, err := sc.Registry.GetOwned(ctx, sessionID, ident.UserID); err != nil {
			respondError(c, err)
			return
		}
	default:
		if req.Role != liveness.RoleAdmin && req.Role != liveness.RoleProctor {
			respondError(c, apperr.Forbidden("reviewers beat as admin or proctor"))
			return
		}
		if _, err := sc.Registry.Get(ctx, sessionID); err != nil {
			respondError(c, err)
			return
		}
	}

	expiresAt, err := sc.Liveness.Touch(ctx, sessionID, req.Role)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": sessionID, "role": req.Role, "expiresAt": expiresAt})
}
