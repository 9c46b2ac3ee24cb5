package controllers

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/zaqqye/proctoring_backend/internal/apperr"
	"github.com/zaqqye/proctoring_backend/internal/liveness"
	"github.com/zaqqye/proctoring_backend/internal/middleware"
	"github.com/zaqqye/proctoring_backend/internal/models"
	"github.com/zaqqye/proctoring_backend/internal/pairing"
	"github.com/zaqqye/proctoring_backend/internal/sessions"
	"github.com/zaqqye/proctoring_backend/internal/utils"
)

type AdminController struct {
	Users    UserStore
	Registry *sessions.Registry
	Broker   *pairing.Broker
	Liveness *liveness.Tracker
}

type liveSession struct {
	SessionID       string                `json:"sessionId"`
	ExamID          string                `json:"examId"`
	CandidateID     string                `json:"candidateId"`
	StartedAt       time.Time             `json:"startedAt"`
	ViolationScore  int                   `json:"violationScore"`
	ReviewDecision  models.ReviewDecision `json:"reviewDecision"`
	MobilePaired    bool                  `json:"mobilePaired"`
	MobileDevice    string                `json:"mobileDevice,omitempty"`
	CandidateOnline bool                  `json:"candidateOnline"`
	MobileOnline    bool                  `json:"mobileOnline"`
}

// ListLive returns STARTED sessions with liveness flags and the paired device
// fingerprint read from the TTL store.
// A liveness lookup failure reports the role offline rather than failing the list.
func (a *AdminController) ListLive(c *gin.Context) {
	ctx := c.Request.Context()
	list, err := a.Registry.ListLive(ctx)
	if err != nil {
		respondError(c, err)
		return
	}

	items := make([]liveSession, 0, len(list))
	for _, s := range list {
		item := liveSession{
			SessionID:      s.ID,
			ExamID:         s.ExamID,
			CandidateID:    s.CandidateID,
			StartedAt:      s.StartedAt,
			ViolationScore: s.ViolationScore,
			ReviewDecision: s.ReviewDecision,
			MobilePaired:   s.MobilePairedAt != nil,
		}
		if alive, err := a.Liveness.IsAlive(ctx, s.ID, liveness.RoleCandidate); err == nil {
			item.CandidateOnline = alive
		} else {
			log.Warn().Err(err).Str("session_id", s.ID).Msg("candidate liveness lookup failed")
		}
		if alive, err := a.Liveness.IsAlive(ctx, s.ID, liveness.RoleMobile); err == nil {
			item.MobileOnline = alive
		} else {
			log.Warn().Err(err).Str("session_id", s.ID).Msg("mobile liveness lookup failed")
		}
		if item.MobilePaired && a.Broker != nil {
			if device, ok, err := a.Broker.PairedDevice(ctx, s.ID); err != nil {
				log.Warn().Err(err).Str("session_id", s.ID).Msg("paired device lookup failed")
			} else if ok {
				item.MobileDevice = device
			}
		}
		items = append(items, item)
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "count": len(items)})
}

type decisionRequest struct {
	Decision models.ReviewDecision `json:"decision" binding:"required"`
	Reason   string                `json:"reason" binding:"required"`
}

func (a *AdminController) Decide(c *gin.Context) {
	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ident, _ := middleware.CurrentIdentity(c)
	res, err := a.Registry.Decide(c.Request.Context(), c.Param("id"), req.Decision, req.Reason, ident.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type userImportError struct {
	Row   int    `json:"row"`
	Email string `json:"email,omitempty"`
	Error string `json:"error"`
}

func parseBoolDefaultTrue(val string) (bool, bool) {
	if val == "" {
		return true, false
	}
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "true", "1", "yes", "y":
		return true, true
	case "false", "0", "no", "n", "inactive":
		return false, true
	default:
		return true, false
	}
}

// ImportUsers bulk-creates users from a CSV upload.
// Header columns (case-insensitive): full_name, email, password, role (optional), active (optional).
func (a *AdminController) ImportUsers(c *gin.Context) {
	if err := c.Request.ParseMultipartForm(10 << 20); err != nil {
		respondError(c, apperr.Validation("failed to parse form"))
		return
	}
	file, fileHeader, err := c.Request.FormFile("file")
	if err != nil {
		respondError(c, apperr.Validation("file is required"))
		return
	}
	defer file.Close()

	if fileHeader == nil || !strings.HasSuffix(strings.ToLower(strings.TrimSpace(fileHeader.Filename)), ".csv") {
		respondError(c, apperr.Validation("only .csv files are allowed"))
		return
	}
	data, err := io.ReadAll(file)
	if err != nil {
		respondError(c, apperr.Validation("failed to read file"))
		return
	}
	if len(bytes.TrimSpace(data)) == 0 {
		respondError(c, apperr.Validation("file is empty"))
		return
	}

	summary, failures, err := a.importCSV(c.Request.Context(), data)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": summary, "errors": failures})
}

func (a *AdminController) importCSV(ctx context.Context, data []byte) (gin.H, []userImportError, error) {
	// Normalise line endings so CR-only and CRLF files behave the same.
	data = bytes.ReplaceAll(data, []byte{'\r', '\n'}, []byte{'\n'})
	data = bytes.ReplaceAll(data, []byte{'\r'}, []byte{'\n'})
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})

	firstLine := data
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		firstLine = data[:i]
	}
	reader := csv.NewReader(bytes.NewReader(data))
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1
	if bytes.Contains(firstLine, []byte{';'}) && !bytes.Contains(firstLine, []byte{','}) {
		reader.Comma = ';'
	}

	header, err := reader.Read()
	if err != nil {
		return nil, nil, apperr.Validation("failed to read header")
	}
	headerIdx := make(map[string]int, len(header))
	for idx, col := range header {
		key := strings.ToLower(strings.Trim(strings.TrimSpace(col), "\"'"))
		if key != "" {
			headerIdx[key] = idx
		}
	}
	for _, key := range []string{"full_name", "email", "password"} {
		if _, ok := headerIdx[key]; !ok {
			return nil, nil, apperr.Validation("missing header column: " + key)
		}
	}
	getVal := func(record []string, key string) string {
		idx, ok := headerIdx[key]
		if !ok || idx >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[idx])
	}

	var (
		totalRows   int
		createdRows int
		failures    = []userImportError{}
	)
	rowNum := 1
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		rowNum++
		if err != nil {
			failures = append(failures, userImportError{Row: rowNum, Error: fmt.Sprintf("failed to read row: %v", err)})
			continue
		}
		totalRows++

		fullName := getVal(row, "full_name")
		email := strings.ToLower(getVal(row, "email"))
		password := getVal(row, "password")
		role := strings.ToLower(getVal(row, "role"))
		activeStr := getVal(row, "active")

		if fullName == "" || email == "" || password == "" {
			failures = append(failures, userImportError{Row: rowNum, Email: email, Error: "full_name, email, and password are required"})
			continue
		}
		if role == "" {
			role = models.RoleCandidate
		}
		if !IsValidRole(role) {
			failures = append(failures, userImportError{Row: rowNum, Email: email, Error: "invalid role"})
			continue
		}
		active, provided := parseBoolDefaultTrue(activeStr)
		if activeStr != "" && !provided {
			failures = append(failures, userImportError{Row: rowNum, Email: email, Error: "invalid active value"})
			continue
		}
		hashed, err := utils.HashPassword(password)
		if err != nil {
			failures = append(failures, userImportError{Row: rowNum, Email: email, Error: fmt.Sprintf("failed to hash password: %v", err)})
			continue
		}

		user := models.User{FullName: fullName, Email: email, Password: hashed, Role: role, Active: active}
		if err := a.Users.CreateUser(ctx, &user); err != nil {
			msg := apperr.Message(err)
			if apperr.KindOf(err) != apperr.KindConflict {
				msg = "failed to insert user"
				log.Error().Err(err).Str("email", email).Msg("import user")
			}
			failures = append(failures, userImportError{Row: rowNum, Email: email, Error: msg})
			continue
		}
		createdRows++
	}

	log.Info().Int("total", totalRows).Int("inserted", createdRows).Int("failed", len(failures)).Msg("user import finished")
	return gin.H{"total_rows": totalRows, "inserted": createdRows, "failed": len(failures)}, failures, nil
}
