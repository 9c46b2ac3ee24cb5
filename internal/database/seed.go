package database

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"

	"github.com/zaqqye/proctoring_backend/internal/config"
	"github.com/zaqqye/proctoring_backend/internal/models"
	"github.com/zaqqye/proctoring_backend/internal/utils"
)

// SeedTarget is implemented by both the postgres and the in-memory store.
type SeedTarget interface {
	CountUsersByRole(ctx context.Context, role string) (int64, error)
	CreateUser(ctx context.Context, u *models.User) error
	CreateExam(ctx context.Context, exam *models.Exam, questions []models.Question) error
	AssignExam(ctx context.Context, examID, candidateID string) error
}

func SeedAdmin(ctx context.Context, target SeedTarget, cfg *config.Config) error {
	count, err := target.CountUsersByRole(ctx, models.RoleAdmin)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	email := cfg.AdminEmail
	if email == "" {
		email = "admin@example.com"
	}
	fullName := cfg.AdminFullName
	if fullName == "" {
		fullName = "Administrator"
	}
	password := cfg.AdminPassword
	if password == "" {
		password = "admin123"
	}
	hashed, err := utils.HashPassword(password)
	if err != nil {
		return err
	}

	admin := models.User{
		FullName: fullName,
		Email:    email,
		Password: hashed,
		Role:     models.RoleAdmin,
		Active:   true,
	}
	if err := target.CreateUser(ctx, &admin); err != nil {
		return err
	}
	log.Info().Str("email", email).Msg("seeded initial admin")
	return nil
}

// DemoPassword is shared by the seeded proctor and candidate.
const DemoPassword = "password123"

// SeedDemo creates a proctor, a candidate and one open exam assigned to the
// candidate. It does nothing once any candidate exists.
func SeedDemo(ctx context.Context, target SeedTarget) error {
	count, err := target.CountUsersByRole(ctx, models.RoleCandidate)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	hashed, err := utils.HashPassword(DemoPassword)
	if err != nil {
		return err
	}
	proctor := models.User{FullName: "Demo Proctor", Email: "proctor@example.com", Password: hashed, Role: models.RoleProctor, Active: true}
	if err := target.CreateUser(ctx, &proctor); err != nil {
		return err
	}
	candidate := models.User{FullName: "Demo Candidate", Email: "candidate@example.com", Password: hashed, Role: models.RoleCandidate, Active: true}
	if err := target.CreateUser(ctx, &candidate); err != nil {
		return err
	}

	now := time.Now().UTC()
	exam := models.Exam{
		Title:           "Demo Proctored Exam",
		Instructions:    "Keep your face visible and your phone camera on the desk.",
		DurationMinutes: 60,
		StartsAt:        now.Add(-time.Hour),
		EndsAt:          now.Add(30 * 24 * time.Hour),
	}
	questions := []models.Question{
		{
			Type:      models.QuestionMCQ,
			Prompt:    "Which data structure gives O(1) average lookup by key?",
			Options:   datatypes.JSON(`[{"id":"a","text":"Linked list"},{"id":"b","text":"Hash map"},{"id":"c","text":"Binary heap"}]`),
			AnswerKey: datatypes.JSON(`{"correctOptionId":"b"}`),
			Points:    1,
		},
		{
			Type:      models.QuestionMCQ,
			Prompt:    "What does HTTP status 409 mean?",
			Options:   datatypes.JSON(`[{"id":"a","text":"Conflict"},{"id":"b","text":"Gone"},{"id":"c","text":"Too many requests"}]`),
			AnswerKey: datatypes.JSON(`{"correctOptionId":"a"}`),
			Points:    1,
		},
		{
			Type:   models.QuestionSubjective,
			Prompt: "Describe how you would make a counter safe under concurrent updates.",
			Points: 5,
		},
	}
	if err := target.CreateExam(ctx, &exam, questions); err != nil {
		return err
	}
	if err := target.AssignExam(ctx, exam.ID, candidate.UserID); err != nil {
		return err
	}
	log.Info().
		Str("exam_id", exam.ID).
		Str("candidate", candidate.Email).
		Str("proctor", proctor.Email).
		Msg("seeded demo exam")
	return nil
}
