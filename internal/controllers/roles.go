package controllers

import "github.com/zaqqye/proctoring_backend/internal/models"

var allowedRoles = map[string]struct{}{
	models.RoleAdmin:     {},
	models.RoleProctor:   {},
	models.RoleCandidate: {},
}

func IsValidRole(role string) bool {
	_, ok := allowedRoles[role]
	return ok
}
