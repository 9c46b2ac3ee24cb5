package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zaqqye/proctoring_backend/internal/middleware"
	"github.com/zaqqye/proctoring_backend/internal/proctoring"
)

type ProctoringController struct {
	Pipeline *proctoring.Pipeline
}

func (pc *ProctoringController) Ingest(c *gin.Context) {
	var in proctoring.EventInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	ident, _ := middleware.CurrentIdentity(c)
	res, err := pc.Pipeline.Ingest(c.Request.Context(), ident, in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (pc *ProctoringController) ListEvents(c *gin.Context) {
	events, err := pc.Pipeline.ListBySession(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": events})
}
