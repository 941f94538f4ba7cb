package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arnavshah/rota-api-go/pkg/coordinator"
	"github.com/arnavshah/rota-api-go/pkg/models"
)

// ValidateInput checks a run request and shows the window and capacities it
// would run against, without calling the oracle or touching the ledger.
func (h *Handler) ValidateInput(c *gin.Context) {
	var req models.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"valid": false,
			"error": err.Error(),
		})
		return
	}

	preview, err := h.Coord.Preview(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{
			"valid": false,
			"code":  coordinator.CodeOf(err),
			"error": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"valid":   true,
		"preview": preview,
	})
}
