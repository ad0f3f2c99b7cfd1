package utils

import (
	"auction-engine/internal/biddingerrors"

	"github.com/gin-gonic/gin"
)

// JSONResponse sends a structured JSON response
func JSONResponse(c *gin.Context, status int, data any, message string) {
	c.JSON(status, gin.H{
		"status":  status,
		"message": message,
		"data":    data,
	})
}

// JSONError sends a structured error response. Rejections carrying a reason code expose it as "reason".
func JSONError(c *gin.Context, status int, err error, message string) {
	body := gin.H{
		"status":  status,
		"message": message,
		"error":   err.Error(),
	}
	if code := biddingerrors.Code(err); code != "" {
		body["reason"] = code
	}
	c.JSON(status, body)
}
