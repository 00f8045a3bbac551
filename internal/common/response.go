package common

import (
	"github.com/gin-gonic/gin"
)

// OK writes the standard success envelope.
func OK(c *gin.Context, data any) {
	c.JSON(200, gin.H{
		"code":    0,
		"message": "ok",
		"data":    data,
	})
}

func Fail(c *gin.Context, httpStatus int, code int, msg string) {
	c.JSON(httpStatus, gin.H{
		"code":    code,
		"message": msg,
		"data":    nil,
	})
}

// FailWithError adds a machine-readable error string (e.g. NO_AUTH,
// QUOTA_EXCEEDED) alongside the numeric app code, plus optional extra fields.
func FailWithError(c *gin.Context, httpStatus int, code int, errCode, msg string, extra gin.H) {
	body := gin.H{
		"code":    code,
		"message": msg,
		"error":   errCode,
		"data":    nil,
	}
	for k, v := range extra {
		body[k] = v
	}
	c.JSON(httpStatus, body)
}
