// Package api 提供充电服务的 HTTP 接口。
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taoyao-code/ev-charge-server/internal/cerr"
)

// httpStatusOf 业务错误分类到 HTTP 状态码的映射
func httpStatusOf(kind cerr.Kind) int {
	switch kind {
	case cerr.KindNotFound:
		return http.StatusNotFound
	case cerr.KindConflict, cerr.KindStale:
		return http.StatusConflict
	case cerr.KindInvalidState:
		return http.StatusBadRequest
	case cerr.KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// fail 按错误分类返回。内部错误不向客户端泄露细节。
func fail(c *gin.Context, logger *zap.Logger, err error) {
	kind := cerr.KindOf(err)
	if kind == cerr.KindInternal {
		if logger != nil {
			logger.Error("request failed",
				zap.String("path", c.Request.URL.Path),
				zap.String("method", c.Request.Method),
				zap.Error(err))
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   string(kind),
			"message": "服务器内部错误，请稍后重试",
		})
		return
	}
	c.JSON(httpStatusOf(kind), gin.H{
		"error":   string(kind),
		"message": err.Error(),
	})
}

// ok 成功响应
func ok(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"data": data})
}

// badRequest 参数错误响应
func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "bad_request",
		"message": message,
	})
}
