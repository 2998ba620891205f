package handler

import (
	"errors"
	"net/http"
	"strconv"

	"wanistream/app/supervisor"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// ApiResponse 统一响应结构
type ApiResponse struct {
	Code    int    `json:"code"`    // 状态码，0表示成功
	Message string `json:"message"` // 响应消息
	Data    any    `json:"data"`    // 响应数据
}

func success(c *gin.Context, data any, message string) {
	c.JSON(http.StatusOK, ApiResponse{
		Code:    0,
		Message: message,
		Data:    data,
	})
}

func failure(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, ApiResponse{
		Code:    statusCode,
		Message: message,
		Data:    nil,
	})
}

// supervisorError 把守护器错误映射为 HTTP 状态码
func supervisorError(c *gin.Context, err error) {
	var (
		admissionErr *supervisor.AdmissionError
		spawnErr     *supervisor.SpawnError
	)
	switch {
	case errors.As(err, &admissionErr):
		c.JSON(http.StatusServiceUnavailable, ApiResponse{
			Code:    http.StatusServiceUnavailable,
			Message: admissionErr.Error(),
			Data: gin.H{
				"reason":     admissionErr.Reason,
				"suggestion": admissionErr.Suggestion,
			},
		})
	case errors.Is(err, supervisor.ErrMediaMissing):
		failure(c, http.StatusNotFound, err.Error())
	case errors.Is(err, supervisor.ErrJobNotFound), errors.Is(err, gorm.ErrRecordNotFound):
		failure(c, http.StatusNotFound, "推流任务不存在")
	case errors.Is(err, supervisor.ErrAlreadyRunning):
		failure(c, http.StatusConflict, err.Error())
	case errors.Is(err, supervisor.ErrNoEndpoint):
		failure(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, supervisor.ErrShuttingDown):
		failure(c, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &spawnErr):
		// 启动失败已进入重试
		c.JSON(http.StatusAccepted, ApiResponse{Code: http.StatusAccepted, Message: spawnErr.Error()})
	default:
		failure(c, http.StatusInternalServerError, err.Error())
	}
}

func paramID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		failure(c, http.StatusBadRequest, "无效的ID")
		return 0, false
	}
	return uint(id), true
}
