package httptransport

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"voicecall-server-go/internal/platform/errors"
)

// APIResponse 接口统一返回结构
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message"`
	Code    int    `json:"code"`
	// Kind is the error kind of a failed request, e.g. "domain" or "inference".
	Kind string `json:"kind,omitempty"`
}

func RespondSuccess(c *gin.Context, status int, data any, message string) {
	if message == "" {
		message = "ok"
	}
	c.JSON(status, APIResponse{Success: true, Message: message, Code: status, Data: data})
}

// RespondError aborts the request with a failed APIResponse. A zero status is
// derived from the error kind.
func RespondError(c *gin.Context, status int, message string, err error) {
	if status == 0 {
		status = StatusFor(err)
	}
	resp := APIResponse{Message: message, Code: status}
	if err != nil {
		resp.Kind = string(errors.KindOf(err))
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, resp)
}

// StatusFor maps an error kind to the HTTP status reported to API clients.
func StatusFor(err error) int {
	switch errors.KindOf(err) {
	case errors.KindDomain, errors.KindFrameDecode, errors.KindFrameCompression:
		return http.StatusBadRequest
	case errors.KindInference, errors.KindProtocolServer:
		return http.StatusBadGateway
	case errors.KindTransport:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
