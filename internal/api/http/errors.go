package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/GriffinCanCode/exthost/internal/shared/errs"
)

// statusFor maps an error code to an HTTP status.
func statusFor(code errs.Code) int {
	switch code {
	case errs.CodeInvalidParams, errs.CodeMessageTooLarge, errs.CodeFileTooLarge:
		return http.StatusBadRequest
	case errs.CodePathEscape, errs.CodePathNotApproved, errs.CodeModuleNotAllowed, errs.CodeShellNotAllowed:
		return http.StatusForbidden
	case errs.CodeNotFound, errs.CodeCommandNotFound, errs.CodePanelNotFound, errs.CodeSessionNotFound:
		return http.StatusNotFound
	case errs.CodeLimitExceeded, errs.CodeSpawnThrottled:
		return http.StatusTooManyRequests
	case errs.CodeRequestTimeout:
		return http.StatusGatewayTimeout
	case errs.CodeProcessExited, errs.CodeNoHandler:
		return http.StatusServiceUnavailable
	case errs.CodeActivationFailed:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(code errs.Code, message string) gin.H {
	return gin.H{"error": gin.H{"code": code, "message": message}}
}

// fail aborts the request with the coded error.
func fail(c *gin.Context, err error) {
	code := errs.CodeOf(err)
	_ = c.Error(err)
	c.AbortWithStatusJSON(statusFor(code), errorBody(code, err.Error()))
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorBody(errs.CodeInvalidParams, err.Error()))
}
