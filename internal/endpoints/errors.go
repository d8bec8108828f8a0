package endpoints

import (
	"github.com/gin-gonic/gin"

	"stemstudio/internal/apperr"
)

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// renderError maps a typed error onto its HTTP status and `{code, message}`
// body. Untyped errors render as 500 INTERNAL_ERROR without leaking detail.
func renderError(c *gin.Context, err error) {
	code := apperr.CodeOf(err)
	c.JSON(apperr.HTTPStatus(code), ErrorResponse{
		Code:    string(code),
		Message: apperr.MessageOf(err),
	})
}

// renderCode renders an error body directly from a code and message.
func renderCode(c *gin.Context, code apperr.Code, message string) {
	c.JSON(apperr.HTTPStatus(code), ErrorResponse{
		Code:    string(code),
		Message: message,
	})
}
