package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"chatbus/internal/buserr"
	"chatbus/internal/storage"
	logx "chatbus/pkg/logx"
)

const (
	resultSuccess = "success"
	resultError   = "error"
)

func success(c *gin.Context, payload gin.H) {
	body := gin.H{"result": resultSuccess, "msg": ""}
	for k, v := range payload {
		body[k] = v
	}
	c.JSON(http.StatusOK, body)
}

func statusFor(err error) int {
	switch buserr.KindOf(err) {
	case buserr.KindValidation:
		return http.StatusBadRequest
	case buserr.KindTransient:
		return http.StatusServiceUnavailable
	case buserr.KindProtocolDrift:
		return http.StatusOK
	}
	if errors.Is(err, storage.ErrNotFound) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// fail writes {result:error,msg}. Internal errors are logged and hidden from
// the client; a request whose client went away gets no body.
func (a *API) fail(c *gin.Context, err error) {
	if errors.Is(err, context.Canceled) && c.Request.Context().Err() != nil {
		c.Abort()
		return
	}
	status := statusFor(err)
	msg := buserr.Message(err)
	if status >= http.StatusInternalServerError {
		a.log.Warn("request failed",
			logx.String("path", c.FullPath()),
			logx.String("request_id", c.GetString(ctxRequestID)),
			logx.String("kind", buserr.KindOf(err).String()),
			logx.Err(err),
		)
		if status == http.StatusInternalServerError {
			msg = "Internal server error"
		}
	}
	c.AbortWithStatusJSON(status, gin.H{"result": resultError, "msg": msg})
}
