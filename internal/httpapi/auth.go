package httpapi

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"chatbus/internal/model"
	"chatbus/internal/storage"
	logx "chatbus/pkg/logx"
)

const (
	ctxUser      = "chatbus.user"
	ctxRequestID = "chatbus.request_id"
)

// credentials reads email and api_key from basic auth, then form, then query.
func credentials(c *gin.Context) (string, string) {
	if email, key, ok := c.Request.BasicAuth(); ok {
		return strings.TrimSpace(email), strings.TrimSpace(key)
	}
	email := c.PostForm("email")
	if email == "" {
		email = c.Query("email")
	}
	key := c.PostForm("api_key")
	if key == "" {
		key = c.Query("api_key")
	}
	return strings.TrimSpace(email), strings.TrimSpace(key)
}

func (a *API) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		email, key := credentials(c)
		if email == "" || key == "" {
			c.Header("WWW-Authenticate", `Basic realm="chatbus"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"result": resultError, "msg": "Missing credentials"})
			return
		}
		u, err := a.store.UserByEmail(c.Request.Context(), email)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			a.fail(c, err)
			return
		}
		if err != nil || subtle.ConstantTimeCompare([]byte(u.APIKey), []byte(key)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"result": resultError, "msg": "Invalid API key"})
			return
		}
		c.Set(ctxUser, u)
		c.Next()
	}
}

func currentUser(c *gin.Context) model.User {
	u, _ := c.Get(ctxUser)
	user, _ := u.(model.User)
	return user
}

// requestLog tags each request with an id and logs it at debug level.
func (a *API) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(ctxRequestID, id)
		c.Header("X-Request-Id", id)
		start := time.Now()
		c.Next()
		a.log.Debug("request",
			logx.String("request_id", id),
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
		)
	}
}
