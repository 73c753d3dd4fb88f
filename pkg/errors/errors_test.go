package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestFromErrorPreservesAppErrors(t *testing.T) {
	cause := stderrors.New("dial tcp: refused")
	appErr := NewBadGatewayError(CodeTransport, "dialogue service unavailable").WithCause(cause)
	wrapped := fmt.Errorf("send: %w", appErr)

	got := FromError(wrapped)
	assert.Same(t, appErr, got)
	assert.Equal(t, http.StatusBadGateway, GetStatusCode(wrapped))
	assert.ErrorIs(t, wrapped, cause)
	assert.True(t, Is(wrapped, NewBadGatewayError(CodeTransport, "")))
}

func TestFromErrorWrapsPlainErrors(t *testing.T) {
	got := FromError(stderrors.New("boom"))

	assert.Equal(t, http.StatusInternalServerError, got.StatusCode)
	assert.Equal(t, CodeInternal, got.Code)
	assert.Nil(t, FromError(nil))
}

func TestErrorHandlerRendersBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(ErrorHandler(), RecoveryWithLogger())
	r.GET("/busy", func(c *gin.Context) {
		c.Error(NewConflictError(CodeSessionBusy, "session is awaiting a response"))
	})
	r.GET("/panic", func(c *gin.Context) {
		panic("unexpected")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/busy", nil))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), CodeSessionBusy)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "SERVER_ERROR")
}
