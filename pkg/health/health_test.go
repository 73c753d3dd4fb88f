package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"npc-dialogue-ai/backend/pkg/logger"

	"github.com/stretchr/testify/assert"
)

func TestCriticalComponentDownMakesSystemUnhealthy(t *testing.T) {
	c := NewChecker(logger.Discard(), time.Minute)
	c.RegisterPingCheck("redis", func(context.Context) error { return errors.New("refused") })
	c.RunChecks(context.Background())

	assert.True(t, c.IsSystemHealthy(), "redis is not critical")
	assert.Equal(t, StatusDown, c.GetStatus()["redis"].Status)

	c.MarkCritical("redis")
	assert.False(t, c.IsSystemHealthy())
}

func TestAPICheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewChecker(logger.Discard(), time.Minute)
	c.RegisterAPICheck("dialogue-service", srv.URL, srv.Client())
	c.MarkCritical("dialogue-service")
	c.RunChecks(context.Background())

	assert.Equal(t, StatusUp, c.GetStatus()["dialogue-service"].Status)
	assert.True(t, c.IsSystemHealthy())

	srv.Close()
	c.RunChecks(context.Background())
	assert.Equal(t, StatusDown, c.GetStatus()["dialogue-service"].Status)
	assert.False(t, c.IsSystemHealthy())
}
