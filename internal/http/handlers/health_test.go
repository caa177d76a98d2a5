package handlers

import (
	"context"
	"net/http"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type stubTranscoder struct {
	loaded bool
	active int
}

func (s stubTranscoder) EngineLoaded() bool { return s.loaded }
func (s stubTranscoder) Active() int        { return s.active }

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func TestHealthHandler_GetLivez(t *testing.T) {
	handler := NewHealthHandler("1.0.0")

	output, err := handler.GetLivez(context.Background(), &LivezInput{})
	require.NoError(t, err)
	assert.Equal(t, "ok", output.Body.Status)
}

func TestHealthHandler_GetReadyz(t *testing.T) {
	t.Run("returns not_ready when db not configured", func(t *testing.T) {
		handler := NewHealthHandler("1.0.0")

		output, err := handler.GetReadyz(context.Background(), &ReadyzInput{})
		require.NoError(t, err)
		assert.Equal(t, http.StatusServiceUnavailable, output.Status)
		assert.Equal(t, "not_ready", output.Body.Status)
		assert.Equal(t, "not_configured", output.Body.Components["database"])
		assert.Equal(t, "ok", output.Body.Components["transcoder"])
	})

	t.Run("returns ready with a reachable db", func(t *testing.T) {
		handler := NewHealthHandler("1.0.0").WithDB(openTestDB(t))

		output, err := handler.GetReadyz(context.Background(), &ReadyzInput{})
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, output.Status)
		assert.Equal(t, "ready", output.Body.Status)
	})
}

func TestHealthHandler_GetHealth(t *testing.T) {
	handler := NewHealthHandler("1.0.0").
		WithDB(openTestDB(t)).
		WithTranscoder(stubTranscoder{loaded: true, active: 2})

	output, err := handler.GetHealth(context.Background(), &HealthInput{})
	require.NoError(t, err)

	body := output.Body
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "1.0.0", body.Version)
	assert.NotEmpty(t, body.Uptime)
	assert.NotZero(t, body.CPUInfo.Cores)
	assert.Equal(t, "ok", body.Components.Database.Status)
	assert.True(t, body.Components.Transcoder.EngineLoaded)
	assert.Equal(t, 2, body.Components.Transcoder.ActiveSessions)
	assert.Equal(t, "ok", body.Checks["transcoder"])
}

func TestHealthHandler_GetHealth_Unwired(t *testing.T) {
	output, err := NewHealthHandler("dev").GetHealth(context.Background(), &HealthInput{})
	require.NoError(t, err)
	assert.Equal(t, "unknown", output.Body.Components.Database.Status)
	assert.Equal(t, "unknown", output.Body.Components.Transcoder.Status)
}
