package di

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/PerfectlyContent/cardmaker/internal/domain"
	"github.com/PerfectlyContent/cardmaker/internal/platform/config"
	"github.com/PerfectlyContent/cardmaker/internal/repositories"
	"github.com/PerfectlyContent/cardmaker/internal/repositories/memory"
	"github.com/PerfectlyContent/cardmaker/internal/services"
)

func newTestRegistry(t *testing.T) *memory.Registry {
	t.Helper()
	health, err := repositories.NewDependencyHealthRepository([]repositories.DependencyCheck{
		{Name: "sessions", Check: func(context.Context) error { return nil }},
	})
	require.NoError(t, err)
	return memory.NewRegistry(health)
}

func TestNewContainerRequiresRegistry(t *testing.T) {
	_, err := NewContainer(context.Background(), config.Config{}, nil, Infrastructure{})
	require.Error(t, err)
}

func TestNewContainerWithoutUpstreams(t *testing.T) {
	now := time.Date(2025, time.March, 6, 9, 0, 0, 0, time.UTC)
	ctx := context.Background()

	c, err := NewContainer(ctx, config.Config{}, newTestRegistry(t), Infrastructure{
		Clock: func() time.Time { return now },
	})
	require.NoError(t, err)
	require.NotNil(t, c.Services.Cards)
	require.NotNil(t, c.Services.Exports)
	require.NotNil(t, c.Services.Dates)
	require.NotNil(t, c.Services.System)
	require.NotNil(t, c.Catalog)

	session, err := c.Services.Cards.CreateSession(ctx, services.CreateSessionCommand{
		OwnerID:  "device:3f0c7a52-device",
		Language: "en",
		Mode:     domain.FlowModeGuided,
	})
	require.NoError(t, err)
	assert.Equal(t, "device:3f0c7a52-device", session.OwnerID)

	_, err = c.Services.Cards.GenerateMessage(ctx, session.OwnerID, session.ID)
	assert.ErrorIs(t, err, services.ErrCardNotConfigured)

	report, err := c.Services.System.HealthReport(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.HealthStatusDegraded, report.Status)
	assert.Equal(t, domain.HealthStatusOK, report.Checks["sessions"].Status)
	assert.Equal(t, "not configured", report.Checks["gemini"].Detail)
	assert.Equal(t, domain.HealthStatusDegraded, report.Checks["reminders"].Status)

	require.NoError(t, c.Close(ctx))
}

func TestFeaturesReflectConfiguration(t *testing.T) {
	cfg := config.Config{}
	cfg.Upstreams.Gemini.APIKey = "gem"
	cfg.Upstreams.Reve.APIKey = "reve"

	got := features(cfg, Infrastructure{})
	assert.True(t, got["gemini"])
	assert.False(t, got["pexels"])
	assert.True(t, got["reve"])
	assert.False(t, got["exports"])
	assert.False(t, got["reminders"])
}
