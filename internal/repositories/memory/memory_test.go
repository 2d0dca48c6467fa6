package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/PerfectlyContent/cardmaker/internal/domain"
	"github.com/PerfectlyContent/cardmaker/internal/repositories"
)

var now = time.Date(2025, time.March, 6, 9, 30, 0, 0, time.UTC)

func TestCardSessionRepositoryIsolatesCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewCardSessionRepository()
	session := domain.CardSession{ID: "s1", OwnerID: "device:abc12345", ExpiresAt: now.Add(time.Hour)}
	session.State.History = []domain.ChatTurn{{Role: domain.ChatRoleUser, Text: "hi"}}
	require.NoError(t, repo.Insert(ctx, session))

	err := repo.Insert(ctx, session)
	assert.True(t, repositories.IsConflict(err))

	got, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	got.State.History[0].Text = "mutated"

	again, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "hi", again.State.History[0].Text)

	_, err = repo.Get(ctx, "missing")
	assert.True(t, repositories.IsNotFound(err))
}

func TestCardSessionRepositoryGenerationFlag(t *testing.T) {
	ctx := context.Background()
	repo := NewCardSessionRepository()
	require.NoError(t, repo.Insert(ctx, domain.CardSession{ID: "s1"}))

	held, err := repo.AcquireGeneration(ctx, "s1", now, now.Add(-2*time.Minute))
	require.NoError(t, err)
	assert.True(t, held.IsGenerating)

	_, err = repo.AcquireGeneration(ctx, "s1", now.Add(time.Second), now.Add(-2*time.Minute))
	assert.True(t, repositories.IsConflict(err))

	// Update never clears a held flag.
	held.IsGenerating = false
	require.NoError(t, repo.Update(ctx, held))
	current, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, current.IsGenerating)

	// A stale flag can be reclaimed.
	_, err = repo.AcquireGeneration(ctx, "s1", now.Add(5*time.Minute), now.Add(3*time.Minute))
	require.NoError(t, err)

	require.NoError(t, repo.ReleaseGeneration(ctx, "s1"))
	_, err = repo.AcquireGeneration(ctx, "s1", now, now.Add(-time.Minute))
	require.NoError(t, err)
}

func TestCardSessionRepositoryDeleteExpired(t *testing.T) {
	ctx := context.Background()
	repo := NewCardSessionRepository()
	require.NoError(t, repo.Insert(ctx, domain.CardSession{ID: "old", ExpiresAt: now.Add(-time.Minute)}))
	require.NoError(t, repo.Insert(ctx, domain.CardSession{ID: "new", ExpiresAt: now.Add(time.Minute)}))

	removed, err := repo.DeleteExpired(ctx, now, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = repo.Get(ctx, "old")
	assert.True(t, repositories.IsNotFound(err))
	assert.True(t, repositories.IsNotFound(repo.Delete(ctx, "old")))
	require.NoError(t, repo.Delete(ctx, "new"))
}

func TestDateRepositoryScopesByOwner(t *testing.T) {
	ctx := context.Background()
	repo := NewDateRepository()
	mine := domain.ImportantDate{ID: "d1", OwnerID: "device:mine0001", Name: "Maya", Date: "1990-03-08", CreatedAt: now}
	theirs := domain.ImportantDate{ID: "d2", OwnerID: "device:theirs01", Name: "Noam", Date: "1988-01-02", CreatedAt: now.Add(-time.Hour)}
	require.NoError(t, repo.Insert(ctx, mine))
	require.NoError(t, repo.Insert(ctx, theirs))

	list, err := repo.ListByOwner(ctx, "device:mine0001")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Maya", list[0].Name)

	_, err = repo.Get(ctx, "device:mine0001", "d2")
	assert.True(t, repositories.IsNotFound(err))
	assert.True(t, repositories.IsNotFound(repo.Delete(ctx, "device:mine0001", "d2")))

	all, err := repo.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "d2", all[0].ID)

	mine.Name = "Maya K"
	require.NoError(t, repo.Update(ctx, mine))
	got, err := repo.Get(ctx, mine.OwnerID, mine.ID)
	require.NoError(t, err)
	assert.Equal(t, "Maya K", got.Name)
}

func TestDatesProfileRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewDatesProfileRepository()
	_, err := repo.Get(ctx, "device:abc12345")
	assert.True(t, repositories.IsNotFound(err))

	require.NoError(t, repo.Save(ctx, domain.DatesProfile{OwnerID: "device:abc12345", Onboarded: true}))
	profile, err := repo.Get(ctx, "device:abc12345")
	require.NoError(t, err)
	assert.True(t, profile.Onboarded)
}

func TestExportRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewExportRepository()
	require.NoError(t, repo.Insert(ctx, domain.CardExport{ID: "e1", SessionID: "s1"}))
	got, err := repo.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.SessionID)
	_, err = repo.Get(ctx, "e2")
	assert.True(t, repositories.IsNotFound(err))
}
