//go:build integration

package firestore

import (
	"context"
	"fmt"
	"testing"
	"time"

	domain "github.com/PerfectlyContent/cardmaker/internal/domain"
	pconfig "github.com/PerfectlyContent/cardmaker/internal/platform/config"
	pfirestore "github.com/PerfectlyContent/cardmaker/internal/platform/firestore"
	"github.com/PerfectlyContent/cardmaker/internal/platform/firestore/emulatortest"
	"github.com/PerfectlyContent/cardmaker/internal/repositories"
)

func TestRegistryIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}
	endpoint := emulatortest.Start(t)

	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{ProjectID: "cardmaker-test", EmulatorHost: endpoint})
	registry, err := NewRegistry(provider, nil)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(func() { _ = registry.Close(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	now := time.Date(2025, time.March, 6, 9, 0, 0, 0, time.UTC)

	t.Run("sessions", func(t *testing.T) {
		sessions := registry.CardSessions()
		occasion := domain.OccasionBirthday
		session := domain.CardSession{
			ID:        "01JSESSION0000000000000001",
			OwnerID:   "device:abc12345",
			Language:  "en",
			CreatedAt: now,
			UpdatedAt: now,
			ExpiresAt: now.Add(24 * time.Hour),
		}
		session.State.Card.Occasion = &occasion
		session.State.History = []domain.ChatTurn{{Role: domain.ChatRoleUser, Text: "hi"}}
		if err := sessions.Insert(ctx, session); err != nil {
			t.Fatalf("insert: %v", err)
		}
		if err := sessions.Insert(ctx, session); !repositories.IsConflict(err) {
			t.Fatalf("expected conflict, got %v", err)
		}

		got, err := sessions.Get(ctx, session.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.State.Card.Occasion == nil || *got.State.Card.Occasion != occasion || len(got.State.History) != 1 {
			t.Fatalf("unexpected state round trip: %+v", got.State)
		}

		if _, err := sessions.AcquireGeneration(ctx, session.ID, now, now.Add(-2*time.Minute)); err != nil {
			t.Fatalf("acquire: %v", err)
		}
		if _, err := sessions.AcquireGeneration(ctx, session.ID, now, now.Add(-2*time.Minute)); !repositories.IsConflict(err) {
			t.Fatalf("expected conflict while generating, got %v", err)
		}
		got.Language = "he"
		if err := sessions.Update(ctx, got); err != nil {
			t.Fatalf("update: %v", err)
		}
		if current, _ := sessions.Get(ctx, session.ID); !current.IsGenerating || current.Language != "he" {
			t.Fatalf("update must keep the generation flag: %+v", current)
		}
		if err := sessions.ReleaseGeneration(ctx, session.ID); err != nil {
			t.Fatalf("release: %v", err)
		}

		removed, err := sessions.DeleteExpired(ctx, now.Add(48*time.Hour), 10)
		if err != nil || removed != 1 {
			t.Fatalf("expected one expired session removed, got %d (%v)", removed, err)
		}
		if _, err := sessions.Get(ctx, session.ID); !repositories.IsNotFound(err) {
			t.Fatalf("expected not found, got %v", err)
		}
	})

	t.Run("dates", func(t *testing.T) {
		dates := registry.Dates()
		for i, owner := range []string{"device:mine0001", "device:theirs01"} {
			err := dates.Insert(ctx, domain.ImportantDate{
				ID:        fmt.Sprintf("date-%d", i),
				OwnerID:   owner,
				Name:      "Maya",
				Date:      "1990-03-08",
				Type:      domain.DateTypeBirthday,
				Recurring: true,
				CreatedAt: now,
				UpdatedAt: now,
			})
			if err != nil {
				t.Fatalf("insert: %v", err)
			}
		}
		mine, err := dates.ListByOwner(ctx, "device:mine0001")
		if err != nil || len(mine) != 1 {
			t.Fatalf("expected one owned date, got %d (%v)", len(mine), err)
		}
		all, err := dates.ListAll(ctx)
		if err != nil || len(all) != 2 {
			t.Fatalf("expected two dates overall, got %d (%v)", len(all), err)
		}
		if err := dates.Delete(ctx, "device:mine0001", "date-1"); !repositories.IsNotFound(err) {
			t.Fatalf("expected not found deleting another owner's date, got %v", err)
		}
	})

	t.Run("profiles", func(t *testing.T) {
		profiles := registry.DatesProfiles()
		if _, err := profiles.Get(ctx, "device:abc12345"); !repositories.IsNotFound(err) {
			t.Fatalf("expected not found, got %v", err)
		}
		onboardedAt := now
		if err := profiles.Save(ctx, domain.DatesProfile{OwnerID: "device:abc12345", Onboarded: true, OnboardedAt: &onboardedAt}); err != nil {
			t.Fatalf("save: %v", err)
		}
		profile, err := profiles.Get(ctx, "device:abc12345")
		if err != nil || !profile.Onboarded {
			t.Fatalf("unexpected profile %+v (%v)", profile, err)
		}
	})
}
