//go:build integration

package firestore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/firestore"

	pconfig "github.com/PerfectlyContent/cardmaker/internal/platform/config"
	pfirestore "github.com/PerfectlyContent/cardmaker/internal/platform/firestore"
	"github.com/PerfectlyContent/cardmaker/internal/platform/firestore/emulatortest"
	"github.com/PerfectlyContent/cardmaker/internal/repositories"
)

type sessionEntity struct {
	OwnerID      string    `firestore:"owner_id"`
	IsGenerating bool      `firestore:"is_generating"`
	ExpiresAt    time.Time `firestore:"expires_at"`
}

func TestCollectionAgainstEmulator(t *testing.T) {
	endpoint := emulatortest.Start(t)

	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{
		ProjectID:    "cardmaker-test",
		EmulatorHost: endpoint,
	})
	t.Cleanup(func() { _ = provider.Close(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := provider.Ping(ctx, "card_sessions"); err != nil {
		t.Fatalf("ping: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	sessions := pfirestore.NewCollection[sessionEntity](provider, "card_sessions")

	if err := sessions.Create(ctx, "session-1", sessionEntity{OwnerID: "device:abc12345", ExpiresAt: now.Add(time.Hour)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := sessions.Create(ctx, "session-1", sessionEntity{OwnerID: "device:other"}); !repositories.IsConflict(err) {
		t.Fatalf("expected conflict on duplicate create, got %v", err)
	}
	if err := sessions.Set(ctx, "session-2", sessionEntity{OwnerID: "device:abc12345", ExpiresAt: now.Add(-time.Minute)}); err != nil {
		t.Fatalf("set: %v", err)
	}

	doc, err := sessions.Get(ctx, "session-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc.ID != "session-1" || doc.Data.OwnerID != "device:abc12345" || doc.UpdateTime.IsZero() {
		t.Fatalf("unexpected document: %#v", doc)
	}

	if err := sessions.Update(ctx, "session-1", []firestore.Update{{Path: "is_generating", Value: true}}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := sessions.Update(ctx, "missing", []firestore.Update{{Path: "is_generating", Value: true}}); !repositories.IsNotFound(err) {
		t.Fatalf("expected not found updating missing document, got %v", err)
	}

	err = provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := sessions.Ref(ctx, "session-1")
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var entity sessionEntity
		if err := snap.DataTo(&entity); err != nil {
			return err
		}
		if !entity.IsGenerating {
			return errors.New("expected generating flag")
		}
		entity.IsGenerating = false
		return tx.Set(ref, entity)
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}

	deleted, err := sessions.DeleteWhere(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("expires_at", "<=", now)
	}, 10)
	if err != nil || deleted != 1 {
		t.Fatalf("expected one expired session deleted, got %d (%v)", deleted, err)
	}

	docs, err := sessions.List(ctx, nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(docs) != 1 || docs[0].Data.IsGenerating {
		t.Fatalf("unexpected remaining documents: %#v", docs)
	}

	if err := sessions.Delete(ctx, "session-1", true); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := sessions.Get(ctx, "session-1"); !repositories.IsNotFound(err) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := sessions.Delete(ctx, "session-1", true); !repositories.IsNotFound(err) {
		t.Fatalf("expected not found deleting missing document, got %v", err)
	}
	if err := sessions.Delete(ctx, "session-1", false); err != nil {
		t.Fatalf("expected lenient delete to succeed, got %v", err)
	}

	canceled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	if err := provider.RunTransaction(canceled, func(context.Context, *firestore.Transaction) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}

	if err := provider.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := provider.Client(ctx); !errors.Is(err, pfirestore.ErrProviderClosed) {
		t.Fatalf("expected closed provider error, got %v", err)
	}
}
