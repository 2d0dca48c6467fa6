package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/PerfectlyContent/cardmaker/internal/domain"
	pfirestore "github.com/PerfectlyContent/cardmaker/internal/platform/firestore"
	"github.com/PerfectlyContent/cardmaker/internal/repositories"
)

const cardSessionCollection = "card_sessions"

// CardSessionRepository persists wizard sessions in Firestore.
type CardSessionRepository struct {
	provider *pfirestore.Provider
	docs     *pfirestore.Collection[cardSessionDocument]
}

var _ repositories.CardSessionRepository = (*CardSessionRepository)(nil)

// NewCardSessionRepository constructs a Firestore-backed session repository.
func NewCardSessionRepository(provider *pfirestore.Provider) (*CardSessionRepository, error) {
	if provider == nil {
		return nil, errors.New("card session repository requires firestore provider")
	}
	return &CardSessionRepository{
		provider: provider,
		docs:     pfirestore.NewCollection[cardSessionDocument](provider, cardSessionCollection),
	}, nil
}

type cardSessionDocument struct {
	OwnerID             string             `firestore:"owner_id"`
	Language            string             `firestore:"language"`
	State               domain.WizardState `firestore:"state"`
	IsGenerating        bool               `firestore:"is_generating"`
	GenerationStartedAt *time.Time         `firestore:"generation_started_at"`
	CreatedAt           time.Time          `firestore:"created_at"`
	UpdatedAt           time.Time          `firestore:"updated_at"`
	ExpiresAt           time.Time          `firestore:"expires_at"`
}

func encodeCardSession(session domain.CardSession) cardSessionDocument {
	return cardSessionDocument{
		OwnerID:             session.OwnerID,
		Language:            session.Language,
		State:               session.State,
		IsGenerating:        session.IsGenerating,
		GenerationStartedAt: session.GenerationStartedAt,
		CreatedAt:           session.CreatedAt.UTC(),
		UpdatedAt:           session.UpdatedAt.UTC(),
		ExpiresAt:           session.ExpiresAt.UTC(),
	}
}

func decodeCardSession(id string, doc cardSessionDocument) domain.CardSession {
	return domain.CardSession{
		ID:                  id,
		OwnerID:             doc.OwnerID,
		Language:            doc.Language,
		State:               doc.State,
		IsGenerating:        doc.IsGenerating,
		GenerationStartedAt: doc.GenerationStartedAt,
		CreatedAt:           doc.CreatedAt,
		UpdatedAt:           doc.UpdatedAt,
		ExpiresAt:           doc.ExpiresAt,
	}
}

func (r *CardSessionRepository) Insert(ctx context.Context, session domain.CardSession) error {
	return r.docs.Create(ctx, session.ID, encodeCardSession(session))
}

func (r *CardSessionRepository) Get(ctx context.Context, sessionID string) (domain.CardSession, error) {
	doc, err := r.docs.Get(ctx, sessionID)
	if err != nil {
		return domain.CardSession{}, err
	}
	return decodeCardSession(doc.ID, doc.Data), nil
}

// Update rewrites everything except the generation flag.
func (r *CardSessionRepository) Update(ctx context.Context, session domain.CardSession) error {
	return r.docs.Update(ctx, session.ID, []firestore.Update{
		{Path: "owner_id", Value: session.OwnerID},
		{Path: "language", Value: session.Language},
		{Path: "state", Value: session.State},
		{Path: "updated_at", Value: session.UpdatedAt.UTC()},
		{Path: "expires_at", Value: session.ExpiresAt.UTC()},
	})
}

func (r *CardSessionRepository) Delete(ctx context.Context, sessionID string) error {
	return r.docs.Delete(ctx, sessionID, true)
}

func (r *CardSessionRepository) AcquireGeneration(ctx context.Context, sessionID string, now, staleBefore time.Time) (domain.CardSession, error) {
	ref, err := r.docs.Ref(ctx, sessionID)
	if err != nil {
		return domain.CardSession{}, err
	}

	var session domain.CardSession
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc cardSessionDocument
		if err := snap.DataTo(&doc); err != nil {
			return err
		}
		if doc.IsGenerating && doc.GenerationStartedAt != nil && doc.GenerationStartedAt.After(staleBefore) {
			return status.Error(codes.FailedPrecondition, "generation in progress")
		}
		started := now.UTC()
		doc.IsGenerating = true
		doc.GenerationStartedAt = &started
		session = decodeCardSession(snap.Ref.ID, doc)
		return tx.Update(ref, []firestore.Update{
			{Path: "is_generating", Value: true},
			{Path: "generation_started_at", Value: started},
		})
	})
	if err != nil {
		return domain.CardSession{}, pfirestore.WrapError("card_sessions.acquire_generation", err)
	}
	return session, nil
}

func (r *CardSessionRepository) ReleaseGeneration(ctx context.Context, sessionID string) error {
	return r.docs.Update(ctx, sessionID, []firestore.Update{
		{Path: "is_generating", Value: false},
		{Path: "generation_started_at", Value: nil},
	})
}

func (r *CardSessionRepository) DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	cutoff := now.UTC()
	return r.docs.DeleteWhere(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("expires_at", "<=", cutoff)
	}, limit)
}
