package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	domain "github.com/PerfectlyContent/cardmaker/internal/domain"
	pfirestore "github.com/PerfectlyContent/cardmaker/internal/platform/firestore"
	"github.com/PerfectlyContent/cardmaker/internal/repositories"
)

const (
	ownerCollection         = "owners"
	importantDateCollection = "important_dates"
	datesProfileCollection  = "dates_profiles"
)

// DateRepository stores important dates under owners/{ownerId}/important_dates.
type DateRepository struct {
	provider *pfirestore.Provider
}

var _ repositories.DateRepository = (*DateRepository)(nil)

// NewDateRepository constructs a Firestore-backed date repository.
func NewDateRepository(provider *pfirestore.Provider) (*DateRepository, error) {
	if provider == nil {
		return nil, errors.New("date repository requires firestore provider")
	}
	return &DateRepository{provider: provider}, nil
}

type importantDateDocument struct {
	OwnerID   string    `firestore:"owner_id"`
	Name      string    `firestore:"name"`
	Date      string    `firestore:"date"`
	Type      string    `firestore:"type"`
	Phone     string    `firestore:"phone,omitempty"`
	Recurring bool      `firestore:"recurring"`
	CreatedAt time.Time `firestore:"created_at"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

func encodeImportantDate(date domain.ImportantDate) importantDateDocument {
	return importantDateDocument{
		OwnerID:   date.OwnerID,
		Name:      date.Name,
		Date:      date.Date,
		Type:      string(date.Type),
		Phone:     date.Phone,
		Recurring: date.Recurring,
		CreatedAt: date.CreatedAt.UTC(),
		UpdatedAt: date.UpdatedAt.UTC(),
	}
}

func decodeImportantDate(snap *firestore.DocumentSnapshot) (domain.ImportantDate, error) {
	var doc importantDateDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.ImportantDate{}, fmt.Errorf("important_dates: decode %s: %w", snap.Ref.ID, err)
	}
	return domain.ImportantDate{
		ID:        snap.Ref.ID,
		OwnerID:   doc.OwnerID,
		Name:      doc.Name,
		Date:      doc.Date,
		Type:      domain.DateType(doc.Type),
		Phone:     doc.Phone,
		Recurring: doc.Recurring,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}, nil
}

func (r *DateRepository) collection(ctx context.Context, ownerID string) (*firestore.CollectionRef, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, errors.New("date repository: owner id is required")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(ownerCollection).Doc(ownerID).Collection(importantDateCollection), nil
}

func (r *DateRepository) Insert(ctx context.Context, date domain.ImportantDate) error {
	coll, err := r.collection(ctx, date.OwnerID)
	if err != nil {
		return err
	}
	if _, err := coll.Doc(date.ID).Create(ctx, encodeImportantDate(date)); err != nil {
		return pfirestore.WrapError("important_dates.insert", err)
	}
	return nil
}

func (r *DateRepository) Update(ctx context.Context, date domain.ImportantDate) error {
	coll, err := r.collection(ctx, date.OwnerID)
	if err != nil {
		return err
	}
	if _, err := coll.Doc(date.ID).Set(ctx, encodeImportantDate(date)); err != nil {
		return pfirestore.WrapError("important_dates.update", err)
	}
	return nil
}

func (r *DateRepository) Delete(ctx context.Context, ownerID, dateID string) error {
	coll, err := r.collection(ctx, ownerID)
	if err != nil {
		return err
	}
	if _, err := coll.Doc(dateID).Delete(ctx, firestore.Exists); err != nil {
		return pfirestore.WrapError("important_dates.delete", err)
	}
	return nil
}

func (r *DateRepository) Get(ctx context.Context, ownerID, dateID string) (domain.ImportantDate, error) {
	coll, err := r.collection(ctx, ownerID)
	if err != nil {
		return domain.ImportantDate{}, err
	}
	snap, err := coll.Doc(dateID).Get(ctx)
	if err != nil {
		return domain.ImportantDate{}, pfirestore.WrapError("important_dates.get", err)
	}
	return decodeImportantDate(snap)
}

func (r *DateRepository) ListByOwner(ctx context.Context, ownerID string) ([]domain.ImportantDate, error) {
	coll, err := r.collection(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return collectDates(coll.OrderBy("created_at", firestore.Asc).Documents(ctx), "important_dates.list")
}

// ListAll reads every owner's dates through a collection group query.
func (r *DateRepository) ListAll(ctx context.Context) ([]domain.ImportantDate, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return collectDates(client.CollectionGroup(importantDateCollection).Documents(ctx), "important_dates.list_all")
}

func collectDates(iter *firestore.DocumentIterator, op string) ([]domain.ImportantDate, error) {
	defer iter.Stop()
	var out []domain.ImportantDate
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError(op, err)
		}
		date, err := decodeImportantDate(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, date)
	}
	return out, nil
}

// DatesProfileRepository stores dates_profiles/{ownerId}.
type DatesProfileRepository struct {
	docs *pfirestore.Collection[datesProfileDocument]
}

var _ repositories.DatesProfileRepository = (*DatesProfileRepository)(nil)

// NewDatesProfileRepository constructs a Firestore-backed profile repository.
func NewDatesProfileRepository(provider *pfirestore.Provider) (*DatesProfileRepository, error) {
	if provider == nil {
		return nil, errors.New("dates profile repository requires firestore provider")
	}
	return &DatesProfileRepository{
		docs: pfirestore.NewCollection[datesProfileDocument](provider, datesProfileCollection),
	}, nil
}

type datesProfileDocument struct {
	Onboarded   bool       `firestore:"onboarded"`
	OnboardedAt *time.Time `firestore:"onboarded_at"`
	Timezone    string     `firestore:"timezone,omitempty"`
}

func (r *DatesProfileRepository) Get(ctx context.Context, ownerID string) (domain.DatesProfile, error) {
	doc, err := r.docs.Get(ctx, ownerID)
	if err != nil {
		return domain.DatesProfile{}, err
	}
	return domain.DatesProfile{
		OwnerID:     doc.ID,
		Onboarded:   doc.Data.Onboarded,
		OnboardedAt: doc.Data.OnboardedAt,
		Timezone:    doc.Data.Timezone,
	}, nil
}

func (r *DatesProfileRepository) Save(ctx context.Context, profile domain.DatesProfile) error {
	return r.docs.Set(ctx, profile.OwnerID, datesProfileDocument{
		Onboarded:   profile.Onboarded,
		OnboardedAt: profile.OnboardedAt,
		Timezone:    profile.Timezone,
	})
}
