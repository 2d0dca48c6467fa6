package firestore

import (
	"context"
	"errors"
	"time"

	domain "github.com/PerfectlyContent/cardmaker/internal/domain"
	pfirestore "github.com/PerfectlyContent/cardmaker/internal/platform/firestore"
	"github.com/PerfectlyContent/cardmaker/internal/repositories"
)

const exportCollection = "card_exports"

// ExportRepository records uploaded card renders.
type ExportRepository struct {
	docs *pfirestore.Collection[exportDocument]
}

var _ repositories.ExportRepository = (*ExportRepository)(nil)

// NewExportRepository constructs a Firestore-backed export repository.
func NewExportRepository(provider *pfirestore.Provider) (*ExportRepository, error) {
	if provider == nil {
		return nil, errors.New("export repository requires firestore provider")
	}
	return &ExportRepository{
		docs: pfirestore.NewCollection[exportDocument](provider, exportCollection),
	}, nil
}

type exportDocument struct {
	SessionID   string    `firestore:"session_id"`
	OwnerID     string    `firestore:"owner_id"`
	Bucket      string    `firestore:"bucket"`
	ObjectPath  string    `firestore:"object_path"`
	ContentType string    `firestore:"content_type"`
	Size        int64     `firestore:"size"`
	Width       int       `firestore:"width"`
	Height      int       `firestore:"height"`
	CreatedAt   time.Time `firestore:"created_at"`
}

func (r *ExportRepository) Insert(ctx context.Context, export domain.CardExport) error {
	return r.docs.Create(ctx, export.ID, exportDocument{
		SessionID:   export.SessionID,
		OwnerID:     export.OwnerID,
		Bucket:      export.Bucket,
		ObjectPath:  export.ObjectPath,
		ContentType: export.ContentType,
		Size:        export.Size,
		Width:       export.Width,
		Height:      export.Height,
		CreatedAt:   export.CreatedAt.UTC(),
	})
}

func (r *ExportRepository) Get(ctx context.Context, exportID string) (domain.CardExport, error) {
	doc, err := r.docs.Get(ctx, exportID)
	if err != nil {
		return domain.CardExport{}, err
	}
	d := doc.Data
	return domain.CardExport{
		ID:          doc.ID,
		SessionID:   d.SessionID,
		OwnerID:     d.OwnerID,
		Bucket:      d.Bucket,
		ObjectPath:  d.ObjectPath,
		ContentType: d.ContentType,
		Size:        d.Size,
		Width:       d.Width,
		Height:      d.Height,
		CreatedAt:   d.CreatedAt,
	}, nil
}
