package repositories

import (
	"context"
	"time"

	domain "github.com/PerfectlyContent/cardmaker/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	CardSessions() CardSessionRepository
	Exports() ExportRepository
	Dates() DateRepository
	DatesProfiles() DatesProfileRepository
	Health() HealthRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// CardSessionRepository persists wizard sessions.
type CardSessionRepository interface {
	Insert(ctx context.Context, session domain.CardSession) error
	Get(ctx context.Context, sessionID string) (domain.CardSession, error)
	// Update overwrites the session. It fails with a not-found error when the
	// session no longer exists.
	Update(ctx context.Context, session domain.CardSession) error
	Delete(ctx context.Context, sessionID string) error
	// AcquireGeneration sets the generating flag when it is clear, or when it
	// was set before staleBefore. A held flag is reported as a conflict.
	AcquireGeneration(ctx context.Context, sessionID string, now, staleBefore time.Time) (domain.CardSession, error)
	ReleaseGeneration(ctx context.Context, sessionID string) error
	DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// ExportRepository records rendered card uploads.
type ExportRepository interface {
	Insert(ctx context.Context, export domain.CardExport) error
	Get(ctx context.Context, exportID string) (domain.CardExport, error)
}

// DateRepository persists important dates scoped by owner.
type DateRepository interface {
	Insert(ctx context.Context, date domain.ImportantDate) error
	Update(ctx context.Context, date domain.ImportantDate) error
	Delete(ctx context.Context, ownerID, dateID string) error
	Get(ctx context.Context, ownerID, dateID string) (domain.ImportantDate, error)
	ListByOwner(ctx context.Context, ownerID string) ([]domain.ImportantDate, error)
	// ListAll walks every owner's dates for reminder dispatch.
	ListAll(ctx context.Context) ([]domain.ImportantDate, error)
}

// DatesProfileRepository stores per-owner flags of the dates feature.
type DatesProfileRepository interface {
	Get(ctx context.Context, ownerID string) (domain.DatesProfile, error)
	Save(ctx context.Context, profile domain.DatesProfile) error
}

// HealthRepository exposes dependency health information for readiness probes.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
