package firestore

import (
	"context"
	"fmt"

	pfirestore "github.com/PerfectlyContent/cardmaker/internal/platform/firestore"
	"github.com/PerfectlyContent/cardmaker/internal/repositories"
)

// Registry wires the Firestore repositories to one provider.
type Registry struct {
	provider *pfirestore.Provider
	sessions *CardSessionRepository
	exports  *ExportRepository
	dates    *DateRepository
	profiles *DatesProfileRepository
	health   repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry constructs every repository against provider.
func NewRegistry(provider *pfirestore.Provider, health repositories.HealthRepository) (*Registry, error) {
	sessions, err := NewCardSessionRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	exports, err := NewExportRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	dates, err := NewDateRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	profiles, err := NewDatesProfileRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	return &Registry{
		provider: provider,
		sessions: sessions,
		exports:  exports,
		dates:    dates,
		profiles: profiles,
		health:   health,
	}, nil
}

// Close releases the shared Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	return r.provider.Close(ctx)
}

func (r *Registry) CardSessions() repositories.CardSessionRepository   { return r.sessions }
func (r *Registry) Exports() repositories.ExportRepository             { return r.exports }
func (r *Registry) Dates() repositories.DateRepository                 { return r.dates }
func (r *Registry) DatesProfiles() repositories.DatesProfileRepository { return r.profiles }
func (r *Registry) Health() repositories.HealthRepository              { return r.health }
