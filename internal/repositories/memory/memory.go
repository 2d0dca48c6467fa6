// Package memory holds process-local repositories used when Firestore is not
// configured.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	domain "github.com/PerfectlyContent/cardmaker/internal/domain"
	"github.com/PerfectlyContent/cardmaker/internal/repositories"
)

// Registry bundles the in-memory repositories.
type Registry struct {
	sessions *CardSessionRepository
	exports  *ExportRepository
	dates    *DateRepository
	profiles *DatesProfileRepository
	health   repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry constructs an in-memory registry. health may be nil.
func NewRegistry(health repositories.HealthRepository) *Registry {
	return &Registry{
		sessions: NewCardSessionRepository(),
		exports:  NewExportRepository(),
		dates:    NewDateRepository(),
		profiles: NewDatesProfileRepository(),
		health:   health,
	}
}

func (r *Registry) Close(context.Context) error                        { return nil }
func (r *Registry) CardSessions() repositories.CardSessionRepository   { return r.sessions }
func (r *Registry) Exports() repositories.ExportRepository             { return r.exports }
func (r *Registry) Dates() repositories.DateRepository                 { return r.dates }
func (r *Registry) DatesProfiles() repositories.DatesProfileRepository { return r.profiles }
func (r *Registry) Health() repositories.HealthRepository              { return r.health }

// CardSessionRepository keeps sessions in a map.
type CardSessionRepository struct {
	mu       sync.Mutex
	sessions map[string]domain.CardSession
}

var _ repositories.CardSessionRepository = (*CardSessionRepository)(nil)

// NewCardSessionRepository constructs an empty session store.
func NewCardSessionRepository() *CardSessionRepository {
	return &CardSessionRepository{sessions: make(map[string]domain.CardSession)}
}

func (r *CardSessionRepository) Insert(_ context.Context, session domain.CardSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[session.ID]; ok {
		return repositories.NewConflict("card_sessions.insert", "session already exists")
	}
	r.sessions[session.ID] = cloneSession(session)
	return nil
}

func (r *CardSessionRepository) Get(_ context.Context, sessionID string) (domain.CardSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[sessionID]
	if !ok {
		return domain.CardSession{}, repositories.NewNotFound("card_sessions.get", "session")
	}
	return cloneSession(session), nil
}

func (r *CardSessionRepository) Update(_ context.Context, session domain.CardSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.sessions[session.ID]
	if !ok {
		return repositories.NewNotFound("card_sessions.update", "session")
	}
	// The generation flag is owned by Acquire/ReleaseGeneration.
	session.IsGenerating = current.IsGenerating
	session.GenerationStartedAt = current.GenerationStartedAt
	r.sessions[session.ID] = cloneSession(session)
	return nil
}

func (r *CardSessionRepository) Delete(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sessionID]; !ok {
		return repositories.NewNotFound("card_sessions.delete", "session")
	}
	delete(r.sessions, sessionID)
	return nil
}

func (r *CardSessionRepository) AcquireGeneration(_ context.Context, sessionID string, now, staleBefore time.Time) (domain.CardSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[sessionID]
	if !ok {
		return domain.CardSession{}, repositories.NewNotFound("card_sessions.acquire_generation", "session")
	}
	if session.IsGenerating && session.GenerationStartedAt != nil && session.GenerationStartedAt.After(staleBefore) {
		return domain.CardSession{}, repositories.NewConflict("card_sessions.acquire_generation", "generation in progress")
	}
	started := now.UTC()
	session.IsGenerating = true
	session.GenerationStartedAt = &started
	r.sessions[sessionID] = session
	return cloneSession(session), nil
}

func (r *CardSessionRepository) ReleaseGeneration(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[sessionID]
	if !ok {
		return repositories.NewNotFound("card_sessions.release_generation", "session")
	}
	session.IsGenerating = false
	session.GenerationStartedAt = nil
	r.sessions[sessionID] = session
	return nil
}

func (r *CardSessionRepository) DeleteExpired(_ context.Context, now time.Time, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, session := range r.sessions {
		if limit > 0 && removed >= limit {
			break
		}
		if !session.ExpiresAt.IsZero() && !now.Before(session.ExpiresAt) {
			delete(r.sessions, id)
			removed++
		}
	}
	return removed, nil
}

func cloneSession(session domain.CardSession) domain.CardSession {
	state := &session.State
	state.History = append([]domain.ChatTurn(nil), state.History...)
	state.ChatMessages = append([]domain.ChatMessage(nil), state.ChatMessages...)
	state.Card.BackgroundImages = append([]domain.BackgroundImage(nil), state.Card.BackgroundImages...)
	if state.Card.BackgroundImage != nil {
		bg := *state.Card.BackgroundImage
		state.Card.BackgroundImage = &bg
	}
	if session.GenerationStartedAt != nil {
		started := *session.GenerationStartedAt
		session.GenerationStartedAt = &started
	}
	return session
}

// ExportRepository keeps export records in a map.
type ExportRepository struct {
	mu      sync.RWMutex
	exports map[string]domain.CardExport
}

var _ repositories.ExportRepository = (*ExportRepository)(nil)

// NewExportRepository constructs an empty export store.
func NewExportRepository() *ExportRepository {
	return &ExportRepository{exports: make(map[string]domain.CardExport)}
}

func (r *ExportRepository) Insert(_ context.Context, export domain.CardExport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.exports[export.ID]; ok {
		return repositories.NewConflict("card_exports.insert", "export already exists")
	}
	r.exports[export.ID] = export
	return nil
}

func (r *ExportRepository) Get(_ context.Context, exportID string) (domain.CardExport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	export, ok := r.exports[exportID]
	if !ok {
		return domain.CardExport{}, repositories.NewNotFound("card_exports.get", "export")
	}
	return export, nil
}

// DateRepository keeps important dates keyed by owner.
type DateRepository struct {
	mu    sync.RWMutex
	dates map[string]map[string]domain.ImportantDate
}

var _ repositories.DateRepository = (*DateRepository)(nil)

// NewDateRepository constructs an empty date store.
func NewDateRepository() *DateRepository {
	return &DateRepository{dates: make(map[string]map[string]domain.ImportantDate)}
}

func (r *DateRepository) Insert(_ context.Context, date domain.ImportantDate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	owned := r.dates[date.OwnerID]
	if owned == nil {
		owned = make(map[string]domain.ImportantDate)
		r.dates[date.OwnerID] = owned
	}
	if _, ok := owned[date.ID]; ok {
		return repositories.NewConflict("important_dates.insert", "date already exists")
	}
	owned[date.ID] = date
	return nil
}

func (r *DateRepository) Update(_ context.Context, date domain.ImportantDate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	owned := r.dates[date.OwnerID]
	if _, ok := owned[date.ID]; !ok {
		return repositories.NewNotFound("important_dates.update", "date")
	}
	owned[date.ID] = date
	return nil
}

func (r *DateRepository) Delete(_ context.Context, ownerID, dateID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	owned := r.dates[ownerID]
	if _, ok := owned[dateID]; !ok {
		return repositories.NewNotFound("important_dates.delete", "date")
	}
	delete(owned, dateID)
	return nil
}

func (r *DateRepository) Get(_ context.Context, ownerID, dateID string) (domain.ImportantDate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	date, ok := r.dates[ownerID][dateID]
	if !ok {
		return domain.ImportantDate{}, repositories.NewNotFound("important_dates.get", "date")
	}
	return date, nil
}

func (r *DateRepository) ListByOwner(_ context.Context, ownerID string) ([]domain.ImportantDate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ImportantDate, 0, len(r.dates[ownerID]))
	for _, date := range r.dates[ownerID] {
		out = append(out, date)
	}
	sortDates(out)
	return out, nil
}

func (r *DateRepository) ListAll(_ context.Context) ([]domain.ImportantDate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.ImportantDate
	for _, owned := range r.dates {
		for _, date := range owned {
			out = append(out, date)
		}
	}
	sortDates(out)
	return out, nil
}

// sortDates orders by creation time, matching the Firestore query order.
func sortDates(list []domain.ImportantDate) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}

// DatesProfileRepository keeps per-owner profiles.
type DatesProfileRepository struct {
	mu       sync.RWMutex
	profiles map[string]domain.DatesProfile
}

var _ repositories.DatesProfileRepository = (*DatesProfileRepository)(nil)

// NewDatesProfileRepository constructs an empty profile store.
func NewDatesProfileRepository() *DatesProfileRepository {
	return &DatesProfileRepository{profiles: make(map[string]domain.DatesProfile)}
}

func (r *DatesProfileRepository) Get(_ context.Context, ownerID string) (domain.DatesProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	profile, ok := r.profiles[ownerID]
	if !ok {
		return domain.DatesProfile{}, repositories.NewNotFound("dates_profiles.get", "profile")
	}
	return profile, nil
}

func (r *DatesProfileRepository) Save(_ context.Context, profile domain.DatesProfile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[profile.OwnerID] = profile
	return nil
}
