package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/PerfectlyContent/cardmaker/internal/catalog"
	domain "github.com/PerfectlyContent/cardmaker/internal/domain"
	"github.com/PerfectlyContent/cardmaker/internal/platform/httpx"
)

// CatalogHandlers serves the static card vocabulary for the wizard pickers.
type CatalogHandlers struct {
	catalog *catalog.Catalog
}

// NewCatalogHandlers constructs catalog handlers. A nil catalog selects the
// embedded default.
func NewCatalogHandlers(cat *catalog.Catalog) *CatalogHandlers {
	if cat == nil {
		cat = catalog.Default()
	}
	return &CatalogHandlers{catalog: cat}
}

// Routes registers GET /catalog.
func (h *CatalogHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/catalog", h.getCatalog)
}

type catalogLanguage struct {
	Code string `json:"code"`
	Name string `json:"name"`
	RTL  bool   `json:"rtl"`
}

type catalogOccasion struct {
	ID       string   `json:"id"`
	Emoji    string   `json:"emoji"`
	Gradient []string `json:"gradient"`
}

type catalogFont struct {
	Family string `json:"family"`
	Weight int    `json:"weight"`
	Style  string `json:"style"`
}

type catalogVibe struct {
	ID    string      `json:"id"`
	Emoji string      `json:"emoji"`
	Font  catalogFont `json:"font"`
}

type catalogResponse struct {
	Language        string            `json:"language"`
	RTL             bool              `json:"rtl"`
	Languages       []catalogLanguage `json:"languages"`
	Occasions       []catalogOccasion `json:"occasions"`
	Vibes           []catalogVibe     `json:"vibes"`
	DefaultGradient []string          `json:"defaultGradient"`
}

func (h *CatalogHandlers) getCatalog(w http.ResponseWriter, r *http.Request) {
	lang := h.catalog.NormalizeLanguage(firstNonEmpty(r.URL.Query().Get("lang"), r.Header.Get("Accept-Language")))
	current := h.catalog.Language(lang)

	resp := catalogResponse{
		Language:        lang,
		RTL:             current.RTL,
		DefaultGradient: h.catalog.DefaultGradient,
	}
	for _, l := range h.catalog.Languages() {
		resp.Languages = append(resp.Languages, catalogLanguage{Code: l.Code, Name: l.Name, RTL: l.RTL})
	}
	for _, occ := range h.catalog.Occasions(lang) {
		id := occ.ID
		resp.Occasions = append(resp.Occasions, catalogOccasion{
			ID:       string(id),
			Emoji:    occ.Emoji,
			Gradient: h.catalog.Gradient(&id),
		})
	}
	for _, vibe := range h.catalog.Vibes() {
		font, _ := h.catalog.VibeFont(vibe.ID, lang)
		resp.Vibes = append(resp.Vibes, catalogVibe{
			ID:    string(vibe.ID),
			Emoji: vibe.Emoji,
			Font:  toCatalogFont(font),
		})
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func toCatalogFont(f domain.FontConfig) catalogFont {
	return catalogFont{Family: f.Family, Weight: f.Weight, Style: string(f.Style)}
}
